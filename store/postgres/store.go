/*
Package postgres is the production store, backed by PostgreSQL via
lib/pq.

PURPOSE:
  Implements core.Store with real row-level locking: LockByID issues
  SELECT ... FOR UPDATE, held until the enclosing transaction ends.
  Callers own the canonical ascending-account-id lock order; combined
  with FOR UPDATE it makes concurrent cross-transfers deadlock-free.

ERROR MAPPING:
  Serialization failures (40001), deadlock detection (40P01) and lock
  timeouts (55P03) map to the retryable STORE_TIMEOUT code. The ledger's
  retry wrapper re-runs the whole transaction.

SCHEMA:
  Same shape as store/sqlite: amounts as integer pence with a CHECK
  constraint on balance bounds, timestamptz for times, jsonb for audit
  payloads.

SEE ALSO:
  - core/store.go: the contracts implemented here
  - store/sqlite: default store, used by tests
*/
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/warp/cashwire/core"
)

// Store implements core.Store over a PostgreSQL database.
type Store struct {
	db *sql.DB
	session
}

// New connects with the given DSN and migrates the schema.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	s.session = session{q: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		balance_pence BIGINT NOT NULL
			CHECK (balance_pence BETWEEN -25000 AND 25000),
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		sender_user_id TEXT NOT NULL,
		recipient_user_id TEXT NOT NULL DEFAULT '',
		event_id TEXT NOT NULL DEFAULT '',
		amount_pence BIGINT NOT NULL CHECK (amount_pence > 0),
		category TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_sender
		ON transactions(sender_user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_recipient
		ON transactions(recipient_user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_event
		ON transactions(event_id, created_at DESC) WHERE event_id != '';

	CREATE TABLE IF NOT EXISTS money_requests (
		id TEXT PRIMARY KEY,
		requester_user_id TEXT NOT NULL,
		payer_user_id TEXT NOT NULL,
		amount_pence BIGINT NOT NULL CHECK (amount_pence > 0),
		note TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		responded_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_payer
		ON money_requests(payer_user_id, status);
	CREATE INDEX IF NOT EXISTS idx_requests_requester
		ON money_requests(requester_user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_requests_due
		ON money_requests(status, expires_at);

	CREATE TABLE IF NOT EXISTS event_pools (
		id TEXT PRIMARY KEY,
		creator_user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		target_pence BIGINT CHECK (target_pence IS NULL OR target_pence > 0),
		deadline TIMESTAMPTZ,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_event_pools_status
		ON event_pools(status);
	CREATE INDEX IF NOT EXISTS idx_event_pools_creator
		ON event_pools(creator_user_id, status);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		action_type TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL DEFAULT '',
		old_values JSONB,
		new_values JSONB,
		ip_address TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_user
		ON audit_log(user_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_action
		ON audit_log(action_type);
	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_log(entity_type, entity_id);
	CREATE INDEX IF NOT EXISTS idx_audit_created
		ON audit_log(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTION BOUNDARY
// =============================================================================

// WithTx runs fn inside one database transaction at READ COMMITTED;
// row locks from LockByID provide the needed isolation.
func (s *Store) WithTx(ctx context.Context, fn func(core.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer sqlTx.Rollback()

	if err := fn(session{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return mapErr(err)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type session struct {
	q querier
}

func (s session) Accounts() core.AccountRepo         { return accountRepo(s) }
func (s session) Transactions() core.TransactionRepo { return txRepo(s) }
func (s session) Requests() core.RequestRepo         { return requestRepo(s) }
func (s session) Events() core.EventRepo             { return eventRepo(s) }
func (s session) Audit() core.AuditRepo              { return auditRepo(s) }
func (s session) Users() core.UserRepo               { return userRepo(s) }

// =============================================================================
// ACCOUNTS
// =============================================================================

type accountRepo session

const accountCols = `id, user_id, balance_pence, created_at, updated_at`

func (r accountRepo) Create(ctx context.Context, a core.Account) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO accounts (id, user_id, balance_pence, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.UserID, a.Balance.Pence(), a.CreatedAt, a.UpdatedAt)
	return mapErr(err)
}

func (r accountRepo) ByID(ctx context.Context, id string) (*core.Account, error) {
	return scanAccount(r.q.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = $1`, id))
}

func (r accountRepo) ByUser(ctx context.Context, userID string) (*core.Account, error) {
	return scanAccount(r.q.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE user_id = $1`, userID))
}

// LockByID re-reads under FOR UPDATE; the lock holds until the
// transaction commits or rolls back.
func (r accountRepo) LockByID(ctx context.Context, id string) (*core.Account, error) {
	return scanAccount(r.q.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
}

func (r accountRepo) SetBalance(ctx context.Context, id string, balance core.Money, updatedAt time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE accounts SET balance_pence = $1, updated_at = $2 WHERE id = $3`,
		balance.Pence(), updatedAt, id)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.E(core.CodeAccountNotFound, "no account %s", id)
	}
	return nil
}

func (r accountRepo) SumBalances(ctx context.Context) (core.Money, error) {
	var pence sql.NullInt64
	err := r.q.QueryRowContext(ctx,
		`SELECT SUM(balance_pence) FROM accounts`).Scan(&pence)
	if err != nil {
		return core.Money{}, mapErr(err)
	}
	return core.FromPence(pence.Int64), nil
}

func scanAccount(row *sql.Row) (*core.Account, error) {
	var (
		a     core.Account
		pence int64
	)
	err := row.Scan(&a.ID, &a.UserID, &pence, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	a.Balance = core.FromPence(pence)
	return &a, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type txRepo session

const txCols = `id, kind, sender_user_id, recipient_user_id, event_id,
	amount_pence, category, note, status, created_at, processed_at`

func (r txRepo) Insert(ctx context.Context, t core.Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO transactions (`+txCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, string(t.Kind), t.SenderUserID, t.RecipientUserID, t.EventID,
		t.Amount.Pence(), t.Category, t.Note, string(t.Status),
		t.CreatedAt, t.ProcessedAt)
	return mapErr(err)
}

func (r txRepo) ByID(ctx context.Context, id string) (*core.Transaction, error) {
	txs, err := r.query(ctx, `SELECT `+txCols+` FROM transactions WHERE id = $1`, id)
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	return &txs[0], nil
}

func (r txRepo) BySender(ctx context.Context, userID string, limit int) ([]core.Transaction, error) {
	return r.query(ctx,
		`SELECT `+txCols+` FROM transactions
		 WHERE sender_user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, nonZeroLimit(limit))
}

func (r txRepo) ByRecipient(ctx context.Context, userID string, limit int) ([]core.Transaction, error) {
	return r.query(ctx,
		`SELECT `+txCols+` FROM transactions
		 WHERE recipient_user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, nonZeroLimit(limit))
}

func (r txRepo) ByEvent(ctx context.Context, eventID string) ([]core.Transaction, error) {
	return r.query(ctx,
		`SELECT `+txCols+` FROM transactions
		 WHERE event_id = $1 ORDER BY created_at ASC`, eventID)
}

func (r txRepo) SumCompletedByEvent(ctx context.Context, eventID string) (core.Money, error) {
	var pence sql.NullInt64
	err := r.q.QueryRowContext(ctx,
		`SELECT SUM(amount_pence) FROM transactions
		 WHERE event_id = $1 AND status = $2`,
		eventID, string(core.TxCompleted)).Scan(&pence)
	if err != nil {
		return core.Money{}, mapErr(err)
	}
	return core.FromPence(pence.Int64), nil
}

func (r txRepo) ContributorCount(ctx context.Context, eventID string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT sender_user_id) FROM transactions
		 WHERE event_id = $1 AND status = $2`,
		eventID, string(core.TxCompleted)).Scan(&n)
	return n, mapErr(err)
}

func (r txRepo) ContributionsByUser(ctx context.Context, userID string) ([]core.Transaction, error) {
	return r.query(ctx,
		`SELECT `+txCols+` FROM transactions
		 WHERE sender_user_id = $1 AND kind = $2
		 ORDER BY created_at DESC`,
		userID, string(core.KindEventContribution))
}

func (r txRepo) query(ctx context.Context, q string, args ...any) ([]core.Transaction, error) {
	rows, err := r.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		var (
			t            core.Transaction
			kind, status string
			pence        int64
			processedAt  sql.NullTime
		)
		if err := rows.Scan(&t.ID, &kind, &t.SenderUserID, &t.RecipientUserID, &t.EventID,
			&pence, &t.Category, &t.Note, &status, &t.CreatedAt, &processedAt); err != nil {
			return nil, mapErr(err)
		}
		t.Kind = core.TransactionKind(kind)
		t.Status = core.TransactionStatus(status)
		t.Amount = core.FromPence(pence)
		if processedAt.Valid {
			t.ProcessedAt = &processedAt.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// =============================================================================
// MONEY REQUESTS
// =============================================================================

type requestRepo session

const requestCols = `id, requester_user_id, payer_user_id, amount_pence,
	note, status, created_at, responded_at, expires_at`

func (r requestRepo) Insert(ctx context.Context, m core.MoneyRequest) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO money_requests (`+requestCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.RequesterUserID, m.PayerUserID, m.Amount.Pence(),
		m.Note, string(m.Status), m.CreatedAt, m.RespondedAt, m.ExpiresAt)
	return mapErr(err)
}

func (r requestRepo) ByID(ctx context.Context, id string) (*core.MoneyRequest, error) {
	reqs, err := r.query(ctx, `SELECT `+requestCols+` FROM money_requests WHERE id = $1`, id)
	if err != nil || len(reqs) == 0 {
		return nil, err
	}
	return &reqs[0], nil
}

func (r requestRepo) LockByID(ctx context.Context, id string) (*core.MoneyRequest, error) {
	reqs, err := r.query(ctx,
		`SELECT `+requestCols+` FROM money_requests WHERE id = $1 FOR UPDATE`, id)
	if err != nil || len(reqs) == 0 {
		return nil, err
	}
	return &reqs[0], nil
}

func (r requestRepo) Update(ctx context.Context, m core.MoneyRequest) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE money_requests SET status = $1, responded_at = $2 WHERE id = $3`,
		string(m.Status), m.RespondedAt, m.ID)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.E(core.CodeValidation, "no request %s", m.ID)
	}
	return nil
}

func (r requestRepo) PendingBetween(ctx context.Context, requesterID, payerID string, asOf time.Time) (*core.MoneyRequest, error) {
	reqs, err := r.query(ctx,
		`SELECT `+requestCols+` FROM money_requests
		 WHERE requester_user_id = $1 AND payer_user_id = $2
		   AND status = $3 AND expires_at > $4
		 LIMIT 1`,
		requesterID, payerID, string(core.RequestPending), asOf)
	if err != nil || len(reqs) == 0 {
		return nil, err
	}
	return &reqs[0], nil
}

func (r requestRepo) DuePending(ctx context.Context, asOf time.Time, limit int) ([]core.MoneyRequest, error) {
	return r.query(ctx,
		`SELECT `+requestCols+` FROM money_requests
		 WHERE status = $1 AND expires_at < $2
		 ORDER BY expires_at ASC LIMIT $3`,
		string(core.RequestPending), asOf, nonZeroLimit(limit))
}

func (r requestRepo) ByPayer(ctx context.Context, payerID string, status core.RequestStatus) ([]core.MoneyRequest, error) {
	if status == "" {
		return r.query(ctx,
			`SELECT `+requestCols+` FROM money_requests
			 WHERE payer_user_id = $1 ORDER BY created_at DESC`, payerID)
	}
	return r.query(ctx,
		`SELECT `+requestCols+` FROM money_requests
		 WHERE payer_user_id = $1 AND status = $2 ORDER BY created_at DESC`,
		payerID, string(status))
}

func (r requestRepo) ByRequester(ctx context.Context, requesterID string, limit int) ([]core.MoneyRequest, error) {
	return r.query(ctx,
		`SELECT `+requestCols+` FROM money_requests
		 WHERE requester_user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		requesterID, nonZeroLimit(limit))
}

func (r requestRepo) query(ctx context.Context, q string, args ...any) ([]core.MoneyRequest, error) {
	rows, err := r.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []core.MoneyRequest
	for rows.Next() {
		var (
			m           core.MoneyRequest
			pence       int64
			status      string
			respondedAt sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.RequesterUserID, &m.PayerUserID, &pence,
			&m.Note, &status, &m.CreatedAt, &respondedAt, &m.ExpiresAt); err != nil {
			return nil, mapErr(err)
		}
		m.Amount = core.FromPence(pence)
		m.Status = core.RequestStatus(status)
		if respondedAt.Valid {
			m.RespondedAt = &respondedAt.Time
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// EVENT POOLS
// =============================================================================

type eventRepo session

const eventCols = `id, creator_user_id, name, description, target_pence,
	deadline, status, created_at, closed_at`

func (r eventRepo) Insert(ctx context.Context, p core.EventPool) error {
	var target *int64
	if p.TargetAmount != nil {
		t := p.TargetAmount.Pence()
		target = &t
	}
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO event_pools (`+eventCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.CreatorUserID, p.Name, p.Description,
		target, p.Deadline, string(p.Status), p.CreatedAt, p.ClosedAt)
	return mapErr(err)
}

func (r eventRepo) ByID(ctx context.Context, id string) (*core.EventPool, error) {
	pools, err := r.query(ctx, `SELECT `+eventCols+` FROM event_pools WHERE id = $1`, id)
	if err != nil || len(pools) == 0 {
		return nil, err
	}
	return &pools[0], nil
}

func (r eventRepo) LockByID(ctx context.Context, id string) (*core.EventPool, error) {
	pools, err := r.query(ctx,
		`SELECT `+eventCols+` FROM event_pools WHERE id = $1 FOR UPDATE`, id)
	if err != nil || len(pools) == 0 {
		return nil, err
	}
	return &pools[0], nil
}

func (r eventRepo) Update(ctx context.Context, p core.EventPool) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE event_pools SET status = $1, closed_at = $2 WHERE id = $3`,
		string(p.Status), p.ClosedAt, p.ID)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.E(core.CodeValidation, "no pool %s", p.ID)
	}
	return nil
}

func (r eventRepo) ListActive(ctx context.Context) ([]core.EventPool, error) {
	return r.query(ctx,
		`SELECT `+eventCols+` FROM event_pools
		 WHERE status = $1 ORDER BY created_at DESC`,
		string(core.EventActive))
}

func (r eventRepo) ByCreator(ctx context.Context, creatorID string, status core.EventStatus) ([]core.EventPool, error) {
	if status == "" {
		return r.query(ctx,
			`SELECT `+eventCols+` FROM event_pools
			 WHERE creator_user_id = $1 ORDER BY created_at DESC`, creatorID)
	}
	return r.query(ctx,
		`SELECT `+eventCols+` FROM event_pools
		 WHERE creator_user_id = $1 AND status = $2 ORDER BY created_at DESC`,
		creatorID, string(status))
}

func (r eventRepo) WithDeadlineBefore(ctx context.Context, now, before time.Time) ([]core.EventPool, error) {
	return r.query(ctx,
		`SELECT `+eventCols+` FROM event_pools
		 WHERE status = $1 AND deadline IS NOT NULL
		   AND deadline > $2 AND deadline <= $3
		 ORDER BY deadline ASC`,
		string(core.EventActive), now, before)
}

func (r eventRepo) query(ctx context.Context, q string, args ...any) ([]core.EventPool, error) {
	rows, err := r.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []core.EventPool
	for rows.Next() {
		var (
			p                  core.EventPool
			target             sql.NullInt64
			deadline, closedAt sql.NullTime
			status             string
		)
		if err := rows.Scan(&p.ID, &p.CreatorUserID, &p.Name, &p.Description,
			&target, &deadline, &status, &p.CreatedAt, &closedAt); err != nil {
			return nil, mapErr(err)
		}
		if target.Valid {
			m := core.FromPence(target.Int64)
			p.TargetAmount = &m
		}
		if deadline.Valid {
			p.Deadline = &deadline.Time
		}
		if closedAt.Valid {
			p.ClosedAt = &closedAt.Time
		}
		p.Status = core.EventStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// AUDIT LOG
// =============================================================================

type auditRepo session

const auditCols = `id, user_id, action_type, entity_type, entity_id,
	old_values, new_values, ip_address, user_agent, severity, created_at`

func (r auditRepo) Insert(ctx context.Context, e core.AuditEntry) error {
	oldJSON, err := encodeValues(e.OldValues)
	if err != nil {
		return err
	}
	newJSON, err := encodeValues(e.NewValues)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO audit_log (`+auditCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.UserID, e.ActionType, e.EntityType, e.EntityID,
		oldJSON, newJSON, e.IPAddress, e.UserAgent,
		string(e.Severity), e.CreatedAt)
	return mapErr(err)
}

func (r auditRepo) Query(ctx context.Context, f core.AuditFilter) ([]core.AuditEntry, error) {
	q := `SELECT ` + auditCols + ` FROM audit_log WHERE TRUE`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.UserID != "" {
		q += ` AND user_id = ` + arg(f.UserID)
	}
	if f.ActionType != "" {
		q += ` AND action_type = ` + arg(f.ActionType)
	}
	if f.EntityType != "" {
		q += ` AND entity_type = ` + arg(f.EntityType)
	}
	if f.EntityID != "" {
		q += ` AND entity_id = ` + arg(f.EntityID)
	}
	if f.IPAddress != "" {
		q += ` AND ip_address = ` + arg(f.IPAddress)
	}
	if f.Severity != "" {
		q += ` AND severity = ` + arg(string(f.Severity))
	}
	if f.From != nil {
		q += ` AND created_at >= ` + arg(*f.From)
	}
	if f.To != nil {
		q += ` AND created_at <= ` + arg(*f.To)
	}
	q += ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		q += ` LIMIT ` + arg(f.Limit)
		if f.Offset > 0 {
			q += ` OFFSET ` + arg(f.Offset)
		}
	}

	rows, err := r.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []core.AuditEntry
	for rows.Next() {
		var (
			e                core.AuditEntry
			oldJSON, newJSON []byte
			severity         string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.ActionType, &e.EntityType, &e.EntityID,
			&oldJSON, &newJSON, &e.IPAddress, &e.UserAgent, &severity, &e.CreatedAt); err != nil {
			return nil, mapErr(err)
		}
		e.Severity = core.Severity(severity)
		e.OldValues, e.Malformed = decodeValues(oldJSON)
		newVals, malformed := decodeValues(newJSON)
		e.NewValues = newVals
		e.Malformed = e.Malformed || malformed
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r auditRepo) CountOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_log WHERE created_at < $1`, cutoff).Scan(&n)
	return n, mapErr(err)
}

func (r auditRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	res, err := r.q.ExecContext(ctx,
		`DELETE FROM audit_log WHERE id IN (
			SELECT id FROM audit_log WHERE created_at < $1
			ORDER BY created_at ASC LIMIT $2)`,
		cutoff, nonZeroLimit(limit))
	if err != nil {
		return 0, mapErr(err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// =============================================================================
// USERS
// =============================================================================

type userRepo session

const userCols = `id, display_name, email, role, active, created_at`

func (r userRepo) Insert(ctx context.Context, u core.User) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO users (`+userCols+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.DisplayName, u.Email, string(u.Role), u.Active, u.CreatedAt)
	return mapErr(err)
}

func (r userRepo) ByID(ctx context.Context, id string) (*core.User, error) {
	users, err := r.query(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
	if err != nil || len(users) == 0 {
		return nil, err
	}
	return &users[0], nil
}

func (r userRepo) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE users SET active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.E(core.CodeAccountNotFound, "no user %s", id)
	}
	return nil
}

func (r userRepo) List(ctx context.Context) ([]core.User, error) {
	return r.query(ctx, `SELECT `+userCols+` FROM users ORDER BY display_name`)
}

func (r userRepo) query(ctx context.Context, q string, args ...any) ([]core.User, error) {
	rows, err := r.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []core.User
	for rows.Next() {
		var (
			u    core.User
			role string
		)
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Email, &role, &u.Active, &u.CreatedAt); err != nil {
			return nil, mapErr(err)
		}
		u.Role = core.Role(role)
		out = append(out, u)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nonZeroLimit(limit int) int {
	if limit <= 0 {
		return 1000
	}
	return limit
}

func encodeValues(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode audit payload: %w", err)
	}
	return b, nil
}

func decodeValues(b []byte) (map[string]any, bool) {
	if len(b) == 0 {
		return nil, false
	}
	var v map[string]any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, true
	}
	return v, false
}

// mapErr translates transient PostgreSQL failures into the retryable
// STORE_TIMEOUT code: serialization failures, deadlocks, lock-wait
// timeouts.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return core.Wrap(core.CodeStoreTimeout, err, "postgres contention")
		}
	}
	return err
}
