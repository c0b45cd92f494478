/*
Package sqlite is the SQLite-backed store. It is the default store and
the one every test runs against.

PURPOSE:
  Implements core.Store over mattn/go-sqlite3. The same schema and
  query shapes apply to PostgreSQL (store/postgres) - only placeholder
  syntax and the locking mechanism differ.

MONEY STORAGE:
  Balances and amounts are persisted as integer pence. That keeps the
  balance-bound CHECK constraint exact: the database itself refuses any
  row outside [-25000, 25000] pence, a last line of defence behind the
  ledger's own checks.

CONCURRENCY:
  SQLite has no row locks, so WithTx serialises writers with a mutex
  instead - strictly stronger than the row-lock contract LockByID
  promises. LockByID is then a plain re-read. Driver busy errors map to
  the retryable STORE_TIMEOUT code.

WAL MODE:
  The database is opened with WAL so readers never block on the writer.

MIGRATION:
  Schema is auto-migrated on New(). For production rollouts use a
  versioned migration tool; this is fine for a single-schema service.

SEE ALSO:
  - core/store.go: the contracts implemented here
  - store/postgres: production store with SELECT ... FOR UPDATE
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/cashwire/core"
)

// memSeq names in-memory databases so separate Stores never share one.
var memSeq atomic.Int64

// Store implements core.Store over a SQLite database.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serialises writers; see package comment
	session
}

// New opens (or creates) the database at dbPath and migrates the
// schema. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	const opts = "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	dsn := dbPath + "?" + opts
	if dbPath == ":memory:" {
		// A pooled ":memory:" DSN would give every connection its own
		// empty database, and a single shared-cache ":memory:" would be
		// shared by every Store in the process. A uniquely named memory
		// database gives each Store its own, shared across its
		// connections.
		n := memSeq.Add(1)
		dsn = fmt.Sprintf("file:cashwire-mem-%d?mode=memory&cache=shared&%s", n, opts)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

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
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	-- Exactly one account per user; balance bounds enforced in pence.
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL UNIQUE,
		balance_pence INTEGER NOT NULL
			CHECK (balance_pence BETWEEN -25000 AND 25000),
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		sender_user_id TEXT NOT NULL,
		recipient_user_id TEXT NOT NULL DEFAULT '',
		event_id TEXT NOT NULL DEFAULT '',
		amount_pence INTEGER NOT NULL CHECK (amount_pence > 0),
		category TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		processed_at TEXT
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
		amount_pence INTEGER NOT NULL CHECK (amount_pence > 0),
		note TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		responded_at TEXT,
		expires_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_payer
		ON money_requests(payer_user_id, status);
	CREATE INDEX IF NOT EXISTS idx_requests_requester
		ON money_requests(requester_user_id, created_at DESC);
	-- The expiry sweep's hot path.
	CREATE INDEX IF NOT EXISTS idx_requests_due
		ON money_requests(status, expires_at);

	CREATE TABLE IF NOT EXISTS event_pools (
		id TEXT PRIMARY KEY,
		creator_user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		target_pence INTEGER CHECK (target_pence IS NULL OR target_pence > 0),
		deadline TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		closed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_event_pools_status
		ON event_pools(status);
	CREATE INDEX IF NOT EXISTS idx_event_pools_creator
		ON event_pools(creator_user_id, status);

	-- Append-only. The retention job is the only DELETE path.
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		action_type TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL DEFAULT '',
		old_values_json TEXT,
		new_values_json TEXT,
		ip_address TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL,
		created_at TEXT NOT NULL
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

// WithTx runs fn inside one database transaction, holding the writer
// mutex for the duration. Rolls back on error, commits otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(core.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

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

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// session binds the repositories to either the connection (auto-commit
// reads) or an open transaction.
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

func (r accountRepo) Create(ctx context.Context, a core.Account) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO accounts (id, user_id, balance_pence, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Balance.Pence(), fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt))
	return mapErr(err)
}

const accountCols = `id, user_id, balance_pence, created_at, updated_at`

func (r accountRepo) ByID(ctx context.Context, id string) (*core.Account, error) {
	return scanAccount(r.q.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id = ?`, id))
}

func (r accountRepo) ByUser(ctx context.Context, userID string) (*core.Account, error) {
	return scanAccount(r.q.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE user_id = ?`, userID))
}

// LockByID is a plain re-read: the writer mutex already serialises
// mutating transactions, which subsumes row locking.
func (r accountRepo) LockByID(ctx context.Context, id string) (*core.Account, error) {
	return r.ByID(ctx, id)
}

func (r accountRepo) SetBalance(ctx context.Context, id string, balance core.Money, updatedAt time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE accounts SET balance_pence = ?, updated_at = ? WHERE id = ?`,
		balance.Pence(), fmtTime(updatedAt), id)
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
		a                    core.Account
		pence                int64
		createdAt, updatedAt string
	)
	err := row.Scan(&a.ID, &a.UserID, &pence, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	a.Balance = core.FromPence(pence)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Kind), t.SenderUserID, t.RecipientUserID, t.EventID,
		t.Amount.Pence(), t.Category, t.Note, string(t.Status),
		fmtTime(t.CreatedAt), fmtTimePtr(t.ProcessedAt))
	return mapErr(err)
}

func (r txRepo) ByID(ctx context.Context, id string) (*core.Transaction, error) {
	txs, err := r.query(ctx, `SELECT `+txCols+` FROM transactions WHERE id = ?`, id)
	if err != nil || len(txs) == 0 {
		return nil, err
	}
	return &txs[0], nil
}

func (r txRepo) BySender(ctx context.Context, userID string, limit int) ([]core.Transaction, error) {
	return r.query(ctx,
		`SELECT `+txCols+` FROM transactions
		 WHERE sender_user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, nonZeroLimit(limit))
}

func (r txRepo) ByRecipient(ctx context.Context, userID string, limit int) ([]core.Transaction, error) {
	return r.query(ctx,
		`SELECT `+txCols+` FROM transactions
		 WHERE recipient_user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, nonZeroLimit(limit))
}

func (r txRepo) ByEvent(ctx context.Context, eventID string) ([]core.Transaction, error) {
	return r.query(ctx,
		`SELECT `+txCols+` FROM transactions
		 WHERE event_id = ? ORDER BY created_at ASC`, eventID)
}

func (r txRepo) SumCompletedByEvent(ctx context.Context, eventID string) (core.Money, error) {
	var pence sql.NullInt64
	err := r.q.QueryRowContext(ctx,
		`SELECT SUM(amount_pence) FROM transactions
		 WHERE event_id = ? AND status = ?`,
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
		 WHERE event_id = ? AND status = ?`,
		eventID, string(core.TxCompleted)).Scan(&n)
	return n, mapErr(err)
}

func (r txRepo) ContributionsByUser(ctx context.Context, userID string) ([]core.Transaction, error) {
	return r.query(ctx,
		`SELECT `+txCols+` FROM transactions
		 WHERE sender_user_id = ? AND kind = ?
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
			t           core.Transaction
			kind        string
			status      string
			pence       int64
			createdAt   string
			processedAt sql.NullString
		)
		if err := rows.Scan(&t.ID, &kind, &t.SenderUserID, &t.RecipientUserID, &t.EventID,
			&pence, &t.Category, &t.Note, &status, &createdAt, &processedAt); err != nil {
			return nil, mapErr(err)
		}
		t.Kind = core.TransactionKind(kind)
		t.Status = core.TransactionStatus(status)
		t.Amount = core.FromPence(pence)
		t.CreatedAt = parseTime(createdAt)
		t.ProcessedAt = parseTimePtr(processedAt)
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.RequesterUserID, m.PayerUserID, m.Amount.Pence(),
		m.Note, string(m.Status), fmtTime(m.CreatedAt),
		fmtTimePtr(m.RespondedAt), fmtTime(m.ExpiresAt))
	return mapErr(err)
}

func (r requestRepo) ByID(ctx context.Context, id string) (*core.MoneyRequest, error) {
	reqs, err := r.query(ctx, `SELECT `+requestCols+` FROM money_requests WHERE id = ?`, id)
	if err != nil || len(reqs) == 0 {
		return nil, err
	}
	return &reqs[0], nil
}

func (r requestRepo) LockByID(ctx context.Context, id string) (*core.MoneyRequest, error) {
	return r.ByID(ctx, id)
}

func (r requestRepo) Update(ctx context.Context, m core.MoneyRequest) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE money_requests SET status = ?, responded_at = ? WHERE id = ?`,
		string(m.Status), fmtTimePtr(m.RespondedAt), m.ID)
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
		 WHERE requester_user_id = ? AND payer_user_id = ?
		   AND status = ? AND expires_at > ?
		 LIMIT 1`,
		requesterID, payerID, string(core.RequestPending), fmtTime(asOf))
	if err != nil || len(reqs) == 0 {
		return nil, err
	}
	return &reqs[0], nil
}

func (r requestRepo) DuePending(ctx context.Context, asOf time.Time, limit int) ([]core.MoneyRequest, error) {
	return r.query(ctx,
		`SELECT `+requestCols+` FROM money_requests
		 WHERE status = ? AND expires_at < ?
		 ORDER BY expires_at ASC LIMIT ?`,
		string(core.RequestPending), fmtTime(asOf), nonZeroLimit(limit))
}

func (r requestRepo) ByPayer(ctx context.Context, payerID string, status core.RequestStatus) ([]core.MoneyRequest, error) {
	if status == "" {
		return r.query(ctx,
			`SELECT `+requestCols+` FROM money_requests
			 WHERE payer_user_id = ? ORDER BY created_at DESC`, payerID)
	}
	return r.query(ctx,
		`SELECT `+requestCols+` FROM money_requests
		 WHERE payer_user_id = ? AND status = ? ORDER BY created_at DESC`,
		payerID, string(status))
}

func (r requestRepo) ByRequester(ctx context.Context, requesterID string, limit int) ([]core.MoneyRequest, error) {
	return r.query(ctx,
		`SELECT `+requestCols+` FROM money_requests
		 WHERE requester_user_id = ? ORDER BY created_at DESC LIMIT ?`,
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
			createdAt   string
			respondedAt sql.NullString
			expiresAt   string
		)
		if err := rows.Scan(&m.ID, &m.RequesterUserID, &m.PayerUserID, &pence,
			&m.Note, &status, &createdAt, &respondedAt, &expiresAt); err != nil {
			return nil, mapErr(err)
		}
		m.Amount = core.FromPence(pence)
		m.Status = core.RequestStatus(status)
		m.CreatedAt = parseTime(createdAt)
		m.RespondedAt = parseTimePtr(respondedAt)
		m.ExpiresAt = parseTime(expiresAt)
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
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO event_pools (`+eventCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.CreatorUserID, p.Name, p.Description,
		penceOrNil(p.TargetAmount), fmtTimePtr(p.Deadline),
		string(p.Status), fmtTime(p.CreatedAt), fmtTimePtr(p.ClosedAt))
	return mapErr(err)
}

func (r eventRepo) ByID(ctx context.Context, id string) (*core.EventPool, error) {
	pools, err := r.query(ctx, `SELECT `+eventCols+` FROM event_pools WHERE id = ?`, id)
	if err != nil || len(pools) == 0 {
		return nil, err
	}
	return &pools[0], nil
}

func (r eventRepo) LockByID(ctx context.Context, id string) (*core.EventPool, error) {
	return r.ByID(ctx, id)
}

func (r eventRepo) Update(ctx context.Context, p core.EventPool) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE event_pools SET status = ?, closed_at = ? WHERE id = ?`,
		string(p.Status), fmtTimePtr(p.ClosedAt), p.ID)
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
		 WHERE status = ? ORDER BY created_at DESC`,
		string(core.EventActive))
}

func (r eventRepo) ByCreator(ctx context.Context, creatorID string, status core.EventStatus) ([]core.EventPool, error) {
	if status == "" {
		return r.query(ctx,
			`SELECT `+eventCols+` FROM event_pools
			 WHERE creator_user_id = ? ORDER BY created_at DESC`, creatorID)
	}
	return r.query(ctx,
		`SELECT `+eventCols+` FROM event_pools
		 WHERE creator_user_id = ? AND status = ? ORDER BY created_at DESC`,
		creatorID, string(status))
}

func (r eventRepo) WithDeadlineBefore(ctx context.Context, now, before time.Time) ([]core.EventPool, error) {
	return r.query(ctx,
		`SELECT `+eventCols+` FROM event_pools
		 WHERE status = ? AND deadline IS NOT NULL
		   AND deadline > ? AND deadline <= ?
		 ORDER BY deadline ASC`,
		string(core.EventActive), fmtTime(now), fmtTime(before))
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
			deadline, closedAt sql.NullString
			status, createdAt  string
		)
		if err := rows.Scan(&p.ID, &p.CreatorUserID, &p.Name, &p.Description,
			&target, &deadline, &status, &createdAt, &closedAt); err != nil {
			return nil, mapErr(err)
		}
		if target.Valid {
			m := core.FromPence(target.Int64)
			p.TargetAmount = &m
		}
		p.Deadline = parseTimePtr(deadline)
		p.Status = core.EventStatus(status)
		p.CreatedAt = parseTime(createdAt)
		p.ClosedAt = parseTimePtr(closedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// AUDIT LOG
// =============================================================================

type auditRepo session

const auditCols = `id, user_id, action_type, entity_type, entity_id,
	old_values_json, new_values_json, ip_address, user_agent, severity, created_at`

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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.ActionType, e.EntityType, e.EntityID,
		oldJSON, newJSON, e.IPAddress, e.UserAgent,
		string(e.Severity), fmtTime(e.CreatedAt))
	return mapErr(err)
}

func (r auditRepo) Query(ctx context.Context, f core.AuditFilter) ([]core.AuditEntry, error) {
	q := `SELECT ` + auditCols + ` FROM audit_log WHERE 1=1`
	var args []any
	if f.UserID != "" {
		q += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.ActionType != "" {
		q += ` AND action_type = ?`
		args = append(args, f.ActionType)
	}
	if f.EntityType != "" {
		q += ` AND entity_type = ?`
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		q += ` AND entity_id = ?`
		args = append(args, f.EntityID)
	}
	if f.IPAddress != "" {
		q += ` AND ip_address = ?`
		args = append(args, f.IPAddress)
	}
	if f.Severity != "" {
		q += ` AND severity = ?`
		args = append(args, string(f.Severity))
	}
	if f.From != nil {
		q += ` AND created_at >= ?`
		args = append(args, fmtTime(*f.From))
	}
	if f.To != nil {
		q += ` AND created_at <= ?`
		args = append(args, fmtTime(*f.To))
	}
	q += ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
		if f.Offset > 0 {
			q += ` OFFSET ?`
			args = append(args, f.Offset)
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
			oldJSON, newJSON sql.NullString
			severity         string
			createdAt        string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.ActionType, &e.EntityType, &e.EntityID,
			&oldJSON, &newJSON, &e.IPAddress, &e.UserAgent, &severity, &createdAt); err != nil {
			return nil, mapErr(err)
		}
		e.Severity = core.Severity(severity)
		e.CreatedAt = parseTime(createdAt)
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
		`SELECT COUNT(*) FROM audit_log WHERE created_at < ?`,
		fmtTime(cutoff)).Scan(&n)
	return n, mapErr(err)
}

func (r auditRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	res, err := r.q.ExecContext(ctx,
		`DELETE FROM audit_log WHERE id IN (
			SELECT id FROM audit_log WHERE created_at < ?
			ORDER BY created_at ASC LIMIT ?)`,
		fmtTime(cutoff), nonZeroLimit(limit))
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
		`INSERT INTO users (`+userCols+`) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.DisplayName, u.Email, string(u.Role), u.Active, fmtTime(u.CreatedAt))
	return mapErr(err)
}

func (r userRepo) ByID(ctx context.Context, id string) (*core.User, error) {
	users, err := r.query(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id)
	if err != nil || len(users) == 0 {
		return nil, err
	}
	return &users[0], nil
}

func (r userRepo) SetActive(ctx context.Context, id string, active bool) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE users SET active = ? WHERE id = ?`, active, id)
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
			u         core.User
			role      string
			createdAt string
		)
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Email, &role, &u.Active, &createdAt); err != nil {
			return nil, mapErr(err)
		}
		u.Role = core.Role(role)
		u.CreatedAt = parseTime(createdAt)
		out = append(out, u)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// timeFormat is fixed-width so stored timestamps compare correctly as
// strings. RFC3339Nano trims trailing zeros, which breaks < and > in SQL.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := fmtTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func penceOrNil(m *core.Money) *int64 {
	if m == nil {
		return nil
	}
	p := m.Pence()
	return &p
}

func nonZeroLimit(limit int) int {
	if limit <= 0 {
		return 1000
	}
	return limit
}

func encodeValues(v map[string]any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode audit payload: %w", err)
	}
	s := string(b)
	return &s, nil
}

// decodeValues never fails a read: an undecodable payload flags the
// entry as malformed so integrity verification can report it.
func decodeValues(s sql.NullString) (map[string]any, bool) {
	if !s.Valid || s.String == "" {
		return nil, false
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, true
	}
	return v, false
}

// mapErr translates driver-level transient failures into the retryable
// STORE_TIMEOUT code. Everything else passes through.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked") {
		return core.Wrap(core.CodeStoreTimeout, err, "sqlite busy")
	}
	return err
}
