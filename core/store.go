/*
store.go - Persistence contracts for the transactional core

PURPOSE:
  Defines the boundary between domain logic and the database. Every
  state-changing operation in the core runs inside exactly one store
  transaction that covers (a) precondition reads under locks, (b)
  mutations, (c) the audit append. Commit-or-rollback is all-or-nothing.

LOCKING CONTRACT:
  LockByID acquires a row lock that lasts until the enclosing transaction
  commits or rolls back (SELECT ... FOR UPDATE in PostgreSQL; the SQLite
  store serialises writers instead, which is strictly stronger). Any
  operation touching two or more accounts must lock them in ascending
  account-id order - the canonical order that makes cross-transfers
  deadlock-free.

TIMEOUTS:
  Lock-wait timeouts and driver-level busy errors surface as a coded
  STORE_TIMEOUT error, which is the only retryable error class.

IMPLEMENTATIONS:
  - store/sqlite:   default store, used by every test
  - store/postgres: production store with row-level locks

SEE ALSO:
  - ledger: canonical lock ordering and the retry wrapper
  - audit: appends through AuditRepo inside the caller's transaction
*/
package core

import (
	"context"
	"time"
)

// =============================================================================
// STORE & TRANSACTION
// =============================================================================

// Tx is the set of repositories bound to one database transaction (or to
// the auto-commit connection when obtained from Store directly, for
// reads that need no atomicity).
type Tx interface {
	Accounts() AccountRepo
	Transactions() TransactionRepo
	Requests() RequestRepo
	Events() EventRepo
	Audit() AuditRepo
	Users() UserRepo
}

// Store is the transactional persistence boundary.
type Store interface {
	Tx

	// WithTx executes fn inside a single database transaction. If fn
	// returns an error the transaction is rolled back and the error is
	// returned; otherwise it is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error

	Close() error
}

// =============================================================================
// REPOSITORIES
// =============================================================================

type AccountRepo interface {
	Create(ctx context.Context, a Account) error

	ByID(ctx context.Context, id string) (*Account, error)
	ByUser(ctx context.Context, userID string) (*Account, error)

	// LockByID re-reads the account under a row lock held until the
	// enclosing transaction ends. Callers must lock multiple accounts in
	// ascending id order.
	LockByID(ctx context.Context, id string) (*Account, error)

	SetBalance(ctx context.Context, id string, balance Money, updatedAt time.Time) error

	// SumBalances totals every account balance (conservation checks,
	// reports).
	SumBalances(ctx context.Context) (Money, error)
}

type TransactionRepo interface {
	Insert(ctx context.Context, t Transaction) error
	ByID(ctx context.Context, id string) (*Transaction, error)
	BySender(ctx context.Context, userID string, limit int) ([]Transaction, error)
	ByRecipient(ctx context.Context, userID string, limit int) ([]Transaction, error)

	// Contribution queries. "Completed" always means status COMPLETED;
	// failed attempts never count toward a pool.
	ByEvent(ctx context.Context, eventID string) ([]Transaction, error)
	SumCompletedByEvent(ctx context.Context, eventID string) (Money, error)
	ContributorCount(ctx context.Context, eventID string) (int, error)
	ContributionsByUser(ctx context.Context, userID string) ([]Transaction, error)
}

type RequestRepo interface {
	Insert(ctx context.Context, r MoneyRequest) error
	ByID(ctx context.Context, id string) (*MoneyRequest, error)
	LockByID(ctx context.Context, id string) (*MoneyRequest, error)

	// Update persists status and responded_at. Other fields are
	// immutable after creation.
	Update(ctx context.Context, r MoneyRequest) error

	// PendingBetween finds a PENDING request for (requester, payer) whose
	// expiry is still after asOf. At most one such request may exist.
	PendingBetween(ctx context.Context, requesterID, payerID string, asOf time.Time) (*MoneyRequest, error)

	// DuePending lists PENDING requests whose expires_at is before asOf.
	DuePending(ctx context.Context, asOf time.Time, limit int) ([]MoneyRequest, error)

	ByPayer(ctx context.Context, payerID string, status RequestStatus) ([]MoneyRequest, error)
	ByRequester(ctx context.Context, requesterID string, limit int) ([]MoneyRequest, error)
}

type EventRepo interface {
	Insert(ctx context.Context, p EventPool) error
	ByID(ctx context.Context, id string) (*EventPool, error)
	LockByID(ctx context.Context, id string) (*EventPool, error)
	Update(ctx context.Context, p EventPool) error

	ListActive(ctx context.Context) ([]EventPool, error)
	ByCreator(ctx context.Context, creatorID string, status EventStatus) ([]EventPool, error)

	// WithDeadlineBefore lists ACTIVE pools whose deadline falls in
	// (now, before]. Used for deadline-approaching notifications.
	WithDeadlineBefore(ctx context.Context, now, before time.Time) ([]EventPool, error)
}

type AuditRepo interface {
	Insert(ctx context.Context, e AuditEntry) error
	Query(ctx context.Context, f AuditFilter) ([]AuditEntry, error)

	// Retention support - the ONLY delete path in the whole system.
	CountOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

type UserRepo interface {
	Insert(ctx context.Context, u User) error
	ByID(ctx context.Context, id string) (*User, error)
	SetActive(ctx context.Context, id string, active bool) error
	List(ctx context.Context) ([]User, error)
}

// =============================================================================
// QUERY FILTERS
// =============================================================================

// AuditFilter narrows audit queries. Zero values mean "any". Results are
// ordered by created_at ascending, then paginated.
type AuditFilter struct {
	UserID     string
	ActionType string
	EntityType string
	EntityID   string
	IPAddress  string
	Severity   Severity
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}
