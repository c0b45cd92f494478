/*
Package core is the shared kernel of the cash-wire transactional core.

PURPOSE:
  This package contains the domain entities, the monetary type, the error
  taxonomy, the store contracts, and the small injectable collaborators
  (Clock, IdGen) that everything else depends on. It has no dependencies on
  the other cashwire packages.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: the monetary-state holder, 1:1 with a user
  - Transaction: one attempted money movement, COMPLETED or FAILED
  - MoneyRequest: pending -> {approved, declined, expired} state machine
  - EventPool: collective-funding pool, active -> {closed, cancelled}
  - AuditEntry: append-only record of a state change or system event

DESIGN PRINCIPLES:
  1. Entities link by opaque ids, never by owning pointers (no cycles)
  2. Transaction is a tagged variant over its Kind; the discriminator must
     match which optional fields are populated (Validate enforces this)
  3. Terminal states are sticky; status never moves backwards
  4. All times are UTC wall-clock, read from the injected Clock

SEE ALSO:
  - money.go: Money fixed-point type
  - errors.go: error codes and structured errors
  - store.go: persistence contracts
*/
package core

import "time"

// =============================================================================
// USERS & ROLES
// =============================================================================

type Role string

const (
	RoleEmployee Role = "EMPLOYEE"
	RoleAdmin    Role = "ADMIN"
	RoleFinance  Role = "FINANCE"
)

// User is the read-model the core consumes from the user directory.
// Identity itself (SSO, email verification) is an external concern.
type User struct {
	ID          string
	DisplayName string
	Email       string
	Role        Role
	Active      bool
	CreatedAt   time.Time
}

// CanManagePools reports whether the role may close or cancel pools it
// did not create.
func (r Role) CanManagePools() bool {
	return r == RoleAdmin || r == RoleFinance
}

// =============================================================================
// ACCOUNT - Monetary state holder, exactly one per user
// =============================================================================

type Account struct {
	ID        string
	UserID    string
	Balance   Money
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// TRANSACTION - One attempted money movement
// =============================================================================

type TransactionKind string

const (
	KindTransfer          TransactionKind = "TRANSFER"
	KindEventContribution TransactionKind = "EVENT_CONTRIBUTION"
)

type TransactionStatus string

const (
	TxCompleted TransactionStatus = "COMPLETED"
	TxFailed    TransactionStatus = "FAILED"
)

// Transaction records a completed or failed money movement. It is created
// at the moment of balance mutation and its status is terminal: once
// COMPLETED or FAILED it never transitions again.
type Transaction struct {
	ID              string
	Kind            TransactionKind
	SenderUserID    string
	RecipientUserID string // set iff Kind == TRANSFER
	EventID         string // set iff Kind == EVENT_CONTRIBUTION
	Amount          Money  // always > 0
	Category        string
	Note            string
	Status          TransactionStatus
	CreatedAt       time.Time
	ProcessedAt     *time.Time
}

// Validate checks the kind/field consistency invariants:
// TRANSFER requires a recipient and forbids an event id and self-transfer;
// EVENT_CONTRIBUTION requires an event id. Amount must be positive.
func (t Transaction) Validate() error {
	if !t.Amount.IsPositive() {
		return E(CodeInvalidAmount, "transaction amount must be positive")
	}
	switch t.Kind {
	case KindTransfer:
		if t.RecipientUserID == "" {
			return E(CodeValidation, "transfer requires a recipient")
		}
		if t.EventID != "" {
			return E(CodeValidation, "transfer must not reference an event")
		}
		if t.SenderUserID == t.RecipientUserID {
			return E(CodeSelfTransfer, "sender and recipient are the same user")
		}
	case KindEventContribution:
		if t.EventID == "" {
			return E(CodeValidation, "contribution requires an event id")
		}
	default:
		return E(CodeValidation, "unknown transaction kind %q", t.Kind)
	}
	return nil
}

// =============================================================================
// MONEY REQUEST - Payable request from requester to payer
// =============================================================================

type RequestStatus string

const (
	RequestPending  RequestStatus = "PENDING"
	RequestApproved RequestStatus = "APPROVED"
	RequestDeclined RequestStatus = "DECLINED"
	RequestExpired  RequestStatus = "EXPIRED"
)

type MoneyRequest struct {
	ID              string
	RequesterUserID string
	PayerUserID     string
	Amount          Money
	Note            string
	Status          RequestStatus
	CreatedAt       time.Time
	RespondedAt     *time.Time
	ExpiresAt       time.Time
}

// IsTerminal reports whether the request reached a sticky state.
func (r *MoneyRequest) IsTerminal() bool {
	return r.Status != RequestPending
}

// ExpiredInEffect reports whether a still-PENDING request is past its
// expiry. The persisted status only transitions on sweep or on the next
// operation that touches the request.
func (r *MoneyRequest) ExpiredInEffect(now time.Time) bool {
	return r.Status == RequestPending && now.After(r.ExpiresAt)
}

// =============================================================================
// EVENT POOL - Collective funding target
// =============================================================================

type EventStatus string

const (
	EventActive    EventStatus = "ACTIVE"
	EventClosed    EventStatus = "CLOSED"
	EventCancelled EventStatus = "CANCELLED"
)

// EventPool has no stored balance. Its total is always derived by summing
// completed EVENT_CONTRIBUTION transactions, so it cannot drift.
type EventPool struct {
	ID            string
	CreatorUserID string
	Name          string
	Description   string
	TargetAmount  *Money // nil = no target
	Deadline      *time.Time
	Status        EventStatus
	CreatedAt     time.Time
	ClosedAt      *time.Time
}

// IsTerminal reports whether the pool reached a sticky state.
func (p *EventPool) IsTerminal() bool {
	return p.Status != EventActive
}

// AcceptsContributions checks the lifecycle and deadline preconditions
// for a new contribution.
func (p *EventPool) AcceptsContributions(now time.Time) error {
	if p.Status != EventActive {
		return E(CodeEventInactive, "pool %s is %s", p.ID, p.Status)
	}
	if p.Deadline != nil && now.After(*p.Deadline) {
		return E(CodeDeadlinePassed, "pool %s deadline has passed", p.ID)
	}
	return nil
}

// =============================================================================
// AUDIT ENTRY - Append-only record
// =============================================================================

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AuditEntry is never updated or deleted after commit, with the single
// exception of the retention job. Entries reference users and entities by
// id only (weak refs).
type AuditEntry struct {
	ID         string
	UserID     string // empty for system events
	ActionType string
	EntityType string
	EntityID   string
	OldValues  map[string]any
	NewValues  map[string]any
	IPAddress  string
	UserAgent  string
	Severity   Severity
	CreatedAt  time.Time

	// Malformed is set by the read side when a stored payload fails to
	// decode. Never persisted.
	Malformed bool
}

// Audit action types. Every state transition in the core appends exactly
// one of these in the same store transaction as the change itself.
const (
	ActionTransactionCreated    = "TRANSACTION_CREATED"
	ActionTransactionFailed     = "TRANSACTION_FAILED"
	ActionBalanceChanged        = "ACCOUNT_BALANCE_CHANGED"
	ActionBulkCompleted         = "BULK_TRANSFER_COMPLETED"
	ActionBulkFailed            = "BULK_TRANSFER_FAILED"
	ActionRequestCreated        = "MONEY_REQUEST_CREATED"
	ActionRequestApproved       = "MONEY_REQUEST_APPROVED"
	ActionRequestDeclined       = "MONEY_REQUEST_DECLINED"
	ActionRequestCancelled      = "MONEY_REQUEST_CANCELLED"
	ActionRequestExpired        = "MONEY_REQUEST_EXPIRED"
	ActionEventCreated          = "EVENT_CREATED"
	ActionEventContributionMade = "EVENT_CONTRIBUTION_MADE"
	ActionEventClosed           = "EVENT_CLOSED"
	ActionEventCancelled        = "EVENT_CANCELLED"
	ActionFinanceNotification   = "FINANCE_NOTIFICATION_REQUIRED"
	ActionNotificationFailed    = "NOTIFICATION_FAILED"
	ActionRetentionCleanup      = "DATA_RETENTION_CLEANUP"
	ActionUserCreated           = "USER_CREATED"
	ActionUserDeactivated       = "USER_DEACTIVATED"
	ActionAccountCreated        = "ACCOUNT_CREATED"
)

// Entity types referenced by audit entries.
const (
	EntityAccount     = "account"
	EntityTransaction = "transaction"
	EntityRequest     = "money_request"
	EntityEventPool   = "event_pool"
	EntityUser        = "user"
	EntitySystem      = "system"
)
