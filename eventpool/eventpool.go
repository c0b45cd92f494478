/*
Package eventpool runs collective-funding pools.

PURPOSE:
  A pool collects contributions from many users toward an optional
  target by an optional deadline. The lifecycle is ACTIVE -> {CLOSED,
  CANCELLED}, both terminal and sticky.

NO STORED BALANCE:
  Pools have no balance column. The total is always derived by summing
  completed EVENT_CONTRIBUTION transactions for the pool, so it cannot
  drift from the ledger. Disbursement after closure belongs to an
  external finance workflow, triggered by the FINANCE_NOTIFICATION_REQUIRED
  system audit entry.

CANCELLATION:
  A pool with any contributions cannot be cancelled - the money would be
  stranded. Callers are directed to Close instead, which hands the total
  to the finance workflow.

SEE ALSO:
  - ledger: DebitForContribution, the only balance mutation path
*/
package eventpool

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/cashwire/audit"
	"github.com/warp/cashwire/core"
	"github.com/warp/cashwire/ledger"
	"github.com/warp/cashwire/notify"
)

// Service is the event-pool engine.
type Service struct {
	Store     core.Store
	Clock     core.Clock
	IDs       core.IdGen
	Directory core.UserDirectory
	Ledger    *ledger.Service
	Audit     *audit.Writer
	Notify    *notify.Emitter // optional
}

func NewService(store core.Store, clock core.Clock, ids core.IdGen, dir core.UserDirectory, led *ledger.Service, w *audit.Writer) *Service {
	return &Service{Store: store, Clock: clock, IDs: ids, Directory: dir, Ledger: led, Audit: w}
}

// =============================================================================
// CREATE
// =============================================================================

// Create opens an ACTIVE pool. Target and deadline are optional; when
// set, the target must be positive and the deadline in the future.
func (s *Service) Create(ctx context.Context, op core.OperationContext, creatorID, name, description string, target *core.Money, deadline *time.Time) (*core.EventPool, error) {
	if name == "" || len(name) > core.MaxEventNameLength {
		return nil, core.E(core.CodeValidation, "pool name must be 1-%d characters", core.MaxEventNameLength)
	}
	if len(description) > core.MaxDescriptionLength {
		return nil, core.E(core.CodeValidation, "description exceeds %d characters", core.MaxDescriptionLength)
	}
	if target != nil && !target.IsPositive() {
		return nil, core.E(core.CodeInvalidAmount, "target amount must be positive")
	}
	now := s.Clock.Now()
	if deadline != nil && !deadline.After(now) {
		return nil, core.E(core.CodeValidation, "deadline must be in the future")
	}
	if _, err := core.RequireActiveUser(ctx, s.Directory, creatorID); err != nil {
		return nil, err
	}

	pool := core.EventPool{
		ID:            s.IDs.NewID(),
		CreatorUserID: creatorID,
		Name:          name,
		Description:   description,
		TargetAmount:  target,
		Deadline:      deadline,
		Status:        core.EventActive,
		CreatedAt:     now,
	}
	err := s.Store.WithTx(ctx, func(tx core.Tx) error {
		if err := tx.Events().Insert(ctx, pool); err != nil {
			return err
		}
		e := audit.Entry(op, core.ActionEventCreated, core.EntityEventPool, pool.ID)
		e.NewValues = map[string]any{"name": name, "creator": creatorID}
		if target != nil {
			e.NewValues["target"] = target.String()
		}
		return s.Audit.Append(ctx, tx, e)
	})
	if err != nil {
		return nil, err
	}
	return &pool, nil
}

// =============================================================================
// CONTRIBUTE
// =============================================================================

// ContributionResult is returned by a successful contribution.
type ContributionResult struct {
	Tx         core.Transaction
	NewBalance core.Money
	Warnings   []string
}

// Contribute debits the contributor and records an EVENT_CONTRIBUTION
// transaction, all inside one store transaction. The pool row is locked
// for the duration so a concurrent Close cannot slip between the status
// check and the debit.
func (s *Service) Contribute(ctx context.Context, op core.OperationContext, contributorID, eventID string, amount core.Money, note string) (*ContributionResult, error) {
	if !amount.IsPositive() {
		return nil, core.E(core.CodeInvalidAmount, "contribution amount must be positive")
	}
	if _, err := core.RequireActiveUser(ctx, s.Directory, contributorID); err != nil {
		return nil, err
	}

	var (
		res       *ContributionResult
		domainErr error
	)
	err := s.Ledger.RunTx(ctx, func(tx core.Tx) error {
		res, domainErr = nil, nil
		pool, err := tx.Events().LockByID(ctx, eventID)
		if err != nil {
			return err
		}
		if pool == nil {
			return core.E(core.CodeValidation, "no such pool %s", eventID)
		}
		if err := pool.AcceptsContributions(s.Clock.Now()); err != nil {
			return err
		}

		record, warnings, err := s.Ledger.DebitForContribution(ctx, tx, op, contributorID, eventID, amount, note)
		if err != nil {
			if core.IsLimitViolation(err) {
				// The FAILED transaction record commits; the pool is
				// untouched.
				domainErr = err
				return nil
			}
			return err
		}

		e := audit.Entry(op, core.ActionEventContributionMade, core.EntityEventPool, eventID)
		e.NewValues = map[string]any{
			"contributor": contributorID,
			"amount":      amount.String(),
			"tx_id":       record.ID,
		}
		if err := s.Audit.Append(ctx, tx, e); err != nil {
			return err
		}

		acct, err := tx.Accounts().ByUser(ctx, contributorID)
		if err != nil {
			return err
		}
		res = &ContributionResult{Tx: *record, NewBalance: acct.Balance, Warnings: warnings}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if domainErr != nil {
		return nil, domainErr
	}

	s.Notify.Emit(ctx, core.Notification{
		Kind:    core.NotifyContributionMade,
		UserIDs: []string{contributorID},
		Payload: map[string]any{"event_id": eventID, "amount": amount.String()},
	})
	return res, nil
}

// =============================================================================
// CLOSE / CANCEL
// =============================================================================

// Close ends an ACTIVE pool and hands its total to the finance
// workflow. Allowed for the creator and for ADMIN/FINANCE roles.
func (s *Service) Close(ctx context.Context, op core.OperationContext, eventID, closerID string) (*core.EventPool, error) {
	var (
		result *core.EventPool
		total  core.Money
	)
	err := s.Store.WithTx(ctx, func(tx core.Tx) error {
		pool, err := s.lockForTransition(ctx, tx, eventID, closerID)
		if err != nil {
			return err
		}

		total, err = tx.Transactions().SumCompletedByEvent(ctx, eventID)
		if err != nil {
			return err
		}
		contributors, err := tx.Transactions().ContributorCount(ctx, eventID)
		if err != nil {
			return err
		}

		now := s.Clock.Now()
		pool.Status = core.EventClosed
		pool.ClosedAt = &now
		if err := tx.Events().Update(ctx, *pool); err != nil {
			return err
		}

		e := audit.Entry(op, core.ActionEventClosed, core.EntityEventPool, pool.ID)
		e.OldValues = map[string]any{"status": string(core.EventActive)}
		e.NewValues = map[string]any{"status": string(core.EventClosed), "total": total.String()}
		if err := s.Audit.Append(ctx, tx, e); err != nil {
			return err
		}

		// Disbursement trigger for the external finance workflow.
		fin := audit.SystemEntry(core.ActionFinanceNotification, core.EntityEventPool, pool.ID)
		fin.NewValues = map[string]any{
			"event_id":            pool.ID,
			"total_contributions": total.String(),
			"contributor_count":   contributors,
		}
		if err := s.Audit.Append(ctx, tx, fin); err != nil {
			return err
		}
		result = pool
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.Notify.Emit(ctx, core.Notification{
		Kind:    core.NotifyEventClosed,
		UserIDs: []string{result.CreatorUserID},
		Payload: map[string]any{"event_id": result.ID, "total": total.String()},
	})
	return result, nil
}

// Cancel ends an ACTIVE pool that has collected nothing. Same
// permission rules as Close; pools with contributions must be closed so
// the money reaches the finance workflow.
func (s *Service) Cancel(ctx context.Context, op core.OperationContext, eventID, cancellerID string) (*core.EventPool, error) {
	var result *core.EventPool
	err := s.Store.WithTx(ctx, func(tx core.Tx) error {
		pool, err := s.lockForTransition(ctx, tx, eventID, cancellerID)
		if err != nil {
			return err
		}

		total, err := tx.Transactions().SumCompletedByEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if !total.IsZero() {
			return core.E(core.CodeCancelWithContributions,
				"pool %s holds %s in contributions; close it instead", eventID, total)
		}

		now := s.Clock.Now()
		pool.Status = core.EventCancelled
		pool.ClosedAt = &now
		if err := tx.Events().Update(ctx, *pool); err != nil {
			return err
		}
		e := audit.Entry(op, core.ActionEventCancelled, core.EntityEventPool, pool.ID)
		e.OldValues = map[string]any{"status": string(core.EventActive)}
		e.NewValues = map[string]any{"status": string(core.EventCancelled)}
		if err := s.Audit.Append(ctx, tx, e); err != nil {
			return err
		}
		result = pool
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// lockForTransition locks the pool row, verifies it is ACTIVE, and
// checks the caller may manage it.
func (s *Service) lockForTransition(ctx context.Context, tx core.Tx, eventID, actorID string) (*core.EventPool, error) {
	pool, err := tx.Events().LockByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, core.E(core.CodeValidation, "no such pool %s", eventID)
	}
	if pool.Status != core.EventActive {
		return nil, core.E(core.CodeEventInactive, "pool %s is %s", eventID, pool.Status)
	}
	if pool.CreatorUserID != actorID {
		actor, err := core.RequireActiveUser(ctx, s.Directory, actorID)
		if err != nil {
			return nil, err
		}
		if !actor.Role.CanManagePools() {
			return nil, core.E(core.CodeNotAuthorized, "user %s may not manage pool %s", actorID, eventID)
		}
	}
	return pool, nil
}

// =============================================================================
// QUERIES & STATS
// =============================================================================

func (s *Service) Get(ctx context.Context, eventID string) (*core.EventPool, error) {
	return s.Store.Events().ByID(ctx, eventID)
}

func (s *Service) ListActive(ctx context.Context) ([]core.EventPool, error) {
	return s.Store.Events().ListActive(ctx)
}

func (s *Service) ListByCreator(ctx context.Context, creatorID string, status core.EventStatus) ([]core.EventPool, error) {
	return s.Store.Events().ByCreator(ctx, creatorID, status)
}

func (s *Service) Contributions(ctx context.Context, eventID string) ([]core.Transaction, error) {
	return s.Store.Transactions().ByEvent(ctx, eventID)
}

func (s *Service) UserContributions(ctx context.Context, userID string) ([]core.Transaction, error) {
	return s.Store.Transactions().ContributionsByUser(ctx, userID)
}

// Stats is the derived view of a pool's funding state.
type Stats struct {
	TotalContributions core.Money
	ContributorCount   int

	// ProgressPercent is min(100, 100*total/target), nil when the pool
	// has no target. Display-only; never fed back into balances.
	ProgressPercent *decimal.Decimal
}

// GetStats derives contribution totals for a pool.
func (s *Service) GetStats(ctx context.Context, eventID string) (*Stats, error) {
	pool, err := s.Store.Events().ByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, core.E(core.CodeValidation, "no such pool %s", eventID)
	}

	total, err := s.Store.Transactions().SumCompletedByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	count, err := s.Store.Transactions().ContributorCount(ctx, eventID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{TotalContributions: total, ContributorCount: count}
	if pool.TargetAmount != nil && pool.TargetAmount.IsPositive() {
		hundred := decimal.NewFromInt(100)
		pct := total.Decimal().Mul(hundred).Div(pool.TargetAmount.Decimal()).Round(2)
		if pct.GreaterThan(hundred) {
			pct = hundred
		}
		stats.ProgressPercent = &pct
	}
	return stats, nil
}
