/*
Package request runs the money-request state machine.

PURPOSE:
  A money request asks a payer to send the requester an amount. The
  lifecycle is a strict one-way machine:

     PENDING --approve--> APPROVED   (terminal)
     PENDING --decline--> DECLINED   (terminal; also requester-cancel)
     PENDING --expire---> EXPIRED    (terminal; swept past expires_at)

  Terminal states are sticky. Approval and the resulting ledger transfer
  commit in one store transaction: a request can never be APPROVED
  without its transfer, nor the other way round.

EXPIRY:
  There is no computed state. A PENDING request past its expiry only
  transitions when the sweep runs or when an operation touches it - in
  which case the operation auto-expires it first and then rejects.

FAILED APPROVALS ARE RECOVERABLE:
  If the payer cannot cover the amount, the approval aborts, the request
  stays PENDING, and the ledger's FAILED transaction plus audit entry
  still commit. The payer can try again after topping up.

SEE ALSO:
  - ledger: TransferInTx, invoked inside the approval transaction
*/
package request

import (
	"context"
	"fmt"

	"github.com/warp/cashwire/audit"
	"github.com/warp/cashwire/core"
	"github.com/warp/cashwire/ledger"
	"github.com/warp/cashwire/notify"
)

// Service is the money-request engine.
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

// Create opens a PENDING request from requester to payer. At most one
// live PENDING request may exist per (requester, payer) pair.
// expiresInDays must be in [1, RequestMaxExpiryDays]; callers that want
// the default pass RequestDefaultExpiryDays explicitly.
func (s *Service) Create(ctx context.Context, op core.OperationContext, requesterID, payerID string, amount core.Money, note string, expiresInDays int) (*core.MoneyRequest, error) {
	if requesterID == payerID {
		return nil, core.E(core.CodeSelfTransfer, "cannot request money from yourself")
	}
	if !amount.IsPositive() {
		return nil, core.E(core.CodeInvalidAmount, "request amount must be positive")
	}
	if len(note) > core.MaxNoteLength {
		return nil, core.E(core.CodeValidation, "note exceeds %d characters", core.MaxNoteLength)
	}
	if expiresInDays < 1 || expiresInDays > core.RequestMaxExpiryDays {
		return nil, core.E(core.CodeValidation,
			"expiry must be between 1 and %d days, got %d", core.RequestMaxExpiryDays, expiresInDays)
	}
	if _, err := core.RequireActiveUser(ctx, s.Directory, requesterID); err != nil {
		return nil, err
	}
	if _, err := core.RequireActiveUser(ctx, s.Directory, payerID); err != nil {
		return nil, err
	}

	now := s.Clock.Now()
	req := core.MoneyRequest{
		ID:              s.IDs.NewID(),
		RequesterUserID: requesterID,
		PayerUserID:     payerID,
		Amount:          amount,
		Note:            note,
		Status:          core.RequestPending,
		CreatedAt:       now,
		ExpiresAt:       now.AddDate(0, 0, expiresInDays),
	}

	err := s.Store.WithTx(ctx, func(tx core.Tx) error {
		existing, err := tx.Requests().PendingBetween(ctx, requesterID, payerID, now)
		if err != nil {
			return err
		}
		if existing != nil {
			return core.E(core.CodeDuplicateRequest,
				"a pending request from %s to %s already exists", requesterID, payerID)
		}
		if err := tx.Requests().Insert(ctx, req); err != nil {
			return err
		}
		e := audit.Entry(op, core.ActionRequestCreated, core.EntityRequest, req.ID)
		e.NewValues = requestPayload(req)
		return s.Audit.Append(ctx, tx, e)
	})
	if err != nil {
		return nil, err
	}

	s.Notify.Emit(ctx, core.Notification{
		Kind:    core.NotifyRequestCreated,
		UserIDs: []string{payerID},
		Payload: map[string]any{"request_id": req.ID, "amount": amount.String(), "requester": requesterID},
	})
	return &req, nil
}

// =============================================================================
// RESPOND
// =============================================================================

// Respond approves or declines a PENDING request. Only the payer may
// respond. Approval performs the ledger transfer payer -> requester in
// the same store transaction as the status change.
func (s *Service) Respond(ctx context.Context, op core.OperationContext, requestID, responderID string, approve bool) (*core.MoneyRequest, error) {
	var (
		result    *core.MoneyRequest
		domainErr error
	)
	err := s.Ledger.RunTx(ctx, func(tx core.Tx) error {
		result, domainErr = nil, nil
		req, err := tx.Requests().LockByID(ctx, requestID)
		if err != nil {
			return err
		}
		if req == nil {
			return core.E(core.CodeValidation, "no such request %s", requestID)
		}
		if req.PayerUserID != responderID {
			return core.E(core.CodeNotAuthorized, "only the payer may respond to a request")
		}
		if req.Status != core.RequestPending {
			return core.E(core.CodeAlreadyResponded, "request %s is already %s", req.ID, req.Status)
		}

		now := s.Clock.Now()
		if now.After(req.ExpiresAt) {
			// Auto-expire first, then reject the action. The expiry
			// transition commits even though the respond fails.
			if err := s.expireInTx(ctx, tx, req); err != nil {
				return err
			}
			domainErr = core.E(core.CodeRequestExpired, "request %s expired at %s", req.ID, req.ExpiresAt)
			return nil
		}

		if !approve {
			req.Status = core.RequestDeclined
			req.RespondedAt = &now
			if err := tx.Requests().Update(ctx, *req); err != nil {
				return err
			}
			e := audit.Entry(op, core.ActionRequestDeclined, core.EntityRequest, req.ID)
			e.OldValues = map[string]any{"status": string(core.RequestPending)}
			e.NewValues = map[string]any{"status": string(core.RequestDeclined)}
			if err := s.Audit.Append(ctx, tx, e); err != nil {
				return err
			}
			result = req
			return nil
		}

		// Approval: the transfer and the transition share this commit.
		note := fmt.Sprintf("Money request from %s", req.RequesterUserID)
		if req.Note != "" {
			note = req.Note
		}
		transfer, err := s.Ledger.TransferInTx(ctx, tx, op,
			req.PayerUserID, req.RequesterUserID, req.Amount, "Money Request", note)
		if err != nil {
			if core.IsLimitViolation(err) {
				// Recoverable: keep the request PENDING and commit the
				// ledger's FAILED records.
				domainErr = err
				return nil
			}
			return err
		}

		req.Status = core.RequestApproved
		req.RespondedAt = &now
		if err := tx.Requests().Update(ctx, *req); err != nil {
			return err
		}
		e := audit.Entry(op, core.ActionRequestApproved, core.EntityRequest, req.ID)
		e.OldValues = map[string]any{"status": string(core.RequestPending)}
		e.NewValues = map[string]any{"status": string(core.RequestApproved), "tx_id": transfer.Tx.ID}
		if err := s.Audit.Append(ctx, tx, e); err != nil {
			return err
		}
		result = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	if domainErr != nil {
		return nil, domainErr
	}

	s.Notify.Emit(ctx, core.Notification{
		Kind:    core.NotifyRequestResponded,
		UserIDs: []string{result.RequesterUserID},
		Payload: map[string]any{"request_id": result.ID, "status": string(result.Status)},
	})
	return result, nil
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel is requester-side withdrawal of a PENDING request. It lands in
// the same terminal DECLINED state as a payer decline; only the audit
// action distinguishes them.
func (s *Service) Cancel(ctx context.Context, op core.OperationContext, requestID, cancellerID string) (*core.MoneyRequest, error) {
	var result *core.MoneyRequest
	err := s.Store.WithTx(ctx, func(tx core.Tx) error {
		req, err := tx.Requests().LockByID(ctx, requestID)
		if err != nil {
			return err
		}
		if req == nil {
			return core.E(core.CodeValidation, "no such request %s", requestID)
		}
		if req.RequesterUserID != cancellerID {
			return core.E(core.CodeNotAuthorized, "only the requester may cancel a request")
		}
		if req.Status != core.RequestPending {
			return core.E(core.CodeAlreadyResponded, "request %s is already %s", req.ID, req.Status)
		}

		now := s.Clock.Now()
		req.Status = core.RequestDeclined
		req.RespondedAt = &now
		if err := tx.Requests().Update(ctx, *req); err != nil {
			return err
		}
		e := audit.Entry(op, core.ActionRequestCancelled, core.EntityRequest, req.ID)
		e.OldValues = map[string]any{"status": string(core.RequestPending)}
		e.NewValues = map[string]any{"status": string(core.RequestDeclined)}
		if err := s.Audit.Append(ctx, tx, e); err != nil {
			return err
		}
		result = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// =============================================================================
// EXPIRY SWEEP
// =============================================================================

const sweepBatch = 200

// ExpireDue transitions every PENDING request past its expiry to
// EXPIRED. Idempotent: the status precondition inside the transaction
// makes concurrent sweeps harmless. Returns the number of requests
// expired.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	expired := 0
	for {
		var batch int
		err := s.Store.WithTx(ctx, func(tx core.Tx) error {
			batch = 0
			now := s.Clock.Now()
			due, err := tx.Requests().DuePending(ctx, now, sweepBatch)
			if err != nil {
				return err
			}
			for i := range due {
				req, err := tx.Requests().LockByID(ctx, due[i].ID)
				if err != nil {
					return err
				}
				// Re-check under lock; another sweep may have won.
				if req == nil || req.Status != core.RequestPending || !now.After(req.ExpiresAt) {
					continue
				}
				if err := s.expireInTx(ctx, tx, req); err != nil {
					return err
				}
				batch++
			}
			return nil
		})
		if err != nil {
			return expired, err
		}
		expired += batch
		if batch < sweepBatch {
			return expired, nil
		}
	}
}

func (s *Service) expireInTx(ctx context.Context, tx core.Tx, req *core.MoneyRequest) error {
	now := s.Clock.Now()
	req.Status = core.RequestExpired
	req.RespondedAt = &now
	if err := tx.Requests().Update(ctx, *req); err != nil {
		return err
	}
	e := audit.SystemEntry(core.ActionRequestExpired, core.EntityRequest, req.ID)
	e.OldValues = map[string]any{"status": string(core.RequestPending)}
	e.NewValues = map[string]any{"status": string(core.RequestExpired)}
	return s.Audit.Append(ctx, tx, e)
}

// =============================================================================
// QUERIES
// =============================================================================

// Get returns a request by id, or nil.
func (s *Service) Get(ctx context.Context, requestID string) (*core.MoneyRequest, error) {
	return s.Store.Requests().ByID(ctx, requestID)
}

// Inbox lists requests awaiting the payer, optionally by status.
func (s *Service) Inbox(ctx context.Context, payerID string, status core.RequestStatus) ([]core.MoneyRequest, error) {
	return s.Store.Requests().ByPayer(ctx, payerID, status)
}

// Outbox lists a requester's requests, newest first.
func (s *Service) Outbox(ctx context.Context, requesterID string, limit int) ([]core.MoneyRequest, error) {
	return s.Store.Requests().ByRequester(ctx, requesterID, limit)
}

func requestPayload(r core.MoneyRequest) map[string]any {
	return map[string]any{
		"requester":  r.RequesterUserID,
		"payer":      r.PayerUserID,
		"amount":     r.Amount.String(),
		"expires_at": r.ExpiresAt,
	}
}
