/*
bulk.go - Bulk transfers, all-or-nothing

PURPOSE:
  One sender pays up to 50 recipients in a single store transaction.
  Either every sub-transfer succeeds or none do: if any single recipient
  (or the sender's aggregate debit) would breach a balance bound, the
  whole bulk is rejected with the offending item's index, and the only
  thing committed is a BULK_TRANSFER_FAILED audit entry.

LOCK ORDER:
  Sender first, then recipient accounts in ascending account-id order.
  Deltas are aggregated per account before bound checks, so listing the
  same recipient twice is checked against the combined credit.
*/
package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/warp/cashwire/audit"
	"github.com/warp/cashwire/core"
)

// BulkItem is one recipient line of a bulk transfer.
type BulkItem struct {
	RecipientUserID string
	Amount          core.Money
	Category        string
	Note            string
}

// BulkItemResult reports the transaction created for one item.
type BulkItemResult struct {
	RecipientUserID string
	TxID            string
	Amount          core.Money
}

// BulkResult is returned when every sub-transfer succeeded.
type BulkResult struct {
	Items         []BulkItemResult
	SenderBalance core.Money
	TotalAmount   core.Money
}

// BulkError identifies which item sank the bulk. Index is -1 when the
// sender's own aggregate debit failed.
type BulkError struct {
	Index int
	Err   error
}

func (e *BulkError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("bulk transfer rejected (sender): %v", e.Err)
	}
	return fmt.Sprintf("bulk transfer rejected at item %d: %v", e.Index, e.Err)
}

func (e *BulkError) Unwrap() error { return e.Err }

// BulkTransfer pays each recipient its amount, atomically.
func (s *Service) BulkTransfer(ctx context.Context, op core.OperationContext, senderID string, items []BulkItem) (*BulkResult, error) {
	if len(items) == 0 {
		return nil, core.E(core.CodeValidation, "bulk transfer needs at least one recipient")
	}
	if len(items) > core.MaxBulkRecipients {
		return nil, core.E(core.CodeTooManyRecipients,
			"bulk transfer limited to %d recipients, got %d", core.MaxBulkRecipients, len(items))
	}
	if _, err := core.RequireActiveUser(ctx, s.Directory, senderID); err != nil {
		return nil, err
	}

	total := core.ZeroMoney()
	for i, item := range items {
		if item.RecipientUserID == senderID {
			return nil, &BulkError{Index: i, Err: core.E(core.CodeSelfTransfer, "recipient equals sender")}
		}
		if !item.Amount.IsPositive() {
			return nil, &BulkError{Index: i, Err: core.E(core.CodeInvalidAmount, "amount must be positive")}
		}
		if len(item.Note) > core.MaxNoteLength || len(item.Category) > core.MaxCategoryLength {
			return nil, &BulkError{Index: i, Err: core.E(core.CodeValidation, "note or category too long")}
		}
		if _, err := core.RequireActiveUser(ctx, s.Directory, item.RecipientUserID); err != nil {
			return nil, &BulkError{Index: i, Err: err}
		}
		total = total.Add(item.Amount)
	}

	var (
		res       *BulkResult
		domainErr error
	)
	err := s.RunTx(ctx, func(tx core.Tx) error {
		res, domainErr = s.bulkInTx(ctx, tx, op, senderID, items, total)
		if domainErr != nil {
			var be *BulkError
			if asBulkLimit(domainErr, &be) {
				return nil // commit the failure audit entry
			}
		}
		return domainErr
	})
	if err != nil {
		return nil, err
	}
	if domainErr != nil {
		return nil, domainErr
	}

	recipients := make([]string, 0, len(items))
	for _, item := range items {
		recipients = append(recipients, item.RecipientUserID)
	}
	s.Notify.Emit(ctx, core.Notification{
		Kind:    core.NotifyBulkCompleted,
		UserIDs: append([]string{senderID}, recipients...),
		Payload: map[string]any{"total": total.String(), "count": len(items)},
	})
	return res, nil
}

func (s *Service) bulkInTx(ctx context.Context, tx core.Tx, op core.OperationContext, senderID string, items []BulkItem, total core.Money) (*BulkResult, error) {
	// Sender is always locked first.
	sender, err := s.lockAccount(ctx, tx, senderID)
	if err != nil {
		return nil, err
	}

	// Resolve recipient accounts and aggregate per-account credits.
	type target struct {
		account   *core.Account
		delta     core.Money
		firstItem int
	}
	targets := map[string]*target{} // account id -> target
	accountOf := map[string]string{}
	for i, item := range items {
		acct, err := tx.Accounts().ByUser(ctx, item.RecipientUserID)
		if err != nil {
			return nil, err
		}
		if acct == nil {
			return nil, &BulkError{Index: i, Err: core.E(core.CodeAccountNotFound, "no account for user %s", item.RecipientUserID)}
		}
		accountOf[item.RecipientUserID] = acct.ID
		if t, ok := targets[acct.ID]; ok {
			t.delta = t.delta.Add(item.Amount)
		} else {
			targets[acct.ID] = &target{account: acct, delta: item.Amount, firstItem: i}
		}
	}

	// Lock recipients ascending, re-reading balances under lock.
	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		locked, err := tx.Accounts().LockByID(ctx, id)
		if err != nil {
			return nil, err
		}
		targets[id].account = locked
	}

	// Bound checks: sender against the aggregate debit, each recipient
	// against its aggregate credit.
	newSender, _, senderErr := applyDelta(sender.Balance, total.Neg())
	if senderErr != nil {
		if err := s.auditBulkFailed(ctx, tx, op, senderID, total, -1, senderID, senderErr); err != nil {
			return nil, err
		}
		return nil, &BulkError{Index: -1, Err: senderErr}
	}
	for _, id := range ids {
		t := targets[id]
		if _, _, boundErr := applyDelta(t.account.Balance, t.delta); boundErr != nil {
			if err := s.auditBulkFailed(ctx, tx, op, senderID, total, t.firstItem, t.account.UserID, boundErr); err != nil {
				return nil, err
			}
			return nil, &BulkError{Index: t.firstItem, Err: boundErr}
		}
	}

	// Apply.
	now := s.Clock.Now()
	if err := tx.Accounts().SetBalance(ctx, sender.ID, newSender, now); err != nil {
		return nil, err
	}
	if err := s.auditBalanceChange(ctx, tx, op, *sender, newSender, ""); err != nil {
		return nil, err
	}
	for _, id := range ids {
		t := targets[id]
		next := t.account.Balance.Add(t.delta)
		if err := tx.Accounts().SetBalance(ctx, id, next, now); err != nil {
			return nil, err
		}
		if err := s.auditBalanceChange(ctx, tx, op, *t.account, next, ""); err != nil {
			return nil, err
		}
	}

	results := make([]BulkItemResult, 0, len(items))
	txIDs := make([]string, 0, len(items))
	for _, item := range items {
		record := core.Transaction{
			ID:              s.IDs.NewID(),
			Kind:            core.KindTransfer,
			SenderUserID:    senderID,
			RecipientUserID: item.RecipientUserID,
			Amount:          item.Amount,
			Category:        item.Category,
			Note:            item.Note,
			Status:          core.TxCompleted,
			CreatedAt:       now,
			ProcessedAt:     &now,
		}
		if err := tx.Transactions().Insert(ctx, record); err != nil {
			return nil, err
		}
		if err := s.auditCompleted(ctx, tx, op, record); err != nil {
			return nil, err
		}
		results = append(results, BulkItemResult{
			RecipientUserID: item.RecipientUserID,
			TxID:            record.ID,
			Amount:          item.Amount,
		})
		txIDs = append(txIDs, record.ID)
	}

	e := audit.Entry(op, core.ActionBulkCompleted, core.EntityAccount, sender.ID)
	e.NewValues = map[string]any{
		"tx_ids": txIDs,
		"total":  total.String(),
		"count":  len(items),
	}
	if err := s.Audit.Append(ctx, tx, e); err != nil {
		return nil, err
	}

	return &BulkResult{Items: results, SenderBalance: newSender, TotalAmount: total}, nil
}

func (s *Service) auditBulkFailed(ctx context.Context, tx core.Tx, op core.OperationContext, senderID string, total core.Money, index int, offendingUser string, cause error) error {
	e := audit.Entry(op, core.ActionBulkFailed, core.EntityAccount, "")
	e.Severity = core.SeverityWarning
	e.NewValues = map[string]any{
		"sender":         senderID,
		"total":          total.String(),
		"failed_index":   index,
		"offending_user": offendingUser,
		"failure_code":   core.CodeOf(cause),
	}
	return s.Audit.Append(ctx, tx, e)
}

// asBulkLimit reports whether err is a BulkError wrapping a bound
// violation - the only bulk failure that commits its audit entry.
func asBulkLimit(err error, out **BulkError) bool {
	be, ok := err.(*BulkError)
	if !ok || !core.IsLimitViolation(be.Err) {
		return false
	}
	*out = be
	return true
}
