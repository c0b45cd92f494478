/*
Package ledger owns accounts and is the sole mutator of balances.

PURPOSE:
  Peer transfers, bulk transfers, and contribution debits all run here,
  each inside exactly one store transaction that covers the precondition
  reads under locks, the balance mutations, the transaction record, and
  the audit entries. Either everything commits or nothing does.

BOUNDED BALANCES:
  Every account must satisfy MIN_BALANCE <= balance <= MAX_BALANCE at
  every commit boundary. An operation that would breach either bound on
  either side is rejected: the balances stay untouched, a FAILED
  transaction record and a TRANSACTION_FAILED audit entry are committed,
  and the caller gets the specific bound error.

CANONICAL LOCK ORDER:
  Any operation touching two or more accounts locks them in ascending
  account-id order. Concurrent cross-transfers (A->B while B->A)
  therefore cannot deadlock. Bulk transfers lock the sender first, then
  recipients ascending.

FAILURE MODEL:
  Validation failures   -> coded domain errors, no partial state
  Transient store errors -> retried (see retry.go), then surfaced
  Permanent store errors -> surfaced unchanged

SEE ALSO:
  - bulk.go: bulk transfers, all-or-nothing
  - retry.go: the retry wrapper, the only local error recovery
*/
package ledger

import (
	"context"
	"sort"

	"github.com/warp/cashwire/audit"
	"github.com/warp/cashwire/core"
	"github.com/warp/cashwire/notify"
)

// Service is the ledger engine.
type Service struct {
	Store     core.Store
	Clock     core.Clock
	IDs       core.IdGen
	Directory core.UserDirectory
	Audit     *audit.Writer
	Notify    *notify.Emitter // optional
}

func NewService(store core.Store, clock core.Clock, ids core.IdGen, dir core.UserDirectory, w *audit.Writer) *Service {
	return &Service{Store: store, Clock: clock, IDs: ids, Directory: dir, Audit: w}
}

// =============================================================================
// BALANCE QUERIES
// =============================================================================

// GetBalance returns the current balance and the available headroom
// including overdraft (balance - MIN_BALANCE).
func (s *Service) GetBalance(ctx context.Context, userID string) (balance, available core.Money, err error) {
	acct, err := s.Store.Accounts().ByUser(ctx, userID)
	if err != nil {
		return core.Money{}, core.Money{}, err
	}
	if acct == nil {
		return core.Money{}, core.Money{}, core.E(core.CodeAccountNotFound, "no account for user %s", userID)
	}
	return acct.Balance, acct.Balance.Sub(core.MinBalance), nil
}

// LimitCheck is the outcome of validating a hypothetical balance delta.
type LimitCheck struct {
	Valid      bool
	NewBalance core.Money
	Warnings   []string
	Errors     []string
}

// ValidateLimits evaluates the bound invariant for balance + delta
// without mutating anything.
func (s *Service) ValidateLimits(ctx context.Context, userID string, delta core.Money) (*LimitCheck, error) {
	acct, err := s.Store.Accounts().ByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, core.E(core.CodeAccountNotFound, "no account for user %s", userID)
	}

	check := &LimitCheck{Valid: true}
	newBalance, warnings, boundErr := applyDelta(acct.Balance, delta)
	check.NewBalance = newBalance
	check.Warnings = warnings
	if boundErr != nil {
		check.Valid = false
		check.Errors = append(check.Errors, core.CodeOf(boundErr))
	}
	return check, nil
}

// applyDelta computes balance + delta and evaluates the bound invariant,
// plus the advisory overdraft-proximity warning for debits.
func applyDelta(balance, delta core.Money) (core.Money, []string, error) {
	next := balance.Add(delta)
	if next.LessThan(core.MinBalance) {
		return next, nil, core.E(core.CodeInsufficientFunds,
			"balance %s cannot absorb %s (floor %s)", balance, delta, core.MinBalance)
	}
	if next.GreaterThan(core.MaxBalance) {
		return next, nil, core.E(core.CodeBalanceLimitExceeded,
			"balance %s cannot absorb %s (ceiling %s)", balance, delta, core.MaxBalance)
	}
	var warnings []string
	if delta.IsNegative() && !next.GreaterThan(core.MinBalance.Add(core.OverdraftWarningThreshold)) {
		warnings = append(warnings, core.WarnApproachingOverdraft)
	}
	return next, warnings, nil
}

// =============================================================================
// PEER TRANSFER
// =============================================================================

// TransferResult is returned by a successful transfer.
type TransferResult struct {
	Tx               core.Transaction
	SenderBalance    core.Money
	RecipientBalance core.Money
	Warnings         []string
}

// Transfer moves amount from sender to recipient atomically. On a bound
// violation the FAILED transaction record still commits; the balances
// do not change and the specific bound error is returned.
func (s *Service) Transfer(ctx context.Context, op core.OperationContext, senderID, recipientID string, amount core.Money, category, note string) (*TransferResult, error) {
	if err := validateTransferInput(senderID, recipientID, amount, category, note); err != nil {
		return nil, err
	}
	if _, err := core.RequireActiveUser(ctx, s.Directory, senderID); err != nil {
		return nil, err
	}
	recipient, err := core.RequireActiveUser(ctx, s.Directory, recipientID)
	if err != nil {
		return nil, err
	}

	var (
		res       *TransferResult
		domainErr error
	)
	err = s.RunTx(ctx, func(tx core.Tx) error {
		res, domainErr = s.TransferInTx(ctx, tx, op, senderID, recipientID, amount, category, note)
		if domainErr != nil && core.IsLimitViolation(domainErr) {
			// Commit: the FAILED record is part of the journal.
			return nil
		}
		return domainErr
	})
	if err != nil {
		return nil, err
	}
	if domainErr != nil {
		return nil, domainErr
	}

	s.Notify.Emit(ctx, core.Notification{
		Kind:    core.NotifyTransferCompleted,
		UserIDs: []string{senderID, recipient.ID},
		Payload: map[string]any{"tx_id": res.Tx.ID, "amount": amount.String()},
	})
	return res, nil
}

// TransferInTx performs the transfer inside a caller-owned transaction.
// Used by Transfer itself and by money-request approval, which needs the
// request transition and the transfer in one commit. On a bound
// violation it records the FAILED transaction and audit entry through tx
// and returns the bound error; the caller decides whether to commit.
func (s *Service) TransferInTx(ctx context.Context, tx core.Tx, op core.OperationContext, senderID, recipientID string, amount core.Money, category, note string) (*TransferResult, error) {
	sender, recipient, err := s.lockPair(ctx, tx, senderID, recipientID)
	if err != nil {
		return nil, err
	}

	newSender, warnings, senderErr := applyDelta(sender.Balance, amount.Neg())
	var recipientErr error
	var newRecipient core.Money
	if senderErr == nil {
		newRecipient, _, recipientErr = applyDelta(recipient.Balance, amount)
	}
	if boundErr := firstError(senderErr, recipientErr); boundErr != nil {
		if err := s.recordFailedTransfer(ctx, tx, op, senderID, recipientID, amount, category, note, boundErr); err != nil {
			return nil, err
		}
		return nil, boundErr
	}

	now := s.Clock.Now()
	if err := tx.Accounts().SetBalance(ctx, sender.ID, newSender, now); err != nil {
		return nil, err
	}
	if err := tx.Accounts().SetBalance(ctx, recipient.ID, newRecipient, now); err != nil {
		return nil, err
	}

	record := core.Transaction{
		ID:              s.IDs.NewID(),
		Kind:            core.KindTransfer,
		SenderUserID:    senderID,
		RecipientUserID: recipientID,
		Amount:          amount,
		Category:        category,
		Note:            note,
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
	if err := s.auditBalanceChange(ctx, tx, op, *sender, newSender, record.ID); err != nil {
		return nil, err
	}
	if err := s.auditBalanceChange(ctx, tx, op, *recipient, newRecipient, record.ID); err != nil {
		return nil, err
	}

	return &TransferResult{
		Tx:               record,
		SenderBalance:    newSender,
		RecipientBalance: newRecipient,
		Warnings:         warnings,
	}, nil
}

// =============================================================================
// CONTRIBUTION DEBIT
// =============================================================================

// DebitForContribution debits a contributor for an event pool inside a
// caller-owned transaction. Contributions are ledger transactions of a
// distinct kind; the event-pool engine owns the pool lifecycle but the
// ledger stays the sole balance mutator.
func (s *Service) DebitForContribution(ctx context.Context, tx core.Tx, op core.OperationContext, contributorID, eventID string, amount core.Money, note string) (*core.Transaction, []string, error) {
	if !amount.IsPositive() {
		return nil, nil, core.E(core.CodeInvalidAmount, "contribution amount must be positive")
	}
	if len(note) > core.MaxNoteLength {
		return nil, nil, core.E(core.CodeValidation, "note exceeds %d characters", core.MaxNoteLength)
	}

	acct, err := s.lockAccount(ctx, tx, contributorID)
	if err != nil {
		return nil, nil, err
	}

	newBalance, warnings, boundErr := applyDelta(acct.Balance, amount.Neg())
	if boundErr != nil {
		record := s.newContributionRecord(contributorID, eventID, amount, note, core.TxFailed)
		if err := tx.Transactions().Insert(ctx, record); err != nil {
			return nil, nil, err
		}
		if err := s.auditFailed(ctx, tx, op, record, boundErr); err != nil {
			return nil, nil, err
		}
		return nil, nil, boundErr
	}

	now := s.Clock.Now()
	if err := tx.Accounts().SetBalance(ctx, acct.ID, newBalance, now); err != nil {
		return nil, nil, err
	}
	record := s.newContributionRecord(contributorID, eventID, amount, note, core.TxCompleted)
	record.ProcessedAt = &now
	if err := tx.Transactions().Insert(ctx, record); err != nil {
		return nil, nil, err
	}
	if err := s.auditCompleted(ctx, tx, op, record); err != nil {
		return nil, nil, err
	}
	if err := s.auditBalanceChange(ctx, tx, op, *acct, newBalance, record.ID); err != nil {
		return nil, nil, err
	}
	return &record, warnings, nil
}

func (s *Service) newContributionRecord(contributorID, eventID string, amount core.Money, note string, status core.TransactionStatus) core.Transaction {
	return core.Transaction{
		ID:           s.IDs.NewID(),
		Kind:         core.KindEventContribution,
		SenderUserID: contributorID,
		EventID:      eventID,
		Amount:       amount,
		Category:     "Event Contribution",
		Note:         note,
		Status:       status,
		CreatedAt:    s.Clock.Now(),
	}
}

// =============================================================================
// LOCKING & SHARED HELPERS
// =============================================================================

// lockAccount resolves and locks a single user's account.
func (s *Service) lockAccount(ctx context.Context, tx core.Tx, userID string) (*core.Account, error) {
	acct, err := tx.Accounts().ByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, core.E(core.CodeAccountNotFound, "no account for user %s", userID)
	}
	return tx.Accounts().LockByID(ctx, acct.ID)
}

// lockPair locks both parties' accounts in ascending account-id order
// and returns them re-read under lock, sender first.
func (s *Service) lockPair(ctx context.Context, tx core.Tx, senderID, recipientID string) (sender, recipient *core.Account, err error) {
	senderAcct, err := tx.Accounts().ByUser(ctx, senderID)
	if err != nil {
		return nil, nil, err
	}
	if senderAcct == nil {
		return nil, nil, core.E(core.CodeAccountNotFound, "no account for user %s", senderID)
	}
	recipientAcct, err := tx.Accounts().ByUser(ctx, recipientID)
	if err != nil {
		return nil, nil, err
	}
	if recipientAcct == nil {
		return nil, nil, core.E(core.CodeAccountNotFound, "no account for user %s", recipientID)
	}

	ids := []string{senderAcct.ID, recipientAcct.ID}
	sort.Strings(ids)
	locked := map[string]*core.Account{}
	for _, id := range ids {
		a, err := tx.Accounts().LockByID(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		locked[id] = a
	}
	return locked[senderAcct.ID], locked[recipientAcct.ID], nil
}

func (s *Service) recordFailedTransfer(ctx context.Context, tx core.Tx, op core.OperationContext, senderID, recipientID string, amount core.Money, category, note string, cause error) error {
	record := core.Transaction{
		ID:              s.IDs.NewID(),
		Kind:            core.KindTransfer,
		SenderUserID:    senderID,
		RecipientUserID: recipientID,
		Amount:          amount,
		Category:        category,
		Note:            note,
		Status:          core.TxFailed,
		CreatedAt:       s.Clock.Now(),
	}
	if err := tx.Transactions().Insert(ctx, record); err != nil {
		return err
	}
	return s.auditFailed(ctx, tx, op, record, cause)
}

func (s *Service) auditCompleted(ctx context.Context, tx core.Tx, op core.OperationContext, record core.Transaction) error {
	e := audit.Entry(op, core.ActionTransactionCreated, core.EntityTransaction, record.ID)
	e.NewValues = transactionPayload(record)
	return s.Audit.Append(ctx, tx, e)
}

func (s *Service) auditFailed(ctx context.Context, tx core.Tx, op core.OperationContext, record core.Transaction, cause error) error {
	e := audit.Entry(op, core.ActionTransactionFailed, core.EntityTransaction, record.ID)
	e.Severity = core.SeverityWarning
	e.NewValues = transactionPayload(record)
	e.NewValues["failure_code"] = core.CodeOf(cause)
	return s.Audit.Append(ctx, tx, e)
}

func (s *Service) auditBalanceChange(ctx context.Context, tx core.Tx, op core.OperationContext, before core.Account, after core.Money, txID string) error {
	e := audit.Entry(op, core.ActionBalanceChanged, core.EntityAccount, before.ID)
	e.OldValues = map[string]any{"balance": before.Balance.String()}
	e.NewValues = map[string]any{"balance": after.String(), "tx_id": txID}
	return s.Audit.Append(ctx, tx, e)
}

func transactionPayload(t core.Transaction) map[string]any {
	p := map[string]any{
		"kind":   string(t.Kind),
		"sender": t.SenderUserID,
		"amount": t.Amount.String(),
		"status": string(t.Status),
	}
	if t.RecipientUserID != "" {
		p["recipient"] = t.RecipientUserID
	}
	if t.EventID != "" {
		p["event_id"] = t.EventID
	}
	return p
}

func validateTransferInput(senderID, recipientID string, amount core.Money, category, note string) error {
	if senderID == recipientID {
		return core.E(core.CodeSelfTransfer, "cannot transfer to self")
	}
	if !amount.IsPositive() {
		return core.E(core.CodeInvalidAmount, "transfer amount must be positive")
	}
	if len(note) > core.MaxNoteLength {
		return core.E(core.CodeValidation, "note exceeds %d characters", core.MaxNoteLength)
	}
	if len(category) > core.MaxCategoryLength {
		return core.E(core.CodeValidation, "category exceeds %d characters", core.MaxCategoryLength)
	}
	return nil
}

func firstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
