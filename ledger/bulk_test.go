package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cashwire/core"
	"github.com/warp/cashwire/ledger"
)

func TestBulkTransfer_Success(t *testing.T) {
	f := newTestLedger(t)
	f.addUser(t, "alice", "100.00")
	f.addUser(t, "bob", "0.00")
	f.addUser(t, "carol", "0.00")
	f.addUser(t, "dave", "0.00")

	// WHEN: alice pays three colleagues in one bulk
	res, err := f.svc.BulkTransfer(context.Background(), testOp, "alice", []ledger.BulkItem{
		{RecipientUserID: "bob", Amount: core.MustMoney("10.00")},
		{RecipientUserID: "carol", Amount: core.MustMoney("20.00")},
		{RecipientUserID: "dave", Amount: core.MustMoney("30.00")},
	})
	require.NoError(t, err)

	// THEN: one transaction per item, sender debited the total
	assert.Len(t, res.Items, 3)
	assert.True(t, res.TotalAmount.Equal(core.MustMoney("60.00")))
	assert.True(t, res.SenderBalance.Equal(core.MustMoney("40.00")))

	assert.True(t, f.balance(t, "alice").Equal(core.MustMoney("40.00")))
	assert.True(t, f.balance(t, "bob").Equal(core.MustMoney("10.00")))
	assert.True(t, f.balance(t, "carol").Equal(core.MustMoney("20.00")))
	assert.True(t, f.balance(t, "dave").Equal(core.MustMoney("30.00")))

	assert.Len(t, f.auditEntries(t, core.ActionTransactionCreated), 3)
	assert.Len(t, f.auditEntries(t, core.ActionBulkCompleted), 1)
}

func TestBulkTransfer_DuplicateRecipient_AggregatedBeforeBoundCheck(t *testing.T) {
	f := newTestLedger(t)
	f.addUser(t, "alice", "100.00")
	f.addUser(t, "bob", "240.00")

	// GIVEN: two items to the same recipient, each fine alone, combined
	// pushing bob over the ceiling
	_, err := f.svc.BulkTransfer(context.Background(), testOp, "alice", []ledger.BulkItem{
		{RecipientUserID: "bob", Amount: core.MustMoney("6.00")},
		{RecipientUserID: "bob", Amount: core.MustMoney("6.00")},
	})

	// THEN: the aggregate credit is what gets checked
	require.Error(t, err)
	var be *ledger.BulkError
	require.True(t, errors.As(err, &be))
	assert.True(t, core.IsCode(be.Err, core.CodeBalanceLimitExceeded))
	assert.True(t, f.balance(t, "bob").Equal(core.MustMoney("240.00")))
}

func TestBulkTransfer_AllOrNothing(t *testing.T) {
	f := newTestLedger(t)
	f.addUser(t, "alice", "100.00")
	f.addUser(t, "bob", "0.00")
	f.addUser(t, "carol", "249.00")

	// WHEN: the second item would breach carol's ceiling
	_, err := f.svc.BulkTransfer(context.Background(), testOp, "alice", []ledger.BulkItem{
		{RecipientUserID: "bob", Amount: core.MustMoney("10.00")},
		{RecipientUserID: "carol", Amount: core.MustMoney("5.00")},
	})

	// THEN: nothing moved, not even the valid first item
	require.Error(t, err)
	var be *ledger.BulkError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, 1, be.Index)
	assert.True(t, f.balance(t, "alice").Equal(core.MustMoney("100.00")))
	assert.True(t, f.balance(t, "bob").Equal(core.MustMoney("0.00")))
	assert.True(t, f.balance(t, "carol").Equal(core.MustMoney("249.00")))

	// AND: the only thing committed is the failure audit entry
	assert.Empty(t, f.auditEntries(t, core.ActionTransactionCreated))
	entries := f.auditEntries(t, core.ActionBulkFailed)
	require.Len(t, entries, 1)
	assert.Equal(t, "carol", entries[0].NewValues["offending_user"])
}

func TestBulkTransfer_SenderAggregate_Fails(t *testing.T) {
	f := newTestLedger(t)
	f.addUser(t, "alice", "-200.00")
	f.addUser(t, "bob", "0.00")
	f.addUser(t, "carol", "0.00")

	// WHEN: each item alone fits but the aggregate debit breaches the floor
	_, err := f.svc.BulkTransfer(context.Background(), testOp, "alice", []ledger.BulkItem{
		{RecipientUserID: "bob", Amount: core.MustMoney("30.00")},
		{RecipientUserID: "carol", Amount: core.MustMoney("30.00")},
	})

	// THEN: the sender-side failure reports index -1
	require.Error(t, err)
	var be *ledger.BulkError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, -1, be.Index)
	assert.True(t, core.IsCode(be.Err, core.CodeInsufficientFunds))
	assert.True(t, f.balance(t, "alice").Equal(core.MustMoney("-200.00")))
}

func TestBulkTransfer_TooManyRecipients(t *testing.T) {
	f := newTestLedger(t)
	f.addUser(t, "alice", "100.00")

	items := make([]ledger.BulkItem, core.MaxBulkRecipients+1)
	for i, id := range many("user", core.MaxBulkRecipients+1) {
		f.addUser(t, id, "0.00")
		items[i] = ledger.BulkItem{RecipientUserID: id, Amount: core.MustMoney("0.01")}
	}

	_, err := f.svc.BulkTransfer(context.Background(), testOp, "alice", items)
	assert.True(t, core.IsCode(err, core.CodeTooManyRecipients))
}

func TestBulkTransfer_AtRecipientCap_Allowed(t *testing.T) {
	f := newTestLedger(t)
	f.addUser(t, "alice", "100.00")

	items := make([]ledger.BulkItem, core.MaxBulkRecipients)
	for i, id := range many("user", core.MaxBulkRecipients) {
		f.addUser(t, id, "0.00")
		items[i] = ledger.BulkItem{RecipientUserID: id, Amount: core.MustMoney("0.50")}
	}

	res, err := f.svc.BulkTransfer(context.Background(), testOp, "alice", items)
	require.NoError(t, err)
	assert.Len(t, res.Items, core.MaxBulkRecipients)
	assert.True(t, res.SenderBalance.Equal(core.MustMoney("75.00")))
}

func TestBulkTransfer_SenderAsRecipient_Rejected(t *testing.T) {
	f := newTestLedger(t)
	f.addUser(t, "alice", "100.00")
	f.addUser(t, "bob", "0.00")

	_, err := f.svc.BulkTransfer(context.Background(), testOp, "alice", []ledger.BulkItem{
		{RecipientUserID: "bob", Amount: core.MustMoney("1.00")},
		{RecipientUserID: "alice", Amount: core.MustMoney("1.00")},
	})
	require.Error(t, err)
	var be *ledger.BulkError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, 1, be.Index)
	assert.True(t, core.IsCode(be.Err, core.CodeSelfTransfer))
}

func TestBulkTransfer_EmptyItems_Rejected(t *testing.T) {
	f := newTestLedger(t)
	f.addUser(t, "alice", "100.00")

	_, err := f.svc.BulkTransfer(context.Background(), testOp, "alice", nil)
	assert.True(t, core.IsCode(err, core.CodeValidation))
}
