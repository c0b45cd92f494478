package request_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cashwire/audit"
	"github.com/warp/cashwire/core"
	"github.com/warp/cashwire/directory"
	"github.com/warp/cashwire/ledger"
	"github.com/warp/cashwire/notify"
	"github.com/warp/cashwire/request"
	"github.com/warp/cashwire/store/sqlite"
)

// =============================================================================
// TEST FIXTURE
// =============================================================================

type fixture struct {
	store core.Store
	clock *core.ManualClock
	dir   *directory.Memory
	sink  *notify.MemorySink
	led   *ledger.Service
	svc   *request.Service
}

func newTestRequests(t *testing.T) *fixture {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := core.NewManualClock(time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC))
	ids := core.UUIDGen{}
	dir := directory.NewMemory()
	sink := &notify.MemorySink{}
	writer := audit.NewWriter(clock, ids)

	led := ledger.NewService(store, clock, ids, dir, writer)
	svc := request.NewService(store, clock, ids, dir, led, writer)
	svc.Notify = &notify.Emitter{Sink: sink}

	return &fixture{store: store, clock: clock, dir: dir, sink: sink, led: led, svc: svc}
}

func (f *fixture) addUser(t *testing.T, userID, balance string) {
	t.Helper()
	f.dir.Put(core.User{ID: userID, DisplayName: userID, Role: core.RoleEmployee, Active: true, CreatedAt: f.clock.Now()})
	require.NoError(t, f.store.Accounts().Create(context.Background(), core.Account{
		ID:        "acct-" + userID,
		UserID:    userID,
		Balance:   core.MustMoney(balance),
		CreatedAt: f.clock.Now(),
		UpdatedAt: f.clock.Now(),
	}))
}

func (f *fixture) balance(t *testing.T, userID string) core.Money {
	t.Helper()
	acct, err := f.store.Accounts().ByUser(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, acct)
	return acct.Balance
}

func (f *fixture) reload(t *testing.T, requestID string) *core.MoneyRequest {
	t.Helper()
	req, err := f.store.Requests().ByID(context.Background(), requestID)
	require.NoError(t, err)
	require.NotNil(t, req)
	return req
}

var testOp = core.OperationContext{ActorID: "alice", IPAddress: "10.0.0.1", UserAgent: "test"}

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_Defaults(t *testing.T) {
	f := newTestRequests(t)
	f.addUser(t, "alice", "0.00")
	f.addUser(t, "bob", "50.00")

	// WHEN: alice requests 20.00 from bob with default expiry
	req, err := f.svc.Create(context.Background(), testOp, "alice", "bob", core.MustMoney("20.00"), "lunch", core.RequestDefaultExpiryDays)
	require.NoError(t, err)

	// THEN: PENDING with the 7-day default expiry
	assert.Equal(t, core.RequestPending, req.Status)
	assert.Equal(t, f.clock.Now().AddDate(0, 0, core.RequestDefaultExpiryDays), req.ExpiresAt)
	assert.Nil(t, req.RespondedAt)

	// AND: the payer is notified
	events := f.sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, core.NotifyRequestCreated, events[0].Kind)
	assert.Equal(t, []string{"bob"}, events[0].UserIDs)
}

func TestCreate_ExpiryBounds(t *testing.T) {
	f := newTestRequests(t)
	f.addUser(t, "alice", "0.00")
	f.addUser(t, "bob", "50.00")

	// An explicit zero is not "use the default"; it is out of range.
	_, err := f.svc.Create(context.Background(), testOp, "alice", "bob", core.MustMoney("20.00"), "", 0)
	assert.True(t, core.IsCode(err, core.CodeValidation))

	// The maximum itself is fine.
	req, err := f.svc.Create(context.Background(), testOp, "alice", "bob", core.MustMoney("20.00"), "", core.RequestMaxExpiryDays)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().AddDate(0, 0, core.RequestMaxExpiryDays), req.ExpiresAt)
}

func TestCreate_DuplicatePending_Rejected(t *testing.T) {
	f := newTestRequests(t)
	f.addUser(t, "alice", "0.00")
	f.addUser(t, "bob", "50.00")

	_, err := f.svc.Create(context.Background(), testOp, "alice", "bob", core.MustMoney("20.00"), "", core.RequestDefaultExpiryDays)
	require.NoError(t, err)

	// A second live PENDING request for the same pair is rejected...
	_, err = f.svc.Create(context.Background(), testOp, "alice", "bob", core.MustMoney("5.00"), "", core.RequestDefaultExpiryDays)
	assert.True(t, core.IsCode(err, core.CodeDuplicateRequest))

	// ...but the reverse direction is a different pair.
	_, err = f.svc.Create(context.Background(), testOp, "bob", "alice", core.MustMoney("5.00"), "", core.RequestDefaultExpiryDays)
	assert.NoError(t, err)
}

func TestCreate_ExpiredPending_DoesNotBlockNew(t *testing.T) {
	f := newTestRequests(t)
	f.addUser(t, "alice", "0.00")
	f.addUser(t, "bob", "50.00")

	_, err := f.svc.Create(context.Background(), testOp, "alice", "bob", core.MustMoney("20.00"), "", 1)
	require.NoError(t, err)

	// GIVEN: the first request is past expiry but not yet swept
	f.clock.Advance(25 * time.Hour)

	// THEN: a new request for the pair is allowed
	_, err = f.svc.Create(context.Background(), testOp, "alice", "bob", core.MustMoney("5.00"), "", core.RequestDefaultExpiryDays)
	assert.NoError(t, err)
}

func TestCreate_Validation(t *testing.T) {
	f := newTestRequests(t)
	f.addUser(t, "alice", "0.00")
	f.addUser(t, "bob", "50.00")

	_, err := f.svc.Create(context.Background(), testOp, "alice", "alice", core.MustMoney("1.00"), "", core.RequestDefaultExpiryDays)
	assert.True(t, core.IsCode(err, core.CodeSelfTransfer))

	_, err = f.svc.Create(context.Background(), testOp, "alice", "bob", core.ZeroMoney(), "", core.RequestDefaultExpiryDays)
	assert.True(t, core.IsCode(err, core.CodeInvalidAmount))

	_, err = f.svc.Create(context.Background(), testOp, "alice", "bob", core.MustMoney("1.00"), "", core.RequestMaxExpiryDays+1)
	assert.True(t, core.IsCode(err, core.CodeValidation))

	f.dir.SetActive("bob", false)
	_, err = f.svc.Create(context.Background(), testOp, "alice", "bob", core.MustMoney("1.00"), "", core.RequestDefaultExpiryDays)
	assert.True(t, core.IsCode(err, core.CodeUserInactive))
}

// =============================================================================
// RESPOND - APPROVE
// =============================================================================

func TestRespond_Approve_TransfersAtomically(t *testing.T) {
	f := newTestRequests(t)
	f.addUser(t, "alice", "0.00")
	f.addUser(t, "bob", "50.00")

	req, err := f.svc.Create(context.Background(), testOp, "alice", "bob", core.MustMoney("20.00"), "lunch", core.RequestDefaultExpiryDays)
	require.NoError(t, err)

	// WHEN: bob approves
	payerOp := core.OperationContext{ActorID: "bob"}
	got, err := f.svc.Respond(context.Background(), payerOp, req.ID, "bob", true)
	require.NoError(t, err)

	// THEN: APPROVED, money moved payer -> requester
	assert.Equal(t, core.RequestApproved, got.Status)
	assert.NotNil(t, got.RespondedAt)
	assert.True(t, f.balance(t, "alice").Equal(core.MustMoney("20.00")))
	assert.True(t, f.balance(t, "bob").Equal(core.MustMoney("30.00")))

	// AND: the approval audit entry links the transfer
	entries, err := f.store.Audit().Query(context.Background(), core.AuditFilter{ActionType: core.ActionRequestApproved})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].NewValues["tx_id"])
}

func TestRespond_Approve_PayerCannotCover_StaysPending(t *testing.T) {
	f := newTestRequests(t)
	f.addUser(t, "alice", "0.00")
	f.addUser(t, "bob", "-245.00")

	req, err := f.svc.Create(context.Background(), testOp, "alice", "bob", core.MustMoney("20.00"), "", core.RequestDefaultExpiryDays)
	require.NoError(t, err)

	// WHEN: the approval's transfer breaches bob's floor
	_, err = f.svc.Respond(context.Background(), core.OperationContext{ActorID: "bob"}, req.ID, "bob", true)

	// THEN: the bound error surfaces and the request is still PENDING
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeInsufficientFunds))
	assert.Equal(t, core.RequestPending, f.reload(t, req.ID).Status)

	// AND: the ledger's FAILED record committed anyway
	failed, err := f.store.Transactions().BySender(context.Background(), "bob", 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, core.TxFailed, failed[0].Status)

	// AND: bob can approve again after topping up
	f.addTopUp(t, "bob", "240.00")
	got, err := f.svc.Respond(context.Background(), core.OperationContext{ActorID: "bob"}, req.ID, "bob", true)
	require.NoError(t, err)
	assert.Equal(t, core.RequestApproved, got.Status)
}

// addTopUp adjusts a balance directly, standing in for payroll top-up.
func (f *fixture) addTopUp(t *testing.T, userID, amount string) {
	t.Helper()
	ctx := context.Background()
	acct, err := f.store.Accounts().ByUser(ctx, userID)
	require.NoError(t, err)
	next := acct.Balance.Add(core.MustMoney(amount))
	require.NoError(t, f.store.Accounts().SetBalance(ctx, acct.ID, next, f.clock.Now()))
}

// =============================================================================
// RESPOND - DECLINE, AUTHORIZATION, TERMINAL STATES
// =============================================================================

func TestRespond_Decline(t *testing.T) {
	f := newTestRequests(t)
	f.addUser(t, "alice", "0.00")
	f.addUser(t, "bob", "50.00")

	req, err := f.svc.Create(context.Background(), testOp, "alice", "bob", core.MustMoney("20.00"), "", core.RequestDefaultExpiryDays)
	require.NoError(t, err)

	got, err := f.svc.Respond(context.Background(), core.OperationContext{ActorID: "bob"}, req.ID, "bob", false)
	require.NoError(t, err)

	assert.Equal(t, core.RequestDeclined, got.Status)
	// No money moves on decline.
	assert.True(t, f.balance(t, "alice").Equal(core.MustMoney("0.00")))
	assert.True(t, f.balance(t, "bob").Equal(core.MustMoney("50.00")))
}

func TestRespond_OnlyPayer(t *testing.T) {
	f := newTestRequests(t)
	f.addUser(t, "alice", "0.00")
	f.addUser(t, "bob", "50.00")
	f.addUser(t, "carol", "50.00")

	req, err := f.svc.Create(context.Background(), testOp, "alice", "bob", core.MustMoney("20.00"), "", core.RequestDefaultExpiryDays)
	require.NoError(t, err)

	// Neither the requester nor a bystander may respond.
	_, err = f.svc.Respond(context.Background(), testOp, req.ID, "alice", true)
	assert.True(t, core.IsCode(err, core.CodeNotAuthorized))
	_, err = f.svc.Respond(context.Background(), core.OperationContext{ActorID: "carol"}, req.ID, "carol", true)
	assert.True(t, core.IsCode(err, core.CodeNotAuthorized))
}

func TestRespond_AlreadyResponded(t *testing.T) {
	f := newTestRequests(t)
	f.addUser(t, "alice", "0.00")
	f.addUser(t, "bob", "50.00")

	req, err := f.svc.Create(context.Background(), testOp, "alice", "bob", core.MustMoney("20.00"), "", core.RequestDefaultExpiryDays)
	require.NoError(t, err)
	_, err = f.svc.Respond(context.Background(), core.OperationContext{ActorID: "bob"}, req.ID, "bob", false)
	require.NoError(t, err)

	// A second response hits the terminal state.
	_, err = f.svc.Respond(context.Background(), core.OperationContext{ActorID: "bob"}, req.ID, "bob", true)
	assert.True(t, core.IsCode(err, core.CodeAlreadyResponded))
	assert.Equal(t, core.RequestDeclined, f.reload(t, req.ID).Status)
}

func TestRespond_AfterExpiry_AutoExpires(t *testing.T) {
	f := newTestRequests(t)
	f.addUser(t, "alice", "0.00")
	f.addUser(t, "bob", "50.00")

	req, err := f.svc.Create(context.Background(), testOp, "alice", "bob", core.MustMoney("20.00"), "", 1)
	require.NoError(t, err)

	// GIVEN: the expiry has passed but the sweep has not run
	f.clock.Advance(25 * time.Hour)

	// WHEN: bob tries to approve
	_, err = f.svc.Respond(context.Background(), core.OperationContext{ActorID: "bob"}, req.ID, "bob", true)

	// THEN: the action is rejected AND the expiry transition persisted
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.CodeRequestExpired))
	assert.Equal(t, core.RequestExpired, f.reload(t, req.ID).Status)
	assert.True(t, f.balance(t, "bob").Equal(core.MustMoney("50.00")))

	entries, err := f.store.Audit().Query(context.Background(), core.AuditFilter{ActionType: core.ActionRequestExpired})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

// =============================================================================
// CANCEL
// =============================================================================

func TestCancel_ByRequester(t *testing.T) {
	f := newTestRequests(t)
	f.addUser(t, "alice", "0.00")
	f.addUser(t, "bob", "50.00")

	req, err := f.svc.Create(context.Background(), testOp, "alice", "bob", core.MustMoney("20.00"), "", core.RequestDefaultExpiryDays)
	require.NoError(t, err)

	got, err := f.svc.Cancel(context.Background(), testOp, req.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, core.RequestDeclined, got.Status)

	// Cancel and decline share the terminal state; the audit action
	// distinguishes them.
	entries, err := f.store.Audit().Query(context.Background(), core.AuditFilter{ActionType: core.ActionRequestCancelled})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCancel_OnlyRequester(t *testing.T) {
	f := newTestRequests(t)
	f.addUser(t, "alice", "0.00")
	f.addUser(t, "bob", "50.00")

	req, err := f.svc.Create(context.Background(), testOp, "alice", "bob", core.MustMoney("20.00"), "", core.RequestDefaultExpiryDays)
	require.NoError(t, err)

	_, err = f.svc.Cancel(context.Background(), core.OperationContext{ActorID: "bob"}, req.ID, "bob")
	assert.True(t, core.IsCode(err, core.CodeNotAuthorized))
	assert.Equal(t, core.RequestPending, f.reload(t, req.ID).Status)
}

// =============================================================================
// EXPIRY SWEEP
// =============================================================================

func TestExpireDue_SweepsOnlyDueRequests(t *testing.T) {
	f := newTestRequests(t)
	f.addUser(t, "alice", "0.00")
	f.addUser(t, "bob", "50.00")
	f.addUser(t, "carol", "50.00")

	// GIVEN: one request due tomorrow, one due next week
	short, err := f.svc.Create(context.Background(), testOp, "alice", "bob", core.MustMoney("20.00"), "", 1)
	require.NoError(t, err)
	long, err := f.svc.Create(context.Background(), testOp, "alice", "carol", core.MustMoney("20.00"), "", 7)
	require.NoError(t, err)

	f.clock.Advance(48 * time.Hour)

	// WHEN: the sweep runs
	n, err := f.svc.ExpireDue(context.Background())
	require.NoError(t, err)

	// THEN: only the due request transitions
	assert.Equal(t, 1, n)
	assert.Equal(t, core.RequestExpired, f.reload(t, short.ID).Status)
	assert.Equal(t, core.RequestPending, f.reload(t, long.ID).Status)

	// AND: sweeping again is a no-op
	n, err = f.svc.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestInboxOutbox(t *testing.T) {
	f := newTestRequests(t)
	f.addUser(t, "alice", "0.00")
	f.addUser(t, "bob", "50.00")
	f.addUser(t, "carol", "50.00")

	_, err := f.svc.Create(context.Background(), testOp, "alice", "bob", core.MustMoney("10.00"), "", core.RequestDefaultExpiryDays)
	require.NoError(t, err)
	_, err = f.svc.Create(context.Background(), core.OperationContext{ActorID: "carol"}, "carol", "bob", core.MustMoney("5.00"), "", core.RequestDefaultExpiryDays)
	require.NoError(t, err)

	inbox, err := f.svc.Inbox(context.Background(), "bob", core.RequestPending)
	require.NoError(t, err)
	assert.Len(t, inbox, 2)

	outbox, err := f.svc.Outbox(context.Background(), "alice", 10)
	require.NoError(t, err)
	require.Len(t, outbox, 1)
	assert.Equal(t, "bob", outbox[0].PayerUserID)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestRespond_ConcurrentApproves_ExactlyOneWins(t *testing.T) {
	f := newTestRequests(t)
	f.addUser(t, "alice", "0.00")
	f.addUser(t, "bob", "100.00")

	req, err := f.svc.Create(context.Background(), testOp, "alice", "bob", core.MustMoney("20.00"), "", core.RequestDefaultExpiryDays)
	require.NoError(t, err)

	// WHEN: several approvals race on the same PENDING request
	const attempts = 8
	bobOp := core.OperationContext{ActorID: "bob", IPAddress: "10.0.0.2", UserAgent: "test"}
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Respond(context.Background(), bobOp, req.ID, "bob", true)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	// THEN: exactly one wins; every loser sees the terminal state
	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.True(t, core.IsCode(err, core.CodeAlreadyResponded), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, wins)

	// AND: the money moved exactly once
	assert.Equal(t, core.RequestApproved, f.reload(t, req.ID).Status)
	assert.True(t, f.balance(t, "alice").Equal(core.MustMoney("20.00")))
	assert.True(t, f.balance(t, "bob").Equal(core.MustMoney("80.00")))

	approved, err := f.store.Audit().Query(context.Background(), core.AuditFilter{ActionType: core.ActionRequestApproved})
	require.NoError(t, err)
	assert.Len(t, approved, 1)
}
