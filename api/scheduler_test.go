package api_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/cashwire/api"
	"github.com/warp/cashwire/audit"
	"github.com/warp/cashwire/core"
	"github.com/warp/cashwire/directory"
	"github.com/warp/cashwire/eventpool"
	"github.com/warp/cashwire/ledger"
	"github.com/warp/cashwire/notify"
	"github.com/warp/cashwire/request"
	"github.com/warp/cashwire/store/sqlite"
)

type schedFixture struct {
	store     core.Store
	clock     *core.ManualClock
	sink      *notify.MemorySink
	requests  *request.Service
	events    *eventpool.Service
	scheduler *api.Scheduler
}

func newTestScheduler(t *testing.T) *schedFixture {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := core.NewManualClock(time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC))
	ids := core.UUIDGen{}
	dir := directory.NewMemory(
		core.User{ID: "alice", DisplayName: "alice", Role: core.RoleEmployee, Active: true},
		core.User{ID: "bob", DisplayName: "bob", Role: core.RoleEmployee, Active: true},
	)
	writer := audit.NewWriter(clock, ids)
	sink := &notify.MemorySink{}
	emitter := &notify.Emitter{Sink: sink}
	log := zap.NewNop().Sugar()

	led := ledger.NewService(store, clock, ids, dir, writer)
	requests := request.NewService(store, clock, ids, dir, led, writer)
	events := eventpool.NewService(store, clock, ids, dir, led, writer)
	auditSvc := audit.NewService(store, dir, clock, ids)

	for _, id := range []string{"alice", "bob"} {
		require.NoError(t, store.Accounts().Create(context.Background(), core.Account{
			ID: "acct-" + id, UserID: id, Balance: core.MustMoney("50.00"),
			CreatedAt: clock.Now(), UpdatedAt: clock.Now(),
		}))
	}

	scheduler := api.NewScheduler(requests, auditSvc, store, clock, emitter, log)
	scheduler.SweepInterval = time.Hour // only the immediate pass matters here
	return &schedFixture{
		store:     store,
		clock:     clock,
		sink:      sink,
		requests:  requests,
		events:    events,
		scheduler: scheduler,
	}
}

// runOnePass starts the scheduler, which runs a pass immediately, and
// stops it again. Stop waits for the pass to finish.
func (f *schedFixture) runOnePass() {
	f.scheduler.Start()
	f.scheduler.Stop()
}

var schedOp = core.OperationContext{ActorID: "alice"}

func TestScheduler_SweepsExpiredRequests(t *testing.T) {
	f := newTestScheduler(t)

	req, err := f.requests.Create(context.Background(), schedOp, "alice", "bob", core.MustMoney("10.00"), "", 1)
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)

	f.runOnePass()

	got, err := f.store.Requests().ByID(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RequestExpired, got.Status)
}

func TestScheduler_DeadlineNotification_OncePerPool(t *testing.T) {
	f := newTestScheduler(t)

	deadline := f.clock.Now().Add(12 * time.Hour)
	_, err := f.events.Create(context.Background(), schedOp, "alice", "Send-off", "", nil, &deadline)
	require.NoError(t, err)

	f.runOnePass()

	notices := 0
	for _, n := range f.sink.Events() {
		if n.Kind == core.NotifyDeadlineApproaching {
			notices++
			assert.Equal(t, []string{"alice"}, n.UserIDs)
		}
	}
	assert.Equal(t, 1, notices)
}

func TestScheduler_RetentionRunsWithoutDueEntries(t *testing.T) {
	f := newTestScheduler(t)

	// Fresh entries only: retention must be a harmless no-op.
	_, err := f.requests.Create(context.Background(), schedOp, "alice", "bob", core.MustMoney("10.00"), "", core.RequestDefaultExpiryDays)
	require.NoError(t, err)

	f.runOnePass()

	entries, err := f.store.Audit().Query(context.Background(), core.AuditFilter{ActionType: core.ActionRetentionCleanup})
	require.NoError(t, err)
	assert.Empty(t, entries)
}
