package directory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cashwire/audit"
	"github.com/warp/cashwire/core"
	"github.com/warp/cashwire/directory"
	"github.com/warp/cashwire/store/sqlite"
)

func newTestDirectory(t *testing.T) (*directory.Service, core.Store) {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := core.NewManualClock(time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC))
	ids := core.UUIDGen{}
	return directory.NewService(store, clock, ids, audit.NewWriter(clock, ids)), store
}

var testOp = core.OperationContext{ActorID: "admin", IPAddress: "10.0.0.1", UserAgent: "test"}

func TestRegisterUser_CreatesAccountAtomically(t *testing.T) {
	svc, store := newTestDirectory(t)
	ctx := context.Background()

	user, acct, err := svc.RegisterUser(ctx, testOp, "Alice Smith", "alice@example.com", "")
	require.NoError(t, err)

	// Role defaults to EMPLOYEE; the account opens at zero.
	assert.Equal(t, core.RoleEmployee, user.Role)
	assert.True(t, user.Active)
	assert.Equal(t, user.ID, acct.UserID)
	assert.True(t, acct.Balance.IsZero())

	stored, err := store.Accounts().ByUser(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, acct.ID, stored.ID)

	// Both creations are audited.
	for _, action := range []string{core.ActionUserCreated, core.ActionAccountCreated} {
		entries, err := store.Audit().Query(ctx, core.AuditFilter{ActionType: action})
		require.NoError(t, err)
		assert.Len(t, entries, 1, action)
	}
}

func TestRegisterUser_Validation(t *testing.T) {
	svc, _ := newTestDirectory(t)
	ctx := context.Background()

	_, _, err := svc.RegisterUser(ctx, testOp, "", "a@example.com", "")
	assert.True(t, core.IsCode(err, core.CodeValidation))

	_, _, err = svc.RegisterUser(ctx, testOp, "Bob", "b@example.com", core.Role("WIZARD"))
	assert.True(t, core.IsCode(err, core.CodeValidation))

	_, _, err = svc.RegisterUser(ctx, testOp, "Fiona", "f@example.com", core.RoleFinance)
	assert.NoError(t, err)
}

func TestDeactivate_Idempotent(t *testing.T) {
	svc, store := newTestDirectory(t)
	ctx := context.Background()

	user, _, err := svc.RegisterUser(ctx, testOp, "Alice Smith", "alice@example.com", "")
	require.NoError(t, err)

	require.NoError(t, svc.Deactivate(ctx, testOp, user.ID))
	require.NoError(t, svc.Deactivate(ctx, testOp, user.ID), "second deactivation is a no-op")

	got, err := store.Users().ByID(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	// Only the first call audited a transition.
	entries, err := store.Audit().Query(ctx, core.AuditFilter{ActionType: core.ActionUserDeactivated})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDeactivate_UnknownUser(t *testing.T) {
	svc, _ := newTestDirectory(t)

	err := svc.Deactivate(context.Background(), testOp, "ghost")
	assert.True(t, core.IsCode(err, core.CodeAccountNotFound))
}

func TestStoreDirectory_Lookup(t *testing.T) {
	svc, store := newTestDirectory(t)
	ctx := context.Background()

	user, _, err := svc.RegisterUser(ctx, testOp, "Alice Smith", "alice@example.com", "")
	require.NoError(t, err)

	dir := &directory.StoreDirectory{Store: store}
	got, err := dir.Lookup(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Alice Smith", got.DisplayName)

	missing, err := dir.Lookup(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing, "unknown user is (nil, nil), not an error")
}
