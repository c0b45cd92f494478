package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/cashwire/api"
	"github.com/warp/cashwire/audit"
	"github.com/warp/cashwire/core"
	"github.com/warp/cashwire/directory"
	"github.com/warp/cashwire/eventpool"
	"github.com/warp/cashwire/ledger"
	"github.com/warp/cashwire/request"
	"github.com/warp/cashwire/store/sqlite"
)

// =============================================================================
// TEST FIXTURE - full stack against an in-memory store
// =============================================================================

type fixture struct {
	router *chi.Mux
	store  core.Store
	clock  *core.ManualClock
}

func newTestAPI(t *testing.T) *fixture {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := core.NewManualClock(time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC))
	ids := core.UUIDGen{}
	dir := &directory.StoreDirectory{Store: store}
	writer := audit.NewWriter(clock, ids)
	log := zap.NewNop().Sugar()

	led := ledger.NewService(store, clock, ids, dir, writer)
	requests := request.NewService(store, clock, ids, dir, led, writer)
	events := eventpool.NewService(store, clock, ids, dir, led, writer)
	users := directory.NewService(store, clock, ids, writer)
	auditSvc := audit.NewService(store, dir, clock, ids)

	h := api.NewHandler(led, requests, events, users, auditSvc, log)
	return &fixture{router: api.NewRouter(h), store: store, clock: clock}
}

// do sends a JSON request as the given user and decodes the response
// body into out (when non-nil).
func (f *fixture) do(t *testing.T, method, path, asUser string, body, out any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if asUser != "" {
		req.Header.Set("X-User-ID", asUser)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

// register creates a user through the API and returns its id.
func (f *fixture) register(t *testing.T, name string) string {
	t.Helper()
	var res struct {
		User api.UserDTO `json:"user"`
	}
	rec := f.do(t, http.MethodPost, "/api/users", "", api.RegisterUserRequest{DisplayName: name, Email: name + "@example.com"}, &res)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return res.User.ID
}

// fund moves a balance directly; the API has no top-up endpoint.
func (f *fixture) fund(t *testing.T, userID, amount string) {
	t.Helper()
	ctx := context.Background()
	acct, err := f.store.Accounts().ByUser(ctx, userID)
	require.NoError(t, err)
	require.NotNil(t, acct)
	next := acct.Balance.Add(core.MustMoney(amount))
	require.NoError(t, f.store.Accounts().SetBalance(ctx, acct.ID, next, f.clock.Now()))
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var e api.ErrorDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e.Code
}

// =============================================================================
// USERS
// =============================================================================

func TestAPI_RegisterAndBalance(t *testing.T) {
	f := newTestAPI(t)
	alice := f.register(t, "alice")

	var balance api.BalanceDTO
	rec := f.do(t, http.MethodGet, "/api/users/"+alice+"/balance", alice, nil, &balance)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, alice, balance.UserID)
	assert.True(t, balance.Balance.IsZero())
	assert.True(t, balance.Available.Equal(core.MustMoney("250.00")))
	assert.Equal(t, "GBP", balance.Currency)
}

func TestAPI_BalanceUnknownUser_404(t *testing.T) {
	f := newTestAPI(t)

	rec := f.do(t, http.MethodGet, "/api/users/ghost/balance", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, core.CodeAccountNotFound, errCode(t, rec))
}

func TestAPI_DeactivateBlocksTransfers(t *testing.T) {
	f := newTestAPI(t)
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")
	f.fund(t, alice, "100.00")

	rec := f.do(t, http.MethodPost, "/api/users/"+bob+"/deactivate", alice, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/transfers", alice, api.TransferRequest{
		RecipientUserID: bob,
		Amount:          core.MustMoney("10.00"),
	}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, core.CodeUserInactive, errCode(t, rec))
}

// =============================================================================
// TRANSFERS
// =============================================================================

func TestAPI_Transfer(t *testing.T) {
	f := newTestAPI(t)
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")
	f.fund(t, alice, "100.00")

	var res api.TransferDTO
	rec := f.do(t, http.MethodPost, "/api/transfers", alice, api.TransferRequest{
		RecipientUserID: bob,
		Amount:          core.MustMoney("30.00"),
		Category:        "Lunch",
		Note:            "thanks",
	}, &res)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	assert.Equal(t, "COMPLETED", res.Tx.Status)
	assert.Equal(t, alice, res.Tx.SenderUserID)
	assert.Equal(t, bob, res.Tx.RecipientUserID)
	assert.True(t, res.SenderBalance.Equal(core.MustMoney("70.00")))
	assert.True(t, res.RecipientBalance.Equal(core.MustMoney("30.00")))
}

func TestAPI_Transfer_InsufficientFunds_422(t *testing.T) {
	f := newTestAPI(t)
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")

	rec := f.do(t, http.MethodPost, "/api/transfers", alice, api.TransferRequest{
		RecipientUserID: bob,
		Amount:          core.MustMoney("251.00"),
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, core.CodeInsufficientFunds, errCode(t, rec))
}

func TestAPI_Transfer_Self_400(t *testing.T) {
	f := newTestAPI(t)
	alice := f.register(t, "alice")

	rec := f.do(t, http.MethodPost, "/api/transfers", alice, api.TransferRequest{
		RecipientUserID: alice,
		Amount:          core.MustMoney("1.00"),
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, core.CodeSelfTransfer, errCode(t, rec))
}

func TestAPI_Transfer_MalformedBody_400(t *testing.T) {
	f := newTestAPI(t)
	alice := f.register(t, "alice")

	req := httptest.NewRequest(http.MethodPost, "/api/transfers", bytes.NewReader([]byte("{nope")))
	req.Header.Set("X-User-ID", alice)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_BulkTransfer(t *testing.T) {
	f := newTestAPI(t)
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")
	carol := f.register(t, "carol")
	f.fund(t, alice, "100.00")

	var res api.BulkResultDTO
	rec := f.do(t, http.MethodPost, "/api/transfers/bulk", alice, api.BulkTransferRequest{
		Items: []api.BulkItemRequest{
			{RecipientUserID: bob, Amount: core.MustMoney("10.00")},
			{RecipientUserID: carol, Amount: core.MustMoney("20.00")},
		},
	}, &res)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Len(t, res.Items, 2)
	assert.True(t, res.TotalAmount.Equal(core.MustMoney("30.00")))
	assert.True(t, res.SenderBalance.Equal(core.MustMoney("70.00")))
}

func TestAPI_TransactionHistory(t *testing.T) {
	f := newTestAPI(t)
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")
	f.fund(t, alice, "100.00")

	rec := f.do(t, http.MethodPost, "/api/transfers", alice, api.TransferRequest{
		RecipientUserID: bob,
		Amount:          core.MustMoney("5.00"),
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var history struct {
		Sent     []api.TransactionDTO `json:"sent"`
		Received []api.TransactionDTO `json:"received"`
	}
	rec = f.do(t, http.MethodGet, "/api/users/"+bob+"/transactions", bob, nil, &history)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, history.Sent)
	require.Len(t, history.Received, 1)
	assert.Equal(t, alice, history.Received[0].SenderUserID)
}

// =============================================================================
// MONEY REQUESTS
// =============================================================================

func TestAPI_RequestLifecycle(t *testing.T) {
	f := newTestAPI(t)
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")
	f.fund(t, bob, "50.00")

	// Create.
	var created api.MoneyRequestDTO
	rec := f.do(t, http.MethodPost, "/api/requests", alice, api.CreateRequestRequest{
		PayerUserID: bob,
		Amount:      core.MustMoney("20.00"),
		Note:        "lunch",
	}, &created)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "PENDING", created.Status)

	// Appears in bob's inbox.
	var inbox []api.MoneyRequestDTO
	rec = f.do(t, http.MethodGet, "/api/users/"+bob+"/requests/inbox?status=PENDING", bob, nil, &inbox)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, inbox, 1)

	// Approve moves the money.
	var responded api.MoneyRequestDTO
	rec = f.do(t, http.MethodPost, "/api/requests/"+created.ID+"/respond", bob, api.RespondRequest{Approve: true}, &responded)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "APPROVED", responded.Status)

	var balance api.BalanceDTO
	rec = f.do(t, http.MethodGet, "/api/users/"+alice+"/balance", alice, nil, &balance)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, balance.Balance.Equal(core.MustMoney("20.00")))

	// A second response conflicts.
	rec = f.do(t, http.MethodPost, "/api/requests/"+created.ID+"/respond", bob, api.RespondRequest{Approve: false}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, core.CodeAlreadyResponded, errCode(t, rec))
}

func TestAPI_Request_NonPayerRespond_403(t *testing.T) {
	f := newTestAPI(t)
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")

	var created api.MoneyRequestDTO
	rec := f.do(t, http.MethodPost, "/api/requests", alice, api.CreateRequestRequest{
		PayerUserID: bob,
		Amount:      core.MustMoney("20.00"),
	}, &created)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/requests/"+created.ID+"/respond", alice, api.RespondRequest{Approve: true}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPI_Request_ExplicitZeroExpiry_400(t *testing.T) {
	f := newTestAPI(t)
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")

	// Leaving the field out means the 7-day default; sending 0 does not.
	rec := f.do(t, http.MethodPost, "/api/requests", alice, map[string]any{
		"payer_user_id":   bob,
		"amount":          "5.00",
		"expires_in_days": 0,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, core.CodeValidation, errCode(t, rec))
}

func TestAPI_Request_Duplicate_409(t *testing.T) {
	f := newTestAPI(t)
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")

	body := api.CreateRequestRequest{PayerUserID: bob, Amount: core.MustMoney("5.00")}
	rec := f.do(t, http.MethodPost, "/api/requests", alice, body, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/requests", alice, body, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, core.CodeDuplicateRequest, errCode(t, rec))
}

// =============================================================================
// EVENT POOLS
// =============================================================================

func TestAPI_EventLifecycle(t *testing.T) {
	f := newTestAPI(t)
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")
	f.fund(t, bob, "50.00")

	// Create a pool with a target.
	target := core.MustMoney("40.00")
	var pool api.EventPoolDTO
	rec := f.do(t, http.MethodPost, "/api/events", alice, api.CreateEventRequest{
		Name:         "Leaving gift",
		TargetAmount: &target,
	}, &pool)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "ACTIVE", pool.Status)

	// Contribute.
	var contrib api.TransferDTO
	rec = f.do(t, http.MethodPost, "/api/events/"+pool.ID+"/contributions", bob, api.ContributeRequest{
		Amount: core.MustMoney("10.00"),
	}, &contrib)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "EVENT_CONTRIBUTION", contrib.Tx.Kind)
	assert.True(t, contrib.SenderBalance.Equal(core.MustMoney("40.00")))

	// Stats reflect the derived total.
	var stats api.EventStatsDTO
	rec = f.do(t, http.MethodGet, "/api/events/"+pool.ID+"/stats", bob, nil, &stats)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, stats.TotalContributions.Equal(core.MustMoney("10.00")))
	assert.Equal(t, 1, stats.ContributorCount)
	require.NotNil(t, stats.ProgressPercent)
	assert.Equal(t, "25.00", *stats.ProgressPercent)

	// Cancelling a funded pool conflicts.
	rec = f.do(t, http.MethodPost, "/api/events/"+pool.ID+"/cancel", alice, nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, core.CodeCancelWithContributions, errCode(t, rec))

	// Closing works and is terminal.
	var closed api.EventPoolDTO
	rec = f.do(t, http.MethodPost, "/api/events/"+pool.ID+"/close", alice, nil, &closed)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "CLOSED", closed.Status)
	assert.NotEmpty(t, closed.ClosedAt)

	rec = f.do(t, http.MethodPost, "/api/events/"+pool.ID+"/contributions", bob, api.ContributeRequest{
		Amount: core.MustMoney("1.00"),
	}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, core.CodeEventInactive, errCode(t, rec))
}

func TestAPI_ListEvents_ActiveOnly(t *testing.T) {
	f := newTestAPI(t)
	alice := f.register(t, "alice")

	var keep api.EventPoolDTO
	rec := f.do(t, http.MethodPost, "/api/events", alice, api.CreateEventRequest{Name: "Active pool"}, &keep)
	require.Equal(t, http.StatusCreated, rec.Code)

	var gone api.EventPoolDTO
	rec = f.do(t, http.MethodPost, "/api/events", alice, api.CreateEventRequest{Name: "Cancelled pool"}, &gone)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.do(t, http.MethodPost, "/api/events/"+gone.ID+"/cancel", alice, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var pools []api.EventPoolDTO
	rec = f.do(t, http.MethodGet, "/api/events", alice, nil, &pools)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, pools, 1)
	assert.Equal(t, keep.ID, pools[0].ID)
}

// =============================================================================
// AUDIT
// =============================================================================

func TestAPI_AuditQueryAndVerify(t *testing.T) {
	f := newTestAPI(t)
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")
	f.fund(t, alice, "100.00")

	rec := f.do(t, http.MethodPost, "/api/transfers", alice, api.TransferRequest{
		RecipientUserID: bob,
		Amount:          core.MustMoney("5.00"),
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var entries []api.AuditEntryDTO
	rec = f.do(t, http.MethodGet, "/api/audit?action_type=TRANSACTION_CREATED", alice, nil, &entries)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, entries, 1)
	assert.Equal(t, alice, entries[0].UserID)

	var report struct {
		Status         string `json:"Status"`
		EntriesScanned int    `json:"EntriesScanned"`
	}
	rec = f.do(t, http.MethodGet, "/api/audit/verify", alice, nil, &report)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HEALTHY", report.Status)
	assert.Greater(t, report.EntriesScanned, 0)
}

func TestAPI_AuditReport_UnknownKind_400(t *testing.T) {
	f := newTestAPI(t)

	rec := f.do(t, http.MethodGet, "/api/audit/reports/BOGUS", "", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_Healthz(t *testing.T) {
	f := newTestAPI(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
