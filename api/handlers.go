/*
handlers.go - HTTP handlers for the cash-wire core

PURPOSE:
  Exposes the transactional core over REST. Handlers parse, delegate to
  the domain services, and translate coded errors to HTTP statuses.
  No business rules live here.

ENDPOINTS:
  Users:
    POST   /api/users                       Register user + account
    GET    /api/users                       List users
    POST   /api/users/{id}/deactivate       Deactivate user
    GET    /api/users/{id}/balance          Balance + available headroom
    GET    /api/users/{id}/transactions     Sent and received history

  Transfers:
    POST   /api/transfers                   Peer transfer
    POST   /api/transfers/bulk              Bulk transfer (all-or-nothing)

  Money requests:
    POST   /api/requests                    Create request
    GET    /api/requests/{id}               Get request
    POST   /api/requests/{id}/respond       Approve or decline (payer)
    POST   /api/requests/{id}/cancel        Withdraw (requester)
    GET    /api/users/{id}/requests/inbox   Requests awaiting the user
    GET    /api/users/{id}/requests/outbox  Requests the user made

  Event pools:
    POST   /api/events                      Create pool
    GET    /api/events                      List active pools
    GET    /api/events/{id}                 Get pool
    GET    /api/events/{id}/stats           Derived totals and progress
    GET    /api/events/{id}/contributions   Contribution history
    POST   /api/events/{id}/contributions   Contribute
    POST   /api/events/{id}/close           Close (creator/admin/finance)
    POST   /api/events/{id}/cancel          Cancel (only if untouched)

  Audit:
    GET    /api/audit                       Structured query
    GET    /api/audit/verify                Integrity verification
    GET    /api/audit/reports/{kind}        Aggregated report

ATTRIBUTION:
  The acting user comes from the X-User-ID header (authentication is an
  upstream gateway concern); IP and User-Agent are captured for audit.

ERROR MAPPING:
  Coded domain errors map to statuses in statusFor. Unknown errors are
  500 with a generic message; details go to the log, not the client.

SEE ALSO:
  - dto.go: request/response shapes
  - server.go: router and middleware
*/
package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/cashwire/audit"
	"github.com/warp/cashwire/core"
	"github.com/warp/cashwire/directory"
	"github.com/warp/cashwire/eventpool"
	"github.com/warp/cashwire/ledger"
	"github.com/warp/cashwire/request"
)

// Handler holds the domain services the HTTP surface delegates to.
type Handler struct {
	Ledger   *ledger.Service
	Requests *request.Service
	Events   *eventpool.Service
	Users    *directory.Service
	AuditSvc *audit.Service
	Log      *zap.SugaredLogger
}

func NewHandler(led *ledger.Service, req *request.Service, ev *eventpool.Service, users *directory.Service, auditSvc *audit.Service, log *zap.SugaredLogger) *Handler {
	return &Handler{Ledger: led, Requests: req, Events: ev, Users: users, AuditSvc: auditSvc, Log: log}
}

// opContext builds the audit attribution for a request.
func opContext(r *http.Request) core.OperationContext {
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}
	return core.OperationContext{
		ActorID:   r.Header.Get("X-User-ID"),
		IPAddress: ip,
		UserAgent: r.UserAgent(),
	}
}

// =============================================================================
// USERS
// =============================================================================

func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.Log, core.E(core.CodeValidation, "invalid request body: %v", err))
		return
	}
	user, acct, err := h.Users.RegisterUser(r.Context(), opContext(r), req.DisplayName, req.Email, core.Role(req.Role))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"user": toUserDTO(*user),
		"account": BalanceDTO{
			UserID:    user.ID,
			Balance:   acct.Balance,
			Available: acct.Balance.Sub(core.MinBalance),
			Currency:  core.Currency,
		},
	})
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Users.List(r.Context())
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Users.Deactivate(r.Context(), opContext(r), id); err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": false})
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	balance, available, err := h.Ledger.GetBalance(r.Context(), id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		UserID:    id,
		Balance:   balance,
		Available: available,
		Currency:  core.Currency,
	})
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := queryInt(r, "limit", 50)

	sent, err := h.Ledger.Store.Transactions().BySender(r.Context(), id, limit)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	received, err := h.Ledger.Store.Transactions().ByRecipient(r.Context(), id, limit)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	toDTOs := func(txs []core.Transaction) []TransactionDTO {
		out := make([]TransactionDTO, len(txs))
		for i, t := range txs {
			out[i] = toTransactionDTO(t)
		}
		return out
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sent":     toDTOs(sent),
		"received": toDTOs(received),
	})
}

// =============================================================================
// TRANSFERS
// =============================================================================

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	op := opContext(r)
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.Log, core.E(core.CodeValidation, "invalid request body: %v", err))
		return
	}
	res, err := h.Ledger.Transfer(r.Context(), op, op.ActorID, req.RecipientUserID, req.Amount, req.Category, req.Note)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, TransferDTO{
		Tx:               toTransactionDTO(res.Tx),
		SenderBalance:    res.SenderBalance,
		RecipientBalance: res.RecipientBalance,
		Warnings:         res.Warnings,
	})
}

func (h *Handler) BulkTransfer(w http.ResponseWriter, r *http.Request) {
	op := opContext(r)
	var req BulkTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.Log, core.E(core.CodeValidation, "invalid request body: %v", err))
		return
	}
	items := make([]ledger.BulkItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = ledger.BulkItem{
			RecipientUserID: it.RecipientUserID,
			Amount:          it.Amount,
			Category:        it.Category,
			Note:            it.Note,
		}
	}
	res, err := h.Ledger.BulkTransfer(r.Context(), op, op.ActorID, items)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	dto := BulkResultDTO{SenderBalance: res.SenderBalance, TotalAmount: res.TotalAmount}
	for _, item := range res.Items {
		dto.Items = append(dto.Items, BulkItemDTO{
			RecipientUserID: item.RecipientUserID,
			TxID:            item.TxID,
			Amount:          item.Amount,
		})
	}
	writeJSON(w, http.StatusCreated, dto)
}

// =============================================================================
// MONEY REQUESTS
// =============================================================================

func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	op := opContext(r)
	var req CreateRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.Log, core.E(core.CodeValidation, "invalid request body: %v", err))
		return
	}
	expiresInDays := core.RequestDefaultExpiryDays
	if req.ExpiresInDays != nil {
		expiresInDays = *req.ExpiresInDays
	}
	created, err := h.Requests.Create(r.Context(), op, op.ActorID, req.PayerUserID, req.Amount, req.Note, expiresInDays)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(*created))
}

func (h *Handler) GetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Requests.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if req == nil {
		writeError(w, h.Log, core.E(core.CodeValidation, "no such request"))
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*req))
}

func (h *Handler) RespondRequest(w http.ResponseWriter, r *http.Request) {
	op := opContext(r)
	var body RespondRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, h.Log, core.E(core.CodeValidation, "invalid request body: %v", err))
		return
	}
	res, err := h.Requests.Respond(r.Context(), op, chi.URLParam(r, "id"), op.ActorID, body.Approve)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*res))
}

func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	op := opContext(r)
	res, err := h.Requests.Cancel(r.Context(), op, chi.URLParam(r, "id"), op.ActorID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(*res))
}

func (h *Handler) RequestInbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status := core.RequestStatus(r.URL.Query().Get("status"))
	reqs, err := h.Requests.Inbox(r.Context(), id, status)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTOs(reqs))
}

func (h *Handler) RequestOutbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reqs, err := h.Requests.Outbox(r.Context(), id, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTOs(reqs))
}

// =============================================================================
// EVENT POOLS
// =============================================================================

func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	op := opContext(r)
	var req CreateEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.Log, core.E(core.CodeValidation, "invalid request body: %v", err))
		return
	}
	pool, err := h.Events.Create(r.Context(), op, op.ActorID, req.Name, req.Description, req.TargetAmount, req.Deadline)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEventDTO(*pool))
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	pools, err := h.Events.ListActive(r.Context())
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	dtos := make([]EventPoolDTO, len(pools))
	for i, p := range pools {
		dtos[i] = toEventDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	pool, err := h.Events.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if pool == nil {
		writeError(w, h.Log, core.E(core.CodeValidation, "no such pool"))
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(*pool))
}

func (h *Handler) GetEventStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Events.GetStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	dto := EventStatsDTO{
		TotalContributions: stats.TotalContributions,
		ContributorCount:   stats.ContributorCount,
	}
	if stats.ProgressPercent != nil {
		s := stats.ProgressPercent.StringFixed(2)
		dto.ProgressPercent = &s
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) ListContributions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Events.Contributions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	dtos := make([]TransactionDTO, len(txs))
	for i, t := range txs {
		dtos[i] = toTransactionDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) Contribute(w http.ResponseWriter, r *http.Request) {
	op := opContext(r)
	var req ContributeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.Log, core.E(core.CodeValidation, "invalid request body: %v", err))
		return
	}
	res, err := h.Events.Contribute(r.Context(), op, op.ActorID, chi.URLParam(r, "id"), req.Amount, req.Note)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, TransferDTO{
		Tx:            toTransactionDTO(res.Tx),
		SenderBalance: res.NewBalance,
		Warnings:      res.Warnings,
	})
}

func (h *Handler) CloseEvent(w http.ResponseWriter, r *http.Request) {
	op := opContext(r)
	pool, err := h.Events.Close(r.Context(), op, chi.URLParam(r, "id"), op.ActorID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(*pool))
}

func (h *Handler) CancelEvent(w http.ResponseWriter, r *http.Request) {
	op := opContext(r)
	pool, err := h.Events.Cancel(r.Context(), op, chi.URLParam(r, "id"), op.ActorID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventDTO(*pool))
}

// =============================================================================
// AUDIT
// =============================================================================

func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := core.AuditFilter{
		UserID:     q.Get("user_id"),
		ActionType: q.Get("action_type"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		IPAddress:  q.Get("ip_address"),
		Severity:   core.Severity(q.Get("severity")),
		Limit:      queryInt(r, "limit", 100),
		Offset:     queryInt(r, "offset", 0),
	}
	if from := q.Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			writeError(w, h.Log, core.E(core.CodeValidation, "invalid from: %v", err))
			return
		}
		f.From = &t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			writeError(w, h.Log, core.E(core.CodeValidation, "invalid to: %v", err))
			return
		}
		f.To = &t
	}

	entries, err := h.AuditSvc.Query(r.Context(), f)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	report, err := h.AuditSvc.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) AuditReport(w http.ResponseWriter, r *http.Request) {
	kind := audit.ReportKind(chi.URLParam(r, "kind"))
	q := r.URL.Query()

	end := time.Now().UTC()
	start := end.AddDate(0, -1, 0)
	if s := q.Get("start"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, h.Log, core.E(core.CodeValidation, "invalid start: %v", err))
			return
		}
		start = t
	}
	if s := q.Get("end"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, h.Log, core.E(core.CodeValidation, "invalid end: %v", err))
			return
		}
		end = t
	}

	report, err := h.AuditSvc.GenerateReport(r.Context(), kind, start, end)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// PLUMBING
// =============================================================================

func toUserDTO(u core.User) UserDTO {
	return UserDTO{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		Role:        string(u.Role),
		Active:      u.Active,
		CreatedAt:   u.CreatedAt.Format(time.RFC3339),
	}
}

func toRequestDTOs(reqs []core.MoneyRequest) []MoneyRequestDTO {
	out := make([]MoneyRequestDTO, len(reqs))
	for i, r := range reqs {
		out[i] = toRequestDTO(r)
	}
	return out
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, log *zap.SugaredLogger, err error) {
	code := core.CodeOf(err)
	status := statusFor(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		if log != nil {
			log.Errorw("internal error", "error", err)
		}
		code = "INTERNAL"
		msg = "internal error"
	}
	errorsTotal.WithLabelValues(code).Inc()
	writeJSON(w, status, ErrorDTO{Code: code, Message: msg})
}

// statusFor maps stable error codes to HTTP statuses.
func statusFor(code string) int {
	switch code {
	case core.CodeValidation, core.CodeInvalidAmount, core.CodeSelfTransfer, core.CodeTooManyRecipients:
		return http.StatusBadRequest
	case core.CodeNotAuthorized, core.CodeUserInactive:
		return http.StatusForbidden
	case core.CodeAccountNotFound:
		return http.StatusNotFound
	case core.CodeAlreadyResponded, core.CodeDuplicateRequest, core.CodeEventInactive,
		core.CodeDeadlinePassed, core.CodeCancelWithContributions:
		return http.StatusConflict
	case core.CodeRequestExpired:
		return http.StatusGone
	case core.CodeInsufficientFunds, core.CodeBalanceLimitExceeded:
		return http.StatusUnprocessableEntity
	case core.CodeStoreTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
