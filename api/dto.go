/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for the HTTP surface. These decouple the domain model
  from the external contract: amounts travel as decimal strings (never
  floats), times as RFC 3339.

NAMING CONVENTION:
  - *DTO: response types returned to clients
  - *Request: request body types from clients

SEE ALSO:
  - handlers.go: uses these types
  - core/money.go: Money's JSON encoding
*/
package api

import (
	"time"

	"github.com/warp/cashwire/core"
)

// =============================================================================
// USERS & ACCOUNTS
// =============================================================================

type UserDTO struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
	Role        string `json:"role"`
	Active      bool   `json:"active"`
	CreatedAt   string `json:"created_at"`
}

type RegisterUserRequest struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Role        string `json:"role"`
}

type BalanceDTO struct {
	UserID    string     `json:"user_id"`
	Balance   core.Money `json:"balance"`
	Available core.Money `json:"available"`
	Currency  string     `json:"currency"`
}

// =============================================================================
// TRANSFERS
// =============================================================================

type TransferRequest struct {
	RecipientUserID string     `json:"recipient_user_id"`
	Amount          core.Money `json:"amount"`
	Category        string     `json:"category,omitempty"`
	Note            string     `json:"note,omitempty"`
}

type TransferDTO struct {
	Tx               TransactionDTO `json:"transaction"`
	SenderBalance    core.Money     `json:"sender_balance"`
	RecipientBalance core.Money     `json:"recipient_balance,omitempty"`
	Warnings         []string       `json:"warnings,omitempty"`
}

type BulkTransferRequest struct {
	Items []BulkItemRequest `json:"items"`
}

type BulkItemRequest struct {
	RecipientUserID string     `json:"recipient_user_id"`
	Amount          core.Money `json:"amount"`
	Category        string     `json:"category,omitempty"`
	Note            string     `json:"note,omitempty"`
}

type BulkResultDTO struct {
	Items         []BulkItemDTO `json:"items"`
	SenderBalance core.Money    `json:"sender_balance"`
	TotalAmount   core.Money    `json:"total_amount"`
}

type BulkItemDTO struct {
	RecipientUserID string     `json:"recipient_user_id"`
	TxID            string     `json:"tx_id"`
	Amount          core.Money `json:"amount"`
}

type TransactionDTO struct {
	ID              string     `json:"id"`
	Kind            string     `json:"kind"`
	SenderUserID    string     `json:"sender_user_id"`
	RecipientUserID string     `json:"recipient_user_id,omitempty"`
	EventID         string     `json:"event_id,omitempty"`
	Amount          core.Money `json:"amount"`
	Category        string     `json:"category,omitempty"`
	Note            string     `json:"note,omitempty"`
	Status          string     `json:"status"`
	CreatedAt       string     `json:"created_at"`
	ProcessedAt     string     `json:"processed_at,omitempty"`
}

func toTransactionDTO(t core.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:              t.ID,
		Kind:            string(t.Kind),
		SenderUserID:    t.SenderUserID,
		RecipientUserID: t.RecipientUserID,
		EventID:         t.EventID,
		Amount:          t.Amount,
		Category:        t.Category,
		Note:            t.Note,
		Status:          string(t.Status),
		CreatedAt:       t.CreatedAt.Format(time.RFC3339),
	}
	if t.ProcessedAt != nil {
		dto.ProcessedAt = t.ProcessedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// MONEY REQUESTS
// =============================================================================

type CreateRequestRequest struct {
	PayerUserID string     `json:"payer_user_id"`
	Amount      core.Money `json:"amount"`
	Note        string     `json:"note,omitempty"`
	// Pointer so an absent field (defaulted) is distinguishable from an
	// explicit 0 (rejected).
	ExpiresInDays *int `json:"expires_in_days,omitempty"`
}

type RespondRequest struct {
	Approve bool `json:"approve"`
}

type MoneyRequestDTO struct {
	ID              string     `json:"id"`
	RequesterUserID string     `json:"requester_user_id"`
	PayerUserID     string     `json:"payer_user_id"`
	Amount          core.Money `json:"amount"`
	Note            string     `json:"note,omitempty"`
	Status          string     `json:"status"`
	CreatedAt       string     `json:"created_at"`
	RespondedAt     string     `json:"responded_at,omitempty"`
	ExpiresAt       string     `json:"expires_at"`
}

func toRequestDTO(r core.MoneyRequest) MoneyRequestDTO {
	dto := MoneyRequestDTO{
		ID:              r.ID,
		RequesterUserID: r.RequesterUserID,
		PayerUserID:     r.PayerUserID,
		Amount:          r.Amount,
		Note:            r.Note,
		Status:          string(r.Status),
		CreatedAt:       r.CreatedAt.Format(time.RFC3339),
		ExpiresAt:       r.ExpiresAt.Format(time.RFC3339),
	}
	if r.RespondedAt != nil {
		dto.RespondedAt = r.RespondedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// EVENT POOLS
// =============================================================================

type CreateEventRequest struct {
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	TargetAmount *core.Money `json:"target_amount,omitempty"`
	Deadline     *time.Time  `json:"deadline,omitempty"`
}

type ContributeRequest struct {
	Amount core.Money `json:"amount"`
	Note   string     `json:"note,omitempty"`
}

type EventPoolDTO struct {
	ID            string      `json:"id"`
	CreatorUserID string      `json:"creator_user_id"`
	Name          string      `json:"name"`
	Description   string      `json:"description,omitempty"`
	TargetAmount  *core.Money `json:"target_amount,omitempty"`
	Deadline      string      `json:"deadline,omitempty"`
	Status        string      `json:"status"`
	CreatedAt     string      `json:"created_at"`
	ClosedAt      string      `json:"closed_at,omitempty"`
}

func toEventDTO(p core.EventPool) EventPoolDTO {
	dto := EventPoolDTO{
		ID:            p.ID,
		CreatorUserID: p.CreatorUserID,
		Name:          p.Name,
		Description:   p.Description,
		TargetAmount:  p.TargetAmount,
		Status:        string(p.Status),
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
	}
	if p.Deadline != nil {
		dto.Deadline = p.Deadline.Format(time.RFC3339)
	}
	if p.ClosedAt != nil {
		dto.ClosedAt = p.ClosedAt.Format(time.RFC3339)
	}
	return dto
}

type EventStatsDTO struct {
	TotalContributions core.Money `json:"total_contributions"`
	ContributorCount   int        `json:"contributor_count"`
	ProgressPercent    *string    `json:"progress_percent,omitempty"`
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditEntryDTO struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id,omitempty"`
	ActionType string         `json:"action_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	OldValues  map[string]any `json:"old_values,omitempty"`
	NewValues  map[string]any `json:"new_values,omitempty"`
	IPAddress  string         `json:"ip_address,omitempty"`
	Severity   string         `json:"severity"`
	CreatedAt  string         `json:"created_at"`
}

func toAuditDTO(e core.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:         e.ID,
		UserID:     e.UserID,
		ActionType: e.ActionType,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		OldValues:  e.OldValues,
		NewValues:  e.NewValues,
		IPAddress:  e.IPAddress,
		Severity:   string(e.Severity),
		CreatedAt:  e.CreatedAt.Format(time.RFC3339),
	}
}

// ErrorDTO is the uniform error envelope.
type ErrorDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
