/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the domain
  model from the wire contract. Amounts travel as decimals (shopspring
  accepts both JSON numbers and strings); dates as RFC 3339 or YYYY-MM-DD.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian/bunkerledger/ledger"
)

// =============================================================================
// REQUESTS
// =============================================================================

// CreatePaymentRequest records a payment against a contract.
type CreatePaymentRequest struct {
	ContractID string          `json:"contract_id"`
	Amount     decimal.Decimal `json:"amount"`
	Date       string          `json:"date"`
	Kind       string          `json:"kind"`
	Reference  string          `json:"reference"`
}

// AmendPaymentRequest carries the fields being changed; omitted fields stay.
type AmendPaymentRequest struct {
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Date      *string          `json:"date,omitempty"`
	Kind      *string          `json:"kind,omitempty"`
	Reference *string          `json:"reference,omitempty"`
}

// CreateContractRequest provisions a contract.
type CreateContractRequest struct {
	CounterpartyID string          `json:"counterparty_id"`
	Type           string          `json:"type"`
	FacilityID     string          `json:"facility_id"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// PaymentDTO is a payment in API responses.
type PaymentDTO struct {
	ID         string          `json:"id"`
	ContractID string          `json:"contract_id"`
	Amount     decimal.Decimal `json:"amount"`
	Date       string          `json:"date"`
	Kind       string          `json:"kind"`
	Reference  string          `json:"reference"`
	Reversed   bool            `json:"reversed"`
	CreatedBy  string          `json:"created_by"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
	Changelog  []AuditEntryDTO `json:"changelog,omitempty"`
}

// AuditEntryDTO is one changelog entry.
type AuditEntryDTO struct {
	ID      string                        `json:"id"`
	ActorID string                        `json:"actor_id"`
	At      string                        `json:"at"`
	Changes map[string]ledger.FieldChange `json:"changes"`
}

// SummaryDTO is a denormalized payment summary.
type SummaryDTO struct {
	PaymentID string          `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Date      string          `json:"date"`
	Kind      string          `json:"kind"`
	Reference string          `json:"reference"`
	Reversed  bool            `json:"reversed"`
}

// ContractDTO is a contract in API responses.
type ContractDTO struct {
	ID             string          `json:"id"`
	CounterpartyID string          `json:"counterparty_id"`
	Type           string          `json:"type"`
	Number         int64           `json:"number"`
	FacilityID     string          `json:"facility_id,omitempty"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	TotalPaid      decimal.Decimal `json:"total_paid"`
	TotalPending   decimal.Decimal `json:"total_pending"`
	Payments       []SummaryDTO    `json:"payments"`
	Changelog      []AuditEntryDTO `json:"changelog,omitempty"`
}

// AccountDTO is a ledger account in API responses.
type AccountDTO struct {
	ID             string          `json:"id"`
	ContractID     string          `json:"contract_id"`
	CounterpartyID string          `json:"counterparty_id"`
	Kind           string          `json:"kind"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	TotalPaid      decimal.Decimal `json:"total_paid"`
	PendingBalance decimal.Decimal `json:"pending_balance"`
	Payments       []SummaryDTO    `json:"payments"`
}

// PaymentDetailDTO is a payment with its contract and account snapshot.
type PaymentDetailDTO struct {
	Payment  PaymentDTO  `json:"payment"`
	Contract ContractDTO `json:"contract"`
	Account  AccountDTO  `json:"account"`
}

// AllocationDTO is a minted sequence number.
type AllocationDTO struct {
	Scope string `json:"scope"`
	Value int64  `json:"value"`
}

// ErrorResponse is the uniform error body. Code is machine-readable.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toPaymentDTO(p *ledger.Payment, includeLog bool) PaymentDTO {
	dto := PaymentDTO{
		ID:         string(p.ID),
		ContractID: string(p.ContractID),
		Amount:     p.Amount,
		Date:       p.Date.UTC().Format(time.RFC3339),
		Kind:       string(p.Kind),
		Reference:  p.Reference,
		Reversed:   p.Deleted,
		CreatedBy:  p.CreatedBy,
		CreatedAt:  p.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:  p.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if includeLog {
		dto.Changelog = toChangelogDTO(p.Changelog)
	}
	return dto
}

func toChangelogDTO(entries []ledger.AuditEntry) []AuditEntryDTO {
	out := make([]AuditEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditEntryDTO{
			ID:      e.ID,
			ActorID: e.ActorID,
			At:      e.At.UTC().Format(time.RFC3339Nano),
			Changes: e.Changes,
		})
	}
	return out
}

func toSummaryDTOs(summaries []ledger.PaymentSummary, activeOnly bool) []SummaryDTO {
	out := make([]SummaryDTO, 0, len(summaries))
	for _, s := range summaries {
		if activeOnly && s.Deleted {
			continue
		}
		out = append(out, SummaryDTO{
			PaymentID: string(s.PaymentID),
			Amount:    s.Amount,
			Date:      s.Date.UTC().Format(time.RFC3339),
			Kind:      string(s.Kind),
			Reference: s.Reference,
			Reversed:  s.Deleted,
		})
	}
	return out
}

func toContractDTO(c *ledger.Contract, includeLog bool) ContractDTO {
	dto := ContractDTO{
		ID:             string(c.ID),
		CounterpartyID: string(c.CounterpartyID),
		Type:           string(c.Type),
		Number:         c.Number,
		FacilityID:     c.FacilityID,
		TotalAmount:    c.TotalAmount,
		TotalPaid:      c.TotalPaid,
		TotalPending:   c.TotalPending,
		Payments:       toSummaryDTOs(c.Payments, false),
	}
	if includeLog {
		log := append([]ledger.AuditEntry(nil), c.Changelog...)
		ledger.SortChangelog(log)
		dto.Changelog = toChangelogDTO(log)
	}
	return dto
}

func toAccountDTO(a *ledger.Account) AccountDTO {
	return AccountDTO{
		ID:             string(a.ID),
		ContractID:     string(a.ContractID),
		CounterpartyID: string(a.CounterpartyID),
		Kind:           string(a.Kind),
		TotalAmount:    a.TotalAmount,
		TotalPaid:      a.TotalPaid,
		PendingBalance: a.PendingBalance,
		Payments:       toSummaryDTOs(a.Payments, false),
	}
}
