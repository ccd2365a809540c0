/*
Package ledger keeps a Contract, its derived Account, and the Payments
recorded against it mutually consistent.

PURPOSE:
  This package contains the domain types and algorithms for the payment
  ledger: payments are the source of truth, and the Contract and Account
  carry denormalized summaries plus aggregate totals that are always
  recomputed from the set of active summaries.

KEY CONCEPTS IN THIS FILE (types.go):
  - Payment:        Authoritative record of one monetary movement
  - Contract:       The negotiated deal; owns totalAmount and derived totals
  - Account:        1:1 ledger view of a Contract (receivable or payable)
  - PaymentSummary: Denormalized copy of a Payment embedded in both
  - AuditEntry:     Immutable field-level change record

DESIGN PRINCIPLES:
  1. Source of truth: Payments are authoritative; aggregates are derived
  2. Full recompute: Totals are always resummed from active summaries,
     never incremented, so a replayed event converges instead of drifting
  3. Stable ids: Summaries are located by the Payment's own id, never by
     matching field values
  4. Precision: shopspring/decimal for all monetary amounts

SEE ALSO:
  - synchronizer.go: Payment lifecycle orchestration
  - audit.go: Changelog recording
  - store.go: Persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PaymentID string
type ContractID string
type AccountID string
type CounterpartyID string

// =============================================================================
// OPERATION KIND
// =============================================================================

// OperationKind is how a payment was made.
type OperationKind string

const (
	OpCash         OperationKind = "cash"
	OpCheck        OperationKind = "check"
	OpBankTransfer OperationKind = "bank_transfer"
)

// ValidKind reports whether k is one of the known operation kinds.
func ValidKind(k OperationKind) bool {
	switch k {
	case OpCash, OpCheck, OpBankTransfer:
		return true
	}
	return false
}

// Reference length bounds for the free-text payment reference.
const (
	MinReferenceLen = 3
	MaxReferenceLen = 100
)

// =============================================================================
// AUDIT ENTRY - Immutable, append-only change record
// =============================================================================

// FieldChange records one field's transition.
type FieldChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// AuditEntry records who changed what and when. Entries are append-only and
// never edited once written.
type AuditEntry struct {
	ID      string                 `json:"id"`
	ActorID string                 `json:"actor_id"`
	At      time.Time              `json:"at"`
	Changes map[string]FieldChange `json:"changes"`
}

// =============================================================================
// PAYMENT - Source of truth for one monetary movement
// =============================================================================

// Payment is the authoritative record of one monetary movement against a
// Contract. A payment is created once, may be amended while active, and is
// reversed at most once. Reversal is a soft delete and is irreversible.
type Payment struct {
	ID         PaymentID       `json:"id"`
	ContractID ContractID      `json:"contract_id"`
	Amount     decimal.Decimal `json:"amount"`
	Date       time.Time       `json:"date"`
	Kind       OperationKind   `json:"kind"`
	Reference  string          `json:"reference"`
	Deleted    bool            `json:"deleted"`
	Changelog  []AuditEntry    `json:"changelog,omitempty"`
	CreatedBy  string          `json:"created_by"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`

	// Version is the optimistic-concurrency counter. Every write is
	// conditioned on the version read at the start of the operation.
	Version int64 `json:"version"`
}

// Summary returns the denormalized copy of p embedded in Contract and Account.
func (p *Payment) Summary() PaymentSummary {
	return PaymentSummary{
		PaymentID: p.ID,
		Amount:    p.Amount,
		Date:      p.Date,
		Kind:      p.Kind,
		Reference: p.Reference,
		Deleted:   p.Deleted,
	}
}

// =============================================================================
// PAYMENT SUMMARY - Denormalized embed
// =============================================================================

// PaymentSummary is a lightweight copy of a Payment's key fields embedded in
// Contract and Account. It always carries the Payment's own id so it can be
// located without comparing field values.
type PaymentSummary struct {
	PaymentID PaymentID       `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Date      time.Time       `json:"date"`
	Kind      OperationKind   `json:"kind"`
	Reference string          `json:"reference"`
	Deleted   bool            `json:"deleted"`
}

// SumActive returns the sum of Amount over non-deleted summaries.
func SumActive(summaries []PaymentSummary) decimal.Decimal {
	total := decimal.Zero
	for _, s := range summaries {
		if !s.Deleted {
			total = total.Add(s.Amount)
		}
	}
	return total
}

// FindSummary returns the index of the summary with the given payment id,
// or -1 when absent.
func FindSummary(summaries []PaymentSummary, id PaymentID) int {
	for i := range summaries {
		if summaries[i].PaymentID == id {
			return i
		}
	}
	return -1
}

// =============================================================================
// CONTRACT - The negotiated deal
// =============================================================================

// ContractType classifies a contract; it determines whether the derived
// Account is receivable (sale) or payable (purchase).
type ContractType string

const (
	ContractSale     ContractType = "sale"
	ContractPurchase ContractType = "purchase"
)

// Contract owns the total contracted amount and the derived paid/pending
// totals. TotalPaid is always the sum over active payment summaries, and
// TotalPending = TotalAmount - TotalPaid. Pending may go negative on
// overpayment; that is surfaced, not clamped.
type Contract struct {
	ID             ContractID       `json:"id"`
	CounterpartyID CounterpartyID   `json:"counterparty_id"`
	Type           ContractType     `json:"type"`
	Number         int64            `json:"number"`
	FacilityID     string           `json:"facility_id"`
	TotalAmount    decimal.Decimal  `json:"total_amount"`
	TotalPaid      decimal.Decimal  `json:"total_paid"`
	TotalPending   decimal.Decimal  `json:"total_pending"`
	Payments       []PaymentSummary `json:"payments"`
	Deleted        bool             `json:"deleted"`
	Changelog      []AuditEntry     `json:"changelog,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	Version        int64            `json:"version"`
}

// Resum recomputes TotalPaid and TotalPending from the summary list.
func (c *Contract) Resum() {
	c.TotalPaid = SumActive(c.Payments)
	c.TotalPending = c.TotalAmount.Sub(c.TotalPaid)
}

// =============================================================================
// ACCOUNT - 1:1 ledger view of a Contract
// =============================================================================

// AccountKind classifies the ledger side.
type AccountKind string

const (
	AccountReceivable AccountKind = "receivable"
	AccountPayable    AccountKind = "payable"
)

// Account is the payable/receivable ledger derived from exactly one
// Contract. It keeps its own copy of the payment summaries so the ledger
// view can diverge in presentation, but its totals must always equal the
// Contract's.
type Account struct {
	ID             AccountID        `json:"id"`
	ContractID     ContractID       `json:"contract_id"`
	CounterpartyID CounterpartyID   `json:"counterparty_id"`
	Kind           AccountKind      `json:"kind"`
	TotalAmount    decimal.Decimal  `json:"total_amount"`
	TotalPaid      decimal.Decimal  `json:"total_paid"`
	PendingBalance decimal.Decimal  `json:"pending_balance"`
	Payments       []PaymentSummary `json:"payments"`
	Deleted        bool             `json:"deleted"`
	Changelog      []AuditEntry     `json:"changelog,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	Version        int64            `json:"version"`
}

// Resum recomputes TotalPaid and PendingBalance from the summary list.
func (a *Account) Resum() {
	a.TotalPaid = SumActive(a.Payments)
	a.PendingBalance = a.TotalAmount.Sub(a.TotalPaid)
}

// KindForContract maps a contract type to its ledger side.
func KindForContract(t ContractType) AccountKind {
	if t == ContractSale {
		return AccountReceivable
	}
	return AccountPayable
}
