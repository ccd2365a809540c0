/*
handlers.go - HTTP handlers for the ledger service

PURPOSE:
  Exposes the ledger synchronizer, sequence allocator, and reconciler over
  REST. Handles HTTP request/response and JSON serialization, delegating
  all domain decisions to the ledger package.

ENDPOINTS:
  Payments:
    POST   /api/payments               Record a payment
    GET    /api/payments/{id}          Payment + changelog + snapshot
    PATCH  /api/payments/{id}          Amend an active payment
    DELETE /api/payments/{id}          Reverse a payment (idempotent)

  Contracts:
    POST   /api/contracts              Create contract (number is minted)
    GET    /api/contracts/{id}         Contract with changelog
    GET    /api/contracts/{id}/payments  Active payment summaries
    POST   /api/contracts/{id}/account   Provision the 1:1 ledger account
    DELETE /api/contracts/{id}        Retire contract + account in lockstep

  Accounts:
    GET    /api/accounts/{id}          Ledger account view

  Sequences:
    POST   /api/sequences/{scope}      Allocate the next number

  Admin:
    POST   /api/admin/reconcile        Run a reconciliation sweep now

ERROR HANDLING:
  Domain errors map to statuses with machine-readable codes:
  - 400 validation            Rejected before any write
  - 404 not_found             Missing or soft-deleted document
  - 409 state_conflict        Illegal transition (amend reversed, 2nd account)
  - 409 concurrency_conflict  Optimistic race, retryable
  - 503 storage_unavailable   Backing store unreachable

SEE ALSO:
  - dto.go: Request/response shapes
  - server.go: Router and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/meridian/bunkerledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Sync       *ledger.Synchronizer
	Store      ledger.Store
	Reconciler *ledger.Reconciler
	Log        *zap.Logger
}

// NewHandler creates a handler. log may be nil.
func NewHandler(sync *ledger.Synchronizer, store ledger.Store, rec *ledger.Reconciler, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Sync: sync, Store: store, Reconciler: rec, Log: log}
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// CreatePayment records a payment against a contract.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "Invalid request body", err)
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "Invalid date (use RFC 3339 or YYYY-MM-DD)", err)
		return
	}

	p, err := h.Sync.CreatePayment(r.Context(), ledger.CreatePaymentInput{
		ContractID: ledger.ContractID(req.ContractID),
		Amount:     req.Amount,
		Date:       date,
		Kind:       ledger.OperationKind(req.Kind),
		Reference:  req.Reference,
		ActorID:    ActorFromContext(r.Context()),
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(p, false))
}

// GetPayment returns the payment, its changelog newest-first, and the
// resolved contract/account snapshot.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id := ledger.PaymentID(chi.URLParam(r, "id"))
	view, err := h.Sync.GetPayment(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PaymentDetailDTO{
		Payment:  toPaymentDTO(view.Payment, true),
		Contract: toContractDTO(view.Contract, false),
		Account:  toAccountDTO(view.Account),
	})
}

// AmendPayment changes fields of an active payment.
func (h *Handler) AmendPayment(w http.ResponseWriter, r *http.Request) {
	id := ledger.PaymentID(chi.URLParam(r, "id"))
	var req AmendPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "Invalid request body", err)
		return
	}

	in := ledger.AmendPaymentInput{
		Amount:    req.Amount,
		Reference: req.Reference,
		ActorID:   ActorFromContext(r.Context()),
	}
	if req.Kind != nil {
		kind := ledger.OperationKind(*req.Kind)
		in.Kind = &kind
	}
	if req.Date != nil {
		date, err := parseDate(*req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation", "Invalid date (use RFC 3339 or YYYY-MM-DD)", err)
			return
		}
		in.Date = &date
	}

	p, err := h.Sync.AmendPayment(r.Context(), id, in)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(p, false))
}

// ReversePayment reverses a payment. Reversing twice is a no-op.
func (h *Handler) ReversePayment(w http.ResponseWriter, r *http.Request) {
	id := ledger.PaymentID(chi.URLParam(r, "id"))
	p, err := h.Sync.ReversePayment(r.Context(), id, ActorFromContext(r.Context()))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(p, false))
}

// =============================================================================
// CONTRACT HANDLERS
// =============================================================================

// CreateContract provisions a contract; its document number comes from the
// per-facility contract counter.
func (h *Handler) CreateContract(w http.ResponseWriter, r *http.Request) {
	var req CreateContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "Invalid request body", err)
		return
	}
	c, err := h.Sync.CreateContract(r.Context(), ledger.CreateContractInput{
		CounterpartyID: ledger.CounterpartyID(req.CounterpartyID),
		Type:           ledger.ContractType(req.Type),
		FacilityID:     req.FacilityID,
		TotalAmount:    req.TotalAmount,
		ActorID:        ActorFromContext(r.Context()),
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toContractDTO(c, false))
}

// GetContract returns the contract with its changelog newest-first.
func (h *Handler) GetContract(w http.ResponseWriter, r *http.Request) {
	id := ledger.ContractID(chi.URLParam(r, "id"))
	c, err := h.Store.GetContract(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(c, true))
}

// GetContractPayments returns the active payment summaries.
func (h *Handler) GetContractPayments(w http.ResponseWriter, r *http.Request) {
	id := ledger.ContractID(chi.URLParam(r, "id"))
	c, err := h.Store.GetContract(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTOs(c.Payments, true))
}

// ProvisionAccount creates the single ledger account for a contract.
func (h *Handler) ProvisionAccount(w http.ResponseWriter, r *http.Request) {
	id := ledger.ContractID(chi.URLParam(r, "id"))
	a, err := h.Sync.ProvisionAccount(r.Context(), id, ActorFromContext(r.Context()))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(a))
}

// RetireContract soft-deletes the contract and its account together.
func (h *Handler) RetireContract(w http.ResponseWriter, r *http.Request) {
	id := ledger.ContractID(chi.URLParam(r, "id"))
	c, err := h.Sync.RetireContract(r.Context(), id, ActorFromContext(r.Context()))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractDTO(c, false))
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// GetAccount returns the ledger account view.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))
	a, err := h.Store.GetAccount(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(a))
}

// =============================================================================
// SEQUENCE HANDLERS
// =============================================================================

// AllocateSequence mints the next number for a scope.
func (h *Handler) AllocateSequence(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	value, err := h.Sync.Allocator().Next(r.Context(), scope)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AllocationDTO{Scope: scope, Value: value})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Reconcile runs an on-demand reconciliation sweep.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reconciler.ReconcileAll(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// HELPERS
// =============================================================================

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}

func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case ledger.IsValidation(err):
		writeError(w, http.StatusBadRequest, "validation", "Invalid input", err)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "Document not found", err)
	case ledger.IsStateConflict(err):
		writeError(w, http.StatusConflict, "state_conflict", "Operation not allowed in current state", err)
	case ledger.IsRetryable(err):
		writeError(w, http.StatusConflict, "concurrency_conflict", "Concurrent modification, retry the request", err)
	case errors.Is(err, ledger.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "Storage unavailable", err)
	default:
		h.Log.Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "Internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
