/*
synchronizer.go - Payment lifecycle orchestration

PURPOSE:
  The Synchronizer is the single entry point for payment lifecycle events.
  On create, amend, and reverse it persists the Payment as source of truth,
  mirrors the change into the denormalized summaries on the owning Contract
  and its Account, and recomputes both documents' aggregate totals.

STATE MACHINE (per payment):
  Active --amend--> Active (any number of times)
  Active --reverse--> Reversed (terminal, idempotent)
  Amending a Reversed payment is a state violation, not a no-op.

WHY FULL RECOMPUTE:
  Totals are always resummed from the set of non-deleted summaries, never
  incremented. Replaying an event, or retrying after a crash, converges to
  the correct aggregate instead of compounding an error.

WHY ID-BASED MATCHING:
  Summaries are located by the payment's own id. Matching by field values
  breaks the moment a matched field is the one being amended, or when two
  payments are field-identical.

CONCURRENCY:
  Payment, Contract, and Account each carry a version counter. The whole
  three-document write is conditioned on the versions read at the start of
  the operation and committed atomically by the store. On conflict the
  operation is re-read and re-applied, with bounded attempts and
  exponential backoff, before surfacing a retryable conflict.

EVENTS:
  After a successful commit the Synchronizer notifies the event sink.
  Publishing is best-effort; failures are logged and never surfaced.

SEE ALSO:
  - store.go: ApplyLedgerWrite contract
  - reconcile.go: Heals drift from partial failures
  - audit.go: Changelog recording
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian/bunkerledger/events"
)

// =============================================================================
// SYNCHRONIZER
// =============================================================================

const (
	defaultMaxRetries = 3
	defaultBackoff    = 25 * time.Millisecond
)

// Synchronizer keeps Contract and Account aggregates derivable from the set
// of active Payments.
type Synchronizer struct {
	store      Store
	alloc      *Allocator
	events     events.Publisher
	log        *zap.Logger
	maxRetries int
	backoff    time.Duration
}

// NewSynchronizer wires a synchronizer. pub and log may be nil; a no-op
// publisher and logger are substituted.
func NewSynchronizer(store Store, pub events.Publisher, log *zap.Logger) *Synchronizer {
	if pub == nil {
		pub = events.Noop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Synchronizer{
		store:      store,
		alloc:      NewAllocator(store),
		events:     pub,
		log:        log,
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
	}
}

// Allocator exposes the sequence allocator sharing this synchronizer's store.
func (s *Synchronizer) Allocator() *Allocator { return s.alloc }

// =============================================================================
// INPUTS AND VIEWS
// =============================================================================

// CreatePaymentInput carries everything needed to record a payment.
type CreatePaymentInput struct {
	ContractID ContractID
	Amount     decimal.Decimal
	Date       time.Time
	Kind       OperationKind
	Reference  string
	ActorID    string
}

// AmendPaymentInput carries the fields being changed. Nil means unchanged.
type AmendPaymentInput struct {
	Amount    *decimal.Decimal
	Date      *time.Time
	Kind      *OperationKind
	Reference *string
	ActorID   string
}

// PaymentView is a payment with a resolved snapshot of its contract and
// account, returned by GetPayment.
type PaymentView struct {
	Payment  *Payment
	Contract *Contract
	Account  *Account
}

// CreateContractInput provisions a new contract.
type CreateContractInput struct {
	CounterpartyID CounterpartyID
	Type           ContractType
	FacilityID     string
	TotalAmount    decimal.Decimal
	ActorID        string
}

// =============================================================================
// CREATE
// =============================================================================

// CreatePayment records a new payment against a contract. The contract must
// be active and its account already provisioned; otherwise nothing is
// written.
func (s *Synchronizer) CreatePayment(ctx context.Context, in CreatePaymentInput) (*Payment, error) {
	if err := validatePayment(in.Amount, in.Kind, in.Reference); err != nil {
		return nil, err
	}

	// One id across retries so a conflict replay cannot mint a second
	// payment for the same request.
	id := PaymentID(uuid.NewString())

	var created *Payment
	err := s.withRetry(ctx, "create payment", func(ctx context.Context) error {
		contract, err := s.store.GetContract(ctx, in.ContractID)
		if err != nil {
			return err
		}
		if contract.Deleted {
			return ErrContractNotFound
		}
		account, err := s.store.GetAccountByContract(ctx, in.ContractID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		p := &Payment{
			ID:         id,
			ContractID: in.ContractID,
			Amount:     in.Amount,
			Date:       in.Date,
			Kind:       in.Kind,
			Reference:  in.Reference,
			CreatedBy:  in.ActorID,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if entry, ok := RecordChange(nil, p, in.ActorID); ok {
			p.Changelog = append(p.Changelog, entry)
		}

		contractVersion := contract.Version
		accountVersion := account.Version

		contractBefore := *contract
		contract.Payments = append(contract.Payments, p.Summary())
		contract.Resum()
		contract.UpdatedAt = now
		if entry, ok := RecordChange(&contractBefore, contract, in.ActorID); ok {
			contract.Changelog = append(contract.Changelog, entry)
		}

		accountBefore := *account
		account.Payments = append(account.Payments, p.Summary())
		account.Resum()
		account.UpdatedAt = now
		if entry, ok := RecordChange(&accountBefore, account, in.ActorID); ok {
			account.Changelog = append(account.Changelog, entry)
		}

		if err := s.store.ApplyLedgerWrite(ctx, LedgerWrite{
			Payment:         p,
			PaymentVersion:  0,
			Contract:        contract,
			ContractVersion: contractVersion,
			Account:         account,
			AccountVersion:  accountVersion,
		}); err != nil {
			return err
		}
		created = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, events.PaymentCreated, created, in.ActorID)
	return created, nil
}

// =============================================================================
// AMEND
// =============================================================================

// AmendPayment changes amount, date, kind, or reference of an active
// payment. Amending a reversed payment is rejected. When nothing actually
// changes, the payment is returned untouched and no write occurs.
func (s *Synchronizer) AmendPayment(ctx context.Context, id PaymentID, in AmendPaymentInput) (*Payment, error) {
	if in.Amount != nil && in.Amount.IsNegative() {
		return nil, &ValidationError{Field: "amount", Message: "must not be negative"}
	}
	if in.Kind != nil && !ValidKind(*in.Kind) {
		return nil, &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown operation kind %q", *in.Kind)}
	}
	if in.Reference != nil {
		if err := validateReference(*in.Reference); err != nil {
			return nil, err
		}
	}

	var amended *Payment
	var wrote bool
	err := s.withRetry(ctx, "amend payment", func(ctx context.Context) error {
		p, err := s.store.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		if p.Deleted {
			return ErrPaymentReversed
		}

		before := *p
		if in.Amount != nil {
			p.Amount = *in.Amount
		}
		if in.Date != nil {
			p.Date = *in.Date
		}
		if in.Kind != nil {
			p.Kind = *in.Kind
		}
		if in.Reference != nil {
			p.Reference = *in.Reference
		}

		entry, changed := RecordChange(&before, p, in.ActorID)
		if !changed {
			amended = p
			return nil
		}
		now := time.Now().UTC()
		p.UpdatedAt = now
		p.Changelog = append(p.Changelog, entry)

		contract, account, versions, err := s.loadPair(ctx, p.ContractID)
		if err != nil {
			return err
		}

		contractBefore := *contract
		upsertSummary(&contract.Payments, p.Summary())
		contract.Resum()
		contract.UpdatedAt = now
		if e, ok := RecordChange(&contractBefore, contract, in.ActorID); ok {
			contract.Changelog = append(contract.Changelog, e)
		}

		accountBefore := *account
		upsertSummary(&account.Payments, p.Summary())
		account.Resum()
		account.UpdatedAt = now
		if e, ok := RecordChange(&accountBefore, account, in.ActorID); ok {
			account.Changelog = append(account.Changelog, e)
		}

		if err := s.store.ApplyLedgerWrite(ctx, LedgerWrite{
			Payment:         p,
			PaymentVersion:  before.Version,
			Contract:        contract,
			ContractVersion: versions.contract,
			Account:         account,
			AccountVersion:  versions.account,
		}); err != nil {
			return err
		}
		amended, wrote = p, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if wrote {
		s.notify(ctx, events.PaymentAmended, amended, in.ActorID)
	}
	return amended, nil
}

// =============================================================================
// REVERSE
// =============================================================================

// ReversePayment soft-deletes a payment and removes it from both aggregate
// views. Reversing an already reversed payment is an idempotent no-op that
// returns the current state.
func (s *Synchronizer) ReversePayment(ctx context.Context, id PaymentID, actorID string) (*Payment, error) {
	var reversed *Payment
	var noop bool
	err := s.withRetry(ctx, "reverse payment", func(ctx context.Context) error {
		p, err := s.store.GetPayment(ctx, id)
		if err != nil {
			return err
		}
		if p.Deleted {
			reversed, noop = p, true
			return nil
		}

		before := *p
		now := time.Now().UTC()
		p.Deleted = true
		p.UpdatedAt = now
		if entry, ok := RecordChange(&before, p, actorID); ok {
			p.Changelog = append(p.Changelog, entry)
		}

		contract, account, versions, err := s.loadPair(ctx, p.ContractID)
		if err != nil {
			return err
		}

		contractBefore := *contract
		upsertSummary(&contract.Payments, p.Summary())
		contract.Resum()
		contract.UpdatedAt = now
		if e, ok := RecordChange(&contractBefore, contract, actorID); ok {
			contract.Changelog = append(contract.Changelog, e)
		}

		accountBefore := *account
		upsertSummary(&account.Payments, p.Summary())
		account.Resum()
		account.UpdatedAt = now
		if e, ok := RecordChange(&accountBefore, account, actorID); ok {
			account.Changelog = append(account.Changelog, e)
		}

		if err := s.store.ApplyLedgerWrite(ctx, LedgerWrite{
			Payment:         p,
			PaymentVersion:  before.Version,
			Contract:        contract,
			ContractVersion: versions.contract,
			Account:         account,
			AccountVersion:  versions.account,
		}); err != nil {
			return err
		}
		reversed = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !noop {
		s.notify(ctx, events.PaymentReversed, reversed, actorID)
	}
	return reversed, nil
}

// =============================================================================
// READ
// =============================================================================

// GetPayment returns the payment with its changelog newest-first plus a
// snapshot of the owning contract and account.
func (s *Synchronizer) GetPayment(ctx context.Context, id PaymentID) (*PaymentView, error) {
	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	SortChangelog(p.Changelog)

	contract, err := s.store.GetContract(ctx, p.ContractID)
	if err != nil {
		return nil, err
	}
	account, err := s.store.GetAccountByContract(ctx, p.ContractID)
	if err != nil {
		return nil, err
	}
	return &PaymentView{Payment: p, Contract: contract, Account: account}, nil
}

// =============================================================================
// CONTRACT AND ACCOUNT PROVISIONING
// =============================================================================

// CreateContract provisions a contract and mints its document number from
// the contract counter scoped to the owning facility.
func (s *Synchronizer) CreateContract(ctx context.Context, in CreateContractInput) (*Contract, error) {
	if in.TotalAmount.IsNegative() {
		return nil, &ValidationError{Field: "total_amount", Message: "must not be negative"}
	}
	if in.Type != ContractSale && in.Type != ContractPurchase {
		return nil, &ValidationError{Field: "type", Message: fmt.Sprintf("unknown contract type %q", in.Type)}
	}

	number, err := s.alloc.Next(ctx, ScopeKey(ScopeContract, in.FacilityID))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c := &Contract{
		ID:             ContractID(uuid.NewString()),
		CounterpartyID: in.CounterpartyID,
		Type:           in.Type,
		Number:         number,
		FacilityID:     in.FacilityID,
		TotalAmount:    in.TotalAmount,
		TotalPending:   in.TotalAmount,
		TotalPaid:      decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if entry, ok := RecordChange(nil, c, in.ActorID); ok {
		c.Changelog = append(c.Changelog, entry)
	}
	if err := s.store.PutContract(ctx, c, 0); err != nil {
		return nil, err
	}
	return c, nil
}

// ProvisionAccount creates the single ledger account for a contract,
// classified receivable for sales and payable for purchases. A second
// provisioning attempt fails with ErrAccountExists.
func (s *Synchronizer) ProvisionAccount(ctx context.Context, contractID ContractID, actorID string) (*Account, error) {
	contract, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if contract.Deleted {
		return nil, ErrContractNotFound
	}

	now := time.Now().UTC()
	a := &Account{
		ID:             AccountID(uuid.NewString()),
		ContractID:     contract.ID,
		CounterpartyID: contract.CounterpartyID,
		Kind:           KindForContract(contract.Type),
		TotalAmount:    contract.TotalAmount,
		TotalPaid:      decimal.Zero,
		PendingBalance: contract.TotalAmount,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if entry, ok := RecordChange(nil, a, actorID); ok {
		a.Changelog = append(a.Changelog, entry)
	}
	if err := s.store.PutAccount(ctx, a, 0); err != nil {
		return nil, err
	}
	return a, nil
}

// RetireContract soft-deletes a contract and its account in lockstep.
// Retiring an already retired contract is an idempotent no-op. Payments are
// untouched; history stays readable.
func (s *Synchronizer) RetireContract(ctx context.Context, id ContractID, actorID string) (*Contract, error) {
	var retired *Contract
	err := s.withRetry(ctx, "retire contract", func(ctx context.Context) error {
		contract, err := s.store.GetContract(ctx, id)
		if err != nil {
			return err
		}
		if contract.Deleted {
			retired = contract
			return nil
		}

		now := time.Now().UTC()
		contractVersion := contract.Version
		contractBefore := *contract
		contract.Deleted = true
		contract.UpdatedAt = now
		if entry, ok := RecordChange(&contractBefore, contract, actorID); ok {
			contract.Changelog = append(contract.Changelog, entry)
		}

		write := LedgerWrite{Contract: contract, ContractVersion: contractVersion}

		account, err := s.store.GetAccountByContract(ctx, id)
		switch {
		case err == nil:
			accountVersion := account.Version
			accountBefore := *account
			account.Deleted = true
			account.UpdatedAt = now
			if entry, ok := RecordChange(&accountBefore, account, actorID); ok {
				account.Changelog = append(account.Changelog, entry)
			}
			write.Account = account
			write.AccountVersion = accountVersion
		case IsNotFound(err):
			// No account provisioned yet; retire the contract alone.
		default:
			return err
		}

		if err := s.store.ApplyLedgerWrite(ctx, write); err != nil {
			return err
		}
		retired = contract
		return nil
	})
	if err != nil {
		return nil, err
	}
	return retired, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

type pairVersions struct {
	contract int64
	account  int64
}

// loadPair loads the contract and its account, capturing the versions the
// subsequent write will be conditioned on. Soft-deleted contracts are still
// returned here: reversals and amendments of their payments must keep the
// aggregates honest.
func (s *Synchronizer) loadPair(ctx context.Context, id ContractID) (*Contract, *Account, pairVersions, error) {
	contract, err := s.store.GetContract(ctx, id)
	if err != nil {
		return nil, nil, pairVersions{}, err
	}
	account, err := s.store.GetAccountByContract(ctx, id)
	if err != nil {
		return nil, nil, pairVersions{}, err
	}
	return contract, account, pairVersions{contract: contract.Version, account: account.Version}, nil
}

// upsertSummary overwrites the summary matching by payment id, appending it
// when absent. The append path self-heals a summary lost to past drift.
func upsertSummary(summaries *[]PaymentSummary, s PaymentSummary) {
	if i := FindSummary(*summaries, s.PaymentID); i >= 0 {
		(*summaries)[i] = s
		return
	}
	*summaries = append(*summaries, s)
}

// withRetry runs fn, retrying on optimistic conflicts with exponential
// backoff. Any other error surfaces immediately.
func (s *Synchronizer) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			delay := s.backoff << (attempt - 1)
			s.log.Debug("retrying after conflict",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = fn(ctx)
		if err == nil || !IsRetryable(err) {
			return err
		}
	}
	s.log.Warn("giving up after conflicts", zap.String("op", op), zap.Int("attempts", s.maxRetries+1))
	return err
}

// notify publishes a lifecycle event. Best-effort only.
func (s *Synchronizer) notify(ctx context.Context, typ string, p *Payment, actorID string) {
	e := events.Event{
		Type:       typ,
		PaymentID:  string(p.ID),
		ContractID: string(p.ContractID),
		Amount:     p.Amount.String(),
		ActorID:    actorID,
		At:         time.Now().UTC(),
	}
	if err := s.events.Publish(ctx, e); err != nil {
		s.log.Warn("event publish failed", zap.String("type", typ), zap.Error(err))
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

func validatePayment(amount decimal.Decimal, kind OperationKind, reference string) error {
	if amount.IsNegative() {
		return &ValidationError{Field: "amount", Message: "must not be negative"}
	}
	if !ValidKind(kind) {
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown operation kind %q", kind)}
	}
	return validateReference(reference)
}

func validateReference(reference string) error {
	if n := len(reference); n < MinReferenceLen || n > MaxReferenceLen {
		return &ValidationError{
			Field:   "reference",
			Message: fmt.Sprintf("length must be between %d and %d characters", MinReferenceLen, MaxReferenceLen),
		}
	}
	return nil
}
