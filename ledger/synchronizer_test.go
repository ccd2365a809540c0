package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/bunkerledger/ledger"
	"github.com/meridian/bunkerledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestSync() (*ledger.Synchronizer, *store.Memory) {
	mem := store.NewMemory()
	return ledger.NewSynchronizer(mem, nil, nil), mem
}

// newFundedContract provisions a contract with the given total and its
// ledger account, returning both.
func newFundedContract(t *testing.T, s *ledger.Synchronizer, total float64) (*ledger.Contract, *ledger.Account) {
	t.Helper()
	ctx := context.Background()

	c, err := s.CreateContract(ctx, ledger.CreateContractInput{
		CounterpartyID: "cp-1",
		Type:           ledger.ContractSale,
		FacilityID:     "terminal-7",
		TotalAmount:    dec(total),
		ActorID:        "tester",
	})
	require.NoError(t, err)

	a, err := s.ProvisionAccount(ctx, c.ID, "tester")
	require.NoError(t, err)
	return c, a
}

func dec(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

func createPayment(contractID ledger.ContractID, amount float64) ledger.CreatePaymentInput {
	return ledger.CreatePaymentInput{
		ContractID: contractID,
		Amount:     dec(amount),
		Date:       time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
		Kind:       ledger.OpCash,
		Reference:  "INV-1001",
		ActorID:    "tester",
	}
}

// requireTotals checks the sum-consistency invariant on both documents.
func requireTotals(t *testing.T, mem *store.Memory, contractID ledger.ContractID, paid, pending float64) {
	t.Helper()
	ctx := context.Background()

	c, err := mem.GetContract(ctx, contractID)
	require.NoError(t, err)
	assert.True(t, c.TotalPaid.Equal(dec(paid)),
		"contract total_paid = %s, want %v", c.TotalPaid, paid)
	assert.True(t, c.TotalPending.Equal(dec(pending)),
		"contract total_pending = %s, want %v", c.TotalPending, pending)
	assert.True(t, c.TotalPaid.Equal(ledger.SumActive(c.Payments)),
		"contract total_paid diverged from active summaries")

	a, err := mem.GetAccountByContract(ctx, contractID)
	require.NoError(t, err)
	assert.True(t, a.TotalPaid.Equal(c.TotalPaid), "account total_paid != contract total_paid")
	assert.True(t, a.PendingBalance.Equal(dec(pending)),
		"account pending_balance = %s, want %v", a.PendingBalance, pending)
}

// =============================================================================
// END-TO-END SCENARIO
// =============================================================================

func TestSynchronizer_CreateAmendReverse_Scenario(t *testing.T) {
	// GIVEN: Contract with totalAmount=10000
	// WHEN:  Create 2000 cash, amend to 3000, then reverse
	// THEN:  Totals track 2000/8000, 3000/7000, 0/10000 on both documents

	ctx := context.Background()
	s, mem := newTestSync()
	c, _ := newFundedContract(t, s, 10000)

	p, err := s.CreatePayment(ctx, createPayment(c.ID, 2000))
	require.NoError(t, err)
	requireTotals(t, mem, c.ID, 2000, 8000)

	amount := dec(3000)
	_, err = s.AmendPayment(ctx, p.ID, ledger.AmendPaymentInput{Amount: &amount, ActorID: "tester"})
	require.NoError(t, err)
	requireTotals(t, mem, c.ID, 3000, 7000)

	_, err = s.ReversePayment(ctx, p.ID, "tester")
	require.NoError(t, err)
	requireTotals(t, mem, c.ID, 0, 10000)
}

func TestSynchronizer_Amend_NoDoubleCount(t *testing.T) {
	// Amending 2000 -> 3000 must yield 3000, not 5000 (double count) and
	// not 2000 (stale overwrite).
	ctx := context.Background()
	s, mem := newTestSync()
	c, _ := newFundedContract(t, s, 10000)

	p, err := s.CreatePayment(ctx, createPayment(c.ID, 2000))
	require.NoError(t, err)

	amount := dec(3000)
	_, err = s.AmendPayment(ctx, p.ID, ledger.AmendPaymentInput{Amount: &amount, ActorID: "tester"})
	require.NoError(t, err)
	requireTotals(t, mem, c.ID, 3000, 7000)
}

func TestSynchronizer_RoundTrip_RestoresExactTotals(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestSync()
	c, _ := newFundedContract(t, s, 10000)

	before, err := mem.GetContract(ctx, c.ID)
	require.NoError(t, err)

	p, err := s.CreatePayment(ctx, createPayment(c.ID, 2000))
	require.NoError(t, err)
	_, err = s.ReversePayment(ctx, p.ID, "tester")
	require.NoError(t, err)

	after, err := mem.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, after.TotalPaid.Equal(before.TotalPaid))
	assert.True(t, after.TotalPending.Equal(before.TotalPending))
}

// =============================================================================
// REVERSAL
// =============================================================================

func TestSynchronizer_Reverse_Idempotent(t *testing.T) {
	// Reversing twice must not double-subtract and must not error.
	ctx := context.Background()
	s, mem := newTestSync()
	c, _ := newFundedContract(t, s, 10000)

	p, err := s.CreatePayment(ctx, createPayment(c.ID, 2000))
	require.NoError(t, err)

	first, err := s.ReversePayment(ctx, p.ID, "tester")
	require.NoError(t, err)
	assert.True(t, first.Deleted)

	second, err := s.ReversePayment(ctx, p.ID, "tester")
	require.NoError(t, err)
	assert.True(t, second.Deleted)
	assert.Equal(t, first.Version, second.Version, "idempotent reversal must not write")

	requireTotals(t, mem, c.ID, 0, 10000)
}

func TestSynchronizer_AmendReversed_Rejected(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSync()
	c, _ := newFundedContract(t, s, 10000)

	p, err := s.CreatePayment(ctx, createPayment(c.ID, 2000))
	require.NoError(t, err)
	_, err = s.ReversePayment(ctx, p.ID, "tester")
	require.NoError(t, err)

	amount := dec(500)
	_, err = s.AmendPayment(ctx, p.ID, ledger.AmendPaymentInput{Amount: &amount, ActorID: "tester"})
	require.ErrorIs(t, err, ledger.ErrPaymentReversed)
	assert.True(t, ledger.IsStateConflict(err))
}

// =============================================================================
// MISSING DOCUMENTS
// =============================================================================

func TestSynchronizer_Create_MissingAccount_NoSideEffects(t *testing.T) {
	// A contract without a provisioned account takes no payments, and the
	// failed attempt must leave nothing behind.
	ctx := context.Background()
	s, mem := newTestSync()

	c, err := s.CreateContract(ctx, ledger.CreateContractInput{
		CounterpartyID: "cp-1",
		Type:           ledger.ContractPurchase,
		TotalAmount:    dec(10000),
		ActorID:        "tester",
	})
	require.NoError(t, err)

	_, err = s.CreatePayment(ctx, createPayment(c.ID, 2000))
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)

	payments, err := mem.ListPaymentsByContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, payments, "no payment may be persisted")

	unchanged, err := mem.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, unchanged.Payments)
	assert.True(t, unchanged.TotalPaid.IsZero())
}

func TestSynchronizer_Create_UnknownContract(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSync()

	_, err := s.CreatePayment(ctx, createPayment("no-such-contract", 100))
	require.ErrorIs(t, err, ledger.ErrContractNotFound)
}

func TestSynchronizer_Amend_UnknownPayment(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSync()

	amount := dec(1)
	_, err := s.AmendPayment(ctx, "no-such-payment", ledger.AmendPaymentInput{Amount: &amount, ActorID: "tester"})
	require.ErrorIs(t, err, ledger.ErrPaymentNotFound)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestSynchronizer_Create_Validation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSync()
	c, _ := newFundedContract(t, s, 10000)

	cases := []struct {
		name   string
		mutate func(*ledger.CreatePaymentInput)
	}{
		{"negative amount", func(in *ledger.CreatePaymentInput) { in.Amount = dec(-1) }},
		{"unknown kind", func(in *ledger.CreatePaymentInput) { in.Kind = "barter" }},
		{"reference too short", func(in *ledger.CreatePaymentInput) { in.Reference = "ab" }},
		{"reference too long", func(in *ledger.CreatePaymentInput) {
			long := make([]byte, 101)
			for i := range long {
				long[i] = 'x'
			}
			in.Reference = string(long)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := createPayment(c.ID, 100)
			tc.mutate(&in)
			_, err := s.CreatePayment(ctx, in)
			assert.True(t, ledger.IsValidation(err), "want validation error, got %v", err)
		})
	}
}

func TestSynchronizer_Overpayment_Allowed(t *testing.T) {
	// Pending goes negative on overpayment; it is surfaced, not clamped.
	ctx := context.Background()
	s, mem := newTestSync()
	c, _ := newFundedContract(t, s, 1000)

	_, err := s.CreatePayment(ctx, createPayment(c.ID, 1500))
	require.NoError(t, err)
	requireTotals(t, mem, c.ID, 1500, -500)
}

// =============================================================================
// MULTIPLE PAYMENTS
// =============================================================================

func TestSynchronizer_MultiplePayments_SumConsistency(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestSync()
	c, _ := newFundedContract(t, s, 10000)

	var ids []ledger.PaymentID
	for _, amount := range []float64{1000, 2500, 500} {
		p, err := s.CreatePayment(ctx, createPayment(c.ID, amount))
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	requireTotals(t, mem, c.ID, 4000, 6000)

	// Two field-identical payments: reversing one must only remove one.
	_, err := s.CreatePayment(ctx, createPayment(c.ID, 500))
	require.NoError(t, err)
	requireTotals(t, mem, c.ID, 4500, 5500)

	_, err = s.ReversePayment(ctx, ids[2], "tester")
	require.NoError(t, err)
	requireTotals(t, mem, c.ID, 4000, 6000)
}

// =============================================================================
// ACCOUNT PROVISIONING
// =============================================================================

func TestSynchronizer_ProvisionAccount_Classification(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSync()

	sale, err := s.CreateContract(ctx, ledger.CreateContractInput{
		CounterpartyID: "cp-1", Type: ledger.ContractSale, TotalAmount: dec(100), ActorID: "tester",
	})
	require.NoError(t, err)
	purchase, err := s.CreateContract(ctx, ledger.CreateContractInput{
		CounterpartyID: "cp-1", Type: ledger.ContractPurchase, TotalAmount: dec(100), ActorID: "tester",
	})
	require.NoError(t, err)

	recv, err := s.ProvisionAccount(ctx, sale.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, ledger.AccountReceivable, recv.Kind)

	pay, err := s.ProvisionAccount(ctx, purchase.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, ledger.AccountPayable, pay.Kind)
}

func TestSynchronizer_ProvisionAccount_Twice_Rejected(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSync()
	c, _ := newFundedContract(t, s, 10000)

	_, err := s.ProvisionAccount(ctx, c.ID, "tester")
	require.ErrorIs(t, err, ledger.ErrAccountExists)
}

func TestSynchronizer_RetireContract_Lockstep(t *testing.T) {
	// Retiring a contract soft-deletes its account in the same commit, and
	// the contract then takes no further payments.
	ctx := context.Background()
	s, mem := newTestSync()
	c, _ := newFundedContract(t, s, 10000)

	retired, err := s.RetireContract(ctx, c.ID, "tester")
	require.NoError(t, err)
	assert.True(t, retired.Deleted)

	a, err := mem.GetAccountByContract(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, a.Deleted, "account must retire in lockstep")

	_, err = s.CreatePayment(ctx, createPayment(c.ID, 100))
	require.ErrorIs(t, err, ledger.ErrContractNotFound)

	// Idempotent: retiring again does not write.
	again, err := s.RetireContract(ctx, c.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, retired.Version, again.Version)
}

// =============================================================================
// CHANGELOG
// =============================================================================

func TestSynchronizer_GetPayment_ChangelogNewestFirst(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSync()
	c, _ := newFundedContract(t, s, 10000)

	p, err := s.CreatePayment(ctx, createPayment(c.ID, 2000))
	require.NoError(t, err)

	for _, amount := range []float64{2100, 2200, 2300} {
		a := dec(amount)
		_, err = s.AmendPayment(ctx, p.ID, ledger.AmendPaymentInput{Amount: &a, ActorID: "tester"})
		require.NoError(t, err)
	}

	view, err := s.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	log := view.Payment.Changelog
	require.Len(t, log, 4) // creation + three amendments
	for i := 1; i < len(log); i++ {
		assert.False(t, log[i-1].At.Before(log[i].At), "changelog must be newest-first")
	}
	// The most recent entry is the last amendment.
	assert.Equal(t, "2300", log[0].Changes["amount"].To)
}

func TestSynchronizer_Amend_NoChanges_NoAudit(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSync()
	c, _ := newFundedContract(t, s, 10000)

	p, err := s.CreatePayment(ctx, createPayment(c.ID, 2000))
	require.NoError(t, err)

	same := dec(2000)
	amended, err := s.AmendPayment(ctx, p.ID, ledger.AmendPaymentInput{Amount: &same, ActorID: "tester"})
	require.NoError(t, err)
	assert.Len(t, amended.Changelog, 1, "no-op amendment must not append an audit entry")
	assert.Equal(t, p.Version, amended.Version, "no-op amendment must not write")
}

// =============================================================================
// CONFLICT RETRY
// =============================================================================

// flakyStore injects optimistic conflicts into the first n ledger commits.
type flakyStore struct {
	*store.Memory
	conflicts int
}

func (f *flakyStore) ApplyLedgerWrite(ctx context.Context, w ledger.LedgerWrite) error {
	if f.conflicts > 0 {
		f.conflicts--
		return &ledger.ConflictError{Doc: "contract", ID: "injected"}
	}
	return f.Memory.ApplyLedgerWrite(ctx, w)
}

func TestSynchronizer_RetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	flaky := &flakyStore{Memory: mem, conflicts: 2}
	s := ledger.NewSynchronizer(flaky, nil, nil)
	c, _ := newFundedContract(t, s, 10000)

	p, err := s.CreatePayment(ctx, createPayment(c.ID, 2000))
	require.NoError(t, err, "two conflicts are within the retry budget")
	requireTotals(t, mem, c.ID, 2000, 8000)

	// The retried create must not have minted a second payment.
	payments, err := mem.ListPaymentsByContract(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, p.ID, payments[0].ID)
}

func TestSynchronizer_SurfacesConflictAfterRetryBudget(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	flaky := &flakyStore{Memory: mem, conflicts: 100}
	s := ledger.NewSynchronizer(flaky, nil, nil)
	c, _ := newFundedContract(t, s, 10000)

	_, err := s.CreatePayment(ctx, createPayment(c.ID, 2000))
	require.Error(t, err)
	assert.True(t, ledger.IsRetryable(err))
	assert.True(t, errors.Is(err, ledger.ErrConcurrentModification))
}
