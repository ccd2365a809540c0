package sqlite_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/bunkerledger/ledger"
	"github.com/meridian/bunkerledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedContract(t *testing.T, s *sqlite.Store, total int64) *ledger.Contract {
	t.Helper()
	c := &ledger.Contract{
		ID:             ledger.ContractID(uuid.NewString()),
		CounterpartyID: "cp-1",
		Type:           ledger.ContractSale,
		Number:         1000,
		TotalAmount:    decimal.NewFromInt(total),
		TotalPending:   decimal.NewFromInt(total),
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	require.NoError(t, s.PutContract(context.Background(), c, 0))
	return c
}

func seedAccount(t *testing.T, s *sqlite.Store, c *ledger.Contract) *ledger.Account {
	t.Helper()
	a := &ledger.Account{
		ID:             ledger.AccountID(uuid.NewString()),
		ContractID:     c.ID,
		CounterpartyID: c.CounterpartyID,
		Kind:           ledger.AccountReceivable,
		TotalAmount:    c.TotalAmount,
		PendingBalance: c.TotalAmount,
	}
	require.NoError(t, s.PutAccount(context.Background(), a, 0))
	return a
}

func testPayment(contractID ledger.ContractID) *ledger.Payment {
	return &ledger.Payment{
		ID:         ledger.PaymentID(uuid.NewString()),
		ContractID: contractID,
		Amount:     decimal.NewFromInt(2000),
		Date:       time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
		Kind:       ledger.OpCash,
		Reference:  "INV-1001",
		CreatedBy:  "tester",
	}
}

// =============================================================================
// DOCUMENT ROUND TRIPS
// =============================================================================

func TestStore_ContractRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := seedContract(t, s, 10000)

	got, err := s.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.True(t, got.TotalAmount.Equal(decimal.NewFromInt(10000)))
	assert.Equal(t, int64(1), got.Version)
}

func TestStore_NotFoundSentinels(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetPayment(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrPaymentNotFound)
	_, err = s.GetContract(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrContractNotFound)
	_, err = s.GetAccountByContract(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestStore_AccountUniquePerContract(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := seedContract(t, s, 10000)
	seedAccount(t, s, c)

	dup := &ledger.Account{
		ID:         ledger.AccountID(uuid.NewString()),
		ContractID: c.ID,
		Kind:       ledger.AccountReceivable,
	}
	err := s.PutAccount(ctx, dup, 0)
	assert.ErrorIs(t, err, ledger.ErrAccountExists)
}

// =============================================================================
// OPTIMISTIC CONCURRENCY
// =============================================================================

func TestStore_VersionMismatch_Conflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := seedContract(t, s, 10000)

	stale := *c
	require.NoError(t, s.PutContract(ctx, c, 1)) // advances to v2

	err := s.PutContract(ctx, &stale, 1) // still expects v1
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
}

func TestStore_LedgerWrite_AllOrNothing(t *testing.T) {
	// A version conflict on the account must roll back the payment insert.
	ctx := context.Background()
	s := newTestStore(t)
	c := seedContract(t, s, 10000)
	a := seedAccount(t, s, c)

	p := testPayment(c.ID)
	err := s.ApplyLedgerWrite(ctx, ledger.LedgerWrite{
		Payment:         p,
		PaymentVersion:  0,
		Contract:        c,
		ContractVersion: c.Version,
		Account:         a,
		AccountVersion:  a.Version + 7, // wrong on purpose
	})
	require.ErrorIs(t, err, ledger.ErrConcurrentModification)

	_, err = s.GetPayment(ctx, p.ID)
	assert.ErrorIs(t, err, ledger.ErrPaymentNotFound, "payment write must be rolled back")

	got, err := s.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version, "contract write must be rolled back")
}

func TestStore_LedgerWrite_CommitsAllThree(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	c := seedContract(t, s, 10000)
	a := seedAccount(t, s, c)

	p := testPayment(c.ID)
	c.Payments = append(c.Payments, p.Summary())
	c.Resum()
	a.Payments = append(a.Payments, p.Summary())
	a.Resum()

	require.NoError(t, s.ApplyLedgerWrite(ctx, ledger.LedgerWrite{
		Payment:         p,
		PaymentVersion:  0,
		Contract:        c,
		ContractVersion: 1,
		Account:         a,
		AccountVersion:  1,
	}))

	gotP, err := s.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gotP.Version)

	gotC, err := s.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), gotC.Version)
	assert.True(t, gotC.TotalPaid.Equal(decimal.NewFromInt(2000)))

	gotA, err := s.GetAccountByContract(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, gotA.TotalPaid.Equal(gotC.TotalPaid))

	payments, err := s.ListPaymentsByContract(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, p.ID, payments[0].ID)
}

// =============================================================================
// SEQUENCES
// =============================================================================

func TestStore_AllocateNext_StartsAt1000(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	n, err := s.AllocateNext(ctx, "invoice:terminal-7")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)

	n, err = s.AllocateNext(ctx, "invoice:terminal-7")
	require.NoError(t, err)
	assert.Equal(t, int64(1001), n)
}

func TestStore_AllocateNext_ConcurrentDistinct(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const n = 50
	results := make([]int64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			v, err := s.AllocateNext(ctx, "scopeA")
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, v := range results {
		require.Equal(t, ledger.SequenceStart+int64(i), v)
	}
}

func TestStore_AllocateNext_Unavailable(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.AllocateNext(context.Background(), "scopeA")
	assert.ErrorIs(t, err, ledger.ErrStoreUnavailable)
}
