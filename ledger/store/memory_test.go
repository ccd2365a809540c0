package store_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/bunkerledger/ledger"
	"github.com/meridian/bunkerledger/ledger/store"
)

func TestMemory_ReadsAreIsolated(t *testing.T) {
	// Mutating a document returned by the store must not leak into the
	// stored copy.
	ctx := context.Background()
	mem := store.NewMemory()

	c := &ledger.Contract{ID: "c-1", TotalAmount: decimal.NewFromInt(100)}
	require.NoError(t, mem.PutContract(ctx, c, 0))

	got, err := mem.GetContract(ctx, "c-1")
	require.NoError(t, err)
	got.TotalAmount = decimal.NewFromInt(999)
	got.Payments = append(got.Payments, ledger.PaymentSummary{PaymentID: "p-x"})

	fresh, err := mem.GetContract(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, fresh.TotalAmount.Equal(decimal.NewFromInt(100)))
	assert.Empty(t, fresh.Payments)
}

func TestMemory_LedgerWrite_VersionConflictLeavesNothing(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	c := &ledger.Contract{ID: "c-1"}
	require.NoError(t, mem.PutContract(ctx, c, 0))
	a := &ledger.Account{ID: "a-1", ContractID: "c-1"}
	require.NoError(t, mem.PutAccount(ctx, a, 0))

	p := &ledger.Payment{ID: "p-1", ContractID: "c-1"}
	err := mem.ApplyLedgerWrite(ctx, ledger.LedgerWrite{
		Payment:         p,
		PaymentVersion:  0,
		Contract:        c,
		ContractVersion: 1,
		Account:         a,
		AccountVersion:  5, // wrong on purpose
	})
	require.ErrorIs(t, err, ledger.ErrConcurrentModification)

	_, err = mem.GetPayment(ctx, "p-1")
	assert.ErrorIs(t, err, ledger.ErrPaymentNotFound)

	got, err := mem.GetContract(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
}

func TestMemory_CreateExisting_Conflict(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	c := &ledger.Contract{ID: "c-1"}
	require.NoError(t, mem.PutContract(ctx, c, 0))

	dup := &ledger.Contract{ID: "c-1"}
	err := mem.PutContract(ctx, dup, 0)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
}
