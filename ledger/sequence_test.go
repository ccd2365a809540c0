package ledger_test

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/bunkerledger/ledger"
	"github.com/meridian/bunkerledger/ledger/store"
)

func TestAllocator_FreshScope_StartsAt1000(t *testing.T) {
	ctx := context.Background()
	alloc := ledger.NewAllocator(store.NewMemory())

	n, err := alloc.Next(ctx, ledger.ScopeKey(ledger.ScopeInvoice, "terminal-7"))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)
}

func TestAllocator_StrictlyIncreasing(t *testing.T) {
	ctx := context.Background()
	alloc := ledger.NewAllocator(store.NewMemory())

	prev := int64(0)
	for i := 0; i < 50; i++ {
		n, err := alloc.Next(ctx, "scopeA")
		require.NoError(t, err)
		assert.Greater(t, n, prev)
		prev = n
	}
	assert.Equal(t, int64(1049), prev)
}

func TestAllocator_ScopesAreIndependent(t *testing.T) {
	ctx := context.Background()
	alloc := ledger.NewAllocator(store.NewMemory())

	a, err := alloc.Next(ctx, ledger.ScopeKey(ledger.ScopeQualityCheck, "terminal-7"))
	require.NoError(t, err)
	b, err := alloc.Next(ctx, ledger.ScopeKey(ledger.ScopeQualityCheck, "terminal-9"))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), a)
	assert.Equal(t, int64(1000), b, "same kind at another facility numbers independently")
}

func TestAllocator_EmptyScope_Rejected(t *testing.T) {
	ctx := context.Background()
	alloc := ledger.NewAllocator(store.NewMemory())

	_, err := alloc.Next(ctx, "")
	assert.True(t, ledger.IsValidation(err))
}

func TestAllocator_ConcurrentCallers_DistinctContiguousRun(t *testing.T) {
	// N concurrent allocations on one scope must return N distinct values
	// forming a contiguous run from the prior high-water mark + 1.
	ctx := context.Background()
	alloc := ledger.NewAllocator(store.NewMemory())

	const n = 100
	results := make([]int64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			v, err := alloc.Next(ctx, "scopeA")
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, v := range results {
		require.Equal(t, ledger.SequenceStart+int64(i), v,
			"allocations must be duplicate-free and contiguous")
	}
}
