/*
sequence.go - Per-scope document number allocation

PURPOSE:
  Mints the human-readable numbers stamped on contracts, quality checks,
  refining runs, and invoices. Each scope (document kind + owning facility)
  has its own strictly increasing counter held in the backing store.

CONTRACT:
  - The store performs a single atomic upsert-and-increment; two callers
    racing on the same scope always receive distinct values
  - A fresh scope starts at 1000
  - Counters never reset; gaps from abandoned allocations are acceptable
  - On storage failure nothing is allocated and the caller must not create
    the numbered document

SEE ALSO:
  - store.go: SequenceStore interface
  - synchronizer.go: Numbers new contracts on creation
*/
package ledger

import (
	"context"
	"fmt"
)

// Allocator mints per-scope document numbers.
type Allocator struct {
	store SequenceStore
}

func NewAllocator(store SequenceStore) *Allocator {
	return &Allocator{store: store}
}

// Next returns the next number for the scope, persisting the new high-water
// mark. Fails entirely when the store is unreachable.
func (a *Allocator) Next(ctx context.Context, scope string) (int64, error) {
	if scope == "" {
		return 0, &ValidationError{Field: "scope", Message: "must not be empty"}
	}
	n, err := a.store.AllocateNext(ctx, scope)
	if err != nil {
		return 0, fmt.Errorf("allocate %q: %w", scope, err)
	}
	return n, nil
}

// ScopeKey composes the counter scope for a document kind at a facility.
// Documents of the same kind at different facilities number independently.
func ScopeKey(kind, facilityID string) string {
	if facilityID == "" {
		return kind
	}
	return kind + ":" + facilityID
}

// Document kinds numbered by the allocator.
const (
	ScopeContract     = "contract"
	ScopeInvoice      = "invoice"
	ScopeQualityCheck = "quality_check"
	ScopeRefiningRun  = "refining_run"
)
