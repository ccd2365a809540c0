/*
audit.go - Field-level changelog recording

PURPOSE:
  One reusable diffing mechanism for every auditable document. A document
  declares its comparison set via AuditFields(); the recorder compares the
  stringified values of before and after and appends an immutable entry for
  whatever differs.

INVARIANTS:
  1. APPEND-ONLY: Entries are never edited or removed
  2. An entry with an empty change set is never appended
  3. Identifiers and the changelog itself are outside the comparison set

READ SIDE:
  Changelogs are presented newest-first regardless of insertion order; use
  SortChangelog before returning one to a client.

SEE ALSO:
  - types.go: AuditEntry, FieldChange
  - synchronizer.go: Records entries on every payment lifecycle event
*/
package ledger

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Auditable is implemented by any document that carries a changelog.
// AuditFields returns the stringified comparison set; mutable fields only,
// never ids or the changelog itself.
type Auditable interface {
	AuditFields() map[string]string
}

// Diff compares two views of a document and returns the per-field changes.
// Fields present in only one view diff against the empty string.
func Diff(before, after Auditable) map[string]FieldChange {
	var from map[string]string
	if before != nil {
		from = before.AuditFields()
	}
	to := after.AuditFields()

	changes := make(map[string]FieldChange)
	for field, v := range to {
		if old, ok := from[field]; !ok || old != v {
			prev := ""
			if ok {
				prev = old
			}
			changes[field] = FieldChange{From: prev, To: v}
		}
	}
	for field, old := range from {
		if _, ok := to[field]; !ok {
			changes[field] = FieldChange{From: old, To: ""}
		}
	}
	return changes
}

// RecordChange builds an AuditEntry for the transition from before to after.
// Returns ok=false when nothing differs; no entry should be appended then.
func RecordChange(before, after Auditable, actorID string) (AuditEntry, bool) {
	changes := Diff(before, after)
	if len(changes) == 0 {
		return AuditEntry{}, false
	}
	return AuditEntry{
		ID:      uuid.NewString(),
		ActorID: actorID,
		At:      time.Now().UTC(),
		Changes: changes,
	}, true
}

// SortChangelog orders entries newest-first for presentation.
func SortChangelog(entries []AuditEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].At.After(entries[j].At)
	})
}

// =============================================================================
// COMPARISON SETS
// =============================================================================

func (p *Payment) AuditFields() map[string]string {
	return map[string]string{
		"amount":    p.Amount.String(),
		"date":      p.Date.UTC().Format(time.RFC3339),
		"kind":      string(p.Kind),
		"reference": p.Reference,
		"deleted":   boolString(p.Deleted),
	}
}

func (c *Contract) AuditFields() map[string]string {
	return map[string]string{
		"total_amount":  c.TotalAmount.String(),
		"total_paid":    c.TotalPaid.String(),
		"total_pending": c.TotalPending.String(),
		"deleted":       boolString(c.Deleted),
	}
}

func (a *Account) AuditFields() map[string]string {
	return map[string]string{
		"total_amount":    a.TotalAmount.String(),
		"total_paid":      a.TotalPaid.String(),
		"pending_balance": a.PendingBalance.String(),
		"deleted":         boolString(a.Deleted),
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
