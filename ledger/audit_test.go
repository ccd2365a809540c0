package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian/bunkerledger/ledger"
)

func TestDiff_ChangedFieldsOnly(t *testing.T) {
	before := &ledger.Payment{Amount: dec(2000), Kind: ledger.OpCash, Reference: "INV-1001"}
	after := &ledger.Payment{Amount: dec(3000), Kind: ledger.OpCash, Reference: "INV-1001"}

	changes := ledger.Diff(before, after)
	require.Len(t, changes, 1)
	assert.Equal(t, ledger.FieldChange{From: "2000", To: "3000"}, changes["amount"])
}

func TestDiff_CreationDiffsAgainstEmpty(t *testing.T) {
	p := &ledger.Payment{Amount: dec(500), Kind: ledger.OpCheck, Reference: "CHK-42"}

	changes := ledger.Diff(nil, p)
	assert.Equal(t, "", changes["amount"].From)
	assert.Equal(t, "500", changes["amount"].To)
	assert.Equal(t, "check", changes["kind"].To)
}

func TestRecordChange_SkipsEmptyDiff(t *testing.T) {
	p := &ledger.Payment{Amount: dec(100), Kind: ledger.OpCash, Reference: "INV-1"}
	same := *p

	_, ok := ledger.RecordChange(p, &same, "tester")
	assert.False(t, ok, "identical documents must not produce an entry")
}

func TestRecordChange_CarriesActorAndTimestamp(t *testing.T) {
	before := &ledger.Payment{Amount: dec(100), Kind: ledger.OpCash, Reference: "INV-1"}
	after := &ledger.Payment{Amount: dec(100), Kind: ledger.OpCash, Reference: "INV-1", Deleted: true}

	entry, ok := ledger.RecordChange(before, after, "ops-7")
	require.True(t, ok)
	assert.Equal(t, "ops-7", entry.ActorID)
	assert.NotEmpty(t, entry.ID)
	assert.WithinDuration(t, time.Now(), entry.At, time.Second)
	assert.Equal(t, ledger.FieldChange{From: "false", To: "true"}, entry.Changes["deleted"])
}

func TestSortChangelog_NewestFirst(t *testing.T) {
	base := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	entries := []ledger.AuditEntry{
		{ID: "a", At: base},
		{ID: "c", At: base.Add(2 * time.Hour)},
		{ID: "b", At: base.Add(time.Hour)},
	}

	ledger.SortChangelog(entries)
	assert.Equal(t, "c", entries[0].ID)
	assert.Equal(t, "b", entries[1].ID)
	assert.Equal(t, "a", entries[2].ID)
}
