// Package store provides the in-memory ledger.Store implementation used by
// tests and local development.
package store

import (
	"context"
	"sync"

	"github.com/meridian/bunkerledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory holds all documents behind one mutex, so ApplyLedgerWrite is
// trivially atomic: version checks and writes happen in a single critical
// section. Documents are deep-copied on the way in and out; callers never
// share memory with the store.
type Memory struct {
	mu        sync.RWMutex
	payments  map[ledger.PaymentID]*ledger.Payment
	contracts map[ledger.ContractID]*ledger.Contract
	accounts  map[ledger.AccountID]*ledger.Account
	// byContract enforces the one-account-per-contract constraint.
	byContract map[ledger.ContractID]ledger.AccountID
	counters   map[string]int64
}

func NewMemory() *Memory {
	return &Memory{
		payments:   make(map[ledger.PaymentID]*ledger.Payment),
		contracts:  make(map[ledger.ContractID]*ledger.Contract),
		accounts:   make(map[ledger.AccountID]*ledger.Account),
		byContract: make(map[ledger.ContractID]ledger.AccountID),
		counters:   make(map[string]int64),
	}
}

// =============================================================================
// SEQUENCES
// =============================================================================

// AllocateNext increments the scope counter under the store lock, which
// makes the read-increment-write atomic for concurrent callers.
func (m *Memory) AllocateNext(_ context.Context, scope string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.counters[scope]
	if !ok {
		n = ledger.SequenceStart - 1
	}
	n++
	m.counters[scope] = n
	return n, nil
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetPayment(_ context.Context, id ledger.PaymentID) (*ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, ledger.ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (m *Memory) GetContract(_ context.Context, id ledger.ContractID) (*ledger.Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contracts[id]
	if !ok {
		return nil, ledger.ErrContractNotFound
	}
	return cloneContract(c), nil
}

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return cloneAccount(a), nil
}

func (m *Memory) GetAccountByContract(_ context.Context, id ledger.ContractID) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	accountID, ok := m.byContract[id]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return cloneAccount(m.accounts[accountID]), nil
}

func (m *Memory) ListPaymentsByContract(_ context.Context, id ledger.ContractID) ([]ledger.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ledger.Payment
	for _, p := range m.payments {
		if p.ContractID == id {
			result = append(result, *clonePayment(p))
		}
	}
	return result, nil
}

func (m *Memory) ListContractIDs(_ context.Context) ([]ledger.ContractID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]ledger.ContractID, 0, len(m.contracts))
	for id := range m.contracts {
		ids = append(ids, id)
	}
	return ids, nil
}

// =============================================================================
// WRITES
// =============================================================================

func (m *Memory) PutContract(_ context.Context, c *ledger.Contract, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putContractLocked(c, expectedVersion)
}

func (m *Memory) PutAccount(_ context.Context, a *ledger.Account, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putAccountLocked(a, expectedVersion)
}

// ApplyLedgerWrite checks every version first, then writes, all inside one
// critical section. Either all documents advance or none do.
func (m *Memory) ApplyLedgerWrite(_ context.Context, w ledger.LedgerWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.Payment != nil {
		if err := m.checkPaymentVersion(w.Payment.ID, w.PaymentVersion); err != nil {
			return err
		}
	}
	if w.Contract != nil {
		if err := m.checkContractVersion(w.Contract.ID, w.ContractVersion); err != nil {
			return err
		}
	}
	if w.Account != nil {
		if err := m.checkAccountVersion(w.Account.ID, w.AccountVersion); err != nil {
			return err
		}
	}

	if w.Payment != nil {
		w.Payment.Version = w.PaymentVersion + 1
		m.payments[w.Payment.ID] = clonePayment(w.Payment)
	}
	if w.Contract != nil {
		w.Contract.Version = w.ContractVersion + 1
		m.contracts[w.Contract.ID] = cloneContract(w.Contract)
	}
	if w.Account != nil {
		w.Account.Version = w.AccountVersion + 1
		m.accounts[w.Account.ID] = cloneAccount(w.Account)
	}
	return nil
}

func (m *Memory) putContractLocked(c *ledger.Contract, expectedVersion int64) error {
	if err := m.checkContractVersion(c.ID, expectedVersion); err != nil {
		return err
	}
	c.Version = expectedVersion + 1
	m.contracts[c.ID] = cloneContract(c)
	return nil
}

func (m *Memory) putAccountLocked(a *ledger.Account, expectedVersion int64) error {
	if expectedVersion == 0 {
		if _, exists := m.byContract[a.ContractID]; exists {
			return ledger.ErrAccountExists
		}
	}
	if err := m.checkAccountVersion(a.ID, expectedVersion); err != nil {
		return err
	}
	a.Version = expectedVersion + 1
	m.accounts[a.ID] = cloneAccount(a)
	m.byContract[a.ContractID] = a.ID
	return nil
}

// =============================================================================
// VERSION CHECKS
// =============================================================================

func (m *Memory) checkPaymentVersion(id ledger.PaymentID, expected int64) error {
	current, exists := m.payments[id]
	if expected == 0 {
		if exists {
			return &ledger.ConflictError{Doc: "payment", ID: string(id)}
		}
		return nil
	}
	if !exists {
		return ledger.ErrPaymentNotFound
	}
	if current.Version != expected {
		return &ledger.ConflictError{Doc: "payment", ID: string(id)}
	}
	return nil
}

func (m *Memory) checkContractVersion(id ledger.ContractID, expected int64) error {
	current, exists := m.contracts[id]
	if expected == 0 {
		if exists {
			return &ledger.ConflictError{Doc: "contract", ID: string(id)}
		}
		return nil
	}
	if !exists {
		return ledger.ErrContractNotFound
	}
	if current.Version != expected {
		return &ledger.ConflictError{Doc: "contract", ID: string(id)}
	}
	return nil
}

func (m *Memory) checkAccountVersion(id ledger.AccountID, expected int64) error {
	current, exists := m.accounts[id]
	if expected == 0 {
		if exists {
			return &ledger.ConflictError{Doc: "account", ID: string(id)}
		}
		return nil
	}
	if !exists {
		return ledger.ErrAccountNotFound
	}
	if current.Version != expected {
		return &ledger.ConflictError{Doc: "account", ID: string(id)}
	}
	return nil
}

// =============================================================================
// CLONING
// =============================================================================

func clonePayment(p *ledger.Payment) *ledger.Payment {
	out := *p
	out.Changelog = cloneChangelog(p.Changelog)
	return &out
}

func cloneContract(c *ledger.Contract) *ledger.Contract {
	out := *c
	out.Payments = append([]ledger.PaymentSummary(nil), c.Payments...)
	out.Changelog = cloneChangelog(c.Changelog)
	return &out
}

func cloneAccount(a *ledger.Account) *ledger.Account {
	out := *a
	out.Payments = append([]ledger.PaymentSummary(nil), a.Payments...)
	out.Changelog = cloneChangelog(a.Changelog)
	return &out
}

func cloneChangelog(entries []ledger.AuditEntry) []ledger.AuditEntry {
	if entries == nil {
		return nil
	}
	out := make([]ledger.AuditEntry, len(entries))
	for i, e := range entries {
		changes := make(map[string]ledger.FieldChange, len(e.Changes))
		for k, v := range e.Changes {
			changes[k] = v
		}
		e.Changes = changes
		out[i] = e
	}
	return out
}
