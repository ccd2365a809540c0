/*
store.go - Persistence interfaces for the ledger

PURPOSE:
  Defines the interface between the domain logic and the database. Documents
  (Payment, Contract, Account) are persisted whole, each carrying a version
  counter; every write is conditioned on the version the caller read.

KEY INTERFACES:
  Store:         Document reads/writes plus the atomic ledger commit
  SequenceStore: Atomic per-scope counter allocation

OPTIMISTIC CONCURRENCY CONTRACT:
  A write passes the version the caller observed. The store compares it to
  the stored version, and on mismatch rejects the entire write with
  ErrConcurrentModification. On success the stored version becomes
  observed+1. Creates pass version 0 and fail if the document exists.

LEDGER COMMIT:
  ApplyLedgerWrite persists Payment + Contract + Account together,
  all-or-nothing. A crash or race can therefore never leave the Contract
  and Account diverged: either all three documents advance or none do.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, for tests and dev
  - store/sqlite/sqlite.go: Production store, JSON document columns

SEE ALSO:
  - synchronizer.go: The only caller of ApplyLedgerWrite
  - sequence.go: Wraps SequenceStore
*/
package ledger

import "context"

// =============================================================================
// LEDGER WRITE - One atomic multi-document commit
// =============================================================================

// LedgerWrite is the unit handed to the store for an atomic commit. Nil
// documents are skipped. Expected versions are the versions read at the
// start of the operation; 0 means "create, must not exist".
type LedgerWrite struct {
	Payment         *Payment
	PaymentVersion  int64
	Contract        *Contract
	ContractVersion int64
	Account         *Account
	AccountVersion  int64
}

// =============================================================================
// STORE
// =============================================================================

// Store persists ledger documents. All methods return
// ErrConcurrentModification on a version mismatch and the matching
// *NotFound sentinel when a document is absent.
type Store interface {
	SequenceStore

	GetPayment(ctx context.Context, id PaymentID) (*Payment, error)
	GetContract(ctx context.Context, id ContractID) (*Contract, error)
	GetAccount(ctx context.Context, id AccountID) (*Account, error)

	// GetAccountByContract returns the single account provisioned for the
	// contract, or ErrAccountNotFound.
	GetAccountByContract(ctx context.Context, id ContractID) (*Account, error)

	// PutContract writes a contract conditioned on expectedVersion
	// (0 creates). Used for contract provisioning and reconciliation.
	PutContract(ctx context.Context, c *Contract, expectedVersion int64) error

	// PutAccount writes an account conditioned on expectedVersion (0
	// creates). Creation enforces the one-account-per-contract constraint
	// and returns ErrAccountExists on violation.
	PutAccount(ctx context.Context, a *Account, expectedVersion int64) error

	// ApplyLedgerWrite commits a payment lifecycle event atomically.
	ApplyLedgerWrite(ctx context.Context, w LedgerWrite) error

	// ListPaymentsByContract returns every payment (active and reversed)
	// recorded against the contract. Authoritative input to reconciliation.
	ListPaymentsByContract(ctx context.Context, id ContractID) ([]Payment, error)

	// ListContractIDs returns all contract ids, including soft-deleted
	// contracts, for reconciliation sweeps.
	ListContractIDs(ctx context.Context) ([]ContractID, error)
}

// SequenceStore allocates strictly increasing integers per scope key. The
// read-increment-write must be a single atomic operation at the storage
// layer; callers never see the same value twice for one scope.
type SequenceStore interface {
	// AllocateNext returns the next integer for the scope. The first
	// allocation for an unseen scope returns SequenceStart. Gaps are
	// acceptable; duplicates are not.
	AllocateNext(ctx context.Context, scope string) (int64, error)
}

// SequenceStart is the first value emitted for a fresh scope.
const SequenceStart int64 = 1000
