/*
Package sqlite provides the SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists Payment, Contract, and Account as whole JSON documents, one row
  per document, alongside the columns the store itself needs: the primary
  key, the optimistic version counter, and (for accounts) the owning
  contract id under a unique index.

DOCUMENT SHAPE:
  Each row is (id, version, doc). The doc column is the JSON-marshaled
  domain struct. Reads unmarshal the doc and overwrite Version from the
  column, which is authoritative.

OPTIMISTIC CONCURRENCY:
  Updates run as UPDATE ... WHERE id = ? AND version = ?. Zero rows
  affected means either the document vanished or someone else won the
  race; a follow-up existence probe picks the right error. Creates are
  INSERTs; a primary-key violation is a conflict, and a violation of the
  accounts.contract_id unique index is ErrAccountExists.

ATOMIC LEDGER COMMIT:
  ApplyLedgerWrite wraps all three document writes in a single SQL
  transaction, so the Contract and Account can never be committed
  separately from the Payment.

SEQUENCES:
  AllocateNext is one atomic statement:
    INSERT ... ON CONFLICT(scope) DO UPDATE SET value = value + 1 RETURNING value
  There is no read-then-write window for two callers to race through.

WAL MODE:
  SQLite is opened with WAL for better concurrency; a store-level mutex
  serializes writers, mirroring SQLite's own single-writer rule.

SEE ALSO:
  - ledger/store.go: Interface contract
  - ledger/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/meridian/bunkerledger/ledger"
)

// Store implements ledger.Store on SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single pooled connection also keeps
	// ":memory:" databases from splitting across connections.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		doc TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_contract
		ON payments(contract_id);

	CREATE TABLE IF NOT EXISTS contracts (
		id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		doc TEXT NOT NULL
	);

	-- One ledger account per contract. Violations surface as ErrAccountExists.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_contract
		ON accounts(contract_id);

	CREATE TABLE IF NOT EXISTS sequence_counters (
		scope TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SEQUENCES
// =============================================================================

// AllocateNext performs the upsert-and-increment as one statement, so
// concurrent callers on the same scope always receive distinct values.
func (s *Store) AllocateNext(ctx context.Context, scope string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var value int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO sequence_counters (scope, value) VALUES (?, ?)
		ON CONFLICT(scope) DO UPDATE SET value = value + 1
		RETURNING value`,
		scope, ledger.SequenceStart,
	).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	return value, nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Store) GetPayment(ctx context.Context, id ledger.PaymentID) (*ledger.Payment, error) {
	var doc string
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT doc, version FROM payments WHERE id = ?`, string(id)).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	var p ledger.Payment
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, fmt.Errorf("corrupt payment document %s: %w", id, err)
	}
	p.Version = version
	return &p, nil
}

func (s *Store) GetContract(ctx context.Context, id ledger.ContractID) (*ledger.Contract, error) {
	var doc string
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT doc, version FROM contracts WHERE id = ?`, string(id)).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrContractNotFound
	}
	if err != nil {
		return nil, err
	}
	var c ledger.Contract
	if err := json.Unmarshal([]byte(doc), &c); err != nil {
		return nil, fmt.Errorf("corrupt contract document %s: %w", id, err)
	}
	c.Version = version
	return &c, nil
}

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	return s.accountBy(ctx, `SELECT doc, version FROM accounts WHERE id = ?`, string(id))
}

func (s *Store) GetAccountByContract(ctx context.Context, id ledger.ContractID) (*ledger.Account, error) {
	return s.accountBy(ctx, `SELECT doc, version FROM accounts WHERE contract_id = ?`, string(id))
}

func (s *Store) accountBy(ctx context.Context, query, arg string) (*ledger.Account, error) {
	var doc string
	var version int64
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	var a ledger.Account
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return nil, fmt.Errorf("corrupt account document: %w", err)
	}
	a.Version = version
	return &a, nil
}

func (s *Store) ListPaymentsByContract(ctx context.Context, id ledger.ContractID) ([]ledger.Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc, version FROM payments WHERE contract_id = ?`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []ledger.Payment
	for rows.Next() {
		var doc string
		var version int64
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, err
		}
		var p ledger.Payment
		if err := json.Unmarshal([]byte(doc), &p); err != nil {
			return nil, fmt.Errorf("corrupt payment document: %w", err)
		}
		p.Version = version
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func (s *Store) ListContractIDs(ctx context.Context) ([]ledger.ContractID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM contracts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []ledger.ContractID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, ledger.ContractID(id))
	}
	return ids, rows.Err()
}

// =============================================================================
// WRITES
// =============================================================================

func (s *Store) PutContract(ctx context.Context, c *ledger.Contract, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		return writeContract(ctx, tx, c, expectedVersion)
	})
}

func (s *Store) PutAccount(ctx context.Context, a *ledger.Account, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		return writeAccount(ctx, tx, a, expectedVersion)
	})
}

// ApplyLedgerWrite commits all documents in one SQL transaction. A version
// mismatch on any of them rolls back the whole commit.
func (s *Store) ApplyLedgerWrite(ctx context.Context, w ledger.LedgerWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if w.Payment != nil {
			if err := writePayment(ctx, tx, w.Payment, w.PaymentVersion); err != nil {
				return err
			}
		}
		if w.Contract != nil {
			if err := writeContract(ctx, tx, w.Contract, w.ContractVersion); err != nil {
				return err
			}
		}
		if w.Account != nil {
			if err := writeAccount(ctx, tx, w.Account, w.AccountVersion); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func writePayment(ctx context.Context, tx *sql.Tx, p *ledger.Payment, expected int64) error {
	p.Version = expected + 1
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}

	if expected == 0 {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO payments (id, contract_id, version, doc) VALUES (?, ?, ?, ?)`,
			string(p.ID), string(p.ContractID), p.Version, string(doc))
		if isConstraintViolation(err) {
			return &ledger.ConflictError{Doc: "payment", ID: string(p.ID)}
		}
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE payments SET version = ?, doc = ? WHERE id = ? AND version = ?`,
		p.Version, string(doc), string(p.ID), expected)
	if err != nil {
		return err
	}
	return checkAffected(ctx, tx, res,
		`SELECT COUNT(*) FROM payments WHERE id = ?`, string(p.ID),
		ledger.ErrPaymentNotFound, &ledger.ConflictError{Doc: "payment", ID: string(p.ID)})
}

func writeContract(ctx context.Context, tx *sql.Tx, c *ledger.Contract, expected int64) error {
	c.Version = expected + 1
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}

	if expected == 0 {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO contracts (id, version, doc) VALUES (?, ?, ?)`,
			string(c.ID), c.Version, string(doc))
		if isConstraintViolation(err) {
			return &ledger.ConflictError{Doc: "contract", ID: string(c.ID)}
		}
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE contracts SET version = ?, doc = ? WHERE id = ? AND version = ?`,
		c.Version, string(doc), string(c.ID), expected)
	if err != nil {
		return err
	}
	return checkAffected(ctx, tx, res,
		`SELECT COUNT(*) FROM contracts WHERE id = ?`, string(c.ID),
		ledger.ErrContractNotFound, &ledger.ConflictError{Doc: "contract", ID: string(c.ID)})
}

func writeAccount(ctx context.Context, tx *sql.Tx, a *ledger.Account, expected int64) error {
	a.Version = expected + 1
	doc, err := json.Marshal(a)
	if err != nil {
		return err
	}

	if expected == 0 {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (id, contract_id, version, doc) VALUES (?, ?, ?, ?)`,
			string(a.ID), string(a.ContractID), a.Version, string(doc))
		if isConstraintViolation(err) {
			// Either the id or the contract_id collided; both mean the
			// contract already has its ledger account.
			return ledger.ErrAccountExists
		}
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET version = ?, doc = ? WHERE id = ? AND version = ?`,
		a.Version, string(doc), string(a.ID), expected)
	if err != nil {
		return err
	}
	return checkAffected(ctx, tx, res,
		`SELECT COUNT(*) FROM accounts WHERE id = ?`, string(a.ID),
		ledger.ErrAccountNotFound, &ledger.ConflictError{Doc: "account", ID: string(a.ID)})
}

// checkAffected disambiguates a zero-row optimistic UPDATE: the document is
// either gone (notFound) or was modified since it was read (conflict).
func checkAffected(ctx context.Context, tx *sql.Tx, res sql.Result, probe, id string, notFound, conflict error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var count int
	if err := tx.QueryRowContext(ctx, probe, id).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return notFound
	}
	return conflict
}

func isConstraintViolation(err error) bool {
	var sqlErr sqlite3.Error
	return errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint
}
