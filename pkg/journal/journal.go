// Package journal implements the append-only, hash-chained financial
// journal. Every value-affecting event in the system becomes exactly one
// journal entry, dual-signed by the signing oracle. The chain of
// prev_hash -> leaf_hash is unbroken from genesis; any retroactive edit is
// detectable by replay.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/greaterdan/aimcore/pkg/canonicalize"
	"github.com/greaterdan/aimcore/pkg/contracts"
	"github.com/greaterdan/aimcore/pkg/observability"
	"github.com/greaterdan/aimcore/pkg/signing"
	"github.com/greaterdan/aimcore/pkg/store"
)

var (
	// ErrNotFound is returned when no entry matches a query.
	ErrNotFound = errors.New("journal: entry not found")
	// ErrWriteHalted is returned after an integrity violation has latched
	// the journal closed. Writes stay halted pending investigation; the
	// chain is never silently healed.
	ErrWriteHalted = errors.New("journal: writes halted after integrity violation")
	// ErrChainBroken reports a hash-chain integrity violation.
	ErrChainBroken = errors.New("journal: hash chain integrity violation")
)

// Service appends to and reads the journal. The append path runs inside a
// serializable transaction that reads the latest leaf hash and inserts the
// new entry, so concurrent appends are linearized and the chain cannot fork.
type Service struct {
	db         *sql.DB
	oracle     signing.Oracle
	latticeKey string
	hashKey    string
	clock      func() time.Time
	log        *slog.Logger
	halted     atomic.Bool
}

// New creates a journal service and migrates its table.
func New(db *sql.DB, oracle signing.Oracle, log *slog.Logger) (*Service, error) {
	s := &Service{
		db:         db,
		oracle:     oracle,
		latticeKey: signing.LedgerLatticeKeyID,
		hashKey:    signing.LedgerHashKeyID,
		clock:      time.Now,
		log:        log.With("component", "journal"),
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	if err := s.restoreHaltLatch(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS journal_entries (
		seq BIGINT PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		account_id TEXT NOT NULL DEFAULT 'system',
		ts TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		leaf_hash TEXT NOT NULL,
		merkle_root TEXT NOT NULL DEFAULT '',
		sig_lattice TEXT NOT NULL,
		sig_hash TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_journal_type ON journal_entries(type);
	CREATE INDEX IF NOT EXISTS idx_journal_account ON journal_entries(account_id);
	CREATE TABLE IF NOT EXISTS journal_halts (
		seq BIGINT NOT NULL,
		reason TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// restoreHaltLatch re-arms the write-halt latch from the store. A halt
// recorded by a previous process keeps writes closed across restarts until
// an operator clears the journal_halts table after investigation.
func (s *Service) restoreHaltLatch() error {
	var n int
	err := s.db.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM journal_halts`).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		s.halted.Store(true)
		observability.JournalHalted.Set(1)
		s.log.Warn("journal halt latch restored from store, writes stay halted", "halts", n)
	}
	return nil
}

// Halted reports whether the write latch is closed.
func (s *Service) Halted() bool {
	return s.halted.Load()
}

// Append writes one entry in its own serializable transaction.
func (s *Service) Append(ctx context.Context, entryType contracts.JournalType, payload json.RawMessage, accountID string) (contracts.AppendResult, error) {
	tx, err := store.BeginSerializable(ctx, s.db)
	if err != nil {
		return contracts.AppendResult{}, fmt.Errorf("begin append tx: %w", err)
	}
	res, err := s.AppendTx(ctx, tx, entryType, payload, accountID)
	if err != nil {
		_ = tx.Rollback()
		return contracts.AppendResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return contracts.AppendResult{}, fmt.Errorf("commit append tx: %w", err)
	}
	return res, nil
}

// AppendTx writes one entry inside the caller's transaction. The ledger uses
// this so a balance mutation and its journal entry commit atomically: if the
// append fails (including a signing failure) the whole transaction rolls
// back and no partial state survives.
//
// The previous leaf hash is read under tx, never from a stale snapshot.
func (s *Service) AppendTx(ctx context.Context, tx *sql.Tx, entryType contracts.JournalType, payload json.RawMessage, accountID string) (contracts.AppendResult, error) {
	if s.halted.Load() {
		return contracts.AppendResult{}, ErrWriteHalted
	}
	if accountID == "" {
		accountID = "system"
	}

	var prevSeq int64
	var prevHash string
	row := tx.QueryRowContext(ctx, `SELECT seq, leaf_hash FROM journal_entries ORDER BY seq DESC LIMIT 1`)
	switch err := row.Scan(&prevSeq, &prevHash); {
	case errors.Is(err, sql.ErrNoRows):
		prevSeq, prevHash = 0, contracts.GenesisHash
	case err != nil:
		return contracts.AppendResult{}, fmt.Errorf("read latest entry: %w", err)
	}

	ts := s.clock().UTC()
	leafHash, err := canonicalize.LeafHash(entryType, payload, prevHash, ts)
	if err != nil {
		return contracts.AppendResult{}, err
	}

	// Both signatures or nothing. A timeout here aborts the append.
	sigs, err := signing.SignDual(ctx, s.oracle, []byte(leafHash), s.latticeKey, s.hashKey)
	if err != nil {
		return contracts.AppendResult{}, fmt.Errorf("sign entry: %w", err)
	}

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO journal_entries
			(seq, id, type, payload, account_id, ts, prev_hash, leaf_hash, merkle_root, sig_lattice, sig_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '', $9, $10)`,
		prevSeq+1, id, string(entryType), string(payload), accountID,
		store.FormatTime(ts), prevHash, leafHash, sigs.Lattice, sigs.Hash,
	)
	if err != nil {
		return contracts.AppendResult{}, fmt.Errorf("insert entry: %w", err)
	}

	s.log.InfoContext(ctx, "journal entry appended",
		"transaction_id", id, "type", entryType, "seq", prevSeq+1)
	observability.JournalAppends.WithLabelValues(string(entryType)).Inc()

	return contracts.AppendResult{
		TransactionID: id,
		LeafHash:      leafHash,
		MerkleRoot:    leafHash,
		SigLattice:    sigs.Lattice,
		SigHash:       sigs.Hash,
	}, nil
}

const entryColumns = `id, type, payload, account_id, ts, prev_hash, leaf_hash, merkle_root, sig_lattice, sig_hash`

func scanEntry(row interface{ Scan(...any) error }) (*contracts.JournalEntry, error) {
	var e contracts.JournalEntry
	var payload, ts string
	err := row.Scan(&e.ID, &e.Type, &payload, &e.AccountID, &ts,
		&e.PrevHash, &e.LeafHash, &e.MerkleRoot, &e.SigLattice, &e.SigHash)
	if err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	e.Timestamp, err = store.ParseTime(ts)
	if err != nil {
		return nil, fmt.Errorf("parse entry timestamp: %w", err)
	}
	return &e, nil
}

// Latest returns the most recent entry, or ErrNotFound on an empty journal.
func (s *Service) Latest(ctx context.Context) (*contracts.JournalEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM journal_entries ORDER BY seq DESC LIMIT 1`)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// ByID fetches an entry by transaction id.
func (s *Service) ByID(ctx context.Context, id string) (*contracts.JournalEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM journal_entries WHERE id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// ByType lists entries of one type, newest first.
func (s *Service) ByType(ctx context.Context, entryType contracts.JournalType, limit int) ([]*contracts.JournalEntry, error) {
	return s.list(ctx,
		`SELECT `+entryColumns+` FROM journal_entries WHERE type = $1 ORDER BY seq DESC LIMIT $2`,
		string(entryType), limitOrDefault(limit))
}

// ByAccount lists entries attributed to one account, newest first.
func (s *Service) ByAccount(ctx context.Context, accountID string, limit int) ([]*contracts.JournalEntry, error) {
	return s.list(ctx,
		`SELECT `+entryColumns+` FROM journal_entries WHERE account_id = $1 ORDER BY seq DESC LIMIT $2`,
		accountID, limitOrDefault(limit))
}

// InRange lists entries with timestamps in [start, end], oldest first.
func (s *Service) InRange(ctx context.Context, start, end time.Time) ([]*contracts.JournalEntry, error) {
	return s.list(ctx,
		`SELECT `+entryColumns+` FROM journal_entries WHERE ts >= $1 AND ts <= $2 ORDER BY seq ASC`,
		store.FormatTime(start), store.FormatTime(end))
}

func (s *Service) list(ctx context.Context, query string, args ...any) ([]*contracts.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*contracts.JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

// Leaf pairs a transaction id with its leaf hash, in chain order.
type Leaf struct {
	Seq      int64
	TxID     string
	LeafHash string
}

// LeavesAfter returns all leaves with seq greater than afterSeq, in order.
// The transparency log uses this to build checkpoint trees.
func (s *Service) LeavesAfter(ctx context.Context, afterSeq int64) ([]Leaf, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, leaf_hash FROM journal_entries WHERE seq > $1 ORDER BY seq ASC`, afterSeq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var leaves []Leaf
	for rows.Next() {
		var l Leaf
		if err := rows.Scan(&l.Seq, &l.TxID, &l.LeafHash); err != nil {
			return nil, err
		}
		leaves = append(leaves, l)
	}
	return leaves, rows.Err()
}

// LeavesRange returns leaves with fromSeq <= seq <= toSeq, in order.
func (s *Service) LeavesRange(ctx context.Context, fromSeq, toSeq int64) ([]Leaf, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, leaf_hash FROM journal_entries WHERE seq >= $1 AND seq <= $2 ORDER BY seq ASC`,
		fromSeq, toSeq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var leaves []Leaf
	for rows.Next() {
		var l Leaf
		if err := rows.Scan(&l.Seq, &l.TxID, &l.LeafHash); err != nil {
			return nil, err
		}
		leaves = append(leaves, l)
	}
	return leaves, rows.Err()
}

// SeqOf returns the chain sequence of a transaction id.
func (s *Service) SeqOf(ctx context.Context, txID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM journal_entries WHERE id = $1`, txID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return seq, err
}

// VerifyChain replays the journal from genesis, recomputing every leaf hash
// from (type, payload, prev_hash, timestamp). On a mismatch it latches the
// write halt and returns ErrChainBroken with the offending sequence.
func (s *Service) VerifyChain(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, type, payload, ts, prev_hash, leaf_hash FROM journal_entries ORDER BY seq ASC`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	wantPrev := contracts.GenesisHash
	for rows.Next() {
		var seq int64
		var entryType, payload, ts, prevHash, leafHash string
		if err := rows.Scan(&seq, &entryType, &payload, &ts, &prevHash, &leafHash); err != nil {
			return err
		}
		if prevHash != wantPrev {
			s.haltWrites(ctx, seq, "chain link mismatch")
			return fmt.Errorf("%w: entry %d links to %s, expected %s", ErrChainBroken, seq, prevHash, wantPrev)
		}
		t, err := store.ParseTime(ts)
		if err != nil {
			return err
		}
		computed, err := canonicalize.LeafHash(contracts.JournalType(entryType), json.RawMessage(payload), prevHash, t)
		if err != nil {
			return err
		}
		if computed != leafHash {
			s.haltWrites(ctx, seq, "leaf hash mismatch")
			return fmt.Errorf("%w: entry %d leaf hash mismatch", ErrChainBroken, seq)
		}
		wantPrev = leafHash
	}
	return rows.Err()
}

func (s *Service) haltWrites(ctx context.Context, seq int64, reason string) {
	s.halted.Store(true)
	observability.JournalHalted.Set(1)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO journal_halts (seq, reason, created_at) VALUES ($1, $2, $3)`,
		seq, reason, store.FormatTime(s.clock())); err != nil {
		s.log.ErrorContext(ctx, "persisting halt latch failed", "error", err)
	}
	s.log.ErrorContext(ctx, "journal integrity violation, halting writes",
		"seq", seq, "reason", reason)
}
