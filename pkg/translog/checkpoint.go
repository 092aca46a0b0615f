// Package translog is the transparency log: it periodically checkpoints the
// journal into a Merkle tree, collects witness co-signatures, and publishes
// externally verifiable anchors. Checkpoints cover the full journal prefix
// up to their end sequence, so successive checkpoints are related by
// consistency proofs and history cannot be rewritten unnoticed.
package translog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/greaterdan/aimcore/pkg/canonicalize"
	"github.com/greaterdan/aimcore/pkg/contracts"
	"github.com/greaterdan/aimcore/pkg/journal"
	"github.com/greaterdan/aimcore/pkg/merkle"
	"github.com/greaterdan/aimcore/pkg/observability"
	"github.com/greaterdan/aimcore/pkg/policy"
	"github.com/greaterdan/aimcore/pkg/signing"
	"github.com/greaterdan/aimcore/pkg/store"
)

var (
	// ErrCheckpointNotFound is returned for an unknown checkpoint id.
	ErrCheckpointNotFound = errors.New("translog: checkpoint not found")
	// ErrNoNewEntries is returned when a rollover finds nothing to
	// checkpoint.
	ErrNoNewEntries = errors.New("translog: no new journal entries")
	// ErrNotCheckpointed is returned when a proof is requested for an
	// entry not yet covered by a checkpoint. Unavailable, not wrong.
	ErrNotCheckpointed = errors.New("translog: entry not yet checkpointed")
	// ErrUnknownWitness is returned for a co-signature from an identity
	// outside the witness set.
	ErrUnknownWitness = errors.New("translog: unknown witness")
	// ErrBadWitnessSignature is returned when a co-signature fails
	// verification under either algorithm family.
	ErrBadWitnessSignature = errors.New("translog: witness signature invalid")
	// ErrNotComplete is returned when publishing a checkpoint that lacks
	// a witness quorum.
	ErrNotComplete = errors.New("translog: checkpoint lacks witness quorum")
)

// Service manages checkpoints and proofs.
type Service struct {
	db       *sql.DB
	journal  *journal.Service
	policies *policy.Store
	oracle   signing.Oracle
	anchor   Anchor
	clock    func() time.Time
	log      *slog.Logger

	// Checkpoint creation is single-writer.
	rollover sync.Mutex
}

// New creates the transparency log service and migrates its tables.
func New(db *sql.DB, jrnl *journal.Service, policies *policy.Store, oracle signing.Oracle, anchor Anchor, log *slog.Logger) (*Service, error) {
	if anchor == nil {
		anchor = NoopAnchor{}
	}
	s := &Service{
		db:       db,
		journal:  jrnl,
		policies: policies,
		oracle:   oracle,
		anchor:   anchor,
		clock:    time.Now,
		log:      log.With("component", "translog"),
	}
	if err := s.migrate(); err != nil {
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
	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		start_seq BIGINT NOT NULL,
		end_seq BIGINT NOT NULL,
		merkle_root TEXT NOT NULL,
		tree_size BIGINT NOT NULL,
		status TEXT NOT NULL,
		anchor_txt TEXT NOT NULL DEFAULT '',
		anchor_uri TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS witness_signatures (
		checkpoint_id TEXT NOT NULL,
		witness_name TEXT NOT NULL,
		sig_lattice TEXT NOT NULL,
		sig_hash TEXT NOT NULL,
		signed_at TEXT NOT NULL,
		PRIMARY KEY (checkpoint_id, witness_name)
	);
	`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// CreateCheckpoint rolls the log over: it takes every journal leaf since the
// previous checkpoint, extends the cumulative tree, and opens the new
// checkpoint for witness co-signing.
func (s *Service) CreateCheckpoint(ctx context.Context) (*contracts.Checkpoint, error) {
	s.rollover.Lock()
	defer s.rollover.Unlock()

	var lastEnd int64
	var lastCreated string
	row := s.db.QueryRowContext(ctx,
		`SELECT end_seq, created_at FROM checkpoints ORDER BY end_seq DESC LIMIT 1`)
	switch err := row.Scan(&lastEnd, &lastCreated); {
	case errors.Is(err, sql.ErrNoRows):
		lastEnd = 0
	case err != nil:
		return nil, err
	}

	fresh, err := s.journal.LeavesAfter(ctx, lastEnd)
	if err != nil {
		return nil, err
	}
	if len(fresh) == 0 {
		return nil, ErrNoNewEntries
	}
	endSeq := fresh[len(fresh)-1].Seq

	all, err := s.journal.LeavesRange(ctx, 1, endSeq)
	if err != nil {
		return nil, err
	}
	root := merkle.RootOf(leafHashes(all))

	now := s.clock().UTC()
	periodStart := now
	if lastCreated != "" {
		if t, err := store.ParseTime(lastCreated); err == nil {
			periodStart = t
		}
	}

	cp := &contracts.Checkpoint{
		ID:          uuid.NewString(),
		PeriodStart: periodStart,
		PeriodEnd:   now,
		MerkleRoot:  root,
		TreeSize:    endSeq,
		Status:      contracts.CheckpointOpen,
		CreatedAt:   now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints
			(id, period_start, period_end, start_seq, end_seq, merkle_root, tree_size, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		cp.ID, store.FormatTime(cp.PeriodStart), store.FormatTime(cp.PeriodEnd),
		lastEnd+1, endSeq, cp.MerkleRoot, cp.TreeSize, string(cp.Status), store.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}

	observability.CheckpointsTotal.WithLabelValues("created").Inc()
	s.log.InfoContext(ctx, "checkpoint opened",
		"checkpoint_id", cp.ID, "tree_size", cp.TreeSize, "root", cp.MerkleRoot)
	return cp, nil
}

const checkpointColumns = `id, period_start, period_end, end_seq, merkle_root, tree_size, status, anchor_txt, anchor_uri, created_at`

func scanCheckpoint(row interface{ Scan(...any) error }) (*contracts.Checkpoint, error) {
	var cp contracts.Checkpoint
	var start, end, created string
	var endSeq int64
	err := row.Scan(&cp.ID, &start, &end, &endSeq, &cp.MerkleRoot, &cp.TreeSize,
		&cp.Status, &cp.AnchorTXT, &cp.AnchorURI, &created)
	if err != nil {
		return nil, err
	}
	if cp.PeriodStart, err = store.ParseTime(start); err != nil {
		return nil, err
	}
	if cp.PeriodEnd, err = store.ParseTime(end); err != nil {
		return nil, err
	}
	if cp.CreatedAt, err = store.ParseTime(created); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Latest returns the most recent checkpoint.
func (s *Service) Latest(ctx context.Context) (*contracts.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints ORDER BY end_seq DESC LIMIT 1`)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCheckpointNotFound
	}
	return cp, err
}

// ByID fetches a checkpoint.
func (s *Service) ByID(ctx context.Context, id string) (*contracts.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = $1`, id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCheckpointNotFound
	}
	return cp, err
}

// AddWitnessSignature records one witness's dual co-signature over a
// checkpoint root. Signatures accumulate with append-to-set semantics; a
// witness re-signing is a no-op, never an overwrite. Reaching the quorum
// marks the checkpoint complete.
func (s *Service) AddWitnessSignature(ctx context.Context, checkpointID, witnessName, sigLattice, sigHash string) (*contracts.WitnessStatus, error) {
	cp, err := s.ByID(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	witnesses := s.policies.GetStringList(ctx, policy.KeyCheckpointWitnesses, nil)
	if !contains(witnesses, witnessName) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWitness, witnessName)
	}

	msg, err := canonicalize.CheckpointSigningBytes(cp.MerkleRoot, cp.TreeSize)
	if err != nil {
		return nil, err
	}
	ok, err := signing.VerifyDual(ctx, s.oracle, msg,
		signing.DualSignature{Lattice: sigLattice, Hash: sigHash},
		signing.WitnessLatticeKeyID(witnessName), signing.WitnessHashKeyID(witnessName))
	if err != nil {
		return nil, fmt.Errorf("verify witness signature: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrBadWitnessSignature, witnessName, checkpointID)
	}

	// Append-to-set: a witness's first signature wins, re-signs and
	// concurrent duplicates are no-ops rather than conflicts.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO witness_signatures (checkpoint_id, witness_name, sig_lattice, sig_hash, signed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (checkpoint_id, witness_name) DO NOTHING`,
		checkpointID, witnessName, sigLattice, sigHash, store.FormatTime(s.clock()))
	if err != nil {
		return nil, err
	}

	status, err := s.WitnessStatus(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if status.Complete && cp.Status == contracts.CheckpointOpen {
		_, err = s.db.ExecContext(ctx,
			`UPDATE checkpoints SET status = $1 WHERE id = $2 AND status = $3`,
			string(contracts.CheckpointComplete), checkpointID, string(contracts.CheckpointOpen))
		if err != nil {
			return nil, err
		}
		observability.CheckpointsTotal.WithLabelValues("completed").Inc()
		s.log.InfoContext(ctx, "checkpoint reached witness quorum", "checkpoint_id", checkpointID)
	}
	return status, nil
}

// WitnessStatus reports co-signing progress.
func (s *Service) WitnessStatus(ctx context.Context, checkpointID string) (*contracts.WitnessStatus, error) {
	if _, err := s.ByID(ctx, checkpointID); err != nil {
		return nil, err
	}

	witnesses := s.policies.GetStringList(ctx, policy.KeyCheckpointWitnesses, nil)
	quorum := int(s.policies.GetInt(ctx, policy.KeyCheckpointQuorum, 2))

	rows, err := s.db.QueryContext(ctx,
		`SELECT witness_name FROM witness_signatures WHERE checkpoint_id = $1 ORDER BY witness_name`,
		checkpointID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var signed []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		signed = append(signed, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &contracts.WitnessStatus{
		CheckpointID:   checkpointID,
		RequiredQuorum: quorum,
		SignedCount:    len(signed),
		TotalWitnesses: len(witnesses),
		Complete:       len(signed) >= quorum,
		Witnesses:      signed,
	}, nil
}

// Signatures lists the witness co-signatures of a checkpoint.
func (s *Service) Signatures(ctx context.Context, checkpointID string) ([]contracts.WitnessSignature, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT checkpoint_id, witness_name, sig_lattice, sig_hash, signed_at
		FROM witness_signatures WHERE checkpoint_id = $1 ORDER BY witness_name`, checkpointID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sigs []contracts.WitnessSignature
	for rows.Next() {
		var ws contracts.WitnessSignature
		var signedAt string
		if err := rows.Scan(&ws.CheckpointID, &ws.WitnessName, &ws.SigLattice, &ws.SigHash, &signedAt); err != nil {
			return nil, err
		}
		if ws.SignedAt, err = store.ParseTime(signedAt); err != nil {
			return nil, err
		}
		sigs = append(sigs, ws)
	}
	return sigs, rows.Err()
}

// Publish anchors a complete checkpoint externally. Published roots are
// final.
func (s *Service) Publish(ctx context.Context, checkpointID string) (*contracts.Checkpoint, error) {
	cp, err := s.ByID(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp.Status == contracts.CheckpointPublished {
		return cp, nil
	}
	if cp.Status != contracts.CheckpointComplete {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotComplete, checkpointID, cp.Status)
	}

	sigs, err := s.Signatures(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	uri, err := s.anchor.Publish(ctx, cp, sigs)
	if err != nil {
		return nil, fmt.Errorf("publish anchor: %w", err)
	}

	txt := "aim-checkpoint=" + cp.MerkleRoot
	_, err = s.db.ExecContext(ctx,
		`UPDATE checkpoints SET status = $1, anchor_txt = $2, anchor_uri = $3 WHERE id = $4`,
		string(contracts.CheckpointPublished), txt, uri, checkpointID)
	if err != nil {
		return nil, err
	}

	cp.Status = contracts.CheckpointPublished
	cp.AnchorTXT = txt
	cp.AnchorURI = uri
	observability.CheckpointsTotal.WithLabelValues("published").Inc()
	s.log.InfoContext(ctx, "checkpoint published",
		"checkpoint_id", checkpointID, "anchor_uri", uri)
	return cp, nil
}

// Proof is the externally verifiable audit artifact for one transaction.
type Proof struct {
	TransactionID string                       `json:"transaction_id"`
	CheckpointID  string                       `json:"checkpoint_id"`
	Inclusion     *merkle.InclusionProof       `json:"inclusion"`
	Witnesses     []contracts.WitnessSignature `json:"witness_signatures"`
}

// GetProof returns the inclusion proof of a transaction against its covering
// checkpoint, plus that checkpoint's witness signature set.
func (s *Service) GetProof(ctx context.Context, txID string) (*Proof, error) {
	seq, err := s.journal.SeqOf(ctx, txID)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, end_seq FROM checkpoints WHERE end_seq >= $1 ORDER BY end_seq ASC LIMIT 1`, seq)
	var checkpointID string
	var endSeq int64
	if err := row.Scan(&checkpointID, &endSeq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotCheckpointed
		}
		return nil, err
	}

	leaves, err := s.journal.LeavesRange(ctx, 1, endSeq)
	if err != nil {
		return nil, err
	}
	tree := merkle.Build(leafHashes(leaves))
	inclusion, err := tree.GenerateProof(int(seq - 1))
	if err != nil {
		return nil, err
	}

	sigs, err := s.Signatures(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	return &Proof{
		TransactionID: txID,
		CheckpointID:  checkpointID,
		Inclusion:     inclusion,
		Witnesses:     sigs,
	}, nil
}

// Consistency proves that the newer checkpoint's tree extends the older
// one's.
func (s *Service) Consistency(ctx context.Context, oldID, newID string) (*merkle.ConsistencyProof, error) {
	oldCp, err := s.ByID(ctx, oldID)
	if err != nil {
		return nil, err
	}
	newCp, err := s.ByID(ctx, newID)
	if err != nil {
		return nil, err
	}
	if oldCp.TreeSize > newCp.TreeSize {
		oldCp, newCp = newCp, oldCp
	}

	leaves, err := s.journal.LeavesRange(ctx, 1, newCp.TreeSize)
	if err != nil {
		return nil, err
	}
	hashes := leafHashes(leaves)
	return merkle.GenerateConsistencyProof(hashes[:oldCp.TreeSize], hashes)
}

func leafHashes(leaves []journal.Leaf) []string {
	out := make([]string, len(leaves))
	for i, l := range leaves {
		out[i] = l.LeafHash
	}
	return out
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
