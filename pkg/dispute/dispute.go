// Package dispute handles challenges to minted jobs. Creating a dispute
// moves the minted amount into the escrow clearing account; processing
// re-scores the job against a stricter threshold and either burns the
// escrowed amount or releases it back.
package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/greaterdan/aimcore/pkg/contracts"
	"github.com/greaterdan/aimcore/pkg/ledger"
	"github.com/greaterdan/aimcore/pkg/mint"
	"github.com/greaterdan/aimcore/pkg/observability"
	"github.com/greaterdan/aimcore/pkg/policy"
	"github.com/greaterdan/aimcore/pkg/store"
	"github.com/greaterdan/aimcore/pkg/verifier"
)

var (
	// ErrNotFound is returned for an unknown dispute id.
	ErrNotFound = errors.New("dispute: not found")
	// ErrJobNotMinted is returned when disputing a job that never minted.
	ErrJobNotMinted = errors.New("dispute: job is not minted")
	// ErrWindowExpired is returned when the dispute window has passed.
	ErrWindowExpired = errors.New("dispute: window expired")
	// ErrDisputeExists is returned for a second dispute on the same job.
	ErrDisputeExists = errors.New("dispute: dispute already exists for job")
)

// Reputation deltas applied on resolution.
const (
	reputationPenalty = -10
	reputationReward  = 5
)

// Service manages the dispute lifecycle.
type Service struct {
	db       *sql.DB
	ledger   *ledger.Service
	jobs     *mint.Service
	scorer   verifier.Scorer
	policies *policy.Store
	clock    func() time.Time
	log      *slog.Logger
}

// New creates the dispute service and migrates its table.
func New(db *sql.DB, ldgr *ledger.Service, jobs *mint.Service, scorer verifier.Scorer, policies *policy.Store, log *slog.Logger) (*Service, error) {
	s := &Service{
		db:       db,
		ledger:   ldgr,
		jobs:     jobs,
		scorer:   scorer,
		policies: policies,
		clock:    time.Now,
		log:      log.With("component", "dispute"),
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
	CREATE TABLE IF NOT EXISTS disputes (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL UNIQUE,
		submitter_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		evidence TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		resolution TEXT NOT NULL DEFAULT '',
		re_score DOUBLE PRECISION,
		re_report TEXT NOT NULL DEFAULT '',
		locked_micro BIGINT NOT NULL,
		created_at TEXT NOT NULL,
		resolved_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_disputes_submitter ON disputes(submitter_id);
	`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// CreateRequest describes a new dispute.
type CreateRequest struct {
	JobID    string          `json:"job_id"`
	Reason   string          `json:"reason"`
	Evidence json.RawMessage `json:"evidence,omitempty"`
}

// Create opens a dispute against a minted job and locks the minted amount
// in escrow. Only one dispute per job, only inside the window.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*contracts.Dispute, error) {
	job, err := s.jobs.GetJob(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	if job.Status != contracts.JobMinted || job.MintedAt == nil {
		return nil, fmt.Errorf("%w: job %s is %s", ErrJobNotMinted, job.ID, job.Status)
	}

	windowHours := s.policies.GetInt(ctx, policy.KeyDisputeWindowHours, 24)
	deadline := job.MintedAt.Add(time.Duration(windowHours) * time.Hour)
	if s.clock().After(deadline) {
		return nil, fmt.Errorf("%w: window closed at %s", ErrWindowExpired, deadline.Format(time.RFC3339))
	}

	if _, err := s.ByJob(ctx, req.JobID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDisputeExists, req.JobID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Lock the exact minted amount. If the submitter has already spent it
	// the transfer fails and no dispute is created.
	micro := contracts.FormatMicroAmount(job.MintedMicro)
	_, err = s.ledger.Transfer(ctx, job.SubmitterID, contracts.EscrowAccountID, micro,
		fmt.Sprintf("dispute lock for job %s", job.ID))
	if err != nil {
		return nil, fmt.Errorf("lock escrow: %w", err)
	}

	d := &contracts.Dispute{
		ID:          uuid.NewString(),
		JobID:       job.ID,
		SubmitterID: job.SubmitterID,
		Reason:      req.Reason,
		Evidence:    req.Evidence,
		Status:      contracts.DisputeOpen,
		LockedMicro: job.MintedMicro,
		CreatedAt:   s.clock().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO disputes (id, job_id, submitter_id, reason, evidence, status, locked_micro, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.JobID, d.SubmitterID, d.Reason, string(d.Evidence),
		string(d.Status), d.LockedMicro, store.FormatTime(d.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert dispute: %w", err)
	}

	s.log.InfoContext(ctx, "dispute opened",
		"dispute_id", d.ID, "job_id", d.JobID, "locked_micro", d.LockedMicro)
	return d, nil
}

// Process resolves an open dispute: re-score against the stricter dispute
// threshold, then either burn the escrowed amount (upheld) or release it
// (rejected). A verifier failure upholds the dispute; the system fails
// closed against possibly bad mints.
func (s *Service) Process(ctx context.Context, disputeID string) (*contracts.Dispute, error) {
	d, err := s.ByID(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != contracts.DisputeOpen {
		return d, nil
	}

	claimed, err := s.setStatus(ctx, disputeID, contracts.DisputeOpen, contracts.DisputeInvestigating)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return s.ByID(ctx, disputeID)
	}

	job, err := s.jobs.GetJob(ctx, d.JobID)
	if err != nil {
		return nil, err
	}

	strict := s.policies.GetFloat(ctx, policy.KeyDisputeThreshold, 0.90)
	verdict, err := s.scorer.Score(ctx, verifier.ScoreRequest{
		JobID:      job.ID,
		InputsHash: job.InputsHash,
		Spec:       job.Spec,
	})
	if err != nil {
		s.log.ErrorContext(ctx, "re-verification failed, upholding",
			"dispute_id", disputeID, "error", err)
		report, _ := json.Marshal(map[string]string{"error": err.Error()})
		return s.uphold(ctx, d, 0, report)
	}

	if verdict.Score < strict {
		return s.uphold(ctx, d, verdict.Score, verdict.Report)
	}
	return s.reject(ctx, d, verdict.Score, verdict.Report)
}

// ProcessOpen drains every open dispute through Process. The daemon runs
// this on a short schedule so re-verification follows creation without an
// operator call; failures on one dispute do not stop the rest.
func (s *Service) ProcessOpen(ctx context.Context) (int, error) {
	open, err := s.List(ctx, "", contracts.DisputeOpen, 0)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, d := range open {
		if _, err := s.Process(ctx, d.ID); err != nil {
			s.log.ErrorContext(ctx, "dispute processing failed",
				"dispute_id", d.ID, "error", err)
			continue
		}
		processed++
	}
	return processed, nil
}

// uphold burns the escrowed amount and penalizes the submitter.
func (s *Service) uphold(ctx context.Context, d *contracts.Dispute, score float64, report json.RawMessage) (*contracts.Dispute, error) {
	micro := contracts.FormatMicroAmount(-d.LockedMicro)
	_, err := s.ledger.Adjust(ctx, contracts.EscrowAccountID, micro, "dispute_upheld")
	if err != nil {
		return nil, fmt.Errorf("burn escrow: %w", err)
	}
	if err := s.ledger.AdjustReputation(ctx, d.SubmitterID, reputationPenalty); err != nil {
		return nil, err
	}
	if err := s.resolve(ctx, d.ID, contracts.DisputeResolved, contracts.ResolutionUpheld, score, report); err != nil {
		return nil, err
	}
	observability.DisputesTotal.WithLabelValues("upheld").Inc()
	s.log.InfoContext(ctx, "dispute upheld",
		"dispute_id", d.ID, "job_id", d.JobID, "re_score", score)
	return s.ByID(ctx, d.ID)
}

// reject releases the escrowed amount back and rewards the submitter.
func (s *Service) reject(ctx context.Context, d *contracts.Dispute, score float64, report json.RawMessage) (*contracts.Dispute, error) {
	micro := contracts.FormatMicroAmount(d.LockedMicro)
	_, err := s.ledger.Transfer(ctx, contracts.EscrowAccountID, d.SubmitterID, micro,
		fmt.Sprintf("dispute released for job %s", d.JobID))
	if err != nil {
		return nil, fmt.Errorf("release escrow: %w", err)
	}
	if err := s.ledger.AdjustReputation(ctx, d.SubmitterID, reputationReward); err != nil {
		return nil, err
	}
	if err := s.resolve(ctx, d.ID, contracts.DisputeRejected, contracts.ResolutionRejected, score, report); err != nil {
		return nil, err
	}
	observability.DisputesTotal.WithLabelValues("rejected").Inc()
	s.log.InfoContext(ctx, "dispute rejected",
		"dispute_id", d.ID, "job_id", d.JobID, "re_score", score)
	return s.ByID(ctx, d.ID)
}

func (s *Service) setStatus(ctx context.Context, id string, from, to contracts.DisputeStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE disputes SET status = $1 WHERE id = $2 AND status = $3`,
		string(to), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Service) resolve(ctx context.Context, id string, status contracts.DisputeStatus, resolution contracts.DisputeResolution, score float64, report json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE disputes SET status = $1, resolution = $2, re_score = $3, re_report = $4, resolved_at = $5
		WHERE id = $6`,
		string(status), string(resolution), score, string(report),
		store.FormatTime(s.clock()), id)
	return err
}

const disputeColumns = `id, job_id, submitter_id, reason, evidence, status, resolution,
	re_score, re_report, locked_micro, created_at, resolved_at`

func scanDispute(row interface{ Scan(...any) error }) (*contracts.Dispute, error) {
	var d contracts.Dispute
	var evidence, report string
	var score sql.NullFloat64
	var created string
	var resolved sql.NullString
	err := row.Scan(&d.ID, &d.JobID, &d.SubmitterID, &d.Reason, &evidence, &d.Status,
		&d.Resolution, &score, &report, &d.LockedMicro, &created, &resolved)
	if err != nil {
		return nil, err
	}
	if evidence != "" {
		d.Evidence = json.RawMessage(evidence)
	}
	if report != "" {
		d.ReReport = json.RawMessage(report)
	}
	if score.Valid {
		d.ReScore = &score.Float64
	}
	if d.CreatedAt, err = store.ParseTime(created); err != nil {
		return nil, err
	}
	if resolved.Valid && resolved.String != "" {
		t, err := store.ParseTime(resolved.String)
		if err != nil {
			return nil, err
		}
		d.ResolvedAt = &t
	}
	return &d, nil
}

// ByID fetches one dispute.
func (s *Service) ByID(ctx context.Context, id string) (*contracts.Dispute, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, err
}

// ByJob fetches the dispute for a job, if any.
func (s *Service) ByJob(ctx context.Context, jobID string) (*contracts.Dispute, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE job_id = $1`, jobID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return d, err
}

// List returns disputes, newest first, optionally filtered.
func (s *Service) List(ctx context.Context, submitterID string, status contracts.DisputeStatus, limit int) ([]*contracts.Dispute, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + disputeColumns + ` FROM disputes WHERE 1=1`
	args := []any{}
	if submitterID != "" {
		args = append(args, submitterID)
		query += fmt.Sprintf(` AND submitter_id = $%d`, len(args))
	}
	if status != "" {
		args = append(args, string(status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
