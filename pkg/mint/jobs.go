package mint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/greaterdan/aimcore/pkg/contracts"
	"github.com/greaterdan/aimcore/pkg/store"
)

// ErrJobNotFound is returned for an unknown job id.
var ErrJobNotFound = errors.New("mint: job not found")

func (s *Service) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		submitter_id TEXT NOT NULL,
		spec TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		attestation TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		score DOUBLE PRECISION,
		report TEXT NOT NULL DEFAULT '',
		mint_tx_id TEXT NOT NULL DEFAULT '',
		minted_micro BIGINT NOT NULL DEFAULT 0,
		reject_reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		minted_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_submitter ON jobs(submitter_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const jobColumns = `id, submitter_id, spec, inputs_hash, attestation, status, score, report,
	mint_tx_id, minted_micro, reject_reason, created_at, updated_at, minted_at`

func scanJob(row interface{ Scan(...any) error }) (*contracts.Job, error) {
	var j contracts.Job
	var spec, attestation, report string
	var score sql.NullFloat64
	var created, updated string
	var mintedAt sql.NullString
	err := row.Scan(&j.ID, &j.SubmitterID, &spec, &j.InputsHash, &attestation, &j.Status,
		&score, &report, &j.MintTxID, &j.MintedMicro, &j.RejectReason, &created, &updated, &mintedAt)
	if err != nil {
		return nil, err
	}
	j.Spec = json.RawMessage(spec)
	if attestation != "" {
		j.Attestation = json.RawMessage(attestation)
	}
	if report != "" {
		j.Report = json.RawMessage(report)
	}
	if score.Valid {
		j.Score = &score.Float64
	}
	if j.CreatedAt, err = store.ParseTime(created); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = store.ParseTime(updated); err != nil {
		return nil, err
	}
	if mintedAt.Valid && mintedAt.String != "" {
		t, err := store.ParseTime(mintedAt.String)
		if err != nil {
			return nil, err
		}
		j.MintedAt = &t
	}
	return &j, nil
}

// GetJob fetches one job.
func (s *Service) GetJob(ctx context.Context, id string) (*contracts.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j, err
}

// ListJobs returns jobs, newest first, optionally filtered by submitter
// and/or status. limit caps the result; zero means 100.
func (s *Service) ListJobs(ctx context.Context, submitterID string, status contracts.JobStatus, limit int) ([]*contracts.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
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

	var jobs []*contracts.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// transition flips a job's status only from the expected prior status.
// Returns false when the job was not in the expected status, which is how
// duplicate event deliveries collapse to no-ops.
func (s *Service) transition(ctx context.Context, jobID string, from, to contracts.JobStatus, set string, args ...any) (bool, error) {
	now := store.FormatTime(s.clock())
	query := fmt.Sprintf(
		`UPDATE jobs SET status = $1, updated_at = $2%s WHERE id = $%d AND status = $%d`,
		set, len(args)+3, len(args)+4)
	full := append([]any{string(to), now}, args...)
	full = append(full, jobID, string(from))

	res, err := s.db.ExecContext(ctx, query, full...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Service) markScored(ctx context.Context, jobID string, score float64, report json.RawMessage) (bool, error) {
	return s.transition(ctx, jobID, contracts.JobSubmitted, contracts.JobScored,
		`, score = $3, report = $4`, score, string(report))
}

func (s *Service) markMinted(ctx context.Context, jobID, txID string, micro int64, at time.Time) (bool, error) {
	return s.transition(ctx, jobID, contracts.JobScored, contracts.JobMinted,
		`, mint_tx_id = $3, minted_micro = $4, minted_at = $5`,
		txID, micro, store.FormatTime(at))
}

func (s *Service) markRejected(ctx context.Context, jobID, reason string) (bool, error) {
	return s.transition(ctx, jobID, contracts.JobScored, contracts.JobRejected,
		`, reject_reason = $3`, reason)
}
