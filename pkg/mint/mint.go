// Package mint orchestrates the job pipeline: submission, scoring, and the
// decision to mint. A job moves submitted -> scored -> minted or rejected
// and can be minted at most once.
package mint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/greaterdan/aimcore/pkg/bus"
	"github.com/greaterdan/aimcore/pkg/contracts"
	"github.com/greaterdan/aimcore/pkg/ledger"
	"github.com/greaterdan/aimcore/pkg/observability"
	"github.com/greaterdan/aimcore/pkg/policy"
	"github.com/greaterdan/aimcore/pkg/store"
	"github.com/greaterdan/aimcore/pkg/verifier"
)

// ErrNotAgent is returned when a non-agent account submits a job.
var ErrNotAgent = errors.New("mint: only agent accounts can submit jobs")

// MintReason tags every pipeline mint in the journal.
const MintReason = "ai_job_completion"

// Service is the mint orchestrator.
type Service struct {
	db       *sql.DB
	ledger   *ledger.Service
	bus      bus.Bus
	policies *policy.Store
	clock    func() time.Time
	log      *slog.Logger

	// Serializes HandleScored per job id.
	locks sync.Map
}

// New creates the orchestrator and migrates the jobs table.
func New(db *sql.DB, ldgr *ledger.Service, b bus.Bus, policies *policy.Store, log *slog.Logger) (*Service, error) {
	s := &Service{
		db:       db,
		ledger:   ldgr,
		bus:      b,
		policies: policies,
		clock:    time.Now,
		log:      log.With("component", "mint"),
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

// Start subscribes the orchestrator to the scored-job topic.
func (s *Service) Start() (bus.Subscription, error) {
	return s.bus.Subscribe(contracts.TopicJobScored, func(ctx context.Context, data []byte) error {
		var ev contracts.JobScoredEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode scored event: %w", err)
		}
		return s.HandleScored(ctx, ev)
	})
}

// StartScoring subscribes a scoring worker to the submitted-job topic. Each
// submitted job is sent to the scorer and its result recorded, which in turn
// publishes the scored event. Scorer failures are returned so the bus can
// redeliver.
func (s *Service) StartScoring(scorer verifier.Scorer) (bus.Subscription, error) {
	return s.bus.Subscribe(contracts.TopicJobSubmitted, func(ctx context.Context, data []byte) error {
		var ev contracts.JobSubmittedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode submitted event: %w", err)
		}
		res, err := scorer.Score(ctx, verifier.ScoreRequest{
			JobID:      ev.JobID,
			InputsHash: ev.InputsHash,
			Spec:       ev.Spec,
		})
		if err != nil {
			return fmt.Errorf("score job %s: %w", ev.JobID, err)
		}
		return s.RecordScore(ctx, ev.JobID, res.Score, res.Report)
	})
}

// SubmitRequest describes a job submission.
type SubmitRequest struct {
	SubmitterID string          `json:"submitter_account_id"`
	Spec        json.RawMessage `json:"spec"`
	InputsHash  string          `json:"inputs_hash"`
	Attestation json.RawMessage `json:"attestation,omitempty"`
}

// Submit persists a new job and announces it on the bus. Only active agent
// accounts may submit.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*contracts.Job, error) {
	acct, err := s.ledger.GetAccount(ctx, req.SubmitterID)
	if err != nil {
		return nil, err
	}
	if acct.Kind != contracts.AccountKindAgent {
		return nil, fmt.Errorf("%w: account %s is %s", ErrNotAgent, acct.ID, acct.Kind)
	}

	now := s.clock().UTC()
	job := &contracts.Job{
		ID:          uuid.NewString(),
		SubmitterID: req.SubmitterID,
		Spec:        req.Spec,
		InputsHash:  req.InputsHash,
		Attestation: req.Attestation,
		Status:      contracts.JobSubmitted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, submitter_id, spec, inputs_hash, attestation, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.SubmitterID, string(job.Spec), job.InputsHash,
		string(job.Attestation), string(job.Status),
		store.FormatTime(now), store.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	err = s.bus.Publish(ctx, contracts.TopicJobSubmitted, contracts.JobSubmittedEvent{
		JobID:       job.ID,
		SubmitterID: job.SubmitterID,
		InputsHash:  job.InputsHash,
		Spec:        job.Spec,
		Timestamp:   now.UnixMilli(),
	})
	if err != nil {
		s.log.ErrorContext(ctx, "publish job.submitted failed", "job_id", job.ID, "error", err)
	}

	s.log.InfoContext(ctx, "job submitted", "job_id", job.ID, "submitter", job.SubmitterID)
	return job, nil
}

// RecordScore attaches a verifier verdict to a submitted job and announces
// it. A job already past submitted keeps its first score.
func (s *Service) RecordScore(ctx context.Context, jobID string, score float64, report json.RawMessage) error {
	if score < 0 || score > 1 {
		return fmt.Errorf("mint: score %v out of range", score)
	}
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}

	ok, err := s.markScored(ctx, jobID, score, report)
	if err != nil {
		return err
	}
	if !ok {
		s.log.WarnContext(ctx, "score ignored, job not in submitted", "job_id", jobID)
		return nil
	}

	return s.bus.Publish(ctx, contracts.TopicJobScored, contracts.JobScoredEvent{
		JobID:     jobID,
		Score:     score,
		Report:    report,
		Timestamp: s.clock().UnixMilli(),
	})
}

// HandleScored decides a scored job: mint when the score clears the policy
// threshold, reject otherwise. Safe under duplicate delivery; the
// scored -> minted transition happens once.
func (s *Service) HandleScored(ctx context.Context, ev contracts.JobScoredEvent) error {
	mu, _ := s.locks.LoadOrStore(ev.JobID, &sync.Mutex{})
	lock := mu.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	job, err := s.GetJob(ctx, ev.JobID)
	if err != nil {
		return err
	}
	if job.Status != contracts.JobScored {
		if job.Status == contracts.JobMinted || job.Status == contracts.JobRejected {
			s.releaseLock(ev.JobID)
		}
		s.log.InfoContext(ctx, "scored event ignored", "job_id", ev.JobID, "status", job.Status)
		return nil
	}

	threshold := s.policies.GetFloat(ctx, policy.KeyMintThreshold, 0.85)
	base := s.policies.GetInt(ctx, policy.KeyMintCurveBase, 100000)
	amount := MintAmount(ev.Score, base, threshold)

	if amount <= 0 {
		reason := fmt.Sprintf("score %v does not clear mint threshold %v", ev.Score, threshold)
		if _, err := s.markRejected(ctx, ev.JobID, reason); err != nil {
			return err
		}
		s.releaseLock(ev.JobID)
		observability.MintsTotal.WithLabelValues("rejected").Inc()
		s.log.InfoContext(ctx, "job rejected", "job_id", ev.JobID, "score", ev.Score)
		return nil
	}

	micro := contracts.FormatMicroAmount(amount)
	res, err := s.ledger.Mint(ctx, job.SubmitterID, micro, job.ID, MintReason)
	if err != nil {
		reason := fmt.Sprintf("mint failed: %v", err)
		if _, rerr := s.markRejected(ctx, ev.JobID, reason); rerr != nil {
			return errors.Join(err, rerr)
		}
		s.releaseLock(ev.JobID)
		s.log.ErrorContext(ctx, "mint failed, job rejected", "job_id", ev.JobID, "error", err)
		return nil
	}

	ok, err := s.markMinted(ctx, ev.JobID, res.TransactionID, amount, s.clock().UTC())
	if err != nil {
		return err
	}
	if !ok {
		// Lost the transition after minting; the per-job lock makes this
		// unreachable unless the row was mutated out of band.
		return fmt.Errorf("mint: job %s transitioned away during mint", ev.JobID)
	}

	err = s.bus.Publish(ctx, contracts.TopicMintReady, contracts.MintReadyEvent{
		JobID:       ev.JobID,
		AccountID:   job.SubmitterID,
		MicroAmount: micro,
		Timestamp:   s.clock().UnixMilli(),
	})
	if err != nil {
		s.log.ErrorContext(ctx, "publish mint.ready failed", "job_id", ev.JobID, "error", err)
	}

	s.releaseLock(ev.JobID)
	observability.MintsTotal.WithLabelValues("minted").Inc()
	observability.MintedMicro.Add(float64(amount))
	s.log.InfoContext(ctx, "job minted",
		"job_id", ev.JobID, "account_id", job.SubmitterID,
		"micro_amount", micro, "transaction_id", res.TransactionID)
	return nil
}

// releaseLock drops a job's mutex once the job is terminal, so the lock map
// does not grow with the lifetime of the process. A handler still holding
// the old mutex re-checks status under it, so a fresh mutex for the same id
// cannot admit a second mint.
func (s *Service) releaseLock(jobID string) {
	s.locks.Delete(jobID)
}

// MintAmount converts a verifier score into micro units. Scores scale
// linearly between threshold and 1.0; below threshold earns nothing.
func MintAmount(score float64, base int64, threshold float64) int64 {
	if score < threshold || threshold >= 1 {
		return 0
	}
	scaled := (score - threshold) / (1.0 - threshold)
	return int64(math.Floor(float64(base) * scaled))
}
