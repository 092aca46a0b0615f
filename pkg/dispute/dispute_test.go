package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greaterdan/aimcore/pkg/bus"
	"github.com/greaterdan/aimcore/pkg/contracts"
	"github.com/greaterdan/aimcore/pkg/journal"
	"github.com/greaterdan/aimcore/pkg/ledger"
	"github.com/greaterdan/aimcore/pkg/mint"
	"github.com/greaterdan/aimcore/pkg/policy"
	"github.com/greaterdan/aimcore/pkg/signing"
	"github.com/greaterdan/aimcore/pkg/store"
	"github.com/greaterdan/aimcore/pkg/verifier"
)

type stubScorer struct {
	score float64
	err   error
}

func (s *stubScorer) Score(context.Context, verifier.ScoreRequest) (*verifier.ScoreResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &verifier.ScoreResponse{Score: s.score}, nil
}

type fixture struct {
	svc    *Service
	ledger *ledger.Service
	jobs   *mint.Service
	scorer *stubScorer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	oracle, err := signing.NewLocalOracle()
	require.NoError(t, err)
	jrnl, err := journal.New(db, oracle, slog.Default())
	require.NoError(t, err)
	ldgr, err := ledger.New(db, jrnl, slog.Default())
	require.NoError(t, err)

	policies, err := policy.NewStore(db)
	require.NoError(t, err)
	require.NoError(t, policies.SeedDefaults(context.Background(), policy.Defaults()))

	b := bus.NewMemory(slog.Default())
	t.Cleanup(func() { _ = b.Close() })
	jobs, err := mint.New(db, ldgr, b, policies, slog.Default())
	require.NoError(t, err)

	_, err = ldgr.CreateAccount(context.Background(), contracts.EscrowAccountID, contracts.AccountKindService)
	require.NoError(t, err)

	scorer := &stubScorer{score: 0.95}
	svc, err := New(db, ldgr, jobs, scorer, policies, slog.Default())
	require.NoError(t, err)
	return &fixture{svc: svc, ledger: ldgr, jobs: jobs, scorer: scorer}
}

// mintedJob pushes a job through the pipeline to minted (score 0.95 mints
// 66666 micro).
func (f *fixture) mintedJob(t *testing.T) *contracts.Job {
	t.Helper()
	ctx := context.Background()
	if _, err := f.ledger.GetAccount(ctx, "agent-1"); err != nil {
		_, err = f.ledger.CreateAccount(ctx, "agent-1", contracts.AccountKindAgent)
		require.NoError(t, err)
	}
	job, err := f.jobs.Submit(ctx, mint.SubmitRequest{
		SubmitterID: "agent-1",
		Spec:        json.RawMessage(`{"task":"classify"}`),
		InputsHash:  "cafe",
	})
	require.NoError(t, err)
	require.NoError(t, f.jobs.RecordScore(ctx, job.ID, 0.95, nil))
	require.NoError(t, f.jobs.HandleScored(ctx, contracts.JobScoredEvent{JobID: job.ID, Score: 0.95}))

	minted, err := f.jobs.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.JobMinted, minted.Status)
	return minted
}

func (f *fixture) balance(t *testing.T, account string) int64 {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), account)
	require.NoError(t, err)
	return b.MicroAmount
}

func TestCreateRequiresMintedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.CreateAccount(ctx, "agent-1", contracts.AccountKindAgent)
	require.NoError(t, err)
	job, err := f.jobs.Submit(ctx, mint.SubmitRequest{
		SubmitterID: "agent-1", Spec: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, CreateRequest{JobID: job.ID, Reason: "bad output"})
	assert.ErrorIs(t, err, ErrJobNotMinted)
}

func TestCreateLocksMintedAmountInEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.mintedJob(t)
	require.Equal(t, int64(66666), f.balance(t, "agent-1"))

	d, err := f.svc.Create(ctx, CreateRequest{JobID: job.ID, Reason: "bad output"})
	require.NoError(t, err)
	assert.Equal(t, contracts.DisputeOpen, d.Status)
	assert.Equal(t, int64(66666), d.LockedMicro)

	assert.Zero(t, f.balance(t, "agent-1"))
	assert.Equal(t, int64(66666), f.balance(t, contracts.EscrowAccountID))
}

func TestCreateOutsideWindowFails(t *testing.T) {
	f := newFixture(t)
	job := f.mintedJob(t)

	f.svc.WithClock(func() time.Time { return time.Now().Add(25 * time.Hour) })
	_, err := f.svc.Create(context.Background(), CreateRequest{JobID: job.ID, Reason: "late"})
	assert.ErrorIs(t, err, ErrWindowExpired)
}

func TestCreateDuplicateFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.mintedJob(t)

	_, err := f.svc.Create(ctx, CreateRequest{JobID: job.ID, Reason: "first"})
	require.NoError(t, err)
	_, err = f.svc.Create(ctx, CreateRequest{JobID: job.ID, Reason: "second"})
	assert.ErrorIs(t, err, ErrDisputeExists)
}

func TestProcessUpholdsBelowStrictThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.mintedJob(t)

	d, err := f.svc.Create(ctx, CreateRequest{JobID: job.ID, Reason: "bad output"})
	require.NoError(t, err)

	// Clears the 0.85 mint bar but not the 0.90 dispute bar.
	f.scorer.score = 0.87
	resolved, err := f.svc.Process(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.DisputeResolved, resolved.Status)
	assert.Equal(t, contracts.ResolutionUpheld, resolved.Resolution)

	// Escrowed amount is gone for good.
	assert.Zero(t, f.balance(t, "agent-1"))
	assert.Zero(t, f.balance(t, contracts.EscrowAccountID))

	acct, err := f.ledger.GetAccount(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, float64(-10), acct.Reputation)
}

func TestProcessReleasesAtStrictThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.mintedJob(t)

	d, err := f.svc.Create(ctx, CreateRequest{JobID: job.ID, Reason: "bad output"})
	require.NoError(t, err)

	f.scorer.score = 0.90
	resolved, err := f.svc.Process(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.DisputeRejected, resolved.Status)
	assert.Equal(t, contracts.ResolutionRejected, resolved.Resolution)

	assert.Equal(t, int64(66666), f.balance(t, "agent-1"))
	assert.Zero(t, f.balance(t, contracts.EscrowAccountID))

	acct, err := f.ledger.GetAccount(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, float64(5), acct.Reputation)
}

func TestProcessVerifierFailureUpholds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.mintedJob(t)

	d, err := f.svc.Create(ctx, CreateRequest{JobID: job.ID, Reason: "bad output"})
	require.NoError(t, err)

	f.scorer.err = errors.New("verifier down")
	resolved, err := f.svc.Process(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.DisputeResolved, resolved.Status)
	assert.Equal(t, contracts.ResolutionUpheld, resolved.Resolution)
	assert.Zero(t, f.balance(t, contracts.EscrowAccountID))
}

func TestProcessTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.mintedJob(t)

	d, err := f.svc.Create(ctx, CreateRequest{JobID: job.ID, Reason: "bad output"})
	require.NoError(t, err)

	f.scorer.score = 0.95
	first, err := f.svc.Process(ctx, d.ID)
	require.NoError(t, err)
	second, err := f.svc.Process(ctx, d.ID)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	// Funds released exactly once.
	assert.Equal(t, int64(66666), f.balance(t, "agent-1"))
}

func TestOpenDisputesDrainedWithoutOperatorCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.mintedJob(t)

	d, err := f.svc.Create(ctx, CreateRequest{JobID: job.ID, Reason: "contested"})
	require.NoError(t, err)
	require.Equal(t, contracts.DisputeOpen, d.Status)

	f.scorer.score = 0.95
	n, err := f.svc.ProcessOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.ByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.DisputeRejected, got.Status)

	// A second drain finds nothing open.
	n, err = f.svc.ProcessOpen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
