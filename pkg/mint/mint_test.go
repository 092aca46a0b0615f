package mint

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greaterdan/aimcore/pkg/bus"
	"github.com/greaterdan/aimcore/pkg/contracts"
	"github.com/greaterdan/aimcore/pkg/journal"
	"github.com/greaterdan/aimcore/pkg/ledger"
	"github.com/greaterdan/aimcore/pkg/policy"
	"github.com/greaterdan/aimcore/pkg/signing"
	"github.com/greaterdan/aimcore/pkg/store"
	"github.com/greaterdan/aimcore/pkg/verifier"
)

type fixture struct {
	svc    *Service
	ledger *ledger.Service
	bus    *bus.Memory
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

	svc, err := New(db, ldgr, b, policies, slog.Default())
	require.NoError(t, err)
	return &fixture{svc: svc, ledger: ldgr, bus: b}
}

func (f *fixture) agent(t *testing.T, id string) {
	t.Helper()
	_, err := f.ledger.CreateAccount(context.Background(), id, contracts.AccountKindAgent)
	require.NoError(t, err)
}

func (f *fixture) submit(t *testing.T, submitter string) *contracts.Job {
	t.Helper()
	job, err := f.svc.Submit(context.Background(), SubmitRequest{
		SubmitterID: submitter,
		Spec:        json.RawMessage(`{"task":"classify"}`),
		InputsHash:  "deadbeef",
	})
	require.NoError(t, err)
	return job
}

func TestSubmitRequiresAgentAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.CreateAccount(ctx, "alice", contracts.AccountKindHuman)
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, SubmitRequest{SubmitterID: "alice", Spec: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrNotAgent)

	_, err = f.svc.Submit(ctx, SubmitRequest{SubmitterID: "ghost", Spec: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestSubmitPublishesEvent(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "agent-1")

	var got contracts.JobSubmittedEvent
	_, err := f.bus.Subscribe(contracts.TopicJobSubmitted, func(_ context.Context, data []byte) error {
		return json.Unmarshal(data, &got)
	})
	require.NoError(t, err)

	job := f.submit(t, "agent-1")
	assert.Equal(t, job.ID, got.JobID)
	assert.Equal(t, "agent-1", got.SubmitterID)
	assert.Equal(t, contracts.JobSubmitted, job.Status)
}

func TestScoreAboveThresholdMints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "agent-1")
	job := f.submit(t, "agent-1")

	var ready contracts.MintReadyEvent
	_, err := f.bus.Subscribe(contracts.TopicMintReady, func(_ context.Context, data []byte) error {
		return json.Unmarshal(data, &ready)
	})
	require.NoError(t, err)
	sub, err := f.svc.Start()
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	require.NoError(t, f.svc.RecordScore(ctx, job.ID, 0.90, json.RawMessage(`{"ok":true}`)))

	got, err := f.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.JobMinted, got.Status)
	assert.Equal(t, int64(33333), got.MintedMicro)
	assert.NotEmpty(t, got.MintTxID)
	require.NotNil(t, got.Score)
	assert.Equal(t, 0.90, *got.Score)

	bal, err := f.ledger.GetBalance(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(33333), bal.MicroAmount)

	assert.Equal(t, job.ID, ready.JobID)
	assert.Equal(t, "33333", ready.MicroAmount)
}

func TestScoreBelowThresholdRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "agent-1")
	job := f.submit(t, "agent-1")

	sub, err := f.svc.Start()
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	require.NoError(t, f.svc.RecordScore(ctx, job.ID, 0.80, nil))

	got, err := f.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.JobRejected, got.Status)
	assert.Contains(t, got.RejectReason, "threshold")

	bal, err := f.ledger.GetBalance(ctx, "agent-1")
	require.NoError(t, err)
	assert.Zero(t, bal.MicroAmount)
}

func TestScoreAtThresholdMintsNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "agent-1")
	job := f.submit(t, "agent-1")

	sub, err := f.svc.Start()
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	require.NoError(t, f.svc.RecordScore(ctx, job.ID, 0.85, nil))

	got, err := f.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.JobRejected, got.Status)
}

func TestDuplicateScoredEventMintsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "agent-1")
	job := f.submit(t, "agent-1")

	require.NoError(t, f.svc.RecordScore(ctx, job.ID, 0.95, nil))

	ev := contracts.JobScoredEvent{JobID: job.ID, Score: 0.95}
	require.NoError(t, f.svc.HandleScored(ctx, ev))
	require.NoError(t, f.svc.HandleScored(ctx, ev))

	bal, err := f.ledger.GetBalance(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(66666), bal.MicroAmount, "exactly one mint for two deliveries")
}

func TestRecordScoreIgnoredAfterTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "agent-1")
	job := f.submit(t, "agent-1")

	require.NoError(t, f.svc.RecordScore(ctx, job.ID, 0.95, nil))
	// Second verdict arrives late; the first one stands.
	require.NoError(t, f.svc.RecordScore(ctx, job.ID, 0.10, nil))

	got, err := f.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Score)
	assert.Equal(t, 0.95, *got.Score)
}

func TestListJobsFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "agent-1")
	f.agent(t, "agent-2")
	f.submit(t, "agent-1")
	f.submit(t, "agent-1")
	f.submit(t, "agent-2")

	jobs, err := f.svc.ListJobs(ctx, "agent-1", "", 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = f.svc.ListJobs(ctx, "", contracts.JobSubmitted, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}

func TestMintAmountCurve(t *testing.T) {
	cases := []struct {
		score float64
		want  int64
	}{
		{0.84, 0},
		{0.85, 0},
		{0.90, 33333},
		{0.925, 50000},
		{1.0, 100000},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MintAmount(tc.score, 100000, 0.85), "score %v", tc.score)
	}
}

func TestScoringWorkerDrivesPipeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "agent-1")

	sub, err := f.svc.Start()
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	scoreSub, err := f.svc.StartScoring(verifier.Fixed(0.90))
	require.NoError(t, err)
	defer func() { _ = scoreSub.Unsubscribe() }()

	job := f.submit(t, "agent-1")

	got, err := f.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.JobMinted, got.Status)
	assert.Equal(t, int64(33333), got.MintedMicro)
}

func TestJobLockReleasedAfterTerminalTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.agent(t, "agent-1")
	job := f.submit(t, "agent-1")

	require.NoError(t, f.svc.RecordScore(ctx, job.ID, 0.95, nil))
	require.NoError(t, f.svc.HandleScored(ctx, contracts.JobScoredEvent{JobID: job.ID, Score: 0.95}))

	_, held := f.svc.locks.Load(job.ID)
	assert.False(t, held, "terminal job must not pin its mutex")

	// Redelivery after release is still a no-op and leaves no entry behind.
	require.NoError(t, f.svc.HandleScored(ctx, contracts.JobScoredEvent{JobID: job.ID, Score: 0.95}))
	got, err := f.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.JobMinted, got.Status)
	_, held = f.svc.locks.Load(job.ID)
	assert.False(t, held)
}
