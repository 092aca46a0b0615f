package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greaterdan/aimcore/pkg/bus"
	"github.com/greaterdan/aimcore/pkg/canonicalize"
	"github.com/greaterdan/aimcore/pkg/contracts"
	"github.com/greaterdan/aimcore/pkg/demurrage"
	"github.com/greaterdan/aimcore/pkg/dispute"
	"github.com/greaterdan/aimcore/pkg/journal"
	"github.com/greaterdan/aimcore/pkg/ledger"
	"github.com/greaterdan/aimcore/pkg/mint"
	"github.com/greaterdan/aimcore/pkg/policy"
	"github.com/greaterdan/aimcore/pkg/signing"
	"github.com/greaterdan/aimcore/pkg/store"
	"github.com/greaterdan/aimcore/pkg/translog"
	"github.com/greaterdan/aimcore/pkg/verifier"
)

type apiFixture struct {
	srv    *httptest.Server
	mint   *mint.Service
	ledger *ledger.Service
	oracle *signing.LocalOracle
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	db, err := store.Open("sqlite", "file:"+t.Name()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	oracle, err := signing.NewLocalOracle()
	require.NoError(t, err)
	for _, w := range []string{"witness-1", "witness-2", "witness-3"} {
		require.NoError(t, oracle.GenerateKey(signing.WitnessLatticeKeyID(w), signing.SchemeLattice))
		require.NoError(t, oracle.GenerateKey(signing.WitnessHashKeyID(w), signing.SchemeHash))
	}

	jrnl, err := journal.New(db, oracle, slog.Default())
	require.NoError(t, err)
	ldgr, err := ledger.New(db, jrnl, slog.Default())
	require.NoError(t, err)

	policies, err := policy.NewStore(db)
	require.NoError(t, err)
	require.NoError(t, policies.SeedDefaults(context.Background(), policy.Defaults()))

	b := bus.NewMemory(slog.Default())
	t.Cleanup(func() { _ = b.Close() })

	mintSvc, err := mint.New(db, ldgr, b, policies, slog.Default())
	require.NoError(t, err)
	sub, err := mintSvc.Start()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	_, err = ldgr.CreateAccount(context.Background(), contracts.EscrowAccountID, contracts.AccountKindService)
	require.NoError(t, err)

	disputes, err := dispute.New(db, ldgr, mintSvc, verifier.Fixed(0.95), policies, slog.Default())
	require.NoError(t, err)

	tlog, err := translog.New(db, jrnl, policies, oracle, translog.NoopAnchor{}, slog.Default())
	require.NoError(t, err)

	sweeper := demurrage.NewSweeper(ldgr, policies, 0, slog.Default())

	server := NewServer(jrnl, ldgr, tlog, mintSvc, disputes, sweeper, slog.Default())
	srv := httptest.NewServer(server.Router(0))
	t.Cleanup(srv.Close)

	return &apiFixture{srv: srv, mint: mintSvc, ledger: ldgr, oracle: oracle}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, raw
}

func (f *apiFixture) createAccount(t *testing.T, id, kind string) {
	t.Helper()
	resp, _ := f.do(t, http.MethodPost, "/accounts/", map[string]string{"id": id, "kind": kind})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

// mintedJob drives a job through scoring to minted over the synchronous bus.
func (f *apiFixture) mintedJob(t *testing.T) contracts.Job {
	t.Helper()
	if _, err := f.ledger.GetAccount(context.Background(), "agent-1"); err != nil {
		f.createAccount(t, "agent-1", "agent")
	}
	resp, raw := f.do(t, http.MethodPost, "/jobs/", map[string]any{
		"submitter_account_id": "agent-1",
		"spec":                 map[string]string{"task": "classify"},
		"inputs_hash":          "cafe",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var job contracts.Job
	require.NoError(t, json.Unmarshal(raw, &job))

	require.NoError(t, f.mint.RecordScore(context.Background(), job.ID, 0.95, nil))

	_, raw = f.do(t, http.MethodGet, "/jobs/"+job.ID, nil)
	require.NoError(t, json.Unmarshal(raw, &job))
	require.Equal(t, contracts.JobMinted, job.Status)
	return job
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	resp, raw := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(raw))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestAccountLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	resp, raw := f.do(t, http.MethodPost, "/accounts/", map[string]string{"id": "alice", "kind": "human"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var acct contracts.Account
	require.NoError(t, json.Unmarshal(raw, &acct))
	assert.Equal(t, "alice", acct.ID)

	resp, _ = f.do(t, http.MethodPost, "/accounts/", map[string]string{"id": "alice", "kind": "human"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))

	resp, _ = f.do(t, http.MethodPost, "/accounts/", map[string]string{"id": "bob", "kind": "wizard"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, raw = f.do(t, http.MethodGet, "/accounts/alice", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &acct))
	assert.Equal(t, contracts.AccountKindHuman, acct.Kind)

	resp, _ = f.do(t, http.MethodGet, "/accounts/nobody", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTransferAndBalances(t *testing.T) {
	f := newAPIFixture(t)
	f.createAccount(t, "alice", "human")
	f.createAccount(t, "bob", "human")

	resp, _ := f.do(t, http.MethodPost, "/internal/balances/mint", map[string]string{
		"account_id": "alice", "micro_amount": "5000", "reason": "seed",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/internal/transfer", map[string]string{
		"from": "alice", "to": "bob", "micro_amount": "1500",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var bal contracts.Balance
	resp, raw := f.do(t, http.MethodGet, "/internal/balances/bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &bal))
	assert.Equal(t, int64(1500), bal.MicroAmount)

	_, raw = f.do(t, http.MethodGet, "/internal/balances/alice", nil)
	require.NoError(t, json.Unmarshal(raw, &bal))
	assert.Equal(t, int64(3500), bal.MicroAmount)

	resp, _ = f.do(t, http.MethodPost, "/internal/transfer", map[string]string{
		"from": "bob", "to": "alice", "micro_amount": "999999",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/internal/transfer", map[string]string{
		"from": "bob", "to": "bob", "micro_amount": "1",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitJobValidation(t *testing.T) {
	f := newAPIFixture(t)
	f.createAccount(t, "agent-1", "agent")
	f.createAccount(t, "alice", "human")

	resp, raw := f.do(t, http.MethodPost, "/jobs/", map[string]any{
		"submitter_account_id": "agent-1",
		"spec":                 map[string]int{"priority": 3},
		"inputs_hash":          "cafe",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, string(raw), "spec")

	resp, _ = f.do(t, http.MethodPost, "/jobs/", map[string]any{
		"submitter_account_id": "alice",
		"spec":                 map[string]string{"task": "classify"},
		"inputs_hash":          "cafe",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobPipeline(t *testing.T) {
	f := newAPIFixture(t)
	job := f.mintedJob(t)
	assert.Equal(t, int64(66666), job.MintedMicro)
	assert.NotEmpty(t, job.MintTxID)

	var bal contracts.Balance
	_, raw := f.do(t, http.MethodGet, "/internal/balances/agent-1", nil)
	require.NoError(t, json.Unmarshal(raw, &bal))
	assert.Equal(t, int64(66666), bal.MicroAmount)

	resp, raw := f.do(t, http.MethodGet, "/jobs/?status=minted&submitter=agent-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jobs []contracts.Job
	require.NoError(t, json.Unmarshal(raw, &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)

	// the mint entry is queryable in the journal
	resp, _ = f.do(t, http.MethodGet, "/internal/journal/"+job.MintTxID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDisputeEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	job := f.mintedJob(t)

	resp, _ := f.do(t, http.MethodPost, "/disputes/", map[string]any{
		"job_id": job.ID,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, raw := f.do(t, http.MethodPost, "/disputes/", map[string]any{
		"job_id":   job.ID,
		"reason":   "output quality below claim",
		"evidence": map[string]string{"notes": "spot check failed"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var d contracts.Dispute
	require.NoError(t, json.Unmarshal(raw, &d))
	assert.Equal(t, contracts.DisputeOpen, d.Status)
	assert.Equal(t, job.MintedMicro, d.LockedMicro)

	resp, _ = f.do(t, http.MethodPost, "/disputes/", map[string]any{
		"job_id": job.ID, "reason": "again",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, raw = f.do(t, http.MethodPost, "/internal/disputes/"+d.ID+"/process", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &d))
	assert.Equal(t, contracts.DisputeRejected, d.Status)
	assert.Equal(t, contracts.ResolutionRejected, d.Resolution)

	resp, raw = f.do(t, http.MethodGet, "/disputes/"+d.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw = f.do(t, http.MethodGet, "/disputes/?status=rejected", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ds []contracts.Dispute
	require.NoError(t, json.Unmarshal(raw, &ds))
	assert.Len(t, ds, 1)
}

func TestTransparencyLogEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	job := f.mintedJob(t)

	resp, _ := f.do(t, http.MethodGet, "/log/latest", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/log/proof?tx_id="+job.MintTxID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, raw := f.do(t, http.MethodPost, "/internal/log/checkpoint", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var cp contracts.Checkpoint
	require.NoError(t, json.Unmarshal(raw, &cp))
	assert.Equal(t, contracts.CheckpointOpen, cp.Status)

	resp, raw = f.do(t, http.MethodGet, "/log/proof?tx_id="+job.MintTxID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var proof translog.Proof
	require.NoError(t, json.Unmarshal(raw, &proof))
	assert.Equal(t, cp.ID, proof.CheckpointID)
	require.NotNil(t, proof.Inclusion)
	assert.Equal(t, cp.MerkleRoot, proof.Inclusion.Root)

	// publishing before quorum is refused
	resp, _ = f.do(t, http.MethodPost, "/internal/log/publish/"+cp.ID, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	msg, err := canonicalize.CheckpointSigningBytes(cp.MerkleRoot, cp.TreeSize)
	require.NoError(t, err)
	for _, w := range []string{"witness-1", "witness-2"} {
		sigL, err := f.oracle.Sign(context.Background(), msg, signing.WitnessLatticeKeyID(w), signing.SchemeLattice)
		require.NoError(t, err)
		sigH, err := f.oracle.Sign(context.Background(), msg, signing.WitnessHashKeyID(w), signing.SchemeHash)
		require.NoError(t, err)
		resp, raw = f.do(t, http.MethodPost, "/log/witness/cosign", map[string]string{
			"checkpoint_id": cp.ID,
			"witness_name":  w,
			"sig_lattice":   sigL,
			"sig_hash":      sigH,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	var status contracts.WitnessStatus
	resp, raw = f.do(t, http.MethodGet, "/log/witness/status/"+cp.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &status))
	assert.True(t, status.Complete)
	assert.Equal(t, 2, status.SignedCount)

	resp, raw = f.do(t, http.MethodPost, "/internal/log/publish/"+cp.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &cp))
	assert.Equal(t, contracts.CheckpointPublished, cp.Status)
	assert.Equal(t, "aim-checkpoint="+cp.MerkleRoot, cp.AnchorTXT)

	resp, raw = f.do(t, http.MethodGet, "/log/latest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/log/witness/cosign", map[string]string{
		"checkpoint_id": cp.ID,
		"witness_name":  "stranger",
		"sig_lattice":   "00",
		"sig_hash":      "00",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProblemDetailShape(t *testing.T) {
	f := newAPIFixture(t)
	resp, raw := f.do(t, http.MethodGet, "/accounts/nobody", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))

	var pd ProblemDetail
	require.NoError(t, json.Unmarshal(raw, &pd))
	assert.Equal(t, fmt.Sprintf("https://aimcore.dev/errors/%d", http.StatusNotFound), pd.Type)
	assert.Equal(t, http.StatusNotFound, pd.Status)
	assert.NotEmpty(t, pd.Detail)
}

func TestDemurragePreviewEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.createAccount(t, "alice", "human")
	resp, _ := f.do(t, http.MethodPost, "/internal/balances/mint", map[string]string{
		"account_id": "alice", "micro_amount": "1000000000", "reason": "seed",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw := f.do(t, http.MethodGet, "/internal/demurrage/preview/alice?days=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "54794", out["demurrage_micro"])
}
