package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/greaterdan/aimcore/pkg/contracts"
	"github.com/greaterdan/aimcore/pkg/demurrage"
	"github.com/greaterdan/aimcore/pkg/dispute"
	"github.com/greaterdan/aimcore/pkg/journal"
	"github.com/greaterdan/aimcore/pkg/ledger"
	"github.com/greaterdan/aimcore/pkg/mint"
	"github.com/greaterdan/aimcore/pkg/observability"
	"github.com/greaterdan/aimcore/pkg/translog"
)

// Server wires the HTTP surface over the core services.
type Server struct {
	journal  *journal.Service
	ledger   *ledger.Service
	translog *translog.Service
	mint     *mint.Service
	disputes *dispute.Service
	sweeper  *demurrage.Sweeper
	log      *slog.Logger
}

// NewServer creates the API server.
func NewServer(jrnl *journal.Service, ldgr *ledger.Service, tlog *translog.Service, mintSvc *mint.Service, disputes *dispute.Service, sweeper *demurrage.Sweeper, log *slog.Logger) *Server {
	return &Server{
		journal:  jrnl,
		ledger:   ldgr,
		translog: tlog,
		mint:     mintSvc,
		disputes: disputes,
		sweeper:  sweeper,
		log:      log.With("component", "api"),
	}
}

// Router builds the chi mux. ratePerMinute caps public requests per IP;
// zero disables limiting (tests).
func (s *Server) Router(ratePerMinute int) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Metrics)
	if ratePerMinute > 0 {
		rl := NewGlobalRateLimiter(ratePerMinute/60+1, ratePerMinute/6+1)
		r.Use(rl.Middleware)
	}

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	r.Route("/internal", func(r chi.Router) {
		r.Post("/transfer", s.handleTransfer)
		r.Post("/balances/mint", s.handleMint)
		r.Post("/balances/adjust", s.handleAdjust)
		r.Get("/balances/{accountID}", s.handleGetBalance)
		r.Get("/journal/{txID}", s.handleGetEntry)
		r.Get("/demurrage/preview/{accountID}", s.handleDemurragePreview)
		r.Post("/log/checkpoint", s.handleCreateCheckpoint)
		r.Post("/log/publish/{checkpointID}", s.handlePublishCheckpoint)
		r.Post("/disputes/{disputeID}/process", s.handleProcessDispute)
	})

	r.Route("/accounts", func(r chi.Router) {
		r.Post("/", s.handleCreateAccount)
		r.Get("/{accountID}", s.handleGetAccount)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmitJob)
		r.Get("/", s.handleListJobs)
		r.Get("/{jobID}", s.handleGetJob)
	})

	r.Route("/disputes", func(r chi.Router) {
		r.Post("/", s.handleCreateDispute)
		r.Get("/", s.handleListDisputes)
		r.Get("/{disputeID}", s.handleGetDispute)
	})

	r.Route("/log", func(r chi.Router) {
		r.Get("/latest", s.handleLatestCheckpoint)
		r.Get("/proof", s.handleGetProof)
		r.Get("/consistency", s.handleConsistency)
		r.Post("/witness/cosign", s.handleWitnessCosign)
		r.Get("/witness/status/{checkpointID}", s.handleWitnessStatus)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// writeDomainError maps sentinel errors onto problem-detail responses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, journal.ErrWriteHalted):
		WriteServiceUnavailable(w, "ledger writes are halted pending integrity review")
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, mint.ErrJobNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, journal.ErrNotFound),
		errors.Is(err, translog.ErrCheckpointNotFound):
		WriteNotFound(w, err.Error())
	case errors.Is(err, translog.ErrNotCheckpointed):
		WriteNotFound(w, "transaction is not yet covered by a checkpoint; retry after the next rollover")
	case errors.Is(err, ledger.ErrAccountExists),
		errors.Is(err, dispute.ErrDisputeExists),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, translog.ErrNotComplete):
		WriteConflict(w, err.Error())
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrSelfTransfer),
		errors.Is(err, ledger.ErrTransferCeiling),
		errors.Is(err, mint.ErrNotAgent),
		errors.Is(err, dispute.ErrJobNotMinted),
		errors.Is(err, dispute.ErrWindowExpired),
		errors.Is(err, translog.ErrUnknownWitness),
		errors.Is(err, translog.ErrBadWitnessSignature),
		errors.Is(err, translog.ErrNoNewEntries):
		WriteBadRequest(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type transferRequest struct {
	From        string `json:"from"`
	To          string `json:"to"`
	MicroAmount string `json:"micro_amount"`
	Memo        string `json:"memo,omitempty"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.ledger.Transfer(r.Context(), req.From, req.To, req.MicroAmount, req.Memo)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type mintRequest struct {
	AccountID   string `json:"account_id"`
	MicroAmount string `json:"micro_amount"`
	JobID       string `json:"job_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.ledger.Mint(r.Context(), req.AccountID, req.MicroAmount, req.JobID, req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type adjustRequest struct {
	AccountID   string `json:"account_id"`
	MicroAmount string `json:"micro_amount"`
	Reason      string `json:"reason"`
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.ledger.Adjust(r.Context(), req.AccountID, req.MicroAmount, req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.ledger.GetBalance(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.journal.ByID(r.Context(), chi.URLParam(r, "txID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type createAccountRequest struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		WriteBadRequest(w, "id is required")
		return
	}
	switch contracts.AccountKind(req.Kind) {
	case contracts.AccountKindHuman, contracts.AccountKindAgent,
		contracts.AccountKindService, contracts.AccountKindTreasury:
	default:
		WriteBadRequest(w, "kind must be one of human, agent, service, treasury")
		return
	}
	acct, err := s.ledger.CreateAccount(r.Context(), req.ID, contracts.AccountKind(req.Kind))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.ledger.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req mint.SubmitRequest
	if !decode(w, r, &req) {
		return
	}
	if err := ValidateJobSpec(req.Spec); err != nil {
		WriteUnprocessable(w, "spec: "+err.Error())
		return
	}
	job, err := s.mint.Submit(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.mint.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := s.mint.ListJobs(r.Context(),
		r.URL.Query().Get("submitter"),
		contracts.JobStatus(r.URL.Query().Get("status")), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	var req dispute.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		WriteBadRequest(w, "reason is required")
		return
	}
	if err := ValidateDisputeEvidence(req.Evidence); err != nil {
		WriteUnprocessable(w, "evidence: "+err.Error())
		return
	}
	d, err := s.disputes.Create(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputes.ByID(r.Context(), chi.URLParam(r, "disputeID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ds, err := s.disputes.List(r.Context(),
		r.URL.Query().Get("submitter"),
		contracts.DisputeStatus(r.URL.Query().Get("status")), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Server) handleProcessDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.disputes.Process(r.Context(), chi.URLParam(r, "disputeID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleLatestCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := s.translog.Latest(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleGetProof(w http.ResponseWriter, r *http.Request) {
	txID := r.URL.Query().Get("tx_id")
	if txID == "" {
		WriteBadRequest(w, "tx_id query parameter is required")
		return
	}
	proof, err := s.translog.GetProof(r.Context(), txID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

func (s *Server) handleConsistency(w http.ResponseWriter, r *http.Request) {
	oldID := r.URL.Query().Get("old")
	newID := r.URL.Query().Get("new")
	if oldID == "" || newID == "" {
		WriteBadRequest(w, "old and new query parameters are required")
		return
	}
	proof, err := s.translog.Consistency(r.Context(), oldID, newID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

type cosignRequest struct {
	CheckpointID string `json:"checkpoint_id"`
	WitnessName  string `json:"witness_name"`
	SigLattice   string `json:"sig_lattice"`
	SigHash      string `json:"sig_hash"`
}

func (s *Server) handleWitnessCosign(w http.ResponseWriter, r *http.Request) {
	var req cosignRequest
	if !decode(w, r, &req) {
		return
	}
	status, err := s.translog.AddWitnessSignature(r.Context(),
		req.CheckpointID, req.WitnessName, req.SigLattice, req.SigHash)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleWitnessStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.translog.WitnessStatus(r.Context(), chi.URLParam(r, "checkpointID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := s.translog.CreateCheckpoint(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

func (s *Server) handlePublishCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := s.translog.Publish(r.Context(), chi.URLParam(r, "checkpointID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleDemurragePreview(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	amount, err := s.sweeper.Preview(r.Context(), chi.URLParam(r, "accountID"), days)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account_id":      chi.URLParam(r, "accountID"),
		"demurrage_micro": contracts.FormatMicroAmount(amount),
	})
}
