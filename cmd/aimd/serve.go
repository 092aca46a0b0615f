package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/greaterdan/aimcore/pkg/api"
	"github.com/greaterdan/aimcore/pkg/bus"
	"github.com/greaterdan/aimcore/pkg/canonicalize"
	"github.com/greaterdan/aimcore/pkg/config"
	"github.com/greaterdan/aimcore/pkg/contracts"
	"github.com/greaterdan/aimcore/pkg/demurrage"
	"github.com/greaterdan/aimcore/pkg/dispute"
	"github.com/greaterdan/aimcore/pkg/journal"
	"github.com/greaterdan/aimcore/pkg/ledger"
	"github.com/greaterdan/aimcore/pkg/mint"
	"github.com/greaterdan/aimcore/pkg/policy"
	"github.com/greaterdan/aimcore/pkg/schedule"
	"github.com/greaterdan/aimcore/pkg/signing"
	"github.com/greaterdan/aimcore/pkg/store"
	"github.com/greaterdan/aimcore/pkg/translog"
	"github.com/greaterdan/aimcore/pkg/verifier"
)

// core is the shared service graph under every subcommand.
type core struct {
	cfg      *config.Config
	log      *slog.Logger
	db       *sql.DB
	oracle   signing.Oracle
	journal  *journal.Service
	ledger   *ledger.Service
	policies *policy.Store
	translog *translog.Service
	sweeper  *demurrage.Sweeper

	// devOracle is set when no remote signer is configured; the local
	// oracle then also holds the witness keys so checkpoints can be
	// co-signed in-process.
	devOracle *signing.LocalOracle
}

func openCore(ctx context.Context, cfg *config.Config, log *slog.Logger) (*core, error) {
	db, err := store.Open(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	c := &core{cfg: cfg, log: log, db: db}
	if cfg.SignerURL != "" {
		c.oracle = signing.NewClient(cfg.SignerURL, cfg.SignerTimeout)
	} else {
		local, err := signing.NewLocalOracle()
		if err != nil {
			return nil, err
		}
		c.oracle = local
		c.devOracle = local
	}

	if c.journal, err = journal.New(db, c.oracle, log); err != nil {
		return nil, err
	}
	if c.ledger, err = ledger.New(db, c.journal, log); err != nil {
		return nil, err
	}
	if c.policies, err = policy.NewStore(db); err != nil {
		return nil, err
	}
	if err := c.policies.SeedDefaults(ctx, policy.Defaults()); err != nil {
		return nil, err
	}
	if cfg.PolicyFile != "" {
		overrides, err := policy.LoadFile(cfg.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("load policy file: %w", err)
		}
		for k, v := range overrides {
			if err := c.policies.Set(ctx, k, v); err != nil {
				return nil, err
			}
		}
	}

	c.ledger.WithMaxTransfer(c.policies.GetInt(ctx, policy.KeyTransferMaxMicro, ledger.DefaultMaxTransferMicro))

	if c.devOracle != nil {
		for _, w := range c.policies.GetStringList(ctx, policy.KeyCheckpointWitnesses, nil) {
			if err := c.devOracle.GenerateKey(signing.WitnessLatticeKeyID(w), signing.SchemeLattice); err != nil {
				return nil, err
			}
			if err := c.devOracle.GenerateKey(signing.WitnessHashKeyID(w), signing.SchemeHash); err != nil {
				return nil, err
			}
		}
	}

	anchor, err := newAnchor(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if c.translog, err = translog.New(db, c.journal, c.policies, c.oracle, anchor, log); err != nil {
		return nil, err
	}

	c.sweeper = demurrage.NewSweeper(c.ledger, c.policies, 50, log)

	// The escrow account must exist before the first dispute.
	_, err = c.ledger.CreateAccount(ctx, contracts.EscrowAccountID, contracts.AccountKindService)
	if err != nil && !errors.Is(err, ledger.ErrAccountExists) {
		return nil, err
	}
	return c, nil
}

func (c *core) Close() error { return c.db.Close() }

func newAnchor(ctx context.Context, cfg *config.Config, log *slog.Logger) (translog.Anchor, error) {
	if cfg.AnchorBucket == "" {
		return translog.NoopAnchor{}, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	log.Info("anchoring checkpoints to s3", "bucket", cfg.AnchorBucket, "prefix", cfg.AnchorPrefix)
	return translog.NewS3Anchor(s3.NewFromConfig(awsCfg), cfg.AnchorBucket, cfg.AnchorPrefix), nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ledger daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			log := newLogger(cfg.LogLevel)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, log)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	c, err := openCore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	var b bus.Bus
	if cfg.NATSURL != "" {
		nb, err := bus.ConnectNATS(cfg.NATSURL, log)
		if err != nil {
			return err
		}
		b = nb
	} else {
		b = bus.NewMemory(log)
	}
	defer func() { _ = b.Close() }()

	var scorer verifier.Scorer
	if cfg.VerifierURL != "" {
		scorer = verifier.NewClient(cfg.VerifierURL, cfg.VerifierTimeout)
	} else {
		log.Warn("no verifier configured, using fixed dev scorer")
		scorer = verifier.Fixed(0.9)
	}

	mintSvc, err := mint.New(c.db, c.ledger, b, c.policies, log)
	if err != nil {
		return err
	}
	mintSub, err := mintSvc.Start()
	if err != nil {
		return err
	}
	defer func() { _ = mintSub.Unsubscribe() }()
	scoreSub, err := mintSvc.StartScoring(scorer)
	if err != nil {
		return err
	}
	defer func() { _ = scoreSub.Unsubscribe() }()

	disputes, err := dispute.New(c.db, c.ledger, mintSvc, scorer, c.policies, log)
	if err != nil {
		return err
	}

	runner, err := schedule.New(c.db, log)
	if err != nil {
		return err
	}
	go runner.Every(ctx, "demurrage_sweep", 24*time.Hour, func(ctx context.Context) error {
		res, err := c.sweeper.Sweep(ctx, 1)
		if err != nil {
			return err
		}
		log.InfoContext(ctx, "demurrage sweep finished",
			"processed", res.Processed, "failed", res.Failed, "total_micro", res.TotalMicro)
		return nil
	})
	go runner.Every(ctx, "dispute_processing", time.Minute, func(ctx context.Context) error {
		n, err := disputes.ProcessOpen(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			log.InfoContext(ctx, "open disputes processed", "count", n)
		}
		return nil
	})
	go runner.Every(ctx, "checkpoint_rollover", time.Hour, func(ctx context.Context) error {
		err := c.rollover(ctx)
		if errors.Is(err, translog.ErrNoNewEntries) {
			return nil
		}
		return err
	})

	server := api.NewServer(c.journal, c.ledger, c.translog, mintSvc, disputes, c.sweeper, log)
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router(cfg.RateLimitPerMinute),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// rollover cuts a checkpoint. With the dev oracle the witness keys live
// in-process, so the quorum is co-signed and the checkpoint published
// immediately; in production witnesses co-sign over the API.
func (c *core) rollover(ctx context.Context) error {
	cp, err := c.translog.CreateCheckpoint(ctx)
	if err != nil {
		return err
	}
	if c.devOracle == nil {
		return nil
	}

	msg, err := canonicalize.CheckpointSigningBytes(cp.MerkleRoot, cp.TreeSize)
	if err != nil {
		return err
	}
	witnesses := c.policies.GetStringList(ctx, policy.KeyCheckpointWitnesses, nil)
	quorum := int(c.policies.GetInt(ctx, policy.KeyCheckpointQuorum, 2))
	for i, w := range witnesses {
		if i >= quorum {
			break
		}
		sigL, err := c.devOracle.Sign(ctx, msg, signing.WitnessLatticeKeyID(w), signing.SchemeLattice)
		if err != nil {
			return err
		}
		sigH, err := c.devOracle.Sign(ctx, msg, signing.WitnessHashKeyID(w), signing.SchemeHash)
		if err != nil {
			return err
		}
		if _, err := c.translog.AddWitnessSignature(ctx, cp.ID, w, sigL, sigH); err != nil {
			return err
		}
	}
	_, err = c.translog.Publish(ctx, cp.ID)
	return err
}
