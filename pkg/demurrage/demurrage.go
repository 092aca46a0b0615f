// Package demurrage applies the holding fee that keeps value circulating.
// A daily sweep debits every non-exempt balance above the policy floor by
// floor(balance * annualRate / 365 * days).
package demurrage

import (
	"context"
	"log/slog"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/greaterdan/aimcore/pkg/contracts"
	"github.com/greaterdan/aimcore/pkg/ledger"
	"github.com/greaterdan/aimcore/pkg/observability"
	"github.com/greaterdan/aimcore/pkg/policy"
)

// Reason tags demurrage adjustments in the journal.
const Reason = "demurrage"

// Sweeper runs demurrage sweeps over the ledger.
type Sweeper struct {
	ledger   *ledger.Service
	policies *policy.Store
	limiter  *rate.Limiter
	log      *slog.Logger
}

// NewSweeper creates a sweeper. perSecond paces account debits so a sweep
// over a large ledger does not starve interactive traffic; zero or negative
// means unpaced.
func NewSweeper(ldgr *ledger.Service, policies *policy.Store, perSecond float64, log *slog.Logger) *Sweeper {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if perSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return &Sweeper{
		ledger:   ldgr,
		policies: policies,
		limiter:  limiter,
		log:      log.With("component", "demurrage"),
	}
}

// Result summarizes one sweep.
type Result struct {
	Processed  int   `json:"processed_accounts"`
	Failed     int   `json:"failed_accounts"`
	TotalMicro int64 `json:"total_micro"`
}

// Sweep charges one day of demurrage to every eligible account. A failed
// account is logged and skipped; one bad row never aborts the sweep.
func (s *Sweeper) Sweep(ctx context.Context, days int) (*Result, error) {
	if days <= 0 {
		days = 1
	}
	annual := s.policies.GetFloat(ctx, policy.KeyDemurrageAnnual, 0.02)
	minBalance := s.policies.GetInt(ctx, policy.KeyDemurrageMinBalance, 1000)
	exempt := s.policies.GetStringList(ctx, policy.KeyDemurrageExempt,
		[]string{string(contracts.AccountKindTreasury), string(contracts.AccountKindService)})

	accounts, err := s.ledger.BalancesAbove(ctx, minBalance, exempt)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for _, ab := range accounts {
		if err := s.limiter.Wait(ctx); err != nil {
			return res, err
		}
		amount := Amount(ab.MicroAmount, annual, days)
		if amount <= 0 {
			continue
		}
		micro := contracts.FormatMicroAmount(-amount)
		if _, err := s.ledger.Adjust(ctx, ab.AccountID, micro, Reason); err != nil {
			res.Failed++
			s.log.ErrorContext(ctx, "demurrage debit failed",
				"account_id", ab.AccountID, "micro_amount", amount, "error", err)
			continue
		}
		res.Processed++
		res.TotalMicro += amount
	}

	observability.DemurrageSweptMicro.Add(float64(res.TotalMicro))
	s.log.InfoContext(ctx, "demurrage sweep finished",
		"processed", res.Processed, "failed", res.Failed, "total_micro", res.TotalMicro)
	return res, nil
}

// Preview reports what a sweep would charge one account, without debiting.
func (s *Sweeper) Preview(ctx context.Context, accountID string, days int) (int64, error) {
	if days <= 0 {
		days = 1
	}
	bal, err := s.ledger.GetBalance(ctx, accountID)
	if err != nil {
		return 0, err
	}
	annual := s.policies.GetFloat(ctx, policy.KeyDemurrageAnnual, 0.02)
	minBalance := s.policies.GetInt(ctx, policy.KeyDemurrageMinBalance, 1000)
	if bal.MicroAmount <= minBalance {
		return 0, nil
	}
	return Amount(bal.MicroAmount, annual, days), nil
}

// Amount is the demurrage charge on a balance over the given days.
func Amount(balanceMicro int64, annualRate float64, days int) int64 {
	if balanceMicro <= 0 || annualRate <= 0 || days <= 0 {
		return 0
	}
	daily := annualRate / 365
	return int64(math.Floor(float64(balanceMicro) * daily * float64(days)))
}

// NextMidnightUTC is when the daily sweep is due after t.
func NextMidnightUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
