// Package schedule runs periodic tasks at most once per period across
// restarts, by persisting the last run time and claiming the next run with
// a compare-and-set.
package schedule

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/greaterdan/aimcore/pkg/store"
)

// Runner owns the task_runs table.
type Runner struct {
	db    *sql.DB
	clock func() time.Time
	log   *slog.Logger
}

// New creates a runner and migrates its table.
func New(db *sql.DB, log *slog.Logger) (*Runner, error) {
	r := &Runner{db: db, clock: time.Now, log: log.With("component", "schedule")}
	_, err := db.ExecContext(context.Background(), `
	CREATE TABLE IF NOT EXISTS task_runs (
		name TEXT PRIMARY KEY,
		last_run TEXT NOT NULL
	)`)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// WithClock overrides the clock for tests.
func (r *Runner) WithClock(clock func() time.Time) *Runner {
	r.clock = clock
	return r
}

// Claim attempts to take the current period's run for name. It returns true
// exactly once per period; restarts and concurrent instances lose the
// compare-and-set and skip.
func (r *Runner) Claim(ctx context.Context, name string, period time.Duration) (bool, error) {
	now := r.clock().UTC()

	var lastRaw string
	err := r.db.QueryRowContext(ctx,
		`SELECT last_run FROM task_runs WHERE name = $1`, name).Scan(&lastRaw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := r.db.ExecContext(ctx,
			`INSERT INTO task_runs (name, last_run) VALUES ($1, $2)`,
			name, store.FormatTime(now))
		if err != nil {
			// Lost the insert race to another instance.
			return false, nil
		}
		n, _ := res.RowsAffected()
		return n == 1, nil
	case err != nil:
		return false, err
	}

	last, err := store.ParseTime(lastRaw)
	if err != nil {
		return false, err
	}
	if now.Sub(last) < period {
		return false, nil
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE task_runs SET last_run = $1 WHERE name = $2 AND last_run = $3`,
		store.FormatTime(now), name, lastRaw)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Every runs fn once per period until ctx is done. Ticks that do not win
// the claim are skipped silently; fn errors are logged, not fatal.
func (r *Runner) Every(ctx context.Context, name string, period time.Duration, fn func(context.Context) error) {
	tick := period / 10
	if tick < time.Second {
		tick = time.Second
	}
	t := time.NewTicker(tick)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ok, err := r.Claim(ctx, name, period)
			if err != nil {
				r.log.ErrorContext(ctx, "claim failed", "task", name, "error", err)
				continue
			}
			if !ok {
				continue
			}
			if err := fn(ctx); err != nil {
				r.log.ErrorContext(ctx, "task failed", "task", name, "error", err)
			}
		}
	}
}
