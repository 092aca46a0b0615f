// Package policy reads the slowly-changing configuration that tunes the
// economy: mint thresholds, demurrage rates, dispute windows. Core logic
// reads policies; it never writes them.
package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/greaterdan/aimcore/pkg/store"
)

// Well-known policy keys.
const (
	KeyMintThreshold       = "mint.threshold"
	KeyMintCurveBase       = "mint.curve.base"
	KeyDisputeThreshold    = "dispute.threshold"
	KeyDisputeWindowHours  = "dispute.window_hours"
	KeyDemurrageAnnual     = "demurrage.annual"
	KeyDemurrageMinBalance = "demurrage.min_balance"
	KeyDemurrageExempt     = "demurrage.exempt_kinds"
	KeyTransferMaxMicro    = "transfer.max_micro"
	KeyCheckpointQuorum    = "checkpoint.quorum"
	KeyCheckpointWitnesses = "checkpoint.witnesses"
)

// ErrNotFound is returned for an unknown policy key.
var ErrNotFound = errors.New("policy: key not found")

// Store is the policy table.
type Store struct {
	db *sql.DB
}

// NewStore creates the policy store and migrates its table.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	_, err := db.ExecContext(context.Background(), `
	CREATE TABLE IF NOT EXISTS policies (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the raw string value for key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM policies WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return value, err
}

// GetFloat returns a float policy, or fallback when unset.
func (s *Store) GetFloat(ctx context.Context, key string, fallback float64) float64 {
	v, err := s.Get(ctx, key)
	if err != nil {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// GetInt returns an integer policy, or fallback when unset.
func (s *Store) GetInt(ctx context.Context, key string, fallback int64) int64 {
	v, err := s.Get(ctx, key)
	if err != nil {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// GetStringList returns a JSON-array policy, or fallback when unset.
func (s *Store) GetStringList(ctx context.Context, key string, fallback []string) []string {
	v, err := s.Get(ctx, key)
	if err != nil {
		return fallback
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return fallback
	}
	return out
}

// Set writes a policy value. Administrative path only.
func (s *Store) Set(ctx context.Context, key, value string) error {
	now := store.FormatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE policies SET value = $1, updated_at = $2 WHERE key = $3`, value, now, key)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policies (key, value, updated_at) VALUES ($1, $2, $3)`, key, value, now)
	return err
}

// SeedDefaults inserts any missing keys from defaults without overwriting
// operator-set values.
func (s *Store) SeedDefaults(ctx context.Context, defaults map[string]string) error {
	for key, value := range defaults {
		if _, err := s.Get(ctx, key); err == nil {
			continue
		}
		if err := s.Set(ctx, key, value); err != nil {
			return fmt.Errorf("seed policy %s: %w", key, err)
		}
	}
	return nil
}

// Defaults returns the built-in policy values.
func Defaults() map[string]string {
	return map[string]string{
		KeyMintThreshold:       "0.85",
		KeyMintCurveBase:       "100000",
		KeyDisputeThreshold:    "0.9",
		KeyDisputeWindowHours:  "24",
		KeyDemurrageAnnual:     "0.02",
		KeyDemurrageMinBalance: "1000",
		KeyDemurrageExempt:     `["treasury","service"]`,
		KeyTransferMaxMicro:    "1000000000000",
		KeyCheckpointQuorum:    "2",
		KeyCheckpointWitnesses: `["witness-1","witness-2","witness-3"]`,
	}
}

// LoadFile reads a YAML policy file into key/value pairs. Scalars become
// their string form; lists are re-encoded as JSON arrays.
func LoadFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	out := make(map[string]string, len(doc))
	for key, value := range doc {
		switch v := value.(type) {
		case string:
			out[key] = v
		case []any:
			enc, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("policy %s: %w", key, err)
			}
			out[key] = string(enc)
		default:
			out[key] = fmt.Sprintf("%v", v)
		}
	}
	return out, nil
}
