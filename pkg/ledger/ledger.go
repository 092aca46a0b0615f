// Package ledger holds accounts and balances. Balances mutate exclusively
// as the result of a successfully appended journal entry; the balance write
// and the journal append commit in one serializable transaction, so a failed
// append leaves no partial state behind.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/greaterdan/aimcore/pkg/contracts"
	"github.com/greaterdan/aimcore/pkg/journal"
	"github.com/greaterdan/aimcore/pkg/store"
)

// DefaultMaxTransferMicro caps a single transfer at 1,000,000 AIM.
const DefaultMaxTransferMicro = int64(1_000_000) * contracts.MicroPerAIM

// Service is the accounts-and-balances ledger.
type Service struct {
	db          *sql.DB
	journal     *journal.Service
	maxTransfer int64
	clock       func() time.Time
	log         *slog.Logger
}

// New creates the ledger service and migrates its tables.
func New(db *sql.DB, jrnl *journal.Service, log *slog.Logger) (*Service, error) {
	s := &Service{
		db:          db,
		journal:     jrnl,
		maxTransfer: DefaultMaxTransferMicro,
		clock:       time.Now,
		log:         log.With("component", "ledger"),
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithMaxTransfer overrides the single-transfer ceiling (policy wired at
// startup).
func (s *Service) WithMaxTransfer(micro int64) *Service {
	s.maxTransfer = micro
	return s
}

// WithClock overrides the clock for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		reputation DOUBLE PRECISION NOT NULL DEFAULT 0,
		attested BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS balances (
		account_id TEXT PRIMARY KEY,
		micro_amount BIGINT NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// TransferResult reports the outcome of a transfer.
type TransferResult struct {
	TransactionID string `json:"transaction_id"`
	FromBalance   string `json:"from_balance"`
	ToBalance     string `json:"to_balance"`
}

// MutationResult reports the outcome of a mint or adjust.
type MutationResult struct {
	TransactionID string `json:"transaction_id"`
	NewBalance    string `json:"new_balance"`
}

// Transfer moves amount from one account to another. Self-transfers and
// transfers above the ceiling are rejected before any state is touched.
func (s *Service) Transfer(ctx context.Context, from, to, microAmount, memo string) (*TransferResult, error) {
	amount, err := contracts.ParseMicroAmount(microAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: transfer amount must be positive", ErrInvalidAmount)
	}
	if from == to {
		return nil, ErrSelfTransfer
	}
	if amount > s.maxTransfer {
		return nil, fmt.Errorf("%w: %s > %d", ErrTransferCeiling, microAmount, s.maxTransfer)
	}

	tx, err := store.BeginSerializable(ctx, s.db)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := accountExistsTx(ctx, tx, from); err != nil {
		return nil, err
	}
	if err := accountExistsTx(ctx, tx, to); err != nil {
		return nil, err
	}

	fromBal, err := balanceForUpdate(ctx, tx, from)
	if err != nil {
		return nil, err
	}
	if fromBal < amount && from != contracts.EscrowAccountID {
		return nil, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientFunds, fromBal, amount)
	}
	toBal, err := balanceForUpdate(ctx, tx, to)
	if err != nil {
		return nil, err
	}

	now := store.FormatTime(s.clock())
	if err := writeBalance(ctx, tx, from, fromBal-amount, now); err != nil {
		return nil, err
	}
	if err := writeBalance(ctx, tx, to, toBal+amount, now); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(contracts.TransferPayload{
		From: from, To: to, MicroAmount: microAmount, Memo: memo,
	})
	if err != nil {
		return nil, err
	}
	appended, err := s.journal.AppendTx(ctx, tx, contracts.JournalTransfer, payload, from)
	if err != nil {
		return nil, fmt.Errorf("journal append: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "transfer committed",
		"transaction_id", appended.TransactionID, "from", from, "to", to, "micro_amount", amount)
	return &TransferResult{
		TransactionID: appended.TransactionID,
		FromBalance:   contracts.FormatMicroAmount(fromBal - amount),
		ToBalance:     contracts.FormatMicroAmount(toBal + amount),
	}, nil
}

// Mint credits newly created value to an account. Every mint references the
// job that earned it.
func (s *Service) Mint(ctx context.Context, accountID, microAmount, jobID, reason string) (*MutationResult, error) {
	amount, err := contracts.ParseMicroAmount(microAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: mint amount must be positive", ErrInvalidAmount)
	}
	if reason == "" {
		reason = "mint"
	}

	payload, err := json.Marshal(contracts.MintPayload{
		AccountID: accountID, MicroAmount: microAmount, JobID: jobID, Reason: reason,
	})
	if err != nil {
		return nil, err
	}
	return s.credit(ctx, accountID, amount, contracts.JournalMint, payload)
}

// Adjust applies a signed delta to an account. Negative adjustments cannot
// take a balance below zero except on the escrow clearing account.
func (s *Service) Adjust(ctx context.Context, accountID, microAmount, reason string) (*MutationResult, error) {
	amount, err := contracts.ParseMicroAmount(microAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	entryType := contracts.JournalAdjust
	if reason == "demurrage" {
		entryType = contracts.JournalDemurrage
	}
	payload, err := json.Marshal(contracts.AdjustPayload{
		AccountID: accountID, MicroAmount: microAmount, Reason: reason,
	})
	if err != nil {
		return nil, err
	}
	return s.credit(ctx, accountID, amount, entryType, payload)
}

// credit is the shared atomic template: lock balance, apply delta, append
// journal entry, commit.
func (s *Service) credit(ctx context.Context, accountID string, delta int64, entryType contracts.JournalType, payload json.RawMessage) (*MutationResult, error) {
	tx, err := store.BeginSerializable(ctx, s.db)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := accountExistsTx(ctx, tx, accountID); err != nil {
		return nil, err
	}
	bal, err := balanceForUpdate(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	next := bal + delta
	if next < 0 && accountID != contracts.EscrowAccountID {
		return nil, fmt.Errorf("%w: balance %d, delta %d", ErrInsufficientFunds, bal, delta)
	}
	if err := writeBalance(ctx, tx, accountID, next, store.FormatTime(s.clock())); err != nil {
		return nil, err
	}

	appended, err := s.journal.AppendTx(ctx, tx, entryType, payload, accountID)
	if err != nil {
		return nil, fmt.Errorf("journal append: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "balance mutated",
		"transaction_id", appended.TransactionID, "account_id", accountID,
		"type", entryType, "delta_micro", delta)
	return &MutationResult{
		TransactionID: appended.TransactionID,
		NewBalance:    contracts.FormatMicroAmount(next),
	}, nil
}

// GetBalance returns the current balance of an account.
func (s *Service) GetBalance(ctx context.Context, accountID string) (*contracts.Balance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT account_id, micro_amount, updated_at FROM balances WHERE account_id = $1`, accountID)
	var b contracts.Balance
	var updated string
	err := row.Scan(&b.AccountID, &b.MicroAmount, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = store.ParseTime(updated); err != nil {
		return nil, err
	}
	return &b, nil
}

// AccountBalance pairs an account with its balance for sweep iteration.
type AccountBalance struct {
	AccountID   string
	Kind        contracts.AccountKind
	MicroAmount int64
}

// BalancesAbove lists active accounts whose balance exceeds minMicro,
// excluding the given kinds. The demurrage sweep iterates this set.
func (s *Service) BalancesAbove(ctx context.Context, minMicro int64, exemptKinds []string) ([]AccountBalance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.kind, b.micro_amount
		FROM accounts a JOIN balances b ON b.account_id = a.id
		WHERE a.status = 'active' AND b.micro_amount > $1
		ORDER BY a.id`, minMicro)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	exempt := make(map[string]bool, len(exemptKinds))
	for _, k := range exemptKinds {
		exempt[k] = true
	}

	var out []AccountBalance
	for rows.Next() {
		var ab AccountBalance
		if err := rows.Scan(&ab.AccountID, &ab.Kind, &ab.MicroAmount); err != nil {
			return nil, err
		}
		if exempt[string(ab.Kind)] || ab.AccountID == contracts.EscrowAccountID {
			continue
		}
		out = append(out, ab)
	}
	return out, rows.Err()
}

// TotalBalance sums every balance. Together with the journal's mint/adjust
// deltas this reconciles conservation of value.
func (s *Service) TotalBalance(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(micro_amount) FROM balances`).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

func accountExistsTx(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM accounts WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return err
}

func balanceForUpdate(ctx context.Context, tx *sql.Tx, accountID string) (int64, error) {
	var bal int64
	err := tx.QueryRowContext(ctx,
		`SELECT micro_amount FROM balances WHERE account_id = $1`, accountID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		// Account exists but was created before balances backfill.
		_, err = tx.ExecContext(ctx,
			`INSERT INTO balances (account_id, micro_amount, updated_at) VALUES ($1, 0, $2)`,
			accountID, store.FormatTime(time.Now()))
		return 0, err
	}
	return bal, err
}

func writeBalance(ctx context.Context, tx *sql.Tx, accountID string, micro int64, now string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE balances SET micro_amount = $1, updated_at = $2 WHERE account_id = $3`,
		micro, now, accountID)
	return err
}
