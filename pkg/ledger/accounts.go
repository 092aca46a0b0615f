package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/greaterdan/aimcore/pkg/contracts"
	"github.com/greaterdan/aimcore/pkg/store"
)

// CreateAccount registers a new account with a zero balance. Accounts are
// never deleted; id may be empty to get a generated one.
func (s *Service) CreateAccount(ctx context.Context, id string, kind contracts.AccountKind) (*contracts.Account, error) {
	switch kind {
	case contracts.AccountKindHuman, contracts.AccountKindAgent,
		contracts.AccountKindService, contracts.AccountKindTreasury:
	default:
		return nil, fmt.Errorf("unknown account kind %q", kind)
	}
	if id == "" {
		id = uuid.NewString()
	}

	now := s.clock().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (id, kind, status, reputation, attested, created_at, updated_at)
		VALUES ($1, $2, $3, 0, FALSE, $4, $4)`,
		id, string(kind), string(contracts.AccountActive), store.FormatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrAccountExists, id)
		}
		return nil, fmt.Errorf("insert account: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO balances (account_id, micro_amount, updated_at)
		VALUES ($1, 0, $2)`,
		id, store.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "account created", "account_id", id, "kind", kind)
	return &contracts.Account{
		ID: id, Kind: kind, Status: contracts.AccountActive,
		CreatedAt: now, UpdatedAt: now,
	}, nil
}

// GetAccount fetches an account by id.
func (s *Service) GetAccount(ctx context.Context, id string) (*contracts.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, status, reputation, attested, created_at, updated_at
		FROM accounts WHERE id = $1`, id)
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (*contracts.Account, error) {
	var a contracts.Account
	var created, updated string
	err := row.Scan(&a.ID, &a.Kind, &a.Status, &a.Reputation, &a.Attested, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	if a.CreatedAt, err = store.ParseTime(created); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = store.ParseTime(updated); err != nil {
		return nil, err
	}
	return &a, nil
}

// SetAccountStatus suspends or reactivates an account.
func (s *Service) SetAccountStatus(ctx context.Context, id string, status contracts.AccountStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), store.FormatTime(s.clock()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// AdjustReputation moves an account's reputation by delta. Reputation can go
// negative.
func (s *Service) AdjustReputation(ctx context.Context, id string, delta float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET reputation = reputation + $1, updated_at = $2 WHERE id = $3`,
		delta, store.FormatTime(s.clock()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetAttested marks an account as carrying a hardware attestation.
func (s *Service) SetAttested(ctx context.Context, id string, attested bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET attested = $1, updated_at = $2 WHERE id = $3`,
		attested, store.FormatTime(s.clock()), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
