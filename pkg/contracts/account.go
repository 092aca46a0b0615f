// Package contracts holds the shared data contracts of the AIM core:
// accounts, balances, journal entries, checkpoints, jobs and disputes.
// Every other package speaks in these types.
package contracts

import "time"

// AccountKind classifies the holder of an account.
type AccountKind string

// Account kind constants.
const (
	AccountKindHuman    AccountKind = "human"
	AccountKindAgent    AccountKind = "agent"
	AccountKindService  AccountKind = "service"
	AccountKindTreasury AccountKind = "treasury"
)

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
)

// EscrowAccountID is the clearing pseudo-account that holds funds locked by
// open disputes. It is the only account allowed to carry a negative
// conceptual position during clearing.
const EscrowAccountID = "dispute-escrow"

// Account is an identity that can hold value. Accounts are created once and
// never physically deleted; only status and reputation mutate.
type Account struct {
	ID         string        `json:"id"`
	Kind       AccountKind   `json:"kind"`
	Status     AccountStatus `json:"status"`
	Reputation float64       `json:"reputation"`
	Attested   bool          `json:"attested"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Balance is the single active amount per account, in integer micro units.
// A balance row mutates only as the result of a committed journal entry.
type Balance struct {
	AccountID   string    `json:"account_id"`
	MicroAmount int64     `json:"micro_amount"`
	UpdatedAt   time.Time `json:"updated_at"`
}
