package ledger

import "errors"

var (
	// ErrAccountNotFound is returned for an unknown account id.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrAccountExists is returned when creating a duplicate account id.
	ErrAccountExists = errors.New("ledger: account already exists")
	// ErrInvalidAmount is returned for a malformed or non-positive amount.
	ErrInvalidAmount = errors.New("ledger: invalid amount")
	// ErrInsufficientFunds is returned when a debit would take a balance
	// below zero.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrSelfTransfer is returned when from and to are the same account.
	ErrSelfTransfer = errors.New("ledger: self transfer forbidden")
	// ErrTransferCeiling is returned when a transfer exceeds the maximum
	// single-transfer amount.
	ErrTransferCeiling = errors.New("ledger: transfer exceeds ceiling")
)
