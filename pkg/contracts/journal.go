package contracts

import (
	"encoding/json"
	"time"
)

// JournalType categorizes a journal entry.
type JournalType string

const (
	JournalMint      JournalType = "mint"
	JournalTransfer  JournalType = "transfer"
	JournalAdjust    JournalType = "adjust"
	JournalDemurrage JournalType = "demurrage"
)

// GenesisHash is the previous-hash value of the first journal entry.
const GenesisHash = "genesis"

// JournalEntry is the append-only unit of truth. The leaf hash is a pure
// function of (type, payload, prev_hash, timestamp); the chain from genesis
// must be unbroken. Entries are immutable once written.
type JournalEntry struct {
	ID         string          `json:"id"`
	Type       JournalType     `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	AccountID  string          `json:"account_id"`
	Timestamp  time.Time       `json:"timestamp"`
	PrevHash   string          `json:"prev_hash"`
	LeafHash   string          `json:"leaf_hash"`
	MerkleRoot string          `json:"merkle_root,omitempty"`
	SigLattice string          `json:"sig_lattice"`
	SigHash    string          `json:"sig_hash"`
}

// TransferPayload is the payload of a "transfer" entry.
type TransferPayload struct {
	From        string `json:"from"`
	To          string `json:"to"`
	MicroAmount string `json:"micro_amount"`
	Memo        string `json:"memo,omitempty"`
}

// MintPayload is the payload of a "mint" entry.
type MintPayload struct {
	AccountID   string `json:"account_id"`
	MicroAmount string `json:"micro_amount"`
	JobID       string `json:"job_id,omitempty"`
	Reason      string `json:"reason"`
}

// AdjustPayload is the payload of an "adjust" or "demurrage" entry.
// MicroAmount is signed.
type AdjustPayload struct {
	AccountID   string `json:"account_id"`
	MicroAmount string `json:"micro_amount"`
	Reason      string `json:"reason"`
}

// AppendResult is returned by a successful journal append.
type AppendResult struct {
	TransactionID string `json:"transaction_id"`
	LeafHash      string `json:"leaf_hash"`
	MerkleRoot    string `json:"merkle_root"`
	SigLattice    string `json:"sig_lattice"`
	SigHash       string `json:"sig_hash"`
}
