package contracts

import (
	"encoding/json"
	"time"
)

// JobStatus is the state of a submitted unit of work. Transitions are
// monotonic: submitted -> scored -> minted | rejected.
type JobStatus string

const (
	JobSubmitted JobStatus = "submitted"
	JobScored    JobStatus = "scored"
	JobMinted    JobStatus = "minted"
	JobRejected  JobStatus = "rejected"
)

// Job is a unit of submitted work moving through the mint pipeline.
// A job can be minted at most once; MintedMicro records the exact minted
// amount so a later dispute can lock and, if upheld, debit it.
type Job struct {
	ID           string          `json:"id"`
	SubmitterID  string          `json:"submitter_account_id"`
	Spec         json.RawMessage `json:"spec"`
	InputsHash   string          `json:"inputs_hash"`
	Attestation  json.RawMessage `json:"attestation,omitempty"`
	Status       JobStatus       `json:"status"`
	Score        *float64        `json:"score,omitempty"`
	Report       json.RawMessage `json:"verifier_report,omitempty"`
	MintTxID     string          `json:"mint_transaction_id,omitempty"`
	MintedMicro  int64           `json:"minted_micro,omitempty"`
	RejectReason string          `json:"reject_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	MintedAt     *time.Time      `json:"minted_at,omitempty"`
}
