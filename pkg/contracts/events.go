package contracts

import "encoding/json"

// Bus topics. Delivery is at-least-once; handlers must be idempotent via
// state-guarded transitions, not message deduplication.
const (
	TopicJobSubmitted = "job.submitted"
	TopicJobScored    = "job.scored"
	TopicMintReady    = "mint.ready"
)

// JobSubmittedEvent is published when a job enters the pipeline.
type JobSubmittedEvent struct {
	JobID       string          `json:"job_id"`
	SubmitterID string          `json:"submitter_account_id"`
	InputsHash  string          `json:"inputs_hash"`
	Spec        json.RawMessage `json:"spec"`
	Timestamp   int64           `json:"timestamp"`
}

// JobScoredEvent is published by the verifier once a job has been scored.
type JobScoredEvent struct {
	JobID     string          `json:"job_id"`
	Score     float64         `json:"score"`
	Report    json.RawMessage `json:"report,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// MintReadyEvent is published after a successful mint.
type MintReadyEvent struct {
	JobID       string `json:"job_id"`
	AccountID   string `json:"account_id"`
	MicroAmount string `json:"micro_amount"`
	Timestamp   int64  `json:"timestamp"`
}
