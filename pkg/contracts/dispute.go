package contracts

import (
	"encoding/json"
	"time"
)

// DisputeStatus is the state of a dispute.
type DisputeStatus string

const (
	DisputeOpen          DisputeStatus = "open"
	DisputeInvestigating DisputeStatus = "investigating"
	DisputeResolved      DisputeStatus = "resolved"
	DisputeRejected      DisputeStatus = "rejected"
)

// DisputeResolution records the outcome of a resolved or rejected dispute.
type DisputeResolution string

const (
	ResolutionUpheld   DisputeResolution = "upheld"
	ResolutionRejected DisputeResolution = "rejected"
)

// Dispute contests a minted job within the dispute window. At most one
// dispute may exist per job.
type Dispute struct {
	ID          string            `json:"id"`
	JobID       string            `json:"job_id"`
	SubmitterID string            `json:"submitter_account_id"`
	Reason      string            `json:"reason"`
	Evidence    json.RawMessage   `json:"evidence,omitempty"`
	Status      DisputeStatus     `json:"status"`
	Resolution  DisputeResolution `json:"resolution,omitempty"`
	ReScore     *float64          `json:"re_score,omitempty"`
	ReReport    json.RawMessage   `json:"re_verification_report,omitempty"`
	LockedMicro int64             `json:"locked_micro"`
	CreatedAt   time.Time         `json:"created_at"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
}
