package contracts

import "time"

// CheckpointStatus is the lifecycle state of a transparency-log checkpoint.
type CheckpointStatus string

const (
	// CheckpointOpen collects witness co-signatures.
	CheckpointOpen CheckpointStatus = "open"
	// CheckpointComplete has a quorum of witness co-signatures.
	CheckpointComplete CheckpointStatus = "complete"
	// CheckpointPublished has been anchored externally. Its root is final.
	CheckpointPublished CheckpointStatus = "published"
)

// Checkpoint is a Merkle snapshot over a contiguous range of journal leaf
// hashes. A checkpoint is complete only once co-signed by a quorum of
// distinct witnesses; only a complete checkpoint may be published.
type Checkpoint struct {
	ID          string           `json:"id"`
	PeriodStart time.Time        `json:"period_start"`
	PeriodEnd   time.Time        `json:"period_end"`
	MerkleRoot  string           `json:"merkle_root"`
	TreeSize    int64            `json:"tree_size"`
	Status      CheckpointStatus `json:"status"`
	AnchorTXT   string           `json:"anchor_txt,omitempty"`
	AnchorURI   string           `json:"anchor_uri,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// WitnessSignature is one witness's co-signature over a checkpoint root,
// carrying both required algorithm families.
type WitnessSignature struct {
	CheckpointID string    `json:"checkpoint_id"`
	WitnessName  string    `json:"witness_name"`
	SigLattice   string    `json:"sig_lattice"`
	SigHash      string    `json:"sig_hash"`
	SignedAt     time.Time `json:"signed_at"`
}

// WitnessStatus reports co-signing progress for a checkpoint.
type WitnessStatus struct {
	CheckpointID   string   `json:"checkpoint_id"`
	RequiredQuorum int      `json:"required_quorum"`
	SignedCount    int      `json:"signed_count"`
	TotalWitnesses int      `json:"total_witnesses"`
	Complete       bool     `json:"complete"`
	Witnesses      []string `json:"witnesses"`
}
