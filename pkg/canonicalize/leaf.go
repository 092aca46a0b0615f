// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for the journal and transparency log. Leaf hashes must be
// reproducible byte-for-byte during audit replay, so every hash input goes
// through JCS before SHA-256.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/greaterdan/aimcore/pkg/contracts"
)

// leafInput is the exact structure hashed into a journal leaf.
type leafInput struct {
	Type      contracts.JournalType `json:"type"`
	Payload   json.RawMessage       `json:"payload"`
	PrevHash  string                `json:"prev_hash"`
	Timestamp string                `json:"timestamp"`
}

// LeafHash computes the deterministic leaf hash of a journal entry from its
// content and predecessor. Pure function: replaying the journal from genesis
// reproduces the stored chain exactly.
func LeafHash(entryType contracts.JournalType, payload json.RawMessage, prevHash string, ts time.Time) (string, error) {
	raw, err := json.Marshal(leafInput{
		Type:      entryType,
		Payload:   payload,
		PrevHash:  prevHash,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("marshal leaf input: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize leaf input: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// CheckpointSigningBytes returns the canonical bytes a witness co-signs for
// a checkpoint: the Merkle root bound to the tree size.
func CheckpointSigningBytes(merkleRoot string, treeSize int64) ([]byte, error) {
	raw, err := json.Marshal(struct {
		MerkleRoot string `json:"merkle_root"`
		TreeSize   int64  `json:"tree_size"`
	}{merkleRoot, treeSize})
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint input: %w", err)
	}
	return jcs.Transform(raw)
}

// JCS canonicalizes an arbitrary JSON-marshalable value. Used wherever a
// payload participates in a hash or signature.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	return jcs.Transform(raw)
}
