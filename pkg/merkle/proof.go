package merkle

import (
	"fmt"
)

// ProofStep is one sibling on the path from a leaf to the root. Side says
// which side the sibling sits on when recombining.
type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// InclusionProof shows that a leaf is part of a tree with a given root.
type InclusionProof struct {
	LeafIndex int         `json:"leaf_index"`
	LeafHash  string      `json:"leaf_hash"`
	Root      string      `json:"root"`
	Path      []ProofStep `json:"path"`
}

// GenerateProof produces an inclusion proof for the leaf at index.
func (t *Tree) GenerateProof(index int) (*InclusionProof, error) {
	if t.Size() == 0 {
		return nil, ErrEmptyTree
	}
	if index < 0 || index >= t.Size() {
		return nil, fmt.Errorf("merkle: index %d out of bounds (size %d)", index, t.Size())
	}

	proof := &InclusionProof{
		LeafIndex: index,
		LeafHash:  t.Leaves[index],
		Root:      t.Root(),
	}

	idx := index
	for _, level := range t.Levels[:len(t.Levels)-1] {
		if idx%2 == 0 {
			sibling := idx // odd trailing node pairs with itself
			if idx+1 < len(level) {
				sibling = idx + 1
			}
			proof.Path = append(proof.Path, ProofStep{Side: "R", SiblingHash: level[sibling]})
		} else {
			proof.Path = append(proof.Path, ProofStep{Side: "L", SiblingHash: level[idx-1]})
		}
		idx /= 2
	}
	return proof, nil
}

// VerifyProof recomputes the root from targetHash and the proof path. It
// returns true iff the result matches the proof's root.
func VerifyProof(proof *InclusionProof, targetHash string) bool {
	if proof == nil {
		return false
	}
	current := targetHash
	for _, step := range proof.Path {
		if step.Side == "L" {
			current = combine(step.SiblingHash, current)
		} else {
			current = combine(current, step.SiblingHash)
		}
	}
	return current == proof.Root
}

// ConsistencyProof shows that a new tree extends an old one: the old leaves
// are a prefix of the new leaves, in the same positions.
type ConsistencyProof struct {
	OldSize int    `json:"old_size"`
	OldRoot string `json:"old_root"`
	NewSize int    `json:"new_size"`
	NewRoot string `json:"new_root"`
}

// GenerateConsistencyProof proves that newLeaves is an append-only extension
// of oldLeaves. It fails if the old leaves are not a positional prefix of
// the new ones, which would mean history was rewritten.
func GenerateConsistencyProof(oldLeaves, newLeaves []string) (*ConsistencyProof, error) {
	if len(oldLeaves) == 0 {
		return nil, ErrEmptyTree
	}
	if len(newLeaves) < len(oldLeaves) {
		return nil, fmt.Errorf("merkle: new tree smaller than old (%d < %d)", len(newLeaves), len(oldLeaves))
	}
	for i, leaf := range oldLeaves {
		if newLeaves[i] != leaf {
			return nil, fmt.Errorf("merkle: leaf %d diverges, trees are not consistent", i)
		}
	}
	return &ConsistencyProof{
		OldSize: len(oldLeaves),
		OldRoot: RootOf(oldLeaves),
		NewSize: len(newLeaves),
		NewRoot: RootOf(newLeaves),
	}, nil
}

// VerifyConsistency recomputes both roots from the new tree's leaves and
// checks them against the proof.
func VerifyConsistency(proof *ConsistencyProof, newLeaves []string) bool {
	if proof == nil || proof.OldSize <= 0 || proof.OldSize > len(newLeaves) || proof.NewSize != len(newLeaves) {
		return false
	}
	if RootOf(newLeaves[:proof.OldSize]) != proof.OldRoot {
		return false
	}
	return RootOf(newLeaves) == proof.NewRoot
}
