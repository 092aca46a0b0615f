// Package merkle builds the transparency log's Merkle trees over journal
// leaf hashes and produces inclusion and consistency proofs for them.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrEmptyTree is returned when an operation needs at least one leaf.
var ErrEmptyTree = errors.New("merkle: empty tree")

// Tree is a Merkle tree over an ordered slice of hex leaf hashes.
// Levels[0] is the leaf level; the last level holds the single root.
type Tree struct {
	Leaves []string
	Levels [][]string
}

// combine hashes a node pair. Nodes combine over their hex string forms,
// matching the journal's externally published audit algorithm.
func combine(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}

// Build constructs the tree bottom-up, duplicating an odd trailing node at
// each level.
func Build(leaves []string) *Tree {
	t := &Tree{Leaves: leaves}
	if len(leaves) == 0 {
		return t
	}

	level := make([]string, len(leaves))
	copy(level, leaves)
	t.Levels = append(t.Levels, level)

	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, combine(left, right))
		}
		t.Levels = append(t.Levels, next)
		level = next
	}
	return t
}

// Root returns the root hash, or "" for an empty tree.
func (t *Tree) Root() string {
	if len(t.Levels) == 0 {
		return ""
	}
	top := t.Levels[len(t.Levels)-1]
	return top[0]
}

// Size returns the number of leaves.
func (t *Tree) Size() int {
	return len(t.Leaves)
}

// RootOf is a convenience for Build(leaves).Root().
func RootOf(leaves []string) string {
	return Build(leaves).Root()
}
