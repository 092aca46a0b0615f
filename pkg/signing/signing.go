// Package signing is the boundary to the post-quantum signing oracle.
// Every journal entry and checkpoint carries two signatures produced by
// structurally different algorithm families, so compromise of one family
// alone cannot forge an entry.
package signing

import (
	"context"
	"errors"
)

// Scheme identifies a signature algorithm family.
type Scheme string

const (
	// SchemeLattice is the lattice-based family (ML-DSA / Dilithium class).
	SchemeLattice Scheme = "ml-dsa-65"
	// SchemeHash is the hash-based family (SLH-DSA / SPHINCS+ class).
	SchemeHash Scheme = "slh-dsa-sha2-128f"
)

// Default key identifiers used by the ledger daemon.
const (
	LedgerLatticeKeyID = "lattice_ledger"
	LedgerHashKeyID    = "hash_ledger"
)

// WitnessLatticeKeyID derives the lattice-family key id for a named witness.
func WitnessLatticeKeyID(witness string) string { return "lattice_" + witness }

// WitnessHashKeyID derives the hash-family key id for a named witness.
func WitnessHashKeyID(witness string) string { return "hash_" + witness }

// ErrUnknownKey is returned when the oracle has no key for the given id.
var ErrUnknownKey = errors.New("signing: unknown key id")

// ErrUnknownScheme is returned for an unsupported scheme.
var ErrUnknownScheme = errors.New("signing: unknown scheme")

// Oracle signs and verifies messages. Implementations: the remote pqsigner
// client and an in-process dev oracle. All calls must honor ctx deadlines;
// a timeout aborts the enclosing financial operation.
type Oracle interface {
	Sign(ctx context.Context, message []byte, keyID string, scheme Scheme) (string, error)
	Verify(ctx context.Context, message []byte, signature, publicKey string, scheme Scheme) (bool, error)
	PublicKey(keyID string) (string, error)
}

// DualSignature carries one signature per required family.
type DualSignature struct {
	Lattice string `json:"sig_lattice"`
	Hash    string `json:"sig_hash"`
}

// SignDual requests both family signatures over the same message. If either
// request fails the whole operation fails; callers roll back.
func SignDual(ctx context.Context, o Oracle, message []byte, latticeKeyID, hashKeyID string) (DualSignature, error) {
	sigL, err := o.Sign(ctx, message, latticeKeyID, SchemeLattice)
	if err != nil {
		return DualSignature{}, err
	}
	sigH, err := o.Sign(ctx, message, hashKeyID, SchemeHash)
	if err != nil {
		return DualSignature{}, err
	}
	return DualSignature{Lattice: sigL, Hash: sigH}, nil
}

// VerifyDual checks both family signatures. An entry is authentic only when
// both validate.
func VerifyDual(ctx context.Context, o Oracle, message []byte, sig DualSignature, latticePub, hashPub string) (bool, error) {
	okL, err := o.Verify(ctx, message, sig.Lattice, latticePub, SchemeLattice)
	if err != nil || !okL {
		return false, err
	}
	okH, err := o.Verify(ctx, message, sig.Hash, hashPub, SchemeHash)
	if err != nil || !okH {
		return false, err
	}
	return true, nil
}
