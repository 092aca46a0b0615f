package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/sha3"
)

// LocalOracle is an in-process stand-in for the remote pqsigner, for dev and
// tests. The lattice slot is backed by Ed25519 and the hash slot by a keyed
// SHA3-256 construction. Neither is post-quantum; deployments point at the
// real oracle instead.
type LocalOracle struct {
	mu   sync.RWMutex
	keys map[string]*localKey
}

type localKey struct {
	scheme Scheme
	edPriv ed25519.PrivateKey
	edPub  ed25519.PublicKey
	mac    []byte
}

// NewLocalOracle creates an oracle pre-provisioned with the default ledger
// key pair (one key per family).
func NewLocalOracle() (*LocalOracle, error) {
	o := &LocalOracle{keys: make(map[string]*localKey)}
	if err := o.GenerateKey(LedgerLatticeKeyID, SchemeLattice); err != nil {
		return nil, err
	}
	if err := o.GenerateKey(LedgerHashKeyID, SchemeHash); err != nil {
		return nil, err
	}
	return o, nil
}

// GenerateKey provisions a key for the given scheme under keyID.
func (o *LocalOracle) GenerateKey(keyID string, scheme Scheme) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch scheme {
	case SchemeLattice:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("keygen %s: %w", keyID, err)
		}
		o.keys[keyID] = &localKey{scheme: scheme, edPriv: priv, edPub: pub}
	case SchemeHash:
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("keygen %s: %w", keyID, err)
		}
		o.keys[keyID] = &localKey{scheme: scheme, mac: secret}
	default:
		return ErrUnknownScheme
	}
	return nil
}

func (o *LocalOracle) key(keyID string, scheme Scheme) (*localKey, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	k, ok := o.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	if k.scheme != scheme {
		return nil, fmt.Errorf("%w: key %s holds %s", ErrUnknownScheme, keyID, k.scheme)
	}
	return k, nil
}

// Sign implements Oracle.
func (o *LocalOracle) Sign(ctx context.Context, message []byte, keyID string, scheme Scheme) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	k, err := o.key(keyID, scheme)
	if err != nil {
		return "", err
	}
	switch scheme {
	case SchemeLattice:
		return hex.EncodeToString(ed25519.Sign(k.edPriv, message)), nil
	case SchemeHash:
		h := hmac.New(sha3.New256, k.mac)
		h.Write(message)
		return hex.EncodeToString(h.Sum(nil)), nil
	default:
		return "", ErrUnknownScheme
	}
}

// Verify implements Oracle. publicKey may be empty to verify against the
// oracle's own key material, matching the remote verify endpoint.
func (o *LocalOracle) Verify(ctx context.Context, message []byte, signature, publicKey string, scheme Scheme) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}

	// publicKey may also name a provisioned key id; the remote oracle
	// resolves the same way server-side.
	if publicKey != "" {
		o.mu.RLock()
		k, ok := o.keys[publicKey]
		o.mu.RUnlock()
		if ok {
			return o.verifyWithKey(k, message, sig, scheme)
		}
	}

	switch scheme {
	case SchemeLattice:
		if publicKey != "" {
			raw, err := hex.DecodeString(publicKey)
			if err != nil {
				return false, fmt.Errorf("invalid public key hex: %w", err)
			}
			if len(raw) != ed25519.PublicKeySize {
				return false, fmt.Errorf("invalid public key size")
			}
			return ed25519.Verify(ed25519.PublicKey(raw), message, sig), nil
		}
		k, err := o.key(LedgerLatticeKeyID, scheme)
		if err != nil {
			return false, err
		}
		return o.verifyWithKey(k, message, sig, scheme)
	case SchemeHash:
		k, err := o.key(LedgerHashKeyID, scheme)
		if err != nil {
			return false, err
		}
		return o.verifyWithKey(k, message, sig, scheme)
	default:
		return false, ErrUnknownScheme
	}
}

func (o *LocalOracle) verifyWithKey(k *localKey, message, sig []byte, scheme Scheme) (bool, error) {
	if k.scheme != scheme {
		return false, fmt.Errorf("%w: key holds %s", ErrUnknownScheme, k.scheme)
	}
	switch scheme {
	case SchemeLattice:
		return ed25519.Verify(k.edPub, message, sig), nil
	case SchemeHash:
		h := hmac.New(sha3.New256, k.mac)
		h.Write(message)
		return hmac.Equal(h.Sum(nil), sig), nil
	default:
		return false, ErrUnknownScheme
	}
}

// PublicKey implements Oracle. Hash-family keys have no public half in the
// dev construction; an empty string tells callers to verify via the oracle.
func (o *LocalOracle) PublicKey(keyID string) (string, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	k, ok := o.keys[keyID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	if k.scheme == SchemeLattice {
		return hex.EncodeToString(k.edPub), nil
	}
	return "", nil
}
