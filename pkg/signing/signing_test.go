package signing

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalOracleSignVerify(t *testing.T) {
	o, err := NewLocalOracle()
	require.NoError(t, err)
	ctx := context.Background()
	msg := []byte("leaf-hash-bytes")

	sigL, err := o.Sign(ctx, msg, LedgerLatticeKeyID, SchemeLattice)
	require.NoError(t, err)
	ok, err := o.Verify(ctx, msg, sigL, "", SchemeLattice)
	require.NoError(t, err)
	assert.True(t, ok)

	sigH, err := o.Sign(ctx, msg, LedgerHashKeyID, SchemeHash)
	require.NoError(t, err)
	ok, err = o.Verify(ctx, msg, sigH, "", SchemeHash)
	require.NoError(t, err)
	assert.True(t, ok)

	// Tampered message must not verify under either family.
	ok, err = o.Verify(ctx, []byte("other"), sigL, "", SchemeLattice)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = o.Verify(ctx, []byte("other"), sigH, "", SchemeHash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalOracleUnknownKey(t *testing.T) {
	o, err := NewLocalOracle()
	require.NoError(t, err)
	_, err = o.Sign(context.Background(), []byte("x"), "missing", SchemeLattice)
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestSignDualBothFamilies(t *testing.T) {
	o, err := NewLocalOracle()
	require.NoError(t, err)
	ctx := context.Background()
	msg := []byte("entry")

	dual, err := SignDual(ctx, o, msg, LedgerLatticeKeyID, LedgerHashKeyID)
	require.NoError(t, err)
	assert.NotEmpty(t, dual.Lattice)
	assert.NotEmpty(t, dual.Hash)
	assert.NotEqual(t, dual.Lattice, dual.Hash)

	ok, err := VerifyDual(ctx, o, msg, dual, "", "")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignDualFailsWhenOneKeyMissing(t *testing.T) {
	o, err := NewLocalOracle()
	require.NoError(t, err)
	_, err = SignDual(context.Background(), o, []byte("entry"), LedgerLatticeKeyID, "missing")
	assert.Error(t, err)
}

func TestSignDualCancelled(t *testing.T) {
	o, err := NewLocalOracle()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = SignDual(ctx, o, []byte("entry"), LedgerLatticeKeyID, LedgerHashKeyID)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClientSign(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sign", r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, string(SchemeLattice), req["scheme"])
		_ = json.NewEncoder(w).Encode(map[string]string{"sig_base64": "c2ln"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	sig, err := c.Sign(context.Background(), []byte("msg"), LedgerLatticeKeyID, SchemeLattice)
	require.NoError(t, err)
	assert.Equal(t, "c2ln", sig)
}

func TestClientSignOracleDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.Sign(context.Background(), []byte("msg"), LedgerLatticeKeyID, SchemeLattice)
	assert.Error(t, err)
}
