package canonicalize

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greaterdan/aimcore/pkg/contracts"
)

func TestLeafHashDeterministic(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	payload := json.RawMessage(`{"from":"a","to":"b","micro_amount":"100"}`)

	h1, err := LeafHash(contracts.JournalTransfer, payload, contracts.GenesisHash, ts)
	require.NoError(t, err)
	h2, err := LeafHash(contracts.JournalTransfer, payload, contracts.GenesisHash, ts)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestLeafHashKeyOrderIndependent(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := json.RawMessage(`{"from":"a","to":"b"}`)
	b := json.RawMessage(`{"to":"b","from":"a"}`)

	h1, err := LeafHash(contracts.JournalTransfer, a, "00", ts)
	require.NoError(t, err)
	h2, err := LeafHash(contracts.JournalTransfer, b, "00", ts)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "JCS must make key order irrelevant")
}

func TestLeafHashSensitivity(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	payload := json.RawMessage(`{"account_id":"a","micro_amount":"5"}`)

	base, err := LeafHash(contracts.JournalMint, payload, "00", ts)
	require.NoError(t, err)

	otherType, err := LeafHash(contracts.JournalAdjust, payload, "00", ts)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherType)

	otherPrev, err := LeafHash(contracts.JournalMint, payload, "ff", ts)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherPrev)

	otherTime, err := LeafHash(contracts.JournalMint, payload, "00", ts.Add(time.Nanosecond))
	require.NoError(t, err)
	assert.NotEqual(t, base, otherTime)
}

func TestCheckpointSigningBytes(t *testing.T) {
	b1, err := CheckpointSigningBytes("abc123", 42)
	require.NoError(t, err)
	b2, err := CheckpointSigningBytes("abc123", 42)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)

	b3, err := CheckpointSigningBytes("abc123", 43)
	require.NoError(t, err)
	assert.NotEqual(t, b1, b3)
}
