package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchStateTransitions(t *testing.T) {
	assert.True(t, StateCollected.CanTransition(StateSignaturesVerified))
	assert.True(t, StateProven.CanTransition(StateSubmitted))
	assert.True(t, StateSubmitted.CanTransition(StateVerified))
	assert.True(t, StateSubmitted.CanTransition(StateRejected))
	assert.True(t, StateCollected.CanTransition(StateRejected))
	assert.False(t, StateCollected.CanTransition(StateProven))
	assert.False(t, StateProven.CanTransition(StateVerified))
	assert.False(t, StateVerified.CanTransition(StateRejected))
	assert.False(t, StateRejected.CanTransition(StateCollected))
}

func TestBatchStateText(t *testing.T) {
	for s := StateCollected; s <= StateRejected; s++ {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var parsed BatchState
		require.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, s, parsed)
	}
	var s BatchState
	require.Error(t, s.UnmarshalText([]byte("bogus")))
	assert.Equal(t, "unknown(42)", BatchState(42).String())
}

func TestParseBatchID(t *testing.T) {
	id := BatchID{0xab, 0xcd}
	parsed, err := ParseBatchID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseBatchID("zz")
	require.Error(t, err)
	_, err = ParseBatchID("abcd")
	require.Error(t, err)
}
