package checkpoint

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/agentcore/runtime/agent/state"
)

type errorTrackingState struct {
	ConsecutiveFailures int `json:"consecutiveFailures"`
}

func TestRoundTripPreservesMessagesAndIteration(t *testing.T) {
	s := state.New("run-1", "conv-1", "agent-1")
	s = s.AppendMessage(state.Message{Role: state.RoleUser, Contents: state.Text("hello")})
	s = s.NextIteration()
	s = s.WithMiddlewareState("error-tracking", errorTrackingState{ConsecutiveFailures: 2})

	doc, err := Serialize("sess-1", "ckpt-1", time.Unix(0, 0).UTC(), s)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, doc.SchemaVersion)

	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	var roundTripped Document
	require.NoError(t, json.Unmarshal(raw, &roundTripped))

	registry := NewRegistry()
	registry.Register("error-tracking", Deserializer{
		Decode: func(raw json.RawMessage) (any, error) {
			var v errorTrackingState
			err := json.Unmarshal(raw, &v)
			return v, err
		},
		Equal: func(a, b any) bool { return a.(errorTrackingState) == b.(errorTrackingState) },
	})

	s2, acc, err := RehydrateWithRegistry(roundTripped, registry)
	require.NoError(t, err)
	assert.Equal(t, s.CurrentMessages, s2.CurrentMessages)
	assert.Equal(t, s.Iteration, s2.Iteration)

	v1, ok := acc.Get("error-tracking")
	require.True(t, ok)
	assert.Equal(t, errorTrackingState{ConsecutiveFailures: 2}, v1)

	// Same instance on repeated access (invariant I5).
	v2, _ := acc.Get("error-tracking")
	assert.Equal(t, v1, v2)
}

func TestRehydrateRejectsFutureSchemaVersion(t *testing.T) {
	doc := Document{SchemaVersion: CurrentSchemaVersion + 1}
	_, _, err := Rehydrate(doc)
	assert.Error(t, err)
}

func TestAccessorToleratesUnknownTypeID(t *testing.T) {
	acc := NewAccessor(NewRegistry(), map[string]json.RawMessage{})
	_, ok := acc.Get("nope")
	assert.False(t, ok)
}
