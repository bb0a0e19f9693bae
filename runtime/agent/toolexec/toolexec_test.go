package toolexec

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/agentcore/runtime/agent/state"
	"github.com/flowmesh/agentcore/runtime/agent/tools"
)

func TestRunUnknownToolProducesSyntheticError(t *testing.T) {
	e := New(NewRegistry())
	result := e.Run(context.Background(), state.ToolCallRequest("c1", "nope", nil))
	assert.Contains(t, result.Error, "unknown")
}

func TestRunMissingRequiredArgument(t *testing.T) {
	reg := NewRegistry()
	schema, _ := json.Marshal(map[string]any{"required": []string{"path"}})
	require.NoError(t, reg.Register(tools.ToolSpec{
		Name:    "read_file",
		Payload: tools.TypeSpec{Schema: schema},
	}, func(ctx context.Context, args map[string]any) (any, error) { return "ok", nil }))

	e := New(reg)
	result := e.Run(context.Background(), state.ToolCallRequest("c1", "read_file", map[string]any{}))
	assert.Contains(t, result.Error, "missing required argument")
}

func TestRunSucceeds(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(tools.ToolSpec{Name: "echo"}, func(ctx context.Context, args map[string]any) (any, error) {
		return args["msg"], nil
	}))
	e := New(reg)
	result := e.Run(context.Background(), state.ToolCallRequest("c1", "echo", map[string]any{"msg": "hi"}))
	assert.Empty(t, result.Error)
	assert.JSONEq(t, `"hi"`, string(result.Payload))
}

func TestRegisterRejectsUnknownParentContainer(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(tools.ToolSpec{Name: "child", ParentContainer: "missing"}, nil)
	assert.Error(t, err)
}

func TestRunBatchPreservesOrder(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(tools.ToolSpec{Name: "a"}, func(ctx context.Context, args map[string]any) (any, error) { return "a-result", nil }))
	require.NoError(t, reg.Register(tools.ToolSpec{Name: "b"}, func(ctx context.Context, args map[string]any) (any, error) { return "b-result", nil }))

	e := New(reg)
	calls := []state.ContentPart{
		state.ToolCallRequest("c1", "a", nil),
		state.ToolCallRequest("c2", "b", nil),
	}
	results := e.RunBatch(context.Background(), calls)
	require.Len(t, results, 2)
	assert.JSONEq(t, `"a-result"`, string(results[0].Payload))
	assert.JSONEq(t, `"b-result"`, string(results[1].Payload))
}

func TestChildTrackerTracksDiscovery(t *testing.T) {
	ct := NewChildTracker("parent-1")
	assert.False(t, ct.NeedsUpdate())
	assert.True(t, ct.RegisterDiscovered([]string{"c1", "c2"}))
	assert.True(t, ct.NeedsUpdate())
	assert.Equal(t, 2, ct.CurrentTotal())
	ct.MarkUpdated()
	assert.False(t, ct.NeedsUpdate())
}

func TestThreadStateSharedReusesRunID(t *testing.T) {
	ts := NewThreadState()
	spec := tools.ToolSpec{Name: "nested", ThreadMode: tools.ThreadModeShared}
	n := 0
	newID := func() string { n++; return "id-shared" }
	id1 := ts.RunIDFor(spec, "", newID)
	id2 := ts.RunIDFor(spec, "", newID)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, n)
}

func TestThreadStateStatelessAlwaysFresh(t *testing.T) {
	ts := NewThreadState()
	spec := tools.ToolSpec{Name: "nested"}
	n := 0
	newID := func() string { n++; return "fresh" }
	ts.RunIDFor(spec, "", newID)
	ts.RunIDFor(spec, "", newID)
	assert.Equal(t, 2, n)
}
