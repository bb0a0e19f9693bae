package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/agentcore/runtime/agent/state"
)

func TestPipelineRejectsDuplicateKey(t *testing.T) {
	p := NewPipeline()
	require.NoError(t, p.Register(NewErrorTracker(3)))
	err := p.Register(Middleware{Key: ErrorTrackerKey, Hook: &ErrorTracker{MaxConsecutiveErrors: 1}})
	assert.Error(t, err)
}

func TestErrorTrackerTerminatesAtThreshold(t *testing.T) {
	p := NewPipeline()
	require.NoError(t, p.Register(NewErrorTracker(2)))
	hc := NewContext("agent", "conv", nil, state.New("r", "c", "agent"))

	require.NoError(t, p.dispatchOnErrorForTest(context.Background(), hc))
	assert.False(t, hc.State().IsTerminated)
	require.NoError(t, p.dispatchOnErrorForTest(context.Background(), hc))
	assert.True(t, hc.State().IsTerminated)
}

// dispatchOnErrorForTest exposes the unexported dispatch path for tests in
// this package without widening the public Pipeline API.
func (p *Pipeline) dispatchOnErrorForTest(ctx context.Context, hc *Context) error {
	return p.dispatchOnError(ctx, hc, assertErr{})
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }

func TestCircuitBreakerSuppressesRepeatedCalls(t *testing.T) {
	p := NewPipeline()
	require.NoError(t, p.Register(NewCircuitBreaker(2)))
	hc := NewContext("agent", "conv", nil, state.New("r", "c", "agent"))

	call := state.ToolCallRequest("call-1", "search", map[string]any{"q": "x"})
	require.NoError(t, p.BeforeFunction(context.Background(), hc, call))
	assert.False(t, hc.BlockExecution)

	hc.BlockExecution = false
	require.NoError(t, p.BeforeFunction(context.Background(), hc, call))
	assert.True(t, hc.BlockExecution)
	require.NotNil(t, hc.OverrideResult)
}

func TestHistoryReductionOnlyOnIterationZero(t *testing.T) {
	summarizeCalls := 0
	hr := &HistoryReduction{TargetCount: 2, Threshold: 1, Summarize: func(ctx context.Context, msgs []state.Message) (string, int, error) {
		summarizeCalls++
		return "summary", len(msgs) - 1, nil
	}}
	s := state.New("r", "c", "agent")
	for i := 0; i < 10; i++ {
		s = s.AppendMessage(state.Message{Role: state.RoleUser, Contents: state.Text("msg")})
	}
	hc := NewContext("agent", "conv", nil, s)
	require.NoError(t, hr.BeforeIteration(context.Background(), hc))
	assert.Equal(t, 1, summarizeCalls)

	hc.UpdateState(func(cur state.AgentLoopState) state.AgentLoopState { return cur.NextIteration() })
	require.NoError(t, hr.BeforeIteration(context.Background(), hc))
	assert.Equal(t, 1, summarizeCalls, "reduction must not re-run past iteration 0")
}
