// Package middleware implements the fixed, ordered middleware pipeline that
// wraps every turn/iteration/tool/function boundary the orchestrator drives.
//
// Grounded on the teacher's hook taxonomy (hooks/events.go's lifecycle event
// set informed the hook names below) and the teacher's own error-tracking
// and policy logic in runtime/agent/runtime/runtime.go, generalized from the
// teacher's fixed Temporal-activity-boundary hooks into the spec's
// in-process Pipeline abstraction with an explicit sub-state-key ownership
// check at registration time (spec.md §9 open question #2).
package middleware

import (
	"context"
	"fmt"

	"github.com/flowmesh/agentcore/runtime/agent/event"
	"github.com/flowmesh/agentcore/runtime/agent/state"
)

// Hook is implemented selectively by a Middleware: each method is a no-op
// default (embed Base) so a middleware only overrides the hooks it cares
// about, matching spec.md §4.4's "optionally implementing any subset".
type Hook interface {
	BeforeMessageTurn(ctx context.Context, hc *Context) error
	AfterMessageTurn(ctx context.Context, hc *Context) error
	BeforeIteration(ctx context.Context, hc *Context) error
	BeforeToolExecution(ctx context.Context, hc *Context, calls []state.ContentPart) error
	AfterIteration(ctx context.Context, hc *Context, results []FunctionOutcome) error
	BeforeParallelBatch(ctx context.Context, hc *Context, calls []state.ContentPart) error
	BeforeFunction(ctx context.Context, hc *Context, call state.ContentPart) error
	AfterFunction(ctx context.Context, hc *Context, call state.ContentPart, outcome FunctionOutcome) error
	OnError(ctx context.Context, hc *Context, err error) error
}

// FunctionOutcome is what AfterFunction/AfterIteration observe for one tool
// call: either a successful payload or a captured exception, per spec.md
// §4.1's "Tool exception" edge-case policy.
type FunctionOutcome struct {
	CallID    string
	Name      string
	Result    state.ContentPart
	Exception error
}

// Base gives every field a no-op implementation; middleware types embed it
// and override only the hooks they need.
type Base struct{}

func (Base) BeforeMessageTurn(context.Context, *Context) error                             { return nil }
func (Base) AfterMessageTurn(context.Context, *Context) error                              { return nil }
func (Base) BeforeIteration(context.Context, *Context) error                               { return nil }
func (Base) BeforeToolExecution(context.Context, *Context, []state.ContentPart) error      { return nil }
func (Base) AfterIteration(context.Context, *Context, []FunctionOutcome) error             { return nil }
func (Base) BeforeParallelBatch(context.Context, *Context, []state.ContentPart) error      { return nil }
func (Base) BeforeFunction(context.Context, *Context, state.ContentPart) error             { return nil }
func (Base) AfterFunction(context.Context, *Context, state.ContentPart, FunctionOutcome) error {
	return nil
}
func (Base) OnError(context.Context, *Context, error) error { return nil }

// Middleware pairs a Hook implementation with the stable sub-state key it
// owns. A middleware that owns no persisted sub-state (e.g. a PII filter
// that only rewrites outgoing messages) leaves Key empty.
type Middleware struct {
	Key  string
	Hook Hook
}

// Context is the handle passed to every hook: the mutable view hooks act
// through, per spec.md §4.4. State is replaced wholesale by
// producing an updated value via UpdateState; direct field mutation on a
// retrieved State value never affects the pipeline's copy.
type Context struct {
	AgentName      string
	ConversationID string
	Coordinator    *event.Coordinator

	state state.AgentLoopState

	// SkipLLMCall / OverrideResponse let BeforeIteration short-circuit the
	// model call (spec.md §4.1 step 1).
	SkipLLMCall     bool
	OverrideResponse *state.Message

	// SkipToolExecution / OverrideToolResult let BeforeToolExecution inject
	// a synthetic result instead of running tools (spec.md §4.1 step 5,
	// used by permission denial).
	SkipToolExecution  bool
	OverrideToolResult *state.ContentPart

	// BlockExecution/OverrideResult are the per-call equivalents set by
	// BeforeFunction (e.g. circuit breaker suppression, permission denial).
	BlockExecution bool
	OverrideResult *state.ContentPart
}

// NewContext builds a hook context over a starting state snapshot.
func NewContext(agentName, conversationID string, coord *event.Coordinator, s state.AgentLoopState) *Context {
	return &Context{AgentName: agentName, ConversationID: conversationID, Coordinator: coord, state: s}
}

// State returns the current state snapshot.
func (c *Context) State() state.AgentLoopState { return c.state }

// UpdateState replaces the context's state with a new value produced by fn,
// the pipeline's single state-mutation operation (spec.md §4.4).
func (c *Context) UpdateState(fn func(state.AgentLoopState) state.AgentLoopState) {
	c.state = fn(c.state)
}

// UpdateMiddlewareState is a convenience wrapper over UpdateState scoped to
// one middleware's owned key.
func UpdateMiddlewareState[T any](c *Context, key string, fn func(T) T) {
	c.UpdateState(func(s state.AgentLoopState) state.AgentLoopState {
		cur, _ := s.MiddlewareState[key].(T)
		return s.WithMiddlewareState(key, fn(cur))
	})
}

// Pipeline runs the registered middlewares' hooks in registration order.
type Pipeline struct {
	items   []Middleware
	keys    map[string]bool
}

// NewPipeline returns an empty pipeline.
func NewPipeline() *Pipeline { return &Pipeline{keys: map[string]bool{}} }

// Register appends m to the pipeline. It rejects a second middleware
// declaring a sub-state key already owned by an earlier registration,
// resolving spec.md §9's open question about shared non-owned state by
// enforcing unique ownership at build time instead of leaving it undefined.
func (p *Pipeline) Register(m Middleware) error {
	if m.Key != "" && p.keys[m.Key] {
		return fmt.Errorf("middleware: sub-state key %q already owned by a registered middleware", m.Key)
	}
	if m.Key != "" {
		p.keys[m.Key] = true
	}
	p.items = append(p.items, m)
	return nil
}

// runHook invokes fn for every registered middleware in order, converting
// any error into an OnError dispatch per spec.md §4.4's failure semantics,
// then stopping iteration (the erroring hook's own effect is treated as a
// no-op beyond whatever state it already committed via UpdateState).
func (p *Pipeline) runHook(ctx context.Context, hc *Context, fn func(Hook) error) error {
	for _, m := range p.items {
		if err := fn(m.Hook); err != nil {
			_ = p.dispatchOnError(ctx, hc, err)
			return err
		}
	}
	return nil
}

func (p *Pipeline) dispatchOnError(ctx context.Context, hc *Context, cause error) error {
	for _, m := range p.items {
		if err := m.Hook.OnError(ctx, hc, cause); err != nil {
			return err
		}
	}
	if hc.Coordinator != nil {
		_ = hc.Coordinator.Emit(ctx, event.Event{
			Kind:      event.KindMiddlewareError,
			AgentName: hc.AgentName,
			Payload:   cause.Error(),
		})
	}
	return nil
}

func (p *Pipeline) BeforeMessageTurn(ctx context.Context, hc *Context) error {
	return p.runHook(ctx, hc, func(h Hook) error { return h.BeforeMessageTurn(ctx, hc) })
}

func (p *Pipeline) AfterMessageTurn(ctx context.Context, hc *Context) error {
	return p.runHook(ctx, hc, func(h Hook) error { return h.AfterMessageTurn(ctx, hc) })
}

func (p *Pipeline) BeforeIteration(ctx context.Context, hc *Context) error {
	return p.runHook(ctx, hc, func(h Hook) error { return h.BeforeIteration(ctx, hc) })
}

func (p *Pipeline) BeforeToolExecution(ctx context.Context, hc *Context, calls []state.ContentPart) error {
	return p.runHook(ctx, hc, func(h Hook) error { return h.BeforeToolExecution(ctx, hc, calls) })
}

func (p *Pipeline) AfterIteration(ctx context.Context, hc *Context, results []FunctionOutcome) error {
	return p.runHook(ctx, hc, func(h Hook) error { return h.AfterIteration(ctx, hc, results) })
}

func (p *Pipeline) BeforeParallelBatch(ctx context.Context, hc *Context, calls []state.ContentPart) error {
	return p.runHook(ctx, hc, func(h Hook) error { return h.BeforeParallelBatch(ctx, hc, calls) })
}

func (p *Pipeline) BeforeFunction(ctx context.Context, hc *Context, call state.ContentPart) error {
	return p.runHook(ctx, hc, func(h Hook) error { return h.BeforeFunction(ctx, hc, call) })
}

func (p *Pipeline) AfterFunction(ctx context.Context, hc *Context, call state.ContentPart, outcome FunctionOutcome) error {
	return p.runHook(ctx, hc, func(h Hook) error { return h.AfterFunction(ctx, hc, call, outcome) })
}
