// Package toolexec runs the function calls a model turn requested, one at a
// time or as a parallel batch. The executor resolves calls against its
// registry only; it does not check permissions or tool visibility.
//
// Grounded on the teacher's tool dispatch in
// runtime/agent/runtime/tool_calls.go (argument binding, per-call error
// capture) and runtime/agent/runtime/child_tracker.go (nested agent-tool
// progress tracking), generalized from the teacher's workflow-activity
// dispatch into a plain in-process executor the orchestrator calls directly,
// since this core's concurrency model (spec.md §5) is a single cooperative
// task fanning out parallel subtasks, not a durable-engine activity queue.
package toolexec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/flowmesh/agentcore/runtime/agent/state"
	"github.com/flowmesh/agentcore/runtime/agent/tools"
)

// Func is the native implementation of one tool: given bound arguments, it
// returns a JSON-encodable result or an error. Cancellation flows through
// ctx; an implementation that ignores ctx is treated as unabandonable and
// simply runs to completion past a caller's cancellation.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Registry resolves a tool name to its descriptor and native implementation.
type Registry struct {
	specs map[tools.Ident]tools.ToolSpec
	funcs map[tools.Ident]Func
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: map[tools.Ident]tools.ToolSpec{}, funcs: map[tools.Ident]Func{}}
}

// Register adds a tool descriptor plus its implementation. Returns an error
// if name is already registered, or if spec declares a parent container
// that was not itself registered as a container (spec.md §6's build-time
// registration checks).
func (r *Registry) Register(spec tools.ToolSpec, fn Func) error {
	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("toolexec: duplicate tool name %q", spec.Name)
	}
	if spec.ParentContainer != "" {
		parent, ok := r.specs[spec.ParentContainer]
		if !ok {
			return fmt.Errorf("toolexec: %q declares unknown parent container %q", spec.Name, spec.ParentContainer)
		}
		if !parent.IsContainer {
			return fmt.Errorf("toolexec: %q declares parent %q which is not a container", spec.Name, spec.ParentContainer)
		}
	}
	if spec.IsContainer && len(spec.FunctionNames) == 0 {
		return fmt.Errorf("toolexec: container %q declares no children", spec.Name)
	}
	r.specs[spec.Name] = spec
	r.funcs[spec.Name] = fn
	return nil
}

// Specs returns every registered descriptor, for the visibility manager.
func (r *Registry) Specs() []tools.ToolSpec {
	out := make([]tools.ToolSpec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	return out
}

// Lookup returns the descriptor for name, if registered.
func (r *Registry) Lookup(name tools.Ident) (tools.ToolSpec, bool) {
	s, ok := r.specs[name]
	return s, ok
}

// unknownToolErr is the synthetic payload for a call naming a tool that is not
// registered or has no implementation (spec.md §4.1 "Unknown tool" edge case).
func unknownToolErr(name string) string {
	return fmt.Sprintf("unknown or unavailable tool %q", name)
}

// bindArguments validates call.Arguments against spec's payload schema.
// Additional keys are discarded (by not being referenced further); missing
// required keys are rejected without running the tool, per spec.md §4.5.
func bindArguments(spec tools.ToolSpec, args map[string]any) (map[string]any, error) {
	if len(spec.Payload.Schema) == 0 {
		return args, nil
	}
	var schemaFields map[string]any
	if err := json.Unmarshal(spec.Payload.Schema, &schemaFields); err != nil {
		return args, nil // malformed schema at call time: treated as unconstrained.
	}
	required, _ := schemaFields["required"].([]any)
	for _, r := range required {
		key, _ := r.(string)
		if key == "" {
			continue
		}
		if _, ok := args[key]; !ok {
			return nil, fmt.Errorf("toolexec: missing required argument %q for %s", key, spec.Name)
		}
	}
	return args, nil
}

// Executor runs resolved tool calls, one call at a time or as a parallel
// batch, against a Registry.
type Executor struct {
	Registry *Registry
}

// New returns an Executor over reg.
func New(reg *Registry) *Executor { return &Executor{Registry: reg} }

// Run executes one tool call and returns its result content part. It never
// returns a Go error for a tool-level failure: tool exceptions are captured
// as the result's Error field per spec.md §4.1's "Tool exception" policy.
// Executor-level problems (unknown tool, unbound arguments, cancellation,
// an unencodable result) also come back as a synthetic result with Error set.
func (e *Executor) Run(ctx context.Context, call state.ContentPart) state.ContentPart {
	spec, ok := e.Registry.Lookup(tools.Ident(call.ToolName))
	if !ok {
		return state.ToolCallResult(call.ToolCallID, nil, unknownToolErr(call.ToolName))
	}
	args, err := bindArguments(spec, call.Arguments)
	if err != nil {
		return state.ToolCallResult(call.ToolCallID, nil, err.Error())
	}
	fn := e.Registry.funcs[spec.Name]
	if fn == nil {
		return state.ToolCallResult(call.ToolCallID, nil, unknownToolErr(call.ToolName))
	}

	done := make(chan struct{})
	var result any
	var runErr error
	go func() {
		defer close(done)
		result, runErr = fn(ctx, args)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return state.ToolCallResult(call.ToolCallID, nil, "cancelled")
	}

	if runErr != nil {
		return state.ToolCallResult(call.ToolCallID, nil, runErr.Error())
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return state.ToolCallResult(call.ToolCallID, nil, fmt.Sprintf("encode result: %v", err))
	}
	return state.ToolCallResult(call.ToolCallID, payload, "")
}

// RunBatch executes calls concurrently and returns results in the same
// order as calls, per spec.md §4.5's parallel-batch contract: each child's
// error is independent and the batch completes as a set.
func (e *Executor) RunBatch(ctx context.Context, calls []state.ContentPart) []state.ContentPart {
	out := make([]state.ContentPart, len(calls))
	var wg sync.WaitGroup
	wg.Add(len(calls))
	for i, call := range calls {
		i, call := i, call
		go func() {
			defer wg.Done()
			out[i] = e.Run(ctx, call)
		}()
	}
	wg.Wait()
	return out
}

// ChildTracker tracks progress of dynamically discovered nested-agent tool
// calls issued under one parent tool call, for sub-agent tools (spec.md
// §4.5's thread_mode support). Grounded verbatim in behavior on the
// teacher's childTracker (runtime/agent/runtime/child_tracker.go), renamed
// to an exported type since toolexec is now its own package rather than a
// private helper inside the workflow loop.
type ChildTracker struct {
	mu                sync.Mutex
	parentToolCallID  string
	discovered        map[string]struct{}
	lastExpectedTotal int
}

// NewChildTracker returns a tracker scoped to one parent tool call.
func NewChildTracker(parentToolCallID string) *ChildTracker {
	return &ChildTracker{parentToolCallID: parentToolCallID, discovered: map[string]struct{}{}}
}

// RegisterDiscovered adds newly discovered child tool-call IDs. Returns true
// if the discovered count increased.
func (c *ChildTracker) RegisterDiscovered(toolCallIDs []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := len(c.discovered)
	for _, id := range toolCallIDs {
		if id != "" {
			c.discovered[id] = struct{}{}
		}
	}
	return len(c.discovered) > before
}

// CurrentTotal returns the current discovered-child count.
func (c *ChildTracker) CurrentTotal() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.discovered)
}

// NeedsUpdate reports whether the discovered count grew since MarkUpdated.
func (c *ChildTracker) NeedsUpdate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.discovered) > c.lastExpectedTotal
}

// MarkUpdated records that a progress event was emitted for the current count.
func (c *ChildTracker) MarkUpdated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastExpectedTotal = len(c.discovered)
}

// ThreadState resolves which child run a sub-agent tool call should use,
// given its spec's ThreadMode (spec.md §4.5).
type ThreadState struct {
	mu     sync.Mutex
	shared map[tools.Ident]string // tool name -> run id, for ThreadModeShared
}

// NewThreadState returns an empty per-session thread state tracker.
func NewThreadState() *ThreadState { return &ThreadState{shared: map[tools.Ident]string{}} }

// RunIDFor resolves the child run ID to use for a sub-agent tool call.
// newRunID is invoked to mint a fresh ID only when one is needed (stateless
// mode always mints fresh; shared mode mints once and reuses thereafter;
// per_session mode uses the caller-supplied sessionID verbatim).
func (t *ThreadState) RunIDFor(spec tools.ToolSpec, sessionID string, newRunID func() string) string {
	switch spec.ThreadMode {
	case tools.ThreadModeShared:
		t.mu.Lock()
		defer t.mu.Unlock()
		if id, ok := t.shared[spec.Name]; ok {
			return id
		}
		id := newRunID()
		t.shared[spec.Name] = id
		return id
	case tools.ThreadModePerSession:
		if sessionID != "" {
			return sessionID
		}
		return newRunID()
	default: // ThreadModeStateless, zero value.
		return newRunID()
	}
}
