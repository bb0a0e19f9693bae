package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowmesh/agentcore/runtime/agent/event"
	"github.com/flowmesh/agentcore/runtime/agent/state"
	"github.com/flowmesh/agentcore/runtime/agent/toolvis"
	"github.com/flowmesh/agentcore/runtime/agent/tools"
)

// ErrorTrackerKey is the sub-state key the error-tracking middleware owns.
const ErrorTrackerKey = "error-tracking"

// ErrorTrackerState mirrors spec.md §3's "error tracking" example.
type ErrorTrackerState struct {
	ConsecutiveFailures int
}

// ErrorTracker increments ConsecutiveFailures on OnError, resets it when an
// iteration completed with all tools succeeding, and terminates the turn
// once the configured threshold is crossed. Grounded on the teacher's
// consecutive-error policy in runtime/agent/runtime/runtime.go.
type ErrorTracker struct {
	Base
	MaxConsecutiveErrors int
}

func NewErrorTracker(maxConsecutiveErrors int) Middleware {
	if maxConsecutiveErrors <= 0 {
		maxConsecutiveErrors = 3
	}
	return Middleware{Key: ErrorTrackerKey, Hook: &ErrorTracker{MaxConsecutiveErrors: maxConsecutiveErrors}}
}

func (m *ErrorTracker) OnError(ctx context.Context, hc *Context, cause error) error {
	var terminated bool
	UpdateMiddlewareState(hc, ErrorTrackerKey, func(s ErrorTrackerState) ErrorTrackerState {
		s.ConsecutiveFailures++
		terminated = s.ConsecutiveFailures >= m.MaxConsecutiveErrors
		return s
	})
	if terminated {
		hc.UpdateState(func(s state.AgentLoopState) state.AgentLoopState {
			return s.Terminate(fmt.Sprintf("consecutive failures reached %d", m.MaxConsecutiveErrors))
		})
		if hc.Coordinator != nil {
			_ = hc.Coordinator.Emit(ctx, event.Event{Kind: event.KindStateSnapshot, AgentName: hc.AgentName})
			_ = hc.Coordinator.Emit(ctx, event.Event{Kind: event.KindTextDelta, AgentName: hc.AgentName,
				Payload: "stopping after repeated failures"})
		}
	}
	return nil
}

func (m *ErrorTracker) AfterIteration(ctx context.Context, hc *Context, results []FunctionOutcome) error {
	allOK := true
	for _, r := range results {
		if r.Exception != nil {
			allOK = false
			break
		}
	}
	if allOK {
		UpdateMiddlewareState(hc, ErrorTrackerKey, func(s ErrorTrackerState) ErrorTrackerState {
			s.ConsecutiveFailures = 0
			return s
		})
	}
	return nil
}

// CircuitBreakerKey is the sub-state key the circuit-breaker middleware owns.
const CircuitBreakerKey = "circuit-breaker"

// CircuitBreakerState tracks per-tool repeat-call counters.
type CircuitBreakerState struct {
	ConsecutiveCount map[string]int
	LastSignature    map[string]string
}

// CircuitBreaker suppresses a tool call once the same (name, arguments)
// signature repeats past a threshold, per spec.md §4.4's circuit-breaker
// middleware and scenario C.
type CircuitBreaker struct {
	Base
	MaxConsecutiveIdenticalCalls int
}

func NewCircuitBreaker(maxConsecutiveIdenticalCalls int) Middleware {
	if maxConsecutiveIdenticalCalls <= 0 {
		maxConsecutiveIdenticalCalls = 3
	}
	return Middleware{Key: CircuitBreakerKey, Hook: &CircuitBreaker{MaxConsecutiveIdenticalCalls: maxConsecutiveIdenticalCalls}}
}

func signature(name string, args map[string]any) string {
	b, _ := json.Marshal(args)
	sum := sha256.Sum256(append([]byte(name+"\x00"), b...))
	return hex.EncodeToString(sum[:])
}

func (m *CircuitBreaker) BeforeFunction(ctx context.Context, hc *Context, call state.ContentPart) error {
	sig := signature(call.ToolName, call.Arguments)
	var tripped bool
	UpdateMiddlewareState(hc, CircuitBreakerKey, func(s CircuitBreakerState) CircuitBreakerState {
		if s.ConsecutiveCount == nil {
			s.ConsecutiveCount = map[string]int{}
			s.LastSignature = map[string]string{}
		}
		if s.LastSignature[call.ToolName] == sig {
			s.ConsecutiveCount[call.ToolName]++
		} else {
			s.ConsecutiveCount[call.ToolName] = 1
			s.LastSignature[call.ToolName] = sig
		}
		tripped = s.ConsecutiveCount[call.ToolName] >= m.MaxConsecutiveIdenticalCalls
		return s
	})
	if tripped {
		hc.BlockExecution = true
		result := state.ToolCallResult(call.ToolCallID, json.RawMessage(`{"suppressed":true}`), "call suppressed: identical call repeated")
		hc.OverrideResult = &result
	}
	return nil
}

// PermissionKey is the sub-state key the permission middleware owns: a
// per-session cache of "allow-always" grants.
const PermissionKey = "permission-grants"

// PermissionDecision mirrors the caller's response to a permission-request
// bidirectional event (spec.md §4.4's permission middleware).
type PermissionDecision string

const (
	PermissionDeny        PermissionDecision = "deny"
	PermissionAllowOnce   PermissionDecision = "allow_once"
	PermissionAllowAlways PermissionDecision = "allow_always"
)

// Permission gates tool execution behind a bidirectional permission-request
// event when the tool's spec declares RequiresPermission. Grounded on the
// teacher's confirmation workflow (runtime/agent/runtime/confirmation.go)
// and interrupt.Controller.WaitProvideConfirmation, expressed here as a
// plain middleware hook over event.Coordinator instead of a durable-engine
// signal wait.
type Permission struct {
	Base
	Specs   map[string]tools.ToolSpec
	Timeout time.Duration
}

func NewPermission(specs map[string]tools.ToolSpec, timeout time.Duration) Middleware {
	return Middleware{Key: PermissionKey, Hook: &Permission{Specs: specs, Timeout: timeout}}
}

func (m *Permission) BeforeFunction(ctx context.Context, hc *Context, call state.ContentPart) error {
	spec, ok := m.Specs[call.ToolName]
	if !ok || !spec.RequiresPermission() {
		return nil
	}
	grants, _ := hc.State().MiddlewareState[PermissionKey].(map[string]bool)
	if grants[call.ToolName] {
		return nil
	}
	if hc.Coordinator == nil {
		return nil
	}
	waitCtx := ctx
	var cancel context.CancelFunc
	if m.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}
	resp, err := hc.Coordinator.EmitAndAwait(waitCtx, event.Event{
		Kind:       event.KindPermissionRequest,
		AgentName:  hc.AgentName,
		SourceName: "permission",
		Payload:    call,
	})
	decision := PermissionDeny
	if err == nil {
		if d, ok := resp.(PermissionDecision); ok {
			decision = d
		}
	}
	switch decision {
	case PermissionAllowAlways:
		UpdateMiddlewareState(hc, PermissionKey, func(g map[string]bool) map[string]bool {
			if g == nil {
				g = map[string]bool{}
			}
			g[call.ToolName] = true
			return g
		})
	case PermissionAllowOnce:
		// pass through without caching.
	default:
		hc.BlockExecution = true
		result := state.ToolCallResult(call.ToolCallID, nil, "denied")
		hc.OverrideResult = &result
	}
	return nil
}

// ContinuationKey is the sub-state key the continuation-permission
// middleware owns.
const ContinuationKey = "continuation-permission"

// ContinuationState mirrors spec.md §3's continuation-permission example.
type ContinuationState struct {
	InitialLimit        int
	CurrentExtendedLimit int
}

// ContinuationPermission asks the caller to extend the iteration budget once
// the turn approaches its current limit, per spec.md §4.4.
type ContinuationPermission struct {
	Base
	InitialLimit int
}

func NewContinuationPermission(initialLimit int) Middleware {
	return Middleware{Key: ContinuationKey, Hook: &ContinuationPermission{InitialLimit: initialLimit}}
}

func (m *ContinuationPermission) BeforeIteration(ctx context.Context, hc *Context) error {
	cs, _ := hc.State().MiddlewareState[ContinuationKey].(ContinuationState)
	if cs.CurrentExtendedLimit == 0 {
		if m.InitialLimit <= 0 {
			return nil // not configured for this run.
		}
		cs = ContinuationState{InitialLimit: m.InitialLimit, CurrentExtendedLimit: m.InitialLimit}
	}
	if hc.State().Iteration+1 <= cs.CurrentExtendedLimit {
		return nil
	}
	if hc.Coordinator == nil {
		hc.UpdateState(func(s state.AgentLoopState) state.AgentLoopState { return s.Terminate("iteration limit reached") })
		return nil
	}
	resp, err := hc.Coordinator.EmitAndAwait(ctx, event.Event{
		Kind:      event.KindContinuationRequest,
		AgentName: hc.AgentName,
	})
	extendBy, _ := resp.(int)
	if err != nil || extendBy <= 0 {
		hc.UpdateState(func(s state.AgentLoopState) state.AgentLoopState { return s.Terminate("continuation declined") })
		return nil
	}
	UpdateMiddlewareState(hc, ContinuationKey, func(s ContinuationState) ContinuationState {
		if s.CurrentExtendedLimit == 0 {
			s = cs
		}
		s.CurrentExtendedLimit += extendBy
		return s
	})
	return nil
}

// ContainerVisibilityKey is the sub-state key the container-visibility
// middleware owns, delegating to toolvis.State for the expansion set.
const ContainerVisibilityKey = "container-visibility"

// ContainerVisibility injects the "ACTIVE CONTAINER PROTOCOLS" system
// prompt addendum in BeforeIteration and clears expansion state at turn end,
// per spec.md §4.3's activation protocol and cross-turn clearing rule.
type ContainerVisibility struct {
	Base
	Specs []tools.ToolSpec
}

func NewContainerVisibility(specs []tools.ToolSpec) Middleware {
	return Middleware{Key: ContainerVisibilityKey, Hook: &ContainerVisibility{Specs: specs}}
}

func (m *ContainerVisibility) BeforeIteration(ctx context.Context, hc *Context) error {
	vs, _ := hc.State().MiddlewareState[ContainerVisibilityKey].(*toolvis.State)
	if vs == nil {
		vs = toolvis.NewState()
	}
	protocols, err := toolvis.ActiveProtocols(m.Specs, vs, hc.AgentName)
	if err != nil {
		return err
	}
	if protocols != "" {
		msg := state.Text(protocols)[0]
		hc.OverrideResponse = &state.Message{Role: state.RoleSystem, Contents: []state.ContentPart{msg}}
	}
	return nil
}

func (m *ContainerVisibility) AfterMessageTurn(ctx context.Context, hc *Context) error {
	UpdateMiddlewareState(hc, ContainerVisibilityKey, func(vs *toolvis.State) *toolvis.State {
		return toolvis.NewState()
	})
	return nil
}

// HistoryReductionKey is the sub-state key the history-reduction middleware
// owns.
const HistoryReductionKey = "history-reduction"

// HistoryReductionState mirrors spec.md §3's history-reduction example.
type HistoryReductionState struct {
	SummaryText          string
	MessageCountAtReduction int
	SummarizedUpToIndex  int
	TargetCount          int
	Threshold            int
}

// HistoryReduction replaces a message-history prefix with a summary on
// iteration 0 only, per spec.md §4.1 step 2 and §9 open question #1 (not
// re-applied later in the same turn; SPEC_FULL.md §6 decision 1).
type HistoryReduction struct {
	Base
	TargetCount int
	Threshold   int
	Summarize   func(ctx context.Context, messages []state.Message) (string, int, error)
}

func NewHistoryReduction(targetCount, threshold int, summarize func(context.Context, []state.Message) (string, int, error)) Middleware {
	return Middleware{Key: HistoryReductionKey, Hook: &HistoryReduction{TargetCount: targetCount, Threshold: threshold, Summarize: summarize}}
}

func (m *HistoryReduction) BeforeIteration(ctx context.Context, hc *Context) error {
	s := hc.State()
	if s.Iteration != 0 {
		return nil
	}
	if len(s.CurrentMessages) <= m.TargetCount+m.Threshold {
		return nil
	}
	if m.Summarize == nil {
		return nil
	}
	summary, upTo, err := m.Summarize(ctx, s.CurrentMessages)
	if err != nil {
		return fmt.Errorf("middleware: history reduction: %w", err)
	}
	UpdateMiddlewareState(hc, HistoryReductionKey, func(hs HistoryReductionState) HistoryReductionState {
		hs.SummaryText = summary
		hs.MessageCountAtReduction = len(s.CurrentMessages)
		hs.SummarizedUpToIndex = upTo
		hs.TargetCount = m.TargetCount
		hs.Threshold = m.Threshold
		return hs
	})
	return nil
}

// ReducedPayload returns the per-call message list to send to the backend
// for this iteration: the summary plus the tail after SummarizedUpToIndex,
// when a reduction was recorded this turn; otherwise nil (send full
// history). current_messages itself is never mutated (spec.md §4.1 edge
// case: "only the per-call payload is reduced").
func (m *HistoryReduction) ReducedPayload(hc *Context) []state.Message {
	hs, ok := hc.State().MiddlewareState[HistoryReductionKey].(HistoryReductionState)
	if !ok || hs.SummaryText == "" {
		return nil
	}
	full := hc.State().CurrentMessages
	if hs.SummarizedUpToIndex >= len(full) {
		return []state.Message{{Role: state.RoleAssistant, Contents: state.Text(hs.SummaryText)}}
	}
	tail := append([]state.Message(nil), full[hs.SummarizedUpToIndex:]...)
	return append([]state.Message{{Role: state.RoleAssistant, Contents: state.Text(hs.SummaryText)}}, tail...)
}

// PIIFilter holds a caller-supplied redaction function and owns no persisted
// sub-state. Its BeforeIteration leaves the messages unchanged, and no code in
// this module calls Redact, so outgoing message text is not rewritten.
type PIIFilter struct {
	Base
	Redact func(string) string
}

func NewPIIFilter(redact func(string) string) Middleware {
	return Middleware{Hook: &PIIFilter{Redact: redact}}
}

func (m *PIIFilter) BeforeIteration(ctx context.Context, hc *Context) error {
	return nil // Redact is not applied here.
}
