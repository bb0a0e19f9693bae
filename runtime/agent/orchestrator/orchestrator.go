// Package orchestrator implements the Agentic Loop Orchestrator: the
// reentrant state machine that interleaves streaming model calls with
// parallel tool execution, per spec.md §4.1.
//
// Grounded on the teacher's workflow loop shape (runtime/agent/runtime/
// workflow_loop.go's runLoop/run driving BeforeIteration-equivalent steps,
// workflow_turn.go's mixed tool-call/await handling) generalized from a
// Temporal-workflow-local control loop into the spec's backend-agnostic
// run_turn operation: iterations are driven in-process against the state,
// event, middleware, toolvis, toolexec, and chatclient packages rather than
// against Temporal activities, since spec.md §5 describes a single
// cooperative task, not a durable-engine workflow.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowmesh/agentcore/runtime/agent/chatclient"
	"github.com/flowmesh/agentcore/runtime/agent/event"
	"github.com/flowmesh/agentcore/runtime/agent/middleware"
	"github.com/flowmesh/agentcore/runtime/agent/state"
	"github.com/flowmesh/agentcore/runtime/agent/toolexec"
	"github.com/flowmesh/agentcore/runtime/agent/toolvis"
	"github.com/flowmesh/agentcore/runtime/agent/tools"
)

// Phase is the per-turn state-machine phase spec.md §4.1 names.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseIterating     Phase = "iterating"
	PhaseAwaitingModel Phase = "awaiting_model"
	PhaseExecutingTools Phase = "executing_tools"
	PhaseTerminated    Phase = "terminated"
	PhaseSuspended     Phase = "suspended"
	PhaseCancelled     Phase = "cancelled"
)

// Options configures one RunTurn call, per spec.md §6's recognized
// orchestrator configuration.
type Options struct {
	MaxIterations        int
	UnknownToolPolicy    UnknownToolPolicy
	ChatOptions          chatclient.Options
}

// UnknownToolPolicy resolves spec.md §9 open question #3.
type UnknownToolPolicy string

const (
	// UnknownToolPolicyContinue emits a synthetic error result and keeps
	// iterating. This is the default (SPEC_FULL.md §6 decision 3).
	UnknownToolPolicyContinue UnknownToolPolicy = "continue"
	// UnknownToolPolicyTerminate promotes an unknown-tool call to turn
	// termination.
	UnknownToolPolicyTerminate UnknownToolPolicy = "terminate"
)

// Input is the per-turn input, per spec.md §4.1's public contract.
type Input struct {
	UserInput *state.Message // nil on resume with no new input.
	Resume    *state.AgentLoopState
}

// Orchestrator drives turns against a fixed middleware pipeline, tool
// registry, and chat client.
type Orchestrator struct {
	AgentName string
	Client    chatclient.Client
	Pipeline  *middleware.Pipeline
	Registry  *toolexec.Registry
	Executor  *toolexec.Executor

	NewRunID func() string
}

// Result is the terminal outcome of a RunTurn call, delivered after the
// event stream closes.
type Result struct {
	FinalState state.AgentLoopState
	Phase      Phase
}

// RunTurn executes spec.md §4.1's per-turn algorithm. It returns
// immediately with an event.Coordinator whose Events() stream the caller
// drains; the terminal Result is sent once, after Coordinator.Close, on the
// returned channel.
func (o *Orchestrator) RunTurn(ctx context.Context, opts Options, input Input) (*event.Coordinator, <-chan Result) {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 50
	}
	s := state.New("", "", o.AgentName)
	if input.Resume != nil {
		s = *input.Resume
	}
	if s.RunID == "" && o.NewRunID != nil {
		s.RunID = o.NewRunID()
	}
	coord := event.New(s.RunID, 16)
	resultCh := make(chan Result, 1)

	go func() {
		defer coord.Close()
		defer close(resultCh)
		res := o.run(ctx, coord, opts, s, input.UserInput)
		resultCh <- res
	}()

	return coord, resultCh
}

func (o *Orchestrator) run(ctx context.Context, coord *event.Coordinator, opts Options, s state.AgentLoopState, userInput *state.Message) Result {
	s = s.ResetIteration()
	hc := middleware.NewContext(o.AgentName, s.ConversationID, coord, s)

	turnSpan := newSpanID()
	_ = coord.Emit(ctx, event.Event{Kind: event.KindTurnStarted, AgentName: o.AgentName, SpanID: turnSpan})

	if userInput != nil {
		hc.UpdateState(func(cur state.AgentLoopState) state.AgentLoopState { return cur.AppendMessage(*userInput) })
	}

	if err := o.Pipeline.BeforeMessageTurn(ctx, hc); err != nil {
		return o.finish(ctx, coord, hc, PhaseTerminated, turnSpan)
	}

	vis := toolvis.NewState()
	if v, ok := hc.State().MiddlewareState[middleware.ContainerVisibilityKey].(*toolvis.State); ok && v != nil {
		vis = v
	}

	phase := PhaseIterating
	for {
		if ctx.Err() != nil {
			phase = PhaseCancelled
			_ = coord.Emit(ctx, event.Event{Kind: event.KindCancellation, AgentName: o.AgentName,
				Payload: hc.State().Iteration})
			break
		}
		if hc.State().IsTerminated {
			phase = PhaseTerminated
			break
		}
		if hc.State().Iteration >= opts.MaxIterations {
			phase = PhaseTerminated
			hc.UpdateState(func(cur state.AgentLoopState) state.AgentLoopState {
				return cur.Terminate(fmt.Sprintf("iteration cap %d reached", opts.MaxIterations))
			})
			break
		}

		iterSpan := newSpanID()
		_ = coord.Emit(ctx, event.Event{Kind: event.KindIterationStarted, AgentName: o.AgentName,
			SpanID: iterSpan, ParentSpanID: turnSpan})

		// Step 1: BeforeIteration hooks.
		hc.SkipLLMCall = false
		hc.OverrideResponse = nil
		if err := o.Pipeline.BeforeIteration(ctx, hc); err != nil {
			phase = PhaseTerminated
			break
		}

		var assistantMsg state.Message
		var finished bool
		if hc.SkipLLMCall && hc.OverrideResponse != nil {
			assistantMsg = *hc.OverrideResponse
		} else {
			// Steps 2-4: assemble + visibility + model invocation.
			visibleSpecs := toolvis.Filter(o.Registry.Specs(), vis)
			chatOpts := opts.ChatOptions
			chatOpts.Tools = visibleSpecs

			msg, err := o.invokeModel(ctx, coord, hc.State(), chatOpts)
			if err != nil {
				onErr := o.dispatchOnError(ctx, hc, err)
				if onErr {
					phase = PhaseTerminated
					break
				}
				// Recoverable per active error-handler: retry same iteration once
				// by continuing the loop without advancing; callers wanting
				// backoff configure ChatOptions/Client accordingly.
				continue
			}
			assistantMsg = msg
		}

		hc.UpdateState(func(cur state.AgentLoopState) state.AgentLoopState { return cur.AppendMessage(assistantMsg) })
		calls := assistantMsg.ToolCallRequests()

		// Step 5: BeforeToolExecution.
		hc.SkipToolExecution = false
		hc.OverrideToolResult = nil
		if err := o.Pipeline.BeforeToolExecution(ctx, hc, calls); err != nil {
			phase = PhaseTerminated
			break
		}

		if len(calls) == 0 {
			finished = !hc.State().IsTerminated
		}

		var outcomes []middleware.FunctionOutcome
		if len(calls) > 0 && !hc.SkipToolExecution {
			outcomes = o.executeTools(ctx, hc, vis, calls)
			for _, oc := range outcomes {
				hc.UpdateState(func(cur state.AgentLoopState) state.AgentLoopState {
					return cur.AppendMessage(state.Message{Role: state.RoleTool, Contents: []state.ContentPart{oc.Result}})
				})
			}
			hc.UpdateState(func(cur state.AgentLoopState) state.AgentLoopState {
				cur.MessagesSentToInnerClient = len(cur.CurrentMessages)
				return cur
			})
		} else if len(calls) > 0 && hc.SkipToolExecution && hc.OverrideToolResult != nil {
			hc.UpdateState(func(cur state.AgentLoopState) state.AgentLoopState {
				return cur.AppendMessage(state.Message{Role: state.RoleTool, Contents: []state.ContentPart{*hc.OverrideToolResult}})
			})
		}
		if opts.UnknownToolPolicy == UnknownToolPolicyTerminate {
			for _, call := range calls {
				if _, known := o.Registry.Lookup(tools.Ident(call.ToolName)); !known {
					name := call.ToolName
					hc.UpdateState(func(cur state.AgentLoopState) state.AgentLoopState {
						return cur.Terminate(fmt.Sprintf("unknown tool %q", name))
					})
					break
				}
			}
		}

		// Step 8: AfterIteration.
		if err := o.Pipeline.AfterIteration(ctx, hc, outcomes); err != nil {
			phase = PhaseTerminated
			break
		}

		_ = coord.Emit(ctx, event.Event{Kind: event.KindIterationFinished, AgentName: o.AgentName,
			SpanID: iterSpan, ParentSpanID: turnSpan})

		if finished {
			phase = PhaseTerminated
			break
		}
		hc.UpdateState(func(cur state.AgentLoopState) state.AgentLoopState { return cur.NextIteration() })
	}

	return o.finish(ctx, coord, hc, phase, turnSpan)
}

func (o *Orchestrator) finish(ctx context.Context, coord *event.Coordinator, hc *middleware.Context, phase Phase, turnSpan string) Result {
	_ = o.Pipeline.AfterMessageTurn(ctx, hc)
	_ = coord.Emit(ctx, event.Event{Kind: event.KindTurnFinished, AgentName: o.AgentName, SpanID: turnSpan})
	return Result{FinalState: hc.State(), Phase: phase}
}

// invokeModel sends the current (possibly history-reduced) message payload
// to the chat client, streaming text/reasoning deltas to the coordinator as
// they arrive, per spec.md §4.1 step 4.
func (o *Orchestrator) invokeModel(ctx context.Context, coord *event.Coordinator, s state.AgentLoopState, opts chatclient.Options) (state.Message, error) {
	payload := s.CurrentMessages
	if s.InnerClientTracksHistory {
		payload = s.CurrentMessages[min(s.MessagesSentToInnerClient, len(s.CurrentMessages)):]
	}

	stream, err := o.Client.GetStreamingResponse(ctx, payload, opts)
	if err != nil {
		return state.Message{}, classifyAndReturn(err)
	}
	defer stream.Close()

	var textBuf, reasoningBuf string
	calls := map[string]*state.ContentPart{}
	var order []string

	for {
		chunk, ok, err := stream.Next(ctx)
		if err != nil {
			return state.Message{}, classifyAndReturn(err)
		}
		if !ok {
			break
		}
		if chunk.TextDelta != "" {
			textBuf += chunk.TextDelta
			_ = coord.Emit(ctx, event.Event{Kind: event.KindTextDelta, AgentName: o.AgentName, Payload: chunk.TextDelta})
		}
		if chunk.ReasoningDelta != "" {
			reasoningBuf += chunk.ReasoningDelta
			_ = coord.Emit(ctx, event.Event{Kind: event.KindReasoningDelta, AgentName: o.AgentName, Payload: chunk.ReasoningDelta})
		}
		for _, d := range chunk.ToolCallDeltas {
			part, ok := calls[d.ID]
			if !ok {
				part = &state.ContentPart{Kind: state.ContentToolCallRequest, ToolCallID: d.ID, ToolName: d.Name}
				calls[d.ID] = part
				order = append(order, d.ID)
				_ = coord.Emit(ctx, event.Event{Kind: event.KindToolCallStart, AgentName: o.AgentName, Payload: d.ID})
			}
			if d.ArgumentsDelta != "" {
				_ = coord.Emit(ctx, event.Event{Kind: event.KindToolCallArgs, AgentName: o.AgentName, Payload: d})
			}
			if d.Done {
				_ = coord.Emit(ctx, event.Event{Kind: event.KindToolCallEnd, AgentName: o.AgentName, Payload: d.ID})
			}
		}
	}

	msg := state.Message{Role: state.RoleAssistant}
	if reasoningBuf != "" {
		msg.Contents = append(msg.Contents, state.ContentPart{Kind: state.ContentReasoning, Text: reasoningBuf})
	}
	if textBuf != "" {
		msg.Contents = append(msg.Contents, state.ContentPart{Kind: state.ContentText, Text: textBuf})
	}
	for _, id := range order {
		msg.Contents = append(msg.Contents, *calls[id])
	}
	return msg, nil
}

func classifyAndReturn(err error) error {
	return fmt.Errorf("orchestrator: model call failed: %w", err)
}

// executeTools runs every requested call, applying container activation,
// per-call BeforeFunction/AfterFunction hooks, circuit-breaker/permission
// short-circuits, per spec.md §4.1 step 6 and §4.5. Calls run one at a time
// in request order; none runs in parallel with another.
func (o *Orchestrator) executeTools(ctx context.Context, hc *middleware.Context, vis *toolvis.State, calls []state.ContentPart) []middleware.FunctionOutcome {
	// The BeforeParallelBatch result is ignored: calls run one at a time in
	// request order whether or not the batch is vetoed. A per-call
	// BeforeFunction block replaces only that call's result.
	_ = o.Pipeline.BeforeParallelBatch(ctx, hc, calls)

	outcomes := make([]middleware.FunctionOutcome, len(calls))
	for i, call := range calls {
		hc.BlockExecution = false
		hc.OverrideResult = nil
		if err := o.Pipeline.BeforeFunction(ctx, hc, call); err != nil {
			outcomes[i] = middleware.FunctionOutcome{CallID: call.ToolCallID, Name: call.ToolName, Exception: err}
			continue
		}
		if hc.BlockExecution && hc.OverrideResult != nil {
			outcomes[i] = middleware.FunctionOutcome{CallID: call.ToolCallID, Name: call.ToolName, Result: *hc.OverrideResult}
			_ = o.Pipeline.AfterFunction(ctx, hc, call, outcomes[i])
			continue
		}

		spec, known := o.Registry.Lookup(tools.Ident(call.ToolName))
		if known && spec.IsContainer {
			payload, err := vis.Activate(spec, o.AgentName)
			var result state.ContentPart
			if err != nil {
				result = state.ToolCallResult(call.ToolCallID, nil, err.Error())
			} else {
				encoded, _ := json.Marshal(payload)
				result = state.ToolCallResult(call.ToolCallID, encoded, "")
			}
			outcomes[i] = middleware.FunctionOutcome{CallID: call.ToolCallID, Name: call.ToolName, Result: result}
			_ = o.Pipeline.AfterFunction(ctx, hc, call, outcomes[i])
			continue
		}

		result := o.Executor.Run(ctx, call)
		var exception error
		if result.Error != "" {
			exception = fmt.Errorf("%s", result.Error)
		}
		outcomes[i] = middleware.FunctionOutcome{CallID: call.ToolCallID, Name: call.ToolName, Result: result, Exception: exception}
		if exception != nil {
			_ = o.dispatchOnError(ctx, hc, exception)
		}
		_ = o.Pipeline.AfterFunction(ctx, hc, call, outcomes[i])
		_ = emitEvent(ctx, hc, event.KindToolCallResult, o.AgentName, result)
	}
	return outcomes
}

func (o *Orchestrator) dispatchOnError(ctx context.Context, hc *middleware.Context, err error) bool {
	_ = hc.Coordinator.Emit(ctx, event.Event{Kind: event.KindMiddlewareError, AgentName: o.AgentName, Payload: err.Error()})
	return hc.State().IsTerminated
}

func emitEvent(ctx context.Context, hc *middleware.Context, kind event.Kind, agentName string, payload any) error {
	if hc.Coordinator == nil {
		return nil
	}
	return hc.Coordinator.Emit(ctx, event.Event{Kind: kind, AgentName: agentName, Payload: payload})
}

func newSpanID() string {
	return fmt.Sprintf("%016x", time.Now().UnixNano())
}
