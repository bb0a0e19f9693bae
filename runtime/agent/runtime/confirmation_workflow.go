package runtime

// confirmation_workflow.go implements the workflow-side confirmation policy for
// tool execution.
//
// Some tools require an explicit operator approval before they may execute
// (await_confirmation). The runtime enforces this by splitting candidate tool
// calls into two sets:
// - calls that may execute immediately, and
// - calls that must pause the workflow at an await boundary before execution.
//
// This file holds the confirmation policy and rendering:
// - It decides whether a given tool call requires confirmation (design-time
//   spec vs runtime overrides).
// - It renders the operator-facing prompt and the denied-result payload using
//   templates compiled with missingkey=error so bad templates fail loudly.
//
// It also holds confirmToolsIfNeeded, the inline handshake that publishes the
// await-confirmation and tool-authorization events and waits for each decision.
// It does not execute tools; approved calls are returned to the caller.

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/template"
	"time"

	"github.com/flowmesh/agentcore/runtime/agent/engine"
	"github.com/flowmesh/agentcore/runtime/agent/hooks"
	"github.com/flowmesh/agentcore/runtime/agent/interrupt"
	"github.com/flowmesh/agentcore/runtime/agent/planner"
	"github.com/flowmesh/agentcore/runtime/agent/tools"
)

type confirmationAwait struct {
	awaitID string
	call    planner.ToolRequest
	plan    *confirmationPlan
}

// splitConfirmationCalls partitions allowed tool calls into:
// - calls that may execute immediately, and
// - calls that require an await_confirmation boundary before execution.
func (r *Runtime) splitConfirmationCalls(ctx context.Context, base *planner.PlanInput, allowed []planner.ToolRequest) ([]planner.ToolRequest, []confirmationAwait, error) {
	if len(allowed) == 0 {
		return nil, nil, nil
	}

	toExecute := make([]planner.ToolRequest, 0, len(allowed))
	toConfirm := make([]confirmationAwait, 0, 1)
	for _, call := range allowed {
		plan, needs, err := r.confirmationPlan(ctx, &call)
		if err != nil {
			return nil, nil, err
		}
		if !needs {
			toExecute = append(toExecute, call)
			continue
		}
		awaitID := generateDeterministicAwaitID(base.RunContext.RunID, base.RunContext.TurnID, call.Name, call.ToolCallID)
		toConfirm = append(toConfirm, confirmationAwait{
			awaitID: awaitID,
			call:    call,
			plan:    plan,
		})
	}
	return toExecute, toConfirm, nil
}

// confirmToolsIfNeeded drives the inline (non-await-queue) confirmation
// handshake for a turn's allowed tool calls: calls that need no confirmation,
// or whose tool already carries a standing allow-always grant for this run,
// pass through untouched into toExecute; the remainder block on the
// confirmation signal one at a time before the caller proceeds to execute.
//
// Unlike the await-queue's waitAwaitConfirmation, this helper never executes
// a tool itself: approved calls are appended to toExecute for the normal
// tool-turn execution path (so a mixed batch of confirmed and
// never-needed-confirmation calls still executes as one group), and denied
// calls are turned into synthetic ToolResults the caller merges in with
// mergeToolResultsByCallID.
func (r *Runtime) confirmToolsIfNeeded(
	wfCtx engine.WorkflowContext,
	input *RunInput,
	base *planner.PlanInput,
	st *runLoopState,
	allowed []planner.ToolRequest,
	turnID string,
	ctrl *interrupt.Controller,
	budgetDeadline time.Time,
) ([]planner.ToolRequest, []*planner.ToolResult, error) {
	ctx := wfCtx.Context()
	toExecute, toConfirm, err := r.splitConfirmationCalls(ctx, base, allowed)
	if err != nil {
		return nil, nil, err
	}
	if len(toConfirm) == 0 {
		return toExecute, nil, nil
	}

	pending := make([]confirmationAwait, 0, len(toConfirm))
	for _, it := range toConfirm {
		if st.GrantedTools[it.call.Name] {
			toExecute = append(toExecute, it.call)
			continue
		}
		pending = append(pending, it)
	}
	if len(pending) == 0 {
		return toExecute, nil, nil
	}
	if ctrl == nil {
		return nil, nil, errors.New("confirmation required but await not supported in inline runs")
	}

	deniedResults := make([]*planner.ToolResult, 0, len(pending))
	for _, it := range pending {
		title := it.plan.Title
		if title == "" {
			title = "Confirm command"
		}
		if err := r.publishHook(ctx, hooks.NewAwaitConfirmationEvent(
			base.RunContext.RunID,
			input.AgentID,
			base.RunContext.SessionID,
			it.awaitID,
			title,
			it.plan.Prompt,
			it.call.Name,
			it.call.ToolCallID,
			it.call.Payload,
		), turnID); err != nil {
			return nil, nil, err
		}

		timeout, ok := timeoutUntil(budgetDeadline, wfCtx.Now())
		if !ok {
			return nil, nil, context.DeadlineExceeded
		}
		dec, err := ctrl.WaitProvideConfirmation(ctx, timeout)
		if err != nil {
			return nil, nil, err
		}
		if dec == nil {
			return nil, nil, errors.New("await_confirmation: received nil confirmation decision")
		}
		if dec.ID != "" && dec.ID != it.awaitID {
			return nil, nil, fmt.Errorf("unexpected confirmation id %q (expected %q)", dec.ID, it.awaitID)
		}
		if dec.RequestedBy == "" {
			return nil, nil, fmt.Errorf("confirmation decision missing requested_by for %q (%s)", it.call.Name, it.call.ToolCallID)
		}

		if err := r.publishHook(ctx, hooks.NewToolAuthorizationEvent(
			base.RunContext.RunID,
			input.AgentID,
			base.RunContext.SessionID,
			it.call.Name,
			it.call.ToolCallID,
			dec.Approved,
			it.plan.Prompt,
			dec.RequestedBy,
		), turnID); err != nil {
			return nil, nil, err
		}

		if !dec.Approved {
			deniedResults = append(deniedResults, &planner.ToolResult{
				Name:       it.call.Name,
				ToolCallID: it.call.ToolCallID,
				Result:     it.plan.DeniedResult,
				Error:      nil,
			})
			continue
		}
		if dec.AlwaysAllow {
			if st.GrantedTools == nil {
				st.GrantedTools = make(map[tools.Ident]bool)
			}
			st.GrantedTools[it.call.Name] = true
		}
		toExecute = append(toExecute, it.call)
	}
	return toExecute, deniedResults, nil
}

type confirmationPlan struct {
	Title        string
	Prompt       string
	DeniedResult any
}

// confirmationPlan returns the rendered confirmation prompt/denied-result for
// the given tool call and whether the call requires confirmation.
//
// Contract:
//   - Runtime overrides take precedence over design-time specs.
//   - When confirmation is not required, the returned plan is nil and needs is false.
//   - Template rendering uses missingkey=error; a missing field is a bug and must
//     fail loudly to surface incorrect tool schemas/templates.
func (r *Runtime) confirmationPlan(ctx context.Context, call *planner.ToolRequest) (*confirmationPlan, bool, error) {
	// Runtime override takes precedence and can require confirmation for tools that
	// do not declare design-time Confirmation.
	if r.toolConfirmation != nil && len(r.toolConfirmation.Confirm) > 0 {
		if h, ok := r.toolConfirmation.Confirm[call.Name]; ok {
			prompt, err := h.Prompt(ctx, call)
			if err != nil {
				return nil, false, err
			}
			deniedResult, err := h.DeniedResult(ctx, call)
			if err != nil {
				return nil, false, err
			}
			return &confirmationPlan{
				Title:        "",
				Prompt:       prompt,
				DeniedResult: deniedResult,
			}, true, nil
		}
	}

	spec, ok := r.toolSpec(call.Name)
	if !ok || spec.Confirmation == nil {
		return nil, false, nil
	}
	c := spec.Confirmation
	payloadVal, err := r.unmarshalToolValue(ctx, call.Name, call.Payload, true)
	if err != nil {
		return nil, false, fmt.Errorf("decode payload for confirmation %q: %w", call.Name, err)
	}

	prompt, err := renderConfirmationTemplate("prompt", c.PromptTemplate, payloadVal)
	if err != nil {
		return nil, false, fmt.Errorf("render confirmation prompt for %q: %w", call.Name, err)
	}
	deniedJSON, err := renderConfirmationTemplate("denied_result", c.DeniedResultTemplate, payloadVal)
	if err != nil {
		return nil, false, fmt.Errorf("render denied result for %q: %w", call.Name, err)
	}
	deniedRaw := json.RawMessage(deniedJSON)
	if !json.Valid(deniedRaw) {
		return nil, false, fmt.Errorf("denied result template for %q did not render valid JSON", call.Name)
	}
	deniedResult, err := r.unmarshalToolValue(ctx, call.Name, deniedRaw, false)
	if err != nil {
		return nil, false, fmt.Errorf("decode denied result for %q: %w", call.Name, err)
	}

	return &confirmationPlan{
		Title:        c.Title,
		Prompt:       prompt,
		DeniedResult: deniedResult,
	}, true, nil
}

// renderConfirmationTemplate renders a confirmation template against a decoded
// tool payload value.
//
// Templates are compiled with missingkey=error to keep the contract strict:
// if a template references a field not present in the payload, that is a bug
// in the spec/template pairing and must fail loudly.
func renderConfirmationTemplate(name string, src string, data any) (string, error) {
	t, err := template.New(name).
		Option("missingkey=error").
		Funcs(template.FuncMap{
			"json": func(v any) (string, error) {
				b, err := json.Marshal(v)
				if err != nil {
					return "", err
				}
				return string(b), nil
			},
			"quote": func(s string) string {
				return fmt.Sprintf("%q", s)
			},
		}).
		Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
