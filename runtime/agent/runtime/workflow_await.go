package runtime

// workflow_await.go contains workflow-side entry points for planner await results.
//
// The queued await implementation lives in workflow_await_queue.go; this file
// keeps the workflow loop hooks that convert timeouts into deterministic
// finalization and delegates await-only turns into the shared queue handler.

import (
	"context"
	"errors"
	"fmt"
	"time"

	agent "github.com/flowmesh/agentcore/runtime/agent"
	"github.com/flowmesh/agentcore/runtime/agent/engine"
	"github.com/flowmesh/agentcore/runtime/agent/hooks"
	"github.com/flowmesh/agentcore/runtime/agent/interrupt"
	"github.com/flowmesh/agentcore/runtime/agent/planner"
	"github.com/flowmesh/agentcore/runtime/agent/tools"
	"github.com/flowmesh/agentcore/runtime/agent/transcript"
)

// handleAwaitOnlyResult executes an await-only planner result (no tool calls).
//
// Return contract:
// - **out != nil**: the run finalized (e.g., await timed out).
// - **out == nil && err == nil**: await input was received and the workflow loop may continue.
func (r *Runtime) handleAwaitOnlyResult(
	wfCtx engine.WorkflowContext,
	reg AgentRegistration,
	input *RunInput,
	base *planner.PlanInput,
	st *runLoopState,
	resumeOpts engine.ActivityOptions,
	ctrl *interrupt.Controller,
	budgetDeadline time.Time,
	hardDeadline time.Time,
	turnID string,
) (*RunOutput, error) {
	ctx := wfCtx.Context()
	r.logger.Info(ctx, "PlanResult has Await, handling await queue")
	if st == nil || st.Result == nil || st.Result.Await == nil {
		return nil, errors.New("await: missing await payload")
	}
	deadlines := &runDeadlines{Budget: budgetDeadline, Hard: hardDeadline}
	return r.handleAwaitQueue(
		wfCtx,
		reg,
		input,
		base,
		st,
		resumeOpts,
		engine.ActivityOptions{},
		0,
		nil,
		ctrl,
		deadlines,
		turnID,
		nil,
		st.Result.Await.Items,
		nil,
	)
}

// finalizeAwaitTimeout converts an expired await into a deterministic RunResumedEvent
// and then requests finalization from the planner.
func (r *Runtime) finalizeAwaitTimeout(
	wfCtx engine.WorkflowContext,
	reg AgentRegistration,
	input *RunInput,
	base *planner.PlanInput,
	st *runLoopState,
	turnID string,
	hardDeadline time.Time,
	reason string,
) (*RunOutput, error) {
	ctx := wfCtx.Context()
	if err := r.publishHook(ctx, hooks.NewRunResumedEvent(
		base.RunContext.RunID,
		input.AgentID,
		base.RunContext.SessionID,
		"await_timeout",
		"runtime",
		map[string]string{
			"resumed_by": "await_timeout",
			"await":      reason,
		},
		0,
	), turnID); err != nil {
		return nil, err
	}
	return r.finalizeWithPlanner(
		wfCtx,
		reg,
		input,
		base,
		st.ToolEvents,
		st.AggUsage,
		st.NextAttempt,
		turnID,
		planner.TerminationReasonAwaitTimeout,
		hardDeadline,
	)
}

// handleAwaitAfterTools completes a mixed turn where the planner returned
// both tool calls and an Await boundary (Questions or ExternalTools). The
// internal tool calls in declaredCalls/vals have already executed and their
// assistant tool_use turn has already been recorded by the caller; this
// appends their results, publishes the await prompt for the remaining
// awaited tool_call_ids, and resumes the planner once the external response
// arrives.
func (r *Runtime) handleAwaitAfterTools(
	wfCtx engine.WorkflowContext,
	reg AgentRegistration,
	input *RunInput,
	base *planner.PlanInput,
	await *planner.Await,
	declaredCalls []planner.ToolRequest,
	awaitExpectedIDs map[string]struct{},
	artifactsModeByCallID map[string]tools.ArtifactsMode,
	vals []*planner.ToolResult,
	st *runLoopState,
	resumeOpts engine.ActivityOptions,
	ctrl *interrupt.Controller,
	budgetDeadline time.Time,
	hardDeadline time.Time,
	turnID string,
) (*RunOutput, error) {
	ctx := wfCtx.Context()
	if ctrl == nil {
		return nil, errors.New("await not supported in inline runs")
	}
	if await == nil {
		return nil, errors.New("await: missing await payload")
	}

	if err := r.appendUserToolResults(base, declaredCalls, vals, st.Ledger); err != nil {
		return nil, err
	}

	if err := r.publishMixedAwaitPrompt(ctx, input, base, await, turnID); err != nil {
		return nil, err
	}
	if err := r.publishHook(
		ctx,
		hooks.NewRunPausedEvent(base.RunContext.RunID, input.AgentID, base.RunContext.SessionID, awaitReasonQueue, "runtime", nil, nil),
		turnID,
	); err != nil {
		return nil, err
	}

	deadlines := &runDeadlines{Budget: budgetDeadline, Hard: hardDeadline}
	waitStartedAt := wfCtx.Now()
	var (
		awaitResults []*planner.ToolResult
		err          error
	)
	switch {
	case await.Questions != nil:
		awaitResults, err = r.waitMixedAwaitQuestions(ctx, ctrl, input, base, st, turnID, await.Questions, awaitExpectedIDs)
	case await.ExternalTools != nil:
		awaitResults, err = r.waitMixedAwaitExternalTools(ctx, ctrl, input, base, st, turnID, await.ExternalTools, awaitExpectedIDs)
	default:
		err = errors.New("await: mixed turn await missing questions/external_tools payload")
	}
	deadlines.pause(wfCtx.Now().Sub(waitStartedAt))
	if err != nil {
		return nil, err
	}

	allToolResults := make([]*planner.ToolResult, 0, len(vals)+len(awaitResults))
	allToolResults = append(allToolResults, vals...)
	allToolResults = append(allToolResults, awaitResults...)

	if failures(allToolResults) > 0 {
		st.Caps.RemainingConsecutiveFailedToolCalls = decrementCap(
			st.Caps.RemainingConsecutiveFailedToolCalls,
			failures(allToolResults),
		)
		if st.Caps.MaxConsecutiveFailedToolCalls > 0 && st.Caps.RemainingConsecutiveFailedToolCalls <= 0 {
			return r.finalizeWithPlanner(wfCtx, reg, input, base, st.ToolEvents, st.AggUsage, st.NextAttempt, turnID, planner.TerminationReasonFailureCap, deadlines.Hard)
		}
	} else if st.Caps.MaxConsecutiveFailedToolCalls > 0 {
		st.Caps.RemainingConsecutiveFailedToolCalls = st.Caps.MaxConsecutiveFailedToolCalls
	}

	if out, err := r.handleMissingFieldsPolicy(wfCtx, reg, input, base, allToolResults, st.ToolEvents, st.AggUsage, &st.NextAttempt, turnID, ctrl, deadlines.Budget, deadlines.Hard); err != nil {
		return nil, err
	} else if out != nil {
		return out, nil
	}

	protected, err := r.hardProtectionIfNeeded(ctx, input.AgentID, base, allToolResults, turnID)
	if err != nil {
		return nil, err
	}
	if protected {
		return r.finalizeWithPlanner(wfCtx, reg, input, base, st.ToolEvents, st.AggUsage, st.NextAttempt, turnID, planner.TerminationReasonFailureCap, deadlines.Hard)
	}

	if err := r.publishHook(
		ctx,
		hooks.NewRunResumedEvent(base.RunContext.RunID, input.AgentID, base.RunContext.SessionID, "await_completed", "runtime", map[string]string{
			"resumed_by": "await_after_tools",
		}, 0),
		turnID,
	); err != nil {
		return nil, err
	}

	resumeReq, err := r.buildNextResumeRequest(agent.Ident(input.AgentID), base, allToolResults, &st.NextAttempt, st.Containers)
	if err != nil {
		return nil, err
	}
	resOutput, err := r.runPlanActivity(wfCtx, reg.ResumeActivityName, resumeOpts, resumeReq, deadlines.Budget)
	if err != nil {
		return nil, err
	}
	if resOutput == nil || resOutput.Result == nil {
		return nil, fmt.Errorf("plan resume activity returned nil result after await")
	}
	st.AggUsage = addTokenUsage(st.AggUsage, resOutput.Usage)
	st.Result = resOutput.Result
	st.Transcript = resOutput.Transcript
	st.Ledger = transcript.FromModelMessages(st.Transcript)
	return nil, nil
}

// publishMixedAwaitPrompt publishes the await prompt event and per-call
// ToolCallScheduled events for a mixed turn's await boundary. It does not
// record an assistant turn: the caller already recorded declaredCalls
// (executed tool calls plus the awaited ones) as a single tool_use turn.
func (r *Runtime) publishMixedAwaitPrompt(ctx context.Context, input *RunInput, base *planner.PlanInput, await *planner.Await, turnID string) error {
	switch {
	case await.Questions != nil:
		q := await.Questions
		qs := make([]hooks.AwaitQuestion, 0, len(q.Questions))
		for _, qq := range q.Questions {
			opts := make([]hooks.AwaitQuestionOption, 0, len(qq.Options))
			for _, o := range qq.Options {
				opts = append(opts, hooks.AwaitQuestionOption{ID: o.ID, Label: o.Label})
			}
			qs = append(qs, hooks.AwaitQuestion{
				ID:            qq.ID,
				Prompt:        qq.Prompt,
				AllowMultiple: qq.AllowMultiple,
				Options:       opts,
			})
		}
		if err := r.publishHook(ctx, hooks.NewAwaitQuestionsEvent(
			base.RunContext.RunID,
			input.AgentID,
			base.RunContext.SessionID,
			q.ID,
			q.ToolName,
			q.ToolCallID,
			q.Payload,
			q.Title,
			qs,
		), turnID); err != nil {
			return err
		}
		if q.ToolCallID == "" {
			return errors.New("await_questions: missing tool_call_id")
		}
		return r.publishHook(ctx, hooks.NewToolCallScheduledEvent(
			base.RunContext.RunID,
			input.AgentID,
			base.RunContext.SessionID,
			q.ToolName,
			q.ToolCallID,
			q.Payload,
			"",
			"",
			0,
		), turnID)
	case await.ExternalTools != nil:
		e := await.ExternalTools
		items := make([]hooks.AwaitToolItem, 0, len(e.Items))
		for _, item := range e.Items {
			items = append(items, hooks.AwaitToolItem{
				ToolName:   item.Name,
				ToolCallID: item.ToolCallID,
				Payload:    item.Payload,
			})
		}
		if err := r.publishHook(ctx, hooks.NewAwaitExternalToolsEvent(
			base.RunContext.RunID,
			input.AgentID,
			base.RunContext.SessionID,
			e.ID,
			items,
		), turnID); err != nil {
			return err
		}
		for _, item := range e.Items {
			if item.ToolCallID == "" {
				continue
			}
			if err := r.publishHook(ctx, hooks.NewToolCallScheduledEvent(
				base.RunContext.RunID,
				input.AgentID,
				base.RunContext.SessionID,
				item.Name,
				item.ToolCallID,
				item.Payload,
				"",
				"",
				0,
			), turnID); err != nil {
				return err
			}
		}
		return nil
	default:
		return errors.New("await: mixed turn await missing questions/external_tools payload")
	}
}

// waitMixedAwaitQuestions blocks for the out-of-band answer to a mixed turn's
// Questions await and decodes it into a tool result for the synthetic
// question tool call.
func (r *Runtime) waitMixedAwaitQuestions(
	ctx context.Context,
	ctrl *interrupt.Controller,
	input *RunInput,
	base *planner.PlanInput,
	st *runLoopState,
	turnID string,
	q *planner.QuestionsRequest,
	expected map[string]struct{},
) ([]*planner.ToolResult, error) {
	rs, err := ctrl.WaitProvideToolResults(ctx, 0)
	if err != nil {
		return nil, err
	}
	if rs == nil {
		return nil, errors.New("await questions: nil tool results set")
	}
	if q.ID != "" && rs.ID != "" && rs.ID != q.ID {
		return nil, errors.New("unexpected await ID for questions")
	}
	allowed := []planner.ToolRequest{
		{
			Name:       q.ToolName,
			ToolCallID: q.ToolCallID,
			Payload:    q.Payload,
		},
	}
	return r.consumeProvidedToolResults(ctx, input, base, st, turnID, rs, allowed, expected)
}

// waitMixedAwaitExternalTools blocks for the out-of-band results of a mixed
// turn's ExternalTools await.
func (r *Runtime) waitMixedAwaitExternalTools(
	ctx context.Context,
	ctrl *interrupt.Controller,
	input *RunInput,
	base *planner.PlanInput,
	st *runLoopState,
	turnID string,
	e *planner.ExternalToolsRequest,
	expected map[string]struct{},
) ([]*planner.ToolResult, error) {
	rs, err := ctrl.WaitProvideToolResults(ctx, 0)
	if err != nil {
		return nil, err
	}
	if rs == nil {
		return nil, errors.New("await external_tools: nil tool results set")
	}
	if e.ID != "" && rs.ID != "" && rs.ID != e.ID {
		return nil, errors.New("unexpected await ID for external_tools")
	}
	allowed := make([]planner.ToolRequest, 0, len(e.Items))
	for _, item := range e.Items {
		allowed = append(allowed, planner.ToolRequest{
			Name:       item.Name,
			ToolCallID: item.ToolCallID,
			Payload:    item.Payload,
		})
	}
	return r.consumeProvidedToolResults(ctx, input, base, st, turnID, rs, allowed, expected)
}
