package runtime

// workflow_entry.go contains the durable workflow's top-level entry point.
//
// Contract:
// - ExecuteWorkflow is registered with the engine via AgentRegistration.Workflow
//   (see WorkflowHandler) and is invoked once per workflow execution.
// - It builds the first planner request (locally or via the plan activity),
//   then hands off to runLoop for the plan/tool loop.

import (
	"errors"
	"fmt"
	"time"

	agent "github.com/flowmesh/agentcore/runtime/agent"
	"github.com/flowmesh/agentcore/runtime/agent/engine"
	"github.com/flowmesh/agentcore/runtime/agent/hooks"
	"github.com/flowmesh/agentcore/runtime/agent/interrupt"
	"github.com/flowmesh/agentcore/runtime/agent/planner"
	"github.com/flowmesh/agentcore/runtime/agent/run"
	"github.com/flowmesh/agentcore/runtime/agent/toolvis"
)

// ExecuteWorkflow drives a single agent run from the caller-supplied messages
// through to a final RunOutput. It obtains the initial PlanResult and then
// delegates turn-by-turn execution to runLoop.
func (r *Runtime) ExecuteWorkflow(wfCtx engine.WorkflowContext, input *RunInput) (*RunOutput, error) {
	ctx := wfCtx.Context()
	if input == nil {
		return nil, errors.New("run input is required")
	}
	if input.AgentID == "" {
		return nil, fmt.Errorf("%w: missing agent id", ErrAgentNotFound)
	}
	reg, ok := r.agentByID(input.AgentID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAgentNotFound, input.AgentID)
	}

	runCtx := run.Context{
		RunID:            input.RunID,
		SessionID:        input.SessionID,
		TurnID:           input.TurnID,
		Labels:           input.Labels,
		ParentToolCallID: input.ParentToolCallID,
		ParentRunID:      input.ParentRunID,
		ParentAgentID:    input.ParentAgentID,
		Tool:             input.Tool,
		ToolArgs:         input.ToolArgs,
	}

	reader := r.memoryReader(ctx, input.AgentID, input.RunID)
	events := newPlannerEvents(r, input.AgentID, input.RunID, input.SessionID)
	agentCtx := newAgentContext(agentContextOptions{
		runtime:    r,
		agentID:    input.AgentID,
		runID:      input.RunID,
		memory:     reader,
		turnID:     input.TurnID,
		events:     events,
		cache:      reg.Policy.Cache,
		specs:      r.ToolSpecsForAgent(agent.Ident(input.AgentID)),
		containers: toolvis.NewState(),
	})

	plannerMsgs := fromAgentMessages(input.Messages)
	planInput := &planner.PlanInput{
		Messages:   plannerMsgs,
		RunContext: runCtx,
		Agent:      agentCtx,
		Events:     events,
	}

	var initialPlan *planner.PlanResult
	if reg.Planner != nil {
		var err error
		initialPlan, err = r.planStart(ctx, &reg, planInput)
		if err != nil {
			return nil, fmt.Errorf("plan start: %w", err)
		}
	} else {
		if reg.PlanActivityName == "" {
			return nil, fmt.Errorf("agent %q missing plan activity", input.AgentID)
		}
		startReq := PlanActivityInput{
			AgentID:    input.AgentID,
			RunID:      input.RunID,
			Messages:   plannerMsgs,
			RunContext: runCtx,
		}
		out, err := r.runPlanActivity(wfCtx, reg.PlanActivityName, reg.PlanActivityOptions, startReq, time.Time{})
		if err != nil {
			return nil, fmt.Errorf("plan activity failed: %w", err)
		}
		if out != nil {
			initialPlan = out.Result
		}
	}
	if initialPlan == nil {
		return nil, errors.New("plan start returned nil result")
	}

	if err := r.publishHook(
		ctx,
		hooks.NewRunStartedEvent(input.RunID, agent.Ident(input.AgentID), runCtx, input),
		input.TurnID,
	); err != nil {
		return nil, err
	}

	caps := initialCaps(reg.Policy)
	var deadline time.Time
	if reg.Policy.TimeBudget > 0 {
		deadline = wfCtx.Now().Add(reg.Policy.TimeBudget)
	}

	var seq *turnSequencer
	if input.TurnID != "" {
		seq = &turnSequencer{turnID: input.TurnID}
	}
	ctrl := interrupt.NewController(wfCtx)

	return r.runLoop(wfCtx, reg, input, planInput, initialPlan, nil, caps, deadline, 1, seq, nil, ctrl, 0)
}
