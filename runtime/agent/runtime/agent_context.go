package runtime

import (
	"github.com/flowmesh/agentcore/runtime/agent/memory"
	"github.com/flowmesh/agentcore/runtime/agent/model"
	"github.com/flowmesh/agentcore/runtime/agent/planner"
	"github.com/flowmesh/agentcore/runtime/agent/telemetry"
	"github.com/flowmesh/agentcore/runtime/agent/toolvis"
	"github.com/flowmesh/agentcore/runtime/agent/tools"
)

// agentContextOptions configures construction of a planner.PlannerContext.
type agentContextOptions struct {
	runtime    *Runtime
	agentID    string
	runID      string
	memory     memory.Reader
	turnID     string
	events     planner.PlannerEvents
	cache      CachePolicy
	specs      []tools.ToolSpec
	containers *toolvis.State
}

// simplePlannerContext is a minimal implementation of planner.PlannerContext.
type simplePlannerContext struct {
	rt         *Runtime
	agent      string
	runID      string
	mem        memory.Reader
	ev         planner.PlannerEvents
	cache      CachePolicy
	specs      []tools.ToolSpec
	containers *toolvis.State
}

func newAgentContext(opts agentContextOptions) planner.PlannerContext {
	return &simplePlannerContext{
		rt:         opts.runtime,
		agent:      opts.agentID,
		runID:      opts.runID,
		mem:        opts.memory,
		ev:         opts.events,
		cache:      opts.cache,
		specs:      opts.specs,
		containers: opts.containers,
	}
}

func (c *simplePlannerContext) ID() string                 { return c.agent }
func (c *simplePlannerContext) RunID() string              { return c.runID }
func (c *simplePlannerContext) Memory() memory.Reader      { return c.mem }
func (c *simplePlannerContext) Logger() telemetry.Logger   { return c.rt.logger }
func (c *simplePlannerContext) Metrics() telemetry.Metrics { return c.rt.metrics }
func (c *simplePlannerContext) Tracer() telemetry.Tracer   { return c.rt.tracer }
func (c *simplePlannerContext) State() planner.AgentState  { return noopAgentState{} }
func (c *simplePlannerContext) ModelClient(id string) (model.Client, bool) {
	c.rt.mu.RLock()
	m, ok := c.rt.models[id]
	c.rt.mu.RUnlock()
	if !ok || m == nil {
		return nil, false
	}
	m = newCacheConfiguredClient(m, c.cache)
	m = newToolUnavailableConfiguredClient(m)
	if len(c.specs) > 0 {
		m = newToolVisibilityConfiguredClient(m, c.specs, c.containers, c.agent)
	}
	// Wrap with per-turn event decorator so thinking/text/usage are captured automatically.
	if c.ev != nil {
		return newEventDecoratedClient(m, c.ev), true
	}
	return m, true
}

// noopAgentState implements planner.AgentState with no persistence.
type noopAgentState struct{}

func (noopAgentState) Get(string) (any, bool) { return nil, false }
func (noopAgentState) Set(string, any)        {}
func (noopAgentState) Keys() []string         { return nil }
