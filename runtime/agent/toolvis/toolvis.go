// Package toolvis computes, per planner turn, which tools are visible to the
// model out of the full set registered for an agent.
//
// Most tools are visible unconditionally. Tools nested under a container
// (tools.ToolSpec.ParentContainer set) are hidden until their container has
// been expanded for the run; the container itself counts as a tool call, so
// the model "activates" a container the same way it calls any other tool,
// and the runtime swaps the now-visible children in on the following
// iteration. This keeps large tool catalogs out of the prompt until the
// model actually needs a given area of functionality.
package toolvis

import (
	"fmt"
	"sort"
	"strings"

	"github.com/flowmesh/agentcore/runtime/agent/tools"
)

// State tracks which containers are currently expanded for a run. It is
// small and value-safe to embed directly in checkpointed workflow state;
// the zero value has nothing expanded.
type State struct {
	Expanded map[tools.Ident]bool
}

// NewState returns an empty visibility state.
func NewState() *State {
	return &State{Expanded: map[tools.Ident]bool{}}
}

// Clone returns a deep copy, so callers can snapshot state into a checkpoint
// without aliasing the live map.
func (s *State) Clone() *State {
	out := NewState()
	if s == nil {
		return out
	}
	for k, v := range s.Expanded {
		out.Expanded[k] = v
	}
	return out
}

// IsExpanded reports whether name is currently an expanded container.
func (s *State) IsExpanded(name tools.Ident) bool {
	if s == nil || s.Expanded == nil {
		return false
	}
	return s.Expanded[name]
}

// Expand marks a container expanded. It is idempotent: expanding an
// already-expanded container is a no-op.
func (s *State) Expand(name tools.Ident) {
	if s.Expanded == nil {
		s.Expanded = map[tools.Ident]bool{}
	}
	s.Expanded[name] = true
}

// Clear drops all expansion state. The runtime calls this once per message
// turn boundary so container activation does not leak across turns: a
// container expanded to answer one user message does not stay expanded for
// the next, keeping the advertised tool list minimal by default.
func (s *State) Clear() {
	if s == nil {
		return
	}
	s.Expanded = map[tools.Ident]bool{}
}

// Visible returns the names of tools the model should see this turn, given
// the full registered spec set and the current expansion state. Containers
// are always visible regardless of expansion (the model must be able to
// call one to expand it); their children are visible only once their parent
// is expanded. Client-provided tools are always visible since they did not
// come from this agent's own catalog and cannot be nested under a container
// the agent controls. The result is sorted by name for deterministic
// prompt construction.
func Visible(specs []tools.ToolSpec, state *State) []tools.Ident {
	out := make([]tools.Ident, 0, len(specs))
	for _, spec := range specs {
		if spec.ParentContainer == "" || spec.Source == tools.SourceClient {
			out = append(out, spec.Name)
			continue
		}
		if state.IsExpanded(spec.ParentContainer) {
			out = append(out, spec.Name)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Filter narrows specs down to the visible subset, preserving the original
// tools.ToolSpec values (sorted by name).
func Filter(specs []tools.ToolSpec, state *State) []tools.ToolSpec {
	byName := make(map[tools.Ident]tools.ToolSpec, len(specs))
	for _, spec := range specs {
		byName[spec.Name] = spec
	}
	visible := Visible(specs, state)
	out := make([]tools.ToolSpec, 0, len(visible))
	for _, name := range visible {
		out = append(out, byName[name])
	}
	return out
}

// Activate resolves the result payload for a container call and records the
// container as expanded. It returns the container's FunctionResult text,
// which the executor should return verbatim as the tool call's result
// payload (wrapped however the provider's tool-result contract requires).
func (s *State) Activate(spec tools.ToolSpec, agentName string) (string, error) {
	if !spec.IsContainer {
		return "", fmt.Errorf("toolvis: %s is not a container", spec.Name)
	}
	s.Expand(spec.Name)
	return spec.FunctionResult.Resolve(agentName)
}

const protocolHeader = "ACTIVE CONTAINER PROTOCOLS"

// ActiveProtocols renders the merged system-prompt addendum for every
// currently expanded container that declares non-empty SystemPrompt text.
// Containers are resolved and joined alphabetically by name so the
// resulting prompt text is stable across runs with the same expansion set.
// Returns the empty string when nothing is expanded or no expanded
// container declares protocol text, so callers can skip appending a header
// for an empty body.
func ActiveProtocols(specs []tools.ToolSpec, state *State, agentName string) (string, error) {
	if state == nil || len(state.Expanded) == 0 {
		return "", nil
	}
	names := make([]tools.Ident, 0, len(specs))
	byName := make(map[tools.Ident]tools.ToolSpec, len(specs))
	for _, spec := range specs {
		if spec.IsContainer && state.IsExpanded(spec.Name) {
			names = append(names, spec.Name)
			byName[spec.Name] = spec
		}
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	var body []string
	for _, name := range names {
		spec := byName[name]
		text, err := spec.SystemPrompt.Resolve(agentName)
		if err != nil {
			return "", fmt.Errorf("toolvis: resolve system prompt for %s: %w", name, err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		body = append(body, fmt.Sprintf("### %s\n%s", name, text))
	}
	if len(body) == 0 {
		return "", nil
	}
	return fmt.Sprintf("## %s\n\n%s", protocolHeader, strings.Join(body, "\n\n")), nil
}

// Ident is a local alias kept for readability inside this package; it is
// identical to tools.Ident.
type Ident = tools.Ident
