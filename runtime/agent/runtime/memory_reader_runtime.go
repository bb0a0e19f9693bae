package runtime

import (
	"context"

	"github.com/flowmesh/agentcore/runtime/agent/memory"
)

// memoryReader loads the run snapshot from the memory store and wraps it in a
// Reader. Absence of a configured store, or a load failure, degrades to an
// empty reader rather than failing the planner turn: memory is an
// enrichment, not a dependency the run can't proceed without.
func (r *Runtime) memoryReader(ctx context.Context, agentID, runID string) memory.Reader {
	if r.Memory == nil {
		return emptyMemoryReader{}
	}
	snapshot, err := r.Memory.LoadRun(ctx, agentID, runID)
	if err != nil {
		return emptyMemoryReader{}
	}
	return newMemoryReader(snapshot.Events)
}
