package runtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowmesh/agentcore/runtime/agent/planner"
	"github.com/flowmesh/agentcore/runtime/agent/tools"
)

// normalizeToolArtifacts encodes each artifact's Data field into canonical JSON
// bytes using the producing tool's registered server-data codec, matched by
// Artifact.Kind against the tool's ToolSpec.ServerData entries.
//
// Artifacts cross the same workflow boundary as tool results, so their Data
// must not be left as a typed Go value (map[string]any, etc.): the codec lookup
// mirrors marshalToolValue's treatment of the tool's own Result field.
func (r *Runtime) normalizeToolArtifacts(ctx context.Context, toolName tools.Ident, tr *planner.ToolResult) error {
	if tr == nil || len(tr.Artifacts) == 0 {
		return nil
	}
	spec, ok := r.ToolSpec(toolName)
	if !ok {
		return fmt.Errorf("normalize artifacts: unknown tool %s", toolName)
	}
	for i, art := range tr.Artifacts {
		if art == nil {
			continue
		}
		if _, already := art.Data.(json.RawMessage); already {
			continue
		}
		sd := serverDataSpecForKind(spec, art.Kind)
		if sd == nil || sd.Type.Codec.ToJSON == nil {
			return fmt.Errorf("normalize artifacts: no server-data codec registered for tool %s kind %q", toolName, art.Kind)
		}
		raw, err := sd.Type.Codec.ToJSON(art.Data)
		if err != nil {
			return fmt.Errorf("normalize artifacts: encode %s artifact %q: %w", toolName, art.Kind, err)
		}
		tr.Artifacts[i].Data = json.RawMessage(raw)
	}
	return nil
}

func serverDataSpecForKind(spec tools.ToolSpec, kind string) *tools.ServerDataSpec {
	for _, sd := range spec.ServerData {
		if sd != nil && sd.Kind == kind {
			return sd
		}
	}
	return nil
}
