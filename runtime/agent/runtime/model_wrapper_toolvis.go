package runtime

import (
	"context"

	"github.com/flowmesh/agentcore/runtime/agent/model"
	"github.com/flowmesh/agentcore/runtime/agent/toolvis"
	"github.com/flowmesh/agentcore/runtime/agent/tools"
)

// toolVisibilityConfiguredClient narrows a request's advertised tool list down
// to the currently visible subset and injects the merged "ACTIVE CONTAINER
// PROTOCOLS" system text for any expanded container. specs is the agent's
// full registered catalog; containers tracks which of its containers are
// currently expanded for this run.
type toolVisibilityConfiguredClient struct {
	inner      model.Client
	specs      []tools.ToolSpec
	containers *toolvis.State
	agentName  string
}

func newToolVisibilityConfiguredClient(inner model.Client, specs []tools.ToolSpec, containers *toolvis.State, agentName string) model.Client {
	if inner == nil {
		return nil
	}
	if containers == nil {
		containers = toolvis.NewState()
	}
	return &toolVisibilityConfiguredClient{inner: inner, specs: specs, containers: containers, agentName: agentName}
}

func (c *toolVisibilityConfiguredClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := c.applyVisibility(req); err != nil {
		return nil, err
	}
	return c.inner.Complete(ctx, req)
}

func (c *toolVisibilityConfiguredClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if err := c.applyVisibility(req); err != nil {
		return nil, err
	}
	return c.inner.Stream(ctx, req)
}

func (c *toolVisibilityConfiguredClient) applyVisibility(req *model.Request) error {
	if req == nil || len(req.Tools) == 0 {
		return nil
	}
	visible := make(map[string]bool, len(c.specs))
	for _, name := range toolvis.Visible(c.specs, c.containers) {
		visible[name.String()] = true
	}
	filtered := make([]*model.ToolDefinition, 0, len(req.Tools))
	for _, def := range req.Tools {
		if def == nil || visible[def.Name] {
			filtered = append(filtered, def)
		}
	}
	req.Tools = filtered

	addendum, err := toolvis.ActiveProtocols(c.specs, c.containers, c.agentName)
	if err != nil {
		return err
	}
	if addendum == "" {
		return nil
	}
	appendSystemText(req, addendum)
	return nil
}

// appendSystemText appends text to the request's system message, creating one
// at the front of the transcript if none exists yet.
func appendSystemText(req *model.Request, text string) {
	for _, msg := range req.Messages {
		if msg == nil || msg.Role != model.ConversationRoleSystem {
			continue
		}
		msg.Parts = append(msg.Parts, model.TextPart{Text: text})
		return
	}
	sys := &model.Message{
		Role:  model.ConversationRoleSystem,
		Parts: []model.Part{model.TextPart{Text: text}},
	}
	req.Messages = append([]*model.Message{sys}, req.Messages...)
}
