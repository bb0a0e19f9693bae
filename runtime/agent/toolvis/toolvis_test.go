package toolvis

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/agentcore/runtime/agent/tools"
)

func sampleSpecs() []tools.ToolSpec {
	return []tools.ToolSpec{
		{Name: "search.basic_search"},
		{
			Name:           "admin.container",
			IsContainer:    true,
			FunctionNames:  []tools.Ident{"admin.ban_user", "admin.reset_password"},
			FunctionResult: tools.Literal("admin tools are now available"),
			SystemPrompt:   tools.Literal("Confirm identity before using any admin tool."),
		},
		{Name: "admin.ban_user", ParentContainer: "admin.container"},
		{Name: "admin.reset_password", ParentContainer: "admin.container"},
		{Name: "client.attachment", Source: tools.SourceClient, ParentContainer: "admin.container"},
	}
}

func TestVisibleHidesUnexpandedContainerChildren(t *testing.T) {
	state := NewState()
	visible := Visible(sampleSpecs(), state)
	require.Equal(t, []tools.Ident{"admin.container", "client.attachment", "search.basic_search"}, visible)
}

func TestVisibleRevealsChildrenAfterExpand(t *testing.T) {
	state := NewState()
	state.Expand("admin.container")
	visible := Visible(sampleSpecs(), state)
	require.Equal(t, []tools.Ident{
		"admin.ban_user", "admin.container", "admin.reset_password", "client.attachment", "search.basic_search",
	}, visible)
}

func TestActivateExpandsAndReturnsFunctionResult(t *testing.T) {
	state := NewState()
	specs := sampleSpecs()
	result, err := state.Activate(specs[1], "concierge")
	require.NoError(t, err)
	require.Equal(t, "admin tools are now available", result)
	require.True(t, state.IsExpanded("admin.container"))
}

func TestActivateRejectsNonContainer(t *testing.T) {
	state := NewState()
	_, err := state.Activate(tools.ToolSpec{Name: "search.basic_search"}, "concierge")
	require.Error(t, err)
}

func TestActiveProtocolsEmptyWhenNothingExpanded(t *testing.T) {
	state := NewState()
	text, err := ActiveProtocols(sampleSpecs(), state, "concierge")
	require.NoError(t, err)
	require.Empty(t, text)
}

func TestActiveProtocolsRendersExpandedContainers(t *testing.T) {
	state := NewState()
	state.Expand("admin.container")
	text, err := ActiveProtocols(sampleSpecs(), state, "concierge")
	require.NoError(t, err)
	require.Contains(t, text, "ACTIVE CONTAINER PROTOCOLS")
	require.Contains(t, text, "Confirm identity before using any admin tool.")
}

func TestClearResetsExpansion(t *testing.T) {
	state := NewState()
	state.Expand("admin.container")
	state.Clear()
	require.False(t, state.IsExpanded("admin.container"))
}

func TestCloneIsIndependent(t *testing.T) {
	state := NewState()
	state.Expand("admin.container")
	clone := state.Clone()
	clone.Expand("other.container")
	require.False(t, state.IsExpanded("other.container"))
	require.True(t, clone.IsExpanded("admin.container"))
}
