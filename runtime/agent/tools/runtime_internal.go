package tools

// ToolUnavailable is a runtime-owned tool identifier used to represent model
// tool calls whose requested name is not in the currently visible set.
//
// The executor rewrites unknown tool calls to a synthetic result carrying
// this identifier so a tool-call-request always gets a matching tool-result,
// even when the model asks for a name it hallucinated or that is currently
// collapsed out of view behind an unexpanded container.
const ToolUnavailable Ident = "runtime.tool_unavailable"

// String returns the identifier as a plain string, matching the
// fmt.Stringer-shaped accessor model providers expect for tool names.
func (i Ident) String() string { return string(i) }
