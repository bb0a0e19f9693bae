package tools

import "encoding/json"

// AnyJSONCodec is a pre-built codec for the `any` type. It uses standard JSON
// marshaling/unmarshaling and is suitable for integrations where the concrete
// type is not known at compile time.
var AnyJSONCodec = JSONCodec[any]{
	ToJSON: json.Marshal,
	FromJSON: func(data []byte) (any, error) {
		if len(data) == 0 {
			return nil, nil
		}
		var out any
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
		return out, nil
	},
}

// SourceType classifies where a tool's implementation lives. The visibility
// manager and executor both branch on it: client-provided tools bypass
// container collapsing entirely (spec.md §4.3 rule), and the executor
// dispatches native/mcp/openapi/agent tools through different call paths.
type SourceType string

const (
	// SourceNative identifies a tool implemented directly by the host process.
	SourceNative SourceType = "native"
	// SourceMCP identifies a tool proxied from an MCP server.
	SourceMCP SourceType = "mcp"
	// SourceClient identifies a tool supplied by the calling client at request
	// time rather than registered at build time. Client-provided tools are
	// always visible regardless of container expansion state.
	SourceClient SourceType = "client"
	// SourceOpenAPI identifies a tool generated from an OpenAPI operation.
	SourceOpenAPI SourceType = "openapi"
	// SourceAgent identifies a tool backed by a nested agent invocation
	// (agent-as-tool). ToolSpec.IsAgentTool is the authoritative flag the
	// runtime checks; Source mirrors it for callers that only have a
	// ToolSpec in hand and want to switch on source without a second field.
	SourceAgent SourceType = "agent"
)

// ThreadMode controls how a nested agent tool's own conversational state is
// scoped across calls within the same session. Only meaningful when
// IsAgentTool is true; ignored otherwise.
type ThreadMode string

const (
	// ThreadModeStateless starts a fresh child run for every call. This is
	// the zero value and the runtime's default when a ToolSpec does not set
	// ThreadMode.
	ThreadModeStateless ThreadMode = "stateless"
	// ThreadModeShared threads one child run across every sibling call to
	// the same agent tool within a session, so the nested agent accumulates
	// context across calls the way a human sub-contractor would.
	ThreadModeShared ThreadMode = "shared"
	// ThreadModePerSession pulls a child run keyed on an external session
	// identifier supplied in the call arguments (the "session_id" field),
	// so unrelated callers sharing a ToolSpec still get independent nested
	// conversations.
	ThreadModePerSession ThreadMode = "per_session"
)

type (
	// ServerDataAudience declares who a server-data payload is intended for.
	//
	// Audience is a routing contract for downstream consumers (timeline projection,
	// UI renderers, persistence sinks). It is not sent to model providers.
	ServerDataAudience string

	// ToolSpec enumerates the metadata and JSON codecs for a tool or a
	// container. Containers (IsContainer=true) are themselves tools: the
	// model "calls" a container to expand its children into the visible set
	// (see the toolvis package), and FunctionResult becomes that call's
	// tool-result payload.
	ToolSpec struct {
		// Name is the globally unique tool identifier (`toolset.tool`).
		Name Ident
		// Service identifies the Goa service that declared the tool.
		Service string
		// Toolset is the toolset registration identifier used for routing.
		// It is typically the DSL toolset name.
		Toolset string
		// Description provides human-readable context for planners and tooling.
		Description string
		// Tags carries optional metadata labels used by policy or UI layers.
		Tags []string
		// Meta carries arbitrary design-time metadata attached to the tool via DSL.
		Meta map[string][]string
		// TerminalRun indicates that once this tool executes in a run, the runtime
		// terminates the run immediately after publishing the tool result(s), without
		// requesting a follow-up planner PlanResume/finalization turn.
		TerminalRun bool
		// IsAgentTool indicates this tool is implemented by an agent (agent-as-tool).
		// When true, the runtime executes the tool by starting the provider agent as a
		// child workflow from within the parent workflow loop.
		IsAgentTool bool
		// AgentID is the fully qualified agent identifier (e.g., "service.agent_name").
		// Only set when IsAgentTool is true.
		AgentID string
		// ThreadMode controls child-run scoping when IsAgentTool is true.
		// Zero value is ThreadModeStateless.
		ThreadMode ThreadMode
		// BoundedResult indicates that this tool's result is declared as a bounded
		// view over a potentially larger data set.
		BoundedResult bool
		// Paging optionally describes cursor-based pagination fields for this tool.
		Paging *PagingSpec
		// ServerData enumerates server-only payloads emitted alongside the tool
		// result. Server data is never sent to model providers.
		ServerData []*ServerDataSpec
		// ResultReminder is an optional system reminder injected into the
		// conversation after the tool result is returned.
		ResultReminder string
		// Confirmation configures design-time confirmation requirements for this tool.
		// A non-nil Confirmation is this spec's "requires_permission" capability flag:
		// the permission middleware gates execution behind a bidirectional
		// allow/deny exchange whenever it is set.
		Confirmation *ConfirmationSpec
		// Payload describes the request schema for the tool.
		Payload TypeSpec
		// Result describes the response schema for the tool.
		Result TypeSpec
		// Source classifies where the tool's implementation lives. Client-
		// provided tools (SourceClient) are exempt from container collapsing.
		Source SourceType
		// IsContainer marks a collapse/expand container. A container may not
		// also set IsAgentTool. Containers carry no Payload/Result of their
		// own; calling one returns FunctionResult as a synthetic tool result.
		IsContainer bool
		// ParentContainer names the container this tool (or nested container)
		// is nested under. Empty for top-level tools. Must reference a
		// registered container's Name.
		ParentContainer Ident
		// FunctionNames lists the children of a container, by Name. Required
		// and non-empty when IsContainer is true; ignored otherwise.
		FunctionNames []Ident
		// FunctionResult is the tool-call result payload returned when a
		// container is activated. IsStatic selects the form: Literal is used
		// when it is true and Dynamic otherwise.
		// Only meaningful when IsContainer is true.
		FunctionResult ExpandableText
		// SystemPrompt is protocol text merged under the "ACTIVE CONTAINER
		// PROTOCOLS" header once the container is expanded. Only meaningful
		// when IsContainer is true.
		SystemPrompt ExpandableText
	}

	// ExpandableText is either a literal string (IsStatic=true) or a handle
	// to a function resolved against the live agent instance at activation
	// time (IsStatic=false). This models spec.md's "literal or captured
	// handler" redesign of attribute-driven collapse text.
	ExpandableText struct {
		IsStatic bool
		Literal  string
		// Dynamic is func(agentName string) (string, error), kept as `any`
		// so this package does not need to import the agent package.
		Dynamic any
	}

	// ServerDataSpec describes one server-only payload emitted alongside a tool
	// result. Server data is never sent to model providers.
	ServerDataSpec struct {
		// Kind identifies the server-data kind.
		Kind string
		// Audience declares who this server-data payload is intended for.
		Audience ServerDataAudience
		// Description describes what an observer sees when this payload is rendered.
		Description string
		// Type describes the schema and JSON codec for this server-data payload.
		Type TypeSpec
	}

	// PagingSpec describes cursor-based pagination for a tool.
	PagingSpec struct {
		// CursorField is the name of the optional String field in the tool payload
		// used to request subsequent pages.
		CursorField string
		// NextCursorField is the name of the optional String field in the tool result
		// that carries the cursor for the next page.
		NextCursorField string
	}

	// ConfirmationSpec declares the confirmation protocol for a tool. The
	// runtime owns how confirmation is requested (typically the
	// bidirectional permission-request event of spec.md §4.4) and how the
	// decision is delivered back to the run; tool authors only configure
	// templates and an optional display title.
	ConfirmationSpec struct {
		// Title is an optional title shown in the confirmation UI (when supported).
		Title string
		// PromptTemplate is rendered with the tool payload to produce the prompt.
		PromptTemplate string
		// DeniedResultTemplate is rendered with the tool payload to produce JSON for
		// the denied tool result.
		DeniedResultTemplate string
	}

	// TypeSpec describes the payload or result schema for a tool.
	TypeSpec struct {
		// Name is the Go identifier associated with the type.
		Name string
		// Schema contains the JSON schema definition rendered at code generation time.
		Schema []byte
		// ExampleJSON optionally contains a canonical example JSON document for this type.
		ExampleJSON []byte
		// ExampleInput is an optional parsed example payload.
		ExampleInput map[string]any
		// Codec serializes and deserializes values matching the type.
		Codec JSONCodec[any]
	}

	// JSONCodec serializes and deserializes strongly typed values to and from JSON.
	JSONCodec[T any] struct {
		// ToJSON encodes the value into canonical JSON.
		ToJSON func(T) ([]byte, error)
		// FromJSON decodes the JSON payload into the typed value.
		FromJSON func([]byte) (T, error)
	}
)

const (
	// AudienceTimeline indicates the payload is persisted and eligible for UI rendering.
	AudienceTimeline ServerDataAudience = "timeline"
	// AudienceInternal indicates the payload is an internal tool-composition attachment.
	AudienceInternal ServerDataAudience = "internal"
	// AudienceEvidence indicates the payload carries provenance references.
	AudienceEvidence ServerDataAudience = "evidence"
)

// RequiresPermission reports whether executing this tool must be gated
// behind the permission middleware's bidirectional allow/deny exchange.
func (s ToolSpec) RequiresPermission() bool { return s.Confirmation != nil }

// Literal returns a static ExpandableText.
func Literal(s string) ExpandableText { return ExpandableText{IsStatic: true, Literal: s} }

// Resolve evaluates the text, invoking Dynamic(agentName) when the text is
// not static. A zero-value Dynamic (no expression configured) resolves to
// the empty string rather than an error, since SystemPrompt is optional even
// on containers that only set FunctionResult.
func (t ExpandableText) Resolve(agentName string) (string, error) {
	if t.IsStatic {
		return t.Literal, nil
	}
	fn, ok := t.Dynamic.(func(string) (string, error))
	if !ok || fn == nil {
		return "", nil
	}
	return fn(agentName)
}
