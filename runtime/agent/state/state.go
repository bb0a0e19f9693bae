// Package state defines the Agent Loop State record: the value-typed,
// copy-on-modify structure threaded through every turn of the orchestrator.
//
// Grounded on the teacher's runtime/agent/runtime/types.go run-state struct
// and run/snapshot.go (the shape a snapshot freezes), generalized from the
// teacher's Temporal-workflow-local state into the spec's backend-agnostic
// record: messages as role/content-part variants instead of Goa-generated
// transcript parts, and middleware sub-state as an opaque-until-accessed
// document map instead of the teacher's fixed set of workflow-local fields.
package state

import (
	"encoding/json"
	"fmt"
)

// Role identifies who produced a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ContentKind discriminates the variants of ContentPart.
type ContentKind string

const (
	ContentText            ContentKind = "text"
	ContentReasoning       ContentKind = "reasoning"
	ContentToolCallRequest ContentKind = "tool_call_request"
	ContentToolCallResult  ContentKind = "tool_call_result"
)

// ContentPart is one element of a Message's content sequence. Exactly the
// fields relevant to Kind are populated; this mirrors spec.md §3's "variant"
// wording with a tagged struct rather than an interface, since every
// variant here is a plain data record with no distinct behavior.
type ContentPart struct {
	Kind ContentKind

	// Text holds the payload for ContentText and ContentReasoning.
	Text string

	// ToolCallID, ToolName, and Arguments populate ContentToolCallRequest.
	ToolCallID string
	ToolName   string
	Arguments  map[string]any

	// ResultToolCallID identifies the request this result answers; Payload
	// carries the tool's return value; Error is non-empty on tool failure.
	// These three populate ContentToolCallResult.
	ResultToolCallID string
	Payload          json.RawMessage
	Error            string
}

// Text returns a Message content sequence holding a single text part.
func Text(s string) []ContentPart { return []ContentPart{{Kind: ContentText, Text: s}} }

// ToolCallRequest returns a tool-call-request content part.
func ToolCallRequest(id, name string, args map[string]any) ContentPart {
	return ContentPart{Kind: ContentToolCallRequest, ToolCallID: id, ToolName: name, Arguments: args}
}

// ToolCallResult returns a tool-call-result content part.
func ToolCallResult(id string, payload json.RawMessage, errMsg string) ContentPart {
	return ContentPart{Kind: ContentToolCallResult, ResultToolCallID: id, Payload: payload, Error: errMsg}
}

// Message is one immutable turn entry. Once appended to an AgentLoopState's
// CurrentMessages, a Message is never mutated in place; middleware that
// needs to change history produces a new slice (spec.md invariant I1).
type Message struct {
	Role     Role
	Contents []ContentPart
}

// ToolCallRequests returns every tool-call-request content part in m, in
// order. Used by the orchestrator to enumerate the calls a model turn made.
func (m Message) ToolCallRequests() []ContentPart {
	var out []ContentPart
	for _, c := range m.Contents {
		if c.Kind == ContentToolCallRequest {
			out = append(out, c)
		}
	}
	return out
}

// CompletedFunction records one resolved tool call, per spec.md §3's
// completed_functions field.
type CompletedFunction struct {
	CallID  string
	Name    string
	Success bool
}

// AgentLoopState is the value record threaded through every turn. Zero value
// is a fresh, untitled state ready for New to populate identity fields.
//
// AgentLoopState is copy-on-modify: every mutating operation below returns a
// new value rather than editing the receiver, satisfying the spec's
// "produces a new instance" lifecycle rule. Callers that want in-place
// convenience (the orchestrator's own loop) assign the returned value back
// over their local variable.
type AgentLoopState struct {
	RunID          string
	ConversationID string
	AgentName      string

	CurrentMessages []Message
	Iteration       int

	CompletedFunctions []CompletedFunction

	IsTerminated      bool
	TerminationReason string

	InnerClientTracksHistory  bool
	MessagesSentToInnerClient int

	// MiddlewareState maps a middleware's stable sub-state key to its
	// document. Values are opaque ([]byte or any) until resolved through a
	// checkpoint.Accessor; the orchestrator only ever replaces whole entries.
	MiddlewareState map[string]any
}

// New returns a fresh AgentLoopState for the given identity, with an empty
// middleware-state map ready for registration-time initialization.
func New(runID, conversationID, agentName string) AgentLoopState {
	return AgentLoopState{
		RunID:           runID,
		ConversationID:  conversationID,
		AgentName:       agentName,
		MiddlewareState: map[string]any{},
	}
}

// Clone returns a deep-enough copy for copy-on-modify semantics: message and
// completed-function slices and the middleware-state map are all copied, so
// mutating the result never aliases the receiver.
func (s AgentLoopState) Clone() AgentLoopState {
	out := s
	out.CurrentMessages = append([]Message(nil), s.CurrentMessages...)
	out.CompletedFunctions = append([]CompletedFunction(nil), s.CompletedFunctions...)
	out.MiddlewareState = make(map[string]any, len(s.MiddlewareState))
	for k, v := range s.MiddlewareState {
		out.MiddlewareState[k] = v
	}
	return out
}

// AppendMessage returns a new state with m appended to CurrentMessages
// (invariant I1: messages grow monotonically outside history reduction).
func (s AgentLoopState) AppendMessage(m Message) AgentLoopState {
	out := s.Clone()
	out.CurrentMessages = append(out.CurrentMessages, m)
	return out
}

// NextIteration returns a new state with Iteration incremented by one
// (invariant I2).
func (s AgentLoopState) NextIteration() AgentLoopState {
	out := s
	out.Iteration++
	return out
}

// ResetIteration returns a new state with Iteration reset to zero, called at
// turn start per invariant I2.
func (s AgentLoopState) ResetIteration() AgentLoopState {
	out := s
	out.Iteration = 0
	return out
}

// Terminate returns a new state with IsTerminated set and reason recorded.
func (s AgentLoopState) Terminate(reason string) AgentLoopState {
	out := s
	out.IsTerminated = true
	out.TerminationReason = reason
	return out
}

// WithMiddlewareState returns a new state with key's sub-state replaced.
// Each middleware owns exactly one key (spec.md open-question decision #2 in
// SPEC_FULL.md is enforced by middleware.Pipeline, not here).
func (s AgentLoopState) WithMiddlewareState(key string, value any) AgentLoopState {
	out := s.Clone()
	out.MiddlewareState[key] = value
	return out
}

// PendingToolCallIDs returns the IDs of tool-call requests in the last
// assistant message that have no matching tool-call result anywhere later in
// CurrentMessages. Used to check invariant I3 at turn boundaries.
func (s AgentLoopState) PendingToolCallIDs() []string {
	resolved := map[string]bool{}
	for _, m := range s.CurrentMessages {
		for _, c := range m.Contents {
			if c.Kind == ContentToolCallResult {
				resolved[c.ResultToolCallID] = true
			}
		}
	}
	var pending []string
	for _, m := range s.CurrentMessages {
		if m.Role != RoleAssistant {
			continue
		}
		for _, c := range m.Contents {
			if c.Kind == ContentToolCallRequest && !resolved[c.ToolCallID] {
				pending = append(pending, c.ToolCallID)
			}
		}
	}
	return pending
}

// Validate checks the state-consistency invariants (spec.md §7 kind 7) that
// can be verified from the record alone, without access to tool/middleware
// registries. A violation here is fatal: the orchestrator ends the stream
// with a state-consistency fatal event rather than resuming.
func (s AgentLoopState) Validate() error {
	if s.MessagesSentToInnerClient > len(s.CurrentMessages) {
		return fmt.Errorf("state: messages_sent_to_inner_client (%d) exceeds current_messages length (%d)", s.MessagesSentToInnerClient, len(s.CurrentMessages))
	}
	if s.Iteration < 0 {
		return fmt.Errorf("state: negative iteration %d", s.Iteration)
	}
	return nil
}
