// Package checkpoint serializes an AgentLoopState to a neutral document and
// rehydrates it in a fresh process, per spec.md §4.6.
//
// Grounded on the teacher's run.Snapshot (runtime/agent/run/snapshot.go) for
// the document-shape discipline (a derived, camelCase, self-describing
// record) and the teacher's engine.WorkflowContext checkpoint write path
// (runtime/agent/engine/engine.go) for when a checkpoint is taken, adapted
// here into a pure serialize/deserialize pair plus the smart-accessor cache
// spec.md §9 calls for, decoupled from any specific durable-engine.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/flowmesh/agentcore/runtime/agent/state"
)

// CurrentSchemaVersion is the checkpoint document schema this package
// writes and the highest version it understands on read.
const CurrentSchemaVersion = 1

// Document is the neutral, self-describing checkpoint record, field-for-
// field per spec.md §6's "Checkpoint document layout (bit-exact)".
type Document struct {
	SchemaVersion int             `json:"schemaVersion"`
	SessionID     string          `json:"sessionId"`
	CheckpointID  string          `json:"checkpointId"`
	CreatedAt     time.Time       `json:"createdAt"`
	ExecutionState ExecutionState `json:"executionState"`
}

// ExecutionState is the serialized AgentLoopState body.
type ExecutionState struct {
	RunID                     string                     `json:"runId"`
	ConversationID            string                     `json:"conversationId"`
	AgentName                 string                     `json:"agentName"`
	Iteration                 int                        `json:"iteration"`
	CurrentMessages           []state.Message            `json:"currentMessages"`
	CompletedFunctions        []state.CompletedFunction  `json:"completedFunctions"`
	IsTerminated              bool                       `json:"isTerminated"`
	TerminationReason         *string                    `json:"terminationReason"`
	InnerClientTracksHistory  bool                       `json:"innerClientTracksHistory"`
	MessagesSentToInnerClient int                        `json:"messagesSentToInnerClient"`
	MiddlewareState           map[string]json.RawMessage `json:"middlewareState"`
}

// Serialize produces a Document from a live state, encoding every
// middleware sub-state entry to its own JSON document keyed by its stable
// type-identifier (spec.md §4.6: "middleware_state serializes as a mapping
// from the sub-state's type-identifier to its document").
func Serialize(sessionID, checkpointID string, createdAt time.Time, s state.AgentLoopState) (Document, error) {
	mw := make(map[string]json.RawMessage, len(s.MiddlewareState))
	for key, value := range s.MiddlewareState {
		raw, err := json.Marshal(value)
		if err != nil {
			return Document{}, fmt.Errorf("checkpoint: encode middleware state %q: %w", key, err)
		}
		mw[key] = raw
	}
	var reason *string
	if s.TerminationReason != "" {
		reason = &s.TerminationReason
	}
	return Document{
		SchemaVersion: CurrentSchemaVersion,
		SessionID:     sessionID,
		CheckpointID:  checkpointID,
		CreatedAt:     createdAt,
		ExecutionState: ExecutionState{
			RunID:                     s.RunID,
			ConversationID:            s.ConversationID,
			AgentName:                 s.AgentName,
			Iteration:                 s.Iteration,
			CurrentMessages:           s.CurrentMessages,
			CompletedFunctions:        s.CompletedFunctions,
			IsTerminated:              s.IsTerminated,
			TerminationReason:         reason,
			InnerClientTracksHistory:  s.InnerClientTracksHistory,
			MessagesSentToInnerClient: s.MessagesSentToInnerClient,
			MiddlewareState:           mw,
		},
	}, nil
}

// Deserializer resolves one middleware's opaque document into a typed
// value, and reports equality between two resolved values for the
// checkpoint round-trip property (spec.md P3).
type Deserializer struct {
	Decode func(json.RawMessage) (any, error)
	Equal  func(a, b any) bool
}

// Registry maps a middleware's stable type-identifier to its Deserializer,
// implementing spec.md §9's "smart accessor": first access resolves and
// caches; later accesses return the cached instance (invariant I5).
type Registry struct {
	mu            sync.Mutex
	deserializers map[string]Deserializer
}

// NewRegistry returns an empty deserializer registry.
func NewRegistry() *Registry {
	return &Registry{deserializers: map[string]Deserializer{}}
}

// Register associates typeID with d. Re-registering the same typeID
// replaces the previous entry.
func (r *Registry) Register(typeID string, d Deserializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deserializers[typeID] = d
}

// Accessor materializes deferred middleware sub-state documents on first
// access and caches the result, scoped to one deserialized state (one
// process's view of one checkpoint load), satisfying invariant I5 ("the
// same instance on repeated reads within the process").
type Accessor struct {
	registry *Registry
	raw      map[string]json.RawMessage
	mu       sync.Mutex
	resolved map[string]any
}

// NewAccessor wraps a deserialized document's opaque middleware-state map.
func NewAccessor(registry *Registry, raw map[string]json.RawMessage) *Accessor {
	return &Accessor{registry: registry, raw: raw, resolved: map[string]any{}}
}

// Get resolves typeID's sub-state, returning (value, true) on success. An
// absent or unknown type-identifier yields (nil, false) — "tolerated" per
// spec.md §4.6 rather than an error.
func (a *Accessor) Get(typeID string) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok := a.resolved[typeID]; ok {
		return v, true
	}
	raw, ok := a.raw[typeID]
	if !ok {
		return nil, false
	}
	if a.registry == nil {
		return nil, false
	}
	d, ok := a.registry.deserializers[typeID]
	if !ok {
		return nil, false
	}
	v, err := d.Decode(raw)
	if err != nil {
		return nil, false
	}
	a.resolved[typeID] = v
	return v, true
}

// Rehydrate reconstructs a live AgentLoopState from a Document, refusing
// documents newer than CurrentSchemaVersion per spec.md §4.6's schema
// version rule, and returns an Accessor over the document's middleware
// state for typed first-access resolution.
func Rehydrate(doc Document) (state.AgentLoopState, *Accessor, error) {
	if doc.SchemaVersion > CurrentSchemaVersion {
		return state.AgentLoopState{}, nil, fmt.Errorf("checkpoint: schema version %d is newer than this build understands (%d)", doc.SchemaVersion, CurrentSchemaVersion)
	}
	es := doc.ExecutionState
	s := state.AgentLoopState{
		RunID:                     es.RunID,
		ConversationID:            es.ConversationID,
		AgentName:                 es.AgentName,
		Iteration:                 es.Iteration,
		CurrentMessages:           es.CurrentMessages,
		CompletedFunctions:        es.CompletedFunctions,
		IsTerminated:              es.IsTerminated,
		InnerClientTracksHistory:  es.InnerClientTracksHistory,
		MessagesSentToInnerClient: es.MessagesSentToInnerClient,
		MiddlewareState:           map[string]any{},
	}
	if es.TerminationReason != nil {
		s.TerminationReason = *es.TerminationReason
	}
	if err := s.Validate(); err != nil {
		return state.AgentLoopState{}, nil, fmt.Errorf("checkpoint: %w", err)
	}
	return s, NewAccessor(nil, es.MiddlewareState), nil
}

// RehydrateWithRegistry is Rehydrate plus an Accessor wired to registry, for
// callers that want typed middleware-state access immediately.
func RehydrateWithRegistry(doc Document, registry *Registry) (state.AgentLoopState, *Accessor, error) {
	s, acc, err := Rehydrate(doc)
	if err != nil {
		return s, nil, err
	}
	acc.registry = registry
	return s, acc, nil
}
