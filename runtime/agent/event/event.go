// Package event implements the Event Coordinator: single-writer broadcast of
// turn events to one caller stream, plus correlated request/response for
// bidirectional events (permission, continuation, clarification).
//
// Grounded on the teacher's hooks.Bus fan-out pattern (hooks/bus.go) for the
// emit side, and the teacher's interrupt.Controller signal-channel plumbing
// (interrupt/controller.go) for the await/respond side, unified here into
// the single coordinator spec.md §4.2 describes rather than the teacher's
// two separate subsystems (one for observability hooks, one for durable
// workflow signals), since this core's event stream is not split across a
// durable-engine boundary.
package event

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

// Kind enumerates the event variants spec.md §3 lists.
type Kind string

const (
	KindTurnStarted         Kind = "turn_started"
	KindTurnFinished        Kind = "turn_finished"
	KindIterationStarted    Kind = "iteration_started"
	KindIterationFinished   Kind = "iteration_finished"
	KindTextDelta           Kind = "text_delta"
	KindReasoningDelta      Kind = "reasoning_delta"
	KindToolCallStart       Kind = "tool_call_start"
	KindToolCallArgs        Kind = "tool_call_args"
	KindToolCallEnd         Kind = "tool_call_end"
	KindToolCallResult      Kind = "tool_call_result"
	KindPermissionRequest   Kind = "permission_request"
	KindPermissionResponse  Kind = "permission_response"
	KindContinuationRequest Kind = "continuation_request"
	KindContinuationResp    Kind = "continuation_response"
	KindClarificationReq    Kind = "clarification_request"
	KindClarificationResp   Kind = "clarification_response"
	KindStateSnapshot       Kind = "state_snapshot"
	KindStructuredOutput    Kind = "structured_output"
	KindMiddlewareError     Kind = "middleware_error"
	KindTermination         Kind = "termination"
	KindCancellation        Kind = "cancellation"
)

// Event is the envelope every emitted value carries, per spec.md §3.
type Event struct {
	EventID      string
	Kind         Kind
	TraceID      string
	SpanID       string
	ParentSpanID string
	Timestamp    int64
	AgentName    string

	// Payload is the kind-specific body (e.g. a TextDeltaPayload,
	// ToolCallResultPayload). Consumers type-switch on Kind to decode it.
	Payload any

	// RequestID and SourceName are set only on bidirectional events
	// (permission/continuation/clarification requests).
	RequestID  string
	SourceName string
}

// IsBidirectional reports whether this event carries a correlated request
// that Respond can answer.
func (e Event) IsBidirectional() bool { return e.RequestID != "" }

// newID returns a random hex identifier, used for EventID and RequestID.
// Grounded on the teacher's reliance on github.com/google/uuid for ID
// generation throughout hooks/events.go; this package uses a smaller
// random-hex id instead of a full UUID since event IDs here are only
// compared for equality within one process run, never parsed or displayed.
func newID(nbytes int) string {
	b := make([]byte, nbytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// pending tracks one in-flight bidirectional event awaiting a response.
type pending struct {
	ch chan any
}

// Coordinator is the single-writer event broadcaster for one turn. It emits
// events to a bounded internal channel that the caller drains as a stream,
// and tracks correlated request/response pairs for bidirectional events.
//
// A Coordinator is scoped to one turn (one run_id); concurrent turns each
// get their own Coordinator, matching spec.md §5's rule that independent
// run_ids share no state.
type Coordinator struct {
	traceID string

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool

	out chan Event
}

// New creates a Coordinator for a turn identified by traceID (a 32-hex-char
// string per spec.md §3; callers typically derive it from the run ID).
// bufSize bounds how many emitted events may queue before Emit blocks the
// producer; 0 means unbounded producer blocking is acceptable only if the
// consumer drains promptly, so callers should generally pass a small buffer.
func New(traceID string, bufSize int) *Coordinator {
	return &Coordinator{
		traceID: traceID,
		pending: map[string]*pending{},
		out:     make(chan Event, bufSize),
	}
}

// Events returns the receive-only stream of emitted events. Closing the
// stream (via Close) signals the turn has ended, per spec.md §6.
func (c *Coordinator) Events() <-chan Event { return c.out }

// Emit stamps e with the coordinator's trace ID and an event ID if absent,
// then delivers it to the stream. Emit is non-blocking with respect to
// bidirectional awaiters: it never waits for a response.
//
// Contract: Emit returns an error if the coordinator has been closed (the
// stream is gone), which the orchestrator surfaces as a cancellation per
// spec.md §4.2's failure semantics.
func (c *Coordinator) Emit(ctx context.Context, e Event) error {
	if e.EventID == "" {
		e.EventID = newID(8)
	}
	if e.TraceID == "" {
		e.TraceID = c.traceID
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("event: coordinator closed, stream has no consumer")
	}
	c.mu.Unlock()
	select {
	case c.out <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EmitAndAwait emits a bidirectional event and blocks until a correlated
// Respond call delivers a payload, ctx is cancelled, or the coordinator is
// closed. It assigns e.RequestID if the caller left it empty.
func (c *Coordinator) EmitAndAwait(ctx context.Context, e Event) (any, error) {
	if e.RequestID == "" {
		e.RequestID = newID(8)
	}
	p := &pending{ch: make(chan any, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("event: coordinator closed, stream has no consumer")
	}
	c.pending[e.RequestID] = p
	c.mu.Unlock()

	if err := c.Emit(ctx, e); err != nil {
		c.mu.Lock()
		delete(c.pending, e.RequestID)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case payload := <-p.ch:
		return payload, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, e.RequestID)
		c.mu.Unlock()
		return nil, fmt.Errorf("event: await request %s: %w", e.RequestID, ctx.Err())
	}
}

// Respond delivers payload to the awaiter of requestID. Idempotent for the
// first call; returns an error naming the duplicate on subsequent calls, and
// an error if no such request is outstanding (already answered, timed out,
// or never issued), per spec.md §4.2.
func (c *Coordinator) Respond(requestID string, payload any) error {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("event: no pending request %s (already answered or unknown)", requestID)
	}
	p.ch <- payload
	return nil
}

// Close ends the stream. Any still-pending bidirectional awaits are left to
// their caller's ctx to resolve (they will observe ctx.Done or hang until
// the caller gives up); Close itself does not cancel them, since doing so
// would race with a Respond delivered concurrently with Close.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.out)
}

// TraceID returns the coordinator's trace ID, for stamping structural spans.
func (c *Coordinator) TraceID() string { return c.traceID }
