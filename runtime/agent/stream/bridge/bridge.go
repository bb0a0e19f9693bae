// Package bridge registers a temporary, per-request hooks.Subscriber that
// forwards hook events to a stream.Sink scoped to a single caller connection
// (SSE request, WebSocket session, RPC stream). It complements the
// runtime-wide subscriber the orchestrator registers automatically when
// constructed with a default stream sink (see runtime.WithStream): that one
// broadcasts to every caller, while bridge.Register lets a single connection
// attach its own sink for the lifetime of one turn and detach cleanly
// afterward.
package bridge

import (
	"github.com/flowmesh/agentcore/runtime/agent/hooks"
	"github.com/flowmesh/agentcore/runtime/agent/stream"
)

// Register attaches sink to bus for the duration of the returned
// subscription. Callers should defer Subscription.Close so the connection's
// subscriber is removed once the request ends; leaving it registered would
// keep forwarding every subsequent run's events to a sink nobody is reading
// from anymore.
func Register(bus hooks.Bus, sink stream.Sink) (hooks.Subscription, error) {
	sub, err := hooks.NewStreamSubscriber(sink)
	if err != nil {
		return nil, err
	}
	return bus.Register(sub)
}
