// Package interrupt bridges durable-engine signals (Temporal workflow
// signals, or their in-memory equivalent) into the typed pause/resume/
// clarification/confirmation/tool-results protocol the orchestrator's
// bidirectional events (permission, continuation, clarification) rely on.
//
// The wire payloads (api.PauseRequest, api.ResumeRequest,
// api.ClarificationAnswer, api.ConfirmationDecision, api.ToolResultsSet) and
// their signal names live in the api package so external callers (e.g. a
// gRPC/HTTP front door) can construct and send them without importing this
// package. Controller only owns the per-run channel plumbing and the
// blocking/non-blocking helpers the workflow loop calls between iterations
// and at await boundaries.
package interrupt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowmesh/agentcore/runtime/agent/api"
	"github.com/flowmesh/agentcore/runtime/agent/engine"
)

// Controller drains pause/resume/clarification/tool-results/confirmation
// signals for one run and exposes blocking/non-blocking helpers the
// orchestrator calls between iterations and at await boundaries.
//
// Grounded on the teacher's interrupt.Controller; extended from the
// teacher's generic signal kinds to the five typed kinds this core's await
// boundaries need, since clarification, confirmation, and external tool
// results each carry a distinct payload shape that must round-trip through
// a durable-engine signal, which needs a registered Go type per signal name
// rather than one `any`-typed channel.
type Controller struct {
	pauseCh       engine.SignalChannel
	resumeCh      engine.SignalChannel
	clarifyCh     engine.SignalChannel
	toolResultsCh engine.SignalChannel
	confirmCh     engine.SignalChannel
}

// NewController builds a controller wired to wfCtx's signal channels.
func NewController(wfCtx engine.WorkflowContext) *Controller {
	return &Controller{
		pauseCh:       wfCtx.SignalChannel(api.SignalPause),
		resumeCh:      wfCtx.SignalChannel(api.SignalResume),
		clarifyCh:     wfCtx.SignalChannel(api.SignalProvideClarification),
		toolResultsCh: wfCtx.SignalChannel(api.SignalProvideToolResults),
		confirmCh:     wfCtx.SignalChannel(api.SignalProvideConfirmation),
	}
}

// PollPause dequeues a pause request without blocking.
func (c *Controller) PollPause() (*api.PauseRequest, bool) {
	if c == nil || c.pauseCh == nil {
		return nil, false
	}
	var req api.PauseRequest
	if !c.pauseCh.ReceiveAsync(&req) {
		return nil, false
	}
	return &req, true
}

// WaitResume blocks until a resume request is delivered or timeout elapses.
// A non-positive timeout blocks until ctx is done.
func (c *Controller) WaitResume(ctx context.Context, timeout time.Duration) (*api.ResumeRequest, error) {
	if c == nil || c.resumeCh == nil {
		return nil, errors.New("interrupt: resume channel unavailable")
	}
	var req api.ResumeRequest
	if err := receiveWithTimeout(ctx, c.resumeCh, &req, timeout); err != nil {
		return nil, err
	}
	return &req, nil
}

// WaitProvideClarification blocks until a clarification answer is
// delivered or timeout elapses. A non-positive timeout blocks until ctx is
// done.
func (c *Controller) WaitProvideClarification(ctx context.Context, timeout time.Duration) (*api.ClarificationAnswer, error) {
	if c == nil || c.clarifyCh == nil {
		return nil, errors.New("interrupt: clarification channel unavailable")
	}
	var ans api.ClarificationAnswer
	if err := receiveWithTimeout(ctx, c.clarifyCh, &ans, timeout); err != nil {
		return nil, err
	}
	return &ans, nil
}

// WaitProvideToolResults blocks until an externally-provided tool results
// set is delivered or timeout elapses. A non-positive timeout blocks until
// ctx is done.
func (c *Controller) WaitProvideToolResults(ctx context.Context, timeout time.Duration) (*api.ToolResultsSet, error) {
	if c == nil || c.toolResultsCh == nil {
		return nil, errors.New("interrupt: tool-results channel unavailable")
	}
	var rs api.ToolResultsSet
	if err := receiveWithTimeout(ctx, c.toolResultsCh, &rs, timeout); err != nil {
		return nil, err
	}
	return &rs, nil
}

// WaitProvideConfirmation blocks until a confirmation (permission) decision
// is delivered or timeout elapses. A non-positive timeout blocks until ctx
// is done, matching the spec's rule that a permission request with no
// caller-specified timeout waits indefinitely for the operator; callers
// that need the spec's configured permission timeout pass it explicitly.
func (c *Controller) WaitProvideConfirmation(ctx context.Context, timeout time.Duration) (*api.ConfirmationDecision, error) {
	if c == nil || c.confirmCh == nil {
		return nil, errors.New("interrupt: confirmation channel unavailable")
	}
	var dec api.ConfirmationDecision
	if err := receiveWithTimeout(ctx, c.confirmCh, &dec, timeout); err != nil {
		return nil, err
	}
	return &dec, nil
}

// receiveWithTimeout derives a bounded child context when timeout is
// positive and delegates to ch.Receive, translating the bound context's
// expiry into a wrapped context.DeadlineExceeded the way callers expect.
func receiveWithTimeout(ctx context.Context, ch engine.SignalChannel, dest any, timeout time.Duration) error {
	if timeout <= 0 {
		return ch.Receive(ctx, dest)
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ch.Receive(waitCtx, dest); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("interrupt: wait timed out after %s: %w", timeout, err)
		}
		return err
	}
	return nil
}
