// Package chatclient defines the abstract chat-completion backend interface
// the orchestrator consumes (spec.md §6). Concrete backends are an explicit
// non-goal of this core; this package only defines the contract a provider
// adapter (not included here) must satisfy.
//
// Grounded on the teacher's model.Client/model.Streamer interfaces
// (runtime/agent/model/model.go) and its provider-error taxonomy
// (runtime/agent/model/provider_error.go), generalized from the teacher's
// Goa-specific typed Part hierarchy to the spec's state.Message/ContentPart
// vocabulary so the orchestrator core never imports a provider-shaped type.
package chatclient

import (
	"context"

	"github.com/flowmesh/agentcore/runtime/agent/state"
	"github.com/flowmesh/agentcore/runtime/agent/tools"
)

// ToolChoiceMode selects how the backend is instructed to use tools, per
// spec.md §6.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceAny      ToolChoiceMode = "any"
	ToolChoiceSpecific ToolChoiceMode = "specific"
)

// Options configures one chat-completion call.
type Options struct {
	ModelID          string
	Temperature      *float64
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	StopSequences    []string
	Tools            []tools.ToolSpec
	ToolChoice       ToolChoiceMode
	ToolChoiceName   string // meaningful only when ToolChoice == ToolChoiceSpecific.
	StructuredOutput *StructuredOutputSchema
}

// StructuredOutputSchema configures the response-format schema for a call
// that opts into structured output (spec.md §6's `structured_output` config).
type StructuredOutputSchema struct {
	Name   string
	Schema []byte
}

// Response is the non-streaming result of a chat-completion call.
type Response struct {
	Message      state.Message
	FinishReason string
	Usage        *Usage
	ModelID      string
	ResponseID   string
}

// Usage reports token accounting, when the backend reports it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Chunk is one element of a streaming response, per spec.md §6. Exactly the
// populated fields are meaningful for a given chunk; a chunk may carry a
// text delta, a reasoning delta, tool-call argument deltas, or only
// metadata (finish reason, IDs) on the terminal chunk.
type Chunk struct {
	Role            state.Role
	TextDelta       string
	ReasoningDelta  string
	ToolCallDeltas  []ToolCallDelta
	FinishReason    string
	ModelID         string
	ResponseID      string
	MessageID       string
}

// ToolCallDelta is one incremental fragment of a tool-call request being
// streamed in. Fragments for the same ID are concatenated by ArgumentsDelta
// until a chunk with Done=true closes the call out.
type ToolCallDelta struct {
	ID              string
	Name            string
	ArgumentsDelta  string
	Done            bool
}

// StreamReceiver is the lazy, finite, single-consumer sequence of Chunks a
// streaming call returns, per spec.md §6 ("not restartable; single
// consumer"). Implementations must close the underlying transport once the
// caller stops calling Next, including on early cancellation.
type StreamReceiver interface {
	// Next returns the next chunk, or ok=false once the stream is
	// exhausted. A non-nil error on the final call indicates the stream
	// ended abnormally (transport failure) rather than at a natural finish.
	Next(ctx context.Context) (chunk Chunk, ok bool, err error)
	// Close releases any resources held by the stream. Safe to call more
	// than once.
	Close() error
}

// Client is the abstract chat-completion backend the orchestrator drives at
// §4.1 step 4. A concrete adapter (Anthropic, OpenAI, ...) implementing this
// interface is a non-goal of this core; only the interface and the error
// taxonomy it must raise through (see ProviderError) live here.
type Client interface {
	// GetResponse performs a single non-streaming completion call.
	GetResponse(ctx context.Context, messages []state.Message, opts Options) (Response, error)
	// GetStreamingResponse performs a streaming completion call and returns
	// a lazy receiver. The returned receiver must be closed by the caller.
	GetStreamingResponse(ctx context.Context, messages []state.Message, opts Options) (StreamReceiver, error)
}

// ErrorKind classifies a backend failure per spec.md §7's taxonomy (kinds
// 1-4 are the subset a chat-client call can raise; kinds 5-7 are tool,
// middleware, and state-consistency failures classified elsewhere).
type ErrorKind string

const (
	ErrorTransient        ErrorKind = "transient"
	ErrorRateLimit        ErrorKind = "rate_limit"
	ErrorClient           ErrorKind = "client"
	ErrorAuth             ErrorKind = "auth"
)

// ProviderError is the typed error a Client implementation should wrap
// backend failures in, so the orchestrator's error-handler policy can
// classify and (for transient/rate-limit kinds) retry with backoff.
// Grounded on the teacher's model.ProviderError.
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	RetryAfter int // seconds; zero means "no provider-supplied delay".
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Retryable reports whether the error-handler should retry this failure per
// spec.md §7: transient and rate-limit kinds are retryable, client and auth
// are not.
func (e *ProviderError) Retryable() bool {
	return e.Kind == ErrorTransient || e.Kind == ErrorRateLimit
}
