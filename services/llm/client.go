package llm

import (
	"context"

	"github.com/driftline-ai/driftline/services/orchestrator/datatypes"
)

// GenerationParams holds optional generation parameters. Nil pointer fields
// mean "use the backend default".
type GenerationParams struct {
	Temperature *float32
	TopK        *int
	TopP        *float32
	MaxTokens   *int
	Stop        []string
}

// StreamEventType identifies the kind of a streaming event.
type StreamEventType string

const (
	// StreamEventToken is a generated text fragment.
	StreamEventToken StreamEventType = "token"

	// StreamEventThinking is reasoning text from backends that expose it.
	StreamEventThinking StreamEventType = "thinking"

	// StreamEventError signals a backend failure mid-stream.
	StreamEventError StreamEventType = "error"
)

// StreamEvent is a single event emitted during streaming generation.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Error   error
}

// StreamCallback receives streaming events in generation order.
//
// Returning a non-nil error aborts the stream; ChatStream returns that error.
type StreamCallback func(event StreamEvent) error

// LLMClient is the contract every generation backend implements.
//
// # Description
//
// Generation is streaming-only: every answer is delivered incrementally
// through the callback. The message slice passed to ChatStream is never
// mutated, so a caller may retry the same prompt against a fresh stream.
//
// # Assumptions
//
//   - ChatStream honors context cancellation. A stream aborted because ctx
//     was canceled returns an error satisfying errors.Is(err, ctx.Err()).
type LLMClient interface {
	// ChatStream produces a completion for a conversation, delivering it
	// incrementally through callback. Returns nil only after the backend
	// reports the stream finished.
	ChatStream(ctx context.Context, messages []datatypes.Message,
		params GenerationParams, callback StreamCallback) error
}
