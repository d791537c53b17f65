// Package llm defines the Provider interface for Large Language Model backends.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, a local
// Ollama instance) and exposes a single streaming completion call. The
// synthesis pipeline consumes the stream incrementally so that speech for the
// first sentence can start while the model is still generating.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishError is the FinishReason of a chunk reporting a mid-stream failure.
// The chunk's Text carries the error message.
const FinishError = "error"

// Message is a single turn of conversation history.
type Message struct {
	// Role is one of [RoleSystem], [RoleUser] or [RoleAssistant].
	Role string

	// Content is the text content of the message.
	Content string
}

// CompletionRequest carries everything the LLM needs to produce a response.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the user and drives the response.
	Messages []Message

	// SystemPrompt is injected before the history. Providers without a
	// dedicated system field prepend it as a system-role message.
	SystemPrompt string

	// Temperature controls output randomness. Zero selects the provider
	// default.
	Temperature float64

	// MaxTokens caps the completion length. Zero selects the provider default.
	MaxTokens int
}

// Chunk is a single token or fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk. For a chunk with
	// FinishReason [FinishError] it holds the error message.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", [FinishError],
	// or "" for a non-final chunk.
	FinishReason string
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel that emits
	// Chunk values as they arrive. The channel is closed by the implementation
	// when generation finishes or ctx is cancelled.
	//
	// The initial error is non-nil only for failures that prevent the stream
	// from starting (invalid credentials, unreachable endpoint). Later failures
	// arrive as a chunk with FinishReason [FinishError].
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}
