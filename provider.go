package roundtable

import (
	"context"
	"encoding/json"
)

// ChatProvider abstracts the LLM backend.
type ChatProvider interface {
	// Chat sends a request and returns a complete response.
	// When req.Tools is non-empty, the response may contain tool calls.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai", "anthropic").
	Name() string
}

// StreamingChatProvider is an optional ChatProvider capability.
// Check via type assertion.
type StreamingChatProvider interface {
	ChatProvider
	// ChatStream streams text deltas into ch, then returns the final
	// assembled response with usage stats. The channel is closed when
	// streaming completes or on error.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error)
}

// StructuredChatProvider produces typed JSON output matching a schema.
type StructuredChatProvider interface {
	// Parse runs a completion constrained by req.ResponseSchema and returns
	// the raw JSON value. Callers unmarshal into their own types.
	Parse(ctx context.Context, req ChatRequest) (json.RawMessage, error)
	// Name returns the provider name.
	Name() string
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}
