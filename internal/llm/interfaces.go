// Package llm provides the model gateway: a uniform client for external
// text-embedding and text-generation capability. The gateway truncates
// oversized input, classifies provider failures as transient or permanent,
// and performs no retries of its own; retry policy belongs to callers so
// that backoff can be queue-aware.
package llm

import "context"

// TruncateLimit is the fixed character budget for text submitted to the
// provider. Longer input is silently truncated to this prefix.
const TruncateLimit = 8000

// Message is one turn of conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed returns a vector of the configured dimensionality.
	// Failures are classified: errors.Is(err, ErrModelUnavailable) means
	// the caller may retry, ErrModelRejected means it must not.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the fixed system-wide embedding dimensionality.
	Dimension() int
}

// Generator produces text completions from a system prompt, conversation
// history, and a new user turn.
type Generator interface {
	// Generate returns the model's reply, or the empty string when the
	// provider returns no content. History is appended after the system
	// prompt and before the user turn, in order.
	Generate(ctx context.Context, systemPrompt, userText string, history []Message) (string, error)
}

// Gateway is the full model-gateway capability.
type Gateway interface {
	Embedder
	Generator
}

// Truncate enforces the gateway character budget: input longer than
// TruncateLimit is cut to exactly its first TruncateLimit characters.
// The cut counts runes, not bytes, so multi-byte text is never split
// mid-character.
func Truncate(text string) string {
	if len(text) <= TruncateLimit {
		return text
	}
	runes := []rune(text)
	if len(runes) <= TruncateLimit {
		return text
	}
	return string(runes[:TruncateLimit])
}
