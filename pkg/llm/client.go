// Package llm wraps the OpenAI-compatible chat completions API behind a small
// client interface so the chat pipeline can run against any compatible
// endpoint and be tested without network access.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn sent to the model.
type Message struct {
	Role    string
	Content string
}

// Request describes one completion call. Temperature is always sent, so 0 is
// an explicit deterministic request rather than "use the default".
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
}

// Client issues chat completions.
type Client interface {
	// Complete returns the full completion text.
	Complete(ctx context.Context, req Request) (string, error)

	// Stream delivers completion fragments to onDelta as they arrive and
	// returns the joined text. Empty fragments are skipped.
	Stream(ctx context.Context, req Request, onDelta func(delta string)) (string, error)
}
