// Package llm defines the Provider interface for Large Language Model backends.
//
// The murder-mystery core uses an LLM in two places: the speaker selector asks
// a model to name the next speaker in free-form phases, and the utterance
// generator asks it to write a character's next line. Both only need a single
// blocking completion, so the interface stays small.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0].
	// Zero means use the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero means provider default.
	MaxTokens int

	// SystemPrompt is an optional instruction injected before the history.
	SystemPrompt string
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails or ctx is cancelled first.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
