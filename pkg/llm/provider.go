package llm

import "context"

// Provider defines the interface for the external generative model
// service. Implementations handle protocol-specific details such as
// request formatting, authentication, and response parsing. Calls are
// retryless: one attempt per turn.
type Provider interface {
	// Stream sends the ordered role/content history and returns a
	// channel of incremental deltas, terminated by channel close. A
	// mid-stream failure arrives as a final Delta with Err set.
	Stream(ctx context.Context, messages []Message, temperature float32) (<-chan Delta, error)

	// Describe sends a single prompt plus a media payload and returns
	// one finished text result.
	Describe(ctx context.Context, prompt string, media Media) (*Response, error)
}

// Config holds common configuration for providers.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	VisionModel string
	MaxTokens   int
}
