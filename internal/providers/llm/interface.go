// Package llm holds the language model clients the planner drafts plans
// with. The model is an opaque oracle: it gets a prompt and returns text,
// optionally streamed.
package llm

import "context"

// Client is implemented by every provider.
type Client interface {
	// Name identifies the provider in logs and plan metadata.
	Name() string
	GenerateText(ctx context.Context, prompt string) (string, error)
	// GenerateTextStream calls onDelta for every chunk as it arrives. An
	// error from onDelta aborts the stream and is returned.
	GenerateTextStream(ctx context.Context, prompt string, onDelta func(chunk string) error) error
}

// EstimateTokens approximates the token count of s at four bytes per token.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}
