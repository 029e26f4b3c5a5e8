// Package provider defines the upstream AI-provider adapter interface used by
// the gateway's chat proxy.
package provider

import (
	"context"
	"errors"
)

// Sentinel errors mapped from upstream HTTP status codes.
var (
	ErrRateLimited    = errors.New("provider: rate limited by upstream")
	ErrAuthFailed     = errors.New("provider: authentication failed")
	ErrInvalidRequest = errors.New("provider: invalid request")
	ErrUnavailable    = errors.New("provider: upstream unavailable")
)

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the token accounting reported by the upstream.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Request is a chat completion request for an adapter.
type Request struct {
	APIKey      string
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   *int
}

// Response is the adapter's chat completion result.
type Response struct {
	ID           string
	Content      string
	FinishReason string
	Model        string
	Usage        Usage
}

// Provider is implemented by upstream adapters.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai", "perplexity").
	Name() string

	// ChatCompletion performs a synchronous chat completion.
	ChatCompletion(ctx context.Context, req Request) (Response, error)
}
