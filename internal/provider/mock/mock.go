// Package mock provides a fake upstream provider for tests.
package mock

import (
	"context"
	"sync/atomic"

	"onchain-agent/internal/provider"
)

// Provider is a mock upstream for testing.
type Provider struct {
	name      string
	staticErr error
	usage     provider.Usage
	content   string
	callCount atomic.Int64
}

var _ provider.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:    "mock",
		content: "Hello from mock provider",
		usage: provider.Usage{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithUsage sets the usage returned by the mock.
func WithUsage(u provider.Usage) Option {
	return func(p *Provider) { p.usage = u }
}

// WithContent sets the completion text returned by the mock.
func WithContent(content string) Option {
	return func(p *Provider) { p.content = content }
}

// CallCount returns how many completions were requested.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

func (p *Provider) Name() string { return p.name }

func (p *Provider) ChatCompletion(ctx context.Context, req provider.Request) (provider.Response, error) {
	p.callCount.Add(1)
	if p.staticErr != nil {
		return provider.Response{}, p.staticErr
	}
	if err := ctx.Err(); err != nil {
		return provider.Response{}, err
	}
	return provider.Response{
		ID:           "mock-completion",
		Content:      p.content,
		FinishReason: "stop",
		Model:        req.Model,
		Usage:        p.usage,
	}, nil
}
