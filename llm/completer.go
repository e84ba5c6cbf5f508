package llm

import (
	"context"
	"fmt"

	"github.com/c360studio/backtest/model"
)

// CompletionClient is the request-level completion call. *Client satisfies it.
type CompletionClient interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Completer binds a CompletionClient to one capability and exposes the plain
// system/user completion call used by the mediator and the meta-analyst.
type Completer struct {
	client      CompletionClient
	capability  model.Capability
	temperature *float64
	maxTokens   int
}

// CompleterOption configures a Completer.
type CompleterOption func(*Completer)

// WithTemperature fixes the sampling temperature. Backtests usually pin 0.
func WithTemperature(t float64) CompleterOption {
	return func(c *Completer) {
		c.temperature = &t
	}
}

// WithMaxTokens limits response length.
func WithMaxTokens(n int) CompleterOption {
	return func(c *Completer) {
		c.maxTokens = n
	}
}

// NewCompleter creates a Completer for capability.
func NewCompleter(client CompletionClient, capability model.Capability, opts ...CompleterOption) *Completer {
	c := &Completer{client: client, capability: capability}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Capability returns the capability requests are sent with.
func (c *Completer) Capability() model.Capability {
	return c.capability
}

// Complete sends system and user as a two-message conversation and returns the content.
func (c *Completer) Complete(ctx context.Context, system, user string) (string, error) {
	messages := make([]Message, 0, 2)
	if system != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	messages = append(messages, Message{Role: "user", Content: user})

	resp, err := c.client.Complete(ctx, Request{
		Capability:  c.capability.String(),
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%s completion: %w", c.capability, err)
	}
	return resp.Content, nil
}
