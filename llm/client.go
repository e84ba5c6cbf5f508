// Package llm sends mediation and critique prompts to whichever model the
// registry assigns to a capability, retrying and falling back per endpoint.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/backtest/model"
	"github.com/google/uuid"
)

// maxResponseSize limits the LLM response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Client completes chat requests against the registry's endpoints.
type Client struct {
	registry    *model.Registry
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger

	// recorder receives one CallRecord per Complete call. Nil disables recording.
	recorder CallRecorder
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines an LLM completion request.
type Request struct {
	// Capability specifies the semantic capability ("mediation" or "critique").
	Capability string

	// Messages is the chat history to send to the LLM.
	Messages []Message

	// Temperature controls randomness. nil uses endpoint default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses endpoint default.
	MaxTokens int
}

// TokenUsage represents token consumption details for an LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the LLM completion result.
type Response struct {
	// RequestID uniquely identifies this LLM call.
	RequestID string

	// Content is the generated text.
	Content string

	// Model is the actual model that was used.
	Model string

	// Usage contains token consumption metrics.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithCallRecorder sets the recorder that observes every completed call.
func WithCallRecorder(r CallRecorder) ClientOption {
	return func(client *Client) {
		client.recorder = r
	}
}

// NewClient creates a new LLM client with the given model registry.
func NewClient(registry *model.Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry:    registry,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // Allow time for LLM responses
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Complete sends req to the models configured for its capability, in
// fallback order. Each endpoint gets RetryConfig.MaxAttempts tries; a fatal
// error or a cancelled context ends the chain.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Capability == "" {
		return nil, fmt.Errorf("capability is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	record := &CallRecord{
		RequestID:  uuid.New().String(),
		Capability: req.Capability,
		StartedAt:  time.Now(),
	}

	cp := model.ParseCapability(req.Capability)
	if cp == "" {
		return nil, NewFatalError(fmt.Errorf("unknown capability %q", req.Capability))
	}
	chain := c.registry.GetAvailableFallbackChain(cp)
	if len(chain) == 0 {
		return nil, fmt.Errorf("no models configured for capability %s", req.Capability)
	}

	var lastErr error
	for _, name := range chain {
		ep := c.registry.GetEndpoint(name)
		if ep == nil {
			c.logger.Debug("Model has no endpoint", "model", name)
			continue
		}
		if !c.registry.IsEndpointAvailable(name) {
			c.logger.Debug("Skipping model with open circuit", "model", name)
			continue
		}

		record.Model = name
		record.Provider = ep.Provider
		resp, attempts, err := c.attempt(ctx, name, ep, req)
		record.Retries += attempts - 1
		if err == nil {
			resp.RequestID = record.RequestID
			record.Model = resp.Model
			record.Usage = resp.Usage
			record.FinishReason = resp.FinishReason
			c.finish(ctx, record, nil)
			return resp, nil
		}

		lastErr = err
		record.FallbacksUsed = append(record.FallbacksUsed, name)
		if IsFatal(err) || ctx.Err() != nil {
			c.logger.Warn("Model call failed, not falling back", "model", name, "error", err)
			c.finish(ctx, record, err)
			return nil, err
		}
		c.logger.Warn("Model call failed, falling back", "model", name, "provider", ep.Provider, "error", err)
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no model in %v has an endpoint", chain)
	}
	err := fmt.Errorf("all endpoints failed for capability %s: %w", req.Capability, lastErr)
	c.finish(ctx, record, err)
	return nil, err
}

// finish stamps the record and hands it to the recorder.
func (c *Client) finish(ctx context.Context, record *CallRecord, err error) {
	if c.recorder == nil {
		return
	}
	record.CompletedAt = time.Now()
	record.Duration = record.CompletedAt.Sub(record.StartedAt)
	if err != nil {
		record.Error = err.Error()
	}
	c.recorder.RecordCall(ctx, record)
}

// attempt calls one endpoint with retries and reports how many tries it
// took. Exhausting the retries trips the endpoint's circuit.
func (c *Client) attempt(ctx context.Context, name string, ep *model.EndpointConfig, req Request) (*Response, int, error) {
	var err error
	for n := 1; n <= c.retryConfig.MaxAttempts; n++ {
		var resp *Response
		resp, err = c.send(ctx, ep, req)
		if err == nil {
			c.registry.MarkEndpointSuccess(name)
			return resp, n, nil
		}
		// Fatal errors are configuration problems, not endpoint health.
		if IsFatal(err) {
			return nil, n, err
		}
		if n == c.retryConfig.MaxAttempts {
			break
		}

		wait := c.retryConfig.backoff(n)
		c.logger.Debug("Retrying model call", "model", name, "attempt", n, "backoff", wait, "error", err)
		select {
		case <-ctx.Done():
			return nil, n, ctx.Err()
		case <-time.After(wait):
		}
	}

	c.registry.MarkEndpointFailure(name)
	return nil, c.retryConfig.MaxAttempts, err
}

// send performs one HTTP round trip.
func (c *Client) send(ctx context.Context, ep *model.EndpointConfig, req Request) (*Response, error) {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Temperature, req.MaxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	url := provider.BuildURL(ep.URL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	c.logger.Debug("Sending model request", "provider", ep.Provider, "model", ep.Model, "url", url, "messages", len(req.Messages))

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyStatus(httpResp.StatusCode, respBody)
	}
	return provider.ParseResponse(respBody, ep.Model)
}
