package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/backtest/llm"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

// AnthropicProvider speaks the Anthropic messages API.
type AnthropicProvider struct{}

func init() {
	llm.RegisterProvider(&AnthropicProvider{})
}

// Name returns the provider identifier.
func (a *AnthropicProvider) Name() string {
	return "anthropic"
}

// BuildURL returns the messages endpoint below baseURL.
func (a *AnthropicProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return strings.TrimSuffix(baseURL, "/") + "/v1/messages"
}

// SetHeaders adds the API key and version headers.
func (a *AnthropicProvider) SetHeaders(req *http.Request) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		req.Header.Set("x-api-key", key)
	}
	req.Header.Set("anthropic-version", anthropicVersion)
}

type messagesRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []llm.Message `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// BuildRequestBody lifts system messages into the top-level system field and
// merges consecutive turns of the same role, which the API rejects.
func (a *AnthropicProvider) BuildRequestBody(model string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error) {
	var system []string
	var turns []llm.Message
	for _, msg := range messages {
		if msg.Role == "system" {
			system = append(system, msg.Content)
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].Role == msg.Role {
			turns[n-1].Content += "\n\n" + msg.Content
			continue
		}
		turns = append(turns, msg)
	}
	if len(turns) == 0 {
		return nil, fmt.Errorf("anthropic request needs at least one non-system message")
	}
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}

	return json.Marshal(messagesRequest{
		Model:       model,
		System:      strings.Join(system, "\n\n"),
		Messages:    turns,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
}

// ParseResponse concatenates the text blocks of the reply.
func (a *AnthropicProvider) ParseResponse(body []byte, requested string) (*llm.Response, error) {
	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse anthropic response: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 && resp.StopReason == "max_tokens" {
		return nil, llm.NewTransientError(fmt.Errorf("anthropic response truncated before any text"))
	}

	modelName := resp.Model
	if modelName == "" {
		modelName = requested
	}
	return &llm.Response{
		Content:      text.String(),
		Model:        modelName,
		FinishReason: resp.StopReason,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}
