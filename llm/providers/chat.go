// Package providers adapts the llm client to concrete model APIs. Importing
// the package registers every adapter with llm.RegisterProvider.
package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/backtest/llm"
)

const chatCompletionsPath = "/chat/completions"

// ChatProvider speaks the OpenAI chat-completions dialect. The same wire
// format serves OpenAI, OpenRouter, Ollama, vLLM and the mock-llm fixture
// server; instances differ only in default URL and credentials.
type ChatProvider struct {
	name       string
	defaultURL string

	// keyEnv names the environment variable holding the bearer token.
	keyEnv string

	// headerEnv maps extra request headers to the variables that fill them.
	headerEnv map[string]string
}

// NewOpenAI returns the provider registered as "openai".
func NewOpenAI() *ChatProvider {
	return &ChatProvider{
		name:       "openai",
		defaultURL: "https://api.openai.com/v1",
		keyEnv:     "OPENAI_API_KEY",
		headerEnv: map[string]string{
			"HTTP-Referer": "OPENROUTER_SITE_URL",
			"X-Title":      "OPENROUTER_SITE_NAME",
		},
	}
}

// NewOllama returns the provider registered as "ollama".
func NewOllama() *ChatProvider {
	return &ChatProvider{
		name:       "ollama",
		defaultURL: "http://localhost:11434/v1",
		keyEnv:     "OPENAI_API_KEY",
	}
}

func init() {
	llm.RegisterProvider(NewOpenAI())
	llm.RegisterProvider(NewOllama())
}

// Name returns the provider identifier.
func (p *ChatProvider) Name() string {
	return p.name
}

// BuildURL appends the chat-completions path unless baseURL already ends in it.
func (p *ChatProvider) BuildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = p.defaultURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, chatCompletionsPath) {
		return baseURL
	}
	return baseURL + chatCompletionsPath
}

// SetHeaders adds the bearer token and any configured extra headers.
func (p *ChatProvider) SetHeaders(req *http.Request) {
	if key := os.Getenv(p.keyEnv); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for header, env := range p.headerEnv {
		if v := os.Getenv(env); v != "" {
			req.Header.Set(header, v)
		}
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage llm.TokenUsage `json:"usage"`
}

// BuildRequestBody keeps system messages inline. A nil temperature is
// omitted; an explicit 0 is sent so mediator replays stay deterministic.
func (p *ChatProvider) BuildRequestBody(model string, messages []llm.Message, temperature *float64, maxTokens int) ([]byte, error) {
	if maxTokens < 0 {
		maxTokens = 0
	}
	return json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
}

// ParseResponse reads the first choice. A reply cut off by the token limit
// before producing any text is transient so the client retries it.
func (p *ChatProvider) ParseResponse(body []byte, requested string) (*llm.Response, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse %s response: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s response has no choices", p.name)
	}

	choice := resp.Choices[0]
	if choice.Message.Content == "" && choice.FinishReason == "length" {
		return nil, llm.NewTransientError(fmt.Errorf("%s response truncated before any text", p.name))
	}

	modelName := resp.Model
	if modelName == "" {
		modelName = requested
	}
	return &llm.Response{
		Content:      choice.Message.Content,
		Model:        modelName,
		FinishReason: choice.FinishReason,
		Usage:        resp.Usage,
	}, nil
}
