package providers

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/c360studio/backtest/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicProvider_BuildURL(t *testing.T) {
	p := &AnthropicProvider{}
	assert.Equal(t, "https://api.anthropic.com/v1/messages", p.BuildURL(""))
	assert.Equal(t, "https://proxy.internal/v1/messages", p.BuildURL("https://proxy.internal/"))
}

func TestAnthropicProvider_SetHeaders(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	req := httptest.NewRequest("POST", "https://api.anthropic.com/v1/messages", nil)
	(&AnthropicProvider{}).SetHeaders(req)

	assert.Equal(t, "sk-ant-test", req.Header.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, req.Header.Get("anthropic-version"))
}

func TestAnthropicProvider_BuildRequestBody(t *testing.T) {
	p := &AnthropicProvider{}
	temp := 0.0
	body, err := p.BuildRequestBody("claude-sonnet", []llm.Message{
		{Role: "system", Content: "You are a couples mediator."},
		{Role: "system", Content: "Respond with JSON."},
		{Role: "user", Content: "Turn 1: You never do the dishes."},
		{Role: "user", Content: "Turn 2: I did them yesterday."},
	}, &temp, 0)
	require.NoError(t, err)

	var req messagesRequest
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, "You are a couples mediator.\n\nRespond with JSON.", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
	assert.Equal(t, "Turn 1: You never do the dishes.\n\nTurn 2: I did them yesterday.", req.Messages[0].Content)
	assert.Equal(t, anthropicMaxTokens, req.MaxTokens)
	require.NotNil(t, req.Temperature)
	assert.Zero(t, *req.Temperature)
	assert.Contains(t, string(body), `"temperature":0`)
}

func TestAnthropicProvider_BuildRequestBody_SystemOnly(t *testing.T) {
	_, err := (&AnthropicProvider{}).BuildRequestBody("claude-sonnet", []llm.Message{
		{Role: "system", Content: "instructions"},
	}, nil, 100)
	assert.Error(t, err)
}

func TestAnthropicProvider_ParseResponse(t *testing.T) {
	p := &AnthropicProvider{}
	resp, err := p.ParseResponse([]byte(`{
		"model": "claude-sonnet",
		"content": [
			{"type": "text", "text": "{\"emotional_temperature\":"},
			{"type": "text", "text": " 0.4}"}
		],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 120, "output_tokens": 8}
	}`), "requested")
	require.NoError(t, err)

	assert.Equal(t, `{"emotional_temperature": 0.4}`, resp.Content)
	assert.Equal(t, "claude-sonnet", resp.Model)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, 128, resp.Usage.TotalTokens)
}

func TestAnthropicProvider_ParseResponse_Errors(t *testing.T) {
	p := &AnthropicProvider{}

	_, err := p.ParseResponse([]byte(`not json`), "m")
	require.Error(t, err)
	assert.False(t, llm.IsTransient(err))

	_, err = p.ParseResponse([]byte(`{"content":[],"stop_reason":"max_tokens"}`), "m")
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))
}
