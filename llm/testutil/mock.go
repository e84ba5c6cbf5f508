// Package testutil provides test doubles for the llm package.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/backtest/llm"
)

// MockLLMClient is a thread-safe llm.CompletionClient that replays canned
// responses in order and records every request, so tests can assert on the
// mediator and critic prompts. Once Responses run out it returns an empty
// reply; Err, when set, is returned for every call.
type MockLLMClient struct {
	mu            sync.Mutex
	Responses     []*llm.Response
	Err           error
	requests      []llm.Request
	responseIndex int
}

// Complete implements llm.CompletionClient.
func (m *MockLLMClient) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	if m.Err != nil {
		return nil, m.Err
	}

	if m.responseIndex < len(m.Responses) {
		resp := m.Responses[m.responseIndex]
		m.responseIndex++
		return resp, nil
	}

	return &llm.Response{Content: "", Model: "test-model"}, nil
}

// Requests returns a copy of every request received so far.
func (m *MockLLMClient) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}
