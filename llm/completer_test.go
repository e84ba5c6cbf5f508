package llm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/c360studio/backtest/llm"
	"github.com/c360studio/backtest/llm/testutil"
	"github.com/c360studio/backtest/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleter_BuildsRequest(t *testing.T) {
	mock := &testutil.MockLLMClient{
		Responses: []*llm.Response{{Content: "analysis", Model: "test-model"}},
	}
	c := llm.NewCompleter(mock, model.CapabilityMediation, llm.WithTemperature(0), llm.WithMaxTokens(2048))

	out, err := c.Complete(context.Background(), "instructions", "message")
	require.NoError(t, err)
	assert.Equal(t, "analysis", out)

	reqs := mock.Requests()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, "mediation", req.Capability)
	assert.Equal(t, []llm.Message{
		{Role: "system", Content: "instructions"},
		{Role: "user", Content: "message"},
	}, req.Messages)
	require.NotNil(t, req.Temperature)
	assert.Equal(t, 0.0, *req.Temperature)
	assert.Equal(t, 2048, req.MaxTokens)
}

func TestCompleter_OmitsEmptySystem(t *testing.T) {
	mock := &testutil.MockLLMClient{}
	c := llm.NewCompleter(mock, model.CapabilityMediation)

	_, err := c.Complete(context.Background(), "", "ping")
	require.NoError(t, err)
	assert.Equal(t, []llm.Message{{Role: "user", Content: "ping"}}, mock.Requests()[0].Messages)
	assert.Nil(t, mock.Requests()[0].Temperature)
}

func TestCompleter_WrapsError(t *testing.T) {
	boom := errors.New("connection refused")
	c := llm.NewCompleter(&testutil.MockLLMClient{Err: boom}, model.CapabilityCritique)

	_, err := c.Complete(context.Background(), "s", "u")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "critique completion")
}
