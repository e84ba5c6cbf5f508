package llm

import (
	"context"
	"time"
)

// CallRecord describes one Complete call after all retries and fallbacks.
type CallRecord struct {
	RequestID     string        `json:"request_id"`
	Capability    string        `json:"capability"`
	Model         string        `json:"model"`
	Provider      string        `json:"provider"`
	Usage         TokenUsage    `json:"usage"`
	FinishReason  string        `json:"finish_reason,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   time.Time     `json:"completed_at"`
	Duration      time.Duration `json:"duration"`
	Retries       int           `json:"retries"`
	FallbacksUsed []string      `json:"fallbacks_used,omitempty"`

	// Error is set when every endpoint failed or a fatal error stopped the chain.
	Error string `json:"error,omitempty"`
}

// Succeeded reports whether the call produced a response.
func (r *CallRecord) Succeeded() bool {
	return r.Error == ""
}

// CallRecorder observes completed LLM calls. Implementations must not block.
type CallRecorder interface {
	RecordCall(ctx context.Context, record *CallRecord)
}

// CallRecorderFunc adapts a function to the CallRecorder interface.
type CallRecorderFunc func(ctx context.Context, record *CallRecord)

// RecordCall calls f.
func (f CallRecorderFunc) RecordCall(ctx context.Context, record *CallRecord) {
	f(ctx, record)
}
