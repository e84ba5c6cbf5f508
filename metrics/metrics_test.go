package metrics

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/backtest/llm"
	"github.com/c360studio/backtest/result"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_NilIsSafe(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.TurnScored("family")
		r.TurnSkipped("family")
		r.MediationFailed("family")
		r.ObserveRun(&result.SimulationRun{})
		r.Diagnosis(DiagnosisParsed)
		r.RecordCall(context.Background(), &llm.CallRecord{})
		assert.NoError(t, r.WriteTextfile("/nonexistent/metrics.prom"))
		assert.Nil(t, r.Registry())
	})
}

func TestRecorder_Turns(t *testing.T) {
	r := New()
	r.TurnScored("family")
	r.TurnScored("family")
	r.TurnSkipped("family")
	r.MediationFailed("intimate")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.turns.WithLabelValues("family", OutcomeScored)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.turns.WithLabelValues("family", OutcomeSkipped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.mediationFailures.WithLabelValues("intimate")))
}

func TestRecorder_ObserveRun(t *testing.T) {
	r := New()
	r.ObserveRun(&result.SimulationRun{
		ContextMode: "family",
		Aggregate:   result.AggregateScore{Overall: 0.705, ResolutionArc: result.ArcImproved},
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("family", "improved")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.runOverall))
}

func TestRecorder_RecordCall(t *testing.T) {
	r := New()
	r.RecordCall(context.Background(), &llm.CallRecord{
		Capability: "critique",
		Duration:   1500 * time.Millisecond,
		Usage:      llm.TokenUsage{PromptTokens: 120, CompletionTokens: 30},
	})
	r.RecordCall(context.Background(), &llm.CallRecord{Capability: "critique", Error: "all endpoints failed"})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.llmCalls.WithLabelValues("critique", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.llmCalls.WithLabelValues("critique", "error")))
	assert.Equal(t, 120.0, testutil.ToFloat64(r.llmTokens.WithLabelValues("critique", "prompt")))
	assert.Equal(t, 30.0, testutil.ToFloat64(r.llmTokens.WithLabelValues("critique", "completion")))
}

func TestRecorder_WriteTextfile(t *testing.T) {
	r := New()
	r.Diagnosis(DiagnosisUnparseable)

	path := filepath.Join(t.TempDir(), "backtest.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `backtest_diagnoses_total{outcome="unparseable"} 1`))
}
