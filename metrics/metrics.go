// Package metrics exposes Prometheus counters and histograms for backtest
// runs. A nil *Recorder is valid and records nothing.
package metrics

import (
	"context"
	"fmt"

	"github.com/c360studio/backtest/llm"
	"github.com/c360studio/backtest/result"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "backtest"

// Turn outcomes.
const (
	OutcomeScored  = "scored"
	OutcomeSkipped = "skipped"
)

// Diagnosis outcomes.
const (
	DiagnosisParsed      = "parsed"
	DiagnosisUnparseable = "unparseable"
	DiagnosisFailed      = "failed"
)

// Recorder owns a private registry so a batch can be written to a
// node-exporter textfile without pulling in process collectors.
type Recorder struct {
	registry *prometheus.Registry

	turns             *prometheus.CounterVec
	mediationFailures *prometheus.CounterVec
	runOverall        *prometheus.HistogramVec
	runs              *prometheus.CounterVec
	diagnoses         *prometheus.CounterVec
	llmCalls          *prometheus.CounterVec
	llmTokens         *prometheus.CounterVec
	llmDuration       *prometheus.HistogramVec
}

// New creates a Recorder with all collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns replayed, by context mode and outcome.",
		}, []string{"mode", "outcome"}),
		mediationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mediation_failures_total",
			Help:      "Mediation calls that failed and aborted a scenario.",
		}, []string{"mode"}),
		runOverall: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_overall_score",
			Help:      "Overall weighted score per simulation run.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}, []string{"mode"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Simulation runs completed, by context mode and resolution arc.",
		}, []string{"mode", "arc"}),
		diagnoses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diagnoses_total",
			Help:      "Meta-analyst turn diagnoses, by outcome.",
		}, []string{"outcome"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "LLM completion calls, by capability and status.",
		}, []string{"capability", "status"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Tokens consumed by LLM calls, by capability and kind.",
		}, []string{"capability", "kind"}),
		llmDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_call_duration_seconds",
			Help:      "Wall-clock duration of LLM calls including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 9),
		}, []string{"capability"}),
	}

	r.registry.MustRegister(
		r.turns,
		r.mediationFailures,
		r.runOverall,
		r.runs,
		r.diagnoses,
		r.llmCalls,
		r.llmTokens,
		r.llmDuration,
	)
	return r
}

// Registry returns the underlying Prometheus registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// TurnScored counts a turn whose analysis was parsed and scored.
func (r *Recorder) TurnScored(mode string) {
	if r == nil {
		return
	}
	r.turns.WithLabelValues(mode, OutcomeScored).Inc()
}

// TurnSkipped counts a turn whose mediator output could not be parsed.
func (r *Recorder) TurnSkipped(mode string) {
	if r == nil {
		return
	}
	r.turns.WithLabelValues(mode, OutcomeSkipped).Inc()
}

// MediationFailed counts a mediation call error.
func (r *Recorder) MediationFailed(mode string) {
	if r == nil {
		return
	}
	r.mediationFailures.WithLabelValues(mode).Inc()
}

// ObserveRun records the aggregate of a finished run.
func (r *Recorder) ObserveRun(run *result.SimulationRun) {
	if r == nil || run == nil {
		return
	}
	r.runOverall.WithLabelValues(run.ContextMode).Observe(run.Aggregate.Overall)
	r.runs.WithLabelValues(run.ContextMode, string(run.Aggregate.ResolutionArc)).Inc()
}

// Diagnosis counts one diagnosis outcome.
func (r *Recorder) Diagnosis(outcome string) {
	if r == nil {
		return
	}
	r.diagnoses.WithLabelValues(outcome).Inc()
}

// RecordCall implements llm.CallRecorder.
func (r *Recorder) RecordCall(_ context.Context, rec *llm.CallRecord) {
	if r == nil || rec == nil {
		return
	}
	status := "ok"
	if !rec.Succeeded() {
		status = "error"
	}
	r.llmCalls.WithLabelValues(rec.Capability, status).Inc()
	r.llmDuration.WithLabelValues(rec.Capability).Observe(rec.Duration.Seconds())
	if rec.Usage.PromptTokens > 0 {
		r.llmTokens.WithLabelValues(rec.Capability, "prompt").Add(float64(rec.Usage.PromptTokens))
	}
	if rec.Usage.CompletionTokens > 0 {
		r.llmTokens.WithLabelValues(rec.Capability, "completion").Add(float64(rec.Usage.CompletionTokens))
	}
}

// WriteTextfile writes the current metrics in the node-exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
