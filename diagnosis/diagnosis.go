// Package diagnosis hands the weakest turns of a run to an independently
// prompted critic model and parses its root-cause explanations.
package diagnosis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"unicode/utf8"

	"github.com/c360studio/backtest/instructions"
	"github.com/c360studio/backtest/llm"
	"github.com/c360studio/backtest/metrics"
	"github.com/c360studio/backtest/result"
	"github.com/c360studio/backtest/scenario"
	"github.com/c360studio/backtest/scoring"
)

// FindWeakestTurns returns the turns whose five-dimension mean is below
// threshold, weakest first.
func FindWeakestTurns(run *result.SimulationRun, threshold float64) []result.TurnResult {
	if run == nil {
		return nil
	}
	var weak []result.TurnResult
	for _, t := range run.TurnResults {
		if t.Scores.Mean() < threshold {
			weak = append(weak, t)
		}
	}
	sort.SliceStable(weak, func(i, j int) bool {
		return weak[i].Scores.Mean() < weak[j].Scores.Mean()
	})
	return weak
}

// Engine runs the critic over weak turns.
type Engine struct {
	provider CompletionProvider
	registry *instructions.Registry
	source   instructions.Source
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New creates an Engine. The registry and source provide the instruction
// text the critic reviews; they are only read.
func New(provider CompletionProvider, registry *instructions.Registry, source instructions.Source, cfg Config, opts ...Option) (*Engine, error) {
	if provider == nil {
		return nil, fmt.Errorf("completion provider is required")
	}
	if registry == nil || source == nil {
		return nil, fmt.Errorf("instruction registry and source are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		provider: provider,
		registry: registry,
		source:   source,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// DiagnoseTurn asks the critic to explain one turn. An unparseable response
// yields a result with no failures; only a provider error is returned as an error.
func (e *Engine) DiagnoseTurn(ctx context.Context, sc *scenario.Scenario, run *result.SimulationRun, turn result.TurnResult) (*DiagnosisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	review := TurnReview{
		Scenario:     sc,
		Turn:         turn,
		ContextMode:  run.ContextMode,
		Sections:     e.activeSections(ctx, run),
		Conversation: conversationThrough(sc, turn.TurnNumber),
	}

	raw, err := e.provider.Complete(ctx, SystemPrompt(), UserPrompt(review))
	if err != nil {
		e.metrics.Diagnosis(metrics.DiagnosisFailed)
		return nil, fmt.Errorf("critic completion for %s turn %d: %w", run.ID, turn.TurnNumber, err)
	}

	res := &DiagnosisResult{
		RunID:       run.ID,
		ScenarioID:  run.ScenarioID,
		ContextMode: run.ContextMode,
		TurnNumber:  turn.TurnNumber,
		TurnMean:    scoring.Round3(turn.Scores.Mean()),
	}

	parsed, err := parseResponse(raw)
	if err != nil {
		e.logger.Warn("Critic response not parseable",
			"run", run.ID,
			"turn", turn.TurnNumber,
			"error", err)
		e.metrics.Diagnosis(metrics.DiagnosisUnparseable)

		res.Failures = []FailureDiagnosis{}
		res.OverallAssessment = "Critic response could not be parsed: " + excerpt(raw, e.cfg.ExcerptLength)
		res.RegressionRisk = RiskMedium
		res.Unparsed = true
		return res, nil
	}

	e.metrics.Diagnosis(metrics.DiagnosisParsed)
	res.Failures = parsed.Failures
	res.OverallAssessment = parsed.OverallAssessment
	res.RegressionRisk = parsed.RegressionRisk
	return res, nil
}

// DiagnoseRun reviews at most MaxTurnsPerRun of the run's weakest turns.
// A failed critic call skips that turn; only cancellation stops the pass.
func (e *Engine) DiagnoseRun(ctx context.Context, sc *scenario.Scenario, run *result.SimulationRun) ([]DiagnosisResult, error) {
	if sc == nil || run == nil {
		return nil, fmt.Errorf("scenario and run are required")
	}
	if sc.ID != run.ScenarioID {
		return nil, fmt.Errorf("run %s belongs to scenario %s, not %s", run.ID, run.ScenarioID, sc.ID)
	}

	weak := FindWeakestTurns(run, e.cfg.Threshold)
	if len(weak) > e.cfg.MaxTurnsPerRun {
		weak = weak[:e.cfg.MaxTurnsPerRun]
	}

	e.logger.Info("Diagnosing run",
		"run", run.ID,
		"weak_turns", len(weak),
		"threshold", e.cfg.Threshold)

	var out []DiagnosisResult
	for _, t := range weak {
		res, err := e.DiagnoseTurn(ctx, sc, run, t)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			e.logger.Error("Critic call failed, skipping turn",
				"run", run.ID,
				"turn", t.TurnNumber,
				"error", err)
			continue
		}
		out = append(out, *res)
	}
	return out, nil
}

func (e *Engine) activeSections(ctx context.Context, run *result.SimulationRun) []SectionText {
	var out []SectionText
	for _, s := range e.registry.ActiveFor(run.ActiveLenses) {
		text, err := e.source.Read(ctx, s)
		if err != nil {
			e.logger.Warn("Instruction section unreadable, omitting from review",
				"section", s.ID,
				"error", err)
			continue
		}
		out = append(out, SectionText{ID: s.ID, Content: text})
	}
	return out
}

// conversationThrough returns the scenario turns up to and including number.
func conversationThrough(sc *scenario.Scenario, number int) []scenario.Turn {
	var out []scenario.Turn
	for _, t := range sc.Turns {
		if t.Number <= number {
			out = append(out, t)
		}
	}
	return out
}

// criticResponse is the JSON document the critic is asked to return.
type criticResponse struct {
	Failures          []FailureDiagnosis `json:"failures"`
	OverallAssessment string             `json:"overall_assessment"`
	RegressionRisk    RegressionRisk     `json:"regression_risk"`
}

var errNoJSON = errors.New("no JSON found in response")

func parseResponse(content string) (*criticResponse, error) {
	jsonContent := llm.ExtractJSON(content)
	if jsonContent == "" {
		return nil, errNoJSON
	}

	var resp criticResponse
	if err := json.Unmarshal([]byte(jsonContent), &resp); err != nil {
		return nil, fmt.Errorf("parse JSON: %w", err)
	}

	switch resp.RegressionRisk {
	case RiskLow, RiskMedium, RiskHigh:
	default:
		resp.RegressionRisk = RiskMedium
	}
	if resp.Failures == nil {
		resp.Failures = []FailureDiagnosis{}
	}
	for i := range resp.Failures {
		f := &resp.Failures[i]
		f.Confidence = min(max(f.Confidence, 0), 1)
		switch f.Severity {
		case SeverityMinor, SeverityModerate, SeverityCritical:
		default:
			f.Severity = SeverityModerate
		}
	}
	return &resp, nil
}

// excerpt truncates s to at most n runes, marking the cut.
func excerpt(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
