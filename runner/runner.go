// Package runner replays scenarios through the mediator turn by turn and
// assembles scored simulation runs.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/backtest/lens"
	"github.com/c360studio/backtest/mediator"
	"github.com/c360studio/backtest/metrics"
	"github.com/c360studio/backtest/result"
	"github.com/c360studio/backtest/scenario"
	"github.com/c360studio/backtest/scoring"
)

// ErrMediationFailed marks a run that ended early because the mediation call
// returned an error. The partial run is still scored and returned.
var ErrMediationFailed = errors.New("mediation call failed")

// runIDLayout keeps ids sortable: lexical order is temporal order.
const runIDLayout = "20060102T150405.000Z"

// Runner drives scenarios through a mediator and scores every parsed turn.
type Runner struct {
	mediator mediator.Mediator
	parser   mediator.Parser
	scorer   *scoring.Scorer
	lenses   lens.Table
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithClock overrides the clock used for run ids and timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		r.now = now
	}
}

// New creates a Runner.
func New(m mediator.Mediator, p mediator.Parser, s *scoring.Scorer, lenses lens.Table, opts ...Option) *Runner {
	r := &Runner{
		mediator: m,
		parser:   p,
		scorer:   s,
		lenses:   lenses,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunID returns the id of a run of scenarioID started at t.
func RunID(scenarioID string, t time.Time) string {
	return scenarioID + "-" + t.UTC().Format(runIDLayout)
}

// Run replays one scenario in the given context mode. An empty mode uses the
// scenario's category.
//
// A turn whose mediator output cannot be parsed is left out of the scored
// turns, but its message still joins the history seen by later turns. A
// mediation error stops the replay; the turns scored so far are aggregated
// and returned together with an error wrapping ErrMediationFailed.
func (r *Runner) Run(ctx context.Context, sc *scenario.Scenario, mode string) (*result.SimulationRun, error) {
	if mode == "" {
		mode = sc.Category
	}
	started := r.now().UTC().Truncate(time.Millisecond)

	run := &result.SimulationRun{
		ID:           RunID(sc.ID, started),
		ScenarioID:   sc.ID,
		ContextMode:  mode,
		ActiveLenses: r.lenses.ActiveLenses(mode),
		Timestamp:    started,
	}

	log := r.logger.With("scenario", sc.ID, "mode", mode, "run_id", run.ID)
	log.Info("Starting simulation", "turns", len(sc.Turns))

	var (
		history  []mediator.HistoryEntry
		previous *mediator.Analysis
		runErr   error
	)

	for _, turn := range sc.Turns {
		if err := ctx.Err(); err != nil {
			run.Aborted = fmt.Sprintf("cancelled before turn %d: %v", turn.Number, err)
			runErr = err
			break
		}

		sender := sc.Persona(turn.Speaker)
		other := sc.Persona(turn.Speaker.Other())

		raw, err := r.mediator.Mediate(ctx, mediator.Request{
			Message:     turn.Content,
			SenderID:    turn.Speaker,
			SenderName:  sender.Name,
			OtherName:   other.Name,
			History:     append([]mediator.HistoryEntry(nil), history...),
			ContextMode: mode,
		})
		if err != nil {
			r.metrics.MediationFailed(mode)
			log.Error("Mediation failed, aborting scenario", "turn", turn.Number, "error", err)
			run.Aborted = fmt.Sprintf("turn %d: %v", turn.Number, err)
			runErr = fmt.Errorf("%w: scenario %s turn %d: %w", ErrMediationFailed, sc.ID, turn.Number, err)
			break
		}

		history = append(history, mediator.HistoryEntry{
			SenderID:   turn.Speaker,
			SenderName: sender.Name,
			Content:    turn.Content,
		})

		analysis, err := r.parser.Parse(raw, mode)
		if err != nil {
			r.metrics.TurnSkipped(mode)
			run.SkippedTurns = append(run.SkippedTurns, turn.Number)
			log.Warn("Skipping unparseable turn", "turn", turn.Number, "error", err)
			continue
		}

		scores := r.scorer.ScoreTurn(analysis, previous, sc.PlantedPatterns)
		run.TurnResults = append(run.TurnResults, result.TurnResult{
			TurnNumber: turn.Number,
			Speaker:    turn.Speaker,
			Analysis:   analysis,
			Scores:     scores,
		})
		previous = analysis
		r.metrics.TurnScored(mode)

		log.Debug("Scored turn",
			"turn", turn.Number,
			"temperature", analysis.EmotionalTemperature,
			"mean", scoring.Round3(scores.Mean()))
	}

	run.Aggregate = r.scorer.ScoreSimulation(run.TurnResults)
	r.metrics.ObserveRun(run)

	log.Info("Simulation complete",
		"scored", len(run.TurnResults),
		"skipped", len(run.SkippedTurns),
		"overall", run.Aggregate.Overall,
		"arc", run.Aggregate.ResolutionArc)

	return run, runErr
}

// RunSink receives each completed run of a batch, typically to persist it.
type RunSink func(ctx context.Context, run *result.SimulationRun) error

// RunBatch replays scenarios strictly one after another. Each run, including
// partial runs cut short by a mediation error, is labelled with batch and
// handed to onRun before the next scenario starts. Mediation errors do not
// stop the batch; they are joined into the returned error. A sink error or
// context cancellation stops the batch immediately.
func (r *Runner) RunBatch(ctx context.Context, scenarios []scenario.Scenario, mode, batch string, onRun RunSink) ([]*result.SimulationRun, error) {
	runs := make([]*result.SimulationRun, 0, len(scenarios))
	var failures []error

	for i := range scenarios {
		sc := &scenarios[i]

		run, err := r.Run(ctx, sc, mode)
		if err != nil && !errors.Is(err, ErrMediationFailed) {
			return runs, errors.Join(append(failures, err)...)
		}
		if err != nil {
			failures = append(failures, err)
		}

		run.Batch = batch
		if onRun != nil {
			if serr := onRun(ctx, run); serr != nil {
				return runs, errors.Join(append(failures, fmt.Errorf("store run %s: %w", run.ID, serr))...)
			}
		}
		runs = append(runs, run)

		r.logger.Info("Batch progress",
			"batch", batch,
			"completed", i+1,
			"total", len(scenarios),
			"scenario", sc.ID)
	}

	return runs, errors.Join(failures...)
}
