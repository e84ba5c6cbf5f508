package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/c360studio/backtest/comparison"
	"github.com/c360studio/backtest/config"
	"github.com/c360studio/backtest/diagnosis"
	"github.com/c360studio/backtest/instructions"
	"github.com/c360studio/backtest/lens"
	"github.com/c360studio/backtest/llm"
	"github.com/c360studio/backtest/mediator"
	"github.com/c360studio/backtest/metrics"
	"github.com/c360studio/backtest/model"
	"github.com/c360studio/backtest/refinement"
	"github.com/c360studio/backtest/report"
	"github.com/c360studio/backtest/result"
	"github.com/c360studio/backtest/runner"
	"github.com/c360studio/backtest/scenario"
	"github.com/c360studio/backtest/scoring"
	"github.com/c360studio/backtest/storage"
)

// Errors reported to the command line.
var (
	ErrScenarioNotFound = errors.New("scenario not found")
	ErrRunNotFound      = errors.New("run not found")
	ErrNoBaseline       = errors.New("no baseline for mode")
	ErrNoRuns           = errors.New("no runs")
)

// App wires the harness components from a Config.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Recorder

	registry *model.Registry
	store    *storage.FileStore
	sections *instructions.Registry
	prompts  *instructions.DirSource
	lenses   lens.Table
	scorer   *scoring.Scorer
	comparer *comparison.Comparer
	reports  *report.Generator

	mediator mediator.Mediator
	parser   mediator.Parser
	critic   diagnosis.CompletionProvider

	// now overrides the run clock when set.
	now func() time.Time
}

// NewApp creates the application. No model endpoint is contacted until a
// command replays a scenario or asks the critic.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	scorer, err := scoring.New(cfg.Scoring)
	if err != nil {
		return nil, err
	}
	comparer, err := comparison.New(cfg.Comparison)
	if err != nil {
		return nil, err
	}
	sections, err := instructions.NewRegistry(instructions.DefaultSections())
	if err != nil {
		return nil, err
	}

	registry := model.NewDefaultRegistry()
	if cfg.Model.RegistryFile != "" {
		registry, err = model.LoadFromFile(cfg.Model.RegistryFile)
		if err != nil {
			return nil, err
		}
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.New(),
		registry: registry,
		store:    storage.NewFileStore(cfg.Results.Root, logger),
		sections: sections,
		prompts:  instructions.NewDirSource(cfg.Prompts.Root),
		lenses:   lens.DefaultTable(),
		scorer:   scorer,
		comparer: comparer,
		reports:  report.New(lens.DefaultCatalog()),
	}

	if registry.SharesModel(model.CapabilityMediation, model.CapabilityCritique) {
		logger.Warn("Critic resolves to the mediator model; diagnoses will grade their own output",
			"model", registry.Resolve(model.CapabilityCritique))
	}

	retry := llm.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Model.Attempts
	retry.BackoffBase = cfg.Model.RetryBackoff
	if err := retry.Validate(); err != nil {
		return nil, fmt.Errorf("model retry: %w", err)
	}
	client := llm.NewClient(registry,
		llm.WithLogger(logger),
		llm.WithRetryConfig(retry),
		llm.WithCallRecorder(a.metrics))

	mediatorOpts := []llm.CompleterOption{llm.WithTemperature(cfg.Model.MediatorTemperature)}
	criticOpts := []llm.CompleterOption{llm.WithTemperature(cfg.Model.CriticTemperature)}
	if cfg.Model.MaxTokens > 0 {
		mediatorOpts = append(mediatorOpts, llm.WithMaxTokens(cfg.Model.MaxTokens))
		criticOpts = append(criticOpts, llm.WithMaxTokens(cfg.Model.MaxTokens))
	}

	a.mediator = mediator.NewLLMMediator(
		timeoutCompleter{llm.NewCompleter(client, model.CapabilityMediation, mediatorOpts...), cfg.Model.Timeout},
		sections, a.prompts, a.lenses, logger)
	a.parser = mediator.NewJSONParser(a.lenses)
	a.critic = timeoutCompleter{llm.NewCompleter(client, model.CapabilityCritique, criticOpts...), cfg.Model.Timeout}

	return a, nil
}

// timeoutCompleter bounds each model call by the configured timeout.
type timeoutCompleter struct {
	next    diagnosis.CompletionProvider
	timeout time.Duration
}

func (t timeoutCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	return t.next.Complete(ctx, system, user)
}

// Close flushes metrics to the configured textfile.
func (a *App) Close() error {
	return a.metrics.WriteTextfile(a.cfg.Metrics.Textfile)
}

// Corpus loads the scenario corpus.
func (a *App) Corpus() (*scenario.Corpus, error) {
	return scenario.LoadCorpus(a.cfg.Corpus.Root, a.cfg.Corpus.Patterns)
}

func (a *App) runner() *runner.Runner {
	opts := []runner.Option{runner.WithLogger(a.logger), runner.WithMetrics(a.metrics)}
	if a.now != nil {
		opts = append(opts, runner.WithClock(a.now))
	}
	return runner.New(a.mediator, a.parser, a.scorer, a.lenses, opts...)
}

// RunScenario replays one scenario and persists the run, including a partial
// run cut short by a mediation failure.
func (a *App) RunScenario(ctx context.Context, scenarioID, mode string) (*result.SimulationRun, error) {
	corpus, err := a.Corpus()
	if err != nil {
		return nil, err
	}
	sc, ok := corpus.Get(scenarioID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScenarioNotFound, scenarioID)
	}

	run, runErr := a.runner().Run(ctx, &sc, mode)
	if run == nil {
		return nil, runErr
	}
	if err := a.store.Save(ctx, run); err != nil {
		return run, errors.Join(runErr, err)
	}
	return run, runErr
}

// RunBatch replays every scenario of mode that carries all tags and stores
// each run under the batch label as soon as it completes.
func (a *App) RunBatch(ctx context.Context, mode, batch string, tags []string) ([]*result.SimulationRun, error) {
	corpus, err := a.Corpus()
	if err != nil {
		return nil, err
	}
	scenarios := corpus.Filter(mode, tags)
	if len(scenarios) == 0 {
		return nil, fmt.Errorf("%w: mode %q has no scenarios matching tags %v", ErrScenarioNotFound, mode, tags)
	}
	if err := storage.ValidateSegment(batch); err != nil {
		return nil, fmt.Errorf("batch label: %w", err)
	}

	runs, err := a.runner().RunBatch(ctx, scenarios, mode, batch, func(ctx context.Context, run *result.SimulationRun) error {
		return a.store.Save(ctx, run)
	})
	if open := a.registry.OpenCircuits(); len(open) > 0 {
		a.logger.Warn("Model endpoints tripped during batch", "endpoints", open)
	}
	return runs, err
}

// Registry returns the resolved model registry.
func (a *App) Registry() *model.Registry {
	return a.registry
}

// LoadRun reads one stored run.
func (a *App) LoadRun(ctx context.Context, mode, id string) (*result.SimulationRun, error) {
	run, found, err := a.store.Load(ctx, mode, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s/%s", ErrRunNotFound, mode, id)
	}
	return run, nil
}

// BatchRuns returns the newest run per scenario of a batch. An empty label
// selects the most recent batch of the mode.
func (a *App) BatchRuns(ctx context.Context, mode, batch string) (string, []*result.SimulationRun, error) {
	all, err := a.store.LoadBatch(ctx, mode)
	if err != nil {
		return "", nil, err
	}
	if batch == "" {
		labels := storage.Batches(all)
		if len(labels) == 0 {
			return "", nil, fmt.Errorf("%w: mode %s has no labelled batches", ErrNoRuns, mode)
		}
		batch = labels[0]
	}
	runs := storage.LatestPerScenario(storage.FilterBatch(all, batch))
	if len(runs) == 0 {
		return batch, nil, fmt.Errorf("%w: batch %s in mode %s", ErrNoRuns, batch, mode)
	}
	return batch, runs, nil
}

// PromoteBaseline makes a stored run the baseline of its mode.
func (a *App) PromoteBaseline(ctx context.Context, mode, id string) (*result.SimulationRun, error) {
	run, err := a.LoadRun(ctx, mode, id)
	if err != nil {
		return nil, err
	}
	if err := a.store.SaveBaseline(ctx, run); err != nil {
		return nil, err
	}
	a.logger.Info("Promoted baseline", "mode", mode, "run_id", id)
	return run, nil
}

// Baseline reads the baseline of a mode.
func (a *App) Baseline(ctx context.Context, mode string) (*result.SimulationRun, error) {
	run, found, err := a.store.LoadBaseline(ctx, mode)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNoBaseline, mode)
	}
	return run, nil
}

// CompareRuns compares two stored runs of one scenario, including per-turn deltas.
func (a *App) CompareRuns(ctx context.Context, mode, beforeID, afterID string) (comparison.RunComparison, []comparison.TurnDelta, error) {
	before, err := a.LoadRun(ctx, mode, beforeID)
	if err != nil {
		return comparison.RunComparison{}, nil, err
	}
	after, err := a.LoadRun(ctx, mode, afterID)
	if err != nil {
		return comparison.RunComparison{}, nil, err
	}
	return a.compareRunPair(before, after)
}

// CompareBaseline compares the mode's baseline with the newest other run of
// the same scenario.
func (a *App) CompareBaseline(ctx context.Context, mode string) (comparison.RunComparison, []comparison.TurnDelta, error) {
	baseline, err := a.Baseline(ctx, mode)
	if err != nil {
		return comparison.RunComparison{}, nil, err
	}
	latest, err := a.latestRunOf(ctx, mode, baseline)
	if err != nil {
		return comparison.RunComparison{}, nil, err
	}
	return a.compareRunPair(baseline, latest)
}

// latestRunOf returns the newest stored run of baseline's scenario other than
// the baseline itself.
func (a *App) latestRunOf(ctx context.Context, mode string, baseline *result.SimulationRun) (*result.SimulationRun, error) {
	all, err := a.store.LoadBatch(ctx, mode)
	if err != nil {
		return nil, err
	}
	for _, run := range all {
		if run.ScenarioID == baseline.ScenarioID && run.ID != baseline.ID {
			return run, nil
		}
	}
	return nil, fmt.Errorf("%w: no run of %s besides the baseline", ErrNoRuns, baseline.ScenarioID)
}

func (a *App) compareRunPair(before, after *result.SimulationRun) (comparison.RunComparison, []comparison.TurnDelta, error) {
	if _, err := a.comparer.CompareScenarioRuns(before, after); err != nil {
		return comparison.RunComparison{}, nil, err
	}
	deltas, err := a.comparer.FindTurnDeltas(before, after)
	if err != nil {
		return comparison.RunComparison{}, nil, err
	}
	rc := a.comparer.CompareRunBatches([]*result.SimulationRun{before}, []*result.SimulationRun{after})
	return rc, deltas, nil
}

// CompareBatches compares two labelled batches of a mode.
func (a *App) CompareBatches(ctx context.Context, mode, beforeBatch, afterBatch string) (comparison.RunComparison, error) {
	_, before, err := a.BatchRuns(ctx, mode, beforeBatch)
	if err != nil {
		return comparison.RunComparison{}, err
	}
	_, after, err := a.BatchRuns(ctx, mode, afterBatch)
	if err != nil {
		return comparison.RunComparison{}, err
	}
	return a.comparer.CompareRunBatches(before, after), nil
}

// LiveComparison renders the newest batch of a mode against the batch
// labelled against, or against the baseline when against is empty.
func (a *App) LiveComparison(ctx context.Context, mode, against string) (string, error) {
	label, current, err := a.BatchRuns(ctx, mode, "")
	if err != nil {
		return "", err
	}

	if against != "" {
		_, before, err := a.BatchRuns(ctx, mode, against)
		if err != nil {
			return "", err
		}
		rc := a.comparer.CompareRunBatches(before, current)
		return a.reports.RenderComparison(rc), nil
	}

	baseline, err := a.Baseline(ctx, mode)
	if err != nil {
		return "", err
	}
	for _, run := range current {
		if run.ScenarioID == baseline.ScenarioID && run.ID != baseline.ID {
			rc, deltas, err := a.compareRunPair(baseline, run)
			if err != nil {
				return "", err
			}
			return a.reports.RenderComparison(rc) + "\n" + a.reports.RenderTurnDeltas(run.ScenarioID, deltas), nil
		}
	}
	return "", fmt.Errorf("%w: batch %s has no new run of baseline scenario %s", ErrNoRuns, label, baseline.ScenarioID)
}

// Diagnose asks the critic about the weak turns of each run. Runs whose
// scenario is no longer in the corpus are skipped with a warning.
func (a *App) Diagnose(ctx context.Context, runs []*result.SimulationRun) ([]diagnosis.DiagnosisResult, error) {
	corpus, err := a.Corpus()
	if err != nil {
		return nil, err
	}
	engine, err := diagnosis.New(a.critic, a.sections, a.prompts, a.cfg.Diagnosis,
		diagnosis.WithLogger(a.logger),
		diagnosis.WithMetrics(a.metrics))
	if err != nil {
		return nil, err
	}

	var out []diagnosis.DiagnosisResult
	for _, run := range runs {
		sc, ok := corpus.Get(run.ScenarioID)
		if !ok {
			a.logger.Warn("Skipping run of unknown scenario", "run_id", run.ID, "scenario", run.ScenarioID)
			continue
		}
		results, err := engine.DiagnoseRun(ctx, &sc, run)
		if err != nil {
			return out, err
		}
		out = append(out, results...)
	}
	return out, nil
}

// Plan builds a refinement plan from diagnoses. It never writes a section.
func (a *App) Plan(ctx context.Context, diagnoses []diagnosis.DiagnosisResult) (*refinement.RefinementPlan, error) {
	planner, err := refinement.NewPlanner(a.sections, a.prompts, a.cfg.Refinement, a.logger)
	if err != nil {
		return nil, err
	}
	return planner.Generate(ctx, diagnoses)
}

// Apply writes one reviewed patch after backing up its section file.
func (a *App) Apply(ctx context.Context, patch refinement.PromptPatch) (string, error) {
	return refinement.NewApplier(a.sections, a.prompts, a.store, a.logger).Apply(ctx, patch, patch.Patched())
}

// SaveDiagnoses writes diagnoses as indented JSON.
func SaveDiagnoses(path string, results []diagnosis.DiagnosisResult) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal diagnoses: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write diagnoses: %w", err)
	}
	return nil
}

// LoadDiagnoses reads diagnoses written by SaveDiagnoses.
func LoadDiagnoses(path string) ([]diagnosis.DiagnosisResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read diagnoses: %w", err)
	}
	var results []diagnosis.DiagnosisResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("failed to parse diagnoses: %w", err)
	}
	return results, nil
}
