// Package comparison diffs simulation runs and batches of runs, per scenario,
// per aggregate dimension and per turn.
package comparison

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/c360studio/backtest/result"
)

// Direction classifies a score delta.
type Direction string

// Directions.
const (
	Improved  Direction = "improved"
	Regressed Direction = "regressed"
	Stable    Direction = "stable"
)

// Metric names one field of an aggregate score.
type Metric string

// Aggregate metrics compared between runs.
const (
	Overall               Metric = "overall"
	DeEscalationRate      Metric = "deEscalationRate"
	PatternCoverage       Metric = "patternCoverage"
	AvgTranslationQuality Metric = "avgTranslationQuality"
	AvgInsightDepth       Metric = "avgInsightDepth"
)

// SubMetrics are the aggregate fields compared alongside Overall.
var SubMetrics = []Metric{DeEscalationRate, PatternCoverage, AvgTranslationQuality, AvgInsightDepth}

// Value returns the aggregate field named by m.
func (m Metric) Value(a result.AggregateScore) float64 {
	switch m {
	case Overall:
		return a.Overall
	case DeEscalationRate:
		return a.DeEscalationRate
	case PatternCoverage:
		return a.PatternCoverage
	case AvgTranslationQuality:
		return a.AvgTranslationQuality
	case AvgInsightDepth:
		return a.AvgInsightDepth
	}
	return 0
}

// ErrScenarioMismatch is returned when two runs of different scenarios are compared.
var ErrScenarioMismatch = errors.New("runs reference different scenarios")

// Config holds the comparison tolerances.
type Config struct {
	// DeadBand is the inclusive magnitude below which a delta counts as stable.
	DeadBand float64 `json:"dead_band" yaml:"dead_band"`
}

// DefaultConfig returns the ±0.02 dead-band.
func DefaultConfig() Config {
	return Config{DeadBand: 0.02}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.DeadBand < 0 || c.DeadBand >= 1 {
		return fmt.Errorf("dead_band must be in [0,1), got %v", c.DeadBand)
	}
	return nil
}

// DimensionDelta is the before/after change of one metric.
type DimensionDelta struct {
	Metric    Metric    `json:"metric"`
	Before    float64   `json:"before"`
	After     float64   `json:"after"`
	Delta     float64   `json:"delta"`
	Direction Direction `json:"direction"`
}

// ScenarioComparison compares two runs of one scenario.
type ScenarioComparison struct {
	ScenarioID string           `json:"scenario_id"`
	BeforeID   string           `json:"before_id"`
	AfterID    string           `json:"after_id"`
	Overall    DimensionDelta   `json:"overall"`
	Dimensions []DimensionDelta `json:"dimensions"`
}

// Direction is the classification of the overall delta.
func (s ScenarioComparison) Direction() Direction {
	return s.Overall.Direction
}

// RunComparison compares two batches of runs matched by scenario id.
type RunComparison struct {
	Scenarios        []ScenarioComparison `json:"scenarios"`
	DimensionSummary []DimensionDelta     `json:"dimension_summary"`
	OverallDelta     float64              `json:"overall_delta"`
	Direction        Direction            `json:"direction"`

	// BestImprovement and WorstRegression are nil when no scenario moved that way.
	BestImprovement *ScenarioComparison `json:"best_improvement,omitempty"`
	WorstRegression *ScenarioComparison `json:"worst_regression,omitempty"`

	Improved  int `json:"improved"`
	Regressed int `json:"regressed"`
	Stable    int `json:"stable"`

	// Unmatched lists scenario ids present in only one batch.
	Unmatched []string `json:"unmatched,omitempty"`
}

// TurnDelta compares one turn number across two runs of the same scenario.
type TurnDelta struct {
	TurnNumber int     `json:"turn_number"`
	Before     float64 `json:"before"`
	After      float64 `json:"after"`
	Delta      float64 `json:"delta"`

	// WeakestDimension is the dimension with the most negative delta. It is
	// empty when no dimension got worse.
	WeakestDimension result.Dimension `json:"weakest_dimension,omitempty"`
	WeakestDelta     float64          `json:"weakest_delta,omitempty"`
}

// Comparer applies one comparison configuration.
type Comparer struct {
	cfg Config
}

// New creates a Comparer after validating cfg.
func New(cfg Config) (*Comparer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Comparer{cfg: cfg}, nil
}

// Default returns a Comparer with DefaultConfig.
func Default() *Comparer {
	return &Comparer{cfg: DefaultConfig()}
}

// Classify maps a delta to a direction. Deltas within the dead-band,
// boundaries included, are stable.
func (c *Comparer) Classify(delta float64) Direction {
	d := round3(delta)
	switch {
	case math.Abs(d) <= c.cfg.DeadBand:
		return Stable
	case d > 0:
		return Improved
	default:
		return Regressed
	}
}

func (c *Comparer) delta(m Metric, before, after float64) DimensionDelta {
	d := round3(after - before)
	return DimensionDelta{
		Metric:    m,
		Before:    before,
		After:     after,
		Delta:     d,
		Direction: c.Classify(d),
	}
}

// CompareScenarioRuns compares two runs of the same scenario.
func (c *Comparer) CompareScenarioRuns(before, after *result.SimulationRun) (ScenarioComparison, error) {
	if before == nil || after == nil {
		return ScenarioComparison{}, fmt.Errorf("compare: both runs are required")
	}
	if before.ScenarioID != after.ScenarioID {
		return ScenarioComparison{}, fmt.Errorf("%w: %q vs %q", ErrScenarioMismatch, before.ScenarioID, after.ScenarioID)
	}

	sc := ScenarioComparison{
		ScenarioID: before.ScenarioID,
		BeforeID:   before.ID,
		AfterID:    after.ID,
		Overall:    c.delta(Overall, before.Aggregate.Overall, after.Aggregate.Overall),
		Dimensions: make([]DimensionDelta, 0, len(SubMetrics)),
	}
	for _, m := range SubMetrics {
		sc.Dimensions = append(sc.Dimensions, c.delta(m, m.Value(before.Aggregate), m.Value(after.Aggregate)))
	}
	return sc, nil
}

// CompareRunBatches matches runs by scenario id and compares each pair.
// Scenarios present in only one batch are left out and listed in Unmatched.
// When a batch holds several runs of one scenario, the first one is used.
func (c *Comparer) CompareRunBatches(before, after []*result.SimulationRun) RunComparison {
	afterByID := make(map[string]*result.SimulationRun, len(after))
	for _, r := range after {
		if _, ok := afterByID[r.ScenarioID]; !ok {
			afterByID[r.ScenarioID] = r
		}
	}

	var rc RunComparison
	matched := make(map[string]bool)
	for _, b := range before {
		if matched[b.ScenarioID] {
			continue
		}
		a, ok := afterByID[b.ScenarioID]
		if !ok {
			if !contains(rc.Unmatched, b.ScenarioID) {
				rc.Unmatched = append(rc.Unmatched, b.ScenarioID)
			}
			continue
		}
		matched[b.ScenarioID] = true
		sc, err := c.CompareScenarioRuns(b, a)
		if err != nil {
			continue
		}
		rc.Scenarios = append(rc.Scenarios, sc)
	}
	for _, a := range after {
		if !matched[a.ScenarioID] && !contains(rc.Unmatched, a.ScenarioID) {
			rc.Unmatched = append(rc.Unmatched, a.ScenarioID)
		}
	}
	sort.Strings(rc.Unmatched)

	if len(rc.Scenarios) == 0 {
		rc.Direction = Stable
		return rc
	}

	metrics := append([]Metric{Overall}, SubMetrics...)
	n := float64(len(rc.Scenarios))
	for i, m := range metrics {
		var before, after, delta float64
		for _, sc := range rc.Scenarios {
			d := sc.metric(i)
			before += d.Before
			after += d.After
			delta += d.Delta
		}
		rc.DimensionSummary = append(rc.DimensionSummary, DimensionDelta{
			Metric:    m,
			Before:    round3(before / n),
			After:     round3(after / n),
			Delta:     round3(delta / n),
			Direction: c.Classify(delta / n),
		})
	}
	rc.OverallDelta = rc.DimensionSummary[0].Delta
	rc.Direction = rc.DimensionSummary[0].Direction

	for i := range rc.Scenarios {
		sc := &rc.Scenarios[i]
		switch sc.Overall.Direction {
		case Improved:
			rc.Improved++
		case Regressed:
			rc.Regressed++
		default:
			rc.Stable++
		}
		// Strict comparisons keep the earliest scenario on ties.
		if sc.Overall.Delta > 0 && (rc.BestImprovement == nil || sc.Overall.Delta > rc.BestImprovement.Overall.Delta) {
			rc.BestImprovement = sc
		}
		if sc.Overall.Delta < 0 && (rc.WorstRegression == nil || sc.Overall.Delta < rc.WorstRegression.Overall.Delta) {
			rc.WorstRegression = sc
		}
	}
	return rc
}

// metric returns Overall for i == 0 and the i-th sub-metric otherwise.
func (s ScenarioComparison) metric(i int) DimensionDelta {
	if i == 0 {
		return s.Overall
	}
	return s.Dimensions[i-1]
}

// FindTurnDeltas matches turns by number between two runs of one scenario
// and returns them sorted from the largest drop to the largest gain.
func (c *Comparer) FindTurnDeltas(before, after *result.SimulationRun) ([]TurnDelta, error) {
	if before == nil || after == nil {
		return nil, fmt.Errorf("turn deltas: both runs are required")
	}
	if before.ScenarioID != after.ScenarioID {
		return nil, fmt.Errorf("%w: %q vs %q", ErrScenarioMismatch, before.ScenarioID, after.ScenarioID)
	}

	var deltas []TurnDelta
	for _, b := range before.TurnResults {
		a, ok := after.Turn(b.TurnNumber)
		if !ok {
			continue
		}
		td := TurnDelta{
			TurnNumber: b.TurnNumber,
			Before:     round3(b.Scores.Mean()),
			After:      round3(a.Scores.Mean()),
		}
		td.Delta = round3(a.Scores.Mean() - b.Scores.Mean())

		weakest := 0.0
		for _, d := range result.Dimensions {
			dd := a.Scores.Get(d) - b.Scores.Get(d)
			if dd < weakest {
				weakest = dd
				td.WeakestDimension = d
			}
		}
		if td.WeakestDimension != "" {
			td.WeakestDelta = round3(weakest)
		}
		deltas = append(deltas, td)
	}

	sort.SliceStable(deltas, func(i, j int) bool { return deltas[i].Delta < deltas[j].Delta })
	return deltas, nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
