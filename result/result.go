// Package result holds the scored records produced by a simulation: per-turn
// score vectors, turn results, aggregate scores and complete simulation runs.
package result

import (
	"time"

	"github.com/c360studio/backtest/lens"
	"github.com/c360studio/backtest/mediator"
	"github.com/c360studio/backtest/scenario"
)

// Dimension names one of the five independent turn-scoring dimensions.
type Dimension string

// The five scoring dimensions.
const (
	DeEscalation       Dimension = "deEscalation"
	BlindSpotDetection Dimension = "blindSpotDetection"
	TranslationQuality Dimension = "translationQuality"
	LensRelevance      Dimension = "lensRelevance"
	InsightDepth       Dimension = "insightDepth"
)

// Dimensions lists every scoring dimension in canonical order.
var Dimensions = []Dimension{
	DeEscalation,
	BlindSpotDetection,
	TranslationQuality,
	LensRelevance,
	InsightDepth,
}

// TurnScores is the five-dimension score vector of one turn. Each value lies in [0,1].
type TurnScores struct {
	DeEscalation       float64 `json:"de_escalation"`
	BlindSpotDetection float64 `json:"blind_spot_detection"`
	TranslationQuality float64 `json:"translation_quality"`
	LensRelevance      float64 `json:"lens_relevance"`
	InsightDepth       float64 `json:"insight_depth"`
}

// Get returns the score of one dimension.
func (s TurnScores) Get(d Dimension) float64 {
	switch d {
	case DeEscalation:
		return s.DeEscalation
	case BlindSpotDetection:
		return s.BlindSpotDetection
	case TranslationQuality:
		return s.TranslationQuality
	case LensRelevance:
		return s.LensRelevance
	case InsightDepth:
		return s.InsightDepth
	}
	return 0
}

// Mean returns the unweighted mean of the five dimensions.
func (s TurnScores) Mean() float64 {
	return (s.DeEscalation + s.BlindSpotDetection + s.TranslationQuality + s.LensRelevance + s.InsightDepth) / 5
}

// TurnResult is one scored turn of a simulation.
type TurnResult struct {
	TurnNumber int                `json:"turn_number"`
	Speaker    scenario.Speaker   `json:"speaker"`
	Analysis   *mediator.Analysis `json:"analysis"`
	Scores     TurnScores         `json:"scores"`
}

// ResolutionArc classifies how emotional temperature moved from first to last turn.
type ResolutionArc string

// Resolution arcs, from best to worst.
const (
	ArcResolved ResolutionArc = "resolved"
	ArcImproved ResolutionArc = "improved"
	ArcStable   ResolutionArc = "stable"
	ArcWorsened ResolutionArc = "worsened"
)

// AggregateScore summarises a sequence of turn results.
type AggregateScore struct {
	Overall               float64       `json:"overall"`
	DeEscalationRate      float64       `json:"de_escalation_rate"`
	PatternCoverage       float64       `json:"pattern_coverage"`
	AvgTranslationQuality float64       `json:"avg_translation_quality"`
	AvgInsightDepth       float64       `json:"avg_insight_depth"`
	ResolutionArc         ResolutionArc `json:"resolution_arc"`
}

// SimulationRun is the complete, immutable record of one scenario replay.
type SimulationRun struct {
	ID           string         `json:"id"`
	ScenarioID   string         `json:"scenario_id"`
	ContextMode  string         `json:"context_mode"`
	Batch        string         `json:"batch,omitempty"`
	ActiveLenses []lens.ID      `json:"active_lenses"`
	TurnResults  []TurnResult   `json:"turn_results"`
	Aggregate    AggregateScore `json:"aggregate"`
	Timestamp    time.Time      `json:"timestamp"`

	// SkippedTurns lists turn numbers whose mediator output could not be parsed.
	SkippedTurns []int `json:"skipped_turns,omitempty"`

	// Aborted holds the mediation failure that ended the run early, if any.
	Aborted string `json:"aborted,omitempty"`
}

// Turn returns the result for a turn number.
func (r *SimulationRun) Turn(number int) (TurnResult, bool) {
	for _, t := range r.TurnResults {
		if t.TurnNumber == number {
			return t, true
		}
	}
	return TurnResult{}, false
}
