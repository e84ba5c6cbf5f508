package comparison

import (
	"testing"

	"github.com/c360studio/backtest/result"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(scenarioID string, overall float64) *result.SimulationRun {
	return &result.SimulationRun{
		ID:         scenarioID + "-run",
		ScenarioID: scenarioID,
		Aggregate: result.AggregateScore{
			Overall:               overall,
			DeEscalationRate:      0.5,
			PatternCoverage:       0.8,
			AvgTranslationQuality: 0.6,
			AvgInsightDepth:       0.4,
		},
	}
}

func TestClassify_DeadBandIsInclusive(t *testing.T) {
	c := Default()
	tests := []struct {
		delta float64
		want  Direction
	}{
		{0, Stable},
		{0.02, Stable},
		{-0.02, Stable},
		{0.72 - 0.70, Stable},
		{0.70 - 0.72, Stable},
		{0.021, Improved},
		{-0.021, Regressed},
		{0.3, Improved},
		{-0.3, Regressed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.Classify(tt.delta), "delta %v", tt.delta)
	}
}

func TestCompareScenarioRuns(t *testing.T) {
	c := Default()
	before := run("dishes", 0.60)
	after := run("dishes", 0.70)
	after.Aggregate.PatternCoverage = 0.5
	after.Aggregate.AvgInsightDepth = 0.41

	sc, err := c.CompareScenarioRuns(before, after)
	require.NoError(t, err)

	assert.Equal(t, "dishes", sc.ScenarioID)
	assert.Equal(t, 0.1, sc.Overall.Delta)
	assert.Equal(t, Improved, sc.Direction())
	require.Len(t, sc.Dimensions, 4)

	byMetric := map[Metric]DimensionDelta{}
	for _, d := range sc.Dimensions {
		byMetric[d.Metric] = d
	}
	assert.Equal(t, Stable, byMetric[DeEscalationRate].Direction)
	assert.Equal(t, -0.3, byMetric[PatternCoverage].Delta)
	assert.Equal(t, Regressed, byMetric[PatternCoverage].Direction)
	assert.Equal(t, Stable, byMetric[AvgInsightDepth].Direction)
}

func TestCompareScenarioRuns_Mismatch(t *testing.T) {
	_, err := Default().CompareScenarioRuns(run("a", 0.5), run("b", 0.5))
	assert.ErrorIs(t, err, ErrScenarioMismatch)
}

func TestCompareRunBatches_Intersection(t *testing.T) {
	c := Default()
	before := []*result.SimulationRun{run("alpha", 0.5), run("bravo", 0.6), run("only-before", 0.9)}
	after := []*result.SimulationRun{run("bravo", 0.5), run("alpha", 0.7), run("only-after", 0.1)}

	rc := c.CompareRunBatches(before, after)

	require.Len(t, rc.Scenarios, 2)
	assert.Equal(t, "alpha", rc.Scenarios[0].ScenarioID)
	assert.Equal(t, "bravo", rc.Scenarios[1].ScenarioID)
	assert.Equal(t, []string{"only-after", "only-before"}, rc.Unmatched)

	// (0.2 + -0.1) / 2
	assert.Equal(t, 0.05, rc.OverallDelta)
	assert.Equal(t, Improved, rc.Direction)
	require.Len(t, rc.DimensionSummary, 5)
	assert.Equal(t, Overall, rc.DimensionSummary[0].Metric)
	assert.Equal(t, 0.55, rc.DimensionSummary[0].Before)
	assert.Equal(t, 0.6, rc.DimensionSummary[0].After)

	require.NotNil(t, rc.BestImprovement)
	assert.Equal(t, "alpha", rc.BestImprovement.ScenarioID)
	require.NotNil(t, rc.WorstRegression)
	assert.Equal(t, "bravo", rc.WorstRegression.ScenarioID)
	assert.Equal(t, 1, rc.Improved)
	assert.Equal(t, 1, rc.Regressed)
}

func TestCompareRunBatches_TiesKeepOriginalOrder(t *testing.T) {
	c := Default()
	before := []*result.SimulationRun{run("alpha", 0.5), run("bravo", 0.5), run("charlie", 0.5), run("delta", 0.5)}
	after := []*result.SimulationRun{run("alpha", 0.6), run("bravo", 0.6), run("charlie", 0.4), run("delta", 0.4)}

	rc := c.CompareRunBatches(before, after)
	assert.Equal(t, "alpha", rc.BestImprovement.ScenarioID)
	assert.Equal(t, "charlie", rc.WorstRegression.ScenarioID)
}

func TestCompareRunBatches_NoOverlap(t *testing.T) {
	rc := Default().CompareRunBatches([]*result.SimulationRun{run("a", 0.5)}, []*result.SimulationRun{run("b", 0.5)})
	assert.Empty(t, rc.Scenarios)
	assert.Empty(t, rc.DimensionSummary)
	assert.Equal(t, Stable, rc.Direction)
	assert.Nil(t, rc.BestImprovement)
	assert.Nil(t, rc.WorstRegression)
}

func TestCompareRunBatches_NoMovementHasNoHighlights(t *testing.T) {
	rc := Default().CompareRunBatches(
		[]*result.SimulationRun{run("a", 0.5)},
		[]*result.SimulationRun{run("a", 0.5)},
	)
	require.Len(t, rc.Scenarios, 1)
	assert.Nil(t, rc.BestImprovement)
	assert.Nil(t, rc.WorstRegression)
	assert.Equal(t, 1, rc.Stable)
}

func turns(scores ...result.TurnScores) []result.TurnResult {
	out := make([]result.TurnResult, len(scores))
	for i, s := range scores {
		out[i] = result.TurnResult{TurnNumber: i + 1, Scores: s}
	}
	return out
}

func TestFindTurnDeltas(t *testing.T) {
	before := run("dishes", 0.5)
	after := run("dishes", 0.5)
	before.TurnResults = turns(
		result.TurnScores{DeEscalation: 0.5, BlindSpotDetection: 0.5, TranslationQuality: 0.5, LensRelevance: 0.5, InsightDepth: 0.5},
		result.TurnScores{DeEscalation: 0.5, BlindSpotDetection: 0.5, TranslationQuality: 0.5, LensRelevance: 0.5, InsightDepth: 0.5},
		result.TurnScores{DeEscalation: 0.5, BlindSpotDetection: 0.5, TranslationQuality: 0.5, LensRelevance: 0.5, InsightDepth: 0.5},
	)
	after.TurnResults = turns(
		// Everything improves except one dimension that holds steady.
		result.TurnScores{DeEscalation: 1, BlindSpotDetection: 1, TranslationQuality: 0.5, LensRelevance: 1, InsightDepth: 1},
		// Blind spots drop the most.
		result.TurnScores{DeEscalation: 0.4, BlindSpotDetection: 0, TranslationQuality: 0.5, LensRelevance: 0.5, InsightDepth: 0.5},
	)

	deltas, err := Default().FindTurnDeltas(before, after)
	require.NoError(t, err)
	require.Len(t, deltas, 2, "turn 3 has no counterpart")

	assert.Equal(t, 2, deltas[0].TurnNumber)
	assert.Equal(t, -0.12, deltas[0].Delta)
	assert.Equal(t, result.BlindSpotDetection, deltas[0].WeakestDimension)
	assert.Equal(t, -0.5, deltas[0].WeakestDelta)

	assert.Equal(t, 1, deltas[1].TurnNumber)
	assert.Equal(t, 0.4, deltas[1].Delta)
	assert.Empty(t, deltas[1].WeakestDimension)
}

func TestFindTurnDeltas_Mismatch(t *testing.T) {
	_, err := Default().FindTurnDeltas(run("a", 0.5), run("b", 0.5))
	assert.ErrorIs(t, err, ErrScenarioMismatch)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	_, err := New(Config{DeadBand: -0.1})
	assert.Error(t, err)
}
