package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/backtest/lens"
	"github.com/c360studio/backtest/mediator"
	"github.com/c360studio/backtest/metrics"
	"github.com/c360studio/backtest/result"
	"github.com/c360studio/backtest/scenario"
	"github.com/c360studio/backtest/scoring"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2026, 4, 2, 9, 30, 15, 123456789, time.UTC)

func testScenario(id string) scenario.Scenario {
	return scenario.Scenario{
		ID:              id,
		Category:        "family",
		PersonaA:        scenario.Persona{Name: "Maya"},
		PersonaB:        scenario.Persona{Name: "Sam"},
		PlantedPatterns: []string{"Harsh startup criticism"},
		Turns: []scenario.Turn{
			{Speaker: scenario.PersonA, Content: "You never help with anything.", Number: 1},
			{Speaker: scenario.PersonB, Content: "That's not fair and you know it.", Number: 2},
			{Speaker: scenario.PersonA, Content: "Okay. I'm just exhausted.", Number: 3},
		},
	}
}

func analysisJSON(temp float64) string {
	return fmt.Sprintf(`{"emotional_temperature": %v, "subtext": "harsh startup with criticism", "meta": {"severity": 0.5}}`, temp)
}

// scriptedMediator answers by turn content and records every request.
type scriptedMediator struct {
	replies  map[string]string
	failures map[string]error
	requests []mediator.Request
}

func (s *scriptedMediator) Mediate(_ context.Context, req mediator.Request) (string, error) {
	s.requests = append(s.requests, req)
	if err, ok := s.failures[req.Message]; ok {
		return "", err
	}
	return s.replies[req.Message], nil
}

func newTestRunner(m mediator.Mediator, opts ...Option) *Runner {
	opts = append([]Option{WithClock(func() time.Time { return fixedTime })}, opts...)
	return New(m, mediator.NewJSONParser(lens.DefaultTable()), scoring.Default(), lens.DefaultTable(), opts...)
}

func TestRun_ScoresEveryTurn(t *testing.T) {
	sc := testScenario("dishes")
	m := &scriptedMediator{replies: map[string]string{
		sc.Turns[0].Content: analysisJSON(0.8),
		sc.Turns[1].Content: analysisJSON(0.75),
		sc.Turns[2].Content: analysisJSON(0.4),
	}}

	run, err := newTestRunner(m).Run(context.Background(), &sc, "")
	require.NoError(t, err)

	assert.Equal(t, "dishes-20260402T093015.123Z", run.ID)
	assert.Equal(t, fixedTime.Truncate(time.Millisecond), run.Timestamp)
	assert.Equal(t, "family", run.ContextMode)
	assert.Equal(t, lens.DefaultTable().ActiveLenses("family"), run.ActiveLenses)
	require.Len(t, run.TurnResults, 3)
	assert.Empty(t, run.SkippedTurns)
	assert.Empty(t, run.Aborted)

	assert.Equal(t, 0.5, run.TurnResults[0].Scores.DeEscalation)
	assert.Equal(t, 0.6, run.TurnResults[1].Scores.DeEscalation)
	assert.Equal(t, 1.0, run.TurnResults[2].Scores.DeEscalation)
	assert.Equal(t, 1.0, run.Aggregate.PatternCoverage)
	assert.Equal(t, result.ArcResolved, run.Aggregate.ResolutionArc)

	// History grows and never includes the message being mediated.
	require.Len(t, m.requests, 3)
	assert.Empty(t, m.requests[0].History)
	assert.Len(t, m.requests[2].History, 2)
	assert.Equal(t, "Sam", m.requests[1].SenderName)
	assert.Equal(t, "Maya", m.requests[1].OtherName)
	assert.Equal(t, scenario.PersonB, m.requests[1].SenderID)
}

func TestRun_UnparseableTurnStaysInHistory(t *testing.T) {
	sc := testScenario("dishes")
	m := &scriptedMediator{replies: map[string]string{
		sc.Turns[0].Content: analysisJSON(0.8),
		sc.Turns[1].Content: "I could not produce an analysis for this message.",
		sc.Turns[2].Content: analysisJSON(0.5),
	}}

	run, err := newTestRunner(m).Run(context.Background(), &sc, "family")
	require.NoError(t, err)

	require.Len(t, run.TurnResults, 2)
	assert.Equal(t, 1, run.TurnResults[0].TurnNumber)
	assert.Equal(t, 3, run.TurnResults[1].TurnNumber)
	assert.Equal(t, []int{2}, run.SkippedTurns)

	var contents []string
	for _, h := range m.requests[2].History {
		contents = append(contents, h.Content)
	}
	assert.Contains(t, contents, sc.Turns[1].Content)

	// Turn 3 is compared against turn 1, the previous scored turn: 0.8 → 0.5.
	assert.Equal(t, 1.0, run.TurnResults[1].Scores.DeEscalation)
}

func TestRun_MediationFailureReturnsPartialRun(t *testing.T) {
	sc := testScenario("dishes")
	boom := errors.New("provider unavailable")
	m := &scriptedMediator{
		replies:  map[string]string{sc.Turns[0].Content: analysisJSON(0.6)},
		failures: map[string]error{sc.Turns[1].Content: boom},
	}
	rec := metrics.New()

	run, err := newTestRunner(m, WithMetrics(rec)).Run(context.Background(), &sc, "family")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMediationFailed)
	assert.ErrorIs(t, err, boom)

	require.NotNil(t, run)
	require.Len(t, run.TurnResults, 1)
	assert.Contains(t, run.Aborted, "turn 2")
	assert.Len(t, m.requests, 2, "no calls after the failure")
	assert.NotZero(t, run.Aggregate.Overall)

	n, err := testutil.GatherAndCount(rec.Registry(), "backtest_mediation_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRun_CancelledContext(t *testing.T) {
	sc := testScenario("dishes")
	m := &scriptedMediator{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := newTestRunner(m).Run(ctx, &sc, "family")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, m.requests)
	assert.Equal(t, result.ArcStable, run.Aggregate.ResolutionArc)
}

func TestRunBatch_SequentialWithSink(t *testing.T) {
	a, b, c := testScenario("alpha"), testScenario("bravo"), testScenario("charlie")
	boom := errors.New("rate limited")

	m := mediator.MediatorFunc(func(_ context.Context, req mediator.Request) (string, error) {
		if req.Message == b.Turns[0].Content && len(req.History) == 0 && strings.HasPrefix(req.SenderName, "Bravo") {
			return "", boom
		}
		return analysisJSON(0.5), nil
	})
	b.PersonaA.Name = "Bravo-Maya"

	var stored []string
	sink := func(_ context.Context, run *result.SimulationRun) error {
		assert.Equal(t, "nightly", run.Batch)
		stored = append(stored, run.ScenarioID)
		return nil
	}

	runs, err := newTestRunner(m).RunBatch(context.Background(), []scenario.Scenario{a, b, c}, "", "nightly", sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, stored)
	require.Len(t, runs, 3)
	assert.Empty(t, runs[1].TurnResults)
	assert.NotEmpty(t, runs[1].Aborted)
	assert.Len(t, runs[2].TurnResults, 3)
}

func TestRunBatch_SinkErrorStops(t *testing.T) {
	m := mediator.MediatorFunc(func(context.Context, mediator.Request) (string, error) {
		return analysisJSON(0.5), nil
	})
	diskFull := errors.New("disk full")
	calls := 0
	sink := func(context.Context, *result.SimulationRun) error {
		calls++
		return diskFull
	}

	runs, err := newTestRunner(m).RunBatch(context.Background(),
		[]scenario.Scenario{testScenario("alpha"), testScenario("bravo")}, "family", "b1", sink)
	assert.ErrorIs(t, err, diskFull)
	assert.Empty(t, runs)
	assert.Equal(t, 1, calls)
}
