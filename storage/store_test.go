package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/backtest/lens"
	"github.com/c360studio/backtest/mediator"
	"github.com/c360studio/backtest/result"
	"github.com/c360studio/backtest/scenario"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

func sampleRun(scenarioID string, offset time.Duration) *result.SimulationRun {
	ts := base.Add(offset)
	return &result.SimulationRun{
		ID:           scenarioID + "-" + ts.Format("20060102T150405.000Z"),
		ScenarioID:   scenarioID,
		ContextMode:  "family",
		Batch:        "nightly",
		ActiveLenses: []lens.ID{lens.Gottman, lens.FamilySystems},
		TurnResults: []result.TurnResult{{
			TurnNumber: 1,
			Speaker:    scenario.PersonA,
			Analysis: &mediator.Analysis{
				Observation:          "Maya raises her voice",
				BlindSpots:           []string{"harsh startup"},
				UnmetNeeds:           []string{"support"},
				NVCTranslation:       "I feel alone and I need help.",
				EmotionalTemperature: 0.7,
				Lenses: map[lens.ID]mediator.LensResult{
					lens.Gottman: {"horseman": "criticism", "note": "startup"},
				},
				Meta: mediator.Meta{
					ActiveLenses:   []lens.ID{lens.Gottman, lens.FamilySystems},
					PrimaryInsight: "A bid for partnership",
					Severity:       0.6,
				},
			},
			Scores: result.TurnScores{DeEscalation: 0.5, BlindSpotDetection: 1, TranslationQuality: 0.85, LensRelevance: 1, InsightDepth: 0.6},
		}},
		Aggregate: result.AggregateScore{
			Overall:               0.79,
			PatternCoverage:       1,
			AvgTranslationQuality: 0.85,
			AvgInsightDepth:       0.6,
			ResolutionArc:         result.ArcStable,
		},
		Timestamp:    ts,
		SkippedTurns: []int{2},
	}
}

// storeFactories runs every contract test against both implementations.
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"file":   func() Store { return NewFileStore(t.TempDir(), nil) },
		"memory": func() Store { return NewMemoryStore() },
	}
}

func TestStore_RoundTrip(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()
			run := sampleRun("dishes", 0)

			require.NoError(t, s.Save(ctx, run))

			got, found, err := s.Load(ctx, "family", run.ID)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, run, got)
		})
	}
}

func TestStore_NeverOverwrites(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()
			run := sampleRun("dishes", 0)

			require.NoError(t, s.Save(ctx, run))
			err := s.Save(ctx, run)
			assert.ErrorIs(t, err, ErrRunExists)
		})
	}
}

func TestStore_MissingIsNotFound(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()

			run, found, err := s.Load(ctx, "family", "nope-20260101T000000.000Z")
			require.NoError(t, err)
			assert.False(t, found)
			assert.Nil(t, run)

			_, found, err = s.LoadBaseline(ctx, "family")
			require.NoError(t, err)
			assert.False(t, found)

			ids, err := s.List(ctx, "family")
			require.NoError(t, err)
			assert.Empty(t, ids)
		})
	}
}

func TestStore_RejectsUnsafeIDs(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()

			for _, bad := range []string{"", "../etc", "a/b", "_baselines", ".hidden"} {
				_, _, err := s.Load(ctx, bad, "x")
				assert.ErrorIs(t, err, ErrInvalidID, "mode %q", bad)
				_, _, err = s.Load(ctx, "family", bad)
				assert.ErrorIs(t, err, ErrInvalidID, "id %q", bad)
			}

			run := sampleRun("dishes", 0)
			run.ContextMode = "../../tmp"
			assert.ErrorIs(t, s.Save(ctx, run), ErrInvalidID)
		})
	}
}

func TestStore_ListAndBatchNewestFirst(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()

			older := sampleRun("dishes", 0)
			newer := sampleRun("dishes", time.Hour)
			other := sampleRun("bedtime", 30*time.Minute)
			for _, r := range []*result.SimulationRun{older, other, newer} {
				require.NoError(t, s.Save(ctx, r))
			}

			ids, err := s.List(ctx, "family")
			require.NoError(t, err)
			assert.Equal(t, []string{newer.ID, older.ID, other.ID}, ids)

			runs, err := s.LoadBatch(ctx, "family")
			require.NoError(t, err)
			require.Len(t, runs, 3)
			assert.Equal(t, newer.ID, runs[0].ID)
			assert.Equal(t, other.ID, runs[1].ID)
			assert.Equal(t, older.ID, runs[2].ID)
		})
	}
}

func TestStore_Baseline(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()

			first := sampleRun("dishes", 0)
			second := sampleRun("dishes", time.Hour)
			require.NoError(t, s.SaveBaseline(ctx, first))
			require.NoError(t, s.SaveBaseline(ctx, second))

			got, found, err := s.LoadBaseline(ctx, "family")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, second, got)
		})
	}
}

func TestFileStore_Layout(t *testing.T) {
	root := t.TempDir()
	s := NewFileStore(root, nil)
	ctx := context.Background()
	run := sampleRun("dishes", 0)

	require.NoError(t, s.Save(ctx, run))
	require.NoError(t, s.SaveBaseline(ctx, run))

	assert.FileExists(t, filepath.Join(root, "family", run.ID+".json"))
	assert.FileExists(t, filepath.Join(root, "_baselines", "family-baseline.json"))
}

func TestFileStore_CorruptFileIsNotFound(t *testing.T) {
	root := t.TempDir()
	s := NewFileStore(root, nil)
	ctx := context.Background()

	good := sampleRun("dishes", 0)
	require.NoError(t, s.Save(ctx, good))
	require.NoError(t, os.WriteFile(filepath.Join(root, "family", "broken-1.json"), []byte("{not json"), 0644))

	_, found, err := s.Load(ctx, "family", "broken-1")
	require.NoError(t, err)
	assert.False(t, found)

	runs, err := s.LoadBatch(ctx, "family")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, good.ID, runs[0].ID)
}

func TestFileStore_Backup(t *testing.T) {
	root := t.TempDir()
	s := NewFileStore(root, nil)
	s.now = func() time.Time { return base }

	src := filepath.Join(t.TempDir(), "blind-spots.md")
	require.NoError(t, os.WriteFile(src, []byte("Look for pursue-withdraw cycles."), 0644))

	first, err := s.Backup(context.Background(), src)
	require.NoError(t, err)
	second, err := s.Backup(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "_prompt-backups", "blind-spots.md.20260510T080000.000Z.bak"), first)
	assert.NotEqual(t, first, second)
	for _, p := range []string{first, second} {
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Equal(t, "Look for pursue-withdraw cycles.", string(data))
	}

	_, err = s.Backup(context.Background(), filepath.Join(root, "missing.md"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestMemoryStore_Backup(t *testing.T) {
	m := NewMemoryStore()
	m.Sources["prompts/core.md"] = "core"

	loc, err := m.Backup(context.Background(), "prompts/core.md")
	require.NoError(t, err)
	assert.Equal(t, "core", m.Backups[loc])

	_, err = m.Backup(context.Background(), "prompts/other.md")
	assert.ErrorIs(t, err, os.ErrNotExist)

	m.BackupErr = errors.New("read-only filesystem")
	_, err = m.Backup(context.Background(), "prompts/core.md")
	assert.Error(t, err)
}

func TestSelectionHelpers(t *testing.T) {
	a1 := sampleRun("alpha", 0)
	a2 := sampleRun("alpha", time.Hour)
	b1 := sampleRun("bravo", 10*time.Minute)
	b1.Batch = "before"
	a1.Batch = "before"
	a2.Batch = "after"
	runs := []*result.SimulationRun{a2, b1, a1}

	latest := LatestPerScenario(runs)
	require.Len(t, latest, 2)
	assert.Equal(t, a2.ID, latest[0].ID)
	assert.Equal(t, b1.ID, latest[1].ID)

	assert.Equal(t, []*result.SimulationRun{b1, a1}, FilterBatch(runs, "before"))
	assert.Equal(t, []string{"after", "before"}, Batches(runs))
}

func TestValidateSegment(t *testing.T) {
	for _, ok := range []string{"family", "workplace_peer", "dishes-20260510T080000.000Z"} {
		assert.NoError(t, ValidateSegment(ok), ok)
	}
	for _, bad := range []string{"", "a..b", "a/b", `a\b`, "-lead", strings.Repeat("x", 129)} {
		assert.ErrorIs(t, ValidateSegment(bad), ErrInvalidID, bad)
	}
}
