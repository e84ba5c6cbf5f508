package refinement

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/c360studio/backtest/diagnosis"
	"github.com/c360studio/backtest/instructions"
	"github.com/c360studio/backtest/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sectionFiles = map[string]string{
	"core/blind_spots.md": "List patterns each person cannot see in themselves.\n",
	"lenses/gottman.md":   "Look for the four horsemen.\n",
	"core/temperature.md": "Rate emotional temperature from 0 to 1.\n",
}

func registry(t *testing.T) *instructions.Registry {
	t.Helper()
	reg, err := instructions.NewRegistry(instructions.DefaultSections())
	require.NoError(t, err)
	return reg
}

func fd(section string, cause diagnosis.RootCause, confidence float64, edit string) diagnosis.FailureDiagnosis {
	return diagnosis.FailureDiagnosis{
		Dimension:       "blindSpotDetection",
		Severity:        diagnosis.SeverityModerate,
		RootCause:       cause,
		AffectedSection: section,
		SuggestedEdit:   edit,
		Confidence:      confidence,
	}
}

func sampleDiagnoses() []diagnosis.DiagnosisResult {
	return []diagnosis.DiagnosisResult{
		{
			RunID: "dishes-1", ScenarioID: "dishes", TurnNumber: 1,
			RegressionRisk: diagnosis.RiskLow,
			Failures: []diagnosis.FailureDiagnosis{
				fd("blind_spots", diagnosis.CausePromptGap, 0.9, "Name harsh startups."),
				fd("lens_gottman", diagnosis.CausePromptAmbiguity, 0.8, "Clarify criticism versus complaint."),
			},
		},
		{
			RunID: "bedtime-1", ScenarioID: "bedtime", TurnNumber: 3,
			RegressionRisk: diagnosis.RiskHigh,
			Failures: []diagnosis.FailureDiagnosis{
				fd("blind_spots", diagnosis.CausePromptAmbiguity, 0.7, "Ask for one blind spot per person."),
				fd("blind_spots", diagnosis.CausePromptGap, 0.8, "Mention stonewalling."),
				fd("ghost_section", diagnosis.CausePromptGap, 0.9, "Invent a section."),
				fd("observation", diagnosis.CausePromptGap, 0.9, "Observe more."),
				fd("temperature", diagnosis.CauseContextInsufficient, 0.1, "Guess harder."),
			},
		},
		{RunID: "chores-1", ScenarioID: "chores", TurnNumber: 2, Unparsed: true, Failures: []diagnosis.FailureDiagnosis{}},
	}
}

func TestGenerate(t *testing.T) {
	src := instructions.NewMemorySource(sectionFiles)
	planner, err := NewPlanner(registry(t), src, DefaultConfig(), nil)
	require.NoError(t, err)

	plan, err := planner.Generate(context.Background(), sampleDiagnoses())
	require.NoError(t, err)

	assert.Equal(t, 3, plan.DiagnosisCount)
	assert.Equal(t, 7, plan.FailureCount)
	require.Len(t, plan.Patches, 2)

	bs := plan.Patches[0]
	assert.Equal(t, "blind_spots", bs.SectionID)
	assert.Equal(t, "core/blind_spots.md", bs.File)
	assert.Equal(t, 0.8, bs.Confidence)
	assert.Equal(t, diagnosis.RiskHigh, bs.RegressionRisk, "highest risk among contributing diagnoses")
	assert.Equal(t, sectionFiles["core/blind_spots.md"], bs.CurrentText)
	assert.Len(t, bs.Failures, 3)
	assert.Equal(t, "Combined from 3 diagnoses:\n"+
		"\nprompt_gap:\n  - Name harsh startups.\n  - Mention stonewalling.\n"+
		"\nprompt_ambiguity:\n  - Ask for one blind spot per person.", bs.SuggestedEdit)

	g := plan.Patches[1]
	assert.Equal(t, "lens_gottman", g.SectionID)
	assert.Equal(t, "Clarify criticism versus complaint.", g.SuggestedEdit, "single failure passes through verbatim")
	assert.Equal(t, diagnosis.RiskLow, g.RegressionRisk)

	require.Len(t, plan.Skipped, 3)
	assert.Equal(t, "ghost_section", plan.Skipped[0].SectionID)
	assert.Equal(t, ReasonUnknownSection, plan.Skipped[0].Reason)
	assert.Equal(t, "observation", plan.Skipped[1].SectionID)
	assert.Contains(t, plan.Skipped[1].Reason, ReasonUnreadable)
	assert.Equal(t, "temperature", plan.Skipped[2].SectionID)
	assert.Equal(t, ReasonLowConfidence, plan.Skipped[2].Reason)
	assert.Equal(t, 0.1, plan.Skipped[2].Confidence)
}

func TestGenerate_SortsByConfidence(t *testing.T) {
	src := instructions.NewMemorySource(sectionFiles)
	planner, err := NewPlanner(registry(t), src, DefaultConfig(), nil)
	require.NoError(t, err)

	plan, err := planner.Generate(context.Background(), []diagnosis.DiagnosisResult{{
		RegressionRisk: diagnosis.RiskMedium,
		Failures: []diagnosis.FailureDiagnosis{
			fd("temperature", diagnosis.CausePromptGap, 0.4, "a"),
			fd("lens_gottman", diagnosis.CausePromptGap, 0.95, "b"),
			fd("blind_spots", diagnosis.CausePromptGap, 0.6, "c"),
		},
	}})
	require.NoError(t, err)

	var ids []string
	for _, p := range plan.Patches {
		ids = append(ids, p.SectionID)
	}
	assert.Equal(t, []string{"lens_gottman", "blind_spots", "temperature"}, ids)
}

func TestGenerate_SkipsSectionsWithoutEdits(t *testing.T) {
	src := instructions.NewMemorySource(sectionFiles)
	planner, err := NewPlanner(registry(t), src, DefaultConfig(), nil)
	require.NoError(t, err)

	plan, err := planner.Generate(context.Background(), []diagnosis.DiagnosisResult{{
		RegressionRisk: diagnosis.RiskLow,
		Failures: []diagnosis.FailureDiagnosis{
			fd("blind_spots", diagnosis.CausePromptGap, 0.9, ""),
			fd("blind_spots", diagnosis.CausePromptAmbiguity, 0.7, "   "),
			fd("lens_gottman", diagnosis.CausePromptGap, 0.8, "\n"),
			fd("temperature", diagnosis.CausePromptGap, 0.6, "Track the drop, not the level."),
		},
	}})
	require.NoError(t, err)

	require.Len(t, plan.Patches, 1)
	assert.Equal(t, "temperature", plan.Patches[0].SectionID)

	require.Len(t, plan.Skipped, 2)
	assert.Equal(t, "blind_spots", plan.Skipped[0].SectionID)
	assert.Equal(t, ReasonNoEdit, plan.Skipped[0].Reason)
	assert.Equal(t, 2, plan.Skipped[0].FailureCount)
	assert.Equal(t, 0.8, plan.Skipped[0].Confidence)
	assert.Equal(t, "lens_gottman", plan.Skipped[1].SectionID)
	assert.Equal(t, ReasonNoEdit, plan.Skipped[1].Reason)
}

func TestGenerate_NeverWritesSources(t *testing.T) {
	dir := t.TempDir()
	for name, content := range sectionFiles {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}

	planner, err := NewPlanner(registry(t), instructions.NewDirSource(dir), DefaultConfig(), nil)
	require.NoError(t, err)
	_, err = planner.Generate(context.Background(), sampleDiagnoses())
	require.NoError(t, err)

	for name, content := range sectionFiles {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(name)))
		require.NoError(t, err)
		assert.Equal(t, content, string(data), name)
	}
	_, err = os.Stat(filepath.Join(dir, storage.BackupsDir))
	assert.True(t, os.IsNotExist(err), "planning takes no backups")
}

func TestGenerate_EmptyInput(t *testing.T) {
	planner, err := NewPlanner(registry(t), instructions.NewMemorySource(nil), DefaultConfig(), nil)
	require.NoError(t, err)

	plan, err := planner.Generate(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, plan.Patches)
	assert.Empty(t, plan.Patches)
	assert.Empty(t, plan.Skipped)
}

func TestNewPlanner_Validates(t *testing.T) {
	_, err := NewPlanner(registry(t), instructions.NewMemorySource(nil), Config{ConfidenceFloor: 1.5}, nil)
	assert.Error(t, err)
	_, err = NewPlanner(nil, instructions.NewMemorySource(nil), DefaultConfig(), nil)
	assert.Error(t, err)
}

func gottmanPatch() PromptPatch {
	return PromptPatch{
		SectionID:     "lens_gottman",
		File:          "lenses/gottman.md",
		CurrentText:   sectionFiles["lenses/gottman.md"],
		SuggestedEdit: "Distinguish criticism from complaint.",
	}
}

func TestApply_BacksUpThenWrites(t *testing.T) {
	ctx := context.Background()
	src := instructions.NewMemorySource(sectionFiles)
	store := storage.NewMemoryStore()
	store.Sources["lenses/gottman.md"] = sectionFiles["lenses/gottman.md"]

	patch := gottmanPatch()
	backup, err := NewApplier(registry(t), src, store, nil).Apply(ctx, patch, patch.Patched())
	require.NoError(t, err)

	assert.Equal(t, sectionFiles["lenses/gottman.md"], store.Backups[backup])
	section, _ := registry(t).Lookup("lens_gottman")
	got, err := src.Read(ctx, section)
	require.NoError(t, err)
	assert.Equal(t, "Look for the four horsemen.\n\nDistinguish criticism from complaint.\n", got)
}

func TestApply_RefusesWithoutBackup(t *testing.T) {
	ctx := context.Background()
	src := instructions.NewMemorySource(sectionFiles)
	store := storage.NewMemoryStore()
	store.BackupErr = errors.New("read-only filesystem")

	patch := gottmanPatch()
	_, err := NewApplier(registry(t), src, store, nil).Apply(ctx, patch, "replaced")
	assert.ErrorIs(t, err, ErrBackupRequired)

	section, _ := registry(t).Lookup("lens_gottman")
	got, err := src.Read(ctx, section)
	require.NoError(t, err)
	assert.Equal(t, sectionFiles["lenses/gottman.md"], got)
}

func TestApply_RefusesStalePatch(t *testing.T) {
	ctx := context.Background()
	src := instructions.NewMemorySource(sectionFiles)
	store := storage.NewMemoryStore()
	store.Sources["lenses/gottman.md"] = sectionFiles["lenses/gottman.md"]

	patch := gottmanPatch()
	patch.CurrentText = "an older version"
	_, err := NewApplier(registry(t), src, store, nil).Apply(ctx, patch, "replaced")
	assert.ErrorIs(t, err, ErrStalePatch)
	assert.Empty(t, store.Backups)
}

func TestApply_UnknownSection(t *testing.T) {
	patch := gottmanPatch()
	patch.SectionID = "ghost"
	_, err := NewApplier(registry(t), instructions.NewMemorySource(sectionFiles), storage.NewMemoryStore(), nil).
		Apply(context.Background(), patch, "x")
	assert.ErrorIs(t, err, instructions.ErrUnknownSection)
}

func TestApply_FileStoreAndDirSource(t *testing.T) {
	ctx := context.Background()
	prompts := t.TempDir()
	results := t.TempDir()
	path := filepath.Join(prompts, "lenses", "gottman.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(sectionFiles["lenses/gottman.md"]), 0644))

	patch := gottmanPatch()
	backup, err := NewApplier(registry(t), instructions.NewDirSource(prompts), storage.NewFileStore(results, nil), nil).
		Apply(ctx, patch, patch.Patched())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(results, storage.BackupsDir), filepath.Dir(backup))
	old, err := os.ReadFile(backup)
	require.NoError(t, err)
	assert.Equal(t, sectionFiles["lenses/gottman.md"], string(old))

	updated, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(updated), "Distinguish criticism from complaint.")
}

func TestPlanFileRoundTrip(t *testing.T) {
	src := instructions.NewMemorySource(sectionFiles)
	planner, err := NewPlanner(registry(t), src, DefaultConfig(), nil)
	require.NoError(t, err)
	plan, err := planner.Generate(context.Background(), sampleDiagnoses())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "plans", "plan.json")
	require.NoError(t, SavePlan(path, plan))
	loaded, err := LoadPlan(path)
	require.NoError(t, err)
	assert.Equal(t, plan, loaded)

	p, ok := loaded.Patch("lens_gottman")
	assert.True(t, ok)
	assert.Equal(t, "lenses/gottman.md", p.File)
	_, ok = loaded.Patch("ghost")
	assert.False(t, ok)
}

func TestRenderPlan(t *testing.T) {
	src := instructions.NewMemorySource(sectionFiles)
	planner, err := NewPlanner(registry(t), src, DefaultConfig(), nil)
	require.NoError(t, err)
	plan, err := planner.Generate(context.Background(), sampleDiagnoses())
	require.NoError(t, err)

	out := RenderPlan(plan)
	assert.Contains(t, out, "# Refinement Plan")
	assert.Contains(t, out, "Nothing below has been applied.")
	assert.Contains(t, out, "## 1. blind_spots")
	assert.Contains(t, out, "- **Confidence**: 80%")
	assert.Contains(t, out, "- **Regression risk**: high")
	assert.Contains(t, out, "dishes turn 1 (prompt_gap)")
	assert.Contains(t, out, "- temperature: not worth the regression risk (1 failures)")
}
