// Package report renders runs, batches, comparisons and diagnoses as
// deterministic plain text for a terminal or a markdown file.
package report

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/c360studio/backtest/comparison"
	"github.com/c360studio/backtest/diagnosis"
	"github.com/c360studio/backtest/lens"
	"github.com/c360studio/backtest/result"
)

// BarWidth is the number of cells in a score bar.
const BarWidth = 20

// Bar renders v in [0,1] as a fixed-width bar of filled and empty cells.
func Bar(v float64) string {
	filled := int(math.Round(math.Max(0, math.Min(1, v)) * BarWidth))
	return strings.Repeat("█", filled) + strings.Repeat("░", BarWidth-filled)
}

// Percent renders v in [0,1] as a whole percentage.
func Percent(v float64) string {
	return fmt.Sprintf("%3.0f%%", v*100)
}

// Signed renders a delta with an explicit sign.
func Signed(v float64) string {
	return fmt.Sprintf("%+.3f", v)
}

func scoreLine(sb *strings.Builder, label string, v float64) {
	fmt.Fprintf(sb, "  %-24s %s %s\n", label, Bar(v), Percent(v))
}

// Generator renders reports, using the lens catalog for readable lens names.
type Generator struct {
	catalog lens.Catalog
}

// New creates a Generator. A nil catalog uses lens.DefaultCatalog.
func New(catalog lens.Catalog) *Generator {
	if catalog == nil {
		catalog = lens.DefaultCatalog()
	}
	return &Generator{catalog: catalog}
}

// RenderRun renders one simulation run.
func (g *Generator) RenderRun(run *result.SimulationRun) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "=== %s ===\n", run.ScenarioID)
	fmt.Fprintf(&sb, "Run:     %s\n", run.ID)
	fmt.Fprintf(&sb, "Mode:    %s\n", run.ContextMode)
	if run.Batch != "" {
		fmt.Fprintf(&sb, "Batch:   %s\n", run.Batch)
	}
	names := make([]string, 0, len(run.ActiveLenses))
	for _, id := range run.ActiveLenses {
		names = append(names, g.catalog.DisplayName(id))
	}
	fmt.Fprintf(&sb, "Lenses:  %s\n", strings.Join(names, ", "))
	fmt.Fprintf(&sb, "Turns:   %d scored", len(run.TurnResults))
	if len(run.SkippedTurns) > 0 {
		fmt.Fprintf(&sb, ", %d skipped %v", len(run.SkippedTurns), run.SkippedTurns)
	}
	sb.WriteString("\n")
	if run.Aborted != "" {
		fmt.Fprintf(&sb, "Aborted: %s\n", run.Aborted)
	}

	a := run.Aggregate
	sb.WriteString("\nAggregate\n")
	scoreLine(&sb, "Overall", a.Overall)
	scoreLine(&sb, "De-escalation rate", a.DeEscalationRate)
	scoreLine(&sb, "Pattern coverage", a.PatternCoverage)
	scoreLine(&sb, "Translation quality", a.AvgTranslationQuality)
	scoreLine(&sb, "Insight depth", a.AvgInsightDepth)
	fmt.Fprintf(&sb, "  %-24s %s\n", "Resolution arc", a.ResolutionArc)

	if len(run.TurnResults) > 0 {
		sb.WriteString("\nTurns\n")
		for _, t := range run.TurnResults {
			temp := 0.0
			var fired []string
			if t.Analysis != nil {
				temp = t.Analysis.EmotionalTemperature
				for _, id := range t.Analysis.PopulatedLenses() {
					fired = append(fired, g.catalog.ShortName(id))
				}
			}
			fmt.Fprintf(&sb, "  %2d %-8s %s %s  temp %.2f", t.TurnNumber, t.Speaker, Bar(t.Scores.Mean()), Percent(t.Scores.Mean()), temp)
			if len(fired) > 0 {
				fmt.Fprintf(&sb, "  [%s]", strings.Join(fired, ", "))
			}
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

// RenderBatch renders a summary of many runs with the best and worst scenario.
func (g *Generator) RenderBatch(title string, runs []*result.SimulationRun) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "=== %s ===\n", title)
	if len(runs) == 0 {
		sb.WriteString("No runs.\n")
		return sb.String()
	}

	sorted := make([]*result.SimulationRun, len(runs))
	copy(sorted, runs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ScenarioID < sorted[j].ScenarioID })

	var sum result.AggregateScore
	arcs := make(map[result.ResolutionArc]int)
	best, worst := sorted[0], sorted[0]
	for _, r := range sorted {
		fmt.Fprintf(&sb, "  %-28s %s %s  %s\n", r.ScenarioID, Bar(r.Aggregate.Overall), Percent(r.Aggregate.Overall), r.Aggregate.ResolutionArc)
		sum.Overall += r.Aggregate.Overall
		sum.DeEscalationRate += r.Aggregate.DeEscalationRate
		sum.PatternCoverage += r.Aggregate.PatternCoverage
		sum.AvgTranslationQuality += r.Aggregate.AvgTranslationQuality
		sum.AvgInsightDepth += r.Aggregate.AvgInsightDepth
		arcs[r.Aggregate.ResolutionArc]++
		if r.Aggregate.Overall > best.Aggregate.Overall {
			best = r
		}
		if r.Aggregate.Overall < worst.Aggregate.Overall {
			worst = r
		}
	}

	n := float64(len(sorted))
	fmt.Fprintf(&sb, "\nAverages over %d runs\n", len(sorted))
	scoreLine(&sb, "Overall", sum.Overall/n)
	scoreLine(&sb, "De-escalation rate", sum.DeEscalationRate/n)
	scoreLine(&sb, "Pattern coverage", sum.PatternCoverage/n)
	scoreLine(&sb, "Translation quality", sum.AvgTranslationQuality/n)
	scoreLine(&sb, "Insight depth", sum.AvgInsightDepth/n)

	fmt.Fprintf(&sb, "\nArcs: resolved %d, improved %d, stable %d, worsened %d\n",
		arcs[result.ArcResolved], arcs[result.ArcImproved], arcs[result.ArcStable], arcs[result.ArcWorsened])
	fmt.Fprintf(&sb, "Best:  %s (%s)\n", best.ScenarioID, Percent(best.Aggregate.Overall))
	fmt.Fprintf(&sb, "Worst: %s (%s)\n", worst.ScenarioID, Percent(worst.Aggregate.Overall))

	return sb.String()
}

// RenderComparison renders a batch comparison.
func (g *Generator) RenderComparison(rc comparison.RunComparison) string {
	var sb strings.Builder

	sb.WriteString("=== Comparison ===\n")
	fmt.Fprintf(&sb, "Scenarios compared: %d (improved %d, regressed %d, stable %d)\n",
		len(rc.Scenarios), rc.Improved, rc.Regressed, rc.Stable)
	if len(rc.Unmatched) > 0 {
		fmt.Fprintf(&sb, "Unmatched: %s\n", strings.Join(rc.Unmatched, ", "))
	}
	if len(rc.Scenarios) == 0 {
		return sb.String()
	}
	fmt.Fprintf(&sb, "Overall: %s %s\n", Signed(rc.OverallDelta), rc.Direction)

	sb.WriteString("\nDimensions\n")
	for _, d := range rc.DimensionSummary {
		fmt.Fprintf(&sb, "  %-24s %s -> %s  %s  %s\n", d.Metric, Percent(d.Before), Percent(d.After), Signed(d.Delta), marker(d.Direction))
	}

	sb.WriteString("\nScenarios\n")
	for _, sc := range rc.Scenarios {
		fmt.Fprintf(&sb, "  %-28s %s -> %s  %s  %s\n", sc.ScenarioID,
			Percent(sc.Overall.Before), Percent(sc.Overall.After), Signed(sc.Overall.Delta), marker(sc.Overall.Direction))
	}

	sb.WriteString("\n")
	if rc.BestImprovement != nil {
		fmt.Fprintf(&sb, "Best improvement: %s (%s)\n", rc.BestImprovement.ScenarioID, Signed(rc.BestImprovement.Overall.Delta))
	} else {
		sb.WriteString("Best improvement: none\n")
	}
	if rc.WorstRegression != nil {
		fmt.Fprintf(&sb, "Worst regression: %s (%s)\n", rc.WorstRegression.ScenarioID, Signed(rc.WorstRegression.Overall.Delta))
	} else {
		sb.WriteString("Worst regression: none\n")
	}

	return sb.String()
}

// RenderTurnDeltas renders per-turn changes between two runs of one scenario.
func (g *Generator) RenderTurnDeltas(scenarioID string, deltas []comparison.TurnDelta) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "=== Turn deltas: %s ===\n", scenarioID)
	if len(deltas) == 0 {
		sb.WriteString("No matching turns.\n")
		return sb.String()
	}
	for _, d := range deltas {
		fmt.Fprintf(&sb, "  turn %2d  %s -> %s  %s", d.TurnNumber, Percent(d.Before), Percent(d.After), Signed(d.Delta))
		if d.WeakestDimension != "" {
			fmt.Fprintf(&sb, "  weakest: %s (%s)", d.WeakestDimension, Signed(d.WeakestDelta))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// RenderDiagnoses renders critic results grouped by run.
func (g *Generator) RenderDiagnoses(results []diagnosis.DiagnosisResult) string {
	var sb strings.Builder

	sb.WriteString("=== Diagnoses ===\n")
	if len(results) == 0 {
		sb.WriteString("No weak turns diagnosed.\n")
		return sb.String()
	}

	for _, r := range results {
		fmt.Fprintf(&sb, "\n%s turn %d (mean %s, risk %s)\n", r.ScenarioID, r.TurnNumber, Percent(r.TurnMean), r.RegressionRisk)
		if r.OverallAssessment != "" {
			fmt.Fprintf(&sb, "  %s\n", r.OverallAssessment)
		}
		for _, f := range r.Failures {
			fmt.Fprintf(&sb, "  - [%s] %s in %s (%s, confidence %s)\n",
				f.Severity, f.RootCause, f.AffectedSection, f.Dimension, Percent(f.Confidence))
			if f.Explanation != "" {
				fmt.Fprintf(&sb, "      why:  %s\n", f.Explanation)
			}
			if f.SuggestedEdit != "" {
				fmt.Fprintf(&sb, "      edit: %s\n", f.SuggestedEdit)
			}
		}
	}
	return sb.String()
}

func marker(d comparison.Direction) string {
	switch d {
	case comparison.Improved:
		return "▲ improved"
	case comparison.Regressed:
		return "▼ regressed"
	}
	return "= stable"
}
