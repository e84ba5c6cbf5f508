package refinement

import (
	"fmt"
	"strings"
)

// RenderPlan renders a plan as markdown for human review.
func RenderPlan(plan *RefinementPlan) string {
	var sb strings.Builder

	sb.WriteString("# Refinement Plan\n\n")
	fmt.Fprintf(&sb, "%d diagnoses, %d failures, %d patches, %d skipped.\n",
		plan.DiagnosisCount, plan.FailureCount, len(plan.Patches), len(plan.Skipped))
	sb.WriteString("\nNothing below has been applied. Review each patch, then run `backtest apply --confirm`.\n")

	for i, p := range plan.Patches {
		fmt.Fprintf(&sb, "\n## %d. %s\n\n", i+1, p.SectionID)
		if p.Location != "" {
			fmt.Fprintf(&sb, "- **File**: %s (%s)\n", p.File, p.Location)
		} else {
			fmt.Fprintf(&sb, "- **File**: %s\n", p.File)
		}
		fmt.Fprintf(&sb, "- **Confidence**: %.0f%%\n", p.Confidence*100)
		fmt.Fprintf(&sb, "- **Regression risk**: %s\n", p.RegressionRisk)
		fmt.Fprintf(&sb, "- **Evidence**: %s\n", evidence(p.Failures))

		sb.WriteString("\n### Suggested edit\n\n")
		sb.WriteString(p.SuggestedEdit)
		sb.WriteString("\n")
	}

	if len(plan.Skipped) > 0 {
		sb.WriteString("\n## Skipped\n\n")
		for _, s := range plan.Skipped {
			id := s.SectionID
			if id == "" {
				id = "(none)"
			}
			fmt.Fprintf(&sb, "- %s: %s (%d failures)\n", id, s.Reason, s.FailureCount)
		}
	}

	return sb.String()
}

func evidence(refs []FailureRef) string {
	parts := make([]string, 0, len(refs))
	for _, r := range refs {
		parts = append(parts, fmt.Sprintf("%s turn %d (%s)", r.ScenarioID, r.TurnNumber, r.RootCause))
	}
	return strings.Join(parts, "; ")
}
