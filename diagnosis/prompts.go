package diagnosis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360studio/backtest/result"
	"github.com/c360studio/backtest/scenario"
)

// SystemPrompt returns the meta-analyst instructions. They are written for a
// reviewer of the mediator and share nothing with the mediator's own prompt.
func SystemPrompt() string {
	return `You are a meta-analyst reviewing the output of a conflict-mediation assistant.

## Your Objective

A scripted conversation was replayed through the mediator. The scenario author planted
specific interpersonal patterns in it. The mediator's analysis of one turn scored poorly.
Explain why the mediator missed what it missed, and propose the smallest instruction edit
that would fix it without changing behavior on other conversations.

## Review Process

1. Compare the planted patterns against the mediator's analysis
2. Read the instruction sections the mediator was given for this turn
3. For each weak score dimension, decide whether the instructions never asked for the
   behavior, asked for it ambiguously, gave the output schema no place for it, or whether
   the turn itself did not contain enough context
4. Name the single instruction section an edit belongs in

## Root Causes

- **prompt_gap** - the instructions never ask for the missed behavior
- **prompt_ambiguity** - the instructions ask for it, but unclearly or in conflict with another section
- **schema_mismatch** - the output format has no field where the insight could be expressed
- **context_insufficient** - the conversation so far does not support the insight yet

## Output Format

Respond with JSON only:

` + "```json" + `
{
  "failures": [
    {
      "dimension": "blindSpotDetection",
      "severity": "minor" | "moderate" | "critical",
      "root_cause": "prompt_gap" | "prompt_ambiguity" | "schema_mismatch" | "context_insufficient",
      "explanation": "What the mediator missed and why",
      "affected_section": "section id from the list provided",
      "suggested_edit": "Exact text to add or change in that section",
      "confidence": 0.0
    }
  ],
  "overall_assessment": "One or two sentences",
  "regression_risk": "low" | "medium" | "high"
}
` + "```" + `

## Guidelines

- Only reference section ids that appear in the instruction sections provided
- Keep suggested edits minimal; never rewrite a whole section
- Use context_insufficient rather than inventing an instruction change when the turn is ambiguous
- Confidence is your probability that the edit fixes the miss, between 0 and 1
- Rate regression_risk high when the edit changes behavior beyond this pattern
`
}

// TurnReview is the material the critic sees for one weak turn.
type TurnReview struct {
	Scenario     *scenario.Scenario
	Turn         result.TurnResult
	Sections     []SectionText
	ContextMode  string
	Conversation []scenario.Turn
}

// SectionText is the current text of one active instruction section.
type SectionText struct {
	ID      string
	Content string
}

// UserPrompt renders the review request for one turn.
func UserPrompt(r TurnReview) string {
	var sb strings.Builder

	sb.WriteString("Review the mediator's analysis of the turn below.\n\n")

	sb.WriteString("## Planted Patterns (ground truth)\n\n")
	if len(r.Scenario.PlantedPatterns) == 0 {
		sb.WriteString("None.\n")
	}
	for _, p := range r.Scenario.PlantedPatterns {
		fmt.Fprintf(&sb, "- %s\n", p)
	}

	fmt.Fprintf(&sb, "\n## Conversation (context mode: %s)\n\n", r.ContextMode)
	for _, t := range r.Conversation {
		p := r.Scenario.Persona(t.Speaker)
		marker := ""
		if t.Number == r.Turn.TurnNumber {
			marker = "  <- under review"
		}
		fmt.Fprintf(&sb, "%d. %s: %s%s\n", t.Number, p.Name, t.Content, marker)
	}

	p := r.Scenario.Persona(r.Turn.Speaker)
	sb.WriteString("\n## Speaker\n\n")
	fmt.Fprintf(&sb, "Name: %s\n", p.Name)
	if p.Role != "" {
		fmt.Fprintf(&sb, "Role: %s\n", p.Role)
	}
	if p.Backstory != "" {
		fmt.Fprintf(&sb, "Backstory: %s\n", p.Backstory)
	}
	if p.EmotionalState != "" {
		fmt.Fprintf(&sb, "Emotional state: %s\n", p.EmotionalState)
	}
	if len(p.CommunicationPatterns) > 0 {
		fmt.Fprintf(&sb, "Communication patterns: %s\n", strings.Join(p.CommunicationPatterns, "; "))
	}

	sb.WriteString("\n## Mediator Analysis\n\n```json\n")
	if r.Turn.Analysis != nil {
		data, err := json.MarshalIndent(r.Turn.Analysis, "", "  ")
		if err == nil {
			sb.Write(data)
		}
	}
	sb.WriteString("\n```\n")

	sb.WriteString("\n## Scores\n\n")
	for _, d := range result.Dimensions {
		fmt.Fprintf(&sb, "- %s: %.2f\n", d, r.Turn.Scores.Get(d))
	}
	fmt.Fprintf(&sb, "- mean: %.2f\n", r.Turn.Scores.Mean())

	sb.WriteString("\n## Active Instruction Sections\n")
	for _, s := range r.Sections {
		fmt.Fprintf(&sb, "\n### %s\n\n%s\n", s.ID, strings.TrimSpace(s.Content))
	}

	return sb.String()
}
