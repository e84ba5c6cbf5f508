package diagnosis

import (
	"context"
	"fmt"
)

// Severity grades how badly the mediator missed.
type Severity string

// Severities.
const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityCritical Severity = "critical"
)

// RootCause classifies why the mediator missed.
type RootCause string

// Root causes.
const (
	// CausePromptGap means the instructions never ask for the missed behavior.
	CausePromptGap RootCause = "prompt_gap"
	// CausePromptAmbiguity means the instructions ask for it unclearly.
	CausePromptAmbiguity RootCause = "prompt_ambiguity"
	// CauseSchemaMismatch means the output schema has no room for it.
	CauseSchemaMismatch RootCause = "schema_mismatch"
	// CauseContextInsufficient means the turn lacks the context to see it.
	CauseContextInsufficient RootCause = "context_insufficient"
)

// RootCauses lists every root cause in display order.
var RootCauses = []RootCause{CausePromptGap, CausePromptAmbiguity, CauseSchemaMismatch, CauseContextInsufficient}

// RegressionRisk is the critic's estimate of how likely an edit breaks other scenarios.
type RegressionRisk string

// Regression risks.
const (
	RiskLow    RegressionRisk = "low"
	RiskMedium RegressionRisk = "medium"
	RiskHigh   RegressionRisk = "high"
)

// Rank orders risks: low < medium < high. Unknown values rank as medium.
func (r RegressionRisk) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskHigh:
		return 3
	default:
		return 2
	}
}

// MaxRisk returns the higher of two risks.
func MaxRisk(a, b RegressionRisk) RegressionRisk {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// FailureDiagnosis explains one miss and proposes an instruction edit.
type FailureDiagnosis struct {
	Dimension       string    `json:"dimension"`
	Severity        Severity  `json:"severity"`
	RootCause       RootCause `json:"root_cause"`
	Explanation     string    `json:"explanation"`
	AffectedSection string    `json:"affected_section"`
	SuggestedEdit   string    `json:"suggested_edit"`
	Confidence      float64   `json:"confidence"`
}

// DiagnosisResult is the critic's review of one weak turn.
type DiagnosisResult struct {
	RunID             string             `json:"run_id"`
	ScenarioID        string             `json:"scenario_id"`
	ContextMode       string             `json:"context_mode"`
	TurnNumber        int                `json:"turn_number"`
	TurnMean          float64            `json:"turn_mean"`
	Failures          []FailureDiagnosis `json:"failures"`
	OverallAssessment string             `json:"overall_assessment"`
	RegressionRisk    RegressionRisk     `json:"regression_risk"`

	// Unparsed is set when the critic's response was not usable JSON.
	Unparsed bool `json:"unparsed,omitempty"`
}

// CompletionProvider is the critic call. It must accept a system prompt
// distinct from the mediator's own instructions.
type CompletionProvider interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Config bounds the diagnosis pass.
type Config struct {
	// Threshold is the five-dimension turn mean below which a turn is weak.
	Threshold float64 `json:"threshold" yaml:"threshold"`

	// MaxTurnsPerRun caps critic calls per run.
	MaxTurnsPerRun int `json:"max_turns_per_run" yaml:"max_turns_per_run"`

	// ExcerptLength bounds the raw response kept when parsing fails.
	ExcerptLength int `json:"excerpt_length" yaml:"excerpt_length"`
}

// DefaultConfig returns threshold 0.5, three turns per run and a 200-character excerpt.
func DefaultConfig() Config {
	return Config{
		Threshold:      0.5,
		MaxTurnsPerRun: 3,
		ExcerptLength:  200,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Threshold <= 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be in (0,1], got %v", c.Threshold)
	}
	if c.MaxTurnsPerRun < 1 {
		return fmt.Errorf("max_turns_per_run must be at least 1, got %d", c.MaxTurnsPerRun)
	}
	if c.ExcerptLength < 1 {
		return fmt.Errorf("excerpt_length must be at least 1, got %d", c.ExcerptLength)
	}
	return nil
}
