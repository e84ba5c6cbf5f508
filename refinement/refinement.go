// Package refinement turns critic diagnoses into proposed instruction edits.
//
// The planner only proposes. Writing a patch is a separate, explicitly
// confirmed step (Applier) that always backs up the section file first.
package refinement

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/c360studio/backtest/diagnosis"
	"github.com/c360studio/backtest/instructions"
	"github.com/c360studio/backtest/scoring"
)

// Skip reasons.
const (
	ReasonUnknownSection = "unknown instruction section"
	ReasonUnreadable     = "instruction section could not be read"
	ReasonLowConfidence  = "not worth the regression risk"
	ReasonNoEdit         = "no diagnosis suggested an edit"
)

// Config holds the planner thresholds.
type Config struct {
	// ConfidenceFloor is the mean failure confidence below which a section is skipped.
	ConfidenceFloor float64 `json:"confidence_floor" yaml:"confidence_floor"`
}

// DefaultConfig returns a 0.3 confidence floor.
func DefaultConfig() Config {
	return Config{ConfidenceFloor: 0.3}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ConfidenceFloor < 0 || c.ConfidenceFloor > 1 {
		return fmt.Errorf("confidence_floor must be in [0,1], got %v", c.ConfidenceFloor)
	}
	return nil
}

// FailureRef points at the diagnosis a failure came from.
type FailureRef struct {
	RunID      string              `json:"run_id"`
	ScenarioID string              `json:"scenario_id"`
	TurnNumber int                 `json:"turn_number"`
	RootCause  diagnosis.RootCause `json:"root_cause"`
	Confidence float64             `json:"confidence"`
}

// PromptPatch is one proposed edit to one instruction section.
type PromptPatch struct {
	SectionID      string                   `json:"section_id"`
	File           string                   `json:"file"`
	Location       string                   `json:"location,omitempty"`
	CurrentText    string                   `json:"current_text"`
	SuggestedEdit  string                   `json:"suggested_edit"`
	Confidence     float64                  `json:"confidence"`
	RegressionRisk diagnosis.RegressionRisk `json:"regression_risk"`
	Failures       []FailureRef             `json:"failures"`
}

// Patched returns the section text with the suggested edit appended, the
// default content the apply step writes.
func (p PromptPatch) Patched() string {
	return strings.TrimRight(p.CurrentText, "\n") + "\n\n" + strings.TrimSpace(p.SuggestedEdit) + "\n"
}

// SkippedSection records a section that got no patch, and why.
type SkippedSection struct {
	SectionID    string  `json:"section_id"`
	Reason       string  `json:"reason"`
	FailureCount int     `json:"failure_count"`
	Confidence   float64 `json:"confidence,omitempty"`
}

// RefinementPlan is the reviewable output of the planner. It is never applied automatically.
type RefinementPlan struct {
	Patches        []PromptPatch    `json:"patches"`
	Skipped        []SkippedSection `json:"skipped,omitempty"`
	DiagnosisCount int              `json:"diagnosis_count"`
	FailureCount   int              `json:"failure_count"`
}

// Planner groups failures by instruction section and synthesizes one patch per section.
type Planner struct {
	registry *instructions.Registry
	source   instructions.Source
	cfg      Config
	logger   *slog.Logger
}

// NewPlanner creates a Planner. source is only read.
func NewPlanner(registry *instructions.Registry, source instructions.Source, cfg Config, logger *slog.Logger) (*Planner, error) {
	if registry == nil || source == nil {
		return nil, fmt.Errorf("instruction registry and source are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{registry: registry, source: source, cfg: cfg, logger: logger}, nil
}

type failure struct {
	diagnosis.FailureDiagnosis
	ref  FailureRef
	risk diagnosis.RegressionRisk
}

// Generate builds a plan from diagnoses. Sections are considered in the order
// they are first implicated; patches are returned by descending confidence.
func (p *Planner) Generate(ctx context.Context, diagnoses []diagnosis.DiagnosisResult) (*RefinementPlan, error) {
	plan := &RefinementPlan{Patches: []PromptPatch{}, DiagnosisCount: len(diagnoses)}

	groups := make(map[string][]failure)
	var order []string
	for _, d := range diagnoses {
		for _, f := range d.Failures {
			plan.FailureCount++
			id := strings.TrimSpace(f.AffectedSection)
			if _, ok := groups[id]; !ok {
				order = append(order, id)
			}
			groups[id] = append(groups[id], failure{
				FailureDiagnosis: f,
				risk:             d.RegressionRisk,
				ref: FailureRef{
					RunID:      d.RunID,
					ScenarioID: d.ScenarioID,
					TurnNumber: d.TurnNumber,
					RootCause:  f.RootCause,
					Confidence: f.Confidence,
				},
			})
		}
	}

	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		group := groups[id]

		section, ok := p.registry.Lookup(id)
		if !ok {
			plan.skip(id, ReasonUnknownSection, len(group), 0)
			continue
		}

		current, err := p.source.Read(ctx, section)
		if err != nil {
			p.logger.Warn("Skipping unreadable instruction section", "section", id, "error", err)
			plan.skip(id, fmt.Sprintf("%s: %v", ReasonUnreadable, err), len(group), 0)
			continue
		}

		confidence := meanConfidence(group)
		if confidence < p.cfg.ConfidenceFloor {
			plan.skip(id, ReasonLowConfidence, len(group), confidence)
			continue
		}

		edit := synthesize(group)
		if edit == "" {
			plan.skip(id, ReasonNoEdit, len(group), confidence)
			continue
		}

		patch := PromptPatch{
			SectionID:      section.ID,
			File:           section.File,
			Location:       section.Location,
			CurrentText:    current,
			SuggestedEdit:  edit,
			Confidence:     confidence,
			RegressionRisk: diagnosis.RiskLow,
		}
		for _, f := range group {
			patch.RegressionRisk = diagnosis.MaxRisk(patch.RegressionRisk, f.risk)
			patch.Failures = append(patch.Failures, f.ref)
		}
		plan.Patches = append(plan.Patches, patch)
	}

	sort.SliceStable(plan.Patches, func(i, j int) bool {
		return plan.Patches[i].Confidence > plan.Patches[j].Confidence
	})

	p.logger.Info("Generated refinement plan",
		"diagnoses", plan.DiagnosisCount,
		"failures", plan.FailureCount,
		"patches", len(plan.Patches),
		"skipped", len(plan.Skipped))
	return plan, nil
}

func (plan *RefinementPlan) skip(id, reason string, n int, confidence float64) {
	plan.Skipped = append(plan.Skipped, SkippedSection{
		SectionID:    id,
		Reason:       reason,
		FailureCount: n,
		Confidence:   confidence,
	})
}

func meanConfidence(group []failure) float64 {
	if len(group) == 0 {
		return 0
	}
	sum := 0.0
	for _, f := range group {
		sum += f.Confidence
	}
	return scoring.Round3(sum / float64(len(group)))
}

// synthesize combines the suggested edits of one section. A single failure's
// edit passes through unchanged; several are listed per root cause. It
// returns "" when no failure carries an edit.
func synthesize(group []failure) string {
	if len(group) == 1 {
		if strings.TrimSpace(group[0].SuggestedEdit) == "" {
			return ""
		}
		return group[0].SuggestedEdit
	}

	byCause := make(map[diagnosis.RootCause][]string)
	for _, f := range group {
		edit := strings.TrimSpace(f.SuggestedEdit)
		if edit == "" || contains(byCause[f.RootCause], edit) {
			continue
		}
		byCause[f.RootCause] = append(byCause[f.RootCause], edit)
	}

	causes := make([]diagnosis.RootCause, 0, len(byCause))
	for _, c := range diagnosis.RootCauses {
		if _, ok := byCause[c]; ok {
			causes = append(causes, c)
		}
	}
	var extra []diagnosis.RootCause
	for c := range byCause {
		if !knownCause(c) {
			extra = append(extra, c)
		}
	}
	if len(byCause) == 0 {
		return ""
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	causes = append(causes, extra...)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Combined from %d diagnoses:\n", len(group))
	for _, c := range causes {
		label := string(c)
		if label == "" {
			label = "unclassified"
		}
		fmt.Fprintf(&sb, "\n%s:\n", label)
		for _, edit := range byCause[c] {
			fmt.Fprintf(&sb, "  - %s\n", edit)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func knownCause(c diagnosis.RootCause) bool {
	for _, k := range diagnosis.RootCauses {
		if c == k {
			return true
		}
	}
	return false
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
