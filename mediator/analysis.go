// Package mediator describes the contract of the external mediation pipeline:
// the analysis record it produces, the call that produces raw output, and the
// parser that turns raw output into an Analysis.
package mediator

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/c360studio/backtest/lens"
)

// LensResult is the lens-specific structured output of one populated lens.
// Values are JSON-shaped (strings, numbers, bools, lists and nested objects).
type LensResult map[string]any

// Texts returns every string leaf of the lens result in key order.
func (r LensResult) Texts() []string {
	var out []string
	collectTexts(map[string]any(r), &out)
	return out
}

func collectTexts(v any, out *[]string) {
	switch val := v.(type) {
	case string:
		if s := strings.TrimSpace(val); s != "" {
			*out = append(*out, s)
		}
	case []string:
		for _, s := range val {
			collectTexts(s, out)
		}
	case []any:
		for _, item := range val {
			collectTexts(item, out)
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectTexts(val[k], out)
		}
	case LensResult:
		collectTexts(map[string]any(val), out)
	}
}

// Meta summarises an analysis.
type Meta struct {
	ActiveLenses        []lens.ID `json:"active_lenses"`
	PrimaryInsight      string    `json:"primary_insight"`
	Severity            float64   `json:"severity"`
	ResolutionDirection string    `json:"resolution_direction"`
}

// Analysis is the structured psychological analysis the mediator produces for
// one message.
type Analysis struct {
	Observation          string   `json:"observation"`
	Feeling              string   `json:"feeling"`
	Need                 string   `json:"need"`
	Request              string   `json:"request"`
	Subtext              string   `json:"subtext"`
	BlindSpots           []string `json:"blind_spots"`
	UnmetNeeds           []string `json:"unmet_needs"`
	NVCTranslation       string   `json:"nvc_translation"`
	EmotionalTemperature float64  `json:"emotional_temperature"`

	// Lenses is sparse: a lens that did not fire has no key.
	Lenses map[lens.ID]LensResult `json:"lenses,omitempty"`

	Meta Meta `json:"meta"`
}

// PopulatedLenses returns the ids of lenses that produced output, sorted.
func (a *Analysis) PopulatedLenses() []lens.ID {
	ids := make([]lens.ID, 0, len(a.Lenses))
	for id, r := range a.Lenses {
		if len(r) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// TextCorpus returns every free-text field of the analysis, lowercased and
// joined with single spaces.
func (a *Analysis) TextCorpus() string {
	parts := []string{
		a.Observation,
		a.Feeling,
		a.Need,
		a.Request,
		a.Subtext,
		a.NVCTranslation,
		a.Meta.PrimaryInsight,
	}
	parts = append(parts, a.BlindSpots...)
	parts = append(parts, a.UnmetNeeds...)
	for _, id := range a.PopulatedLenses() {
		parts = append(parts, a.Lenses[id].Texts()...)
	}

	var sb strings.Builder
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strings.ToLower(p))
	}
	return sb.String()
}

// Validate checks the numeric ranges of the analysis.
func (a *Analysis) Validate() error {
	if !inUnitRange(a.EmotionalTemperature) {
		return fmt.Errorf("emotional_temperature %v outside [0,1]", a.EmotionalTemperature)
	}
	if !inUnitRange(a.Meta.Severity) {
		return fmt.Errorf("meta.severity %v outside [0,1]", a.Meta.Severity)
	}
	return nil
}

func inUnitRange(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
