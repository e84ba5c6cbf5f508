package refinement

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SavePlan writes plan as indented JSON so the apply step can read it back.
func SavePlan(path string, plan *RefinementPlan) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}
	return nil
}

// LoadPlan reads a plan written by SavePlan.
func LoadPlan(path string) (*RefinementPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	var plan RefinementPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	return &plan, nil
}

// Patch returns the patch for a section id.
func (plan *RefinementPlan) Patch(sectionID string) (PromptPatch, bool) {
	for _, p := range plan.Patches {
		if p.SectionID == sectionID {
			return p, true
		}
	}
	return PromptPatch{}, false
}
