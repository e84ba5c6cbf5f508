// Package lens holds the lens metadata catalog and the context-mode to
// active-lens table used by the mediator pipeline.
//
// Both tables are owned by the mediator and treated here as read-only
// configuration values.
package lens

import "sort"

// ID identifies a lens (a named sub-analysis such as a relational-pattern framework).
type ID string

// Known lens identifiers.
const (
	Gottman             ID = "gottman"
	Attachment          ID = "attachment"
	DramaTriangle       ID = "drama_triangle"
	FamilySystems       ID = "family_systems"
	PowerDynamics       ID = "power_dynamics"
	CognitiveDistortion ID = "cognitive_distortion"
	PsychSafety         ID = "psych_safety"
	Narrative           ID = "narrative"
	CoParenting         ID = "co_parenting"
)

// Metadata is the human-readable description of a lens.
type Metadata struct {
	Name      string `json:"name" yaml:"name"`
	ShortName string `json:"short_name" yaml:"short_name"`
}

// Catalog maps lens ids to their metadata.
type Catalog map[ID]Metadata

// DefaultCatalog returns the lens metadata shipped with the mediator.
func DefaultCatalog() Catalog {
	return Catalog{
		Gottman:             {Name: "Gottman Four Horsemen", ShortName: "Gottman"},
		Attachment:          {Name: "Attachment Dynamics", ShortName: "Attachment"},
		DramaTriangle:       {Name: "Karpman Drama Triangle", ShortName: "Drama"},
		FamilySystems:       {Name: "Family Systems", ShortName: "Family"},
		PowerDynamics:       {Name: "Power & Hierarchy", ShortName: "Power"},
		CognitiveDistortion: {Name: "Cognitive Distortions", ShortName: "CBT"},
		PsychSafety:         {Name: "Psychological Safety", ShortName: "Safety"},
		Narrative:           {Name: "Narrative Reframing", ShortName: "Narrative"},
		CoParenting:         {Name: "Co-Parenting Alignment", ShortName: "CoParent"},
	}
}

// Lookup returns the metadata for a lens.
func (c Catalog) Lookup(id ID) (Metadata, bool) {
	m, ok := c[id]
	return m, ok
}

// DisplayName returns the lens name, falling back to the raw id for unknown lenses.
func (c Catalog) DisplayName(id ID) string {
	if m, ok := c[id]; ok && m.Name != "" {
		return m.Name
	}
	return string(id)
}

// ShortName returns the short lens label, falling back to the raw id.
func (c Catalog) ShortName(id ID) string {
	if m, ok := c[id]; ok && m.ShortName != "" {
		return m.ShortName
	}
	return string(id)
}

// Table maps a context mode to the ordered set of lenses in scope for it.
type Table map[string][]ID

// DefaultTable returns the mode to active-lens mapping shipped with the mediator.
func DefaultTable() Table {
	return Table{
		"family":              {Gottman, Attachment, FamilySystems, DramaTriangle},
		"intimate":            {Gottman, Attachment, CognitiveDistortion, Narrative},
		"workplace_peer":      {PsychSafety, CognitiveDistortion, DramaTriangle, Narrative},
		"workplace_hierarchy": {PowerDynamics, PsychSafety, CognitiveDistortion},
		"co_parenting":        {CoParenting, Gottman, FamilySystems, PowerDynamics},
		"friendship":          {Attachment, Narrative, CognitiveDistortion},
	}
}

// ActiveLenses returns a copy of the lens set for a mode, or nil for unknown modes.
func (t Table) ActiveLenses(mode string) []ID {
	ids, ok := t[mode]
	if !ok {
		return nil
	}
	out := make([]ID, len(ids))
	copy(out, ids)
	return out
}

// Modes returns the configured context modes in sorted order.
func (t Table) Modes() []string {
	modes := make([]string, 0, len(t))
	for m := range t {
		modes = append(modes, m)
	}
	sort.Strings(modes)
	return modes
}

// Contains reports whether id is in the set.
func Contains(set []ID, id ID) bool {
	for _, s := range set {
		if s == id {
			return true
		}
	}
	return false
}
