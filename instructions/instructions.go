// Package instructions maps mediator instruction-prompt sections to the files
// that hold their text.
//
// The section files are owned by the mediator. This package only reads them,
// except for Writer, which is used by the explicit patch-apply step.
package instructions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/c360studio/backtest/lens"
)

// Section is one instruction-prompt section of the mediator.
type Section struct {
	// ID is the stable name critics use to reference the section.
	ID string `json:"id" yaml:"id"`

	// File is the section source path, relative to the prompts root.
	File string `json:"file" yaml:"file"`

	// Location names the heading or anchor inside File the section covers.
	Location string `json:"location,omitempty" yaml:"location,omitempty"`

	// Lens scopes the section to one lens. Empty means always active.
	Lens lens.ID `json:"lens,omitempty" yaml:"lens,omitempty"`
}

// ErrUnknownSection is returned when a section id is not registered.
var ErrUnknownSection = errors.New("unknown instruction section")

// Registry is an immutable id-indexed set of sections.
type Registry struct {
	sections []Section
	byID     map[string]int
}

// NewRegistry builds a registry, rejecting empty or duplicate ids.
func NewRegistry(sections []Section) (*Registry, error) {
	r := &Registry{byID: make(map[string]int, len(sections))}
	for _, s := range sections {
		if s.ID == "" {
			return nil, fmt.Errorf("section id is required (file %q)", s.File)
		}
		if s.File == "" {
			return nil, fmt.Errorf("section %s: file is required", s.ID)
		}
		if _, dup := r.byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate section id: %s", s.ID)
		}
		r.byID[s.ID] = len(r.sections)
		r.sections = append(r.sections, s)
	}
	return r, nil
}

// DefaultSections returns the section layout of the mediator prompt tree.
func DefaultSections() []Section {
	return []Section{
		{ID: "core_identity", File: "core/identity.md", Location: "# Identity"},
		{ID: "observation", File: "core/observation.md", Location: "## Observation"},
		{ID: "blind_spots", File: "core/blind_spots.md", Location: "## Blind Spots"},
		{ID: "nvc_translation", File: "core/translation.md", Location: "## Translation"},
		{ID: "temperature", File: "core/temperature.md", Location: "## Emotional Temperature"},
		{ID: "output_schema", File: "core/schema.md", Location: "## Output Format"},
		{ID: "lens_gottman", File: "lenses/gottman.md", Lens: lens.Gottman},
		{ID: "lens_attachment", File: "lenses/attachment.md", Lens: lens.Attachment},
		{ID: "lens_drama_triangle", File: "lenses/drama_triangle.md", Lens: lens.DramaTriangle},
		{ID: "lens_family_systems", File: "lenses/family_systems.md", Lens: lens.FamilySystems},
		{ID: "lens_power_dynamics", File: "lenses/power_dynamics.md", Lens: lens.PowerDynamics},
		{ID: "lens_cognitive_distortion", File: "lenses/cognitive_distortion.md", Lens: lens.CognitiveDistortion},
		{ID: "lens_psych_safety", File: "lenses/psych_safety.md", Lens: lens.PsychSafety},
		{ID: "lens_narrative", File: "lenses/narrative.md", Lens: lens.Narrative},
		{ID: "lens_co_parenting", File: "lenses/co_parenting.md", Lens: lens.CoParenting},
	}
}

// Lookup returns the section with the given id.
func (r *Registry) Lookup(id string) (Section, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Section{}, false
	}
	return r.sections[i], true
}

// All returns every section in registration order.
func (r *Registry) All() []Section {
	out := make([]Section, len(r.sections))
	copy(out, r.sections)
	return out
}

// IDs returns the registered section ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.sections))
	for _, s := range r.sections {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	return ids
}

// ActiveFor returns the sections in effect for a lens set: every unscoped
// section plus the sections of lenses in active, in registration order.
func (r *Registry) ActiveFor(active []lens.ID) []Section {
	var out []Section
	for _, s := range r.sections {
		if s.Lens == "" || lens.Contains(active, s.Lens) {
			out = append(out, s)
		}
	}
	return out
}

// Source reads section text.
type Source interface {
	Read(ctx context.Context, s Section) (string, error)
	Path(s Section) string
}

// Writer replaces section text. Only the explicit apply step uses it.
type Writer interface {
	Write(ctx context.Context, s Section, content string) error
}

// Compose concatenates the text of sections in order, separated by blank lines.
// The first read failure aborts composition.
func Compose(ctx context.Context, src Source, sections []Section) (string, error) {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		text, err := src.Read(ctx, s)
		if err != nil {
			return "", fmt.Errorf("read section %s: %w", s.ID, err)
		}
		parts = append(parts, strings.TrimSpace(text))
	}
	return strings.Join(parts, "\n\n"), nil
}

// DirSource reads and writes section files below a root directory.
type DirSource struct {
	Root string
}

// NewDirSource creates a DirSource rooted at root.
func NewDirSource(root string) *DirSource {
	return &DirSource{Root: root}
}

// Path returns the absolute-or-root-relative file path of a section.
func (d *DirSource) Path(s Section) string {
	return filepath.Join(d.Root, filepath.FromSlash(s.File))
}

// Read returns the contents of a section file.
func (d *DirSource) Read(ctx context.Context, s Section) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(d.Path(s))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Write replaces the contents of a section file.
func (d *DirSource) Write(ctx context.Context, s Section, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := d.Path(s)
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat section file: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), info.Mode().Perm()); err != nil {
		return fmt.Errorf("write section file: %w", err)
	}
	return nil
}

// MemorySource is an in-memory Source and Writer keyed by section file.
type MemorySource struct {
	mu    sync.RWMutex
	files map[string]string
}

// NewMemorySource creates a MemorySource seeded with file contents.
func NewMemorySource(files map[string]string) *MemorySource {
	m := &MemorySource{files: make(map[string]string, len(files))}
	for k, v := range files {
		m.files[k] = v
	}
	return m
}

// Path returns the in-memory path of a section.
func (m *MemorySource) Path(s Section) string {
	return s.File
}

// Read returns a section's text or os.ErrNotExist.
func (m *MemorySource) Read(_ context.Context, s Section) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	text, ok := m.files[s.File]
	if !ok {
		return "", fmt.Errorf("%s: %w", s.File, os.ErrNotExist)
	}
	return text, nil
}

// Write replaces a section's text.
func (m *MemorySource) Write(_ context.Context, s Section, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[s.File] = content
	return nil
}
