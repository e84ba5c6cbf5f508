package scenario

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// DefaultPatterns are the glob patterns used to discover corpus files.
var DefaultPatterns = []string{"**/*.yaml", "**/*.yml"}

// Corpus is an immutable, id-indexed collection of scenarios.
type Corpus struct {
	scenarios []Scenario
	byID      map[string]int
}

// NewCorpus validates scenarios and indexes them by id.
// Duplicate ids are rejected.
func NewCorpus(scenarios []Scenario) (*Corpus, error) {
	c := &Corpus{
		scenarios: make([]Scenario, 0, len(scenarios)),
		byID:      make(map[string]int, len(scenarios)),
	}
	for _, s := range scenarios {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byID[s.ID]; dup {
			return nil, fmt.Errorf("duplicate scenario id: %s", s.ID)
		}
		c.byID[s.ID] = len(c.scenarios)
		c.scenarios = append(c.scenarios, s)
	}
	return c, nil
}

// Len returns the number of scenarios.
func (c *Corpus) Len() int {
	return len(c.scenarios)
}

// All returns the scenarios in load order.
func (c *Corpus) All() []Scenario {
	out := make([]Scenario, len(c.scenarios))
	copy(out, c.scenarios)
	return out
}

// Get returns the scenario with the given id.
func (c *Corpus) Get(id string) (Scenario, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Scenario{}, false
	}
	return c.scenarios[i], true
}

// Filter returns scenarios matching mode (empty = any) that carry every tag in tags.
func (c *Corpus) Filter(mode string, tags []string) []Scenario {
	var out []Scenario
	for _, s := range c.scenarios {
		if mode != "" && s.Category != mode {
			continue
		}
		matched := true
		for _, tag := range tags {
			if !s.HasTag(tag) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, s)
		}
	}
	return out
}

// corpusFile is the on-disk shape: either a single scenario document or a
// document with a "scenarios" list.
type corpusFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// LoadCorpus discovers scenario files under root matching the glob patterns
// (doublestar syntax) and loads them in lexical path order.
func LoadCorpus(root string, patterns []string) (*Corpus, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}

	fsys := os.DirFS(root)
	seen := make(map[string]bool)
	var paths []string
	for _, pattern := range patterns {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid corpus pattern: %q", pattern)
		}
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				paths = append(paths, m)
			}
		}
	}
	sort.Strings(paths)

	var scenarios []Scenario
	for _, p := range paths {
		loaded, err := loadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", filepath.Join(root, p), err)
		}
		scenarios = append(scenarios, loaded...)
	}

	return NewCorpus(scenarios)
}

func loadFile(fsys fs.FS, path string) ([]Scenario, error) {
	data, err := fs.ReadFile(fsys, path)
	if err != nil {
		return nil, err
	}

	var multi corpusFile
	if err := yaml.Unmarshal(data, &multi); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if len(multi.Scenarios) > 0 {
		return multi.Scenarios, nil
	}

	var single Scenario
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if single.ID == "" {
		return nil, nil
	}
	return []Scenario{single}, nil
}
