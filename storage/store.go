// Package storage persists simulation runs, per-mode baselines and
// instruction-section backups.
package storage

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/c360studio/backtest/result"
)

// Store is the persistence port of the harness.
//
// Load and LoadBaseline report a missing or unreadable record as found=false
// with a nil error. Errors are reserved for invalid ids and I/O failures.
type Store interface {
	// Save persists a run under its context mode. Saving an id that already
	// exists returns ErrRunExists.
	Save(ctx context.Context, run *result.SimulationRun) error

	// Load reads one run.
	Load(ctx context.Context, mode, id string) (*result.SimulationRun, bool, error)

	// LoadBatch reads every readable run of a mode, newest first.
	LoadBatch(ctx context.Context, mode string) ([]*result.SimulationRun, error)

	// List returns the run ids of a mode in descending lexical order. Ids
	// embed a timestamp, so for one scenario this is newest first.
	List(ctx context.Context, mode string) ([]string, error)

	// SaveBaseline records run as the known-good reference for its mode,
	// replacing any previous baseline.
	SaveBaseline(ctx context.Context, run *result.SimulationRun) error

	// LoadBaseline reads the baseline of a mode.
	LoadBaseline(ctx context.Context, mode string) (*result.SimulationRun, bool, error)

	// Backup copies the file at sourcePath into the backup area and returns
	// the backup's location. It is the only copy operation in the harness
	// and must succeed before an instruction section is rewritten.
	Backup(ctx context.Context, sourcePath string) (string, error)
}

// Reserved directories under the results root. They start with an underscore
// so they can never collide with a valid mode name.
const (
	BaselinesDir = "_baselines"
	BackupsDir   = "_prompt-backups"
)

// backupTimeLayout matches run ids so backups sort the same way.
const backupTimeLayout = "20060102T150405.000Z"

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateSegment checks that s is safe to use as a single path segment.
func ValidateSegment(s string) error {
	if s == "" || strings.Contains(s, "..") || !segmentPattern.MatchString(s) {
		return fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return nil
}

func validateRun(run *result.SimulationRun) error {
	if run == nil {
		return fmt.Errorf("run is nil")
	}
	if err := ValidateSegment(run.ContextMode); err != nil {
		return err
	}
	return ValidateSegment(run.ID)
}

// sortNewestFirst orders runs by timestamp, newest first, then by id descending.
func sortNewestFirst(runs []*result.SimulationRun) {
	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].Timestamp.Equal(runs[j].Timestamp) {
			return runs[i].Timestamp.After(runs[j].Timestamp)
		}
		return runs[i].ID > runs[j].ID
	})
}

// FilterBatch returns the runs labelled with batch, preserving order.
func FilterBatch(runs []*result.SimulationRun, batch string) []*result.SimulationRun {
	var out []*result.SimulationRun
	for _, r := range runs {
		if r.Batch == batch {
			out = append(out, r)
		}
	}
	return out
}

// LatestPerScenario keeps the newest run of each scenario, ordered by scenario id.
func LatestPerScenario(runs []*result.SimulationRun) []*result.SimulationRun {
	latest := make(map[string]*result.SimulationRun)
	for _, r := range runs {
		cur, ok := latest[r.ScenarioID]
		if !ok || r.Timestamp.After(cur.Timestamp) || (r.Timestamp.Equal(cur.Timestamp) && r.ID > cur.ID) {
			latest[r.ScenarioID] = r
		}
	}
	out := make([]*result.SimulationRun, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScenarioID < out[j].ScenarioID })
	return out
}

// Batches returns the distinct non-empty batch labels, most recently run first.
func Batches(runs []*result.SimulationRun) []string {
	type seen struct {
		label string
		last  *result.SimulationRun
	}
	index := make(map[string]*seen)
	var order []*seen
	for _, r := range runs {
		if r.Batch == "" {
			continue
		}
		s, ok := index[r.Batch]
		if !ok {
			s = &seen{label: r.Batch, last: r}
			index[r.Batch] = s
			order = append(order, s)
			continue
		}
		if r.Timestamp.After(s.last.Timestamp) {
			s.last = r
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].last.Timestamp.After(order[j].last.Timestamp)
	})
	labels := make([]string, len(order))
	for i, s := range order {
		labels[i] = s.label
	}
	return labels
}
