package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/c360studio/backtest/result"
)

// MemoryStore is an in-process Store. Runs are kept as encoded JSON so a
// reload returns an independent value, as it would from disk.
type MemoryStore struct {
	mu        sync.Mutex
	runs      map[string]map[string][]byte
	baselines map[string][]byte

	// Sources holds the content Backup copies, keyed by source path.
	Sources map[string]string

	// Backups holds every backup taken, keyed by backup location.
	Backups map[string]string

	// BackupErr, when set, makes every Backup call fail.
	BackupErr error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:      make(map[string]map[string][]byte),
		baselines: make(map[string][]byte),
		Sources:   make(map[string]string),
		Backups:   make(map[string]string),
	}
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, run *result.SimulationRun) error {
	if err := validateRun(run); err != nil {
		return err
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.runs[run.ContextMode]
	if !ok {
		byID = make(map[string][]byte)
		m.runs[run.ContextMode] = byID
	}
	if _, exists := byID[run.ID]; exists {
		return fmt.Errorf("%w: %s/%s", ErrRunExists, run.ContextMode, run.ID)
	}
	byID[run.ID] = data
	return nil
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, mode, id string) (*result.SimulationRun, bool, error) {
	if err := ValidateSegment(mode); err != nil {
		return nil, false, err
	}
	if err := ValidateSegment(id); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	data, ok := m.runs[mode][id]
	m.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	return decodeRun(data)
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, mode string) ([]string, error) {
	if err := ValidateSegment(mode); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.runs[mode]))
	for id := range m.runs[mode] {
		ids = append(ids, id)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// LoadBatch implements Store.
func (m *MemoryStore) LoadBatch(ctx context.Context, mode string) ([]*result.SimulationRun, error) {
	ids, err := m.List(ctx, mode)
	if err != nil {
		return nil, err
	}
	runs := make([]*result.SimulationRun, 0, len(ids))
	for _, id := range ids {
		run, found, err := m.Load(ctx, mode, id)
		if err != nil {
			return nil, err
		}
		if found {
			runs = append(runs, run)
		}
	}
	sortNewestFirst(runs)
	return runs, nil
}

// SaveBaseline implements Store.
func (m *MemoryStore) SaveBaseline(_ context.Context, run *result.SimulationRun) error {
	if err := validateRun(run); err != nil {
		return err
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal baseline: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines[run.ContextMode] = data
	return nil
}

// LoadBaseline implements Store.
func (m *MemoryStore) LoadBaseline(_ context.Context, mode string) (*result.SimulationRun, bool, error) {
	if err := ValidateSegment(mode); err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	data, ok := m.baselines[mode]
	m.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	return decodeRun(data)
}

// Backup implements Store by copying Sources[sourcePath] into Backups.
func (m *MemoryStore) Backup(_ context.Context, sourcePath string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.BackupErr != nil {
		return "", m.BackupErr
	}
	content, ok := m.Sources[sourcePath]
	if !ok {
		return "", fmt.Errorf("open backup source: %s: %w", sourcePath, os.ErrNotExist)
	}
	loc := fmt.Sprintf("%s/%s.%d.bak", BackupsDir, sourcePath, len(m.Backups))
	m.Backups[loc] = content
	return loc, nil
}

func decodeRun(data []byte) (*result.SimulationRun, bool, error) {
	var run result.SimulationRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, false, nil
	}
	return &run, true, nil
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
