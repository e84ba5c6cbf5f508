package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/c360studio/backtest/result"
)

// FileStore keeps one JSON document per run on the local filesystem:
//
//	<root>/<mode>/<id>.json
//	<root>/_baselines/<mode>-baseline.json
//	<root>/_prompt-backups/<file>.<timestamp>.bak
type FileStore struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

// NewFileStore creates a store rooted at root. The directory is created on first write.
func NewFileStore(root string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{root: root, logger: logger, now: time.Now}
}

// Root returns the results root directory.
func (s *FileStore) Root() string {
	return s.root
}

// RunPath returns the file path of a run.
func (s *FileStore) RunPath(mode, id string) string {
	return filepath.Join(s.root, mode, id+".json")
}

// BaselinePath returns the file path of a mode's baseline.
func (s *FileStore) BaselinePath(mode string) string {
	return filepath.Join(s.root, BaselinesDir, mode+"-baseline.json")
}

// Save writes run to <root>/<mode>/<id>.json, refusing to replace an existing file.
func (s *FileStore) Save(ctx context.Context, run *result.SimulationRun) error {
	if err := validateRun(run); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	path := s.RunPath(run.ContextMode, run.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s/%s", ErrRunExists, run.ContextMode, run.ID)
		}
		return fmt.Errorf("failed to create run file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write run: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write run: %w", err)
	}

	s.logger.Debug("Saved run", "mode", run.ContextMode, "id", run.ID, "path", path)
	return nil
}

// Load reads one run. Missing and unparseable files report found=false.
func (s *FileStore) Load(ctx context.Context, mode, id string) (*result.SimulationRun, bool, error) {
	if err := ValidateSegment(mode); err != nil {
		return nil, false, err
	}
	if err := ValidateSegment(id); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return s.readRun(s.RunPath(mode, id))
}

func (s *FileStore) readRun(path string) (*result.SimulationRun, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read run: %w", err)
	}

	var run result.SimulationRun
	if err := json.Unmarshal(data, &run); err != nil {
		s.logger.Warn("Ignoring unparseable run file", "path", path, "error", err)
		return nil, false, nil
	}
	return &run, true, nil
}

// List returns run ids of a mode in descending lexical order.
func (s *FileStore) List(ctx context.Context, mode string) ([]string, error) {
	if err := ValidateSegment(mode); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(s.root, mode))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read mode directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

// LoadBatch reads every readable run of a mode, newest first. Unreadable
// files are skipped.
func (s *FileStore) LoadBatch(ctx context.Context, mode string) ([]*result.SimulationRun, error) {
	ids, err := s.List(ctx, mode)
	if err != nil {
		return nil, err
	}

	runs := make([]*result.SimulationRun, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		run, found, err := s.readRun(s.RunPath(mode, id))
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

// SaveBaseline writes run as the baseline of its mode.
func (s *FileStore) SaveBaseline(ctx context.Context, run *result.SimulationRun) error {
	if err := validateRun(run); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal baseline: %w", err)
	}

	path := s.BaselinePath(run.ContextMode)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write baseline: %w", err)
	}

	s.logger.Info("Promoted baseline", "mode", run.ContextMode, "id", run.ID)
	return nil
}

// LoadBaseline reads the baseline of a mode.
func (s *FileStore) LoadBaseline(ctx context.Context, mode string) (*result.SimulationRun, bool, error) {
	if err := ValidateSegment(mode); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return s.readRun(s.BaselinePath(mode))
}

// Backup copies sourcePath to <root>/_prompt-backups/<base>.<timestamp>.bak.
// An existing backup is never replaced; a numeric suffix disambiguates
// backups taken within the same millisecond.
func (s *FileStore) Backup(ctx context.Context, sourcePath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return "", fmt.Errorf("open backup source: %w", err)
	}
	defer src.Close()

	dir := filepath.Join(s.root, BackupsDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	stamp := s.now().UTC().Format(backupTimeLayout)
	base := filepath.Base(sourcePath)

	var dst *os.File
	var path string
	for n := 0; ; n++ {
		name := fmt.Sprintf("%s.%s.bak", base, stamp)
		if n > 0 {
			name = fmt.Sprintf("%s.%s-%d.bak", base, stamp, n)
		}
		path = filepath.Join(dir, name)
		dst, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("create backup: %w", err)
		}
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", fmt.Errorf("copy backup: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("copy backup: %w", err)
	}

	s.logger.Info("Backed up instruction section", "source", sourcePath, "backup", path)
	return path, nil
}
