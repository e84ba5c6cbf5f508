package refinement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c360studio/backtest/instructions"
	"github.com/c360studio/backtest/storage"
)

// ErrBackupRequired is returned when a section file could not be backed up;
// the section is left untouched.
var ErrBackupRequired = errors.New("backup required before writing instruction section")

// ErrStalePatch is returned when a section changed after its patch was planned.
var ErrStalePatch = errors.New("instruction section changed since the plan was generated")

// SectionFile is a Source that can also replace section text, such as instructions.DirSource.
type SectionFile interface {
	instructions.Source
	instructions.Writer
}

// Applier writes reviewed patch content into instruction section files.
type Applier struct {
	registry *instructions.Registry
	files    SectionFile
	store    storage.Store
	logger   *slog.Logger
}

// NewApplier creates an Applier. Backups go through store.
func NewApplier(registry *instructions.Registry, files SectionFile, store storage.Store, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{registry: registry, files: files, store: store, logger: logger}
}

// Apply backs up the patch's section file and then replaces its text with
// content. It returns the backup location. Nothing is written if the section
// changed since planning or if the backup fails.
func (a *Applier) Apply(ctx context.Context, patch PromptPatch, content string) (string, error) {
	section, ok := a.registry.Lookup(patch.SectionID)
	if !ok {
		return "", fmt.Errorf("%w: %s", instructions.ErrUnknownSection, patch.SectionID)
	}

	current, err := a.files.Read(ctx, section)
	if err != nil {
		return "", fmt.Errorf("read section %s: %w", section.ID, err)
	}
	if current != patch.CurrentText {
		return "", fmt.Errorf("%w: %s", ErrStalePatch, section.ID)
	}

	backup, err := a.store.Backup(ctx, a.files.Path(section))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrBackupRequired, section.ID, err)
	}

	if err := a.files.Write(ctx, section, content); err != nil {
		return backup, fmt.Errorf("write section %s: %w", section.ID, err)
	}

	a.logger.Info("Applied instruction patch",
		"section", section.ID,
		"file", a.files.Path(section),
		"backup", backup)
	return backup, nil
}
