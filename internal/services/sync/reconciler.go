package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/TheMichaelB/cddsync/internal/events"
	"github.com/TheMichaelB/cddsync/internal/models"
	"github.com/TheMichaelB/cddsync/internal/storage"
)

// Confirmer approves the removal of orphaned run directories. It is asked
// once per session with the full candidate list.
type Confirmer interface {
	Confirm(ctx context.Context, candidates []string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, candidates []string) (bool, error)

// Confirm calls f.
func (f ConfirmFunc) Confirm(ctx context.Context, candidates []string) (bool, error) {
	return f(ctx, candidates)
}

var (
	// AlwaysConfirm approves every removal.
	AlwaysConfirm Confirmer = ConfirmFunc(func(context.Context, []string) (bool, error) { return true, nil })

	// NeverConfirm declines every removal.
	NeverConfirm Confirmer = ConfirmFunc(func(context.Context, []string) (bool, error) { return false, nil })
)

// LocalRun is a run directory found on disk.
type LocalRun struct {
	RunID models.VaultID
	Path  string
}

// Reconciler removes local run directories that are no longer in scope.
type Reconciler struct {
	store  storage.BlobStore
	ignore []string
	logger *events.Logger
}

// NewReconciler creates a reconciler. Directories matching any of the
// doublestar ignore patterns, relative to the mirror root, are never
// touched.
func NewReconciler(store storage.BlobStore, ignorePatterns []string, logger *events.Logger) (*Reconciler, error) {
	for _, p := range ignorePatterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%w: invalid ignore pattern %q", models.ErrInvalidConfig, p)
		}
	}

	return &Reconciler{
		store:  store,
		ignore: append([]string(nil), ignorePatterns...),
		logger: logger.WithField("component", "reconciler"),
	}, nil
}

// ScanRuns walks root and returns every run directory: a directory named
// "<anything>_<id>" holding a run-meta-<id>.json sidecar. Run directories
// are not descended into.
func (r *Reconciler) ScanRuns(root string) ([]LocalRun, error) {
	root = r.absolute(root)

	exists, err := r.store.Exists(root)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	if !exists {
		return nil, nil
	}

	var found []LocalRun
	err = r.store.Walk(root, func(info storage.FileInfo, err error) error {
		if err != nil {
			r.logger.WithError(err).WithField("path", info.Path).Warn("Skipping unreadable path")
			if info.IsDir {
				return storage.SkipDir
			}
			return nil
		}
		if !info.IsDir || info.IsSymlink || info.Path == root {
			return nil
		}

		id, ok := runIDFromDir(info.Name)
		if !ok {
			return nil
		}

		metaPath := filepath.Join(info.Path, MetaFileName(id))
		meta, err := r.store.Stat(metaPath)
		if err != nil || meta.IsDir {
			return nil
		}

		if r.ignored(root, info.Path, metaPath) {
			r.logger.WithField("path", info.Path).Debug("Run directory ignored")
			return storage.SkipDir
		}

		found = append(found, LocalRun{RunID: id, Path: info.Path})
		return storage.SkipDir
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	return found, nil
}

// Orphans returns the sorted paths of local runs whose id is not in current.
func (r *Reconciler) Orphans(root string, current []models.RunRecord) ([]string, error) {
	inScope := make(map[models.VaultID]bool, len(current))
	for _, run := range current {
		inScope[run.RunID] = true
	}

	local, err := r.ScanRuns(root)
	if err != nil {
		return nil, err
	}

	var orphans []string
	for _, l := range local {
		if !inScope[l.RunID] {
			orphans = append(orphans, l.Path)
		}
	}
	sort.Strings(orphans)
	return orphans, nil
}

// Reconcile removes orphaned run directories under root after confirm
// approves the full list. It returns the removed paths; removal failures are
// joined into the error and do not stop the remaining removals.
func (r *Reconciler) Reconcile(ctx context.Context, root string, current []models.RunRecord, confirm Confirmer) ([]string, error) {
	orphans, err := r.Orphans(root, current)
	if err != nil {
		return nil, err
	}
	if len(orphans) == 0 {
		r.logger.Debug("No orphaned runs")
		return nil, nil
	}

	if confirm == nil {
		confirm = NeverConfirm
	}
	ok, err := confirm.Confirm(ctx, orphans)
	if err != nil {
		return nil, fmt.Errorf("confirm removal: %w", err)
	}
	if !ok {
		r.logger.WithField("candidates", len(orphans)).Info("Removal of orphaned runs declined")
		return nil, nil
	}

	var removed []string
	var errs []error
	for _, path := range orphans {
		if err := r.store.RemoveAll(path); err != nil {
			r.logger.WithError(err).WithField("path", path).Error("Failed to remove run")
			errs = append(errs, &models.ReconciliationError{Path: path, Err: err})
			continue
		}
		r.logger.WithField("path", path).Info("Removed orphaned run")
		removed = append(removed, path)
	}

	return removed, errors.Join(errs...)
}

func (r *Reconciler) absolute(root string) string {
	if filepath.IsAbs(root) {
		return filepath.Clean(root)
	}
	return filepath.Join(r.store.Root(), root)
}

func (r *Reconciler) ignored(root string, paths ...string) bool {
	if len(r.ignore) == 0 {
		return false
	}
	for _, p := range paths {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)
		for _, pattern := range r.ignore {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				return true
			}
		}
	}
	return false
}

// runIDFromDir extracts the trailing "_<id>" of a run directory name.
func runIDFromDir(name string) (models.VaultID, bool) {
	i := strings.LastIndexByte(name, '_')
	if i < 0 || i == len(name)-1 {
		return "", false
	}
	return models.VaultID(name[i+1:]), true
}
