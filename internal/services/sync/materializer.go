package sync

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"hash"
	"path/filepath"

	"golang.org/x/crypto/blake2b"

	"github.com/TheMichaelB/cddsync/internal/events"
	"github.com/TheMichaelB/cddsync/internal/models"
	"github.com/TheMichaelB/cddsync/internal/storage"
	"github.com/TheMichaelB/cddsync/internal/transport"
)

// Fetch phases reported in RemoteFetchError.
const (
	PhaseData     = "data"
	PhaseMetadata = "metadata"
	PhaseFiles    = "files"
	PhaseWrite    = "write"
)

// Result describes one materialized run.
type Result struct {
	Outcome models.Outcome
	// Digest is the BLAKE2b-256 of everything written. Empty when skipped.
	Digest string
	Files  int
	Bytes  int64
}

// Materializer writes run snapshots, fetching only stale runs.
type Materializer struct {
	api       transport.VaultAPI
	store     storage.BlobStore
	logger    *events.Logger
	syncFiles bool
}

// NewMaterializer creates a materializer. When syncFiles is false source and
// attached files are not downloaded.
func NewMaterializer(api transport.VaultAPI, store storage.BlobStore, syncFiles bool, logger *events.Logger) *Materializer {
	return &Materializer{
		api:       api,
		store:     store,
		syncFiles: syncFiles,
		logger:    logger.WithField("component", "materializer"),
	}
}

// SetSyncFiles toggles file downloads.
func (m *Materializer) SetSyncFiles(enabled bool) {
	m.syncFiles = enabled
}

// IsCurrent reports whether the local snapshot's metadata carries the run's
// modified_at. Missing or unreadable metadata is stale.
func (m *Materializer) IsCurrent(planned models.PlannedRun) bool {
	data, err := m.store.Read(filepath.Join(planned.Path, MetaFileName(planned.Run.RunID)))
	if err != nil {
		return false
	}
	meta, err := models.ParseRunMeta(data)
	if err != nil {
		m.logger.WithError(err).WithField("path", planned.Path).Debug("Local metadata unreadable, treating as stale")
		return false
	}
	return meta.ModifiedAt == planned.Run.RunModifiedAt
}

// Materialize brings one run's snapshot up to date. The metadata sidecar is
// written last, so a run interrupted half way stays stale.
func (m *Materializer) Materialize(ctx context.Context, planned models.PlannedRun) (Result, error) {
	run := planned.Run
	logger := m.loggerFor(ctx).WithFields(map[string]interface{}{
		"run_id": run.RunID,
		"path":   planned.Path,
	})

	fail := func(phase string, err error) (Result, error) {
		return Result{Outcome: models.OutcomeFailed}, &models.RemoteFetchError{
			RunID: run.RunID,
			Path:  planned.Path,
			Phase: phase,
			Err:   err,
		}
	}

	if err := m.store.EnsureDir(planned.Path); err != nil {
		return fail(PhaseWrite, err)
	}

	if m.IsCurrent(planned) {
		logger.Debug("Run is current")
		return Result{Outcome: models.OutcomeSkipped}, nil
	}

	if err := ctx.Err(); err != nil {
		return fail(PhaseData, err)
	}

	logger.WithField("modified_at", run.RunModifiedAt).Debug("Fetching run")

	data, err := m.api.ExportRunData(ctx, run.ProtocolID, run.RunID)
	if err != nil {
		return fail(PhaseData, err)
	}

	rawMeta, err := m.api.GetRun(ctx, run.RunID)
	if err != nil {
		return fail(PhaseMetadata, err)
	}
	meta, err := models.ParseRunMeta(rawMeta)
	if err != nil {
		return fail(PhaseMetadata, err)
	}
	metaOut, err := meta.Encode(run.RunModifiedAt)
	if err != nil {
		return fail(PhaseMetadata, err)
	}

	digest, _ := blake2b.New256(nil)
	result := Result{Outcome: models.OutcomeFetched}

	if err := m.write(digest, &result, filepath.Join(planned.Path, DataFileName(run.RunID)), data); err != nil {
		return fail(PhaseWrite, err)
	}

	if m.syncFiles {
		subtrees := []struct {
			dir   string
			files []models.FileRef
		}{
			{SourceFilesDir, meta.SourceFiles},
			{AttachedFilesDir, meta.AttachedFiles},
		}
		for _, st := range subtrees {
			if phase, err := m.syncSubtree(ctx, logger, digest, &result, filepath.Join(planned.Path, st.dir), st.files); err != nil {
				return fail(phase, err)
			}
		}
	}

	if err := m.write(digest, &result, filepath.Join(planned.Path, MetaFileName(run.RunID)), metaOut); err != nil {
		return fail(PhaseWrite, err)
	}

	result.Digest = hex.EncodeToString(digest.Sum(nil))

	logger.WithFields(map[string]interface{}{
		"files": result.Files,
		"bytes": result.Bytes,
	}).Debug("Run materialized")

	return result, nil
}

// syncSubtree replaces dir with the given files. On failure it returns the
// phase that failed.
func (m *Materializer) syncSubtree(ctx context.Context, logger *events.Logger, digest hash.Hash, result *Result, dir string, refs []models.FileRef) (string, error) {
	if err := m.store.ReplaceDir(dir); err != nil {
		return PhaseWrite, fmt.Errorf("replace %s: %w", filepath.Base(dir), err)
	}

	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return PhaseFiles, err
		}

		file, err := m.api.GetFile(ctx, ref.ID)
		if err != nil {
			return PhaseFiles, fmt.Errorf("file %s: %w", ref.ID, err)
		}

		name := file.Name
		if name == "" {
			name = ref.Name
		}
		if reason := ValidateFileName(name); reason != "" {
			return PhaseFiles, fmt.Errorf("file %s name %q: %s", ref.ID, name, reason)
		}

		path := filepath.Join(dir, name)
		if err := m.write(digest, result, path, file.Contents); err != nil {
			return PhaseWrite, fmt.Errorf("file %s: %w", name, err)
		}
		result.Files++

		logger.WithFields(map[string]interface{}{
			"file_id": ref.ID,
			"name":    name,
			"path":    path,
			"size":    len(file.Contents),
		}).Info("Fetched file")
	}

	return "", nil
}

// loggerFor prefers the session logger carried by ctx.
func (m *Materializer) loggerFor(ctx context.Context) *events.Logger {
	return events.FromContextOr(ctx, m.logger).WithField("component", "materializer")
}

func (m *Materializer) write(digest hash.Hash, result *Result, path string, data []byte) error {
	if err := m.store.WriteStream(path, bytes.NewReader(data), 0644); err != nil {
		return err
	}
	digest.Write(data)
	result.Bytes += int64(len(data))
	return nil
}
