package sync_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/cddsync/internal/events"
	"github.com/TheMichaelB/cddsync/internal/models"
	"github.com/TheMichaelB/cddsync/internal/services/sync"
	"github.com/TheMichaelB/cddsync/internal/storage"
	"github.com/TheMichaelB/cddsync/internal/transport"
	"github.com/TheMichaelB/cddsync/test/testutil"
)

func newMaterializer(syncFiles bool) (*sync.Materializer, *transport.MockVault, *storage.LocalStore) {
	logger := testutil.NewTestLogger()
	vault := testutil.SampleVault()
	store := storage.NewMemStore("/vault", logger)
	return sync.NewMaterializer(vault, store, syncFiles, logger), vault, store
}

func planned(run testutil.SampleRun) models.PlannedRun {
	return models.PlannedRun{Run: record(run), Path: runDir(run)}
}

func readMeta(t *testing.T, store storage.BlobStore, dir string, runID models.VaultID) map[string]interface{} {
	t.Helper()
	data, err := store.Read(filepath.Join(dir, sync.MetaFileName(runID)))
	require.NoError(t, err)
	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &meta))
	return meta
}

type fileState struct {
	data    []byte
	modTime time.Time
}

// snapshot records the bytes and modification time of every file under dir.
func snapshot(t *testing.T, store storage.BlobStore, dir string) map[string]fileState {
	t.Helper()
	files := make(map[string]fileState)
	require.NoError(t, store.Walk(dir, func(info storage.FileInfo, err error) error {
		if err != nil || info.IsDir {
			return err
		}
		data, err := store.Read(info.Path)
		if err != nil {
			return err
		}
		files[info.Path] = fileState{data: data, modTime: info.ModTime}
		return nil
	}))
	return files
}

func TestMaterializeFirstSync(t *testing.T) {
	m, vault, store := newMaterializer(true)
	run := sampleRun(t, "500")
	p := planned(run)
	ctx := context.Background()

	result, err := m.Materialize(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFetched, result.Outcome)
	assert.Len(t, result.Digest, 64)
	assert.Equal(t, 1, result.Files)

	dir := filepath.Join("/vault/mirror", "Alpha_1", "P1_10", "2023-01-01_500")
	assert.Equal(t, dir, p.Path)

	data, err := store.Read(filepath.Join(dir, "run-data-500.csv"))
	require.NoError(t, err)
	assert.Equal(t, testutil.SampleCSV("500"), data)

	meta := readMeta(t, store, dir, "500")
	assert.Equal(t, testutil.ModifiedAt500, meta["modified_at"])
	assert.Equal(t, "lab-bot", meta["person"])

	plate, err := store.Read(filepath.Join(dir, "source_files", "plate.xlsx"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x50, 0x4b, 0x03, 0x04}, plate)

	exists, err := store.Exists(filepath.Join(dir, "attached_files"))
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Empty(t, snapshot(t, store, filepath.Join(dir, "attached_files")))

	assert.Equal(t, 1, vault.CallCount(transport.CallExportRunData))
	assert.Equal(t, 1, vault.CallCount(transport.CallGetRun))
	assert.Equal(t, 1, vault.CallCount(transport.CallGetFile))
}

func TestMaterializeCurrentRunMakesNoCalls(t *testing.T) {
	m, vault, _ := newMaterializer(true)
	p := planned(sampleRun(t, "500"))
	ctx := context.Background()

	_, err := m.Materialize(ctx, p)
	require.NoError(t, err)
	vault.Reset()

	result, err := m.Materialize(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSkipped, result.Outcome)
	assert.Empty(t, result.Digest)
	assert.Zero(t, vault.CallCount(""))
	assert.True(t, m.IsCurrent(p))
}

func TestMaterializeCurrentRunLeavesFilesUntouched(t *testing.T) {
	m, _, store := newMaterializer(true)
	ctx := context.Background()

	for _, id := range []models.VaultID{"500", "502"} {
		_, err := m.Materialize(ctx, planned(sampleRun(t, id)))
		require.NoError(t, err)
	}
	before := snapshot(t, store, "/vault/mirror")
	require.Len(t, before, 6)

	for _, id := range []models.VaultID{"500", "502"} {
		result, err := m.Materialize(ctx, planned(sampleRun(t, id)))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeSkipped, result.Outcome)
	}

	assert.Equal(t, before, snapshot(t, store, "/vault/mirror"))
}

func TestMaterializeLogsEachFile(t *testing.T) {
	out := testutil.NewLogOutput()
	logger := events.NewTestLogger(events.InfoLevel, "json", out)
	vault := testutil.SampleVault()
	store := storage.NewMemStore("/vault", logger)
	m := sync.NewMaterializer(vault, store, true, logger)

	ctx := events.WithSessionID(events.WithLogger(context.Background(), logger), "sess-1")
	for _, id := range []models.VaultID{"500", "502"} {
		_, err := m.Materialize(ctx, planned(sampleRun(t, id)))
		require.NoError(t, err)
	}

	fetched := out.Find("info", "Fetched file")
	require.Len(t, fetched, 2)

	assert.Equal(t, string(testutil.PlateID), fetched[0]["file_id"])
	assert.Equal(t, "plate.xlsx", fetched[0]["name"])
	assert.Equal(t, filepath.Join(runDir(sampleRun(t, "500")), "source_files", "plate.xlsx"), fetched[0]["path"])
	assert.Equal(t, "500", fetched[0]["run_id"])

	assert.Equal(t, string(testutil.NotesID), fetched[1]["file_id"])
	assert.Equal(t, "notes.txt", fetched[1]["name"])
	assert.Equal(t, filepath.Join(runDir(sampleRun(t, "502")), "attached_files", "notes.txt"), fetched[1]["path"])
	assert.Equal(t, "502", fetched[1]["run_id"])

	for _, entry := range fetched {
		assert.Equal(t, "sess-1", entry["session_id"])
		assert.Equal(t, "materializer", entry["component"])
	}

	// A current run fetches nothing and logs no files.
	_, err := m.Materialize(ctx, planned(sampleRun(t, "500")))
	require.NoError(t, err)
	assert.Len(t, out.Find("info", "Fetched file"), 2)
}

func TestMaterializeFailedRefetchKeepsOldMetadata(t *testing.T) {
	m, vault, store := newMaterializer(true)
	run := sampleRun(t, "500")
	ctx := context.Background()

	_, err := m.Materialize(ctx, planned(run))
	require.NoError(t, err)

	testutil.TouchRun(vault, "500", "2023-06-01T00:00:00Z")
	run.Run.ModifiedAt = "2023-06-01T00:00:00Z"
	vault.FileErrors[testutil.PlateID] = errors.New("reset by peer")

	_, err = m.Materialize(ctx, planned(run))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrRemoteFetch)

	assert.False(t, m.IsCurrent(planned(run)))
	assert.Equal(t, testutil.ModifiedAt500, readMeta(t, store, runDir(run), "500")["modified_at"])

	// The next attempt refetches and finally advances the metadata.
	delete(vault.FileErrors, testutil.PlateID)
	result, err := m.Materialize(ctx, planned(run))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFetched, result.Outcome)
	assert.True(t, m.IsCurrent(planned(run)))
	assert.Equal(t, "2023-06-01T00:00:00Z", readMeta(t, store, runDir(run), "500")["modified_at"])
}

func TestMaterializeStaleRunRefetchesEverything(t *testing.T) {
	m, vault, store := newMaterializer(true)
	run := sampleRun(t, "500")
	ctx := context.Background()

	_, err := m.Materialize(ctx, planned(run))
	require.NoError(t, err)

	// A leftover file in the subtree disappears on refetch.
	require.NoError(t, store.Write(filepath.Join(runDir(run), "source_files", "old.xlsx"), []byte("old"), 0644))

	testutil.TouchRun(vault, "500", "2023-06-01T00:00:00Z")
	run.Run.ModifiedAt = "2023-06-01T00:00:00Z"
	vault.Reset()

	result, err := m.Materialize(ctx, planned(run))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFetched, result.Outcome)
	assert.Equal(t, 1, vault.CallCount(transport.CallExportRunData))
	assert.Equal(t, 1, vault.CallCount(transport.CallGetRun))
	assert.Equal(t, 1, vault.CallCount(transport.CallGetFile))

	assert.Equal(t, "2023-06-01T00:00:00Z", readMeta(t, store, runDir(run), "500")["modified_at"])

	exists, err := store.Exists(filepath.Join(runDir(run), "source_files", "old.xlsx"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMaterializePinsModifiedAt(t *testing.T) {
	m, vault, store := newMaterializer(false)
	run := sampleRun(t, "501")

	// The run was edited again between listing and fetching.
	vault.RunMeta["501"] = testutil.SampleMeta("501", "2023-09-09T09:09:09Z", nil, nil)

	_, err := m.Materialize(context.Background(), planned(run))
	require.NoError(t, err)

	assert.Equal(t, run.Run.ModifiedAt, readMeta(t, store, runDir(run), "501")["modified_at"])
}

func TestMaterializeCorruptMetadataIsStale(t *testing.T) {
	m, vault, store := newMaterializer(false)
	run := sampleRun(t, "501")
	p := planned(run)

	require.NoError(t, store.Write(filepath.Join(p.Path, sync.MetaFileName("501")), []byte("{not json"), 0644))
	assert.False(t, m.IsCurrent(p))

	result, err := m.Materialize(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFetched, result.Outcome)
	assert.Equal(t, 1, vault.CallCount(transport.CallExportRunData))
}

func TestMaterializeWithoutFiles(t *testing.T) {
	m, vault, store := newMaterializer(false)
	run := sampleRun(t, "500")

	result, err := m.Materialize(context.Background(), planned(run))
	require.NoError(t, err)
	assert.Zero(t, result.Files)
	assert.Zero(t, vault.CallCount(transport.CallGetFile))

	exists, err := store.Exists(filepath.Join(runDir(run), "source_files"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMaterializeFailures(t *testing.T) {
	tests := []struct {
		name   string
		inject func(*transport.MockVault)
		phase  string
		data   bool
	}{
		{
			name:   "data export fails",
			inject: func(v *transport.MockVault) { v.DataErrors["500"] = errors.New("export timed out") },
			phase:  sync.PhaseData,
		},
		{
			name:   "metadata fetch fails",
			inject: func(v *transport.MockVault) { v.MetaErrors["500"] = &models.APIError{StatusCode: 500, Message: "boom"} },
			phase:  sync.PhaseMetadata,
		},
		{
			name:   "metadata unparsable",
			inject: func(v *transport.MockVault) { v.RunMeta["500"] = []byte("<html>") },
			phase:  sync.PhaseMetadata,
		},
		{
			name:   "file download fails",
			inject: func(v *transport.MockVault) { v.FileErrors[testutil.PlateID] = errors.New("reset by peer") },
			phase:  sync.PhaseFiles,
			data:   true,
		},
		{
			name: "unsafe file name",
			inject: func(v *transport.MockVault) {
				v.Files[testutil.PlateID] = &models.VaultFile{ID: testutil.PlateID, Name: "../../plate.xlsx"}
			},
			phase: sync.PhaseFiles,
			data:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, vault, store := newMaterializer(true)
			tt.inject(vault)
			run := sampleRun(t, "500")

			result, err := m.Materialize(context.Background(), planned(run))
			require.Error(t, err)
			assert.Equal(t, models.OutcomeFailed, result.Outcome)
			assert.ErrorIs(t, err, models.ErrRemoteFetch)
			assert.False(t, models.IsFatal(err))

			var fetchErr *models.RemoteFetchError
			require.ErrorAs(t, err, &fetchErr)
			assert.Equal(t, tt.phase, fetchErr.Phase)
			assert.Equal(t, models.VaultID("500"), fetchErr.RunID)

			// The directory stays, the metadata does not, so the run is
			// still stale.
			exists, err := store.Exists(runDir(run))
			require.NoError(t, err)
			assert.True(t, exists)

			exists, err = store.Exists(filepath.Join(runDir(run), sync.MetaFileName("500")))
			require.NoError(t, err)
			assert.False(t, exists)

			exists, err = store.Exists(filepath.Join(runDir(run), sync.DataFileName("500")))
			require.NoError(t, err)
			assert.Equal(t, tt.data, exists)
		})
	}
}

func TestMaterializeCancelled(t *testing.T) {
	m, vault, _ := newMaterializer(true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Materialize(ctx, planned(sampleRun(t, "500")))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, vault.CallCount(""))
}
