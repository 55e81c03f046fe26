package sync_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/cddsync/internal/models"
	"github.com/TheMichaelB/cddsync/internal/services/sync"
	"github.com/TheMichaelB/cddsync/internal/transport"
	"github.com/TheMichaelB/cddsync/test/testutil"
)

// cancellingVault cancels the session right after the first data export.
type cancellingVault struct {
	*transport.MockVault
	cancel context.CancelFunc
}

func (v *cancellingVault) ExportRunData(ctx context.Context, protocolID, runID models.VaultID) ([]byte, error) {
	data, err := v.MockVault.ExportRunData(ctx, protocolID, runID)
	v.cancel()
	return data, err
}

// blockingVault holds ListProtocols until released.
type blockingVault struct {
	*transport.MockVault
	entered chan struct{}
	release chan struct{}
}

func (v *blockingVault) ListProtocols(ctx context.Context, ids []models.VaultID) ([]models.Protocol, error) {
	close(v.entered)
	select {
	case <-v.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return v.MockVault.ListProtocols(ctx, ids)
}

func syncAll(t *testing.T, f *fixture, opts sync.Options) *sync.Summary {
	t.Helper()
	if opts.Root == "" {
		opts.Root = mirrorRoot
	}
	summary, err := f.engine.Sync(context.Background(), fullScope(t), opts)
	require.NoError(t, err)
	return summary
}

func assertExists(t *testing.T, f *fixture, path string, want bool) {
	t.Helper()
	exists, err := f.store.Exists(path)
	require.NoError(t, err)
	assert.Equal(t, want, exists, path)
}

func TestSyncFirstRun(t *testing.T) {
	f := newFixture(t, nil)

	summary := syncAll(t, f, sync.Options{})

	assert.NotEmpty(t, summary.SessionID)
	assert.Equal(t, 4, summary.Located)
	assert.Equal(t, 4, summary.InScope)
	assert.Equal(t, 4, summary.Fetched)
	assert.Zero(t, summary.Skipped)
	assert.Zero(t, summary.Failed)
	assert.False(t, summary.Cancelled)
	assert.Positive(t, summary.Bytes)

	data, err := f.store.Read("/vault/mirror/Alpha_1/P1_10/2023-01-01_500/run-data-500.csv")
	require.NoError(t, err)
	assert.Equal(t, testutil.SampleCSV("500"), data)

	assertExists(t, f, "/vault/mirror/Alpha_1/P1_10/2023-01-01_500/run-meta-500.json", true)
	assertExists(t, f, "/vault/mirror/Alpha_1/P1_10/2023-01-01_500/source_files/plate.xlsx", true)
	assertExists(t, f, "/vault/mirror/Alpha_1/P1_10/2023-02-15_501/run-data-501.csv", true)
	assertExists(t, f, "/vault/mirror/Alpha_1/P2_11/2022-12-31_503/run-data-503.csv", true)
	assertExists(t, f, "/vault/mirror/Beta_2/P2_11/2023-03-01_502/attached_files/notes.txt", true)

	// One batched run query for both protocols.
	assert.Equal(t, 1, f.vault.CallCount(transport.CallListProtocols))
	assert.Equal(t, []models.VaultID{testutil.P1ID, testutil.P2ID}, f.vault.Calls[0].IDs)
	assert.Equal(t, 4, f.vault.CallCount(transport.CallExportRunData))
	assert.Equal(t, 2, f.vault.CallCount(transport.CallGetFile))

	progress := f.engine.GetProgress()
	require.NotNil(t, progress)
	assert.Equal(t, "completed", progress.Phase)
	assert.Equal(t, 4, progress.TotalRuns)
	assert.Equal(t, 4, progress.ProcessedRuns)
	assert.Equal(t, summary.SessionID, progress.SessionID)
}

func TestSyncProcessesRunsInOrder(t *testing.T) {
	f := newFixture(t, nil)
	syncAll(t, f, sync.Options{})

	var exported []models.VaultID
	for _, c := range f.vault.Calls {
		if c.Method == transport.CallExportRunData {
			exported = append(exported, c.IDs[1])
		}
	}
	// Project, then protocol, then run date.
	assert.Equal(t, []models.VaultID{"500", "501", "503", "502"}, exported)
}

func TestSyncIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	syncAll(t, f, sync.Options{})
	f.vault.Reset()

	summary := syncAll(t, f, sync.Options{})

	assert.Zero(t, summary.Fetched)
	assert.Equal(t, 4, summary.Skipped)
	assert.Zero(t, f.vault.CallCount(transport.CallExportRunData))
	assert.Zero(t, f.vault.CallCount(transport.CallGetRun))
	assert.Zero(t, f.vault.CallCount(transport.CallGetFile))
	assert.Equal(t, 1, f.vault.CallCount(transport.CallListProtocols))
}

func TestSyncRefetchesModifiedRun(t *testing.T) {
	f := newFixture(t, nil)
	syncAll(t, f, sync.Options{})

	testutil.TouchRun(f.vault, "501", "2023-07-01T12:00:00Z")
	f.vault.Reset()

	summary := syncAll(t, f, sync.Options{})
	assert.Equal(t, 1, summary.Fetched)
	assert.Equal(t, 3, summary.Skipped)
	require.Equal(t, 1, f.vault.CallCount(transport.CallExportRunData))

	meta, err := f.store.Read("/vault/mirror/Alpha_1/P1_10/2023-02-15_501/run-meta-501.json")
	require.NoError(t, err)
	assert.Contains(t, string(meta), "2023-07-01T12:00:00Z")
}

func TestSyncIsolatesRunFailures(t *testing.T) {
	f := newFixture(t, nil)
	f.vault.DataErrors["501"] = &models.APIError{StatusCode: 500, Message: "export crashed"}

	summary := syncAll(t, f, sync.Options{})

	assert.Equal(t, 3, summary.Fetched)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.ErrorIs(t, summary.Errors[0], models.ErrRemoteFetch)

	var fetchErr *models.RemoteFetchError
	require.ErrorAs(t, summary.Errors[0], &fetchErr)
	assert.Equal(t, models.VaultID("501"), fetchErr.RunID)

	// Runs after the failed one were still fetched.
	assertExists(t, f, "/vault/mirror/Alpha_1/P2_11/2022-12-31_503/run-meta-503.json", true)
	assertExists(t, f, "/vault/mirror/Alpha_1/P1_10/2023-02-15_501/run-meta-501.json", false)

	// The failed run is retried next time, the others are current.
	delete(f.vault.DataErrors, "501")
	f.vault.Reset()

	summary = syncAll(t, f, sync.Options{})
	assert.Equal(t, 1, summary.Fetched)
	assert.Equal(t, 3, summary.Skipped)
	assert.Zero(t, summary.Failed)
}

func TestSyncLocateFailureIsFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.vault.ProtocolsError = &models.APIError{StatusCode: 503, Message: "maintenance"}

	summary, err := f.engine.Sync(context.Background(), fullScope(t), sync.Options{Root: mirrorRoot, Prune: true, Confirm: sync.AlwaysConfirm})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrRemoteQuery)
	assert.True(t, models.IsFatal(err))
	require.NotNil(t, summary)
	assert.Zero(t, summary.Fetched)

	assertExists(t, f, mirrorRoot, false)
	assert.Zero(t, f.vault.CallCount(transport.CallExportRunData))

	types := drain(f.engine.Events())
	assert.Equal(t, []sync.EventType{sync.EventStarted, sync.EventFailed}, types)
	assert.Equal(t, "failed", f.engine.GetProgress().Phase)
}

func TestSyncInvalidIdentity(t *testing.T) {
	f := newFixture(t, nil)
	p1 := models.NamedEntity{ID: testutil.P1ID, Name: "P1"}
	bad := models.ProtocolRun{
		ID:         "600",
		ModifiedAt: "2023-04-01T00:00:00Z",
		Project:    models.NamedEntity{ID: testutil.AlphaID, Name: "Alpha"},
	}
	f.vault.AddRun(p1, bad, testutil.SampleCSV("600"), testutil.SampleMeta("600", bad.ModifiedAt, nil, nil))

	summary := syncAll(t, f, sync.Options{})

	assert.Equal(t, 5, summary.InScope)
	assert.Equal(t, 4, summary.Fetched)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Errors, 1)
	assert.ErrorIs(t, summary.Errors[0], models.ErrInvalidIdentity)

	for _, c := range f.vault.Calls {
		if c.Method == transport.CallExportRunData {
			assert.NotEqual(t, models.VaultID("600"), c.IDs[1])
		}
	}

	entries, err := f.state.Ledger(summary.SessionID)
	require.NoError(t, err)
	var failed []models.LedgerEntry
	for _, e := range entries {
		if e.Outcome == models.OutcomeFailed {
			failed = append(failed, e)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, models.VaultID("600"), failed[0].RunID)
	assert.Contains(t, failed[0].Error, "run date")
}

func TestSyncPruneConfirmed(t *testing.T) {
	f := newFixture(t, nil)
	syncAll(t, f, sync.Options{})

	testutil.RemoveRun(f.vault, "503")
	confirm := testutil.NewMockConfirmer(true)

	summary := syncAll(t, f, sync.Options{Prune: true, Confirm: confirm})

	assert.Equal(t, []string{"/vault/mirror/Alpha_1/P2_11/2022-12-31_503"}, summary.Deleted)
	assertExists(t, f, "/vault/mirror/Alpha_1/P2_11/2022-12-31_503", false)
	assertExists(t, f, "/vault/mirror/Alpha_1/P1_10/2023-01-01_500", true)
	confirm.AssertNumberOfCalls(t, "Confirm", 1)

	entries, err := f.state.Ledger(summary.SessionID)
	require.NoError(t, err)
	var deleted int
	for _, e := range entries {
		if e.Outcome == models.OutcomeDeleted {
			deleted++
			assert.Equal(t, "/vault/mirror/Alpha_1/P2_11/2022-12-31_503", e.Path)
		}
	}
	assert.Equal(t, 1, deleted)
}

func TestSyncPruneNarrowedScope(t *testing.T) {
	f := newFixture(t, nil)
	syncAll(t, f, sync.Options{})

	alphaOnly, err := models.NewScopeSelection(
		map[models.VaultID]string{testutil.AlphaID: "Alpha"},
		map[models.VaultID]string{testutil.P1ID: "P1", testutil.P2ID: "P2"},
		"", "",
	)
	require.NoError(t, err)

	summary, err := f.engine.Sync(context.Background(), alphaOnly, sync.Options{
		Root:    mirrorRoot,
		Prune:   true,
		Confirm: sync.AlwaysConfirm,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Skipped)
	assert.Equal(t, []string{"/vault/mirror/Beta_2/P2_11/2023-03-01_502"}, summary.Deleted)
}

func TestSyncPruneDeclined(t *testing.T) {
	f := newFixture(t, nil)
	syncAll(t, f, sync.Options{})
	testutil.RemoveRun(f.vault, "503")

	summary := syncAll(t, f, sync.Options{Prune: true, Confirm: testutil.NewMockConfirmer(false)})

	assert.Empty(t, summary.Deleted)
	assertExists(t, f, "/vault/mirror/Alpha_1/P2_11/2022-12-31_503", true)
}

func TestSyncWithoutPruneKeepsOrphans(t *testing.T) {
	f := newFixture(t, nil)
	syncAll(t, f, sync.Options{})
	testutil.RemoveRun(f.vault, "503")
	confirm := testutil.NewMockConfirmer(true)

	summary := syncAll(t, f, sync.Options{Confirm: confirm})

	assert.Empty(t, summary.Deleted)
	assertExists(t, f, "/vault/mirror/Alpha_1/P2_11/2022-12-31_503", true)
	confirm.AssertNumberOfCalls(t, "Confirm", 0)
}

func TestSyncCancelledSkipsPrune(t *testing.T) {
	f := newFixture(t, nil)
	syncAll(t, f, sync.Options{})
	testutil.RemoveRun(f.vault, "503")
	for _, id := range []models.VaultID{"500", "501", "502"} {
		testutil.TouchRun(f.vault, id, "2024-01-01T00:00:00Z")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	vault := &cancellingVault{MockVault: f.vault, cancel: cancel}
	engine, err := sync.NewEngine(vault, f.store, f.state, &sync.SyncConfig{SyncFiles: true}, testutil.NewTestLogger())
	require.NoError(t, err)

	confirm := testutil.NewMockConfirmer(true)
	summary, err := engine.Sync(ctx, fullScope(t), sync.Options{Root: mirrorRoot, Prune: true, Confirm: confirm})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, models.IsFatal(err))

	require.NotNil(t, summary)
	assert.True(t, summary.Cancelled)
	assert.Zero(t, summary.Fetched)
	assert.Equal(t, 1, summary.Failed)
	assert.Empty(t, summary.Deleted)

	confirm.AssertNumberOfCalls(t, "Confirm", 0)
	assertExists(t, f, "/vault/mirror/Alpha_1/P2_11/2022-12-31_503", true)

	// The interrupted run keeps its old metadata, so it is still stale.
	meta, err := f.store.Read("/vault/mirror/Alpha_1/P1_10/2023-01-01_500/run-meta-500.json")
	require.NoError(t, err)
	assert.Contains(t, string(meta), testutil.ModifiedAt500)
}

func TestSyncDryRun(t *testing.T) {
	f := newFixture(t, nil)

	summary := syncAll(t, f, sync.Options{DryRun: true})

	assert.Equal(t, 4, summary.Pending)
	assert.Zero(t, summary.Fetched)
	assert.Zero(t, f.vault.CallCount(transport.CallExportRunData))
	assert.Zero(t, f.vault.CallCount(transport.CallGetRun))
	assertExists(t, f, mirrorRoot, false)
	assert.Empty(t, f.state.AllEntries())
}

func TestSyncDryRunReportsOrphans(t *testing.T) {
	f := newFixture(t, nil)
	syncAll(t, f, sync.Options{})
	testutil.RemoveRun(f.vault, "503")
	testutil.TouchRun(f.vault, "500", "2024-02-02T00:00:00Z")
	confirm := testutil.NewMockConfirmer(true)

	summary := syncAll(t, f, sync.Options{DryRun: true, Prune: true, Confirm: confirm})

	assert.Equal(t, 1, summary.Pending)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, []string{"/vault/mirror/Alpha_1/P2_11/2022-12-31_503"}, summary.Orphans)
	assert.Empty(t, summary.Deleted)
	confirm.AssertNumberOfCalls(t, "Confirm", 0)
	assertExists(t, f, "/vault/mirror/Alpha_1/P2_11/2022-12-31_503", true)
}

func TestSyncDateWindow(t *testing.T) {
	f := newFixture(t, nil)

	summary, err := f.engine.Sync(context.Background(), scopeWithDates(t, "2023-02-15", "2023-01-01"), sync.Options{Root: mirrorRoot})
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Located)
	assert.Equal(t, 2, summary.InScope)
	assert.Equal(t, 2, summary.Fetched)
	assertExists(t, f, "/vault/mirror/Alpha_1/P2_11/2022-12-31_503", false)
	assertExists(t, f, "/vault/mirror/Beta_2", false)
}

func TestSyncWithoutFiles(t *testing.T) {
	f := newFixture(t, &sync.SyncConfig{SyncFiles: false})

	summary := syncAll(t, f, sync.Options{})

	assert.Equal(t, 4, summary.Fetched)
	assert.Zero(t, f.vault.CallCount(transport.CallGetFile))
	assertExists(t, f, "/vault/mirror/Alpha_1/P1_10/2023-01-01_500/source_files", false)
}

func TestSyncEvents(t *testing.T) {
	f := newFixture(t, nil)
	f.vault.DataErrors["503"] = errors.New("export lost")

	syncAll(t, f, sync.Options{})

	assert.Equal(t, []sync.EventType{
		sync.EventStarted,
		sync.EventRunFetched,
		sync.EventRunFetched,
		sync.EventRunFailed,
		sync.EventRunFetched,
		sync.EventCompleted,
	}, drain(f.engine.Events()))

	// The next sync gets a fresh channel.
	f.vault.Reset()
	syncAll(t, f, sync.Options{})
	types := drain(f.engine.Events())
	assert.Equal(t, sync.EventStarted, types[0])
	assert.Equal(t, sync.EventCompleted, types[len(types)-1])
}

func TestSyncLedger(t *testing.T) {
	f := newFixture(t, nil)

	first := syncAll(t, f, sync.Options{})
	second := syncAll(t, f, sync.Options{})
	assert.NotEqual(t, first.SessionID, second.SessionID)

	entries, err := f.state.Ledger(first.SessionID)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	for _, e := range entries {
		assert.Equal(t, models.OutcomeFetched, e.Outcome)
		assert.Len(t, e.Digest, 64)
		assert.NotEmpty(t, e.ModifiedAt)
		assert.False(t, e.At.IsZero())
	}

	entries, err = f.state.Ledger(second.SessionID)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	for _, e := range entries {
		assert.Equal(t, models.OutcomeSkipped, e.Outcome)
		assert.Empty(t, e.Digest)
	}

	assert.Len(t, f.state.AllEntries(), 8)
}

func TestSyncAlreadyInProgress(t *testing.T) {
	f := newFixture(t, nil)
	vault := &blockingVault{
		MockVault: f.vault,
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	engine, err := sync.NewEngine(vault, f.store, f.state, &sync.SyncConfig{}, testutil.NewTestLogger())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Sync(context.Background(), fullScope(t), sync.Options{Root: mirrorRoot})
		done <- err
	}()

	<-vault.entered
	_, err = engine.Sync(context.Background(), fullScope(t), sync.Options{Root: mirrorRoot})
	assert.ErrorIs(t, err, models.ErrSyncInProgress)

	close(vault.release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sync did not finish")
	}
}

func TestEngineCancel(t *testing.T) {
	f := newFixture(t, nil)
	vault := &blockingVault{
		MockVault: f.vault,
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	engine, err := sync.NewEngine(vault, f.store, f.state, &sync.SyncConfig{}, testutil.NewTestLogger())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := engine.Sync(context.Background(), fullScope(t), sync.Options{Root: mirrorRoot})
		done <- err
	}()

	<-vault.entered
	engine.Cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("sync was not cancelled")
	}
	assertExists(t, f, filepath.Join(mirrorRoot, "Alpha_1"), false)
}

func TestNewEngineRejectsBadIgnorePattern(t *testing.T) {
	_, err := sync.NewEngine(transport.NewMockVault(), nil, nil, &sync.SyncConfig{IgnorePatterns: []string{"[a"}}, testutil.NewTestLogger())
	assert.ErrorIs(t, err, models.ErrInvalidConfig)
}
