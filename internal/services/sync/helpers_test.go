package sync_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/cddsync/internal/models"
	"github.com/TheMichaelB/cddsync/internal/services/sync"
	"github.com/TheMichaelB/cddsync/internal/state"
	"github.com/TheMichaelB/cddsync/internal/storage"
	"github.com/TheMichaelB/cddsync/internal/transport"
	"github.com/TheMichaelB/cddsync/test/testutil"
)

const mirrorRoot = "/vault/mirror"

type fixture struct {
	vault  *transport.MockVault
	store  *storage.LocalStore
	state  *state.MockStore
	engine *sync.Engine
}

func newFixture(t *testing.T, cfg *sync.SyncConfig) *fixture {
	t.Helper()

	if cfg == nil {
		cfg = &sync.SyncConfig{SyncFiles: true}
	}

	logger := testutil.NewTestLogger()
	f := &fixture{
		vault: testutil.SampleVault(),
		store: storage.NewMemStore("/vault", logger),
		state: state.NewMockStore(),
	}

	engine, err := sync.NewEngine(f.vault, f.store, f.state, cfg, logger)
	require.NoError(t, err)
	f.engine = engine
	return f
}

func fullScope(t *testing.T) models.ScopeSelection {
	t.Helper()
	return scopeWithDates(t, "", "")
}

func scopeWithDates(t *testing.T, before, after string) models.ScopeSelection {
	t.Helper()
	scope, err := models.NewScopeSelection(
		map[models.VaultID]string{testutil.AlphaID: "Alpha", testutil.BetaID: "Beta"},
		map[models.VaultID]string{testutil.P1ID: "P1", testutil.P2ID: "P2"},
		before, after,
	)
	require.NoError(t, err)
	return scope
}

func runDir(run testutil.SampleRun) string {
	return filepath.Join(mirrorRoot, filepath.FromSlash(run.Dir()))
}

func sampleRun(t *testing.T, id models.VaultID) testutil.SampleRun {
	t.Helper()
	for _, r := range testutil.SampleRuns() {
		if r.Run.ID == id {
			return r
		}
	}
	t.Fatalf("no sample run %s", id)
	return testutil.SampleRun{}
}

func record(run testutil.SampleRun) models.RunRecord {
	return models.RunRecord{
		ProjectID:     run.Run.Project.ID,
		ProjectName:   run.Run.Project.Name,
		ProtocolID:    run.Protocol.ID,
		ProtocolName:  run.Protocol.Name,
		RunID:         run.Run.ID,
		RunDate:       run.Run.RunDate,
		RunModifiedAt: run.Run.ModifiedAt,
	}
}

func drain(ch <-chan sync.Event) []sync.EventType {
	var types []sync.EventType
	for ev := range ch {
		types = append(types, ev.Type)
	}
	return types
}
