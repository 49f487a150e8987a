package core_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sfmgraph/internal/config"
	"sfmgraph/internal/core"
	"sfmgraph/internal/infra/persistence/sqlite"
	"sfmgraph/internal/logging"
	"sfmgraph/pkg/domain"
)

func TestPersistOnCommitSavesOnlyCommittedState(t *testing.T) {
	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	svc := core.NewService(core.WithSnapshotStore(store, true))
	t.Cleanup(func() { _ = svc.Close() })
	ctx := context.Background()

	kept, err := svc.CreateActor(ctx, core.Node{Label: "kept"})
	require.NoError(t, err)
	snap, found, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, snap.Nodes, kept.ID)

	abort := errors.New("abort")
	err = svc.Transaction(ctx, nil, func(ctx context.Context) error {
		_, err := svc.CreateActor(ctx, core.Node{Label: "discarded"})
		require.NoError(t, err)
		return abort
	})
	require.ErrorIs(t, err, abort)
	snap, _, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Nodes, 1)

	restored := core.NewService(core.WithSnapshotStore(store, false))
	found, err = restored.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, found)
	got, err := restored.GetNode(ctx, kept.ID)
	require.NoError(t, err)
	assert.Equal(t, "kept", got.Label)
}

func TestLoadSnapshotRefusesWhileTransactionsAreOpen(t *testing.T) {
	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	svc := core.NewService(core.WithSnapshotStore(store, false))
	t.Cleanup(func() { _ = svc.Close() })
	ctx := context.Background()

	found, err := svc.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	_, err = svc.CreateActor(ctx, core.Node{Label: "a"})
	require.NoError(t, err)
	require.NoError(t, svc.SaveSnapshot(ctx))

	err = svc.Transaction(ctx, nil, func(ctx context.Context) error {
		_, err := svc.LoadSnapshot(ctx)
		return err
	})
	require.ErrorIs(t, err, core.ErrTransactionsActive)
}

func TestLoadSnapshotRefusesWhileAnotherGoroutineHoldsTransaction(t *testing.T) {
	store, err := sqlite.NewStore(filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	svc := core.NewService(core.WithSnapshotStore(store, false))
	t.Cleanup(func() { _ = svc.Close() })
	ctx := context.Background()

	_, err = svc.CreateActor(ctx, core.Node{Label: "a"})
	require.NoError(t, err)
	require.NoError(t, svc.SaveSnapshot(ctx))

	opened := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- svc.Transaction(ctx, nil, func(ctx context.Context) error {
			close(opened)
			<-release
			return nil
		})
	}()
	<-opened

	_, err = svc.LoadSnapshot(ctx)
	require.ErrorIs(t, err, core.ErrTransactionsActive)

	close(release)
	require.NoError(t, <-done)
	found, err := svc.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestSnapshotCallsWithoutStore(t *testing.T) {
	svc := core.NewService()
	ctx := context.Background()
	require.ErrorIs(t, svc.SaveSnapshot(ctx), core.ErrNoSnapshotStore)
	_, err := svc.LoadSnapshot(ctx)
	require.ErrorIs(t, err, core.ErrNoSnapshotStore)
	require.NoError(t, svc.Close())
}

func TestOpenSnapshotStoreSelectsDriver(t *testing.T) {
	ctx := context.Background()
	store, err := core.OpenSnapshotStore(ctx, config.StorageConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = core.OpenSnapshotStore(ctx, config.StorageConfig{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "s.db")})
	require.NoError(t, err)
	require.NotNil(t, store)
	require.NoError(t, store.Close())

	_, err = core.OpenSnapshotStore(ctx, config.StorageConfig{Driver: "etcd"})
	require.ErrorContains(t, err, "unknown storage driver")
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "cfg.db")
	cfg.Storage.PersistOnCommit = true
	cfg.Archive.Format = "msgpack"
	cfg.Archive.Compression = "snappy"
	cfg.Metrics.ExpvarName = ""
	ctx := context.Background()

	svc, err := core.NewFromConfig(ctx, cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	_, err = svc.CreateActor(ctx, core.Node{Label: "configured"})
	require.NoError(t, err)

	report, err := svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", report.Backend)
	require.NotNil(t, report.Metrics)

	reopened, err := sqlite.NewStore(cfg.Storage.SQLitePath)
	require.NoError(t, err)
	defer reopened.Close()
	snap, found, err := reopened.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, snap.Nodes, 1)

	cfg.Archive.Compression = "brotli"
	_, err = core.NewFromConfig(ctx, cfg, nil)
	require.ErrorContains(t, err, "archive codec")
}

func TestPersistFailureDoesNotFailCommit(t *testing.T) {
	store := &failingSnapshots{err: errors.New("disk full")}
	svc := core.NewService(core.WithSnapshotStore(store, true))
	n, err := svc.CreateActor(context.Background(), core.Node{Label: "a"})
	require.NoError(t, err)
	_, err = svc.GetNode(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, store.saves)
}

type failingSnapshots struct {
	err   error
	saves int
}

func (f *failingSnapshots) Save(context.Context, domain.Snapshot) error {
	f.saves++
	return f.err
}

func (f *failingSnapshots) Load(context.Context) (domain.Snapshot, bool, error) {
	return domain.Snapshot{}, false, f.err
}

func (f *failingSnapshots) Close() error { return nil }
