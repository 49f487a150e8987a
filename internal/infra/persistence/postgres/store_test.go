package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"sfmgraph/internal/infra/persistence/postgres/testutil"
	"sfmgraph/pkg/domain"
)

func openStub(t *testing.T) (*Store, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(driverName, _ string) (*sql.DB, error) {
		if driverName != defaultDriver {
			t.Fatalf("unexpected driver %q", driverName)
		}
		return db, nil
	})
	t.Cleanup(restore)
	store, err := NewStore(context.Background(), "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, conn
}

func TestNewStoreEnsuresStateTable(t *testing.T) {
	_, conn := openStub(t)
	var sawDDL bool
	for _, stmt := range conn.Execs {
		if strings.Contains(stmt, "CREATE TABLE IF NOT EXISTS graph_state") {
			sawDDL = true
		}
	}
	if !sawDDL {
		t.Fatalf("expected graph_state DDL, got execs: %v", conn.Execs)
	}
}

func TestSaveThenLoad(t *testing.T) {
	store, conn := openStub(t)
	ctx := context.Background()
	if _, ok, err := store.Load(ctx); err != nil || ok {
		t.Fatalf("expected nothing saved, ok=%v err=%v", ok, err)
	}
	snapshot := domain.Snapshot{
		Nodes: map[string]domain.Node{
			"a": {Base: domain.Base{ID: "a"}, Type: domain.NodeInstitution, Label: "Court", Version: 2},
		},
		Relationships: map[string]domain.Relationship{
			"r": {Base: domain.Base{ID: "r"}, SourceID: "a", TargetID: "b", Kind: domain.KindRegulates},
		},
	}
	if err := store.Save(ctx, snapshot); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Save(ctx, snapshot); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if got := len(conn.Tables["graph_state"]); got != 2 {
		t.Fatalf("expected one row per bucket, got %d", got)
	}
	loaded, ok, err := store.Load(ctx)
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if loaded.Nodes["a"].Label != "Court" || loaded.Relationships["r"].Kind != domain.KindRegulates {
		t.Fatalf("unexpected snapshot: %+v", loaded)
	}
}

func TestSaveSurfacesDriverFailures(t *testing.T) {
	store, conn := openStub(t)
	ctx := context.Background()

	conn.FailBegin = true
	if err := store.Save(ctx, domain.Snapshot{}); err == nil || !strings.Contains(err.Error(), "begin tx") {
		t.Fatalf("expected begin failure, got %v", err)
	}
	conn.FailBegin = false
	conn.FailCommit = true
	if err := store.Save(ctx, domain.Snapshot{}); err == nil || !strings.Contains(err.Error(), "commit") {
		t.Fatalf("expected commit failure, got %v", err)
	}
	conn.FailCommit = false
	conn.FailExec = true
	if err := store.Save(ctx, domain.Snapshot{}); err == nil || !strings.Contains(err.Error(), "upsert nodes") {
		t.Fatalf("expected upsert failure, got %v", err)
	}
}

func TestLoadSurfacesRowErrors(t *testing.T) {
	store, conn := openStub(t)
	ctx := context.Background()
	if err := store.Save(ctx, domain.Snapshot{}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	conn.RowsErr = errors.New("connection reset")
	if _, _, err := store.Load(ctx); err == nil || !strings.Contains(err.Error(), "connection reset") {
		t.Fatalf("expected iterate failure, got %v", err)
	}
}

func TestNewStoreFailsWhenPingFails(t *testing.T) {
	db, conn := testutil.NewStubDB()
	conn.FailPing = true
	restore := OverrideSQLOpen(func(string, string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := NewStore(context.Background(), "postgres://example"); err == nil {
		t.Fatalf("expected ping failure")
	}
}
