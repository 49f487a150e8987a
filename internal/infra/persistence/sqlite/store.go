// Package sqlite persists whole-graph snapshots to a single SQLite table.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"sfmgraph/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.SnapshotStore = (*Store)(nil)

const (
	bucketNodes         = "nodes"
	bucketRelationships = "relationships"
)

// Store writes snapshots as JSON payloads keyed by bucket.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (or creates) the SQLite database at path and ensures the
// state table exists.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "sfmgraph.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS graph_state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create state table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Save replaces the stored snapshot inside one SQL transaction.
func (s *Store) Save(ctx context.Context, snapshot domain.Snapshot) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodes, err := json.Marshal(snapshot.Nodes)
	if err != nil {
		return fmt.Errorf("encode nodes: %w", err)
	}
	rels, err := json.Marshal(snapshot.Relationships)
	if err != nil {
		return fmt.Errorf("encode relationships: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, row := range []struct {
		bucket string
		data   []byte
	}{{bucketNodes, nodes}, {bucketRelationships, rels}} {
		if _, err := tx.ExecContext(ctx, `INSERT INTO graph_state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, row.bucket, row.data); err != nil {
			return fmt.Errorf("upsert %s: %w", row.bucket, err)
		}
	}
	return tx.Commit()
}

// Load reads the stored snapshot. The boolean is false when nothing has been
// saved yet.
func (s *Store) Load(ctx context.Context) (domain.Snapshot, bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT bucket, payload FROM graph_state`)
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	snapshot := domain.Snapshot{
		Nodes:         map[string]domain.Node{},
		Relationships: map[string]domain.Relationship{},
	}
	found := false
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return domain.Snapshot{}, false, fmt.Errorf("scan: %w", err)
		}
		var target any
		switch bucket {
		case bucketNodes:
			target = &snapshot.Nodes
		case bucketRelationships:
			target = &snapshot.Relationships
		default:
			continue
		}
		if err := json.Unmarshal(payload, target); err != nil {
			return domain.Snapshot{}, false, fmt.Errorf("decode %s: %w", bucket, err)
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("iterate state: %w", err)
	}
	return snapshot, found, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
