package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"sfmgraph/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.Locks.DefaultTimeout)
	assert.Equal(t, 1000, cfg.Transactions.HistoryCap)
	assert.Equal(t, 500, cfg.Transactions.HistoryKeep)
}

func TestLoadMergesFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sfmgraph.yaml")
	doc := []byte(`
locks:
  default_timeout: 250ms
transactions:
  history_cap: 20
  history_keep: 10
storage:
  driver: sqlite
  sqlite_path: /tmp/graph.db
archive:
  format: msgpack
  compression: lz4
log:
  level: debug
  format: json
`)
	require.NoError(t, os.WriteFile(path, doc, 0o600))
	t.Setenv("SFMGRAPH_TX_HISTORY_KEEP", "5")
	t.Setenv("SFMGRAPH_PERSIST_ON_COMMIT", "true")
	t.Setenv("SFMGRAPH_ARCHIVE_COMPRESSION", "snappy")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Locks.DefaultTimeout)
	assert.Equal(t, 20, cfg.Transactions.HistoryCap)
	assert.Equal(t, 5, cfg.Transactions.HistoryKeep)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.True(t, cfg.Storage.PersistOnCommit)
	assert.Equal(t, "msgpack", cfg.Archive.Format)
	assert.Equal(t, "snappy", cfg.Archive.Compression)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "memory", cfg.Blob.Driver)
}

func TestLoadFromEnvRejectsMalformedValues(t *testing.T) {
	cfg := config.Default()
	env := map[string]string{
		"SFMGRAPH_LOCK_TIMEOUT":      "soon",
		"SFMGRAPH_TX_HISTORY_CAP":    "many",
		"SFMGRAPH_PERSIST_ON_COMMIT": "perhaps",
	}
	err := cfg.LoadFromEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SFMGRAPH_LOCK_TIMEOUT")
	assert.Contains(t, err.Error(), "SFMGRAPH_TX_HISTORY_CAP")
	assert.Contains(t, err.Error(), "SFMGRAPH_PERSIST_ON_COMMIT")
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := config.Default()
	cfg.Locks.DefaultTimeout = 0
	cfg.Transactions.HistoryKeep = 5000
	cfg.Storage.Driver = "postgres"
	cfg.Storage.PersistOnCommit = true
	cfg.Blob.Driver = "s3"
	cfg.Archive.Compression = "brotli"
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"locks.default_timeout",
		"history_keep",
		"postgres_dsn",
		"blob.s3.bucket",
		"archive.compression",
		"log.level",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestPersistOnCommitNeedsDurableDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.PersistOnCommit = true
	require.ErrorContains(t, cfg.Validate(), "persist_on_commit")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestYAMLRendersDurationsAsText(t *testing.T) {
	raw, err := config.Default().YAML()
	require.NoError(t, err)
	var doc map[string]map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &doc))
	assert.Equal(t, "30s", doc["locks"]["default_timeout"])
	assert.Equal(t, "memory", doc["storage"]["driver"])
}
