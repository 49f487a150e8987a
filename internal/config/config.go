// Package config loads sfmgraph settings from YAML with SFMGRAPH_* environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sfmgraph/internal/logging"
)

// Config is the complete runtime configuration.
type Config struct {
	Locks        LocksConfig        `yaml:"locks"`
	Transactions TransactionsConfig `yaml:"transactions"`
	Storage      StorageConfig      `yaml:"storage"`
	Blob         BlobConfig         `yaml:"blob"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Log          logging.Config     `yaml:"log"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// LocksConfig configures the lock manager.
type LocksConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// TransactionsConfig bounds the closed-transaction history.
type TransactionsConfig struct {
	HistoryCap  int `yaml:"history_cap"`
	HistoryKeep int `yaml:"history_keep"`
}

// StorageConfig selects the snapshot persistence backend.
type StorageConfig struct {
	Driver          string `yaml:"driver"`
	SQLitePath      string `yaml:"sqlite_path"`
	PostgresDSN     string `yaml:"postgres_dsn"`
	PersistOnCommit bool   `yaml:"persist_on_commit"`
}

// BlobConfig selects the object store used for snapshot archives.
type BlobConfig struct {
	Driver string   `yaml:"driver"`
	FSRoot string   `yaml:"fs_root"`
	S3     S3Config `yaml:"s3"`
}

// S3Config holds S3-compatible object store settings.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// ArchiveConfig selects the snapshot archive encoding.
type ArchiveConfig struct {
	Format      string `yaml:"format"`
	Compression string `yaml:"compression"`
}

// MetricsConfig configures metric exporters.
type MetricsConfig struct {
	Addr       string `yaml:"addr"`
	ExpvarName string `yaml:"expvar_name"`
}

var (
	storageDrivers = []string{"memory", "sqlite", "postgres"}
	blobDrivers    = []string{"memory", "fs", "s3"}
	archiveFormats = []string{"json", "msgpack"}
	compressions   = []string{"none", "zstd", "snappy", "lz4"}
)

// Default returns the configuration used when no file or environment is supplied.
func Default() *Config {
	return &Config{
		Locks:        LocksConfig{DefaultTimeout: 30 * time.Second},
		Transactions: TransactionsConfig{HistoryCap: 1000, HistoryKeep: 500},
		Storage:      StorageConfig{Driver: "memory", SQLitePath: "./sfmgraph.db"},
		Blob:         BlobConfig{Driver: "memory", FSRoot: "./archives"},
		Archive:      ArchiveConfig{Format: "json", Compression: "zstd"},
		Log:          logging.Config{Level: logging.LevelInfo, Format: logging.FormatText, Output: "stderr"},
		Metrics:      MetricsConfig{Addr: ":9464", ExpvarName: "sfmgraph_operations"},
	}
}

// Load builds a configuration from defaults, the optional YAML file at path,
// and SFMGRAPH_* environment variables, in that order, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.LoadFromFile(path); err != nil {
		return nil, fmt.Errorf("load config file: %w", err)
	}
	if err := cfg.LoadFromEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("load config from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFromFile merges the YAML document at path into c. An empty path is a no-op.
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv applies SFMGRAPH_* overrides using lookup, usually os.LookupEnv.
func (c *Config) LoadFromEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	if v, ok := lookup("SFMGRAPH_LOCK_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("SFMGRAPH_LOCK_TIMEOUT: %w", err))
		} else {
			c.Locks.DefaultTimeout = d
		}
	}
	integer("SFMGRAPH_TX_HISTORY_CAP", &c.Transactions.HistoryCap)
	integer("SFMGRAPH_TX_HISTORY_KEEP", &c.Transactions.HistoryKeep)
	str("SFMGRAPH_STORAGE_DRIVER", &c.Storage.Driver)
	str("SFMGRAPH_SQLITE_PATH", &c.Storage.SQLitePath)
	str("SFMGRAPH_POSTGRES_DSN", &c.Storage.PostgresDSN)
	boolean("SFMGRAPH_PERSIST_ON_COMMIT", &c.Storage.PersistOnCommit)
	str("SFMGRAPH_BLOB_DRIVER", &c.Blob.Driver)
	str("SFMGRAPH_BLOB_FS_ROOT", &c.Blob.FSRoot)
	str("SFMGRAPH_BLOB_S3_BUCKET", &c.Blob.S3.Bucket)
	str("SFMGRAPH_BLOB_S3_REGION", &c.Blob.S3.Region)
	str("SFMGRAPH_BLOB_S3_ENDPOINT", &c.Blob.S3.Endpoint)
	boolean("SFMGRAPH_BLOB_S3_PATH_STYLE", &c.Blob.S3.PathStyle)
	str("SFMGRAPH_ARCHIVE_FORMAT", &c.Archive.Format)
	str("SFMGRAPH_ARCHIVE_COMPRESSION", &c.Archive.Compression)
	str("SFMGRAPH_LOG_LEVEL", &c.Log.Level)
	str("SFMGRAPH_LOG_FORMAT", &c.Log.Format)
	str("SFMGRAPH_LOG_OUTPUT", &c.Log.Output)
	str("SFMGRAPH_METRICS_ADDR", &c.Metrics.Addr)
	str("SFMGRAPH_EXPVAR_NAME", &c.Metrics.ExpvarName)
	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Locks.DefaultTimeout <= 0 {
		errs = append(errs, fmt.Errorf("locks.default_timeout must be positive"))
	}
	if c.Transactions.HistoryCap <= 0 {
		errs = append(errs, fmt.Errorf("transactions.history_cap must be positive"))
	}
	if c.Transactions.HistoryKeep <= 0 || c.Transactions.HistoryKeep > c.Transactions.HistoryCap {
		errs = append(errs, fmt.Errorf("transactions.history_keep must be between 1 and history_cap"))
	}
	errs = append(errs, oneOf("storage.driver", c.Storage.Driver, storageDrivers))
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("storage.sqlite_path is required for the sqlite driver"))
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("storage.postgres_dsn is required for the postgres driver"))
		}
	}
	if c.Storage.PersistOnCommit && c.Storage.Driver == "memory" {
		errs = append(errs, fmt.Errorf("storage.persist_on_commit requires a sqlite or postgres driver"))
	}
	errs = append(errs, oneOf("blob.driver", c.Blob.Driver, blobDrivers))
	switch {
	case c.Blob.Driver == "s3" && c.Blob.S3.Bucket == "":
		errs = append(errs, fmt.Errorf("blob.s3.bucket is required for the s3 driver"))
	case c.Blob.Driver == "fs" && c.Blob.FSRoot == "":
		errs = append(errs, fmt.Errorf("blob.fs_root is required for the fs driver"))
	}
	errs = append(errs, oneOf("archive.format", c.Archive.Format, archiveFormats))
	errs = append(errs, oneOf("archive.compression", c.Archive.Compression, compressions))
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	errs = append(errs, oneOf("log.format", c.Log.Format, []string{logging.FormatText, logging.FormatJSON}))
	return errors.Join(errs...)
}

// YAML renders the configuration as a YAML document.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

func oneOf(field, value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s %q must be one of %s", field, value, strings.Join(allowed, ", "))
}
