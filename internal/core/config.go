package core

import (
	"context"
	"fmt"
	"log/slog"

	"sfmgraph/internal/config"
)

// NewFromConfig builds a service from cfg: the snapshot store named by
// cfg.Storage, an expvar metrics recorder, a log-backed audit recorder and
// the configured lock timeout, history bounds and archive codec. extra options
// are applied last.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger, extra ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	codec := ArchiveCodec{Format: cfg.Archive.Format, Compression: cfg.Archive.Compression}
	if err := codec.Validate(); err != nil {
		return nil, fmt.Errorf("archive codec: %w", err)
	}
	snapshots, err := OpenSnapshotStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	opts := []Option{
		WithLogger(logger),
		WithLockTimeout(cfg.Locks.DefaultTimeout),
		WithTransactionHistory(cfg.Transactions.HistoryCap, cfg.Transactions.HistoryKeep),
		WithSnapshotStore(snapshots, cfg.Storage.PersistOnCommit),
		WithBackendName(cfg.Storage.Driver),
		WithArchiveCodec(codec),
		WithMetricsRecorder(NewExpvarMetricsRecorder(cfg.Metrics.ExpvarName)),
		WithAuditRecorder(NewLogAuditRecorder(logger)),
	}
	return NewService(append(opts, extra...)...), nil
}
