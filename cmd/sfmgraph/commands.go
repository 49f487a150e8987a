package main

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"sfmgraph/internal/blob"
	"sfmgraph/internal/config"
	"sfmgraph/internal/core"
	"sfmgraph/internal/logging"
	"sfmgraph/pkg/domain"
)

// session bundles what every subcommand needs.
type session struct {
	cfg    *config.Config
	svc    *core.Service
	logger *slog.Logger
	closer func() error
}

func (s *session) Close() error {
	return errors.Join(s.svc.Close(), s.closer())
}

// openService loads configuration, builds the service and restores the last
// persisted snapshot when a snapshot store is configured.
func openService(ctx context.Context, cmd *cli.Command, extra ...core.Option) (*session, error) {
	cfg, err := config.Load(cmd.Root().String("config"))
	if err != nil {
		return nil, err
	}
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	svc, err := core.NewFromConfig(ctx, cfg, logger, extra...)
	if err != nil {
		_ = closer()
		return nil, err
	}
	if _, err := svc.LoadSnapshot(ctx); err != nil && !errors.Is(err, core.ErrNoSnapshotStore) {
		_ = svc.Close()
		_ = closer()
		return nil, err
	}
	return &session{cfg: cfg, svc: svc, logger: logger, closer: closer}, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Validate referential integrity and print violations as JSON",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			sess, err := openService(ctx, cmd)
			if err != nil {
				return err
			}
			defer sess.Close()
			violations := sess.svc.ValidateGraph(ctx)
			if err := writeJSON(cmd.Root().Writer, violations); err != nil {
				return err
			}
			if len(violations) > 0 {
				return domain.RuleViolationError{Result: domain.Result{Violations: violations}}
			}
			return nil
		},
	}
}

func repairCommand() *cli.Command {
	return &cli.Command{
		Name:  "repair",
		Usage: "Report orphaned relationships; with --apply delete them and persist the result",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "apply", Usage: "delete orphaned relationships instead of only listing them"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			sess, err := openService(ctx, cmd)
			if err != nil {
				return err
			}
			defer sess.Close()
			apply := cmd.Bool("apply")
			report, err := sess.svc.RepairOrphaned(ctx, apply)
			if err != nil {
				return err
			}
			if apply && report.RemovedCount > 0 {
				if err := sess.svc.SaveSnapshot(ctx); err != nil && !errors.Is(err, core.ErrNoSnapshotStore) {
					return err
				}
			}
			return writeJSON(cmd.Root().Writer, report)
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Print graph, lock and transaction statistics as JSON",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			sess, err := openService(ctx, cmd)
			if err != nil {
				return err
			}
			defer sess.Close()
			report, err := sess.svc.Status(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.Root().Writer, report)
		},
	}
}

func metricsCommand() *cli.Command {
	return &cli.Command{
		Name:  "metrics",
		Usage: "Serve Prometheus metrics on /metrics and expvar on /debug/vars",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "listen address (default metrics.addr)"},
			&cli.BoolFlag{Name: "once", Usage: "write a single scrape to stdout and exit"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			reg := prometheus.NewRegistry()
			rec, err := core.NewPrometheusRecorder(reg)
			if err != nil {
				return err
			}
			sess, err := openService(ctx, cmd, core.WithAdditionalMetrics(rec))
			if err != nil {
				return err
			}
			defer sess.Close()
			if err := reg.Register(core.NewPrometheusCollector(sess.svc)); err != nil {
				return err
			}
			reg.MustRegister(collectors.NewGoCollector())

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			mux.Handle("/debug/vars", expvar.Handler())

			if cmd.Bool("once") {
				rr := httptest.NewRecorder()
				mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
				_, err := io.Copy(cmd.Root().Writer, rr.Body)
				return err
			}
			addr := cmd.String("addr")
			if addr == "" {
				addr = sess.cfg.Metrics.Addr
			}
			return serve(ctx, sess.logger, addr, mux)
		},
	}
}

func serve(ctx context.Context, logger *slog.Logger, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func archiveCommand() *cli.Command {
	return &cli.Command{
		Name:  "archive",
		Usage: "Upload the current graph to the configured blob store",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "key", Usage: "object key (default snapshots/<timestamp><ext>)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			sess, err := openService(ctx, cmd)
			if err != nil {
				return err
			}
			defer sess.Close()
			store, err := blob.Open(ctx, sess.cfg.Blob)
			if err != nil {
				return err
			}
			info, err := sess.svc.ArchiveSnapshot(ctx, store, cmd.String("key"))
			if err != nil {
				return err
			}
			return writeJSON(cmd.Root().Writer, info)
		},
	}
}

func restoreCommand() *cli.Command {
	return &cli.Command{
		Name:  "restore",
		Usage: "Replace the graph with an archived snapshot and persist it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "key", Usage: "object key of the archive", Required: true},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			sess, err := openService(ctx, cmd)
			if err != nil {
				return err
			}
			defer sess.Close()
			store, err := blob.Open(ctx, sess.cfg.Blob)
			if err != nil {
				return err
			}
			info, err := sess.svc.RestoreArchive(ctx, store, cmd.String("key"))
			if err != nil {
				return err
			}
			if err := sess.svc.SaveSnapshot(ctx); err != nil && !errors.Is(err, core.ErrNoSnapshotStore) {
				return err
			}
			return writeJSON(cmd.Root().Writer, info)
		},
	}
}

func archivesCommand() *cli.Command {
	return &cli.Command{
		Name:  "archives",
		Usage: "List archived snapshots in the configured blob store",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.Root().String("config"))
			if err != nil {
				return err
			}
			store, err := blob.Open(ctx, cfg.Blob)
			if err != nil {
				return err
			}
			infos, err := core.NewService().ListArchives(ctx, store)
			if err != nil {
				return err
			}
			return writeJSON(cmd.Root().Writer, infos)
		},
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Print the effective configuration as YAML",
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.Root().String("config"))
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.Root().Writer.Write(out)
			return err
		},
	}
}
