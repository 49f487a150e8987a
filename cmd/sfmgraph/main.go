// Command sfmgraph inspects and maintains persisted graph snapshots: integrity
// checks, orphan repair, statistics, Prometheus metrics and blob archives.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"sfmgraph/pkg/domain"
)

var exitFunc = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args, os.Stdout, os.Stderr)
	stop()
	exitFunc(code)
}

// run executes the command line and maps the outcome to a process exit code:
// 0 on success, 2 when check finds violations, 1 on any other error.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 1 {
		args = append(args, "--help")
	}
	err := newApp(stdout, stderr).Run(ctx, args)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, domain.ErrRuleViolation):
		fmt.Fprintln(stderr, err)
		return 2
	default:
		fmt.Fprintln(stderr, "sfmgraph:", err)
		return 1
	}
}

func newApp(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "sfmgraph",
		Usage:     "Maintain sfmgraph snapshots",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file; SFMGRAPH_* variables override it",
				Sources: cli.EnvVars("SFMGRAPH_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			checkCommand(),
			repairCommand(),
			statsCommand(),
			metricsCommand(),
			archiveCommand(),
			restoreCommand(),
			archivesCommand(),
			configCommand(),
		},
	}
}
