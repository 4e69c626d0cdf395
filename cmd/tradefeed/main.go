// Command tradefeed drives the trade-feed pipeline: ingest, backfill,
// transform, and update-seed, each a thin wrapper around the core
// packages (lock, checkpoint, exchange, fetch, ingest, transform,
// dedupe, manifest, validate).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/schemahub/tradefeed/internal/flags"
)

func main() {
	app := flags.NewApp("fault-tolerant ingestion and curation pipeline for a cryptocurrency trade feed")
	app.Flags = flags.Merge(globalFlags)
	app.Commands = []*cli.Command{
		ingestCommand,
		backfillCommand,
		transformCommand,
		updateSeedCommand,
	}

	// SIGINT/SIGTERM cancel the run context; workers observe the
	// cancellation between page fetches and the controller releases its
	// lock on the way out. A batch whose fetch is cut short by the
	// cancellation is not flushed, and its checkpoint does not advance.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCode lets a subcommand Action request a specific process exit
// code (2 for misuse or missing credentials) while still returning a
// normal error for cli.App to print.
type exitCode struct {
	code int
	err  error
}

func (e *exitCode) Error() string { return e.err.Error() }
func (e *exitCode) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitCode{code: code, err: err}
}

func exitCodeFor(err error) int {
	var ec *exitCode
	if asExitCode(err, &ec) {
		return ec.code
	}
	return 1
}

func asExitCode(err error, target **exitCode) bool {
	for err != nil {
		if ec, ok := err.(*exitCode); ok {
			*target = ec
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
