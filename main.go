// Command cachier is a remote build-artifact cache. `cachier serve` runs the
// asset store; `retrieve`, `store` and `run` are the client side consulted
// by a build orchestrator for each task.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

const usage = `usage: cachier <command> [flags] [args]

commands:
  serve                              run the asset store service
  retrieve <hash> <dir>              fetch a cache entry into dir (exit 0 hit, 3 miss)
  store <hash> <dir>                 publish dir/<hash>/ and dir/<hash>.commit
  run <hash> <dir> -- <cmd> [args]   retrieve, or run cmd and store its outputs
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}

	switch args[0] {
	case "serve":
		return runServe(ctx, args[1:], stderr)
	case "retrieve":
		return runRetrieve(ctx, args[1:], stdout, stderr)
	case "store":
		return runStore(ctx, args[1:], stdout, stderr)
	case "run":
		return runTask(ctx, args[1:], stdout, stderr)
	case "help", "-h", "-help", "--help":
		fmt.Fprint(stdout, usage)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return exitUsage
	}
}

func runServe(ctx context.Context, args []string, stderr io.Writer) int {
	cfg, err := parseServerFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	logger, err := newLogger(stderr, cfg.logLevel, cfg.debug)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	if err := runServer(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		return exitError
	}
	return exitOK
}
