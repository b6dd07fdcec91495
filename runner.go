package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/richardartoul/cachier/pkg/metrics"
	"github.com/richardartoul/cachier/pkg/remotecache"
)

// Exit codes of the client commands.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
	// exitMiss reports a cache miss from retrieve, or a store that did not
	// upload anything.
	exitMiss = 3
)

// commitMarkerContent is what run writes into <hash>.commit after a task succeeds.
const commitMarkerContent = "true"

// clientCommand is the shared setup of retrieve, store and run.
type clientCommand struct {
	cache   *remotecache.RemoteCache
	logger  *slog.Logger
	latency *metrics.LatencyTracker
	args    []string
}

func newClientCommand(name string, args []string, stderr io.Writer) (*clientCommand, error) {
	cfg, rest, err := parseClientFlags(name, args)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(stderr, cfg.logLevel, cfg.debug)
	if err != nil {
		return nil, err
	}
	logger = logger.With("command", name)

	latency := metrics.NewLatencyTracker(metrics.DefaultRelativeAccuracy)
	rcCfg := cfg.remoteCacheConfig(logger)
	rcCfg.Latency = latency
	cache, err := remotecache.New(rcCfg)
	if err != nil {
		return nil, err
	}
	return &clientCommand{cache: cache, logger: logger, latency: latency, args: rest}, nil
}

// runRetrieve implements `cachier retrieve <hash> <dir>`.
func runRetrieve(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd, err := newClientCommand("retrieve", args, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	defer cmd.latency.LogStats(cmd.logger)
	if len(cmd.args) != 2 {
		fmt.Fprintln(stderr, "usage: cachier retrieve [flags] <hash> <cache-dir>")
		return exitUsage
	}

	hit, err := cmd.cache.NewProvider().Retrieve(ctx, cmd.args[0], cmd.args[1])
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	if !hit {
		fmt.Fprintln(stdout, "miss")
		return exitMiss
	}
	fmt.Fprintln(stdout, "hit")
	return exitOK
}

// runStore implements `cachier store <hash> <dir>`. Each invocation is a
// fresh task, so it always attempts the upload.
func runStore(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd, err := newClientCommand("store", args, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	defer cmd.latency.LogStats(cmd.logger)
	if len(cmd.args) != 2 {
		fmt.Fprintln(stderr, "usage: cachier store [flags] <hash> <cache-dir>")
		return exitUsage
	}

	if !cmd.cache.NewProvider().Store(ctx, cmd.args[0], cmd.args[1]) {
		fmt.Fprintln(stdout, "not stored")
		return exitMiss
	}
	fmt.Fprintln(stdout, "stored")
	return exitOK
}

// runTask implements `cachier run <hash> <dir> -- <command> [args...]`: it
// plays the orchestrator for a single task. The task is skipped on a hit;
// otherwise it runs with CACHIER_OUTPUT_DIR=<dir>/<hash> and, if it
// succeeds, is committed and stored.
func runTask(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd, err := newClientCommand("run", args, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	defer cmd.latency.LogStats(cmd.logger)

	rest := cmd.args
	if len(rest) < 2 {
		fmt.Fprintln(stderr, "usage: cachier run [flags] <hash> <cache-dir> -- <command> [args...]")
		return exitUsage
	}
	hash, dir, command := rest[0], rest[1], rest[2:]
	if len(command) > 0 && command[0] == "--" {
		command = command[1:]
	}
	if len(command) == 0 {
		fmt.Fprintln(stderr, "usage: cachier run [flags] <hash> <cache-dir> -- <command> [args...]")
		return exitUsage
	}

	provider := cmd.cache.NewProvider()
	hit, err := provider.Retrieve(ctx, hash, dir)
	if err != nil {
		// A broken cache must not block the build; rebuild instead.
		cmd.logger.Warn("remote cache unavailable, running task", "hash", hash, "error", err)
	}
	if hit {
		return exitOK
	}

	outputDir := filepath.Join(dir, hash)
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}

	task := exec.CommandContext(ctx, command[0], command[1:]...)
	task.Stdin = os.Stdin
	task.Stdout = stdout
	task.Stderr = stderr
	task.Env = append(os.Environ(), "CACHIER_OUTPUT_DIR="+outputDir)
	if err := task.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode()
		}
		fmt.Fprintln(stderr, err)
		return exitError
	}

	commitPath := filepath.Join(dir, hash+".commit")
	if err := os.WriteFile(commitPath, []byte(commitMarkerContent), 0644); err != nil {
		cmd.logger.Warn("failed to write commit marker", "path", commitPath, "error", err)
		return exitOK
	}
	provider.Store(ctx, hash, dir)
	return exitOK
}
