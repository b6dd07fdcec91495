// Package remotecache is the client side of the remote build cache. A build
// orchestrator asks it to retrieve a task's outputs by hash before running
// the task, and to store them after a miss.
package remotecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/richardartoul/cachier/pkg/locking"
	"github.com/richardartoul/cachier/pkg/metrics"
)

// RemoteCache coordinates retrieving and storing cache entries against the
// asset store. It holds no per-task state and is safe for concurrent use;
// per-task state lives in Attempt.
type RemoteCache struct {
	client           *AssetClient
	concurrency      int
	allowUncommitted bool
	locks            locking.Group
	logger           *slog.Logger
	latency          *metrics.LatencyTracker
}

// New creates a RemoteCache from cfg.
func New(cfg Config) (*RemoteCache, error) {
	client, err := NewAssetClient(cfg)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &RemoteCache{
		client:           client,
		concurrency:      cfg.Concurrency,
		allowUncommitted: cfg.AllowUncommitted,
		locks:            cfg.Locks,
		logger:           cfg.Logger,
		latency:          cfg.Latency,
	}, nil
}

// Retrieve looks up hash in the remote cache and, on a hit, materializes
// every object of the entry at dir/<key>.
//
// The returned Attempt is never nil and must be passed to Store. A miss is
// not an error. Any failed transfer is returned as an error and leaves no
// file of the entry behind in dir: objects are downloaded into a staging
// directory and only moved into place once all of them succeeded.
func (rc *RemoteCache) Retrieve(ctx context.Context, hash, dir string) (*Attempt, error) {
	defer rc.latency.Since(metrics.OpRetrieve, time.Now())

	attempt := NewAttempt(hash, dir)
	fail := func(err error) (*Attempt, error) {
		attempt.state = StateRetrieveFailed
		attempt.err = err
		metrics.CacheLookups.WithLabelValues("error").Inc()
		rc.logger.Error("remote cache retrieve failed", "hash", hash, "error", err)
		return attempt, err
	}

	if err := validateHash(hash); err != nil {
		return fail(err)
	}

	keys, err := rc.entryKeys(ctx, hash)
	if err != nil {
		return fail(err)
	}
	if len(keys) == 0 {
		attempt.state = StateMissed
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		rc.logger.Info("remote cache miss", "hash", hash)
		return attempt, nil
	}

	rc.logger.Info("remote cache hit", "hash", hash, "objects", len(keys))
	err = rc.locks.DoWithLock(ctx, hash, func() error {
		return rc.materialize(ctx, hash, dir, keys)
	})
	if err != nil {
		return fail(err)
	}

	attempt.state = StateRetrieved
	attempt.keys = keys
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return attempt, nil
}

// entryKeys lists the keys of a complete entry for hash, or nothing if there
// is no usable entry.
func (rc *RemoteCache) entryKeys(ctx context.Context, hash string) ([]string, error) {
	objects, err := rc.client.List(ctx, hash)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(objects))
	committed := false
	for _, obj := range objects {
		if !belongsToEntry(hash, obj.Key) {
			continue
		}
		if obj.Key == commitKey(hash) {
			committed = true
		}
		keys = append(keys, obj.Key)
	}

	if len(keys) > 0 && !committed && !rc.allowUncommitted {
		rc.logger.Warn("ignoring remote cache entry without commit marker",
			"hash", hash,
			"objects", len(keys))
		return nil, nil
	}
	return keys, nil
}

// materialize downloads keys into a staging directory inside dir, then
// moves them into place. The first failed download cancels the others.
func (rc *RemoteCache) materialize(ctx context.Context, hash, dir string, keys []string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	// Staging lives inside dir so the final renames stay on one filesystem.
	staging, err := os.MkdirTemp(dir, stagingPattern)
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rc.concurrency)
	for _, key := range keys {
		g.Go(func() error {
			path, err := localPath(staging, key)
			if err != nil {
				return &TransferError{Op: "download", Key: key, Err: err}
			}
			return writeFile(path, func(w io.Writer) error {
				_, err := rc.client.Download(gctx, key, w)
				return err
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return moveIntoPlace(staging, dir, hash, keys)
}

// Store uploads the local entry for the attempt's hash: every file under
// dir/<hash>/ and then the dir/<hash>.commit marker, each under its path
// relative to dir.
//
// Store never uploads an attempt whose result was retrieved from the remote
// cache, and never uploads the same attempt twice. Failures are logged and
// reported as false; they must not fail the build.
func (rc *RemoteCache) Store(ctx context.Context, attempt *Attempt) bool {
	if attempt.state == StateRetrieved {
		attempt.state = StateSkippedStore
		metrics.CacheStores.WithLabelValues("skipped").Inc()
		rc.logger.Info("skipping store, task was retrieved from remote cache", "hash", attempt.hash)
		return false
	}
	if !attempt.storable() {
		rc.logger.Debug("attempt already finished", "hash", attempt.hash, "state", attempt.state)
		return false
	}

	var keys []string
	err := validateHash(attempt.hash)
	if err == nil {
		err = rc.latency.RecordFunc(metrics.OpStore, func() error {
			return rc.locks.DoWithLock(ctx, attempt.hash, func() error {
				var uploadErr error
				keys, uploadErr = rc.upload(ctx, attempt.hash, attempt.dir)
				return uploadErr
			})
		})
	}
	if err != nil {
		attempt.state = StateStoreFailed
		attempt.err = err
		metrics.CacheStores.WithLabelValues("failed").Inc()
		rc.logger.Error("failed to store remote cache entry", "hash", attempt.hash, "error", err)
		return false
	}

	attempt.state = StateStored
	attempt.keys = keys
	metrics.CacheStores.WithLabelValues("stored").Inc()
	rc.logger.Info("remote cache entry stored", "hash", attempt.hash, "objects", len(keys))
	return true
}

// upload sends the artifacts concurrently, then the commit marker, so the
// marker only exists remotely once the whole entry does.
func (rc *RemoteCache) upload(ctx context.Context, hash, dir string) ([]string, error) {
	artifacts, commit, err := entryFiles(dir, hash)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rc.concurrency)
	for _, key := range artifacts {
		g.Go(func() error {
			return rc.uploadFile(gctx, dir, key)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := rc.uploadFile(ctx, dir, commit); err != nil {
		return nil, err
	}
	return append(artifacts, commit), nil
}

func (rc *RemoteCache) uploadFile(ctx context.Context, dir, key string) error {
	path, err := localPath(dir, key)
	if err != nil {
		return &TransferError{Op: "upload", Key: key, Err: err}
	}

	f, err := os.Open(path)
	if err != nil {
		return &TransferError{Op: "upload", Key: key, Err: err}
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return &TransferError{Op: "upload", Key: key, Err: err}
	}
	return rc.client.Upload(ctx, key, f, stat.Size())
}

// IsTransferError reports whether err is a failed LIST, download or upload.
func IsTransferError(err error) bool {
	var transferErr *TransferError
	return errors.As(err, &transferErr)
}
