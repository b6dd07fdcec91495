package backends

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// Debug wraps any Backend and adds debug logging.
// This allows any backend implementation to have debug logging without
// coupling the debug logic to the backend implementation.
type Debug struct {
	backend Backend
	logger  *slog.Logger
}

// NewDebug creates a new debug wrapper around an existing backend.
func NewDebug(backend Backend, logger *slog.Logger) *Debug {
	if logger == nil {
		logger = slog.Default()
	}
	return &Debug{
		backend: backend,
		logger:  logger.With("component", "backend"),
	}
}

// Put stores an object with debug logging.
func (d *Debug) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (ObjectInfo, error) {
	d.logger.DebugContext(ctx, "put", "key", key, "size", opts.Size, "contentType", opts.ContentType)

	info, err := d.backend.Put(ctx, key, body, opts)
	if err != nil {
		d.logger.DebugContext(ctx, "put failed", "key", key, "error", err)
		return info, err
	}

	d.logger.DebugContext(ctx, "put stored", "key", key, "size", info.Size, "etag", info.ETag)
	return info, nil
}

// Get retrieves an object with debug logging.
func (d *Debug) Get(ctx context.Context, key string) (*Object, error) {
	d.logger.DebugContext(ctx, "get", "key", key)

	obj, err := d.backend.Get(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		d.logger.DebugContext(ctx, "get miss", "key", key)
	case err != nil:
		d.logger.DebugContext(ctx, "get failed", "key", key, "error", err)
	default:
		d.logger.DebugContext(ctx, "get hit", "key", key, "size", obj.Size, "etag", obj.ETag)
	}
	return obj, err
}

// Delete removes an object with debug logging.
func (d *Debug) Delete(ctx context.Context, key string) error {
	d.logger.DebugContext(ctx, "delete", "key", key)

	err := d.backend.Delete(ctx, key)
	if err != nil {
		d.logger.DebugContext(ctx, "delete failed", "key", key, "error", err)
	}
	return err
}

// List lists objects with debug logging.
func (d *Debug) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	d.logger.DebugContext(ctx, "list", "prefix", prefix)

	infos, err := d.backend.List(ctx, prefix)
	if err != nil {
		d.logger.DebugContext(ctx, "list failed", "prefix", prefix, "error", err)
		return infos, err
	}

	d.logger.DebugContext(ctx, "list done", "prefix", prefix, "count", len(infos))
	return infos, nil
}

// Close performs cleanup operations with debug logging.
func (d *Debug) Close() error {
	d.logger.Debug("closing backend")

	err := d.backend.Close()
	if err != nil {
		d.logger.Debug("close failed", "error", err)
	}
	return err
}
