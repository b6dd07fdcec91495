package backends

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned by Get when no object exists at the key.
	ErrNotFound = errors.New("object not found")

	// ErrInvalidKey is returned when a key is empty or would escape the
	// namespace it is stored in.
	ErrInvalidKey = errors.New("invalid object key")
)

// DefaultContentType is recorded for objects stored without a content type.
const DefaultContentType = "application/octet-stream"

// Backend defines the interface for the object storage behind the asset store.
//
// Implementations can be swapped to use different storage mechanisms.
//
// Implementations must be safe for concurrent use. Concurrent writes to the
// same key are last-writer-wins, and a reader must never observe a partially
// written object.
type Backend interface {
	// Put stores body at key, overwriting any existing object.
	// opts.Size is the body length in bytes, or -1 if unknown.
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (ObjectInfo, error)

	// Get returns the object at key. The caller must close Object.Body.
	// Returns ErrNotFound if the object does not exist.
	Get(ctx context.Context, key string) (*Object, error)

	// Delete removes the object at key. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every object whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Close performs any cleanup operations needed by the backend.
	Close() error
}

// PutOptions carries the metadata recorded alongside an object.
type PutOptions struct {
	ContentType string
	Size        int64
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string // unquoted
	ContentType  string
	LastModified time.Time
}

// Object is a stored object and its payload.
type Object struct {
	ObjectInfo
	Body io.ReadCloser
}

func contentTypeOrDefault(contentType string) string {
	if contentType == "" {
		return DefaultContentType
	}
	return contentType
}
