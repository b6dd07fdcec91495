package remotecache

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/richardartoul/cachier/pkg/locking"
	"github.com/richardartoul/cachier/pkg/metrics"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultConcurrency = 8
)

// Config configures a RemoteCache.
type Config struct {
	// BaseURL of the asset store, e.g. https://cache.example.com.
	BaseURL string
	// APIKey is sent in the x-cachier-api-key header.
	APIKey string
	// Timeout bounds every single network call (LIST, GET or PUT).
	Timeout time.Duration
	// Concurrency bounds parallel downloads and uploads within one call.
	Concurrency int
	// AllowUncommitted treats any object under the hash prefix as a hit,
	// even when the entry's commit marker is missing.
	AllowUncommitted bool

	// Locks serializes retrieve and store of the same hash. Defaults to a
	// FileLock under LockDir.
	Locks locking.Group
	// LockDir holds lock files when Locks is nil. Defaults to
	// $TMPDIR/cachier-locks. At most locking.DefaultFileLockStripes files
	// are created there.
	LockDir string

	HTTPClient *http.Client
	Logger     *slog.Logger
	Latency    *metrics.LatencyTracker
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Locks == nil {
		if c.LockDir == "" {
			c.LockDir = filepath.Join(os.TempDir(), "cachier-locks")
		}
		c.Locks = locking.NewFileLock(c.LockDir)
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base URL is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("base URL must be http or https")
	}
	if c.APIKey == "" {
		return errors.New("api key is required")
	}
	return nil
}
