package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/richardartoul/cachier/pkg/locking"
	"github.com/richardartoul/cachier/pkg/remotecache"
)

// serverConfig configures the asset store service.
type serverConfig struct {
	addr        string
	metricsAddr string
	apiKey      string
	backend     string
	debug       bool
	logLevel    string

	diskDir string

	s3Bucket   string
	s3Prefix   string
	s3Region   string
	s3Endpoint string

	minioEndpoint  string
	minioBucket    string
	minioAccessKey string
	minioSecretKey string
	minioPrefix    string
	minioRegion    string
	minioInsecure  bool
}

// clientConfig configures the remote cache client commands.
type clientConfig struct {
	url              string
	apiKey           string
	timeout          time.Duration
	concurrency      int
	allowUncommitted bool
	lockDir          string
	noLock           bool
	debug            bool
	logLevel         string
}

func parseServerFlags(args []string) (*serverConfig, error) {
	cfg := &serverConfig{}
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&cfg.addr, "addr", getEnv("CACHIER_ADDR", ":8080"), "address to listen on")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", getEnv("CACHIER_METRICS_ADDR", ""), "address to serve Prometheus metrics on (empty disables)")
	fs.StringVar(&cfg.apiKey, "api-key", getEnv("CACHIER_API_KEY", ""), "shared secret required in the x-cachier-api-key header")
	fs.StringVar(&cfg.backend, "backend", getEnv("CACHIER_BACKEND", "disk"), "storage backend: memory, disk, s3 or minio")
	fs.BoolVar(&cfg.debug, "debug", getEnvBool("CACHIER_DEBUG", false), "log every backend call")
	fs.StringVar(&cfg.logLevel, "log-level", getEnv("CACHIER_LOG_LEVEL", "info"), "log level: debug, info, warn or error")

	fs.StringVar(&cfg.diskDir, "disk-dir", getEnv("CACHIER_DISK_DIR", "cachier-data"), "root directory of the disk backend")

	fs.StringVar(&cfg.s3Bucket, "s3-bucket", getEnv("CACHIER_S3_BUCKET", ""), "S3 bucket")
	fs.StringVar(&cfg.s3Prefix, "s3-prefix", getEnv("CACHIER_S3_PREFIX", ""), "prefix prepended to S3 object keys")
	fs.StringVar(&cfg.s3Region, "s3-region", getEnv("CACHIER_S3_REGION", ""), "S3 region (defaults to the AWS config)")
	fs.StringVar(&cfg.s3Endpoint, "s3-endpoint", getEnv("CACHIER_S3_ENDPOINT", ""), "custom S3 endpoint URL")

	fs.StringVar(&cfg.minioEndpoint, "minio-endpoint", getEnv("CACHIER_MINIO_ENDPOINT", ""), "MinIO endpoint host:port")
	fs.StringVar(&cfg.minioBucket, "minio-bucket", getEnv("CACHIER_MINIO_BUCKET", ""), "MinIO bucket")
	fs.StringVar(&cfg.minioAccessKey, "minio-access-key", getEnv("CACHIER_MINIO_ACCESS_KEY", ""), "MinIO access key (IAM credentials when empty)")
	fs.StringVar(&cfg.minioSecretKey, "minio-secret-key", getEnv("CACHIER_MINIO_SECRET_KEY", ""), "MinIO secret key")
	fs.StringVar(&cfg.minioPrefix, "minio-prefix", getEnv("CACHIER_MINIO_PREFIX", ""), "prefix prepended to MinIO object keys")
	fs.StringVar(&cfg.minioRegion, "minio-region", getEnv("CACHIER_MINIO_REGION", ""), "MinIO region")
	fs.BoolVar(&cfg.minioInsecure, "minio-insecure", getEnvBool("CACHIER_MINIO_INSECURE", false), "talk to MinIO over plain HTTP")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return cfg, cfg.validate()
}

func (c *serverConfig) validate() error {
	if c.apiKey == "" {
		return errors.New("an api key is required (-api-key or CACHIER_API_KEY)")
	}
	switch c.backend {
	case "memory":
	case "disk":
		if c.diskDir == "" {
			return errors.New("-disk-dir is required for the disk backend")
		}
	case "s3":
		if c.s3Bucket == "" {
			return errors.New("-s3-bucket is required for the s3 backend")
		}
	case "minio":
		if c.minioEndpoint == "" || c.minioBucket == "" {
			return errors.New("-minio-endpoint and -minio-bucket are required for the minio backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.backend)
	}
	return nil
}

// parseClientFlags parses the flags shared by retrieve, store and run and
// returns the remaining positional arguments.
func parseClientFlags(name string, args []string) (*clientConfig, []string, error) {
	cfg := &clientConfig{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&cfg.url, "url", getEnv("CACHIER_URL", ""), "base URL of the asset store")
	fs.StringVar(&cfg.apiKey, "api-key", getEnv("CACHIER_API_KEY", ""), "shared secret sent in the x-cachier-api-key header")
	fs.DurationVar(&cfg.timeout, "timeout", getEnvDuration("CACHIER_TIMEOUT", remotecache.DefaultTimeout), "timeout of each network call")
	fs.IntVar(&cfg.concurrency, "concurrency", getEnvInt("CACHIER_CONCURRENCY", remotecache.DefaultConcurrency), "parallel transfers per operation")
	fs.BoolVar(&cfg.allowUncommitted, "allow-uncommitted", getEnvBool("CACHIER_ALLOW_UNCOMMITTED", false), "treat entries without a commit marker as hits")
	fs.StringVar(&cfg.lockDir, "lock-dir", getEnv("CACHIER_LOCK_DIR", ""), "directory for lock files (defaults to $TMPDIR/cachier-locks)")
	fs.BoolVar(&cfg.noLock, "no-lock", getEnvBool("CACHIER_NO_LOCK", false), "do not serialize operations on the same hash across processes")
	fs.BoolVar(&cfg.debug, "debug", getEnvBool("CACHIER_DEBUG", false), "enable debug logging")
	fs.StringVar(&cfg.logLevel, "log-level", getEnv("CACHIER_LOG_LEVEL", "info"), "log level: debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	return cfg, fs.Args(), nil
}

func (c *clientConfig) remoteCacheConfig(logger *slog.Logger) remotecache.Config {
	cfg := remotecache.Config{
		BaseURL:          c.url,
		APIKey:           c.apiKey,
		Timeout:          c.timeout,
		Concurrency:      c.concurrency,
		AllowUncommitted: c.allowUncommitted,
		LockDir:          c.lockDir,
		Logger:           logger,
	}
	if c.noLock {
		cfg.Locks = locking.NewNoOpGroup()
	}
	return cfg
}

func newLogger(w io.Writer, level string, debug bool) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if debug {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
