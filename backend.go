package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/richardartoul/cachier/backends"
)

// newBackend builds the storage backend selected by cfg. With -debug every
// backend call is logged.
func newBackend(ctx context.Context, cfg *serverConfig, logger *slog.Logger) (backends.Backend, error) {
	var (
		backend backends.Backend
		err     error
	)
	switch cfg.backend {
	case "memory":
		backend = backends.NewMemory()
	case "disk":
		backend, err = backends.NewDisk(cfg.diskDir, logger)
	case "s3":
		backend, err = backends.NewS3(ctx, backends.S3Config{
			Bucket:   cfg.s3Bucket,
			Prefix:   cfg.s3Prefix,
			Region:   cfg.s3Region,
			Endpoint: cfg.s3Endpoint,
		})
	case "minio":
		backend, err = backends.NewMinio(backends.MinioConfig{
			Endpoint:        cfg.minioEndpoint,
			Bucket:          cfg.minioBucket,
			Prefix:          cfg.minioPrefix,
			Region:          cfg.minioRegion,
			AccessKeyID:     cfg.minioAccessKey,
			SecretAccessKey: cfg.minioSecretKey,
			DisableSSL:      cfg.minioInsecure,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s backend: %w", cfg.backend, err)
	}

	if cfg.debug {
		backend = backends.NewDebug(backend, logger)
	}
	return backend, nil
}
