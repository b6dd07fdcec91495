package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/richardartoul/cachier/pkg/assetstore"
	"github.com/richardartoul/cachier/pkg/metrics"
)

const shutdownTimeout = 10 * time.Second

// runServer serves the asset store until ctx is cancelled, then drains
// in-flight requests.
func runServer(ctx context.Context, cfg *serverConfig, logger *slog.Logger) error {
	backend, err := newBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	latency := metrics.NewLatencyTracker(metrics.DefaultRelativeAccuracy)
	defer latency.LogStats(logger)

	store, err := assetstore.NewServer(backend, cfg.apiKey,
		assetstore.WithLogger(logger),
		assetstore.WithLatencyTracker(latency))
	if err != nil {
		return err
	}

	servers := []*http.Server{newHTTPServer(ctx, cfg.addr, store)}
	if cfg.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, newHTTPServer(ctx, cfg.metricsAddr, mux))
	}

	listeners := make([]net.Listener, 0, len(servers))
	for _, srv := range servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, open := range listeners {
				open.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
		}
		listeners = append(listeners, ln)
	}

	errCh := make(chan error, len(servers))
	for i, srv := range servers {
		logger.Info("listening", "addr", listeners[i].Addr().String(), "backend", cfg.backend)
		go func() {
			if err := srv.Serve(listeners[i]); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("failed to shut down cleanly", "addr", srv.Addr, "error", shutdownErr)
		}
	}
	return err
}

func newHTTPServer(ctx context.Context, addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
}
