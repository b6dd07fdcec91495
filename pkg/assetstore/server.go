package assetstore

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/richardartoul/cachier/backends"
	"github.com/richardartoul/cachier/pkg/metrics"
)

// Server is the asset store HTTP handler.
type Server struct {
	backend backends.Backend
	apiKey  string
	logger  *slog.Logger
	latency *metrics.LatencyTracker
	mux     *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithLatencyTracker records per-operation handler latency into tracker.
func WithLatencyTracker(tracker *metrics.LatencyTracker) Option {
	return func(s *Server) {
		s.latency = tracker
	}
}

// NewServer creates a Server storing objects in backend and requiring
// apiKey on every request.
func NewServer(backend backends.Backend, apiKey string, opts ...Option) (*Server, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}

	s := &Server{
		backend: backend,
		apiKey:  apiKey,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc(AssetsPath, s.handleAsset)
	s.mux.HandleFunc(ListPath, s.handleList)
	return s, nil
}

// ServeHTTP checks the shared secret before any routing takes place.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		metrics.ServerRequests.WithLabelValues("unauthorized", strconv.Itoa(http.StatusUnauthorized)).Inc()
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) authorized(r *http.Request) bool {
	got := r.Header.Get(APIKeyHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) == 1
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, AssetsPath)

	switch r.Method {
	case http.MethodPut:
		s.observe(metrics.OpServerPut, w, r, func(w *statusWriter) { s.putAsset(w, r, key) })
	case http.MethodGet:
		s.observe(metrics.OpServerGet, w, r, func(w *statusWriter) { s.getAsset(w, r, key) })
	case http.MethodDelete:
		s.observe(metrics.OpServerDelete, w, r, func(w *statusWriter) { s.deleteAsset(w, r, key) })
	default:
		w.Header().Set("Allow", allowedAssetMethods)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) putAsset(w http.ResponseWriter, r *http.Request, key string) {
	if !s.validKey(w, key) {
		return
	}

	info, err := s.backend.Put(r.Context(), key, r.Body, backends.PutOptions{
		ContentType: r.Header.Get("Content-Type"),
		Size:        r.ContentLength,
	})
	if err != nil {
		s.backendError(w, r, "put", key, err)
		return
	}
	metrics.ServerBytes.WithLabelValues("in").Add(float64(info.Size))

	fmt.Fprintf(w, "Put %s successfully!", key)
}

func (s *Server) getAsset(w http.ResponseWriter, r *http.Request, key string) {
	if !s.validKey(w, key) {
		return
	}

	obj, err := s.backend.Get(r.Context(), key)
	if errors.Is(err, backends.ErrNotFound) {
		// Expected for lookups, not an error.
		s.logger.DebugContext(r.Context(), "object not found", "key", key)
		http.Error(w, "Object Not Found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.backendError(w, r, "get", key, err)
		return
	}
	defer obj.Body.Close()

	header := w.Header()
	header.Set("Content-Type", obj.ContentType)
	header.Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	if obj.ETag != "" {
		header.Set("ETag", strconv.Quote(obj.ETag))
	}
	if !obj.LastModified.IsZero() {
		header.Set("Last-Modified", obj.LastModified.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, obj.Body)
	metrics.ServerBytes.WithLabelValues("out").Add(float64(n))
	if err != nil {
		// Headers are already sent; the client sees a short body.
		s.logger.WarnContext(r.Context(), "failed to stream object",
			"key", key,
			"written", n,
			"error", err)
	}
}

func (s *Server) deleteAsset(w http.ResponseWriter, r *http.Request, key string) {
	if !s.validKey(w, key) {
		return
	}

	if err := s.backend.Delete(r.Context(), key); err != nil {
		s.backendError(w, r, "delete", key, err)
		return
	}
	fmt.Fprint(w, "Deleted!")
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	s.observe(metrics.OpServerList, w, r, func(w *statusWriter) {
		prefix := r.URL.Query().Get(PrefixParam)
		if prefix == "" {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}

		infos, err := s.backend.List(r.Context(), prefix)
		if err != nil {
			s.backendError(w, r, "list", prefix, err)
			return
		}

		result := ListResult{Objects: make([]ListedObject, 0, len(infos))}
		for _, info := range infos {
			result.Objects = append(result.Objects, ListedObject{
				Key:      info.Key,
				Size:     info.Size,
				ETag:     info.ETag,
				Uploaded: info.LastModified,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(result); err != nil {
			s.logger.WarnContext(r.Context(), "failed to write listing",
				"prefix", prefix,
				"error", err)
		}
	})
}

func (s *Server) validKey(w http.ResponseWriter, key string) bool {
	if err := backends.ValidateKey(key); err != nil {
		http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) backendError(w http.ResponseWriter, r *http.Request, op, key string, err error) {
	if errors.Is(err, backends.ErrInvalidKey) {
		http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.logger.ErrorContext(r.Context(), "backend operation failed",
		"operation", op,
		"key", key,
		"error", err)
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

// observe runs handle and records its latency and response status.
func (s *Server) observe(operation string, w http.ResponseWriter, r *http.Request, handle func(w *statusWriter)) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	handle(sw)

	elapsed := time.Since(start)
	s.latency.Record(operation, elapsed)
	metrics.ServerRequests.WithLabelValues(operation, strconv.Itoa(sw.status)).Inc()
	s.logger.DebugContext(r.Context(), "request",
		"operation", operation,
		"path", r.URL.Path,
		"status", sw.status,
		"duration", elapsed)
}

// statusWriter remembers the status code written through it.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(p)
}
