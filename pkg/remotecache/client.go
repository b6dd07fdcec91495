package remotecache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/richardartoul/cachier/pkg/assetstore"
	"github.com/richardartoul/cachier/pkg/metrics"
)

// maxErrorBody caps how much of an error response is kept in a StatusError.
const maxErrorBody = 512

// AssetClient talks to the asset store over HTTP. Every call is bounded by
// its own timeout.
type AssetClient struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
	latency    *metrics.LatencyTracker
}

// NewAssetClient creates a client from cfg.
func NewAssetClient(cfg Config) (*AssetClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &AssetClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		timeout:    cfg.Timeout,
		httpClient: cfg.HTTPClient,
		latency:    cfg.Latency,
	}, nil
}

// List returns every object whose key starts with prefix.
func (c *AssetClient) List(ctx context.Context, prefix string) ([]assetstore.ListedObject, error) {
	defer c.latency.Since(metrics.OpList, time.Now())

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + assetstore.ListPath + "?" + url.Values{assetstore.PrefixParam: {prefix}}.Encode()
	resp, err := c.do(ctx, http.MethodGet, u, nil, -1)
	if err != nil {
		return nil, &TransferError{Op: "list", Key: prefix, Err: err}
	}
	defer resp.Body.Close()

	var result assetstore.ListResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &TransferError{Op: "list", Key: prefix, Err: fmt.Errorf("failed to decode listing: %w", err)}
	}
	if result.Objects == nil {
		result.Objects = []assetstore.ListedObject{}
	}
	return result.Objects, nil
}

// Download copies the object at key into w and returns the number of bytes written.
func (c *AssetClient) Download(ctx context.Context, key string, w io.Writer) (int64, error) {
	defer c.latency.Since(metrics.OpDownload, time.Now())

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, c.assetURL(key), nil, -1)
	if err != nil {
		return 0, &TransferError{Op: "download", Key: key, Err: err}
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, &TransferError{Op: "download", Key: key, Err: err}
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return n, &TransferError{Op: "download", Key: key, Err: fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength)}
	}
	return n, nil
}

// Upload stores size bytes read from body at key.
func (c *AssetClient) Upload(ctx context.Context, key string, body io.Reader, size int64) error {
	defer c.latency.Since(metrics.OpUpload, time.Now())

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if size == 0 {
		body = http.NoBody
	}
	resp, err := c.do(ctx, http.MethodPut, c.assetURL(key), body, size)
	if err != nil {
		return &TransferError{Op: "upload", Key: key, Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

// do sends a request and returns the response if its status is 2xx.
func (c *AssetClient) do(ctx context.Context, method, u string, body io.Reader, size int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(assetstore.APIKeyHeader, c.apiKey)
	if body != nil {
		req.ContentLength = size
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return resp, nil
}

// assetURL escapes each segment of key but keeps the separators.
func (c *AssetClient) assetURL(key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return c.baseURL + assetstore.AssetsPath + strings.Join(segments, "/")
}
