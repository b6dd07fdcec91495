package remotecache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/cachier/backends"
	"github.com/richardartoul/cachier/pkg/assetstore"
	"github.com/richardartoul/cachier/pkg/locking"
	"github.com/richardartoul/cachier/pkg/metrics"
)

const testAPIKey = "secret"

// testEnv is an in-process asset store plus hooks to observe and break it.
type testEnv struct {
	t       *testing.T
	backend *backends.Memory
	server  *httptest.Server

	mu   sync.Mutex
	puts []string
	// intercept, when set, may handle a request itself by returning true.
	intercept func(w http.ResponseWriter, r *http.Request, key string) bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{t: t, backend: backends.NewMemory()}

	store, err := assetstore.NewServer(env.backend, testAPIKey)
	require.NoError(t, err)

	env.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, assetstore.AssetsPath)
		env.mu.Lock()
		intercept := env.intercept
		if r.Method == http.MethodPut {
			env.puts = append(env.puts, key)
		}
		env.mu.Unlock()

		if intercept != nil && intercept(w, r, key) {
			return
		}
		store.ServeHTTP(w, r)
	}))
	t.Cleanup(env.server.Close)
	return env
}

func (env *testEnv) config() Config {
	return Config{
		BaseURL: env.server.URL,
		APIKey:  testAPIKey,
		Timeout: 5 * time.Second,
		Locks:   locking.NewMemLock(),
		Latency: metrics.NewLatencyTracker(metrics.DefaultRelativeAccuracy),
	}
}

func (env *testEnv) cache(modify ...func(*Config)) *RemoteCache {
	env.t.Helper()
	cfg := env.config()
	for _, m := range modify {
		m(&cfg)
	}
	rc, err := New(cfg)
	require.NoError(env.t, err)
	return rc
}

func (env *testEnv) setIntercept(fn func(w http.ResponseWriter, r *http.Request, key string) bool) {
	env.mu.Lock()
	env.intercept = fn
	env.mu.Unlock()
}

func (env *testEnv) putKeys() []string {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]string(nil), env.puts...)
}

// seed stores objects directly in the backend.
func (env *testEnv) seed(objects map[string]string) {
	env.t.Helper()
	for key, value := range objects {
		_, err := env.backend.Put(context.Background(), key, strings.NewReader(value), backends.PutOptions{Size: int64(len(value))})
		require.NoError(env.t, err)
	}
}

func (env *testEnv) remoteKeys() []string {
	env.t.Helper()
	infos, err := env.backend.List(context.Background(), "")
	require.NoError(env.t, err)
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		keys = append(keys, info.Key)
	}
	return keys
}

func writeLocal(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

// readLocal returns every regular file under dir keyed by slash path.
func readLocal(t *testing.T, dir string) map[string]string {
	t.Helper()
	files := map[string]string{}
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return files
}

var sampleEntry = map[string]string{
	"abc123/out.txt":            "hello",
	"abc123/dist/main.js":       "console.log(1)",
	"abc123/dist/deep/blob.bin": "\x00\x01\x02\xff",
	"abc123/terminalOutput":     "",
	"abc123.commit":             "true",
}

func TestRetrieveMiss(t *testing.T) {
	env := newTestEnv(t)
	rc := env.cache()
	dir := t.TempDir()

	attempt, err := rc.Retrieve(context.Background(), "abc123", dir)
	require.NoError(t, err)
	assert.False(t, attempt.Hit())
	assert.Equal(t, StateMissed, attempt.State())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRetrieveMissDoesNotCreateDir(t *testing.T) {
	env := newTestEnv(t)
	rc := env.cache()
	dir := filepath.Join(t.TempDir(), "cache")

	attempt, err := rc.Retrieve(context.Background(), "abc123", dir)
	require.NoError(t, err)
	assert.False(t, attempt.Hit())

	_, err = os.Stat(dir)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestRetrieveHit(t *testing.T) {
	env := newTestEnv(t)
	env.seed(sampleEntry)
	rc := env.cache()
	dir := t.TempDir()

	attempt, err := rc.Retrieve(context.Background(), "abc123", dir)
	require.NoError(t, err)
	assert.True(t, attempt.Hit())
	assert.Equal(t, StateRetrieved, attempt.State())
	assert.ElementsMatch(t, keysOf(sampleEntry), attempt.Keys())

	// Byte-identical, and no staging directory left behind.
	assert.Equal(t, sampleEntry, readLocal(t, dir))
}

func TestRetrieveOverwritesExistingFiles(t *testing.T) {
	env := newTestEnv(t)
	env.seed(sampleEntry)
	rc := env.cache()
	dir := t.TempDir()
	writeLocal(t, dir, map[string]string{"abc123/out.txt": "stale content", "unrelated.txt": "keep"})

	_, err := rc.Retrieve(context.Background(), "abc123", dir)
	require.NoError(t, err)

	local := readLocal(t, dir)
	assert.Equal(t, "hello", local["abc123/out.txt"])
	assert.Equal(t, "keep", local["unrelated.txt"])
}

func TestRetrieveIgnoresOtherHashesSharingPrefix(t *testing.T) {
	env := newTestEnv(t)
	env.seed(map[string]string{
		"abc1234/out.txt": "other",
		"abc1234.commit":  "true",
	})
	rc := env.cache()
	dir := t.TempDir()

	attempt, err := rc.Retrieve(context.Background(), "abc123", dir)
	require.NoError(t, err)
	assert.False(t, attempt.Hit())
	assert.Empty(t, readLocal(t, dir))
}

func TestRetrieveRequiresCommitMarker(t *testing.T) {
	env := newTestEnv(t)
	env.seed(map[string]string{"abc123/out.txt": "partial"})

	attempt, err := env.cache().Retrieve(context.Background(), "abc123", t.TempDir())
	require.NoError(t, err)
	assert.False(t, attempt.Hit())

	dir := t.TempDir()
	attempt, err = env.cache(func(c *Config) { c.AllowUncommitted = true }).Retrieve(context.Background(), "abc123", dir)
	require.NoError(t, err)
	assert.True(t, attempt.Hit())
	assert.Equal(t, map[string]string{"abc123/out.txt": "partial"}, readLocal(t, dir))
}

func TestRetrieveDownloadFailureLeavesNoEntryFiles(t *testing.T) {
	env := newTestEnv(t)
	env.seed(map[string]string{
		"abc123/a.txt":  "a",
		"abc123/b.txt":  "b",
		"abc123.commit": "true",
	})
	env.setIntercept(func(w http.ResponseWriter, r *http.Request, key string) bool {
		if r.Method == http.MethodGet && key == "abc123/b.txt" {
			// Drop the connection to simulate a network error.
			panic(http.ErrAbortHandler)
		}
		return false
	})
	rc := env.cache()
	dir := t.TempDir()

	attempt, err := rc.Retrieve(context.Background(), "abc123", dir)
	require.Error(t, err)
	assert.True(t, IsTransferError(err))
	assert.Equal(t, StateRetrieveFailed, attempt.State())
	assert.False(t, attempt.Hit())
	assert.Equal(t, err, attempt.Err())

	// All-or-nothing: the downloads that succeeded were discarded with the
	// staging directory.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRetrieveNonSuccessStatusIsError(t *testing.T) {
	env := newTestEnv(t)
	env.seed(sampleEntry)
	env.setIntercept(func(w http.ResponseWriter, r *http.Request, key string) bool {
		if r.Method == http.MethodGet && key == "abc123/out.txt" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return true
		}
		return false
	})

	_, err := env.cache().Retrieve(context.Background(), "abc123", t.TempDir())
	require.Error(t, err)

	var transferErr *TransferError
	require.True(t, errors.As(err, &transferErr))
	assert.Equal(t, "download", transferErr.Op)
	assert.Equal(t, "abc123/out.txt", transferErr.Key)
	assert.Equal(t, http.StatusInternalServerError, transferErr.StatusCode())
}

func TestRetrieveTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.setIntercept(func(w http.ResponseWriter, r *http.Request, key string) bool {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		return true
	})
	rc := env.cache(func(c *Config) { c.Timeout = 50 * time.Millisecond })

	_, err := rc.Retrieve(context.Background(), "abc123", t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetrieveUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	rc := env.cache(func(c *Config) { c.APIKey = "wrong" })

	_, err := rc.Retrieve(context.Background(), "abc123", t.TempDir())
	require.Error(t, err)

	var transferErr *TransferError
	require.True(t, errors.As(err, &transferErr))
	assert.Equal(t, "list", transferErr.Op)
	assert.Equal(t, http.StatusUnauthorized, transferErr.StatusCode())
}

func TestRetrieveInvalidHash(t *testing.T) {
	env := newTestEnv(t)
	rc := env.cache()

	for _, hash := range []string{"", "a/b", "..", "."} {
		_, err := rc.Retrieve(context.Background(), hash, t.TempDir())
		assert.ErrorIs(t, err, ErrInvalidHash, "hash %q", hash)
	}
}

func TestStoreSkippedAfterRetrieve(t *testing.T) {
	env := newTestEnv(t)
	env.seed(sampleEntry)
	rc := env.cache()
	dir := t.TempDir()

	attempt, err := rc.Retrieve(context.Background(), "abc123", dir)
	require.NoError(t, err)
	require.True(t, attempt.Hit())

	assert.False(t, rc.Store(context.Background(), attempt))
	assert.Equal(t, StateSkippedStore, attempt.State())
	assert.True(t, attempt.Hit())
	assert.Empty(t, env.putKeys())
}

func TestStoreAfterMiss(t *testing.T) {
	env := newTestEnv(t)
	rc := env.cache()
	dir := t.TempDir()
	writeLocal(t, dir, sampleEntry)
	// Files outside the entry are never uploaded.
	writeLocal(t, dir, map[string]string{"other/file.txt": "x", "abc123-sibling.txt": "y"})

	attempt, err := rc.Retrieve(context.Background(), "abc123", dir)
	require.NoError(t, err)
	require.False(t, attempt.Hit())

	assert.True(t, rc.Store(context.Background(), attempt))
	assert.Equal(t, StateStored, attempt.State())

	assert.ElementsMatch(t, keysOf(sampleEntry), env.remoteKeys())
	assert.ElementsMatch(t, keysOf(sampleEntry), env.putKeys())
	assert.ElementsMatch(t, keysOf(sampleEntry), attempt.Keys())
	for key, want := range sampleEntry {
		obj, err := env.backend.Get(context.Background(), key)
		require.NoError(t, err)
		data, err := io.ReadAll(obj.Body)
		obj.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, want, string(data), key)
	}
}

func TestStoreUploadsCommitMarkerLast(t *testing.T) {
	env := newTestEnv(t)
	rc := env.cache(func(c *Config) { c.Concurrency = 3 })
	dir := t.TempDir()
	writeLocal(t, dir, sampleEntry)

	require.True(t, rc.Store(context.Background(), NewAttempt("abc123", dir)))

	puts := env.putKeys()
	require.Len(t, puts, len(sampleEntry))
	assert.Equal(t, "abc123.commit", puts[len(puts)-1])
}

func TestStoreUploadFailure(t *testing.T) {
	env := newTestEnv(t)
	env.setIntercept(func(w http.ResponseWriter, r *http.Request, key string) bool {
		if r.Method == http.MethodPut && key == "abc123/dist/main.js" {
			http.Error(w, "quota exceeded", http.StatusInsufficientStorage)
			return true
		}
		return false
	})
	rc := env.cache()
	dir := t.TempDir()
	writeLocal(t, dir, sampleEntry)

	attempt := NewAttempt("abc123", dir)
	assert.False(t, rc.Store(context.Background(), attempt))
	assert.Equal(t, StateStoreFailed, attempt.State())
	assert.True(t, IsTransferError(attempt.Err()))

	// The entry is never committed remotely.
	assert.NotContains(t, env.remoteKeys(), "abc123.commit")
	assert.NotContains(t, env.putKeys(), "abc123.commit")
}

func TestStoreMissingLocalEntry(t *testing.T) {
	env := newTestEnv(t)
	rc := env.cache()

	dir := t.TempDir()
	attempt := NewAttempt("abc123", dir)
	assert.False(t, rc.Store(context.Background(), attempt))
	assert.Equal(t, StateStoreFailed, attempt.State())

	// Outputs without the commit marker are not stored either.
	writeLocal(t, dir, map[string]string{"abc123/out.txt": "hello"})
	attempt = NewAttempt("abc123", dir)
	assert.False(t, rc.Store(context.Background(), attempt))
	assert.Empty(t, env.putKeys())
}

func TestStoreOnlyOnce(t *testing.T) {
	env := newTestEnv(t)
	rc := env.cache()
	dir := t.TempDir()
	writeLocal(t, dir, sampleEntry)

	attempt := NewAttempt("abc123", dir)
	require.True(t, rc.Store(context.Background(), attempt))
	n := len(env.putKeys())

	assert.False(t, rc.Store(context.Background(), attempt))
	assert.Equal(t, StateStored, attempt.State())
	assert.Len(t, env.putKeys(), n)
}

func TestStoreRecordsLatency(t *testing.T) {
	env := newTestEnv(t)
	tracker := metrics.NewLatencyTracker(metrics.DefaultRelativeAccuracy)
	rc := env.cache(func(c *Config) { c.Latency = tracker })
	dir := t.TempDir()
	writeLocal(t, dir, sampleEntry)

	attempt := NewAttempt("abc123", dir)
	require.True(t, rc.Store(context.Background(), attempt))
	// Finished attempts are not timed again.
	require.False(t, rc.Store(context.Background(), attempt))

	counts := map[string]int64{}
	for _, s := range tracker.GetAllStats() {
		counts[s.Operation] = s.Count
	}
	assert.Equal(t, int64(1), counts[metrics.OpStore])
	assert.Equal(t, int64(len(sampleEntry)), counts[metrics.OpUpload])
}

func TestStoreUsesFileLocksByDefault(t *testing.T) {
	env := newTestEnv(t)
	lockDir := t.TempDir()
	rc := env.cache(func(c *Config) {
		c.Locks = nil
		c.LockDir = lockDir
	})
	dir := t.TempDir()
	writeLocal(t, dir, sampleEntry)

	require.True(t, rc.Store(context.Background(), NewAttempt("abc123", dir)))
	entries, err := os.ReadDir(lockDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStoreAfterFailedRetrieve(t *testing.T) {
	env := newTestEnv(t)
	env.seed(sampleEntry)
	env.setIntercept(func(w http.ResponseWriter, r *http.Request, key string) bool {
		if r.Method == http.MethodGet && key == "abc123/out.txt" {
			http.Error(w, "boom", http.StatusBadGateway)
			return true
		}
		return false
	})
	rc := env.cache()
	dir := t.TempDir()

	attempt, err := rc.Retrieve(context.Background(), "abc123", dir)
	require.Error(t, err)

	// The task was rebuilt locally; its fresh outputs may be published.
	writeLocal(t, dir, sampleEntry)
	assert.True(t, rc.Store(context.Background(), attempt))
}

func TestRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	files := map[string]string{
		"f00d/out.txt":        "hello",
		"f00d/with space.txt": "spaces survive",
		"f00d/a/b/c/d.bin":    strings.Repeat("\x00\x7f\xff", 10000),
		"f00d/empty":          "",
		"f00d.commit":         "true",
	}

	src := t.TempDir()
	writeLocal(t, src, files)
	producer := env.cache().NewProvider()
	hit, err := producer.Retrieve(context.Background(), "f00d", src)
	require.NoError(t, err)
	require.False(t, hit)
	require.True(t, producer.Store(context.Background(), "f00d", src))

	dst := t.TempDir()
	consumer := env.cache().NewProvider()
	hit, err = consumer.Retrieve(context.Background(), "f00d", dst)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, files, readLocal(t, dst))

	assert.False(t, consumer.Store(context.Background(), "f00d", dst))
	assert.Equal(t, StateSkippedStore, consumer.Attempt().State())
}

func TestConcurrentRetrievesOfDifferentHashes(t *testing.T) {
	env := newTestEnv(t)
	hashes := []string{"h1", "h2", "h3", "h4"}
	for _, h := range hashes {
		env.seed(map[string]string{h + "/out.txt": h, h + ".commit": "true"})
	}
	rc := env.cache()
	dir := t.TempDir()

	var wg sync.WaitGroup
	for _, h := range hashes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			attempt, err := rc.Retrieve(context.Background(), h, dir)
			assert.NoError(t, err)
			assert.True(t, attempt.Hit())
		}()
	}
	wg.Wait()

	local := readLocal(t, dir)
	for _, h := range hashes {
		assert.Equal(t, h, local[h+"/out.txt"])
	}
}

func keysOf(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
