package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBackend runs the behavior every Backend implementation must share.
func testBackend(t *testing.T, newBackend func(t *testing.T) Backend) {
	t.Run("PutGet", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		info, err := b.Put(ctx, "abc123/out.txt", strings.NewReader("hello"), PutOptions{ContentType: "text/plain", Size: 5})
		require.NoError(t, err)
		assert.Equal(t, "abc123/out.txt", info.Key)
		assert.Equal(t, int64(5), info.Size)
		assert.NotEmpty(t, info.ETag)

		obj, err := b.Get(ctx, "abc123/out.txt")
		require.NoError(t, err)
		defer obj.Body.Close()
		data, err := io.ReadAll(obj.Body)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
		assert.Equal(t, "text/plain", obj.ContentType)
		assert.Equal(t, info.ETag, obj.ETag)
		assert.Equal(t, int64(5), obj.Size)
	})

	t.Run("DefaultContentType", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		_, err := b.Put(ctx, "k", strings.NewReader("x"), PutOptions{Size: -1})
		require.NoError(t, err)
		obj, err := b.Get(ctx, "k")
		require.NoError(t, err)
		obj.Body.Close()
		assert.Equal(t, DefaultContentType, obj.ContentType)
	})

	t.Run("Overwrite", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		_, err := b.Put(ctx, "k", strings.NewReader("first"), PutOptions{Size: -1})
		require.NoError(t, err)
		_, err = b.Put(ctx, "k", strings.NewReader("second value"), PutOptions{Size: -1})
		require.NoError(t, err)

		assert.Equal(t, "second value", readObject(t, b, "k"))
	})

	t.Run("GetMissing", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Get(context.Background(), "nope/missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DeleteIsIdempotent", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		_, err := b.Put(ctx, "abc123/out.txt", strings.NewReader("hello"), PutOptions{Size: 5})
		require.NoError(t, err)

		require.NoError(t, b.Delete(ctx, "abc123/out.txt"))
		require.NoError(t, b.Delete(ctx, "abc123/out.txt"))
		require.NoError(t, b.Delete(ctx, "never/existed"))

		_, err = b.Get(ctx, "abc123/out.txt")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ListByPrefix", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		for _, key := range []string{"abc/b.txt", "abc/a/deep.txt", "abc.commit", "abd/x", "zzz"} {
			_, err := b.Put(ctx, key, strings.NewReader(key), PutOptions{Size: int64(len(key))})
			require.NoError(t, err)
		}

		infos, err := b.List(ctx, "abc")
		require.NoError(t, err)
		assert.Equal(t, []string{"abc.commit", "abc/a/deep.txt", "abc/b.txt"}, keysOf(infos))
		for _, info := range infos {
			assert.Equal(t, int64(len(info.Key)), info.Size)
		}

		infos, err = b.List(ctx, "abc/a/")
		require.NoError(t, err)
		assert.Equal(t, []string{"abc/a/deep.txt"}, keysOf(infos))

		infos, err = b.List(ctx, "nomatch")
		require.NoError(t, err)
		assert.NotNil(t, infos)
		assert.Empty(t, infos)
	})

	t.Run("NestedKeys", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		_, err := b.Put(ctx, "a", strings.NewReader("parent"), PutOptions{Size: -1})
		require.NoError(t, err)
		_, err = b.Put(ctx, "a/b", strings.NewReader("child"), PutOptions{Size: -1})
		require.NoError(t, err)
		assert.Equal(t, "parent", readObject(t, b, "a"))
		assert.Equal(t, "child", readObject(t, b, "a/b"))

		infos, err := b.List(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "a/b"}, keysOf(infos))

		_, err = b.Put(ctx, "c/d", strings.NewReader("deep"), PutOptions{Size: -1})
		require.NoError(t, err)
		require.NoError(t, b.Delete(ctx, "c/d"))
		_, err = b.Put(ctx, "c", strings.NewReader("flat"), PutOptions{Size: -1})
		require.NoError(t, err)
		assert.Equal(t, "flat", readObject(t, b, "c"))

		_, err = b.Get(ctx, "c/d")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("InvalidKeys", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		for _, key := range []string{"", "/abs", "a/../b", "a//b", "./a"} {
			_, err := b.Put(ctx, key, strings.NewReader("x"), PutOptions{Size: 1})
			assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
			_, err = b.Get(ctx, key)
			assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
		}
	})

	t.Run("ConcurrentDisjointKeys", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := fmt.Sprintf("hash%d/file.txt", i)
				_, err := b.Put(ctx, key, strings.NewReader(key), PutOptions{Size: -1})
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		for i := 0; i < 16; i++ {
			key := fmt.Sprintf("hash%d/file.txt", i)
			assert.Equal(t, key, readObject(t, b, key))
		}
	})

	t.Run("ConcurrentSameKey", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		values := []string{"aaaaaaaa", "bbbbbbbb", "cccccccc", "dddddddd"}
		var wg sync.WaitGroup
		for _, v := range values {
			wg.Add(1)
			go func(v string) {
				defer wg.Done()
				_, err := b.Put(ctx, "shared", strings.NewReader(v), PutOptions{Size: -1})
				assert.NoError(t, err)
			}(v)
		}
		wg.Wait()

		// Last writer wins; the object is always one complete value.
		assert.Contains(t, values, readObject(t, b, "shared"))
	})
}

func readObject(t *testing.T, b Backend, key string) string {
	t.Helper()
	obj, err := b.Get(context.Background(), key)
	require.NoError(t, err)
	defer obj.Body.Close()
	data, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	return string(data)
}

func keysOf(infos []ObjectInfo) []string {
	keys := make([]string, 0, len(infos))
	for _, info := range infos {
		keys = append(keys, info.Key)
	}
	return keys
}

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) { return 0, errors.New("connection reset") }
