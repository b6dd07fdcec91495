package backends

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Disk is a Backend that stores objects as files under a root directory.
//
// Layout, for a key "a/b/c":
//
//	{root}/objects/a.d/b.d/c.obj  object payload
//	{root}/meta/a.d/b.d/c.obj     metadata (content type, etag, size, put time)
//	{root}/tmp/                   in-flight writes, renamed into place when complete
//
// Key segments that lead to further segments get a ".d" suffix and the last
// segment gets ".obj", so "a" and "a/b" can both be stored.
type Disk struct {
	objectsDir string
	metaDir    string
	tmpDir     string
	logger     *slog.Logger
}

// diskMetadata holds metadata for a stored object.
type diskMetadata struct {
	ContentType string
	ETag        string
	Size        int64
	PutTime     time.Time
}

// NewDisk creates a disk backend rooted at dir, creating it if needed.
func NewDisk(dir string, logger *slog.Logger) (*Disk, error) {
	if logger == nil {
		logger = slog.Default()
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	d := &Disk{
		objectsDir: filepath.Join(absDir, "objects"),
		metaDir:    filepath.Join(absDir, "meta"),
		tmpDir:     filepath.Join(absDir, "tmp"),
		logger:     logger,
	}
	for _, sub := range []string{d.objectsDir, d.metaDir, d.tmpDir} {
		if err := os.MkdirAll(sub, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", sub, err)
		}
	}
	return d, nil
}

func (d *Disk) Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (ObjectInfo, error) {
	if err := ValidateKey(key); err != nil {
		return ObjectInfo{}, err
	}

	// Write to a temp file first, hashing as we go, then rename it over the
	// final path. Readers see either the old object or the new one.
	tmpFile, err := os.CreateTemp(d.tmpDir, "object-*")
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	hasher := md5.New()
	size, err := io.Copy(io.MultiWriter(tmpFile, hasher), readerWithContext(ctx, body))
	closeErr := tmpFile.Close()
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to write to temp file: %w", err)
	}
	if closeErr != nil {
		return ObjectInfo{}, fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	meta := diskMetadata{
		ContentType: contentTypeOrDefault(opts.ContentType),
		ETag:        hex.EncodeToString(hasher.Sum(nil)),
		Size:        size,
		PutTime:     time.Now().UTC(),
	}

	if err := d.renameIntoPlace(tmpPath, d.objectPath(key)); err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to rename object: %w", err)
	}

	if err := d.writeMetadata(key, meta); err != nil {
		d.logger.Warn("failed to write object metadata",
			"key", key,
			"error", err)
		// Continue - the object is stored, Get falls back to defaults.
	}

	return meta.objectInfo(key), nil
}

func (d *Disk) Get(ctx context.Context, key string) (*Object, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	f, err := os.Open(d.objectPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open object: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}
	if stat.IsDir() {
		f.Close()
		return nil, ErrNotFound
	}

	meta := d.metadataOrDefault(key, stat)
	return &Object{ObjectInfo: meta.objectInfo(key), Body: f}, nil
}

func (d *Disk) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	if err := os.Remove(d.objectPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove object: %w", err)
	}
	if err := os.Remove(d.metadataPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		d.logger.Warn("failed to remove object metadata",
			"key", key,
			"error", err)
	}

	pruneEmptyParents(d.objectsDir, d.objectPath(key))
	pruneEmptyParents(d.metaDir, d.metadataPath(key))
	return nil
}

func (d *Disk) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	infos := make([]ObjectInfo, 0)

	err := filepath.WalkDir(d.objectsDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == d.objectsDir {
			return nil
		}

		rel, err := filepath.Rel(d.objectsDir, path)
		if err != nil {
			return err
		}

		if entry.IsDir() {
			dirKey, ok := decodeDirPath(rel)
			if !ok {
				return fs.SkipDir
			}
			// Only descend into directories that can contain matching keys.
			dirKey += "/"
			if !strings.HasPrefix(dirKey, prefix) && !strings.HasPrefix(prefix, dirKey) {
				return fs.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		key, ok := decodeObjectPath(rel)
		if !ok || !strings.HasPrefix(key, prefix) {
			return nil
		}

		stat, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil // deleted while walking
			}
			return err
		}
		infos = append(infos, d.metadataOrDefault(key, stat).objectInfo(key))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (d *Disk) Close() error {
	return nil
}

// writeMetadata writes metadata for an object.
func (d *Disk) writeMetadata(key string, meta diskMetadata) error {
	// Format: contentType:value\netag:hex\nsize:num\ntime:unixnano\n
	content := fmt.Sprintf("contentType:%s\netag:%s\nsize:%d\ntime:%d\n",
		meta.ContentType,
		meta.ETag,
		meta.Size,
		meta.PutTime.UnixNano())

	tmpFile, err := os.CreateTemp(d.tmpDir, "meta-*")
	if err != nil {
		return fmt.Errorf("failed to create temp metadata: %w", err)
	}
	tmpPath := tmpFile.Name()
	_, err = tmpFile.WriteString(content)
	closeErr := tmpFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp metadata: %w", err)
	}

	if err := d.renameIntoPlace(tmpPath, d.metadataPath(key)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename metadata: %w", err)
	}
	return nil
}

// readMetadata reads metadata for an object.
func (d *Disk) readMetadata(key string) (*diskMetadata, error) {
	data, err := os.ReadFile(d.metadataPath(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta diskMetadata
	for _, line := range strings.Split(string(data), "\n") {
		name, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		switch name {
		case "contentType":
			meta.ContentType = value
		case "etag":
			meta.ETag = value
		case "size":
			meta.Size, _ = strconv.ParseInt(value, 10, 64)
		case "time":
			nanos, _ := strconv.ParseInt(value, 10, 64)
			meta.PutTime = time.Unix(0, nanos).UTC()
		}
	}

	if meta.ETag == "" {
		return nil, fmt.Errorf("metadata missing etag field")
	}
	return &meta, nil
}

// metadataOrDefault returns the stored metadata for key, or metadata derived
// from the file itself when the sidecar is missing, corrupted or stale.
func (d *Disk) metadataOrDefault(key string, stat fs.FileInfo) diskMetadata {
	meta, err := d.readMetadata(key)
	if err == nil && meta.Size == stat.Size() {
		return *meta
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		d.logger.Warn("failed to read object metadata",
			"key", key,
			"error", err)
	}
	return diskMetadata{
		ContentType: DefaultContentType,
		Size:        stat.Size(),
		PutTime:     stat.ModTime().UTC(),
	}
}

// renameIntoPlace creates the parent directories of dst and renames src over
// it. A concurrent Delete may prune a parent between the two steps, so the
// pair is retried a few times.
func (d *Disk) renameIntoPlace(src, dst string) error {
	var err error
	for range 3 {
		if err = os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			continue
		}
		if err = os.Rename(src, dst); err == nil || !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return err
}

// pruneEmptyParents removes the now-empty directories between path and root.
func pruneEmptyParents(root, path string) {
	for dir := filepath.Dir(path); dir != root && strings.HasPrefix(dir, root); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			return
		}
	}
}

func (d *Disk) objectPath(key string) string {
	return filepath.Join(d.objectsDir, encodeKeyPath(key))
}

func (d *Disk) metadataPath(key string) string {
	return filepath.Join(d.metaDir, encodeKeyPath(key))
}

const (
	dirSuffix    = ".d"
	objectSuffix = ".obj"
)

// encodeKeyPath maps a validated key to a relative file path.
func encodeKeyPath(key string) string {
	segments := strings.Split(key, "/")
	last := len(segments) - 1
	for i := range segments[:last] {
		segments[i] += dirSuffix
	}
	segments[last] += objectSuffix
	return filepath.Join(segments...)
}

// decodeObjectPath reverses encodeKeyPath. It reports false for paths
// encodeKeyPath never produces.
func decodeObjectPath(rel string) (string, bool) {
	dir, file := filepath.Split(rel)
	name, ok := strings.CutSuffix(file, objectSuffix)
	if !ok || name == "" {
		return "", false
	}
	if dir == "" {
		return name, true
	}
	dirKey, ok := decodeDirPath(filepath.Clean(dir))
	if !ok {
		return "", false
	}
	return dirKey + "/" + name, true
}

func decodeDirPath(rel string) (string, bool) {
	segments := strings.Split(filepath.ToSlash(rel), "/")
	for i, segment := range segments {
		name, ok := strings.CutSuffix(segment, dirSuffix)
		if !ok || name == "" {
			return "", false
		}
		segments[i] = name
	}
	return strings.Join(segments, "/"), true
}

func (m diskMetadata) objectInfo(key string) ObjectInfo {
	return ObjectInfo{
		Key:          key,
		Size:         m.Size,
		ETag:         m.ETag,
		ContentType:  m.ContentType,
		LastModified: m.PutTime,
	}
}

// readerWithContext stops a copy as soon as ctx is done.
func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return readerFunc(func(p []byte) (int, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return r.Read(p)
	})
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
