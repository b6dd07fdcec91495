package remotecache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/richardartoul/cachier/backends"
)

// stagingPattern names the directories retrieve downloads into before
// moving files into the local cache directory.
const stagingPattern = ".cachier-staging-*"

// commitKey is the key of the marker object that completes an entry.
func commitKey(hash string) string {
	return hash + ".commit"
}

func validateHash(hash string) error {
	if hash == "" || strings.Contains(hash, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	if err := backends.ValidateKey(hash); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	return nil
}

// belongsToEntry reports whether key is part of the entry for hash. LIST is
// a plain prefix match, so "abc" also returns keys of "abcd".
func belongsToEntry(hash, key string) bool {
	return key == commitKey(hash) || strings.HasPrefix(key, hash+"/")
}

// localPath maps a slash separated key to a path under dir.
func localPath(dir, key string) (string, error) {
	if err := backends.ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.FromSlash(key)), nil
}

// ensureParentDir creates the parent directories of path. It is idempotent
// and safe to call concurrently for disjoint paths.
func ensureParentDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	return nil
}

// writeFile creates path (and its parents) and fills it with fill. The file
// is removed again if fill fails.
func writeFile(path string, fill func(w io.Writer) error) error {
	if err := ensureParentDir(path); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	err = fill(f)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// moveIntoPlace renames every key from staging into dir. The commit marker,
// if present, is moved last so an interrupted move never looks complete.
func moveIntoPlace(staging, dir, hash string, keys []string) error {
	ordered := make([]string, 0, len(keys))
	hasCommit := false
	for _, key := range keys {
		if key == commitKey(hash) {
			hasCommit = true
			continue
		}
		ordered = append(ordered, key)
	}
	if hasCommit {
		ordered = append(ordered, commitKey(hash))
	}

	for _, key := range ordered {
		src, err := localPath(staging, key)
		if err != nil {
			return err
		}
		dst, err := localPath(dir, key)
		if err != nil {
			return err
		}
		if err := ensureParentDir(dst); err != nil {
			return err
		}
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("failed to move %s into place: %w", key, err)
		}
	}
	return nil
}

// entryFiles lists the files that make up the local entry for hash: every
// regular file under dir/hash plus the commit marker, as keys relative to
// dir. The commit marker is returned separately.
func entryFiles(dir, hash string) (artifacts []string, commit string, err error) {
	entryDir := filepath.Join(dir, hash)

	err = filepath.WalkDir(entryDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to enumerate %s: %w", entryDir, err)
	}

	commitPath := filepath.Join(dir, commitKey(hash))
	stat, err := os.Stat(commitPath)
	if err != nil {
		return nil, "", fmt.Errorf("failed to stat commit marker: %w", err)
	}
	if !stat.Mode().IsRegular() {
		return nil, "", errors.New("commit marker is not a regular file")
	}

	sort.Strings(artifacts)
	return artifacts, commitKey(hash), nil
}
