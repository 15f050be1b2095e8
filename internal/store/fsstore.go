package store

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultLockRetries = 50
	defaultLockBackoff = 20 * time.Millisecond
)

// FSStore persists documents as a tree of JSON files:
// <root>/<collection>/<key>.json. Writes go through a temp file plus
// rename so a reader never observes a partially written document.
// Update guards its read-modify-write cycle with a <key>.lock file
// created O_CREATE|O_EXCL, which is atomic on POSIX filesystems.
type FSStore struct {
	root string

	// LockRetries and LockBackoff bound how long Update waits on a
	// contended document before giving up with ErrConflict.
	LockRetries int
	LockBackoff time.Duration
}

// NewFSStore creates (if needed) the root directory and returns a store
// rooted there.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FSStore{
		root:        root,
		LockRetries: defaultLockRetries,
		LockBackoff: defaultLockBackoff,
	}, nil
}

// docPath maps (collection, key) to a file path. Keys are path-escaped so
// agent-supplied identifiers cannot traverse outside the collection.
func (s *FSStore) docPath(collection, key string) string {
	return filepath.Join(s.root, filepath.FromSlash(collection), url.PathEscape(key)+".json")
}

func (s *FSStore) lockPath(collection, key string) string {
	return filepath.Join(s.root, filepath.FromSlash(collection), url.PathEscape(key)+".lock")
}

// Get returns the document contents, or (nil, false, nil) when absent.
func (s *FSStore) Get(collection, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.docPath(collection, key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s/%s: %w", collection, key, err)
	}
	return data, true, nil
}

// Put atomically overwrites the document via temp file + rename.
func (s *FSStore) Put(collection, key string, value []byte) error {
	path := s.docPath(collection, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create collection %s: %w", collection, err)
	}
	return writeAtomic(path, value)
}

// Create writes a new document, failing with ErrExists if one is already
// present. The O_EXCL open makes concurrent creates of the same key safe.
func (s *FSStore) Create(collection, key string, value []byte) error {
	path := s.docPath(collection, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create collection %s: %w", collection, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		return fmt.Errorf("create %s/%s: %w", collection, key, ErrExists)
	}
	if err != nil {
		return fmt.Errorf("create %s/%s: %w", collection, key, err)
	}
	if _, err := f.Write(value); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write %s/%s: %w", collection, key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("close %s/%s: %w", collection, key, err)
	}
	return nil
}

// Update acquires the document's lock file, re-reads the latest contents,
// applies fn, and writes the result atomically. Contention is retried up
// to LockRetries times before returning ErrConflict.
func (s *FSStore) Update(collection, key string, fn UpdateFunc) error {
	lock := s.lockPath(collection, key)
	if err := os.MkdirAll(filepath.Dir(lock), 0o755); err != nil {
		return fmt.Errorf("create collection %s: %w", collection, err)
	}

	acquired := false
	for i := 0; i <= s.LockRetries; i++ {
		f, err := os.OpenFile(lock, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			f.Close()
			acquired = true
			break
		}
		if !os.IsExist(err) {
			return fmt.Errorf("acquire lock %s/%s: %w", collection, key, err)
		}
		time.Sleep(s.LockBackoff)
	}
	if !acquired {
		return fmt.Errorf("update %s/%s: %w", collection, key, ErrConflict)
	}
	defer os.Remove(lock)

	cur, _, err := s.Get(collection, key)
	if err != nil {
		return err
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	return writeAtomic(s.docPath(collection, key), next)
}

// Delete removes a document, failing with ErrNotFound when absent.
func (s *FSStore) Delete(collection, key string) error {
	err := os.Remove(s.docPath(collection, key))
	if os.IsNotExist(err) {
		return fmt.Errorf("delete %s/%s: %w", collection, key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, key, err)
	}
	return nil
}

// List returns the keys of all documents in a collection. A collection
// directory that does not exist lists as empty, not as an error.
func (s *FSStore) List(collection string) ([]string, error) {
	dir := filepath.Join(s.root, filepath.FromSlash(collection))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}

	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// writeAtomic writes value to path through a temp file in the same
// directory followed by a rename.
func writeAtomic(path string, value []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
