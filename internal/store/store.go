// Package store provides the durable document store shared by all
// coordination primitives. Documents are opaque byte slices (callers
// marshal JSON) addressed by (collection, key). Three backends exist:
// a JSON file tree, SQLite, and an in-memory fake for tests.
package store

import "errors"

// Sentinel errors returned by all backends.
var (
	ErrNotFound = errors.New("document not found")
	ErrExists   = errors.New("document already exists")
	ErrConflict = errors.New("lock contention exceeded retry budget")
)

// UpdateFunc transforms the current contents of a document during a
// lock-guarded read-modify-write. cur is nil when the document does not
// exist yet. Returning an error aborts the update without writing.
type UpdateFunc func(cur []byte) ([]byte, error)

// Store is the uniform document interface the primitives are written
// against. Implementations must make Put and Create all-or-nothing per
// document, and Update an exclusive-lock read-modify-write so concurrent
// writers never lose each other's deltas.
type Store interface {
	// Get returns the document contents and whether it exists.
	Get(collection, key string) ([]byte, bool, error)
	// Put atomically overwrites (or creates) a document.
	Put(collection, key string, value []byte) error
	// Create writes a new document, failing with ErrExists if present.
	Create(collection, key string, value []byte) error
	// Update applies fn under an exclusive per-document lock.
	Update(collection, key string, fn UpdateFunc) error
	// Delete removes a document, failing with ErrNotFound if absent.
	Delete(collection, key string) error
	// List returns the keys present in a collection, in no particular
	// order. A collection that was never written to lists as empty.
	List(collection string) ([]string, error)
}
