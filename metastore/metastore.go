// Package metastore defines the compare-and-swap contract the coordinator
// requires of the cluster's metadata store, and provides two
// implementations: Mem (single-process, for tests and standalone brokers)
// and Raft (hashicorp/raft-backed, for a strongly consistent multi-node
// store).
package metastore

import "errors"

// ErrNotFound is returned by Read and by ConditionalUpdate when path has no
// entry yet.
var ErrNotFound = errors.New("metastore: path not found")

// ErrExists is returned by ConditionalCreate when path already has an
// entry.
var ErrExists = errors.New("metastore: path already exists")

// ErrVersionMismatch is returned by ConditionalUpdate when expectedVersion
// does not match the entry's current version. It is not itself a cause for
// alarm: callers are expected to re-read and retry on their own schedule
// rather than loop inside the store.
var ErrVersionMismatch = errors.New("metastore: version mismatch")

// Store is the CAS contract partition.Partition's updateIsr depends on. A path
// identifies a record (in practice, a partition's leader/ISR tuple); a
// version is an opaque integer that increases by exactly one on each
// successful write to that path.
type Store interface {
	// Read returns the payload and version currently stored at path, or
	// ErrNotFound.
	Read(path string) (payload []byte, version int64, err error)

	// ConditionalCreate writes payload at path, which must not already
	// exist, and returns its initial version. Returns ErrExists otherwise.
	ConditionalCreate(path string, payload []byte) (version int64, err error)

	// ConditionalUpdate writes payload at path iff its current version
	// equals expectedVersion, returning the new version. Returns
	// ErrVersionMismatch if the precondition fails, or ErrNotFound if the
	// path has no entry to update.
	ConditionalUpdate(path string, payload []byte, expectedVersion int64) (newVersion int64, err error)
}
