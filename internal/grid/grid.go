// Package grid abstracts the remote content-addressable object grid
// that landing zones live on.
package grid

import (
	"context"

	"gitlab.com/tozd/go/errors"
)

// ErrNotFound is returned when a remote object does not exist.
var ErrNotFound = errors.Base("remote object not found")

// Object describes one remote data object. A single name may map to
// several Objects when multiple collections hold files with the same
// name.
type Object struct {
	// Name is the base file name.
	Name string
	// Path is the full logical path on the grid.
	Path string
	// Size in bytes.
	Size int64
	// Checksum is the grid-recorded digest, empty when the grid has
	// not computed one.
	Checksum string
	// ReplicaChecksums holds the digest of each stored replica.
	ReplicaChecksums []string
}

// Storage is the object grid client used by the transfer and
// reconciliation engines. Paths are absolute logical grid paths.
type Storage interface {
	// List returns all objects below root, keyed by base name.
	List(ctx context.Context, root string) (map[string][]Object, error)
	// Stat returns metadata for one object, or ErrNotFound.
	Stat(ctx context.Context, path string) (*Object, error)
	// Put uploads a local file to the given remote path.
	Put(ctx context.Context, localPath, remotePath string) error
	// Get downloads a remote object to the given local path.
	Get(ctx context.Context, remotePath, localPath string) error
	// EnsureCollection makes sure the parent collection of path exists.
	// Creating an existing collection is not an error.
	EnsureCollection(ctx context.Context, path string) error
	// ComputeChecksum asks the grid to report (computing if needed) the
	// checksum of an object. An empty result means the grid cannot
	// provide one.
	ComputeChecksum(ctx context.Context, path string) (string, error)
}
