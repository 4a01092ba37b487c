package remote

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when a remote file or directory does not exist
	ErrNotFound = errors.New("remote path not found")

	// ErrTransfer covers every other failure to move bytes between the remote store and
	// local disk
	ErrTransfer = errors.New("remote transfer failed")
)

type Kind int

const (
	KindUnknown Kind = iota
	KindFile
	KindDir
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	default:
		return "unknown"
	}
}

// Entry is one child of a listed remote directory
type Entry struct {
	Name string
	Kind Kind
}

// RemoteFS is the structural file access the mirror needs from a remote store. Paths are
// slash separated and absolute from the store's root.
type RemoteFS interface {
	// List returns the children of dir with their kind when the protocol reports it
	List(ctx context.Context, dir string) ([]Entry, error)

	// IsDir probes a path by trying to enter it as a directory. It is the fallback for
	// entries whose kind List could not tell.
	IsDir(ctx context.Context, path string) (bool, error)

	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Put writes r to path, replacing an existing file
	Put(ctx context.Context, path string, r io.Reader) error

	// MakeDir creates dir and its parents. An existing directory is not an error.
	MakeDir(ctx context.Context, dir string) error
}
