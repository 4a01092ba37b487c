package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// LocalFS serves a directory on local disk as a remote store. It backs development setups
// where the artifacts sit on a mounted share instead of an FTP server.
type LocalFS struct {
	root string
}

func NewLocalFS(root string) *LocalFS {
	return &LocalFS{root: root}
}

func (l *LocalFS) resolve(p string) string {
	return filepath.Join(l.root, filepath.FromSlash(path.Clean("/"+p)))
}

func (l *LocalFS) List(ctx context.Context, dir string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(l.resolve(dir))
	if err != nil {
		return nil, localErr(err, "list "+dir)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, d := range dirEntries {
		kind := KindUnknown
		switch {
		case d.IsDir():
			kind = KindDir
		case d.Type().IsRegular():
			kind = KindFile
		}
		entries = append(entries, Entry{Name: d.Name(), Kind: kind})
	}
	return entries, nil
}

func (l *LocalFS) IsDir(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	fi, err := os.Stat(l.resolve(p))
	if err != nil {
		return false, localErr(err, "probe "+p)
	}
	return fi.IsDir(), nil
}

func (l *LocalFS) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(l.resolve(p))
	if err != nil {
		return nil, localErr(err, "open "+p)
	}
	return f, nil
}

func (l *LocalFS) Put(ctx context.Context, p string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := l.resolve(p)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return localErr(err, "store "+p)
	}
	return writeAtomic(target, r)
}

func (l *LocalFS) MakeDir(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(l.resolve(dir), 0o755); err != nil {
		return localErr(err, "make directory "+dir)
	}
	return nil
}

func localErr(err error, op string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s: %w", ErrNotFound, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrTransfer, op, err)
}

// writeAtomic copies r into a temporary sibling of target and renames it into place, so a
// failed transfer never leaves a truncated file behind under the final name.
func writeAtomic(target string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".part-*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		if errors.Is(err, ErrTransfer) || errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	return nil
}

var _ RemoteFS = (*LocalFS)(nil)
