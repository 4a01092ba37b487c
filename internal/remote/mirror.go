package remote

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultChecksumSuffix names the companion file holding the MD5 of a remote artifact
const DefaultChecksumSuffix = ".md5"

// MirrorEntry is one mirrored file
type MirrorEntry struct {
	Remote   string
	Local    string
	Checksum string
}

// TreeResult is the outcome of MirrorTree. Failures counts the entries that could not be
// listed, probed or transferred; they are missing from Entries.
type TreeResult struct {
	Entries  []MirrorEntry
	Failures int
}

// LocalPaths returns the local path of every mirrored entry, in walk order
func (r TreeResult) LocalPaths() []string {
	paths := make([]string, len(r.Entries))
	for i, e := range r.Entries {
		paths[i] = e.Local
	}
	return paths
}

// Mirror keeps local copies of remote artifacts, skipping transfers when the cached copy
// matches the remote checksum.
type Mirror struct {
	fs             RemoteFS
	cacheDir       string
	checksumSuffix string
	logger         zerolog.Logger

	// OnTransfer, when set, is called after every completed file transfer
	OnTransfer func(remotePath string, bytes int64)
}

func NewMirror(fs RemoteFS, cacheDir, checksumSuffix string, logger zerolog.Logger) *Mirror {
	if checksumSuffix == "" {
		checksumSuffix = DefaultChecksumSuffix
	}
	return &Mirror{
		fs:             fs,
		cacheDir:       cacheDir,
		checksumSuffix: checksumSuffix,
		logger:         logger.With().Str("component", "mirror").Logger(),
	}
}

// LocalPath is where Download caches a remote file: the remote path re-rooted under the
// cache directory
func (m *Mirror) LocalPath(remotePath string) string {
	return filepath.Join(m.cacheDir, filepath.FromSlash(path.Clean("/"+remotePath)))
}

// Checksum reads the companion checksum of a remote file. It returns "" when the companion
// is missing or empty, which callers treat as "not verified".
func (m *Mirror) Checksum(ctx context.Context, remotePath string) (string, error) {
	rc, err := m.fs.Open(ctx, remotePath+m.checksumSuffix)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	defer rc.Close()

	// md5sum output is "<hash>  <name>", plain hash files carry the hash alone
	scanner := bufio.NewScanner(io.LimitReader(rc, 4096))
	scanner.Split(bufio.ScanWords)
	if scanner.Scan() {
		return strings.ToLower(scanner.Text()), nil
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("%w: read checksum of %s: %w", ErrTransfer, remotePath, err)
	}
	return "", nil
}

// Download mirrors one remote file into the cache directory and returns its local path.
// The transfer is skipped only when a non-empty remote checksum matches the cached copy
// and force is false.
func (m *Mirror) Download(ctx context.Context, remotePath string, force bool) (string, error) {
	local := m.LocalPath(remotePath)
	if _, err := m.fetch(ctx, remotePath, local, force); err != nil {
		return "", err
	}
	return local, nil
}

func (m *Mirror) fetch(ctx context.Context, remotePath, localPath string, force bool) (string, error) {
	logger := m.logger.With().Str("remote_path", remotePath).Str("local_path", localPath).Logger()

	remoteSum, err := m.Checksum(ctx, remotePath)
	if err != nil {
		return "", err
	}

	if remoteSum != "" && !force {
		localSum, err := fileMD5(localPath)
		if err == nil && localSum == remoteSum {
			logger.Debug().Str("checksum", remoteSum).Msg("Cached copy is up to date")
			return localSum, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransfer, err)
	}

	rc, err := m.fs.Open(ctx, remotePath)
	if err != nil {
		return "", err
	}
	counter := &countingReader{r: rc}
	err = writeAtomic(localPath, counter)
	_ = rc.Close()
	if err != nil {
		return "", fmt.Errorf("download %s: %w", remotePath, err)
	}

	localSum, err := fileMD5(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	if remoteSum != "" && localSum != remoteSum {
		logger.Warn().
			Str("remote_checksum", remoteSum).
			Str("local_checksum", localSum).
			Msg("Checksum differs after transfer")
		// a corrupt copy must not be mistaken for a cached one later
		_ = os.Remove(localPath)
		return "", fmt.Errorf("%w: download %s: checksum %s does not match %s", ErrTransfer, remotePath, localSum, remoteSum)
	}

	logger.Debug().Int64("bytes", counter.n).Msg("Transferred file")
	if m.OnTransfer != nil {
		m.OnTransfer(remotePath, counter.n)
	}
	return localSum, nil
}

// MirrorTree copies the remote directory tree under remoteDir into localDir. localDir is
// cleared first since it belongs to a single task. A failure on one entry is logged and
// counted without stopping the walk; only a failure to list remoteDir itself, or a canceled
// context, aborts.
func (m *Mirror) MirrorTree(ctx context.Context, remoteDir, localDir string, force bool) (TreeResult, error) {
	var result TreeResult

	cleaned := filepath.Clean(localDir)
	if cleaned == "." || cleaned == string(filepath.Separator) {
		return result, fmt.Errorf("refusing to mirror into %q", localDir)
	}
	if err := os.RemoveAll(cleaned); err != nil {
		return result, fmt.Errorf("could not clear %s: %w", cleaned, err)
	}
	if err := os.MkdirAll(cleaned, 0o755); err != nil {
		return result, fmt.Errorf("could not create %s: %w", cleaned, err)
	}

	entries, err := m.fs.List(ctx, remoteDir)
	if err != nil {
		return result, err
	}
	if err := m.walk(ctx, remoteDir, cleaned, entries, force, &result); err != nil {
		return result, err
	}
	return result, nil
}

func (m *Mirror) walk(ctx context.Context, remoteDir, localDir string, entries []Entry, force bool, result *TreeResult) error {
	names := make(map[string]bool, len(entries))
	for _, entry := range entries {
		names[entry.Name] = true
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if m.isCompanion(entry, names) {
			continue
		}

		remotePath := path.Join(remoteDir, entry.Name)
		localPath := filepath.Join(localDir, entry.Name)
		logger := m.logger.With().Str("remote_path", remotePath).Logger()

		kind := entry.Kind
		if kind == KindUnknown {
			isDir, err := m.fs.IsDir(ctx, remotePath)
			if err != nil {
				logger.Warn().Err(err).Msg("Could not probe entry, skipping")
				result.Failures++
				continue
			}
			kind = KindFile
			if isDir {
				kind = KindDir
			}
		}

		if kind == KindDir {
			if err := os.MkdirAll(localPath, 0o755); err != nil {
				logger.Warn().Err(err).Msg("Could not create local directory, skipping")
				result.Failures++
				continue
			}
			children, err := m.fs.List(ctx, remotePath)
			if err != nil {
				logger.Warn().Err(err).Msg("Could not list directory, skipping")
				result.Failures++
				continue
			}
			if err := m.walk(ctx, remotePath, localPath, children, force, result); err != nil {
				return err
			}
			continue
		}

		checksum, err := m.fetch(ctx, remotePath, localPath, force)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn().Err(err).Msg("Could not transfer file, skipping")
			result.Failures++
			continue
		}
		result.Entries = append(result.Entries, MirrorEntry{Remote: remotePath, Local: localPath, Checksum: checksum})
	}
	return nil
}

// isCompanion tells whether entry is the checksum file of one of its siblings. Those are
// read by fetch and never mirrored on their own.
func (m *Mirror) isCompanion(entry Entry, siblings map[string]bool) bool {
	if entry.Kind == KindDir {
		return false
	}
	base, ok := strings.CutSuffix(entry.Name, m.checksumSuffix)
	return ok && base != "" && siblings[base]
}

// Upload copies a local file into remoteDir, creating the directory when needed, and
// returns the remote path of the copy.
func (m *Mirror) Upload(ctx context.Context, localPath, remoteDir string) (string, error) {
	if err := m.fs.MakeDir(ctx, remoteDir); err != nil {
		return "", fmt.Errorf("upload %s: %w", localPath, err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("%w: upload %s: %w", ErrTransfer, localPath, err)
	}
	defer f.Close()

	remotePath := path.Join(remoteDir, filepath.Base(localPath))
	if err := m.fs.Put(ctx, remotePath, f); err != nil {
		return "", fmt.Errorf("upload %s: %w", localPath, err)
	}

	m.logger.Debug().Str("local_path", localPath).Str("remote_path", remotePath).Msg("Uploaded file")
	return remotePath, nil
}

func fileMD5(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
