package worker_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"taskworker/internal/models"
	"taskworker/internal/remote"
	"taskworker/internal/vision"
	"taskworker/internal/worker"
)

// fakeMatcher records requests and answers with match
type fakeMatcher struct {
	match func(req vision.Request) (*vision.MatchResult, error)

	mu    sync.Mutex
	calls []vision.Request
}

func (f *fakeMatcher) Match(_ context.Context, req vision.Request) (*vision.MatchResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.match(req)
}

func (f *fakeMatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// writeImage writes a placeholder image into the request's output directory
func writeImage(t *testing.T, req vision.Request, name string) string {
	p := filepath.Join(req.OutputDir, req.Prefix+name)
	require.NoError(t, os.WriteFile(p, []byte(name), 0o644))
	return p
}

type env struct {
	remoteRoot string
	workDir    string
	deps       worker.Deps
}

func newEnv(t *testing.T, matcher vision.Matcher) env {
	t.Helper()
	remoteRoot := t.TempDir()
	workDir := filepath.Join(t.TempDir(), "output")
	mirror := remote.NewMirror(remote.NewLocalFS(remoteRoot), t.TempDir(), "", zerolog.Nop())

	return env{
		remoteRoot: remoteRoot,
		workDir:    workDir,
		deps: worker.Deps{
			Mirror:    mirror,
			Matcher:   matcher,
			WorkDir:   workDir,
			OutputDir: "/output/template_matching",
			Logger:    zerolog.Nop(),
		},
	}
}

func (e env) putRemote(t *testing.T, p, content string) {
	full := filepath.Join(e.remoteRoot, filepath.FromSlash(p))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func (e env) remoteFile(p string) string {
	return filepath.Join(e.remoteRoot, filepath.FromSlash(p))
}

func taskWith(id int64, params string) *models.Task {
	return &models.Task{ID: id, Type: 7, Phase: models.PhaseRunning, Params: null.StringFrom(params)}
}

func mustParams(t *testing.T, raw string) models.Params {
	params, err := models.ParseParams(raw)
	require.NoError(t, err)
	return params
}
