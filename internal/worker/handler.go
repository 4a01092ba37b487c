package worker

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"
	"taskworker/internal/models"
	"taskworker/internal/remote"
	"taskworker/internal/vision"
)

const (
	HandlerObjectFinder    = "object_finder"
	HandlerCandidateSearch = "candidate_search"
)

// Outcome is the result of a successful execution
type Outcome struct {
	// Output is the JSON document stored as the task output
	Output string

	// Note is appended to the success message when set
	Note string

	// TransferFailures counts the remote files that were skipped
	TransferFailures int
}

// Handler executes the tasks of one task type
type Handler interface {
	Name() string

	// RequiredParams lists the parameters that must be present and non-empty before the
	// task may run
	RequiredParams() []string

	Execute(ctx context.Context, task *models.Task, params models.Params) (Outcome, error)
}

// Mirror is the remote file access handlers need
type Mirror interface {
	Download(ctx context.Context, remotePath string, force bool) (string, error)
	MirrorTree(ctx context.Context, remoteDir, localDir string, force bool) (remote.TreeResult, error)
	Upload(ctx context.Context, localPath, remoteDir string) (string, error)
}

// Deps are the collaborators shared by every handler
type Deps struct {
	Mirror  Mirror
	Matcher vision.Matcher

	// WorkDir holds the task scoped local files
	WorkDir string

	// OutputDir is the remote directory results are uploaded to
	OutputDir string

	Logger zerolog.Logger
}

// New returns the handler registered under name
func New(name string, deps Deps) (Handler, error) {
	switch name {
	case HandlerObjectFinder:
		return NewObjectFinder(deps), nil
	case HandlerCandidateSearch:
		return NewCandidateSearch(deps), nil
	default:
		return nil, fmt.Errorf("unknown handler %q", name)
	}
}

// Execute runs the handler, turning a panic into a processing failure so that a broken
// input cannot take the worker loop down.
func Execute(ctx context.Context, h Handler, task *models.Task, params models.Params) (out Outcome, err error) {
	defer func() {
		if rcv := recover(); rcv != nil {
			err = fmt.Errorf("%w: handler %s panicked: %v\n%s", ErrProcessing, h.Name(), rcv, debug.Stack())
		}
	}()

	return h.Execute(ctx, task, params)
}
