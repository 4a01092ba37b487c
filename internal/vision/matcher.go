package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrMatcher is returned when the matcher itself fails, as opposed to finding no match
var ErrMatcher = errors.New("matcher failed")

// Request names the local inputs of one match and where its images go
type Request struct {
	MainImage     string
	TemplateImage string
	OutputDir     string

	// Prefix is prepended to the names of the written images
	Prefix string
}

// MatchResult describes the images a match run wrote. ResultImage is always written, the
// crop and the outline only when the template was found.
type MatchResult struct {
	Matched     bool    `json:"matched"`
	ResultImage string  `json:"result_image"`
	CropImage   string  `json:"crop_image"`
	Polygon     Polygon `json:"polygon"`
}

// Matcher locates a template inside a main image. Not finding the template is a valid
// result, not an error.
type Matcher interface {
	Match(ctx context.Context, req Request) (*MatchResult, error)
}

// CommandMatcher runs an external vision program per match. The program receives
//
//	--main <path> --template <path> --output-dir <dir> --prefix <prefix>
//
// after the configured args and prints one JSON object:
//
//	{"matched": true, "result_image": "...", "crop_image": "...", "polygon": [{"x": 0, "y": 0}, ...]}
type CommandMatcher struct {
	command string
	args    []string
	logger  zerolog.Logger
}

func NewCommandMatcher(command string, args []string, logger zerolog.Logger) *CommandMatcher {
	return &CommandMatcher{command: command, args: args, logger: logger}
}

func (m *CommandMatcher) Match(ctx context.Context, req Request) (*MatchResult, error) {
	args := append([]string{}, m.args...)
	args = append(args,
		"--main", req.MainImage,
		"--template", req.TemplateImage,
		"--output-dir", req.OutputDir,
		"--prefix", req.Prefix,
	)

	m.logger.Debug().
		Str("command", m.command).
		Strs("args", args).
		Msg("Executing matcher")

	cmd := exec.CommandContext(ctx, m.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// children of the command may keep the output pipes open after it is killed
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		var exitError *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return nil, fmt.Errorf("%w: command timed out: %w", ErrMatcher, err)
		case errors.Is(ctx.Err(), context.Canceled):
			return nil, fmt.Errorf("%w: command was canceled: %w", ErrMatcher, err)
		case errors.As(err, &exitError):
			return nil, fmt.Errorf("%w: exit code %d: %s", ErrMatcher, exitError.ExitCode(), strings.TrimSpace(stderr.String()))
		default:
			return nil, fmt.Errorf("%w: %w", ErrMatcher, err)
		}
	}

	var result MatchResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("%w: could not parse output: %w", ErrMatcher, err)
	}
	if !result.Matched {
		result.CropImage = ""
		result.Polygon = nil
	}
	return &result, nil
}

var _ Matcher = (*CommandMatcher)(nil)
