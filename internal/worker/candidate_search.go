package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"taskworker/internal/models"
	"taskworker/internal/vision"
)

const ParamCandidateDir = "candidate_dir"

// candidateIDWidth is the zero padded width of a candidate id
const candidateIDWidth = 3

// CandidateSearch mirrors a remote directory of detection candidates, each a .png chip
// with a sibling .txt label, and keeps the candidates in which the template is found with a
// plausible outline.
type CandidateSearch struct {
	mirror  Mirror
	matcher vision.Matcher
	workDir string
	logger  zerolog.Logger
}

func NewCandidateSearch(deps Deps) *CandidateSearch {
	return &CandidateSearch{
		mirror:  deps.Mirror,
		matcher: deps.Matcher,
		workDir: deps.WorkDir,
		logger:  deps.Logger.With().Str("handler", HandlerCandidateSearch).Logger(),
	}
}

func (c *CandidateSearch) Name() string {
	return HandlerCandidateSearch
}

func (c *CandidateSearch) RequiredParams() []string {
	return []string{ParamCandidateDir, ParamTemplateImage}
}

// Candidate is one entry of the task output. Paths are remote paths.
type Candidate struct {
	ID     string    `json:"id"`
	Path   string    `json:"path"`
	Coords []float64 `json:"coords"`
	LbPath string    `json:"lb_path"`
}

func (c *CandidateSearch) Execute(ctx context.Context, task *models.Task, params models.Params) (Outcome, error) {
	logger := c.logger.With().Int64("task_id", task.ID).Logger()

	templateImage, err := c.mirror.Download(ctx, params.String(ParamTemplateImage), false)
	if err != nil {
		return Outcome{}, wrap(ErrDownload, "template image: %w", err)
	}

	localDir := filepath.Join(c.workDir, fmt.Sprintf("%d_candidates", task.ID))
	tree, err := c.mirror.MirrorTree(ctx, params.String(ParamCandidateDir), localDir, false)
	if err != nil {
		return Outcome{}, wrap(ErrDownload, "candidates: %w", err)
	}

	resultDir := filepath.Join(c.workDir, fmt.Sprintf("%d_matches", task.ID))
	if err := os.MkdirAll(resultDir, 0o755); err != nil {
		return Outcome{}, wrap(ErrProcessing, "result directory: %w", err)
	}

	found := make([]Candidate, 0)
	var checked, matchErrors int
	for _, entry := range tree.Entries {
		if !strings.EqualFold(filepath.Ext(entry.Local), ".png") {
			continue
		}
		checked++

		candidateLogger := logger.With().Str("remote_path", entry.Remote).Logger()
		result, err := c.matcher.Match(ctx, vision.Request{
			MainImage:     entry.Local,
			TemplateImage: templateImage,
			OutputDir:     resultDir,
			Prefix:        fmt.Sprintf("%d_%d_", task.ID, checked),
		})
		if err != nil {
			candidateLogger.Warn().Err(err).Msg("Could not match candidate")
			matchErrors++
			continue
		}
		if !result.Matched || !vision.IsGeometricallyPlausible(result.Polygon) {
			continue
		}

		coords, err := readCoords(labelPath(entry.Local))
		if err != nil {
			candidateLogger.Warn().Err(err).Msg("Could not read candidate label, skipping")
			continue
		}

		candidateLogger.Info().Msg("Found candidate")
		found = append(found, Candidate{
			ID:     candidateID(entry.Local),
			Path:   entry.Remote,
			Coords: coords,
			LbPath: path.Clean(labelPath(entry.Remote)),
		})
	}

	if checked > 0 && matchErrors == checked {
		return Outcome{}, wrap(ErrProcessing, "matcher failed on all %d candidates", checked)
	}

	data, err := json.Marshal(found)
	if err != nil {
		return Outcome{}, wrap(ErrProcessing, "encode output: %w", err)
	}

	logger.Info().
		Int("checked", checked).
		Int("found", len(found)).
		Int("transfer_failures", tree.Failures).
		Msg("Process finished")

	outcome := Outcome{Output: string(data), TransferFailures: tree.Failures}
	if tree.Failures > 0 {
		outcome.Note = fmt.Sprintf("%d candidate files could not be transferred", tree.Failures)
	}
	return outcome, nil
}

// labelPath swaps the image extension for .txt
func labelPath(p string) string {
	return strings.TrimSuffix(p, filepath.Ext(p)) + ".txt"
}

// candidateID is the file name up to the first dot, left padded with zeros
func candidateID(p string) string {
	id, _, _ := strings.Cut(filepath.Base(p), ".")
	if len(id) < candidateIDWidth {
		id = strings.Repeat("0", candidateIDWidth-len(id)) + id
	}
	return id
}

// readCoords parses a whitespace separated list of numbers
func readCoords(p string) ([]float64, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}

	fields := strings.Fields(string(data))
	coords := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("bad coordinate %q in %s: %w", f, p, err)
		}
		coords = append(coords, v)
	}
	return coords, nil
}
