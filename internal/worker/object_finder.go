package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"taskworker/internal/models"
	"taskworker/internal/vision"
)

const (
	ParamMainImage     = "main_image_file"
	ParamTemplateImage = "template_image_file"
)

// ObjectFinder locates a template image inside a main raster and publishes the annotated
// result (and the crop of the match, if any) to the remote output directory.
type ObjectFinder struct {
	mirror    Mirror
	matcher   vision.Matcher
	workDir   string
	outputDir string
	logger    zerolog.Logger
}

func NewObjectFinder(deps Deps) *ObjectFinder {
	return &ObjectFinder{
		mirror:    deps.Mirror,
		matcher:   deps.Matcher,
		workDir:   deps.WorkDir,
		outputDir: deps.OutputDir,
		logger:    deps.Logger.With().Str("handler", HandlerObjectFinder).Logger(),
	}
}

func (o *ObjectFinder) Name() string {
	return HandlerObjectFinder
}

func (o *ObjectFinder) RequiredParams() []string {
	return []string{ParamMainImage, ParamTemplateImage}
}

type objectFinderOutput struct {
	ResultImageFile    string `json:"result_image_file"`
	CroppedImageFile   string `json:"cropped_image_file"`
	RotatedBoundingBox any    `json:"rotated_bounding_box"`
}

func (o *ObjectFinder) Execute(ctx context.Context, task *models.Task, params models.Params) (Outcome, error) {
	logger := o.logger.With().Int64("task_id", task.ID).Logger()

	mainImage, err := o.mirror.Download(ctx, params.String(ParamMainImage), false)
	if err != nil {
		return Outcome{}, wrap(ErrDownload, "main image: %w", err)
	}
	templateImage, err := o.mirror.Download(ctx, params.String(ParamTemplateImage), false)
	if err != nil {
		return Outcome{}, wrap(ErrDownload, "template image: %w", err)
	}

	if err := os.MkdirAll(o.workDir, 0o755); err != nil {
		return Outcome{}, wrap(ErrProcessing, "work directory: %w", err)
	}

	logger.Info().Msg("Processing data")
	result, err := o.matcher.Match(ctx, vision.Request{
		MainImage:     mainImage,
		TemplateImage: templateImage,
		OutputDir:     o.workDir,
		Prefix:        fmt.Sprintf("%d_", task.ID),
	})
	if err != nil {
		return Outcome{}, wrap(ErrProcessing, "match: %w", err)
	}
	if result.ResultImage == "" {
		return Outcome{}, wrap(ErrProcessing, "matcher wrote no result image")
	}

	out := objectFinderOutput{RotatedBoundingBox: struct{}{}}
	if out.ResultImageFile, err = o.mirror.Upload(ctx, result.ResultImage, o.outputDir); err != nil {
		return Outcome{}, wrap(ErrUpload, "result image: %w", err)
	}
	if result.CropImage != "" {
		if out.CroppedImageFile, err = o.mirror.Upload(ctx, result.CropImage, o.outputDir); err != nil {
			return Outcome{}, wrap(ErrUpload, "cropped image: %w", err)
		}
	}
	if result.Matched && len(result.Polygon) > 0 {
		out.RotatedBoundingBox = result.Polygon.Bounds()
	}

	data, err := json.Marshal(out)
	if err != nil {
		return Outcome{}, wrap(ErrProcessing, "encode output: %w", err)
	}

	logger.Info().Bool("matched", result.Matched).Msg("Process finished")
	return Outcome{Output: string(data)}, nil
}
