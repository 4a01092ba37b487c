package worker_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"taskworker/internal/vision"
	"taskworker/internal/worker"
)

const objectFinderParams = `{"main_image_file":"/data/main.tif","template_image_file":"/data/tpl.png"}`

func TestObjectFinder_Match(t *testing.T) {
	matcher := &fakeMatcher{}
	e := newEnv(t, matcher)
	matcher.match = func(req vision.Request) (*vision.MatchResult, error) {
		return &vision.MatchResult{
			Matched:     true,
			ResultImage: writeImage(t, req, "result_image.png"),
			CropImage:   writeImage(t, req, "cropped_result.png"),
			Polygon:     vision.Polygon{{X: 10, Y: 20}, {X: 110, Y: 20}, {X: 110, Y: 80}, {X: 10, Y: 80}},
		}, nil
	}
	e.putRemote(t, "/data/main.tif", "main")
	e.putRemote(t, "/data/tpl.png", "template")

	h := worker.NewObjectFinder(e.deps)
	out, err := h.Execute(context.Background(), taskWith(22, objectFinderParams), mustParams(t, objectFinderParams))
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"result_image_file": "/output/template_matching/22_result_image.png",
		"cropped_image_file": "/output/template_matching/22_cropped_result.png",
		"rotated_bounding_box": {"min_x": 10, "min_y": 20, "max_x": 110, "max_y": 80}
	}`, out.Output)
	assert.Empty(t, out.Note)

	assert.FileExists(t, e.remoteFile("/output/template_matching/22_result_image.png"))
	assert.FileExists(t, e.remoteFile("/output/template_matching/22_cropped_result.png"))

	require.Equal(t, 1, matcher.callCount())
	req := matcher.calls[0]
	assert.Equal(t, "22_", req.Prefix)
	assert.Equal(t, e.workDir, req.OutputDir)
	content, err := os.ReadFile(req.MainImage)
	require.NoError(t, err)
	assert.Equal(t, "main", string(content), "the matcher works on the local copy")
}

func TestObjectFinder_NoMatch(t *testing.T) {
	matcher := &fakeMatcher{}
	e := newEnv(t, matcher)
	matcher.match = func(req vision.Request) (*vision.MatchResult, error) {
		return &vision.MatchResult{ResultImage: writeImage(t, req, "result_image.png")}, nil
	}
	e.putRemote(t, "/data/main.tif", "main")
	e.putRemote(t, "/data/tpl.png", "template")

	out, err := worker.NewObjectFinder(e.deps).Execute(context.Background(), taskWith(5, objectFinderParams), mustParams(t, objectFinderParams))
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"result_image_file": "/output/template_matching/5_result_image.png",
		"cropped_image_file": "",
		"rotated_bounding_box": {}
	}`, out.Output)
}

func TestObjectFinder_Failures(t *testing.T) {
	t.Run("missing input", func(t *testing.T) {
		matcher := &fakeMatcher{}
		e := newEnv(t, matcher)
		e.putRemote(t, "/data/tpl.png", "template")

		_, err := worker.NewObjectFinder(e.deps).Execute(context.Background(), taskWith(1, objectFinderParams), mustParams(t, objectFinderParams))
		assert.ErrorIs(t, err, worker.ErrDownload)
		assert.Zero(t, matcher.callCount())
	})

	t.Run("matcher error", func(t *testing.T) {
		matcher := &fakeMatcher{match: func(vision.Request) (*vision.MatchResult, error) {
			return nil, errors.New("cannot read image")
		}}
		e := newEnv(t, matcher)
		e.putRemote(t, "/data/main.tif", "main")
		e.putRemote(t, "/data/tpl.png", "template")

		_, err := worker.NewObjectFinder(e.deps).Execute(context.Background(), taskWith(1, objectFinderParams), mustParams(t, objectFinderParams))
		assert.ErrorIs(t, err, worker.ErrProcessing)
	})

	t.Run("result image vanished", func(t *testing.T) {
		matcher := &fakeMatcher{match: func(vision.Request) (*vision.MatchResult, error) {
			return &vision.MatchResult{ResultImage: "/nowhere/result.png"}, nil
		}}
		e := newEnv(t, matcher)
		e.putRemote(t, "/data/main.tif", "main")
		e.putRemote(t, "/data/tpl.png", "template")

		_, err := worker.NewObjectFinder(e.deps).Execute(context.Background(), taskWith(1, objectFinderParams), mustParams(t, objectFinderParams))
		assert.ErrorIs(t, err, worker.ErrUpload)
	})
}
