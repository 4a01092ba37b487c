package worker

import (
	"errors"
	"fmt"

	"taskworker/internal/exitcode"
)

// Handler failures. Every error a Handler returns wraps one of these so the scheduler can
// record the matching outcome code.
var (
	ErrInvalidParameters = errors.New("invalid module parameters")
	ErrDownload          = errors.New("download failed")
	ErrUpload            = errors.New("upload failed")
	ErrProcessing        = errors.New("processing failed")
)

// Classify maps a handler error to the outcome code recorded on the task
func Classify(err error) exitcode.Code {
	switch {
	case err == nil:
		return exitcode.Finished
	case errors.Is(err, ErrInvalidParameters):
		return exitcode.InvalidModuleParameters
	case errors.Is(err, ErrDownload):
		return exitcode.FTPDownloadError
	case errors.Is(err, ErrUpload):
		return exitcode.FTPUploadError
	case errors.Is(err, ErrProcessing):
		return exitcode.ProcessingError
	default:
		return exitcode.OthersError
	}
}

// wrap marks err with a handler failure kind, keeping the cause in the chain
func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %w", kind, fmt.Errorf(format, args...))
}
