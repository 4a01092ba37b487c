package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"taskworker/internal/exitcode"
	"taskworker/internal/worker"
)

func TestOutcomeMessage(t *testing.T) {
	tests := []struct {
		name     string
		code     exitcode.Code
		out      worker.Outcome
		cause    error
		expected string
	}{
		{"success", exitcode.Finished, worker.Outcome{}, nil, "Finished"},
		{"success with note", exitcode.Finished, worker.Outcome{Note: "1 candidate files could not be transferred"}, nil, "Finished; 1 candidate files could not be transferred"},
		{"invalid parameters drop detail", exitcode.InvalidModuleParameters, worker.Outcome{}, errors.New("missing main_image_file"), "Invalid module parameters"},
		{"failure detail", exitcode.FTPUploadError, worker.Outcome{}, errors.New("upload failed: 550"), "FTP upload error: upload failed: 550"},
		{"first line only", exitcode.ProcessingError, worker.Outcome{}, errors.New("panicked: boom\ngoroutine 1 [running]:"), "Processing error: panicked: boom"},
		{"no cause", exitcode.OthersError, worker.Outcome{}, nil, "Others error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, outcomeMessage(tt.code, tt.out, tt.cause))
		})
	}
}

func TestTryRun(t *testing.T) {
	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		attempts, err := tryRun(3, time.Millisecond, func() error {
			calls++
			if calls < 3 {
				return errors.New("not yet")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("gives up", func(t *testing.T) {
		cause := errors.New("database is gone")
		attempts, err := tryRun(2, time.Millisecond, func() error { return cause })
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, 2, attempts)
		assert.Contains(t, err.Error(), "failed after 2 attempts")
	})
}
