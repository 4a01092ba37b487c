package exitcode

import "fmt"

// Code is both the process exit status of a one-shot run and the outcome tag recorded
// against a task. The values are shared with the worker task manager that launches
// workers, so existing numbers must not change.
type Code int

const (
	Finished                Code = 0
	GeneralError            Code = 1
	CannotConnectToDatabase Code = 3
	InvalidTaskID           Code = 4
	InvalidModuleParameters Code = 5
	FTPDownloadError        Code = 6
	FTPUploadError          Code = 7
	ProcessKilledByWTM      Code = 8
	OthersError             Code = 9
	InvalidConfiguration    Code = 10
	ProcessingError         Code = 11
)

var messages = map[Code]string{
	Finished:                "Finished",
	GeneralError:            "Miscellaneous errors, such as divide by zero and other impermissible operations",
	CannotConnectToDatabase: "Cannot connect to the database",
	InvalidTaskID:           "Invalid input task id",
	InvalidModuleParameters: "Invalid module parameters",
	FTPDownloadError:        "FTP download error",
	FTPUploadError:          "FTP upload error",
	ProcessKilledByWTM:      "Process killed by WTM",
	OthersError:             "Others error",
	InvalidConfiguration:    "Invalid configuration",
	ProcessingError:         "Processing error",
}

// Message returns the human-readable text recorded in a task's message field.
func (c Code) Message() string {
	if msg, ok := messages[c]; ok {
		return msg
	}
	return fmt.Sprintf("Unknown exit code %d", int(c))
}

// Succeeded is true only for Finished.
func (c Code) Succeeded() bool {
	return c == Finished
}

func (c Code) String() string {
	return fmt.Sprintf("%d (%s)", int(c), c.Message())
}
