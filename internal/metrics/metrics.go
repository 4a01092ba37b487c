package metrics

import (
	"time"

	"taskworker/internal/exitcode"
)

type WorkerMetrics interface {
	TaskClaimed()
	TaskFinished(code exitcode.Code)
	DependencyWait()
	TransferFailures(n int)
	HeartbeatFailed()
	ProcessingLatency(d time.Duration)
	TasksReaped(failed, released int64)
}

type NopMetrics struct{}

func (NopMetrics) TaskClaimed()                    {}
func (NopMetrics) TaskFinished(exitcode.Code)      {}
func (NopMetrics) DependencyWait()                 {}
func (NopMetrics) TransferFailures(int)            {}
func (NopMetrics) HeartbeatFailed()                {}
func (NopMetrics) ProcessingLatency(time.Duration) {}
func (NopMetrics) TasksReaped(int64, int64)        {}
