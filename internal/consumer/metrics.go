package consumer

import "time"

// Metrics observes consumer activity.
type Metrics interface {
	ObservePoll(stream, group string, events int, elapsed time.Duration, err error)
	ObserveCommit(stream, group string, events int, err error)
	ObserveRollback(stream, group string)
}

// NoopMetrics discards observations.
type NoopMetrics struct{}

func (NoopMetrics) ObservePoll(string, string, int, time.Duration, error) {}
func (NoopMetrics) ObserveCommit(string, string, int, error)              {}
func (NoopMetrics) ObserveRollback(string, string)                         {}
