package manager

import (
	"time"

	"batchconvert/internal/models"
)

// Listener receives batch lifecycle events. Implementations must be safe for
// concurrent calls; jobs are passed by value so consumers never share mutable
// state with the manager.
type Listener interface {
	BatchStarted(stats models.Stats)
	BatchCompleted(stats models.Stats)
	JobCompleted(job models.Job, success bool, elapsed time.Duration)
	RoutingDecision(job models.Job, route models.Route, estimated time.Duration)
	ProgressTick(percent float64, remaining time.Duration)
}

// NopListener discards all events. The manager works without any consumer
// attached.
type NopListener struct{}

func (NopListener) BatchStarted(models.Stats)                               {}
func (NopListener) BatchCompleted(models.Stats)                             {}
func (NopListener) JobCompleted(models.Job, bool, time.Duration)            {}
func (NopListener) RoutingDecision(models.Job, models.Route, time.Duration) {}
func (NopListener) ProgressTick(float64, time.Duration)                     {}

// Multi fans events out to several listeners.
type Multi []Listener

func (m Multi) BatchStarted(stats models.Stats) {
	for _, l := range m {
		l.BatchStarted(stats)
	}
}

func (m Multi) BatchCompleted(stats models.Stats) {
	for _, l := range m {
		l.BatchCompleted(stats)
	}
}

func (m Multi) JobCompleted(job models.Job, success bool, elapsed time.Duration) {
	for _, l := range m {
		l.JobCompleted(job, success, elapsed)
	}
}

func (m Multi) RoutingDecision(job models.Job, route models.Route, estimated time.Duration) {
	for _, l := range m {
		l.RoutingDecision(job, route, estimated)
	}
}

func (m Multi) ProgressTick(percent float64, remaining time.Duration) {
	for _, l := range m {
		l.ProgressTick(percent, remaining)
	}
}
