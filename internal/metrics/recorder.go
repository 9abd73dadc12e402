// Package metrics provides the discovery engine's observability hooks: a
// Recorder interface with a no-op default, a Prometheus implementation, and
// an in-process collector for the status surface.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so metrics can be enabled by swapping the implementation
// without touching call sites.
package metrics

import "time"

// CycleOutcome enumerates how a discovery cycle ended.
type CycleOutcome string

const (
	OutcomeSuccess   CycleOutcome = "success"
	OutcomeDegraded  CycleOutcome = "degraded"
	OutcomeFailed    CycleOutcome = "failed"
	OutcomeCancelled CycleOutcome = "cancelled"
)

// Recorder defines the engine's metric hooks. Implementations must be safe
// for concurrent use.
type Recorder interface {
	ObserveCycleDuration(d time.Duration)
	IncCycleOutcome(outcome CycleOutcome)
	ObserveRepoDiscovery(repo string, d time.Duration, success bool)
	AddPRsDiscovered(n int)
	AddChecksDiscovered(n int)
	AddStateChanges(kind string, n int)
	IncError(kind string)
	SetRateLimitRemaining(resource string, remaining int)
	SetCacheHitRate(rate float64)
	SetActiveWorkers(n int)
}

// NoopRecorder is the default Recorder; every method does nothing.
type NoopRecorder struct{}

func (NoopRecorder) ObserveCycleDuration(time.Duration)               {}
func (NoopRecorder) IncCycleOutcome(CycleOutcome)                     {}
func (NoopRecorder) ObserveRepoDiscovery(string, time.Duration, bool) {}
func (NoopRecorder) AddPRsDiscovered(int)                             {}
func (NoopRecorder) AddChecksDiscovered(int)                          {}
func (NoopRecorder) AddStateChanges(string, int)                      {}
func (NoopRecorder) IncError(string)                                  {}
func (NoopRecorder) SetRateLimitRemaining(string, int)                {}
func (NoopRecorder) SetCacheHitRate(float64)                          {}
func (NoopRecorder) SetActiveWorkers(int)                             {}
