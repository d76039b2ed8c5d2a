// Package metrics exposes build and repository metrics. Components hold a
// Recorder and default to NoopRecorder when metrics are not configured.
package metrics

import "time"

// Result labels a reconcile or purge outcome.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailed  Result = "failed"
)

// Recorder receives observations from the runner, the controller and the
// reconciler.
type Recorder interface {
	IncBuildOutcome(outcome string) // successful|failed|timeout|cancelled
	ObserveBuildDuration(d time.Duration)
	SetActiveBuilds(n int)
	SetConcurrencyLimit(n int)
	IncReconcile(result Result)
	AddPurgedFiles(n int)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) IncBuildOutcome(string)             {}
func (NoopRecorder) ObserveBuildDuration(time.Duration) {}
func (NoopRecorder) SetActiveBuilds(int)                {}
func (NoopRecorder) SetConcurrencyLimit(int)            {}
func (NoopRecorder) IncReconcile(Result)                {}
func (NoopRecorder) AddPurgedFiles(int)                 {}
