package metrics

import (
	"time"

	"github.com/fluxflowhq/fluxflow/pkg/types"
)

// RunRecorder observes diagnostics runs.
type RunRecorder interface {
	RunStarted()
	ObserveProbe(probe types.Probe, status types.ProbeStatus, elapsed time.Duration)
	ObserveRun(outcome string, res *types.AggregatedResult, elapsed time.Duration)
	IncSaveFailures()
}

type NoopRunRecorder struct{}

func (NoopRunRecorder) RunStarted()                                                {}
func (NoopRunRecorder) ObserveProbe(types.Probe, types.ProbeStatus, time.Duration) {}
func (NoopRunRecorder) ObserveRun(string, *types.AggregatedResult, time.Duration)  {}
func (NoopRunRecorder) IncSaveFailures()                                           {}

// BackfillRecorder observes spool replay.
type BackfillRecorder interface {
	ObservePendingBytes(bytes int64)
	AddReplayed(n int)
}

type NoopBackfillRecorder struct{}

func (NoopBackfillRecorder) ObservePendingBytes(bytes int64) {}
func (NoopBackfillRecorder) AddReplayed(n int)               {}
