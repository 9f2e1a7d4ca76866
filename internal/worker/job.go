package worker

import (
	"time"

	"github.com/fluxflowhq/fluxflow/internal/events"
	"github.com/fluxflowhq/fluxflow/pkg/types"
)

// Trigger names what started a run.
type Trigger string

const (
	TriggerCLI      Trigger = "cli"
	TriggerAPI      Trigger = "api"
	TriggerSchedule Trigger = "schedule"
)

type Job struct {
	RunID     string
	Selection types.ProbeSelection
	Trigger   Trigger
	// Schedule is set when Trigger is TriggerSchedule.
	Schedule string
	// Sink receives the run's events in addition to the pool's sink.
	Sink events.Sink
}

// Outcome is delivered once per accepted job.
type Outcome struct {
	RunID  string
	Result types.AggregatedResult
	Err    error
}

// ActiveRun describes the run currently holding the slot.
type ActiveRun struct {
	RunID     string    `json:"run_id"`
	Trigger   Trigger   `json:"trigger"`
	Schedule  string    `json:"schedule,omitempty"`
	StartedAt time.Time `json:"started_at"`
}
