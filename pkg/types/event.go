package types

import "time"

type EventType string

const (
	EventOutput    EventType = "output"
	EventProgress  EventType = "progress"
	EventFatal     EventType = "fatal"
	EventCompleted EventType = "completed"
)

// FatalKind names the reasons a run can end without a result.
type FatalKind string

const (
	FatalNoConnectivity   FatalKind = "no_connectivity"
	FatalNoProbesSelected FatalKind = "no_probes_selected"
	FatalCancelled        FatalKind = "cancelled"
	FatalBusy             FatalKind = "busy"
)

type Event struct {
	Type      EventType         `json:"type"`
	RunID     string            `json:"run_id,omitempty"`
	Timestamp time.Time         `json:"ts"`
	Text      string            `json:"text,omitempty"`
	Percent   int               `json:"percent,omitempty"`
	Stage     string            `json:"stage,omitempty"`
	Kind      FatalKind         `json:"kind,omitempty"`
	Result    *AggregatedResult `json:"result,omitempty"`
}

// Terminal reports whether the event ends a run.
func (e Event) Terminal() bool {
	return e.Type == EventFatal || e.Type == EventCompleted
}
