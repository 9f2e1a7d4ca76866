package events

import (
	"sync"

	"github.com/fluxflowhq/fluxflow/pkg/types"
)

// Sink receives the events of a diagnostics run. Implementations must not
// block the run for long; slow consumers should buffer.
type Sink interface {
	Record(event types.Event)
}

type NoopSink struct{}

func (NoopSink) Record(event types.Event) {}

type Multi struct {
	sinks []Sink
}

func NewMulti(sinks ...Sink) Multi {
	return Multi{sinks: sinks}
}

func (m Multi) Record(event types.Event) {
	for _, sink := range m.sinks {
		if sink != nil {
			sink.Record(event)
		}
	}
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(types.Event)

func (f SinkFunc) Record(event types.Event) { f(event) }

// Buffer keeps every event it receives.
type Buffer struct {
	mu     sync.Mutex
	events []types.Event
}

func (b *Buffer) Record(event types.Event) {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
}

func (b *Buffer) Events() []types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Event, len(b.events))
	copy(out, b.events)
	return out
}

// Filter returns the recorded events of one type.
func (b *Buffer) Filter(kind types.EventType) []types.Event {
	var out []types.Event
	for _, ev := range b.Events() {
		if ev.Type == kind {
			out = append(out, ev)
		}
	}
	return out
}
