package events

import (
	"testing"

	"github.com/fluxflowhq/fluxflow/pkg/types"
)

func TestMultiFansOut(t *testing.T) {
	var a, b Buffer
	m := NewMulti(&a, nil, &b)

	m.Record(types.Event{Type: types.EventOutput, Text: "hello"})
	m.Record(types.Event{Type: types.EventProgress, Percent: 50})

	if len(a.Events()) != 2 || len(b.Events()) != 2 {
		t.Fatalf("expected both sinks to see 2 events, got %d and %d", len(a.Events()), len(b.Events()))
	}
	if got := a.Filter(types.EventProgress); len(got) != 1 || got[0].Percent != 50 {
		t.Fatalf("unexpected progress events: %+v", got)
	}
}

func TestChannelSinkDropsOnlyNonTerminal(t *testing.T) {
	sink := NewChannelSink(1)

	sink.Record(types.Event{Type: types.EventOutput, Text: "first"})
	sink.Record(types.Event{Type: types.EventOutput, Text: "second"})
	if sink.Dropped() != 1 {
		t.Fatalf("expected one dropped event, got %d", sink.Dropped())
	}

	done := make(chan struct{})
	go func() {
		sink.Record(types.Event{Type: types.EventCompleted})
		close(done)
	}()

	first := <-sink.Events()
	if first.Text != "first" {
		t.Fatalf("unexpected first event: %+v", first)
	}
	<-done
	last := <-sink.Events()
	if last.Type != types.EventCompleted {
		t.Fatalf("expected completed event, got %+v", last)
	}
}
