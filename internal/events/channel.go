package events

import (
	"sync/atomic"

	"github.com/fluxflowhq/fluxflow/pkg/types"
)

// ChannelSink forwards events onto a buffered channel so a consumer on
// another goroutine can render them. Non-terminal events are dropped when the
// buffer is full; terminal events always block until delivered.
type ChannelSink struct {
	ch      chan types.Event
	dropped atomic.Int64
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{ch: make(chan types.Event, buffer)}
}

func (c *ChannelSink) Record(event types.Event) {
	if event.Terminal() {
		c.ch <- event
		return
	}
	select {
	case c.ch <- event:
	default:
		c.dropped.Add(1)
	}
}

func (c *ChannelSink) Events() <-chan types.Event {
	return c.ch
}

func (c *ChannelSink) Dropped() int64 {
	return c.dropped.Load()
}

// Close ends the stream. Record must not be called afterwards.
func (c *ChannelSink) Close() {
	close(c.ch)
}
