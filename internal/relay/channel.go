// Package relay moves extracted events from the upstream reader to the
// client writer through a bounded, ordered channel with keepalives.
package relay

import (
	"context"
	"sync"
	"time"

	"relaygate/internal/sse"
)

// FrameWriter is the client side of a relay. Implementations write one
// frame per call and make it visible to the client before returning.
type FrameWriter interface {
	WriteEvent(ev sse.Event) error
	WriteKeepalive() error
}

// Channel is a bounded FIFO hand-off between one producer and one consumer.
// A full channel blocks the producer, which is the only backpressure between
// the upstream and a slow client.
type Channel struct {
	events    chan sse.Event
	err       error // terminal producer error, visible once events is closed
	closeOnce sync.Once
}

// NewChannel returns a Channel holding at most capacity undelivered events.
func NewChannel(capacity int) *Channel {
	if capacity < 1 {
		capacity = 1
	}
	return &Channel{events: make(chan sse.Event, capacity)}
}

// Send enqueues ev, waiting while the channel is full. It returns ctx's error
// if the consumer side is cancelled first, so a producer can never block
// forever on an abandoned channel.
func (c *Channel) Send(ctx context.Context, ev sse.Event) error {
	select {
	case c.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseSend ends production. Events already queued are still delivered,
// after which Drain returns err. Only the first call has an effect; Send
// must not be called afterwards.
func (c *Channel) CloseSend(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.events)
	})
}

// Len returns the number of queued events.
func (c *Channel) Len() int {
	return len(c.events)
}

// Drain delivers events to w in the order they were sent until the producer
// closes the channel, ctx is done, or a write fails. Whenever keepalive
// passes without a frame being written, a keepalive frame is written; it
// never displaces or reorders queued events.
//
// Drain returns nil on a clean end of stream, the producer's terminal error,
// ctx's error, or the write error.
func (c *Channel) Drain(ctx context.Context, w FrameWriter, keepalive time.Duration) error {
	idle := time.NewTimer(keepalive)
	defer idle.Stop()

	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return c.err
			}
			if err := w.WriteEvent(ev); err != nil {
				return err
			}
			idle.Reset(keepalive)

		case <-idle.C:
			if err := w.WriteKeepalive(); err != nil {
				return err
			}
			idle.Reset(keepalive)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
