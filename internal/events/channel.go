package events

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrChannelFull   = errors.New("ingestion channel full")
	ErrChannelClosed = errors.New("ingestion channel closed")
)

// DropFunc is invoked when an event is evicted or rejected on overflow.
type DropFunc func(cameraID string, reason string)

// Channel is the bounded, ordered inbound queue between camera workers and
// the incident manager. Producers never block: on overflow the oldest queued
// event below high severity is evicted to make room. If nothing qualifies the
// incoming event is rejected, so incident-grade signals are never silently
// displaced by noise.
type Channel struct {
	mu     sync.Mutex
	queue  []*Event
	cap    int
	wake   chan struct{}
	done   chan struct{}
	closed bool
	onDrop DropFunc
}

func NewChannel(capacity int, onDrop DropFunc) *Channel {
	if capacity <= 0 {
		capacity = 1024
	}
	if onDrop == nil {
		onDrop = func(string, string) {}
	}
	return &Channel{
		cap:    capacity,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		onDrop: onDrop,
	}
}

// Publish enqueues without blocking the producer.
func (c *Channel) Publish(e *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}

	if len(c.queue) >= c.cap {
		// Evict the oldest event below high severity.
		victim := -1
		for i, qe := range c.queue {
			if qe.Severity.Rank() < SeverityHigh.Rank() {
				victim = i
				break
			}
		}
		if victim < 0 {
			c.onDrop(e.CameraID, "rejected_queue_full")
			return ErrChannelFull
		}
		c.onDrop(c.queue[victim].CameraID, "evicted_low_severity")
		c.queue = append(c.queue[:victim], c.queue[victim+1:]...)
	}

	c.queue = append(c.queue, e)
	c.signal()
	return nil
}

// Receive blocks until an event is available, the channel is closed and
// drained, or the context is cancelled.
func (c *Channel) Receive(ctx context.Context) (*Event, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			e := c.queue[0]
			c.queue = c.queue[1:]
			if len(c.queue) > 0 {
				c.signal()
			}
			c.mu.Unlock()
			return e, nil
		}
		closed := c.closed
		c.mu.Unlock()

		if closed {
			return nil, ErrChannelClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
		case <-c.wake:
		}
	}
}

// Close stops accepting new events. Already-queued events stay receivable so
// a graceful worker stop never discards accepted events.
func (c *Channel) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	c.mu.Unlock()
}

func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Channel) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
