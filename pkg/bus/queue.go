package bus

import (
	"context"
	"sync"
	"time"
)

const defaultQueueSize = 100

// Queue is the bounded event queue between producers and the dispatcher.
// A full queue applies backpressure: Publish blocks until space frees up,
// the context expires, or the queue closes.
type Queue struct {
	events    chan InboundEvent
	done      chan struct{}
	closeOnce sync.Once
}

func NewQueue(size int) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}

	return &Queue{
		events: make(chan InboundEvent, size),
		done:   make(chan struct{}),
	}
}

// Publish enqueues one event. Returns false when the queue is closed or the
// context is done before the event is accepted.
func (q *Queue) Publish(ctx context.Context, ev InboundEvent) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-q.done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-q.done:
		return false
	case q.events <- ev:
		return true
	}
}

// Consume blocks until an event is available, the context is done, or the
// queue closes with nothing buffered. Events buffered at close time are
// still handed out so a shutdown drain can finish them.
func (q *Queue) Consume(ctx context.Context) (InboundEvent, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case ev := <-q.events:
		return ev, true
	default:
	}

	select {
	case <-ctx.Done():
		return InboundEvent{}, false
	case <-q.done:
		// Racing producers may have slipped one in before close.
		select {
		case ev := <-q.events:
			return ev, true
		default:
			return InboundEvent{}, false
		}
	case ev := <-q.events:
		return ev, true
	}
}

// TryConsume pops a buffered event without blocking.
func (q *Queue) TryConsume() (InboundEvent, bool) {
	select {
	case ev := <-q.events:
		return ev, true
	default:
		return InboundEvent{}, false
	}
}

// Len reports the number of buffered events.
func (q *Queue) Len() int {
	return len(q.events)
}

// Close stops accepting new events. Buffered events remain consumable.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}
