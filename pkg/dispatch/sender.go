package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"subaru/pkg/bus"
	"subaru/pkg/channel"
)

// pending is a slot reserved in a destination queue before its message body
// exists. The worker holds the slot's position and waits; exactly one of
// fulfill or discard must be called.
type pending struct {
	msg   bus.OutboundMessage
	skip  bool
	ready chan struct{}
}

func (p *pending) fulfill(msg bus.OutboundMessage) {
	p.msg = msg
	close(p.ready)
}

func (p *pending) discard() {
	p.skip = true
	close(p.ready)
}

type sendItem struct {
	msg bus.OutboundMessage
	// delivered runs after the message reached its destination. Used to
	// confirm download notifications.
	delivered func()
	// pend, when set, supplies the message once its handler finishes.
	pend *pending
}

// senderPool delivers outbound messages. Each destination gets its own
// worker and queue, so messages to one destination go out in submission
// order while destinations never block each other. Handing work to a queue
// never blocks; a backed-up destination drops instead of stalling callers.
type senderPool struct {
	adapters map[string]channel.Adapter
	attempts int
	baseWait time.Duration
	log      *slog.Logger
	done     chan struct{}

	mu      sync.Mutex
	workers map[string]chan sendItem
	wg      sync.WaitGroup
	closed  bool
}

func newSenderPool(adapters map[string]channel.Adapter, attempts int, baseWait time.Duration, log *slog.Logger) *senderPool {
	if attempts <= 0 {
		attempts = 3
	}
	if baseWait <= 0 {
		baseWait = 500 * time.Millisecond
	}

	return &senderPool{
		adapters: adapters,
		attempts: attempts,
		baseWait: baseWait,
		log:      log.With("component", "dispatch.sender"),
		done:     make(chan struct{}),
		workers:  make(map[string]chan sendItem),
	}
}

// enqueue hands a message to its destination worker without blocking. A full
// queue means the destination is backed up; the message is dropped and
// logged rather than stalling the caller on one dead destination.
func (p *senderPool) enqueue(msg bus.OutboundMessage, delivered func()) bool {
	queue, ok := p.queueFor(msg.DestinationKey())
	if !ok {
		return false
	}

	select {
	case queue <- sendItem{msg: msg, delivered: delivered}:
		return true
	default:
		p.log.Warn("Destination backed up, dropping message", "destination", msg.DestinationKey())
		return false
	}
}

// reserve claims the next slot in a destination's queue before the message
// body exists, so a slow handler cannot reorder replies to that destination.
func (p *senderPool) reserve(key string) *pending {
	queue, ok := p.queueFor(key)
	if !ok {
		return nil
	}

	pend := &pending{ready: make(chan struct{})}
	select {
	case queue <- sendItem{pend: pend}:
		return pend
	default:
		p.log.Warn("Destination backed up, dropping message", "destination", key)
		return nil
	}
}

// queueFor finds or creates the destination's worker. Returns false after
// close.
func (p *senderPool) queueFor(key string) (chan sendItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false
	}

	queue, ok := p.workers[key]
	if !ok {
		queue = make(chan sendItem, 32)
		p.workers[key] = queue
		p.wg.Add(1)
		go p.worker(key, queue)
	}
	return queue, true
}

// close stops accepting work and waits for the workers to drain what is
// already queued, up to grace. Queues are never closed; workers are told to
// stop through done so late producers cannot panic on a closed channel.
func (p *senderPool) close(grace time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.done)

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(grace):
		p.log.Warn("Sender drain exceeded grace period")
	}
}

func (p *senderPool) worker(key string, queue chan sendItem) {
	defer p.wg.Done()

	for {
		select {
		case item := <-queue:
			p.process(key, item)
		case <-p.done:
			for {
				select {
				case item := <-queue:
					p.process(key, item)
				default:
					return
				}
			}
		}
	}
}

func (p *senderPool) process(key string, item sendItem) {
	if item.pend != nil {
		<-item.pend.ready
		if item.pend.skip {
			return
		}
		item.msg = item.pend.msg
	}

	if p.deliver(item.msg) {
		if item.delivered != nil {
			item.delivered()
		}
		return
	}
	p.log.Error("Dropping message after retries", "destination", key)
}

// deliver attempts the send with exponential backoff between attempts.
func (p *senderPool) deliver(msg bus.OutboundMessage) bool {
	adapter, ok := p.adapters[msg.Channel]
	if !ok {
		p.log.Error("No adapter for channel", "channel", msg.Channel)
		return false
	}

	for attempt := 0; attempt < p.attempts; attempt++ {
		if attempt > 0 {
			wait := p.baseWait * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(wait):
			case <-p.done:
				// Shutdown: one final immediate try below.
			}
		}

		sendCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := adapter.Send(sendCtx, msg.Target, msg.Direct, msg.Content)
		cancel()
		if err == nil {
			return true
		}
		p.log.Warn("Send failed", "channel", msg.Channel, "target", msg.Target,
			"attempt", attempt+1, "error", err)
	}

	return false
}
