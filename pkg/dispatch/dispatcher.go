package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"subaru/pkg/ai"
	"subaru/pkg/bus"
	"subaru/pkg/channel"
	"subaru/pkg/command"
	"subaru/pkg/session"
)

// chatWorkerLimit bounds how many chat messages are processed at once. Slow
// handlers (an AI call can take a minute and a half) must not stall
// unrelated events.
const chatWorkerLimit = 8

// JobAcker confirms that a download notification reached its destination.
// Satisfied by debrid.Tracker.
type JobAcker interface {
	Delivered(jobID string)
}

// Options tunes the dispatcher.
type Options struct {
	QueueSize     int
	RetryAttempts int
	RetryBase     time.Duration
	Grace         time.Duration
	DefaultRoom   string
	AuditRoom     string
	// NotifyChannel carries webhook and security traffic; rooms belong to it.
	NotifyChannel string
}

// Dispatcher owns the inbound event queue. Events come in from chat
// adapters, the webhook server, and the download tracker; replies go out
// through per-destination senders that preserve submission order.
type Dispatcher struct {
	opts      Options
	queue     *bus.Queue
	router    *command.Router
	responder *ai.Responder
	registry  *command.Registry
	sessions  *session.Store
	acker     JobAcker
	senders   *senderPool
	log       *slog.Logger

	chatSlots chan struct{}
}

func New(opts Options, router *command.Router, responder *ai.Responder, registry *command.Registry, sessions *session.Store, adapters map[string]channel.Adapter, acker JobAcker, log *slog.Logger) *Dispatcher {
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	if opts.NotifyChannel == "" {
		opts.NotifyChannel = "matrix"
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "dispatch")

	return &Dispatcher{
		opts:      opts,
		queue:     bus.NewQueue(opts.QueueSize),
		router:    router,
		responder: responder,
		registry:  registry,
		sessions:  sessions,
		acker:     acker,
		senders:   newSenderPool(adapters, opts.RetryAttempts, opts.RetryBase, log),
		log:       log,
		chatSlots: make(chan struct{}, chatWorkerLimit),
	}
}

// Submit places an event on the queue, blocking while it is full. It is the
// bus.SubmitFunc handed to every producer.
func (d *Dispatcher) Submit(ctx context.Context, ev bus.InboundEvent) bool {
	return d.queue.Publish(ctx, ev)
}

// Run consumes events until the context ends, then drains what is already
// queued within the grace period.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info("Dispatcher started", "queue_size", d.opts.QueueSize)

	for {
		ev, ok := d.queue.Consume(ctx)
		if !ok {
			break
		}
		d.handle(ctx, ev)
	}

	d.drain()
}

func (d *Dispatcher) drain() {
	d.queue.Close()

	deadline := time.After(d.opts.Grace)
	drainCtx, cancel := context.WithTimeout(context.Background(), d.opts.Grace)
	defer cancel()

	for {
		select {
		case <-deadline:
			d.log.Warn("Drain exceeded grace period", "remaining", d.queue.Len())
			d.senders.close(d.opts.Grace)
			return
		default:
		}

		ev, ok := d.queue.TryConsume()
		if !ok {
			break
		}
		d.handle(drainCtx, ev)
	}

	d.senders.close(d.opts.Grace)
	d.log.Info("Dispatcher stopped")
}

func (d *Dispatcher) handle(ctx context.Context, ev bus.InboundEvent) {
	// Correlation id for every log line this event produces.
	reqID := uuid.NewString()[:8]
	d.log.Debug("Event received", "request_id", reqID, "type", ev.Type, "channel", ev.Channel)

	switch ev.Type {
	case bus.EventChatMessage:
		// Slow path: commands run scripts, triggers call the AI. The reply
		// slot is reserved up front so concurrent handlers cannot reorder
		// sends to the same destination; then each chat message gets its
		// own goroutine so the queue keeps moving.
		pend := d.senders.reserve(ev.Channel + "/" + ev.RoomID)
		if pend == nil {
			return
		}
		select {
		case d.chatSlots <- struct{}{}:
			go func() {
				defer func() { <-d.chatSlots }()
				d.handleChat(ctx, reqID, ev, pend)
			}()
		case <-ctx.Done():
			// Shutting down: no new workers, handle inline instead of
			// dropping the event.
			d.handleChat(ctx, reqID, ev, pend)
		}
	case bus.EventWebhookMessage, bus.EventWebhookLog, bus.EventWebhookNotify, bus.EventWebhookDiscord:
		d.handleWebhook(ev)
	case bus.EventJobStatus:
		d.handleJobStatus(ev)
	case bus.EventSecurity:
		d.handleSecurity(ev)
	default:
		d.log.Warn("Dropping event of unknown type", "type", ev.Type)
	}
}

func (d *Dispatcher) handleChat(ctx context.Context, reqID string, ev bus.InboundEvent, pend *pending) {
	d.sessions.Touch(ev.SenderID)
	d.syncSession(ev.SenderID)

	reply := d.chatReply(ctx, reqID, ev)
	if reply == "" {
		pend.discard()
		return
	}

	pend.fulfill(bus.OutboundMessage{
		Channel: ev.Channel,
		Target:  ev.RoomID,
		Content: reply,
	})
}

func (d *Dispatcher) chatReply(ctx context.Context, reqID string, ev bus.InboundEvent) string {
	text := strings.TrimSpace(ev.Content)
	if text == "" {
		return ""
	}

	// Trigger check comes first: a message addressing the AI is a
	// conversation even if it happens to carry the command prefix
	// ("!prompt" in particular). Everything else prefixed goes to the
	// command table; anything else is not for us.
	reply, handled, err := d.responder.MaybeRespond(ctx, ev.SenderID, text)
	if handled {
		if err != nil {
			if errors.Is(err, ai.ErrNoCredentials) {
				return "🤖 AI is enabled for you but no API key is configured. Ask an admin to add one."
			}
			return "🤖 Sorry, I couldn't process that right now. Try again in a bit."
		}
		return reply
	}

	if !strings.HasPrefix(text, d.router.Prefix()) {
		return ""
	}

	result, err := d.router.Route(ctx, ev.SenderID, ev.RoomID, ev.Channel, text)
	if err != nil {
		if errors.Is(err, command.ErrPermissionDenied) {
			d.audit(fmt.Sprintf("🚫 **Permission denied**\nUser: %s\nCommand: %s\nRoom: %s",
				ev.SenderID, text, ev.RoomID))
		}
		d.log.Warn("Command failed", "request_id", reqID, "user", ev.SenderID, "error", err)
		return command.UserMessage(err)
	}
	return result.Reply
}

// syncSession mirrors the user table into the runtime session: enablement
// and trigger profiles always follow config, the debrid key is only seeded
// when the session has none (a key set via !magnet-config wins). A session
// already in sync is left alone so the store is not rewritten per message.
func (d *Dispatcher) syncSession(userID string) {
	cfg, ok := d.registry.Snapshot().User(userID)
	if !ok {
		return
	}

	if sess, ok := d.sessions.View(userID); ok &&
		sess.AIEnabled == cfg.AIEnabled &&
		maps.Equal(sess.Triggers, cfg.Triggers) &&
		(sess.DebridAPIKey != "" || cfg.RealDebridAPIKey == "") {
		return
	}

	d.sessions.Update(userID, func(sess *session.Session) {
		sess.AIEnabled = cfg.AIEnabled
		sess.Triggers = cfg.Triggers
		if sess.DebridAPIKey == "" {
			sess.DebridAPIKey = cfg.RealDebridAPIKey
		}
	})
}

func (d *Dispatcher) handleWebhook(ev bus.InboundEvent) {
	target := ev.RoomID
	if target == "" {
		target = d.opts.DefaultRoom
	}

	d.senders.enqueue(bus.OutboundMessage{
		Channel: d.opts.NotifyChannel,
		Target:  target,
		Direct:  ev.Direct,
		Content: ev.Content,
	}, nil)
}

func (d *Dispatcher) handleJobStatus(ev bus.InboundEvent) {
	job := ev.Job
	if job == nil {
		return
	}

	channelName := ev.Channel
	if channelName == "" {
		channelName = d.opts.NotifyChannel
	}
	target := job.RoomID
	if target == "" {
		target = d.opts.DefaultRoom
	}

	jobID := job.JobID
	var delivered func()
	if d.acker != nil && jobID != "" {
		delivered = func() { d.acker.Delivered(jobID) }
	}

	d.senders.enqueue(bus.OutboundMessage{
		Channel: channelName,
		Target:  target,
		Content: formatJobNotice(job),
	}, delivered)
}

func (d *Dispatcher) handleSecurity(ev bus.InboundEvent) {
	d.log.Warn("Security event", "detail", ev.Content)
	d.audit("🔐 **Security Alert**\n" + ev.Content)
}

// audit sends to the audit room. Security traffic goes there and nowhere
// else.
func (d *Dispatcher) audit(content string) {
	if d.opts.AuditRoom == "" {
		return
	}
	d.senders.enqueue(bus.OutboundMessage{
		Channel: d.opts.NotifyChannel,
		Target:  d.opts.AuditRoom,
		Content: content,
	}, nil)
}

func formatJobNotice(job *bus.JobNotice) string {
	name := job.Filename
	if name == "" {
		name = "your download"
	}

	switch job.State {
	case "ready":
		var b strings.Builder
		fmt.Fprintf(&b, "🎉 **Download Ready!**\n\n• **%s**\n", name)
		if len(job.Links) > 0 {
			b.WriteString("\n**Links:**\n")
			links := job.Links
			if len(links) > 5 {
				links = links[:5]
			}
			for _, link := range links {
				fmt.Fprintf(&b, "• %s\n", link)
			}
			if len(job.Links) > 5 {
				fmt.Fprintf(&b, "... and %d more\n", len(job.Links)-5)
			}
		}
		b.WriteString("\nUse `!magnet-list` for direct download links.")
		return b.String()
	case "failed":
		return fmt.Sprintf("❌ **Download Failed**\n\n• **%s**\n\nThe torrent errored out. Check `!magnet-list` for details.", name)
	case "expired":
		return fmt.Sprintf("⌛ **Download Expired**\n\n• **%s**\n\nNo progress for too long, tracking stopped.", name)
	default:
		return fmt.Sprintf("📊 **%s** is now `%s`.", name, job.State)
	}
}
