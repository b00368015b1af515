package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subaru/pkg/ai"
	"subaru/pkg/bus"
	"subaru/pkg/channel"
	"subaru/pkg/command"
	"subaru/pkg/session"
)

type sentMsg struct {
	target  string
	direct  bool
	content string
}

type fakeAdapter struct {
	mu        sync.Mutex
	sent      []sentMsg
	failFirst int
}

func (f *fakeAdapter) Name() string { return "matrix" }

func (f *fakeAdapter) Run(ctx context.Context, _ bus.SubmitFunc) error {
	<-ctx.Done()
	return nil
}

func (f *fakeAdapter) Send(_ context.Context, target string, direct bool, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst > 0 {
		f.failFirst--
		return fmt.Errorf("transient send failure")
	}
	f.sent = append(f.sent, sentMsg{target: target, direct: direct, content: content})
	return nil
}

func (f *fakeAdapter) all() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

type fakeAcker struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeAcker) Delivered(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, jobID)
}

type fixture struct {
	dispatcher *Dispatcher
	adapter    *fakeAdapter
	acker      *fakeAcker
	registry   *command.Registry
	sessions   *session.Store
	dir        string
}

func newFixture(t *testing.T, aiBaseURL string) *fixture {
	t.Helper()
	dir := t.TempDir()

	registry := command.NewRegistry(filepath.Join(dir, "commands.json"), filepath.Join(dir, "users.json"), nil)
	require.NoError(t, registry.Reload())

	sessions := session.NewStore("", 10, nil)
	router := command.NewRouter(registry, sessions, nil, nil, "!", nil)
	responder := ai.New(sessions, ai.Options{BaseURL: aiBaseURL, Timeout: 5 * time.Second}, nil)

	adapter := &fakeAdapter{}
	acker := &fakeAcker{}
	d := New(Options{
		QueueSize:     16,
		RetryAttempts: 3,
		RetryBase:     5 * time.Millisecond,
		Grace:         time.Second,
		DefaultRoom:   "!default:example.org",
		AuditRoom:     "!audit:example.org",
		NotifyChannel: "matrix",
	}, router, responder, registry, sessions, map[string]channel.Adapter{"matrix": adapter}, acker, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})

	return &fixture{dispatcher: d, adapter: adapter, acker: acker, registry: registry, sessions: sessions, dir: dir}
}

func waitForSends(t *testing.T, adapter *fakeAdapter, n int) []sentMsg {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(adapter.all()) >= n
	}, 3*time.Second, 10*time.Millisecond, "expected %d sends", n)
	return adapter.all()
}

func TestCommandReplyReachesRoom(t *testing.T) {
	f := newFixture(t, "")

	ok := f.dispatcher.Submit(context.Background(), bus.InboundEvent{
		Type:     bus.EventChatMessage,
		Channel:  "matrix",
		SenderID: "@alice:example.org",
		RoomID:   "!room:example.org",
		Content:  "!ping",
	})
	require.True(t, ok)

	sent := waitForSends(t, f.adapter, 1)
	assert.Equal(t, "!room:example.org", sent[0].target)
	assert.Equal(t, "Pong! 🏓", sent[0].content)
}

func TestPermissionDenialNotifiesUserAndAudit(t *testing.T) {
	f := newFixture(t, "")
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "commands.json"), []byte(`{"commands": {
		"!secret": {"description": "s", "type": "builtin", "allowed_users": ["@admin:example.org"]}
	}}`), 0o644))
	require.NoError(t, f.registry.Reload())

	f.dispatcher.Submit(context.Background(), bus.InboundEvent{
		Type:     bus.EventChatMessage,
		Channel:  "matrix",
		SenderID: "@mallory:example.org",
		RoomID:   "!room:example.org",
		Content:  "!secret",
	})

	sent := waitForSends(t, f.adapter, 2)
	var sawUserReply, sawAudit bool
	for _, msg := range sent {
		if msg.target == "!room:example.org" && strings.Contains(msg.content, "permission") {
			sawUserReply = true
		}
		if msg.target == "!audit:example.org" && strings.Contains(msg.content, "@mallory:example.org") {
			sawAudit = true
		}
	}
	assert.True(t, sawUserReply, "user should see a denial reply")
	assert.True(t, sawAudit, "audit room should record the denial")
}

func TestUnknownCommandStaysSilent(t *testing.T) {
	f := newFixture(t, "")

	f.dispatcher.Submit(context.Background(), bus.InboundEvent{
		Type:     bus.EventChatMessage,
		Channel:  "matrix",
		SenderID: "@alice:example.org",
		RoomID:   "!room:example.org",
		Content:  "!definitely-not-a-command",
	})
	f.dispatcher.Submit(context.Background(), bus.InboundEvent{
		Type:     bus.EventChatMessage,
		Channel:  "matrix",
		SenderID: "@alice:example.org",
		RoomID:   "!room:example.org",
		Content:  "!ping",
	})

	sent := waitForSends(t, f.adapter, 1)
	require.Len(t, sent, 1)
	assert.Equal(t, "Pong! 🏓", sent[0].content)
}

func TestAITriggerProducesReply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id": "chatcmpl-1", "object": "chat.completion",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": "Hi there!"}, "finish_reason": "stop"},
			},
		})
	}))
	defer server.Close()

	f := newFixture(t, server.URL)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "users.json"), []byte(`{"users": {
		"@alice:example.org": {"ai_enabled": true, "triggers": {"subaru": {"api_key": "k"}}}
	}}`), 0o644))
	require.NoError(t, f.registry.Reload())

	f.dispatcher.Submit(context.Background(), bus.InboundEvent{
		Type:     bus.EventChatMessage,
		Channel:  "matrix",
		SenderID: "@alice:example.org",
		RoomID:   "!room:example.org",
		Content:  "hey subaru, how are you?",
	})

	sent := waitForSends(t, f.adapter, 1)
	assert.Equal(t, "Hi there!", sent[0].content)

	history := f.sessions.History("@alice:example.org", 0)
	require.Len(t, history, 2)
	assert.Equal(t, "assistant", history[1].Role)
}

func TestChatRepliesPreserveSubmissionOrder(t *testing.T) {
	// Slow completion backend: the first reply takes long enough for the
	// second chat message to finish well before it.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id": "chatcmpl-2", "object": "chat.completion",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": "slow thought"}, "finish_reason": "stop"},
			},
		})
	}))
	defer server.Close()

	f := newFixture(t, server.URL)
	require.NoError(t, os.WriteFile(filepath.Join(f.dir, "users.json"), []byte(`{"users": {
		"@alice:example.org": {"ai_enabled": true, "triggers": {"subaru": {"api_key": "k"}}}
	}}`), 0o644))
	require.NoError(t, f.registry.Reload())

	f.dispatcher.Submit(context.Background(), bus.InboundEvent{
		Type:     bus.EventChatMessage,
		Channel:  "matrix",
		SenderID: "@alice:example.org",
		RoomID:   "!room:example.org",
		Content:  "subaru, take your time",
	})
	f.dispatcher.Submit(context.Background(), bus.InboundEvent{
		Type:     bus.EventChatMessage,
		Channel:  "matrix",
		SenderID: "@bob:example.org",
		RoomID:   "!room:example.org",
		Content:  "!ping",
	})

	sent := waitForSends(t, f.adapter, 2)
	assert.Equal(t, "slow thought", sent[0].content, "first submission must land first")
	assert.Equal(t, "Pong! 🏓", sent[1].content)
}

func TestWebhookEventGoesToItsRoom(t *testing.T) {
	f := newFixture(t, "")

	f.dispatcher.Submit(context.Background(), bus.InboundEvent{
		Type:    bus.EventWebhookNotify,
		RoomID:  "!ops:example.org",
		Content: "🔴 **Deploy failed**\nrollback started",
	})

	sent := waitForSends(t, f.adapter, 1)
	assert.Equal(t, "!ops:example.org", sent[0].target)
	assert.Contains(t, sent[0].content, "Deploy failed")
}

func TestWebhookDirectEventBecomesDM(t *testing.T) {
	f := newFixture(t, "")

	f.dispatcher.Submit(context.Background(), bus.InboundEvent{
		Type:    bus.EventWebhookDiscord,
		RoomID:  "@alice:example.org",
		Direct:  true,
		Content: "build finished",
	})

	sent := waitForSends(t, f.adapter, 1)
	assert.True(t, sent[0].direct)
	assert.Equal(t, "@alice:example.org", sent[0].target)
}

func TestJobStatusNotificationIsAcked(t *testing.T) {
	f := newFixture(t, "")

	f.dispatcher.Submit(context.Background(), bus.InboundEvent{
		Type:    bus.EventJobStatus,
		Channel: "matrix",
		Job: &bus.JobNotice{
			JobID:    "job-1",
			OwnerID:  "@alice:example.org",
			RoomID:   "!room:example.org",
			Filename: "show.mkv",
			State:    "ready",
			Links:    []string{"https://dl.example/1"},
		},
	})

	sent := waitForSends(t, f.adapter, 1)
	assert.Contains(t, sent[0].content, "Download Ready")
	assert.Contains(t, sent[0].content, "show.mkv")

	require.Eventually(t, func() bool {
		f.acker.mu.Lock()
		defer f.acker.mu.Unlock()
		return len(f.acker.ids) == 1 && f.acker.ids[0] == "job-1"
	}, time.Second, 10*time.Millisecond, "delivery should be confirmed")
}

func TestSecurityEventAlwaysHitsAuditRoom(t *testing.T) {
	f := newFixture(t, "")

	f.dispatcher.Submit(context.Background(), bus.InboundEvent{
		Type:    bus.EventSecurity,
		Content: "Webhook delivery with invalid token from 203.0.113.9",
	})

	sent := waitForSends(t, f.adapter, 1)
	assert.Equal(t, "!audit:example.org", sent[0].target)
	assert.Contains(t, sent[0].content, "Security Alert")
}

func TestSendRetriesUntilSuccess(t *testing.T) {
	f := newFixture(t, "")
	f.adapter.mu.Lock()
	f.adapter.failFirst = 2
	f.adapter.mu.Unlock()

	f.dispatcher.Submit(context.Background(), bus.InboundEvent{
		Type:    bus.EventWebhookMessage,
		RoomID:  "!room:example.org",
		Content: "eventually",
	})

	sent := waitForSends(t, f.adapter, 1)
	assert.Equal(t, "eventually", sent[0].content)
}

// stuckAdapter blocks every send until released, simulating a dead
// destination.
type stuckAdapter struct {
	release chan struct{}
}

func (s *stuckAdapter) Name() string { return "matrix" }

func (s *stuckAdapter) Run(ctx context.Context, _ bus.SubmitFunc) error {
	<-ctx.Done()
	return nil
}

func (s *stuckAdapter) Send(ctx context.Context, _ string, _ bool, _ string) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestBackedUpDestinationDropsInsteadOfBlocking(t *testing.T) {
	adapter := &stuckAdapter{release: make(chan struct{})}
	pool := newSenderPool(map[string]channel.Adapter{"matrix": adapter}, 1, time.Millisecond, slog.Default())
	msg := bus.OutboundMessage{Channel: "matrix", Target: "!dead:example.org", Content: "x"}

	// The worker jams on the first send; once its queue fills, further
	// messages must be refused immediately instead of stalling the caller.
	dropped := false
	for i := 0; i < 64; i++ {
		if !pool.enqueue(msg, nil) {
			dropped = true
			break
		}
	}
	assert.True(t, dropped, "a backed-up destination should drop, not block")

	close(adapter.release)
	pool.close(2 * time.Second)
}

func TestSenderPoolShutdownIsSafeForProducers(t *testing.T) {
	adapter := &stuckAdapter{release: make(chan struct{})}
	pool := newSenderPool(map[string]channel.Adapter{"matrix": adapter}, 1, time.Millisecond, slog.Default())
	msg := bus.OutboundMessage{Channel: "matrix", Target: "!room:example.org", Content: "x"}

	for i := 0; i < 40; i++ {
		pool.enqueue(msg, nil)
	}

	// Producers racing close must get a refusal, never a panic.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				pool.enqueue(msg, nil)
			}
		}()
	}

	close(adapter.release)
	pool.close(2 * time.Second)
	wg.Wait()

	assert.False(t, pool.enqueue(msg, nil), "enqueue accepted work after close")
	assert.Nil(t, pool.reserve("matrix/!room:example.org"), "reserve handed out a slot after close")
}

func TestPerDestinationOrderingIsPreserved(t *testing.T) {
	f := newFixture(t, "")

	for i := 0; i < 5; i++ {
		f.dispatcher.Submit(context.Background(), bus.InboundEvent{
			Type:    bus.EventWebhookMessage,
			RoomID:  "!room:example.org",
			Content: fmt.Sprintf("message %d", i),
		})
	}

	sent := waitForSends(t, f.adapter, 5)
	for i, msg := range sent {
		assert.Equal(t, fmt.Sprintf("message %d", i), msg.content)
	}
}
