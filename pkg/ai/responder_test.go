package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"subaru/pkg/session"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// fakeCompletions serves the chat completions shape the SDK expects.
func fakeCompletions(t *testing.T, reply string, status int, captured *chatRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if captured != nil {
			if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		if status != http.StatusOK {
			http.Error(w, `{"error": {"message": "boom"}}`, status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-test",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": reply}, "finish_reason": "stop"},
			},
		})
	}))
}

func enabledSession(store *session.Store, userID string, triggers map[string]session.Profile) {
	store.Update(userID, func(sess *session.Session) {
		sess.AIEnabled = true
		sess.Triggers = triggers
	})
}

func TestMaybeRespondIgnoresUntriggeredText(t *testing.T) {
	store := session.NewStore("", 10, nil)
	enabledSession(store, "@alice:example.org", map[string]session.Profile{"subaru": {APIKey: "k"}})
	r := New(store, Options{}, nil)

	_, handled, err := r.MaybeRespond(context.Background(), "@alice:example.org", "what a nice day")
	if handled || err != nil {
		t.Fatalf("handled = %v, err = %v, want untouched", handled, err)
	}
}

func TestMaybeRespondIgnoresDisabledUser(t *testing.T) {
	store := session.NewStore("", 10, nil)
	store.Touch("@bob:example.org")
	r := New(store, Options{}, nil)

	_, handled, err := r.MaybeRespond(context.Background(), "@bob:example.org", "hey subaru")
	if handled || err != nil {
		t.Fatalf("handled = %v, err = %v, want untouched", handled, err)
	}
}

func TestMaybeRespondMissingCredentials(t *testing.T) {
	store := session.NewStore("", 10, nil)
	enabledSession(store, "@alice:example.org", nil)
	r := New(store, Options{}, nil)

	_, handled, err := r.MaybeRespond(context.Background(), "@alice:example.org", "hey subaru")
	if !handled {
		t.Fatal("trigger should be handled even without credentials")
	}
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
}

func TestMaybeRespondCompletesAndRecordsHistory(t *testing.T) {
	var captured chatRequest
	server := fakeCompletions(t, "Hello Alice!", http.StatusOK, &captured)
	defer server.Close()

	store := session.NewStore("", 10, nil)
	enabledSession(store, "@alice:example.org", map[string]session.Profile{
		"subaru": {APIKey: "k", Model: "gpt-4o-mini", SystemPrompt: "Be brief."},
	})
	r := New(store, Options{BaseURL: server.URL}, nil)

	reply, handled, err := r.MaybeRespond(context.Background(), "@alice:example.org", "Subaru, say hi")
	if err != nil || !handled {
		t.Fatalf("handled = %v, err = %v", handled, err)
	}
	if reply != "Hello Alice!" {
		t.Errorf("reply = %q", reply)
	}

	if captured.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", captured.Model)
	}
	if len(captured.Messages) < 2 || captured.Messages[0].Role != "system" {
		t.Errorf("expected system prompt first, got %+v", captured.Messages)
	}
	last := captured.Messages[len(captured.Messages)-1]
	if last.Role != "user" || last.Content != "Subaru, say hi" {
		t.Errorf("last message = %+v", last)
	}

	history := store.History("@alice:example.org", 0)
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[1].Role != "assistant" || history[1].Text != "Hello Alice!" {
		t.Errorf("assistant entry = %+v", history[1])
	}
}

func TestMaybeRespondCustomTriggerProfile(t *testing.T) {
	var captured chatRequest
	server := fakeCompletions(t, "ok", http.StatusOK, &captured)
	defer server.Close()

	store := session.NewStore("", 10, nil)
	enabledSession(store, "@alice:example.org", map[string]session.Profile{
		"jarvis": {APIKey: "k", Model: "gpt-4o"},
	})
	r := New(store, Options{BaseURL: server.URL}, nil)

	_, handled, err := r.MaybeRespond(context.Background(), "@alice:example.org", "JARVIS, status report")
	if err != nil || !handled {
		t.Fatalf("handled = %v, err = %v", handled, err)
	}
	if captured.Model != "gpt-4o" {
		t.Errorf("model = %q, want the trigger's own model", captured.Model)
	}
}

func TestMaybeRespondPicksTriggersDeterministically(t *testing.T) {
	var captured chatRequest
	server := fakeCompletions(t, "ok", http.StatusOK, &captured)
	defer server.Close()

	store := session.NewStore("", 20, nil)
	enabledSession(store, "@alice:example.org", map[string]session.Profile{
		"aria":   {APIKey: "k", Model: "gpt-4o"},
		"zephyr": {APIKey: "k", Model: "gpt-4o-mini"},
	})
	r := New(store, Options{BaseURL: server.URL}, nil)

	// Both triggers appear; the alphabetically first profile must win every
	// time, not whichever the map yields.
	for i := 0; i < 3; i++ {
		_, handled, err := r.MaybeRespond(context.Background(), "@alice:example.org", "aria or zephyr, who is there?")
		if err != nil || !handled {
			t.Fatalf("handled = %v, err = %v", handled, err)
		}
		if captured.Model != "gpt-4o" {
			t.Fatalf("model = %q, want the first trigger's profile", captured.Model)
		}
	}
}

func TestMaybeRespondFailureLeavesHistoryAlone(t *testing.T) {
	server := fakeCompletions(t, "", http.StatusInternalServerError, nil)
	defer server.Close()

	store := session.NewStore("", 10, nil)
	enabledSession(store, "@alice:example.org", map[string]session.Profile{"subaru": {APIKey: "k"}})
	r := New(store, Options{BaseURL: server.URL}, nil)

	_, handled, err := r.MaybeRespond(context.Background(), "@alice:example.org", "subaru help")
	if !handled || err == nil {
		t.Fatalf("handled = %v, err = %v, want handled failure", handled, err)
	}
	if history := store.History("@alice:example.org", 0); len(history) != 0 {
		t.Errorf("failed call mutated history: %+v", history)
	}
}

func TestPromptPrefixInvocation(t *testing.T) {
	var captured chatRequest
	server := fakeCompletions(t, "42", http.StatusOK, &captured)
	defer server.Close()

	store := session.NewStore("", 10, nil)
	enabledSession(store, "@alice:example.org", map[string]session.Profile{
		"!prompt": {APIKey: "k", Model: "gpt-4o"},
	})
	r := New(store, Options{BaseURL: server.URL}, nil)

	reply, handled, err := r.MaybeRespond(context.Background(), "@alice:example.org", "!prompt what is 6*7?")
	if err != nil || !handled {
		t.Fatalf("handled = %v, err = %v", handled, err)
	}
	if reply != "42" {
		t.Errorf("reply = %q", reply)
	}

	last := captured.Messages[len(captured.Messages)-1]
	if last.Content != "what is 6*7?" {
		t.Errorf("prompt sent as %q, prefix should be stripped", last.Content)
	}

	// Bare prefix asks for usage instead of calling the backend.
	reply, handled, err = r.MaybeRespond(context.Background(), "@alice:example.org", "!prompt   ")
	if err != nil || !handled || !strings.Contains(reply, "Usage") {
		t.Errorf("bare prefix: reply = %q, handled = %v, err = %v", reply, handled, err)
	}
}

func TestMaybeRespondBoundsHistory(t *testing.T) {
	var captured chatRequest
	server := fakeCompletions(t, "ok", http.StatusOK, &captured)
	defer server.Close()

	store := session.NewStore("", 20, nil)
	enabledSession(store, "@alice:example.org", map[string]session.Profile{
		"subaru": {APIKey: "k", MaxHistory: 4},
	})
	for i := 0; i < 5; i++ {
		store.AppendExchange("@alice:example.org", "earlier question", "earlier answer")
	}
	r := New(store, Options{BaseURL: server.URL}, nil)

	if _, _, err := r.MaybeRespond(context.Background(), "@alice:example.org", "subaru again"); err != nil {
		t.Fatalf("MaybeRespond: %v", err)
	}

	// 4 history entries plus the new user message.
	if len(captured.Messages) != 5 {
		t.Errorf("sent %d messages, want 5", len(captured.Messages))
	}
}
