package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"subaru/pkg/session"
)

const (
	defaultTrigger = "subaru"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 90 * time.Second
)

// PromptPrefix invokes the AI explicitly, bypassing the command table. The
// remainder of the message is the prompt; the "!prompt" trigger profile
// supplies the credentials.
const PromptPrefix = "!prompt "

// IsPromptInvocation reports whether text addresses the AI through the
// explicit prompt prefix.
func IsPromptInvocation(text string) bool {
	lowered := strings.ToLower(strings.TrimSpace(text))
	return lowered == "!prompt" || strings.HasPrefix(lowered, PromptPrefix)
}

var (
	// ErrNoCredentials means the matched trigger has no API key configured.
	ErrNoCredentials = errors.New("no api key configured for trigger")

	// ErrBackendUnavailable wraps failures talking to the completion backend.
	ErrBackendUnavailable = errors.New("ai backend unavailable")
)

// Options tunes the responder.
type Options struct {
	DefaultTrigger string
	Timeout        time.Duration
	// BaseURL redirects requests to an OpenAI-compatible endpoint.
	BaseURL string
}

// Responder answers plain chat messages that mention a trigger word. Each
// user brings their own credentials via their trigger profiles; the responder
// itself holds none.
type Responder struct {
	sessions *session.Store
	opts     Options
	log      *slog.Logger
}

func New(sessions *session.Store, opts Options, log *slog.Logger) *Responder {
	if opts.DefaultTrigger == "" {
		opts.DefaultTrigger = defaultTrigger
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	return &Responder{
		sessions: sessions,
		opts:     opts,
		log:      log.With("component", "ai.responder"),
	}
}

// MaybeRespond checks text against the user's trigger words and, on a match,
// produces a completion over the user's recorded history. handled is false
// when the message is not for the AI at all. On a failed provider call the
// history stays untouched.
func (r *Responder) MaybeRespond(ctx context.Context, userID, text string) (reply string, handled bool, err error) {
	sess, ok := r.sessions.View(userID)
	if !ok || !sess.AIEnabled {
		return "", false, nil
	}

	trigger, profile, ok := r.matchTrigger(sess, text)
	if !ok {
		return "", false, nil
	}
	if trigger == "!prompt" {
		text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), "!prompt"))
		if text == "" {
			return "Usage: `!prompt <your question>`", true, nil
		}
	}

	if strings.TrimSpace(profile.APIKey) == "" {
		return "", true, fmt.Errorf("%w: %s", ErrNoCredentials, trigger)
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	startedAt := time.Now()
	r.log.Debug("AI request started", "user", userID, "trigger", trigger)

	reply, err = r.complete(ctx, profile, sess, text)
	if err != nil {
		r.log.Warn("AI request failed", "user", userID, "trigger", trigger,
			"duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", true, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	r.sessions.AppendExchange(userID, text, reply)
	r.log.Info("AI reply produced", "user", userID, "trigger", trigger,
		"duration_ms", time.Since(startedAt).Milliseconds(), "reply_length", len(reply))
	return reply, true, nil
}

// matchTrigger finds the first of the user's trigger words mentioned in text,
// falling back to the default trigger. Matching is a case-insensitive
// substring check, the way people actually address a bot mid-sentence. When
// several configured triggers appear in one message the alphabetically first
// one wins, so the chosen profile is stable across calls.
func (r *Responder) matchTrigger(sess session.Session, text string) (string, session.Profile, bool) {
	lowered := strings.ToLower(text)

	if IsPromptInvocation(text) {
		return "!prompt", sess.Triggers["!prompt"], true
	}

	triggers := make([]string, 0, len(sess.Triggers))
	for trigger := range sess.Triggers {
		if trigger == "" || trigger == "!prompt" {
			continue
		}
		triggers = append(triggers, trigger)
	}
	sort.Strings(triggers)
	for _, trigger := range triggers {
		if strings.Contains(lowered, strings.ToLower(trigger)) {
			return trigger, sess.Triggers[trigger], true
		}
	}

	if strings.Contains(lowered, strings.ToLower(r.opts.DefaultTrigger)) {
		profile := sess.Triggers[r.opts.DefaultTrigger]
		return r.opts.DefaultTrigger, profile, true
	}

	return "", session.Profile{}, false
}

func (r *Responder) complete(ctx context.Context, profile session.Profile, sess session.Session, text string) (string, error) {
	opts := []option.RequestOption{option.WithAPIKey(profile.APIKey)}
	if baseURL := strings.TrimSpace(r.opts.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := osdk.NewClient(opts...)

	model := strings.TrimSpace(profile.Model)
	if model == "" {
		model = defaultModel
	}

	messages := make([]osdk.ChatCompletionMessageParamUnion, 0, len(sess.History)+2)
	if prompt := strings.TrimSpace(profile.SystemPrompt); prompt != "" {
		messages = append(messages, osdk.SystemMessage(prompt))
	}

	history := sess.History
	if max := profile.MaxHistory; max > 0 && len(history) > max {
		history = history[len(history)-max:]
	}
	for _, entry := range history {
		switch entry.Role {
		case "assistant":
			messages = append(messages, osdk.AssistantMessage(entry.Text))
		default:
			messages = append(messages, osdk.UserMessage(entry.Text))
		}
	}
	messages = append(messages, osdk.UserMessage(text))

	completion, err := client.Chat.Completions.New(ctx, osdk.ChatCompletionNewParams{
		Model:    osdk.ChatModel(model),
		Messages: messages,
	})
	if err != nil {
		return "", err
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}

	reply := strings.TrimSpace(completion.Choices[0].Message.Content)
	if reply == "" {
		return "", errors.New("completion returned no text")
	}
	return reply, nil
}
