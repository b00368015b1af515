package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Entry is one line of conversation history.
type Entry struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Profile holds the AI settings for one trigger phrase.
type Profile struct {
	APIKey       string `json:"api_key,omitempty"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	MaxHistory   int    `json:"max_history,omitempty"`
}

// Counters accumulate per-user usage over the process lifetime.
type Counters struct {
	MessagesSeen  int `json:"messages_seen"`
	AIReplies     int `json:"ai_replies"`
	JobsSubmitted int `json:"jobs_submitted"`
}

// Session is the per-user runtime state. History mutates only through
// append-and-trim; its length never exceeds the store's configured maximum.
type Session struct {
	UserID       string             `json:"user_id"`
	AIEnabled    bool               `json:"ai_enabled"`
	Triggers     map[string]Profile `json:"triggers,omitempty"`
	DebridAPIKey string             `json:"debrid_api_key,omitempty"`
	History      []Entry            `json:"history,omitempty"`
	Counters     Counters           `json:"counters"`
}

type userSession struct {
	mu   sync.Mutex
	data Session
}

// Store maps user identifiers to sessions. Lookup is guarded by one RWMutex;
// mutation of a single session is serialized by that session's own lock so
// unrelated users never contend.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*userSession

	maxHistory int
	path       string
	log        *slog.Logger
}

func NewStore(path string, maxHistory int, log *slog.Logger) *Store {
	if maxHistory <= 0 {
		maxHistory = 10
	}
	if log == nil {
		log = slog.Default()
	}

	return &Store{
		sessions:   make(map[string]*userSession),
		maxHistory: maxHistory,
		path:       path,
		log:        log.With("component", "session.store"),
	}
}

// Load restores persisted sessions from disk. A missing file is not an
// error; the store starts empty.
func (s *Store) Load() error {
	if strings.TrimSpace(s.path) == "" {
		return nil
	}

	content, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read session store: %w", err)
	}

	var persisted map[string]Session
	if err := json.Unmarshal(content, &persisted); err != nil {
		return fmt.Errorf("parse session store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, data := range persisted {
		data.UserID = userID
		data.History = trimHistory(data.History, s.maxHistory)
		s.sessions[userID] = &userSession{data: data}
	}

	s.log.Info("Loaded sessions", "count", len(persisted))
	return nil
}

// Touch creates the session on first contact and counts the inbound message.
// Counters are process-lifetime state, so Touch mutates in memory only; the
// next material update carries them to disk.
func (s *Store) Touch(userID string) {
	us := s.ensure(userID)
	us.mu.Lock()
	us.data.Counters.MessagesSeen++
	us.mu.Unlock()
}

// View returns a copy of the session, if one exists.
func (s *Store) View(userID string) (Session, bool) {
	s.mu.RLock()
	us, ok := s.sessions[userID]
	s.mu.RUnlock()
	if !ok {
		return Session{}, false
	}

	us.mu.Lock()
	defer us.mu.Unlock()
	return copySession(us.data), true
}

// Update applies fn to the user's session under its per-user lock, creating
// the session if needed, then persists the store.
func (s *Store) Update(userID string, fn func(*Session)) {
	us := s.ensure(userID)

	us.mu.Lock()
	fn(&us.data)
	us.data.History = trimHistory(us.data.History, s.maxHistory)
	us.mu.Unlock()

	s.persist()
}

// AppendExchange records one user/assistant exchange, evicting the oldest
// entries beyond the history cap.
func (s *Store) AppendExchange(userID, userText, assistantText string) {
	now := time.Now().UTC()
	s.Update(userID, func(sess *Session) {
		sess.History = append(sess.History,
			Entry{Role: "user", Text: userText, At: now},
			Entry{Role: "assistant", Text: assistantText, At: now},
		)
		sess.Counters.AIReplies++
	})
}

// History returns up to max trailing entries for the user.
func (s *Store) History(userID string, max int) []Entry {
	sess, ok := s.View(userID)
	if !ok || len(sess.History) == 0 {
		return nil
	}

	history := sess.History
	if max > 0 && len(history) > max {
		history = history[len(history)-max:]
	}
	return history
}

func (s *Store) ensure(userID string) *userSession {
	s.mu.RLock()
	us, ok := s.sessions[userID]
	s.mu.RUnlock()
	if ok {
		return us
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if us, ok = s.sessions[userID]; ok {
		return us
	}

	us = &userSession{data: Session{UserID: userID}}
	s.sessions[userID] = us
	return us
}

// persist writes the whole store as one JSON document via temp-file rename.
func (s *Store) persist() {
	if strings.TrimSpace(s.path) == "" {
		return
	}

	s.mu.RLock()
	snapshot := make(map[string]Session, len(s.sessions))
	for userID, us := range s.sessions {
		us.mu.Lock()
		snapshot[userID] = copySession(us.data)
		us.mu.Unlock()
	}
	s.mu.RUnlock()

	content, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		s.log.Error("Failed to marshal session store", "error", err)
		return
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			s.log.Error("Failed to create session store directory", "error", err)
			return
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o600); err != nil {
		s.log.Error("Failed to write session store", "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.log.Error("Failed to replace session store", "error", err)
	}
}

func trimHistory(history []Entry, max int) []Entry {
	if max <= 0 || len(history) <= max {
		return history
	}
	trimmed := make([]Entry, max)
	copy(trimmed, history[len(history)-max:])
	return trimmed
}

func copySession(in Session) Session {
	out := in
	if in.History != nil {
		out.History = make([]Entry, len(in.History))
		copy(out.History, in.History)
	}
	if in.Triggers != nil {
		out.Triggers = make(map[string]Profile, len(in.Triggers))
		for name, profile := range in.Triggers {
			out.Triggers[name] = profile
		}
	}
	return out
}
