package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"subaru/pkg/session"
)

const (
	kindBuiltin = "builtin"
	kindShell   = "shell"
)

// Definition describes one entry of the command table.
type Definition struct {
	Description    string   `json:"description"`
	AllowedUsers   []string `json:"allowed_users"`
	Script         string   `json:"script,omitempty"`
	Type           string   `json:"type"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

// UserConfig is one entry of the user table: AI enablement, trigger
// profiles, and the debrid credential.
type UserConfig struct {
	AIEnabled        bool                       `json:"ai_enabled"`
	Triggers         map[string]session.Profile `json:"triggers,omitempty"`
	RealDebridAPIKey string                     `json:"realdebrid_api_key,omitempty"`
}

// Snapshot is an immutable view of both tables. Safe for concurrent readers
// across reloads; never mutated after construction.
type Snapshot struct {
	Commands map[string]Definition
	Users    map[string]UserConfig
}

// Lookup resolves a command token (including prefix) case-insensitively.
func (s *Snapshot) Lookup(token string) (Definition, bool) {
	def, ok := s.Commands[strings.ToLower(token)]
	return def, ok
}

// User returns the configured profile for a user identifier.
func (s *Snapshot) User(userID string) (UserConfig, bool) {
	cfg, ok := s.Users[userID]
	return cfg, ok
}

// IsAllowed reports whether userID may run the command. An empty allow-list
// means public.
func (s *Snapshot) IsAllowed(userID, token string) bool {
	def, ok := s.Lookup(token)
	if !ok {
		return false
	}
	if len(def.AllowedUsers) == 0 {
		return true
	}
	for _, allowed := range def.AllowedUsers {
		if allowed == userID {
			return true
		}
	}
	return false
}

type tableDocument struct {
	Commands map[string]Definition `json:"commands"`
}

type usersDocument struct {
	Users map[string]UserConfig `json:"users"`
}

// Registry owns the hot-reloadable command and user tables. Reads are one
// atomic pointer load; Reload parses both documents fully before swapping.
type Registry struct {
	tablePath string
	usersPath string
	log       *slog.Logger

	current atomic.Pointer[Snapshot]

	// writeMu serializes writers: Reload and SetDebridKey.
	writeMu    sync.Mutex
	tableMTime time.Time
	usersMTime time.Time
}

func NewRegistry(tablePath, usersPath string, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}

	r := &Registry{
		tablePath: tablePath,
		usersPath: usersPath,
		log:       log.With("component", "command.registry"),
	}
	r.current.Store(&Snapshot{Commands: map[string]Definition{}, Users: map[string]UserConfig{}})
	return r
}

// Snapshot returns the active table view. Never blocks on a concurrent
// reload.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// IsAllowed checks the active snapshot.
func (r *Registry) IsAllowed(userID, token string) bool {
	return r.Snapshot().IsAllowed(userID, token)
}

// Reload re-reads both documents and swaps in a new snapshot. On any parse
// error the previous snapshot stays active and the error is returned.
func (r *Registry) Reload() error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.reloadLocked()
}

func (r *Registry) reloadLocked() error {
	commands, tableMTime, err := r.loadTable()
	if err != nil {
		return err
	}

	users, usersMTime, err := r.loadUsers()
	if err != nil {
		return err
	}

	r.current.Store(&Snapshot{Commands: commands, Users: users})
	r.tableMTime = tableMTime
	r.usersMTime = usersMTime
	r.log.Info("Config reloaded", "commands", len(commands), "users", len(users))
	return nil
}

func (r *Registry) loadTable() (map[string]Definition, time.Time, error) {
	if _, err := os.Stat(r.tablePath); os.IsNotExist(err) {
		if err := r.writeDefaultTable(); err != nil {
			return nil, time.Time{}, err
		}
	}

	content, err := os.ReadFile(r.tablePath)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: read %s: %v", ErrConfigParse, r.tablePath, err)
	}

	var doc tableDocument
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %s: %v", ErrConfigParse, r.tablePath, err)
	}

	commands := make(map[string]Definition, len(doc.Commands))
	for token, def := range doc.Commands {
		key := strings.ToLower(strings.TrimSpace(token))
		if key == "" {
			continue
		}
		if def.Type != kindBuiltin && def.Type != kindShell {
			return nil, time.Time{}, fmt.Errorf("%w: %s: command %q has unknown type %q", ErrConfigParse, r.tablePath, token, def.Type)
		}
		if def.Type == kindShell && strings.TrimSpace(def.Script) == "" {
			return nil, time.Time{}, fmt.Errorf("%w: %s: shell command %q has no script", ErrConfigParse, r.tablePath, token)
		}
		commands[key] = def
	}

	return commands, fileMTime(r.tablePath), nil
}

func (r *Registry) loadUsers() (map[string]UserConfig, time.Time, error) {
	content, err := os.ReadFile(r.usersPath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]UserConfig{}, time.Time{}, nil
		}
		return nil, time.Time{}, fmt.Errorf("%w: read %s: %v", ErrConfigParse, r.usersPath, err)
	}

	var doc usersDocument
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %s: %v", ErrConfigParse, r.usersPath, err)
	}

	if doc.Users == nil {
		doc.Users = map[string]UserConfig{}
	}
	return doc.Users, fileMTime(r.usersPath), nil
}

// SetDebridKey updates one user's debrid credential in users.json and
// reloads so the change is visible in the next snapshot.
func (r *Registry) SetDebridKey(userID, apiKey string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	doc := usersDocument{Users: map[string]UserConfig{}}
	if content, err := os.ReadFile(r.usersPath); err == nil {
		if err := json.Unmarshal(content, &doc); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrConfigParse, r.usersPath, err)
		}
	}
	if doc.Users == nil {
		doc.Users = map[string]UserConfig{}
	}

	cfg := doc.Users[userID]
	cfg.RealDebridAPIKey = apiKey
	doc.Users[userID] = cfg

	if err := writeJSON(r.usersPath, doc); err != nil {
		return err
	}

	return r.reloadLocked()
}

// WatchChanges polls both documents' modification times and reloads when
// either changes. A failed reload keeps the old snapshot and keeps watching.
func (r *Registry) WatchChanges(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.writeMu.Lock()
			changed := !fileMTime(r.tablePath).Equal(r.tableMTime) || !fileMTime(r.usersPath).Equal(r.usersMTime)
			r.writeMu.Unlock()
			if !changed {
				continue
			}
			if err := r.Reload(); err != nil {
				r.log.Error("Auto-reload rejected, keeping previous config", "error", err)
			}
		}
	}
}

func (r *Registry) writeDefaultTable() error {
	defaults := tableDocument{Commands: map[string]Definition{
		"!help":          {Description: "Show available commands", AllowedUsers: []string{}, Type: kindBuiltin},
		"!ping":          {Description: "Check if bot is responsive", AllowedUsers: []string{}, Type: kindBuiltin},
		"!espacio":       {Description: "Show disk usage", AllowedUsers: []string{}, Type: kindBuiltin},
		"!reload":        {Description: "Reload commands configuration", AllowedUsers: []string{}, Type: kindBuiltin},
		"!date":          {Description: "Show current date and time", AllowedUsers: []string{}, Script: "date", Type: kindShell},
		"!magnet":        {Description: "Add a magnet link to RealDebrid", AllowedUsers: []string{}, Type: kindBuiltin},
		"!magnet-config": {Description: "Configure your RealDebrid API key", AllowedUsers: []string{}, Type: kindBuiltin},
		"!magnet-list":   {Description: "List your RealDebrid torrents", AllowedUsers: []string{}, Type: kindBuiltin},
		"!magnet-info":   {Description: "Show details for one torrent", AllowedUsers: []string{}, Type: kindBuiltin},
	}}

	r.log.Warn("Command table not found, writing defaults", "path", r.tablePath)
	return writeJSON(r.tablePath, defaults)
}

func writeJSON(path string, v any) error {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

func fileMTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
