package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"subaru/pkg/debrid"
	"subaru/pkg/session"
)

// Result is a successful command execution.
type Result struct {
	Reply string
}

// Router resolves prefixed chat text against the active command table and
// executes the match.
type Router struct {
	registry  *Registry
	sessions  *session.Store
	rd        debrid.API
	downloads *debrid.Tracker
	prefix    string
	log       *slog.Logger
}

func NewRouter(registry *Registry, sessions *session.Store, rd debrid.API, downloads *debrid.Tracker, prefix string, log *slog.Logger) *Router {
	if prefix == "" {
		prefix = "!"
	}
	if log == nil {
		log = slog.Default()
	}

	return &Router{
		registry:  registry,
		sessions:  sessions,
		rd:        rd,
		downloads: downloads,
		prefix:    prefix,
		log:       log.With("component", "command.router"),
	}
}

// Prefix returns the configured command prefix.
func (r *Router) Prefix() string {
	return r.prefix
}

// Route executes the command in text on behalf of userID. The first token
// (prefix included) selects the command; the remainder is the argument
// string. Lookup reads one atomic snapshot and never blocks on a reload.
func (r *Router) Route(ctx context.Context, userID, roomID, channel, text string) (Result, error) {
	token, args := splitCommand(text)
	if token == "" {
		return Result{}, ErrNotFound
	}

	snapshot := r.registry.Snapshot()
	def, ok := snapshot.Lookup(token)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNotFound, token)
	}

	if !snapshot.IsAllowed(userID, token) {
		r.log.Warn("Permission denied", "user", userID, "command", token)
		return Result{}, fmt.Errorf("%w: %s for %s", ErrPermissionDenied, token, userID)
	}

	switch def.Type {
	case kindBuiltin:
		return r.runBuiltin(ctx, token, args, userID, roomID, channel, snapshot)
	case kindShell:
		timeout := time.Duration(def.TimeoutSeconds) * time.Second
		output, err := runScript(ctx, def.Script, args, timeout)
		if err != nil {
			return Result{}, err
		}
		return Result{Reply: output}, nil
	default:
		return Result{}, fmt.Errorf("command %s has unsupported type %q", token, def.Type)
	}
}

// UserMessage maps a routing error onto the text shown to the invoking
// user. Empty means stay silent.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		// Accidental prefixed text should not produce noise.
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "❌ You don't have permission to use this command."
	case errors.Is(err, ErrExecutionTimeout):
		return "⏱️ Command execution timed out."
	case errors.Is(err, ErrConfigParse):
		return fmt.Sprintf("❌ Config reload rejected, previous configuration kept: %v", err)
	case errors.Is(err, debrid.ErrInvalidMagnet):
		return "❌ Invalid magnet link format. Must start with `magnet:`."
	case errors.Is(err, debrid.ErrUnauthorized):
		return "❌ Invalid RealDebrid API key."
	case errors.Is(err, debrid.ErrTorrentNotFound):
		return "❌ Torrent not found. Check the ID with `!magnet-list`."
	case errors.Is(err, debrid.ErrBackendUnavailable):
		return "❌ The download service is unreachable right now, try again later."
	default:
		return fmt.Sprintf("❌ Error: %v", err)
	}
}

func splitCommand(text string) (token, args string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ""
	}

	if idx := strings.IndexAny(trimmed, " \t"); idx >= 0 {
		return strings.ToLower(trimmed[:idx]), strings.TrimSpace(trimmed[idx+1:])
	}
	return strings.ToLower(trimmed), ""
}
