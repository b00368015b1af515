package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"subaru/pkg/bus"
)

const defaultPort = 23983

// Options configures the inbound HTTP surface.
type Options struct {
	Host string
	Port int
	// DiscordToken, when set, must match the {token} path segment on the
	// Discord-compatible endpoint.
	DiscordToken string
	DefaultRoom  string
}

// Server accepts webhook deliveries from other services and turns them into
// events for the dispatcher. It never talks to a chat network itself.
type Server struct {
	opts   Options
	submit bus.SubmitFunc
	// validUser reports whether a string is a deliverable user identifier.
	validUser func(string) bool
	log       *slog.Logger
	http      *http.Server
}

func NewServer(opts Options, submit bus.SubmitFunc, validUser func(string) bool, log *slog.Logger) *Server {
	if opts.Port <= 0 {
		opts.Port = defaultPort
	}
	if validUser == nil {
		validUser = func(string) bool { return false }
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		opts:      opts,
		submit:    submit,
		validUser: validUser,
		log:       log.With("component", "webhook.server"),
	}

	router := chi.NewRouter()
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	router.Get("/webhook/health", s.handleHealth)
	router.HandleFunc("/webhook/message", s.handleMessage)
	router.HandleFunc("/webhook/log", s.handleLog)
	router.HandleFunc("/webhook/notify", s.handleNotify)
	router.Post("/api/webhooks/{id}/{token}", s.handleDiscord)

	s.http = &http.Server{
		Addr:              net.JoinHostPort(opts.Host, fmt.Sprintf("%d", opts.Port)),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Webhook server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	params, err := requestParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	message := strings.TrimSpace(params["message"])
	if message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}

	s.emit(r.Context(), w, bus.InboundEvent{
		Type:    bus.EventWebhookMessage,
		RoomID:  s.targetRoom(params),
		Content: message,
	})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	params, err := requestParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	message := strings.TrimSpace(params["message"])
	if message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}

	level := strings.ToUpper(strings.TrimSpace(params["level"]))
	if level == "" {
		level = "INFO"
	}
	source := strings.TrimSpace(params["source"])
	if source == "" {
		source = "unknown"
	}

	s.emit(r.Context(), w, bus.InboundEvent{
		Type:    bus.EventWebhookLog,
		RoomID:  s.targetRoom(params),
		Content: fmt.Sprintf("📋 **[%s]** %s\n%s", level, source, message),
	})
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	params, err := requestParams(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	message := strings.TrimSpace(params["message"])
	if message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}

	marker := priorityMarker(params["priority"])
	content := marker + " " + message
	if title := strings.TrimSpace(params["title"]); title != "" {
		content = fmt.Sprintf("%s **%s**\n%s", marker, title, message)
	}

	s.emit(r.Context(), w, bus.InboundEvent{
		Type:    bus.EventWebhookNotify,
		RoomID:  s.targetRoom(params),
		Content: content,
	})
}

// handleDiscord accepts the webhook payload shape Discord clients send. The
// {id} segment doubles as a delivery hint: when it URL-decodes to a known
// user identifier the message goes to that user directly, otherwise it lands
// in the default room.
func (s *Server) handleDiscord(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil {
		id = chi.URLParam(r, "id")
	}
	token := chi.URLParam(r, "token")

	if s.opts.DiscordToken != "" && token != s.opts.DiscordToken {
		s.log.Warn("Webhook token rejected", "remote", r.RemoteAddr)
		s.security(r.Context(), fmt.Sprintf("Webhook delivery with invalid token from %s", r.RemoteAddr))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}

	var payload struct {
		Content  string `json:"content"`
		Username string `json:"username"`
		Embeds   []struct {
			Title       string `json:"title"`
			Description string `json:"description"`
		} `json:"embeds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	// Embeds flatten into the body; a payload of only embeds is still valid.
	var parts []string
	if text := strings.TrimSpace(payload.Content); text != "" {
		parts = append(parts, text)
	}
	for _, embed := range payload.Embeds {
		if title := strings.TrimSpace(embed.Title); title != "" {
			parts = append(parts, "**"+title+"**")
		}
		if description := strings.TrimSpace(embed.Description); description != "" {
			parts = append(parts, description)
		}
	}
	if len(parts) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content is required"})
		return
	}

	content := strings.Join(parts, "\n")
	if username := strings.TrimSpace(payload.Username); username != "" {
		content = fmt.Sprintf("**%s:** %s", username, content)
	}

	ev := bus.InboundEvent{
		Type:    bus.EventWebhookDiscord,
		Content: content,
	}
	if s.validUser(id) {
		ev.Direct = true
		ev.RoomID = id
	} else {
		ev.RoomID = s.opts.DefaultRoom
	}

	if !s.submit(r.Context(), ev) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "queue unavailable"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) emit(ctx context.Context, w http.ResponseWriter, ev bus.InboundEvent) {
	if !s.submit(ctx, ev) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "queue unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// targetRoom honors a caller-supplied room_id, falling back to the
// configured default room.
func (s *Server) targetRoom(params map[string]string) string {
	if room := strings.TrimSpace(params["room_id"]); room != "" {
		return room
	}
	return s.opts.DefaultRoom
}

func (s *Server) security(ctx context.Context, detail string) {
	s.submit(ctx, bus.InboundEvent{
		Type:    bus.EventSecurity,
		Content: detail,
	})
}

// requestParams merges query parameters with an optional JSON body, body
// winning. GET senders use the query string, POST senders usually a JSON
// document; both shapes are accepted on every endpoint.
func requestParams(r *http.Request) (map[string]string, error) {
	params := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}

	if r.Method == http.MethodPost && strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("invalid JSON body")
		}
		for key, value := range body {
			if text, ok := value.(string); ok {
				params[key] = text
			}
		}
	}

	return params, nil
}

func priorityMarker(priority string) string {
	switch strings.ToLower(strings.TrimSpace(priority)) {
	case "high", "urgent", "critical":
		return "🔴"
	case "low":
		return "🟢"
	default:
		return "🟡"
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
