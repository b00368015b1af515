package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	envMatrixHomeserver  = "MATRIX_HOMESERVER"
	envMatrixUserID      = "MATRIX_USER_ID"
	envMatrixPassword    = "MATRIX_PASSWORD"
	envMatrixToken       = "MATRIX_TOKEN"
	envTelegramBotToken  = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom = "TELEGRAM_ALLOW_FROM"
	envWebhookPort       = "WEBHOOK_PORT"
	envDefaultRoom       = "SUBARU_DEFAULT_ROOM"
	envAuditRoom         = "SUBARU_AUDIT_ROOM"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Matrix     MatrixConfig     `json:"matrix"`
	Telegram   TelegramConfig   `json:"telegram"`
	Webhook    WebhookConfig    `json:"webhook"`
	Rooms      RoomsConfig      `json:"rooms"`
	Commands   CommandsConfig   `json:"commands"`
	Sessions   SessionsConfig   `json:"sessions"`
	Debrid     DebridConfig     `json:"debrid"`
	AI         AIConfig         `json:"ai"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Logging    LoggingConfig    `json:"logging,omitempty"`
}

// MatrixConfig configures the Matrix transport. Token takes precedence over
// password login when both are set.
type MatrixConfig struct {
	Enabled    bool   `json:"enabled"`
	Homeserver string `json:"homeserver"`
	UserID     string `json:"user_id"`
	Password   string `json:"password"`
	Token      string `json:"token"`
}

// TelegramConfig configures the optional Telegram transport.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allow_from"`
}

// WebhookConfig configures the inbound HTTP webhook surface.
type WebhookConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// DiscordToken, when set, is required as the {token} path segment on the
	// Discord-compatible endpoint. Empty keeps the endpoint open.
	DiscordToken string `json:"discord_token"`
}

// RoomsConfig names the well-known destinations.
type RoomsConfig struct {
	Default string `json:"default"`
	Audit   string `json:"audit"`
}

// CommandsConfig locates the hot-reloadable command and user tables.
type CommandsConfig struct {
	Prefix        string `json:"prefix"`
	TablePath     string `json:"table_path"`
	UsersPath     string `json:"users_path"`
	ReloadSeconds int    `json:"reload_seconds"`
}

// SessionsConfig controls per-user session persistence.
type SessionsConfig struct {
	Path       string `json:"path"`
	MaxHistory int    `json:"max_history"`
}

// DebridConfig configures the Real-Debrid client and download tracker.
type DebridConfig struct {
	BaseURL     string `json:"base_url"`
	PollSeconds int    `json:"poll_seconds"`
	MaxAgeHours int    `json:"max_age_hours"`
	StatePath   string `json:"state_path"`
}

// AIConfig holds defaults for the trigger responder. Per-user credentials
// live in the user table, not here.
type AIConfig struct {
	DefaultTrigger string `json:"default_trigger"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// DispatcherConfig tunes the event queue and outbound senders.
type DispatcherConfig struct {
	QueueSize     int `json:"queue_size"`
	RetryAttempts int `json:"retry_attempts"`
	RetryBaseMS   int `json:"retry_base_ms"`
	GraceSeconds  int `json:"grace_seconds"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// Load resolves config.json, unmarshals it, applies environment overrides
// and defaults, then validates.
func Load() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadFrom(configPath)
}

// LoadFrom reads configuration from an explicit path.
func LoadFrom(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the bridge cannot start with.
func (c *Config) Validate() error {
	if !c.Matrix.Enabled && !c.Telegram.Enabled {
		return errors.New("at least one of matrix or telegram must be enabled")
	}

	if c.Matrix.Enabled {
		if strings.TrimSpace(c.Matrix.Homeserver) == "" {
			return errors.New("matrix.homeserver is required")
		}
		if strings.TrimSpace(c.Matrix.UserID) == "" {
			return errors.New("matrix.user_id is required")
		}
		if strings.TrimSpace(c.Matrix.Password) == "" && strings.TrimSpace(c.Matrix.Token) == "" {
			return errors.New("matrix requires password or token")
		}
	}

	if c.Telegram.Enabled && strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}

	if strings.TrimSpace(c.Rooms.Default) == "" {
		return errors.New("rooms.default is required")
	}

	return nil
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if v := strings.TrimSpace(os.Getenv(envMatrixHomeserver)); v != "" {
		cfg.Matrix.Homeserver = v
	}
	if v := strings.TrimSpace(os.Getenv(envMatrixUserID)); v != "" {
		cfg.Matrix.UserID = v
	}
	if v := strings.TrimSpace(os.Getenv(envMatrixPassword)); v != "" {
		cfg.Matrix.Password = v
	}
	if v := strings.TrimSpace(os.Getenv(envMatrixToken)); v != "" {
		cfg.Matrix.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(envTelegramBotToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); v != "" {
		cfg.Telegram.AllowFrom = parseCSV(v)
	}
	if v := strings.TrimSpace(os.Getenv(envWebhookPort)); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Webhook.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv(envDefaultRoom)); v != "" {
		cfg.Rooms.Default = v
	}
	if v := strings.TrimSpace(os.Getenv(envAuditRoom)); v != "" {
		cfg.Rooms.Audit = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Webhook.Host == "" {
		cfg.Webhook.Host = "0.0.0.0"
	}
	if cfg.Webhook.Port <= 0 {
		cfg.Webhook.Port = 23983
	}
	if cfg.Rooms.Audit == "" {
		cfg.Rooms.Audit = cfg.Rooms.Default
	}
	if cfg.Commands.Prefix == "" {
		cfg.Commands.Prefix = "!"
	}
	if cfg.Commands.TablePath == "" {
		cfg.Commands.TablePath = "config/commands.json"
	}
	if cfg.Commands.UsersPath == "" {
		cfg.Commands.UsersPath = "config/users.json"
	}
	if cfg.Commands.ReloadSeconds <= 0 {
		cfg.Commands.ReloadSeconds = 30
	}
	if cfg.Sessions.Path == "" {
		cfg.Sessions.Path = "store/sessions.json"
	}
	if cfg.Sessions.MaxHistory <= 0 {
		cfg.Sessions.MaxHistory = 10
	}
	if cfg.Debrid.BaseURL == "" {
		cfg.Debrid.BaseURL = "https://api.real-debrid.com/rest/1.0"
	}
	if cfg.Debrid.PollSeconds <= 0 {
		cfg.Debrid.PollSeconds = 30
	}
	if cfg.Debrid.MaxAgeHours <= 0 {
		cfg.Debrid.MaxAgeHours = 72
	}
	if cfg.Debrid.StatePath == "" {
		cfg.Debrid.StatePath = "store/downloads.json"
	}
	if cfg.AI.DefaultTrigger == "" {
		cfg.AI.DefaultTrigger = "subaru"
	}
	if cfg.AI.TimeoutSeconds <= 0 {
		cfg.AI.TimeoutSeconds = 90
	}
	if cfg.Dispatcher.QueueSize <= 0 {
		cfg.Dispatcher.QueueSize = 100
	}
	if cfg.Dispatcher.RetryAttempts <= 0 {
		cfg.Dispatcher.RetryAttempts = 3
	}
	if cfg.Dispatcher.RetryBaseMS <= 0 {
		cfg.Dispatcher.RetryBaseMS = 500
	}
	if cfg.Dispatcher.GraceSeconds <= 0 {
		cfg.Dispatcher.GraceSeconds = 5
	}
}

func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	if len(clean) == 0 {
		return nil
	}

	return clean
}

func findConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("SUBARU_CONFIG")); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}

	candidates := []string{"config.json", filepath.Join("config", "config.json")}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", errors.New("config.json not found (set SUBARU_CONFIG to override)")
}
