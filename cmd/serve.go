package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"subaru/pkg/ai"
	"subaru/pkg/bus"
	"subaru/pkg/channel"
	"subaru/pkg/channel/matrix"
	"subaru/pkg/channel/telegram"
	"subaru/pkg/command"
	"subaru/pkg/config"
	"subaru/pkg/debrid"
	"subaru/pkg/dispatch"
	"subaru/pkg/logger"
	"subaru/pkg/session"
	"subaru/pkg/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge",
	Long:  "Connects the enabled chat channels, starts the webhook server and download tracker, and dispatches events until interrupted.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		// Secrets usually live in .env next to the config; absence is fine.
		_ = godotenv.Load()

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.serve")

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := run(runCtx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	registry := command.NewRegistry(cfg.Commands.TablePath, cfg.Commands.UsersPath, log)
	if err := registry.Reload(); err != nil {
		return fmt.Errorf("load command tables: %w", err)
	}

	sessions := session.NewStore(cfg.Sessions.Path, cfg.Sessions.MaxHistory, log)
	if err := sessions.Load(); err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	adapters, err := enabledAdapters(cfg, log)
	if err != nil {
		return err
	}

	rd := debrid.NewClient(cfg.Debrid.BaseURL)

	responder := ai.New(sessions, ai.Options{
		DefaultTrigger: cfg.AI.DefaultTrigger,
		Timeout:        time.Duration(cfg.AI.TimeoutSeconds) * time.Second,
	}, log)

	// Tracker and dispatcher reference each other: the tracker emits job
	// events through Submit, the dispatcher acks deliveries back.
	var dispatcher *dispatch.Dispatcher
	tracker := debrid.NewTracker(rd, debrid.Options{
		PollInterval: time.Duration(cfg.Debrid.PollSeconds) * time.Second,
		MaxAge:       time.Duration(cfg.Debrid.MaxAgeHours) * time.Hour,
		StatePath:    cfg.Debrid.StatePath,
	}, func(ctx context.Context, ev bus.InboundEvent) bool {
		return dispatcher.Submit(ctx, ev)
	}, log)

	router := command.NewRouter(registry, sessions, rd, tracker, cfg.Commands.Prefix, log)

	dispatcher = dispatch.New(dispatch.Options{
		QueueSize:     cfg.Dispatcher.QueueSize,
		RetryAttempts: cfg.Dispatcher.RetryAttempts,
		RetryBase:     time.Duration(cfg.Dispatcher.RetryBaseMS) * time.Millisecond,
		Grace:         time.Duration(cfg.Dispatcher.GraceSeconds) * time.Second,
		DefaultRoom:   cfg.Rooms.Default,
		AuditRoom:     cfg.Rooms.Audit,
		NotifyChannel: notifyChannel(adapters),
	}, router, responder, registry, sessions, adapters, tracker, log)

	webhookServer := webhook.NewServer(webhook.Options{
		Host:         cfg.Webhook.Host,
		Port:         cfg.Webhook.Port,
		DiscordToken: cfg.Webhook.DiscordToken,
		DefaultRoom:  cfg.Rooms.Default,
	}, dispatcher.Submit, matrix.IsUserID, log)

	if err := tracker.Load(ctx); err != nil {
		log.Warn("Could not restore download jobs", "error", err)
	}

	log.Info("Bridge started", "channels", channelNames(adapters), "webhook_port", cfg.Webhook.Port)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		dispatcher.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		return webhookServer.Run(groupCtx)
	})
	group.Go(func() error {
		tracker.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		registry.WatchChanges(groupCtx, time.Duration(cfg.Commands.ReloadSeconds)*time.Second)
		return nil
	})
	for _, adapter := range adapters {
		adapter := adapter
		group.Go(func() error {
			if err := adapter.Run(groupCtx, dispatcher.Submit); err != nil {
				return fmt.Errorf("%s channel: %w", adapter.Name(), err)
			}
			return nil
		})
	}

	return group.Wait()
}

func enabledAdapters(cfg *config.Config, log *slog.Logger) (map[string]channel.Adapter, error) {
	adapters := make(map[string]channel.Adapter, 2)

	if cfg.Matrix.Enabled {
		adapter, err := matrix.NewAdapter(cfg.Matrix, log)
		if err != nil {
			return nil, fmt.Errorf("configure matrix channel: %w", err)
		}
		adapters[adapter.Name()] = adapter
	}

	if cfg.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure telegram channel: %w", err)
		}
		adapters[adapter.Name()] = adapter
	}

	if len(adapters) == 0 {
		return nil, errors.New("no channels are enabled")
	}

	return adapters, nil
}

// notifyChannel picks the channel that owns rooms. Matrix when enabled,
// otherwise whichever single channel is.
func notifyChannel(adapters map[string]channel.Adapter) string {
	if _, ok := adapters["matrix"]; ok {
		return "matrix"
	}
	for name := range adapters {
		return name
	}
	return "matrix"
}

func channelNames(adapters map[string]channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for name := range adapters {
		names = append(names, name)
	}
	return strings.Join(names, ",")
}
