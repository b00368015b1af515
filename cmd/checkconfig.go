package cmd

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"subaru/pkg/command"
	"subaru/pkg/config"
)

// checkConfigCmd represents the check-config command
var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration and command tables",
	Long:  "Loads config.json with environment overrides applied, parses the command and user tables, and reports what the bridge would start with.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args
		_ = godotenv.Load()

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("❌ config: %v\n", err)
			return
		}
		fmt.Println("✅ config.json is valid")

		registry := command.NewRegistry(cfg.Commands.TablePath, cfg.Commands.UsersPath, nil)
		if err := registry.Reload(); err != nil {
			fmt.Printf("❌ command tables: %v\n", err)
			return
		}
		snapshot := registry.Snapshot()
		fmt.Printf("✅ %d commands, %d users\n", len(snapshot.Commands), len(snapshot.Users))

		fmt.Printf("channels: matrix=%v telegram=%v\n", cfg.Matrix.Enabled, cfg.Telegram.Enabled)
		fmt.Printf("webhook: port %d\n", cfg.Webhook.Port)
		fmt.Printf("rooms: default=%s audit=%s\n", cfg.Rooms.Default, cfg.Rooms.Audit)
	},
}

func init() {
	rootCmd.AddCommand(checkConfigCmd)
}
