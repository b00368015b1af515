/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "subaru",
	Short: "Chat-bot bridge for Matrix with commands, AI triggers, and download tracking",
	Long: `Subaru bridges chat networks into one bot runtime: prefixed commands,
per-user AI triggers, Real-Debrid download tracking with notifications,
and an HTTP webhook intake for other services.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
