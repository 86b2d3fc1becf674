package main

import (
	"github.com/clinicflow/relay/internal/app"
	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:           "clinic-relay",
	Short:         "Realtime relay for consultation transcription and clinic chat",
	Long:          `HTTP + WebSocket server. Commands: serve, migrate, token.`,
	RunE:          runServe, // default: same as "clinic-relay serve"
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file read before the environment")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tokenCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (app.Config, error) {
	return app.LoadConfig(envFile)
}
