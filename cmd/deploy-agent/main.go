package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is set at build time via ldflags
	version = "0.0.0-dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "deploy-agent",
		Short:        "Deploy Agent - remote package deployment service",
		Version:      version,
		RunE:         runAgent,
		SilenceUsage: true,
	}
	rootCmd.SetVersionTemplate("{{.Version}}\n")
	rootCmd.PersistentFlags().StringP("config", "c", os.Getenv("DEPLOY_AGENT_CONFIG"), "path to the YAML configuration file")

	rootCmd.AddCommand(newRequestCmd(), newWatchCmd(), newDiscoverCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger sets up structured JSON logging at the configured level
func newLogger(level *slog.LevelVar) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
