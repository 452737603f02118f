package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagDB     string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "concord",
		Short:         "Trust ledger and constitutional governance engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to a YAML parameter file (defaults apply when empty)")
	root.PersistentFlags().StringVar(&flagDB, "db", "", "sqlite database path for the event store (in-memory when empty)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newVerifyCmd())
	root.AddCommand(newReplayCmd())
	root.AddCommand(newCaptureCmd())
	return root
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("CONCORD_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
