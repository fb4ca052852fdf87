package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rl1809/stockflow/internal/app"
	"github.com/rl1809/stockflow/internal/config"
	"github.com/rl1809/stockflow/internal/logging"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "stockflow",
		Short:         "Inventory stock mutation pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newMigrateCmd(),
		newUserCmd(),
		newDeadLetterCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// bootstrap loads config and connects every backend the command needs.
func bootstrap(ctx context.Context) (*app.App, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, logger, err
	}
	return a, logger, nil
}
