package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"intake/internal/logging"
	"intake/internal/watch"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run pipelines continuously as files arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			logger, err := logging.NewFromConfig(cfg, "watch")
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			runner := func(runCtx context.Context, pipeline string) error {
				_, err := runPipeline(runCtx, cmd.OutOrStdout(), cfg, runRequest{pipeline: pipeline})
				return err
			}
			watcher, err := watch.New(cfg, runner, logger)
			if err != nil {
				return err
			}

			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watcher.Run(signalCtx)
		},
	}
}
