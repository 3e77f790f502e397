package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRunCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep the link up and flush queues as they fill",
		Long: `Keep the liveness link to the service open. Queued highlights are flushed
when the link comes up, on the flush interval, and whenever another process
appends to a queue file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			session, opts, logger, err := openSession(cmd, v)
			if err != nil {
				return err
			}
			logger.Info().
				Str("base_url", opts.BaseURL).
				Str("queue_dir", opts.QueueDir).
				Dur("flush_interval", opts.FlushInterval).
				Msg("capture session starting")
			if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info().Msg("capture session stopped")
			return nil
		},
	}
}
