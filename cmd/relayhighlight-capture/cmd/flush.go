package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newFlushCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Replay queued highlights now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			session, opts, _, err := openSession(cmd, v)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			probeCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
			err = session.Probe(probeCtx)
			cancel()
			if err != nil {
				_, pending, depthErr := queueDepths(session.Queues())
				if depthErr != nil {
					return errors.Join(err, depthErr)
				}
				return fmt.Errorf("%d highlights stay queued: %w", pending, err)
			}
			result, err := session.Flush(ctx)
			if printErr := printJSON(cmd, result); printErr != nil {
				return printErr
			}
			return err
		},
	}
}
