package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agentworkforce/relayhighlight/internal/highlights"
)

func newAddCommand(v *viper.Viper) *cobra.Command {
	var (
		in      highlights.CaptureInput
		offline bool
	)
	c := &cobra.Command{
		Use:   "add [text]",
		Short: "Capture one highlight",
		Long: `Capture one highlight. When the service answers it is stored right away,
otherwise it is queued under its website until the next flush.

Examples:
  relayhighlight-capture add "the selected sentence" --url https://example.com/post

  # Queue without contacting the service
  relayhighlight-capture add "later" --url https://example.com/post --offline`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			session, opts, logger, err := openSession(cmd, v)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if !offline {
				probeCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
				err := session.Probe(probeCtx)
				cancel()
				if err != nil {
					logger.Info().Err(err).Msg("service unreachable, capture will be queued")
				}
			}
			in.Text = args[0]
			result, err := session.Capture(ctx, in)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	c.Flags().StringVar(&in.URL, "url", "", "page URL the text was selected on")
	c.Flags().StringVar(&in.Title, "title", "", "page title")
	c.Flags().StringVar(&in.Website, "website", "", "website label (defaults to the URL host)")
	c.Flags().StringVar(&in.Color, "color", "", "highlight color ("+highlights.DefaultColor+" when empty)")
	c.Flags().StringVar(&in.Note, "note", "", "note attached to the highlight")
	c.Flags().BoolVar(&offline, "offline", false, "queue without contacting the service")
	_ = c.MarkFlagRequired("url")
	return c
}
