package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/kroma-labs/servekit/health"
)

type probeOptions struct {
	url      string
	timeout  time.Duration
	interval time.Duration
}

func newProbeCommand(root *rootOptions) *cobra.Command {
	opts := probeOptions{}

	cmd := &cobra.Command{
		Use:     "probe",
		Short:   "Wait until a health endpoint answers 2xx",
		Example: `  servekit probe --url http://localhost:8081/health/ready --timeout 30s`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := root.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			err = health.Probe(cmd.Context(), opts.url,
				health.WithProbeTimeout(opts.timeout),
				health.WithProbeInterval(opts.interval, 4*opts.interval),
				health.WithProbeNotify(func(err error, next time.Duration) {
					logger.Debug().Err(err).Dur("retry_in", next).Msg("endpoint not healthy yet")
				}),
			)
			if err != nil {
				return err
			}

			logger.Info().Str("url", opts.url).Msg("endpoint healthy")
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "http://localhost:8081/health/ready", "health endpoint to poll")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "give up after this long")
	cmd.Flags().DurationVar(&opts.interval, "interval", 200*time.Millisecond, "initial wait between attempts")
	return cmd
}
