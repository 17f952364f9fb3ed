package cli

import (
	"context"
	"fmt"
	"time"

	ginlib "github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/kroma-labs/servekit/config"
	"github.com/kroma-labs/servekit/health"
	"github.com/kroma-labs/servekit/httpserver"
	"github.com/kroma-labs/servekit/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

type serveOptions struct {
	configFile    string
	router        string
	warmup        time.Duration
	checkInterval time.Duration
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the demo greeter over HTTP and gRPC",
		Long: `Serve the demo greeter on the application listener and metrics plus
health endpoints on the metrics/health listener.

GET /v1/hello/{name} answers over HTTP. The gRPC health service answers on
the same port. Readiness is driven by health checks; the built-in "warmup"
check passes once --warmup has elapsed after both listeners are bound.`,
		Example: `  servekit serve --config servekit.yaml --router chi
  SERVEKIT_APP_ADDRESS=:9090 servekit serve --profile development`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, root, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configFile, "config", "c", "", "config file (yaml, json or toml)")
	cmd.Flags().StringVar(&opts.router, "router", routerServeMux,
		"router for the demo service: servemux, chi, gin, echo, fiber or grpc-gateway")
	cmd.Flags().DurationVar(&opts.warmup, "warmup", 0, "delay before the service reports ready")
	cmd.Flags().DurationVar(&opts.checkInterval, "check-interval", time.Second, "how often readiness checks run")
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func runServe(cmd *cobra.Command, root *rootOptions, opts serveOptions) error {
	ctx := cmd.Context()

	logger, err := root.logger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	loadOpts := []config.Option{config.WithFlags(cmd.Flags())}
	if opts.configFile != "" {
		loadOpts = append(loadOpts, config.WithFile(opts.configFile))
	}
	cfg, err := config.Load(loadOpts...)
	if err != nil {
		return err
	}

	if opts.router == routerGin {
		ginlib.SetMode(ginlib.ReleaseMode)
	}
	handler, err := newRouter(opts.router)
	if err != nil {
		return err
	}

	tracing, err := telemetry.Setup(ctx, cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), telemetryShutdownTimeout)
		defer cancel()
		if err := tracing.Shutdown(sctx); err != nil {
			logger.Warn().Err(err).Msg("tracer provider shutdown failed")
		}
	}()

	state := health.NewState(true, false)
	gs := grpc.NewServer()
	health.RegisterGRPC(gs, state)

	srv, err := httpserver.New(append(cfg.ServerOptions(),
		httpserver.WithLogger(logger),
		httpserver.WithTracing(cfg.Server.TracingEnabled, tracing.TracerProvider(), tracing.Propagator()),
		httpserver.WithHealth(state),
		httpserver.WithHandler(handler),
		httpserver.WithGRPC(gs),
	)...)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	checker := health.NewChecker(state,
		health.WithCheckInterval(opts.checkInterval),
		health.WithCheckLogger(logger),
	)

	go func() {
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		warm := time.Now().Add(opts.warmup)
		checker.Add("warmup", func(context.Context) error {
			if left := time.Until(warm); left > 0 {
				return fmt.Errorf("warming up, %s left", left.Round(time.Millisecond))
			}
			return nil
		})
		go checker.Run(ctx)

		if waitReady(ctx, state) {
			logger.Info().Str("router", opts.router).Msg("service ready")
		}
	}()

	return srv.Serve(ctx)
}

// waitReady blocks until state reports ready or ctx ends.
func waitReady(ctx context.Context, state *health.State) bool {
	for {
		changed := state.Changed()
		if state.Ready() {
			return true
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return false
		}
	}
}
