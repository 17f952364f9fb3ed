package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kroma-labs/servekit/health"
)

// ErrServerStarted is returned by Serve when the server already ran.
var ErrServerStarted = errors.New("httpserver: server already started")

// meterShutdownTimeout bounds the final flush of the meter provider.
const meterShutdownTimeout = 5 * time.Second

// Server runs the application listener and the metrics/health listener,
// wraps the application handler with the request pipeline and owns the
// health state.
//
// Create a Server using New():
//
//	server, err := httpserver.New(
//	    httpserver.WithConfig(httpserver.ProductionConfig()),
//	    httpserver.WithServiceName("my-api"),
//	    httpserver.WithHandler(mux),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Blocks until shutdown signal (SIGTERM, SIGINT) or context cancellation
//	if err := server.Serve(ctx); err != nil {
//	    log.Fatal(err)
//	}
type Server struct {
	config   Config
	logger   zerolog.Logger
	health   *health.State
	pipeline *Pipeline
	handler  http.Handler
	metrics  *metricsBackend

	app   *http.Server
	admin *http.Server

	started atomic.Bool
	ready   chan struct{}
	stop    context.CancelFunc
	stopMu  sync.Mutex
	done    chan struct{}

	appAddr   net.Addr
	adminAddr net.Addr
}

// New validates the configuration and builds a Server. Nothing is bound
// until Serve is called, so every configuration error surfaces here.
//
// At minimum, you must provide a handler using WithHandler() or a gRPC
// server using WithGRPC(). If no config is provided, DefaultConfig() is used.
//
// Example:
//
//	server, err := httpserver.New(
//	    httpserver.WithServiceName("my-api"),
//	    httpserver.WithHandler(mux),
//	    httpserver.WithStage(httpserver.NewStage("cors", httpserver.CORS(corsCfg))),
//	)
func New(opts ...Option) (*Server, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Health == nil {
		cfg.Health = health.AlwaysLiveAndReady()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}

	logger := cfg.Logger.With().Str("service", cfg.ServiceName).Logger()

	backend, err := newMetricsBackend(cfg.ServiceName, cfg.Registry, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:  cfg,
		logger:  logger,
		health:  cfg.Health,
		metrics: backend,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}

	s.pipeline, err = s.buildPipeline()
	if err != nil {
		return nil, err
	}
	s.handler = s.pipeline.Then(s.endpoint())

	s.app = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		TLSConfig:         cfg.TLSConfig,
		ErrorLog:          zerologStdLogger(logger, "app"),
	}
	if cfg.TLSConfig == nil {
		// gRPC clients speak HTTP/2 with prior knowledge when there is no TLS.
		s.app.Protocols = new(http.Protocols)
		s.app.Protocols.SetHTTP1(true)
		s.app.Protocols.SetUnencryptedHTTP2(true)
	}

	var pprof *PprofConfig
	if cfg.PprofEnabled {
		p := DefaultPprofConfig()
		p.Username, p.Password = cfg.PprofUsername, cfg.PprofPassword
		p.EnableAuth = p.Username != "" && p.Password != ""
		pprof = &p
	}
	s.admin = &http.Server{
		Handler:           newAdminHandler(s.health, backend.handler, pprof),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          zerologStdLogger(logger, "metrics_health"),
	}

	return s, nil
}

// buildPipeline assembles the fixed stage order followed by the embedder
// stages.
func (s *Server) buildPipeline() (*Pipeline, error) {
	cfg := s.config

	recovery := Recovery(s.logger)
	stages := []Stage{
		NewStage(StageRecovery, func(next http.Handler) http.Handler {
			return recovery(s.resolveRoute(next))
		}),
		NewStage(StageRequestID, RequestID(cfg.IDGenerator)),
	}

	if cfg.TracingEnabled {
		stages = append(stages, NewStage(StageTracing, Tracing(TracingConfig{
			TracerProvider: cfg.TracerProvider,
			Propagator:     cfg.Propagator,
			ServiceName:    cfg.ServiceName,
		})))
	}

	var (
		metrics   *Metrics
		observers []TimeoutObserver
	)
	if cfg.MetricsEnabled {
		m, err := NewMetrics(MetricsConfig{
			MeterProvider:   s.metrics.meterProvider(),
			DurationBuckets: cfg.MetricsBuckets,
			ConstLabels:     cfg.MetricsConstLabels,
		})
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		metrics = m
		observers = append(observers, m)
	}

	if cfg.RequestTimeout > 0 {
		stages = append(stages, NewStage(StageTimeout, Timeout(cfg.RequestTimeout, observers...)))
	}
	if metrics != nil {
		stages = append(stages, NewStage(StageMetrics, metrics.Middleware()))
	}
	if cfg.RequestLogging {
		var lc LoggerConfig
		if cfg.LoggerConfig != nil {
			lc = *cfg.LoggerConfig
		}
		lc.serviceName = cfg.ServiceName
		stages = append(stages, NewStage(StageLogging, Logger(lc)))
	}

	stages = append(stages, cfg.Stages...)
	return NewPipeline(stages...), nil
}

// resolveRoute records the route template before any other stage runs when
// the server can tell it up front: gRPC methods registered on the gRPC
// server and patterns of a *http.ServeMux handler. Unknown gRPC methods stay
// unmatched so they cannot grow label sets.
func (s *Server) resolveRoute(next http.Handler) http.Handler {
	mux, _ := s.config.Handler.(*http.ServeMux)

	var methods func() map[string]bool
	if s.config.GRPCServer != nil {
		methods = grpcMethods(s.config.GRPCServer)
	}

	if mux == nil && methods == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case isGRPC(r):
			if methods != nil && methods()[r.URL.Path] {
				SetRoute(r.Context(), r.URL.Path)
			}
		case mux != nil:
			if pattern := muxPattern(mux, r); pattern != "" {
				SetRoute(r.Context(), pattern)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// endpoint is the innermost handler: gRPC dispatch, then the application
// handler.
func (s *Server) endpoint() http.Handler {
	h := s.config.Handler
	if h == nil {
		h = notFound()
	}
	if s.config.GRPCServer != nil {
		h = grpcDispatch(s.config.GRPCServer, h)
	}
	return h
}

// Serve binds both listeners and serves until ctx is cancelled, SIGTERM or
// SIGINT arrives, Shutdown is called, or a listener fails.
//
// Shutdown then stops both listeners and waits up to ShutdownTimeout for
// in-flight requests. Requests still running after the grace period are
// dropped and logged; Serve still returns nil. A bind or listener failure
// is returned as an error.
//
// Example:
//
//	ctx := context.Background()
//	if err := server.Serve(ctx); err != nil {
//	    log.Fatal(err)
//	}
func (s *Server) Serve(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrServerStarted
	}
	defer close(s.done)

	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stopSignals()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.stopMu.Lock()
	s.stop = cancel
	s.stopMu.Unlock()

	appLn, adminLn, err := s.listen(ctx)
	if err != nil {
		s.shutdownMeter()
		return err
	}

	s.appAddr, s.adminAddr = appLn.Addr(), adminLn.Addr()
	close(s.ready)

	s.logger.Info().
		Str("app_addr", s.appAddr.String()).
		Str("metrics_health_addr", s.adminAddr.String()).
		Bool("tls", s.config.TLSConfig != nil).
		Bool("grpc", s.config.GRPCServer != nil).
		Strs("stages", s.pipeline.Names()).
		Msg("server starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if s.config.TLSConfig != nil {
			err = s.app.ServeTLS(appLn, "", "")
		} else {
			err = s.app.Serve(appLn)
		}
		return listenerErr("app", err)
	})
	g.Go(func() error {
		return listenerErr("metrics_health", s.admin.Serve(adminLn))
	})
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown(ctx)
		return nil
	})

	err = g.Wait()
	s.shutdownMeter()
	if err != nil {
		s.logger.Error().Err(err).Msg("server failed")
		return err
	}
	return nil
}

// listen binds the application listener, then the metrics/health one. When
// the second bind fails the first listener is closed again.
func (s *Server) listen(ctx context.Context) (app, admin net.Listener, err error) {
	var lc net.ListenConfig

	app, err = lc.Listen(ctx, "tcp", s.config.AppAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("bind app listener %s: %w", s.config.AppAddress, err)
	}

	adminAddr := net.JoinHostPort(s.config.MetricsHealthHost, strconv.Itoa(s.config.MetricsHealthPort))
	admin, err = lc.Listen(ctx, "tcp", adminAddr)
	if err != nil {
		_ = app.Close()
		return nil, nil, fmt.Errorf("bind metrics/health listener %s: %w", adminAddr, err)
	}

	if s.config.MaxConnections > 0 {
		app = netutil.LimitListener(app, s.config.MaxConnections)
	}
	return app, admin, nil
}

func listenerErr(name string, err error) error {
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("%s listener: %w", name, err)
}

// shutdown drains both servers within the grace period and force-closes
// whatever is left afterwards.
func (s *Server) shutdown(parent context.Context) {
	s.logger.Info().
		Dur("grace_period", s.config.ShutdownTimeout).
		Msg("server stopping")

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.config.ShutdownTimeout)
	defer cancel()

	var g errgroup.Group
	for _, srv := range []*http.Server{s.app, s.admin} {
		g.Go(func() error { return srv.Shutdown(ctx) })
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn().
			Err(err).
			Dur("grace_period", s.config.ShutdownTimeout).
			Msg("shutdown grace period exceeded, dropping in-flight requests")
		_ = s.app.Close()
		_ = s.admin.Close()
		return
	}

	s.logger.Info().Msg("server stopped gracefully")
}

// zerologStdLogger adapts logger for net/http's internal error log.
func zerologStdLogger(logger zerolog.Logger, listener string) *log.Logger {
	return log.New(logger.With().Str("listener", listener).Logger(), "", 0)
}

func (s *Server) shutdownMeter() {
	ctx, cancel := context.WithTimeout(context.Background(), meterShutdownTimeout)
	defer cancel()
	if err := s.metrics.shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("meter provider shutdown failed")
	}
}

// Shutdown stops a running Serve and waits for it to return or for ctx to
// end. It is a no-op before Serve.
//
// Example:
//
//	// In another goroutine
//	if err := server.Shutdown(ctx); err != nil {
//	    log.Printf("shutdown error: %v", err)
//	}
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopMu.Lock()
	stop := s.stop
	s.stopMu.Unlock()
	if stop == nil {
		return nil
	}

	stop()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health returns the health state served on the metrics/health listener.
func (s *Server) Health() *health.State {
	return s.health
}

// Handler returns the application handler wrapped with the pipeline. It is
// what the application listener serves.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Pipeline returns the request pipeline.
func (s *Server) Pipeline() *Pipeline {
	return s.pipeline
}

// Ready is closed once both listeners are bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// AppAddr returns the bound application address, or nil before Ready.
func (s *Server) AppAddr() net.Addr {
	select {
	case <-s.ready:
		return s.appAddr
	default:
		return nil
	}
}

// MetricsAddr returns the bound metrics/health address, or nil before Ready.
func (s *Server) MetricsAddr() net.Addr {
	select {
	case <-s.ready:
		return s.adminAddr
	default:
		return nil
	}
}

// ServiceName returns the configured service name.
func (s *Server) ServiceName() string {
	return s.config.ServiceName
}
