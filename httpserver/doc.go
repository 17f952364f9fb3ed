// Package httpserver runs a service behind a fixed request pipeline, with
// a separate listener for metrics and health probes and graceful shutdown.
//
// # Quick Start
//
// Create a server with your handler and start it:
//
//	mux := http.NewServeMux()
//	mux.HandleFunc("GET /users/{id}", getUser)
//
//	server, err := httpserver.New(
//	    httpserver.WithServiceName("my-api"),
//	    httpserver.WithHandler(mux),
//	)
//	if err != nil {
//	    log.Fatal(err) // configuration errors wrap ErrInvalidConfig
//	}
//
//	if err := server.Serve(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// The application listens on :8080, metrics and health on :8081:
//
//	GET :8081/metrics        Prometheus text format
//	GET :8081/health/live    200 while live, 503 otherwise
//	GET :8081/health/ready   200 while ready, 503 otherwise
//
// # Pipeline
//
// Every application request, HTTP or gRPC, runs through the same stages:
//
//	recovery -> request_id -> tracing -> timeout -> metrics -> [logging] -> embedder stages -> handler
//
// Tracing, timeout and metrics can be switched off through Config. Embedder
// stages are added with WithStage, WithMiddleware or one of the dedicated
// options (WithCORS, WithRateLimit, WithServiceAuth, WithCircuitBreaker):
//
//	server, err := httpserver.New(
//	    httpserver.WithHandler(mux),
//	    httpserver.WithRateLimit(httpserver.RateLimitConfig{Limit: 100, Burst: 200}),
//	    httpserver.WithStage(httpserver.NewStageFunc("tenant", requireTenant)),
//	)
//
// Requests that exceed the request timeout get 408 with the standard error
// body and are counted with outcome "timeout" and no latency sample.
//
// # Route Labels
//
// Metrics and spans are labeled with the route template, never the raw
// path. A *http.ServeMux handler and registered gRPC methods are resolved
// automatically. Other routers report their template with SetRoute or
// through the adapters packages:
//
//	import "github.com/kroma-labs/servekit/httpserver/adapters/chi"
//	import "github.com/kroma-labs/servekit/httpserver/adapters/gin"
//	import "github.com/kroma-labs/servekit/httpserver/adapters/echo"
//	import "github.com/kroma-labs/servekit/httpserver/adapters/fiber"
//	import "github.com/kroma-labs/servekit/httpserver/adapters/grpcgateway"
//
// # Health
//
// Without WithHealth the server reports always live and ready. Pass a
// health.State to control the signals:
//
//	state := health.NewState(true, false)
//	server, err := httpserver.New(
//	    httpserver.WithHealth(state),
//	    httpserver.WithHandler(mux),
//	)
//	go func() {
//	    warmUp()
//	    state.SetReady(true)
//	}()
//
// # gRPC
//
// gRPC services share the application listener over unencrypted HTTP/2:
//
//	gs := grpc.NewServer()
//	pb.RegisterGreeterServer(gs, greeter)
//	health.RegisterGRPC(gs, state)
//
//	server, err := httpserver.New(
//	    httpserver.WithGRPC(gs),
//	    httpserver.WithHandler(mux), // optional, for plain HTTP routes
//	)
package httpserver
