// Package grpcgateway mounts grpc-gateway muxes behind the httpserver
// pipeline.
//
// Generated gateway handlers know the HTTP path pattern of the RPC they
// serve (for example "/v1/users/{id}"). NewServeMux reports it to the
// pipeline so metrics and spans are labeled with the pattern instead of the
// raw path, and renders gateway errors in the httpserver error format.
//
// # Quick Start
//
//	gw := grpcgateway.NewServeMux()
//	_ = userspb.RegisterUsersHandlerServer(ctx, gw, usersService)
//
//	mux := http.NewServeMux()
//	grpcgateway.Mount(mux, "/v1", gw)
//
//	server, err := httpserver.New(
//	    httpserver.WithHandler(mux),
//	    httpserver.WithGRPC(grpcServer),
//	)
//
// The same server then answers gRPC clients natively and REST clients
// through the gateway.
package grpcgateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/kroma-labs/servekit/httpserver"
)

// NewServeMux returns a gateway mux that reports route templates and writes
// errors in the httpserver error format. opts are applied afterwards and
// may override either.
func NewServeMux(opts ...runtime.ServeMuxOption) *runtime.ServeMux {
	base := []runtime.ServeMuxOption{
		runtime.WithMetadata(TrackRoutes),
		runtime.WithErrorHandler(ErrorHandler),
	}
	return runtime.NewServeMux(append(base, opts...)...)
}

// TrackRoutes is a gateway metadata annotator that records the HTTP path
// pattern of the RPC being served. It adds no metadata.
//
//	gw := runtime.NewServeMux(runtime.WithMetadata(grpcgateway.TrackRoutes))
func TrackRoutes(ctx context.Context, _ *http.Request) metadata.MD {
	if pattern, ok := runtime.HTTPPathPattern(ctx); ok {
		httpserver.SetRoute(ctx, pattern)
	}
	return nil
}

// ErrorHandler writes gateway errors with httpserver.WriteErr. The gRPC
// status code picks the HTTP status; the status message is sent to the
// client.
func ErrorHandler(
	_ context.Context,
	_ *runtime.ServeMux,
	_ runtime.Marshaler,
	w http.ResponseWriter,
	r *http.Request,
	err error,
) {
	st := status.Convert(err)
	httpserver.WriteErr(w, r, httpserver.WrapError(runtime.HTTPStatusFromCode(st.Code()), st.Message(), err))
}

// Mount serves gw under prefix on mux. The prefix is kept on the request
// path, so gateway patterns must include it.
//
//	grpcgateway.Mount(mux, "/v1", gw) // serves "/v1/users/{id}"
func Mount(mux *http.ServeMux, prefix string, gw http.Handler) {
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		mux.Handle("/", gw)
		return
	}
	mux.Handle(prefix+"/", gw)
}

// WrapWithMiddleware wraps a gateway mux with httpserver middleware, for
// stages that apply to gateway routes only. Middleware are applied in
// order, first outermost.
//
//	grpcgateway.Mount(mux, "/v1", grpcgateway.WrapWithMiddleware(gw,
//	    httpserver.ServiceAuth(authCfg),
//	))
func WrapWithMiddleware(gw *runtime.ServeMux, middlewares ...httpserver.Middleware) http.Handler {
	return httpserver.Chain(middlewares...)(gw)
}
