package health

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Service names understood by GRPCServer besides the empty overall name.
const (
	ServiceLiveness  = "liveness"
	ServiceReadiness = "readiness"
)

// GRPCServer implements grpc.health.v1.Health on top of a State.
//
// The overall service ("") and ServiceReadiness report readiness.
// ServiceLiveness reports liveness. Any other name is NOT_FOUND.
type GRPCServer struct {
	healthpb.UnimplementedHealthServer

	state *State
}

var _ healthpb.HealthServer = (*GRPCServer)(nil)

// NewGRPCServer returns a health service that reads the given state.
func NewGRPCServer(state *State) *GRPCServer {
	return &GRPCServer{state: state}
}

// RegisterGRPC registers the health service for state on srv.
func RegisterGRPC(srv *grpc.Server, state *State) *GRPCServer {
	hs := NewGRPCServer(state)
	healthpb.RegisterHealthServer(srv, hs)
	return hs
}

// Check returns the current serving status for the requested service.
func (h *GRPCServer) Check(
	_ context.Context,
	req *healthpb.HealthCheckRequest,
) (*healthpb.HealthCheckResponse, error) {
	st, ok := h.status(req.GetService())
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	return &healthpb.HealthCheckResponse{Status: st}, nil
}

// Watch streams the serving status whenever it changes.
func (h *GRPCServer) Watch(req *healthpb.HealthCheckRequest, stream healthpb.Health_WatchServer) error {
	service := req.GetService()
	var (
		last healthpb.HealthCheckResponse_ServingStatus
		sent bool
	)

	for {
		changed := h.state.Changed()

		st, ok := h.status(service)
		if !ok {
			st = healthpb.HealthCheckResponse_SERVICE_UNKNOWN
		}
		if !sent || st != last {
			if err := stream.Send(&healthpb.HealthCheckResponse{Status: st}); err != nil {
				return status.Error(codes.Canceled, "stream has ended")
			}
			last, sent = st, true
		}

		select {
		case <-changed:
		case <-stream.Context().Done():
			return status.Error(codes.Canceled, "stream has ended")
		}
	}
}

func (h *GRPCServer) status(service string) (healthpb.HealthCheckResponse_ServingStatus, bool) {
	var up bool
	switch service {
	case "", ServiceReadiness:
		up = h.state.Ready()
	case ServiceLiveness:
		up = h.state.Live()
	default:
		return healthpb.HealthCheckResponse_SERVICE_UNKNOWN, false
	}

	if up {
		return healthpb.HealthCheckResponse_SERVING, true
	}
	return healthpb.HealthCheckResponse_NOT_SERVING, true
}
