// Package health holds the liveness and readiness state of a process and the
// protocol bindings that read it.
//
// A State is shared between the application, which flips the signals as it
// moves through startup and draining, and the server, which answers
// /health/live and /health/ready from it:
//
//	state := health.NewState(true, false) // live, still initializing
//	srv, err := httpserver.New(
//	    httpserver.WithHandler(mux),
//	    httpserver.WithHealth(state),
//	)
//	...
//	state.SetReady(true) // dependencies reachable
//
// The same State can back the standard gRPC health service via RegisterGRPC.
package health
