package httpserver

import (
	"net/http"
	"sync"

	"google.golang.org/grpc"
)

// grpcDispatch sends gRPC calls to gs and everything else to next.
func grpcDispatch(gs *grpc.Server, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isGRPC(r) {
			next.ServeHTTP(w, r)
			return
		}
		gs.ServeHTTP(w, r)
	})
}

// grpcMethods returns the set of full method paths ("/pkg.Service/Method")
// registered on gs. It is computed on first use, after services were
// registered.
func grpcMethods(gs *grpc.Server) func() map[string]bool {
	return sync.OnceValue(func() map[string]bool {
		known := make(map[string]bool)
		for svc, info := range gs.GetServiceInfo() {
			for _, m := range info.Methods {
				known["/"+svc+"/"+m.Name] = true
			}
		}
		return known
	})
}

// notFound answers requests when only a gRPC server was registered.
func notFound() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFault(w, r, http.StatusNotFound, "path", "not found")
	})
}
