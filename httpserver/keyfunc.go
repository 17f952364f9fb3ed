package httpserver

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// KeyFunc names the rate limit bucket a request draws from.
//
//	httpserver.WithRateLimit(httpserver.RateLimitConfig{
//	    Limit:   100,
//	    Burst:   200,
//	    KeyFunc: httpserver.KeyFuncByIPAndRoute(),
//	})
type KeyFunc func(r *http.Request) string

// KeyFuncByIP keys on the first X-Forwarded-For hop, or the RemoteAddr host
// without one. Clients can forge the header; use KeyFuncByTrustedIP when
// the listener is reachable other than through your proxies.
func KeyFuncByIP() KeyFunc {
	return func(r *http.Request) string {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		return remoteHost(r)
	}
}

// KeyFuncByTrustedIP walks X-Forwarded-For from the right and keys on the
// first address that is not one of the trusted proxies. Requests whose
// peer is not a trusted proxy are keyed on the peer address.
func KeyFuncByTrustedIP(trusted ...netip.Prefix) KeyFunc {
	isTrusted := func(s string) bool {
		addr, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			return false
		}
		addr = addr.Unmap()
		for _, p := range trusted {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}

	return func(r *http.Request) string {
		peer := remoteHost(r)
		if !isTrusted(peer) {
			return peer
		}
		hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop != "" && !isTrusted(hop) {
				return hop
			}
		}
		return peer
	}
}

func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// KeyFuncByRoute shares one bucket per route template. Embedder stages run
// before the handler, so only routes the server resolves up front are
// seen: *http.ServeMux patterns and registered gRPC methods. Other routers
// land in the "unmatched" bucket.
func KeyFuncByRoute() KeyFunc {
	return func(r *http.Request) string {
		return routeLabel(stateFromContext(r.Context()))
	}
}

// KeyFuncByIPAndRoute gives each client IP one bucket per route.
func KeyFuncByIPAndRoute() KeyFunc {
	return KeyFuncJoin(KeyFuncByIP(), KeyFuncByRoute())
}

// KeyFuncByClientID keys on the client ID ServiceAuth accepted. The stage
// must come after ServiceAuth; otherwise every request shares the "" bucket.
func KeyFuncByClientID() KeyFunc {
	return func(r *http.Request) string {
		return ClientIDFromContext(r.Context())
	}
}

// KeyFuncByHeader keys on a header value, such as a tenant ID.
func KeyFuncByHeader(header string) KeyFunc {
	return func(r *http.Request) string {
		return r.Header.Get(header)
	}
}

// KeyFuncJoin concatenates the keys of fns with ":".
func KeyFuncJoin(fns ...KeyFunc) KeyFunc {
	return func(r *http.Request) string {
		parts := make([]string, len(fns))
		for i, fn := range fns {
			parts[i] = fn(r)
		}
		return strings.Join(parts, ":")
	}
}
