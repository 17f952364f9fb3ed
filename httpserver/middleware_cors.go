package httpserver

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig configures the CORS stage.
type CORSConfig struct {
	// AllowedOrigins lists exact origins, "*" for any origin, or patterns
	// with one leading wildcard label such as "https://*.example.com".
	AllowedOrigins []string

	AllowedMethods []string

	// AllowedHeaders lists request headers a preflight may ask for. "*"
	// echoes whatever the preflight asked for.
	AllowedHeaders []string

	ExposedHeaders []string

	// AllowCredentials lets browsers send cookies and auth headers. The
	// allowed origin is always echoed, never "*".
	AllowCredentials bool

	// MaxAge is the preflight cache lifetime in seconds. Zero omits it.
	MaxAge int
}

// DefaultCORSConfig allows any origin without credentials and exposes the
// request ID and rate limit headers.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type", "X-Requested-With",
			RequestIDHeader, DefaultClientIDHeader, DefaultPassKeyHeader,
		},
		ExposedHeaders: []string{RequestIDHeader, "Retry-After"},
		MaxAge:         86400,
	}
}

// corsPolicy is a CORSConfig compiled for per-request lookups.
type corsPolicy struct {
	anyOrigin bool
	exact     map[string]bool
	suffixes  []originPattern

	anyHeader     bool
	allowMethods  string
	allowHeaders  string
	exposeHeaders string
	maxAge        string
	credentials   bool
}

// originPattern matches "scheme://*.suffix".
type originPattern struct {
	scheme string
	suffix string
}

func compileCORS(cfg CORSConfig) corsPolicy {
	p := corsPolicy{
		exact:         make(map[string]bool, len(cfg.AllowedOrigins)),
		allowMethods:  strings.Join(cfg.AllowedMethods, ", "),
		exposeHeaders: strings.Join(cfg.ExposedHeaders, ", "),
		credentials:   cfg.AllowCredentials,
	}
	if cfg.MaxAge > 0 {
		p.maxAge = strconv.Itoa(cfg.MaxAge)
	}

	for _, o := range cfg.AllowedOrigins {
		o = strings.ToLower(strings.TrimSpace(o))
		switch {
		case o == "*":
			p.anyOrigin = true
		case strings.Contains(o, "://*."):
			scheme, host, _ := strings.Cut(o, "://")
			p.suffixes = append(p.suffixes, originPattern{scheme: scheme, suffix: host[1:]})
		case o != "":
			p.exact[o] = true
		}
	}

	headers := make([]string, 0, len(cfg.AllowedHeaders))
	for _, h := range cfg.AllowedHeaders {
		if h == "*" {
			p.anyHeader = true
			continue
		}
		headers = append(headers, http.CanonicalHeaderKey(h))
	}
	p.allowHeaders = strings.Join(headers, ", ")
	return p
}

func (p corsPolicy) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if p.anyOrigin {
		return true
	}
	origin = strings.ToLower(origin)
	if p.exact[origin] {
		return true
	}
	scheme, host, ok := strings.Cut(origin, "://")
	if !ok {
		return false
	}
	for _, pat := range p.suffixes {
		// The wildcard needs at least one label: "https://example.com" does
		// not match "https://*.example.com".
		if scheme == pat.scheme && len(host) > len(pat.suffix) && strings.HasSuffix(host, pat.suffix) {
			return true
		}
	}
	return false
}

// CORS answers preflights with 204 without calling the handler and adds
// CORS headers to requests from allowed origins. Requests from other
// origins pass through without CORS headers, so browsers block them. gRPC
// calls are never touched.
//
//	httpserver.WithCORS(httpserver.CORSConfig{
//	    AllowedOrigins:   []string{"https://*.example.com"},
//	    AllowCredentials: true,
//	})
func CORS(cfg CORSConfig) Middleware {
	p := compileCORS(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isGRPC(r) {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

			if !p.allows(origin) {
				if preflight {
					w.WriteHeader(http.StatusNoContent)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h.Set("Access-Control-Allow-Origin", origin)
			if p.credentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if !preflight {
				if p.exposeHeaders != "" {
					h.Set("Access-Control-Expose-Headers", p.exposeHeaders)
				}
				next.ServeHTTP(w, r)
				return
			}

			h.Add("Vary", "Access-Control-Request-Method")
			h.Add("Vary", "Access-Control-Request-Headers")
			h.Set("Access-Control-Allow-Methods", p.allowMethods)
			allowHeaders := p.allowHeaders
			if p.anyHeader {
				allowHeaders = r.Header.Get("Access-Control-Request-Headers")
			}
			if allowHeaders != "" {
				h.Set("Access-Control-Allow-Headers", allowHeaders)
			}
			if p.maxAge != "" {
				h.Set("Access-Control-Max-Age", p.maxAge)
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
