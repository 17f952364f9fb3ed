package httpserver

import (
	"net/http"
	"net/http/pprof"
	"strings"
)

const defaultPprofPrefix = "/debug/pprof"

// PprofConfig configures the profiling endpoints.
type PprofConfig struct {
	// Prefix the endpoints are served under. Default "/debug/pprof".
	Prefix string

	// EnableAuth requires HTTP basic auth with Username and Password. With
	// auth enabled and either of them empty every request is refused.
	EnableAuth bool
	Username   string
	Password   string
}

// DefaultPprofConfig returns the configuration the server uses when
// pprof_enabled is set: the standard /debug/pprof prefix and no auth.
func DefaultPprofConfig() PprofConfig {
	return PprofConfig{Prefix: defaultPprofPrefix}
}

func (c PprofConfig) prefix() string {
	if p := strings.TrimRight(c.Prefix, "/"); p != "" {
		return p
	}
	return defaultPprofPrefix
}

// PprofHandler serves the runtime profiles: the index and named profiles
// (heap, goroutine, allocs and the rest) under {prefix}/, plus cmdline,
// profile, symbol and trace. Every endpoint honors a custom prefix. The server
// mounts it on the metrics/health listener when pprof_enabled is set.
func PprofHandler(cfg PprofConfig) http.Handler {
	prefix := cfg.prefix()

	mux := http.NewServeMux()
	mux.HandleFunc(prefix+"/", func(w http.ResponseWriter, r *http.Request) {
		// pprof.Index only resolves named profiles under /debug/pprof/.
		if name := strings.TrimPrefix(r.URL.Path, prefix+"/"); name != "" {
			pprof.Handler(name).ServeHTTP(w, r)
			return
		}
		pprof.Index(w, r)
	})
	for name, h := range map[string]http.HandlerFunc{
		"cmdline": pprof.Cmdline,
		"profile": pprof.Profile,
		"symbol":  pprof.Symbol,
		"trace":   pprof.Trace,
	} {
		mux.HandleFunc(prefix+"/"+name, h)
	}

	if !cfg.EnableAuth {
		return mux
	}
	return requireBasicAuth("pprof", cfg.Username, cfg.Password, mux)
}

func requireBasicAuth(realm, username, password string, next http.Handler) http.Handler {
	configured := username != "" && password != ""
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !configured || !ok || !equalSecret(user, username) || !equalSecret(pass, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
			WriteError(w, http.StatusUnauthorized, "unauthorized",
				Error{Field: "auth", Message: "invalid credentials"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RegisterPprof mounts PprofHandler on mux under cfg's prefix.
func RegisterPprof(mux *http.ServeMux, cfg PprofConfig) {
	cfg.Prefix = cfg.prefix()
	mux.Handle(cfg.Prefix+"/", PprofHandler(cfg))
}
