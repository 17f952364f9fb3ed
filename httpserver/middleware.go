package httpserver

import "net/http"

// Built-in stage names, in pipeline order.
const (
	StageRecovery  = "recovery"
	StageRequestID = "request_id"
	StageTracing   = "tracing"
	StageTimeout   = "timeout"
	StageMetrics   = "metrics"
	StageLogging   = "logging"
)

var builtinStages = map[string]bool{
	StageRecovery:  true,
	StageRequestID: true,
	StageTracing:   true,
	StageTimeout:   true,
	StageMetrics:   true,
	StageLogging:   true,
}

// Middleware is a function that wraps an http.Handler.
//
// Middleware functions are composed together using Chain() to create
// a processing pipeline for HTTP requests.
//
// Example:
//
//	func LoggingMiddleware(next http.Handler) http.Handler {
//	    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
//	        log.Printf("Request: %s %s", r.Method, r.URL.Path)
//	        next.ServeHTTP(w, r)
//	    })
//	}
type Middleware func(http.Handler) http.Handler

// Chain composes multiple middleware into a single middleware.
//
// Middleware are applied in the order provided. The first middleware
// is the outermost (runs first on request, last on response).
//
// Example:
//
//	handler := httpserver.Chain(
//	    httpserver.RequestID(),
//	    httpserver.CORS(httpserver.DefaultCORSConfig()),
//	)(myHandler)
//
// Request flow:
//
//	RequestID -> CORS -> myHandler -> CORS -> RequestID
func Chain(middlewares ...Middleware) Middleware {
	return func(next http.Handler) http.Handler {
		// Apply in reverse order so first middleware is outermost
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Stage is one named unit of the request pipeline. Given the rest of the
// chain it returns a handler that may inspect the request, answer it
// itself, or delegate and then inspect the response.
type Stage interface {
	Name() string
	Wrap(next http.Handler) http.Handler
}

type middlewareStage struct {
	name string
	mw   Middleware
}

func (s middlewareStage) Name() string                        { return s.name }
func (s middlewareStage) Wrap(next http.Handler) http.Handler { return s.mw(next) }

// NewStage names a middleware so it can be registered on a Server.
//
// Example:
//
//	server, err := httpserver.New(
//	    httpserver.WithHandler(mux),
//	    httpserver.WithStage(httpserver.NewStage("cors", httpserver.CORS(corsCfg))),
//	)
func NewStage(name string, mw Middleware) Stage {
	return middlewareStage{name: name, mw: mw}
}

// StageFunc is a stage body that may fail. A non-nil error ends the chain
// and is turned into a response by WriteErr.
type StageFunc func(w http.ResponseWriter, r *http.Request, next http.Handler) error

// NewStageFunc returns a Stage that runs fn.
//
// Example:
//
//	tenant := httpserver.NewStageFunc("tenant", func(w http.ResponseWriter, r *http.Request, next http.Handler) error {
//	    if r.Header.Get("X-Tenant-ID") == "" {
//	        return httpserver.NewError(http.StatusBadRequest, "missing tenant")
//	    }
//	    next.ServeHTTP(w, r)
//	    return nil
//	})
func NewStageFunc(name string, fn StageFunc) Stage {
	return NewStage(name, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := fn(w, r, next); err != nil {
				WriteErr(w, r, err)
			}
		})
	})
}

// Pipeline is an ordered list of stages. The first stage is the outermost.
type Pipeline struct {
	stages []Stage
}

// NewPipeline returns a pipeline running stages in the given order.
func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: append([]Stage(nil), stages...)}
}

// Names returns the stage names in execution order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Then wraps h with every stage of the pipeline.
func (p *Pipeline) Then(h http.Handler) http.Handler {
	for i := len(p.stages) - 1; i >= 0; i-- {
		h = p.stages[i].Wrap(h)
	}
	return h
}
