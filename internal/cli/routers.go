package cli

import (
	"context"
	"fmt"
	"net/http"
	"unicode"

	ginlib "github.com/gin-gonic/gin"
	chilib "github.com/go-chi/chi/v5"
	"github.com/gofiber/fiber/v2"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	echolib "github.com/labstack/echo/v4"

	"github.com/kroma-labs/servekit/httpserver"
	chiservekit "github.com/kroma-labs/servekit/httpserver/adapters/chi"
	echoservekit "github.com/kroma-labs/servekit/httpserver/adapters/echo"
	fiberservekit "github.com/kroma-labs/servekit/httpserver/adapters/fiber"
	ginservekit "github.com/kroma-labs/servekit/httpserver/adapters/gin"
	"github.com/kroma-labs/servekit/httpserver/adapters/grpcgateway"
)

// Routers the demo service can be served with.
const (
	routerServeMux    = "servemux"
	routerChi         = "chi"
	routerGin         = "gin"
	routerEcho        = "echo"
	routerFiber       = "fiber"
	routerGRPCGateway = "grpc-gateway"
)

// helloRoute is the demo route in the net/http pattern syntax.
const helloRoute = "/v1/hello/{name}"

const maxNameLength = 64

type greeting struct {
	Greeting  string `json:"greeting"`
	RequestID string `json:"request_id"`
}

// greet builds the demo response. Names must be letters only.
func greet(ctx context.Context, name string) (greeting, error) {
	if name == "" || len(name) > maxNameLength {
		return greeting{}, httpserver.NewError(http.StatusBadRequest,
			fmt.Sprintf("name must be 1 to %d letters", maxNameLength))
	}
	runes := []rune(name)
	for _, r := range runes {
		if !unicode.IsLetter(r) {
			return greeting{}, httpserver.NewError(http.StatusBadRequest, "name must contain letters only")
		}
	}
	runes[0] = unicode.ToUpper(runes[0])
	return greeting{
		Greeting:  "hello, " + string(runes),
		RequestID: httpserver.RequestIDFromContext(ctx),
	}, nil
}

func serveGreeting(w http.ResponseWriter, r *http.Request, name string) error {
	g, err := greet(r.Context(), name)
	if err != nil {
		return err
	}
	httpserver.WriteSuccess(w, http.StatusOK, g, "greeted")
	return nil
}

// newRouter returns the demo service built on the named router.
func newRouter(kind string) (http.Handler, error) {
	switch kind {
	case routerServeMux:
		mux := http.NewServeMux()
		mux.Handle("GET "+helloRoute, httpserver.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
			return serveGreeting(w, r, r.PathValue("name"))
		}))
		return mux, nil

	case routerChi:
		r := chiservekit.NewRouter()
		r.Get(helloRoute, chiservekit.WrapError(func(w http.ResponseWriter, r *http.Request) error {
			return serveGreeting(w, r, chilib.URLParam(r, "name"))
		}))
		return r, nil

	case routerGin:
		engine := ginservekit.New()
		engine.GET("/v1/hello/:name", func(c *ginlib.Context) {
			if err := serveGreeting(c.Writer, c.Request, c.Param("name")); err != nil {
				httpserver.WriteErr(c.Writer, c.Request, err)
			}
		})
		return engine, nil

	case routerEcho:
		e := echoservekit.New()
		e.GET("/v1/hello/:name", func(c echolib.Context) error {
			return serveGreeting(c.Response(), c.Request(), c.Param("name"))
		})
		return e, nil

	case routerFiber:
		app := fiberservekit.New()
		app.Get("/v1/hello/:name", func(c *fiber.Ctx) error {
			g, err := greet(c.UserContext(), c.Params("name"))
			if err != nil {
				return err
			}
			return c.JSON(httpserver.Response[greeting]{Data: g, Message: "greeted"})
		})
		return fiberservekit.Handler(app), nil

	case routerGRPCGateway:
		gw := grpcgateway.NewServeMux()
		err := gw.HandlePath(http.MethodGet, helloRoute, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
			ctx, err := runtime.AnnotateContext(r.Context(), gw, r, "/servekit.demo.v1.Greeter/Hello",
				runtime.WithHTTPPathPattern(helloRoute))
			if err != nil {
				runtime.HTTPError(r.Context(), gw, &runtime.JSONPb{}, w, r, err)
				return
			}
			if err := serveGreeting(w, r.WithContext(ctx), params["name"]); err != nil {
				httpserver.WriteErr(w, r, err)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("register gateway route: %w", err)
		}
		mux := http.NewServeMux()
		grpcgateway.Mount(mux, "/v1", gw)
		return mux, nil

	default:
		return nil, fmt.Errorf("unknown router %q", kind)
	}
}
