// Package httpapi exposes the runtime's control endpoints and the
// per-function invocation path (§4.2), built on Echo v5 in the same
// NewServer/setupRoutes/Start/StartWithListener/Shutdown shape as the
// teacher's pkg/api/server.go.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/tarsy-labs/funcrun/internal/bootstrap"
	"github.com/tarsy-labs/funcrun/internal/dbbridge"
	"github.com/tarsy-labs/funcrun/internal/eventbus"
	"github.com/tarsy-labs/funcrun/internal/harness"
	"github.com/tarsy-labs/funcrun/internal/registry"
	"github.com/tarsy-labs/funcrun/internal/webhook"
)

// Server is the runtime's HTTP control surface.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	reg       *registry.Registry
	harness   *harness.Harness
	events    *eventbus.Bus
	db        *dbbridge.Bridge
	webhook   *webhook.Executor
	bootstrap *bootstrap.Runner
}

// NewServer wires a Server over its dependencies and registers routes.
func NewServer(reg *registry.Registry, h *harness.Harness, events *eventbus.Bus, db *dbbridge.Bridge, wh *webhook.Executor, bs *bootstrap.Runner) *Server {
	e := echo.New()
	s := &Server{
		echo:      e,
		reg:       reg,
		harness:   h,
		events:    events,
		db:        db,
		webhook:   wh,
		bootstrap: bs,
	}
	e.Use(middleware.BodyLimit(10 * 1024 * 1024))
	e.Use(corsMiddleware)
	e.HTTPErrorHandler = jsonErrorHandler
	s.setupRoutes()
	return s
}

// jsonErrorHandler renders routing/validation failures (404 unknown
// function, 400 missing trigger or body, 405 method not allowed, ...) as
// {"error": "<message>"} per §7, replacing Echo's default {"message": ...}
// shape. Handler-exception/timeout responses are built directly by the
// harness (§4.3's {"error","message"} body) and never pass through here.
func jsonErrorHandler(err error, c *echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if s, ok := he.Message.(string); ok {
			msg = s
		} else {
			msg = fmt.Sprintf("%v", he.Message)
		}
	}
	if c.Response().Committed {
		return
	}
	if werr := c.JSON(code, map[string]string{"error": msg}); werr != nil {
		slog.Error("failed to write error response", "error", werr)
	}
}

// corsMiddleware implements the fixed CORS policy from §6: allow origin
// http://localhost:3000, the listed methods/headers, max-age 86400, and a
// 204 response to every OPTIONS preflight regardless of path.
func corsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		h := c.Response().Header()
		h.Set("Access-Control-Allow-Origin", "http://localhost:3000")
		h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, apikey, x-api-key")
		h.Set("Access-Control-Max-Age", "86400")
		if c.Request().Method == http.MethodOptions {
			return c.NoContent(http.StatusNoContent)
		}
		return next(c)
	}
}

// setupRoutes registers the §4.2 endpoint table. Echo resolves routes by
// specificity rather than registration order: literal paths such as
// /health or /functions take precedence over their /:name catch-all
// sibling, which gives the table its "first match wins" behavior.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/functions", s.listFunctionsHandler)
	s.echo.GET("/function-status/:name", s.functionStatusHandler)
	s.echo.Any("/reload", s.reloadHandler)
	s.echo.POST("/deploy", s.deployHandler)
	s.echo.DELETE("/deploy/:name", s.undeployHandler)
	s.echo.POST("/emit-event", s.emitEventHandler)
	s.echo.POST("/db-notify", s.dbNotifyHandler)
	s.echo.POST("/webhook/:name", s.webhookHandler)
	s.echo.Any("/:name", s.invokeHandler)
}

// Start starts the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener, used
// by tests to bind an OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Echo exposes the underlying Echo instance for tests that want to drive
// requests directly without binding a socket.
func (s *Server) Echo() *echo.Echo { return s.echo }
