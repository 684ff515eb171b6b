package httpapi

import (
	"io"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/tarsy-labs/funcrun/internal/harness"
	"github.com/tarsy-labs/funcrun/internal/types"
)

// invokeHandler handles any-method /{name}: the HTTP-trigger dispatch path
// (§4.2 HTTP-trigger dispatch).
//
// 1. Lookup by path segment; 404 if missing, 400 if no HTTP trigger.
// 2. Reject methods outside the union of the function's HTTP trigger
//    methods -> 405.
// 3. Synthesize ids, stamp request headers, invoke the harness, attach
//    CORS headers (done by the server-wide corsMiddleware).
func (s *Server) invokeHandler(c *echo.Context) error {
	name := c.Param("name")
	rec, ok := s.reg.Get(name)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown function: "+name)
	}

	methods := rec.HTTPMethods()
	if methods == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "function '"+name+"' has no HTTP trigger")
	}
	if !containsMethod(methods, c.Request().Method) {
		return echo.NewHTTPError(http.StatusMethodNotAllowed,
			"Method '"+c.Request().Method+"' not allowed for function '"+name+"'")
	}

	executionID, deliveryID := harness.NewExecutionIDs()

	body, _ := io.ReadAll(c.Request().Body)
	req := types.NewRequest(c.Request().Method, c.Request().URL.String(), types.TriggerHTTP)
	for k, vs := range c.Request().Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("X-Trigger-Type", "http")
	req.Header.Set("x-execution-id", executionID)
	req.Header.Set("x-delivery-id", deliveryID)
	req.SetBody(body)

	outcome := s.harness.Execute(c.Request().Context(), rec, req, rec.EnvVars, executionID, deliveryID)

	resp := outcome.Response
	for k, vs := range resp.Header {
		for _, v := range vs {
			c.Response().Header().Add(k, v)
		}
	}
	return c.Blob(resp.StatusCode, contentTypeOrDefault(resp.Header), resp.Body)
}

func contentTypeOrDefault(h map[string][]string) string {
	if ct, ok := h["Content-Type"]; ok && len(ct) > 0 {
		return ct[0]
	}
	return echo.MIMEApplicationJSON
}

func containsMethod(methods []string, m string) bool {
	for _, candidate := range methods {
		if strings.EqualFold(candidate, m) {
			return true
		}
	}
	return false
}
