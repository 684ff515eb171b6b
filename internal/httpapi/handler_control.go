package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/tarsy-labs/funcrun/internal/registry"
	"github.com/tarsy-labs/funcrun/pkg/version"
)

// healthHandler handles GET /health: function count, DB connection state,
// listened channels (§4.2).
func (s *Server) healthHandler(c *echo.Context) error {
	connected := false
	var channels []string
	if s.db != nil {
		connected = s.db.Connected()
		channels = s.db.ListenedChannels()
	}
	return c.JSON(http.StatusOK, healthResponse{
		Status:           "ok",
		Version:          version.Full(),
		FunctionCount:    s.reg.Count(),
		DBConnected:      connected,
		ListenedChannels: channels,
	})
}

// listFunctionsHandler handles GET /functions.
func (s *Server) listFunctionsHandler(c *echo.Context) error {
	recs := s.reg.GetAll()
	out := make([]functionSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, summarize(rec))
	}
	return c.JSON(http.StatusOK, map[string]any{"functions": out})
}

// functionStatusHandler handles GET /function-status/{name}; 404 if unknown.
func (s *Server) functionStatusHandler(c *echo.Context) error {
	name := c.Param("name")
	rec, ok := s.reg.Get(name)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown function: "+name)
	}
	return c.JSON(http.StatusOK, summarize(rec))
}

// reloadHandler handles any-method /reload: force a registry rescan and
// return the resulting count.
func (s *Server) reloadHandler(c *echo.Context) error {
	count, err := s.reg.ScanAndReload(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if s.bootstrap != nil {
		s.bootstrap.RunPending(c.Request().Context())
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "function_count": count})
}

// deployHandler handles POST /deploy: write the handler plugin (and
// optional env map) to disk and rescan; 400 if the body is incomplete.
func (s *Server) deployHandler(c *echo.Context) error {
	var req deployRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.FunctionName == "" || req.Code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "functionName and code are required")
	}
	count, err := s.reg.Deploy(c.Request().Context(), req.FunctionName, []byte(req.Code), req.Env)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if s.bootstrap != nil {
		s.bootstrap.RunPending(c.Request().Context())
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "function_count": count})
}

// undeployHandler handles DELETE /deploy/{name}: delete the handler file
// (missing file is not an error) and rescan.
func (s *Server) undeployHandler(c *echo.Context) error {
	name := c.Param("name")
	count, err := s.reg.Undeploy(c.Request().Context(), name)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "function_count": count})
}

// emitEventHandler handles POST /emit-event: publish on the event bus and
// report whether any listeners are currently registered.
func (s *Server) emitEventHandler(c *echo.Context) error {
	var req emitEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Event == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "event is required")
	}
	payload, err := json.Marshal(req.Data)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "data must be JSON-serializable")
	}
	hasListeners := s.events.HasListeners(req.Event)
	s.events.Emit(c.Request().Context(), req.Event, payload)
	return c.JSON(http.StatusOK, map[string]any{
		"success":      true,
		"event":        req.Event,
		"hasListeners": hasListeners,
	})
}

// dbNotifyHandler handles POST /db-notify: issue a Postgres NOTIFY on the
// shared connection.
func (s *Server) dbNotifyHandler(c *echo.Context) error {
	var req dbNotifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Channel == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "channel is required")
	}
	if s.db == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "database bridge not configured")
	}
	if err := s.db.Notify(c.Request().Context(), req.Channel, req.Payload); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

func summarize(rec *registry.FunctionRecord) functionSummary {
	snap := rec.Status.Snapshot()
	envKeys := make([]string, 0, len(rec.EnvVars))
	for k := range rec.EnvVars {
		envKeys = append(envKeys, k)
	}
	var lastRunAt *string
	if snap.LastRunAt != nil {
		s := snap.LastRunAt.Format(time.RFC3339)
		lastRunAt = &s
	}
	return functionSummary{
		Name:         rec.Name,
		Description:  rec.Description,
		SourcePath:   rec.SourcePath,
		EnvVarKeys:   envKeys,
		Triggers:     summarizeTriggers(rec.Triggers),
		RunOnce:      rec.RunOnce,
		LastRunAt:    lastRunAt,
		RunCount:     snap.RunCount,
		HasCompleted: snap.HasCompleted,
		LastError:    snap.LastError,
	}
}
