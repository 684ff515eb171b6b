package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/google/uuid"
)

// webhookHandler handles POST /webhook/{name}: accept the delivery,
// respond 202 immediately, and enqueue the real execution concurrently
// (§4.2, §4.9).
func (s *Server) webhookHandler(c *echo.Context) error {
	name := c.Param("name")
	rec, ok := s.reg.Get(name)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown function: "+name)
	}

	var req webhookRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	executionID := req.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}
	deliveryID := req.DeliveryID
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "payload must be JSON-serializable")
	}

	// The delivery runs on its own goroutine past this handler's return, so
	// it must not inherit a context net/http cancels the moment this handler
	// returns (the teacher detaches background work the same way, e.g.
	// pkg/queue/worker.go's post-completion notifications).
	s.webhook.Deliver(context.Background(), rec, payload, req.EnvVars, executionID, deliveryID)

	return c.JSON(http.StatusAccepted, map[string]any{
		"success":      true,
		"execution_id": executionID,
		"delivery_id":  deliveryID,
	})
}
