// Package webhook executes /webhook/{name} deliveries asynchronously:
// the HTTP handler responds 202 immediately, and the real invocation runs
// concurrently with a per-delivery env override (§4.9).
//
// Grounded in the teacher's pkg/queue/worker.go pattern of detaching
// long-running work onto its own goroutine while the HTTP layer returns
// immediately, adapted from a claimed-session worker to a single
// fire-and-forget delivery.
package webhook

import (
	"context"
	"log/slog"

	"github.com/tarsy-labs/funcrun/internal/harness"
	"github.com/tarsy-labs/funcrun/internal/registry"
	"github.com/tarsy-labs/funcrun/internal/types"
)

// Executor runs webhook deliveries in the background.
type Executor struct {
	harness *harness.Harness
}

// New constructs an Executor.
func New(h *harness.Harness) *Executor {
	return &Executor{harness: h}
}

// Deliver binds rec's env with envOverride (merged over rec.EnvVars, per-
// invocation), synthesizes a POST request bearing payload as its JSON body,
// and runs the harness on its own goroutine so the caller can respond 202
// immediately with the supplied ids (§4.9).
func (e *Executor) Deliver(ctx context.Context, rec *registry.FunctionRecord, payload []byte, envOverride map[string]string, executionID, deliveryID string) {
	env := mergeEnv(rec.EnvVars, envOverride)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("webhook handler panicked", "function", rec.Name, "panic", r)
			}
		}()
		req := types.NewRequest("POST", "/webhook/"+rec.Name, types.TriggerWebhook)
		req.Header.Set("X-Trigger-Type", "webhook")
		req.SetBody(payload)
		e.harness.Execute(ctx, rec, req, env, executionID, deliveryID)
	}()
}

func mergeEnv(base, override map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
