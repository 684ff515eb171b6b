// Package bootstrap runs not-yet-completed run_once functions after every
// registry rescan (§4.7), mirroring the teacher's startup-task shape but
// re-triggered on every reload rather than once at process start.
package bootstrap

import (
	"context"
	"log/slog"

	"github.com/tarsy-labs/funcrun/internal/harness"
	"github.com/tarsy-labs/funcrun/internal/registry"
	"github.com/tarsy-labs/funcrun/internal/types"
)

// Runner invokes eligible run_once functions via the harness.
type Runner struct {
	reg     *registry.Registry
	harness *harness.Harness
}

// New constructs a Runner.
func New(reg *registry.Registry, h *harness.Harness) *Runner {
	return &Runner{reg: reg, harness: h}
}

// RunPending invokes every registered function where RunOnce is true and
// has not yet completed. Execution failures leave the function eligible
// for re-attempt on the next rescan (§4.7).
func (r *Runner) RunPending(ctx context.Context) {
	for _, rec := range r.reg.GetAll() {
		if !rec.RunOnce || rec.Status.IsCompleted() {
			continue
		}
		r.runOne(ctx, rec)
	}
}

func (r *Runner) runOne(ctx context.Context, rec *registry.FunctionRecord) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("run-once bootstrap handler panicked", "function", rec.Name, "panic", p)
		}
	}()
	executionID, deliveryID := harness.NewExecutionIDs()
	req := types.NewRequest("POST", "/"+rec.Name, types.TriggerOnce)
	req.Header.Set("X-Trigger-Type", "once")
	r.harness.Execute(ctx, rec, req, rec.EnvVars, executionID, deliveryID)
}
