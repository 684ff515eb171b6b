// Package runtime is the explicit-construction aggregate that owns every
// subsystem, replacing the source's global mutable singletons (registry,
// DB client, event bus, completed set) per SPEC_FULL.md §9/§6.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tarsy-labs/funcrun/internal/backend"
	"github.com/tarsy-labs/funcrun/internal/bootstrap"
	"github.com/tarsy-labs/funcrun/internal/cron"
	"github.com/tarsy-labs/funcrun/internal/dbbridge"
	"github.com/tarsy-labs/funcrun/internal/eventbus"
	"github.com/tarsy-labs/funcrun/internal/harness"
	"github.com/tarsy-labs/funcrun/internal/httpapi"
	"github.com/tarsy-labs/funcrun/internal/registry"
	"github.com/tarsy-labs/funcrun/internal/types"
	"github.com/tarsy-labs/funcrun/internal/watcher"
	"github.com/tarsy-labs/funcrun/internal/webhook"
	"github.com/tarsy-labs/funcrun/pkg/config"
)

// Runtime owns every subsystem and wires them together. Construct with New,
// start background loops with Start, and release resources with Shutdown.
type Runtime struct {
	cfg config.Config

	Backend  *backend.Client
	Events   *eventbus.Bus
	DB       *dbbridge.Bridge
	Registry *registry.Registry
	Harness  *harness.Harness
	Cron     *cron.Scheduler
	Bootstrap *bootstrap.Runner
	Webhook  *webhook.Executor
	HTTP     *httpapi.Server
	Watcher  *watcher.Watcher

	cancel context.CancelFunc
}

// New constructs a Runtime from cfg, using loader to resolve handler files
// (registry.NewPluginLoader in production, registry.NewStaticLoader in tests).
func New(cfg config.Config, loader registry.Loader) (*Runtime, error) {
	backendClient := backend.New(cfg.BackendURL, cfg.APIKey)
	events := eventbus.New()
	dbBridge := dbbridge.New(cfg.ConnString())

	reg := registry.New(cfg.WorkDir, loader, events, dbBridge)
	h := harness.New(cfg.FunctionTimeout, backendClient)

	dbBridge.OnNotify(func(ctx context.Context, channel string, payload []byte) {
		dispatchDatabaseNotification(ctx, reg, h, channel, payload)
	})
	reg.OnEventDispatch = func(ctx context.Context, rec *registry.FunctionRecord, event string, data []byte) {
		dispatchEvent(ctx, h, rec, event, data)
	}

	cronScheduler := cron.New(reg, h)
	bootstrapRunner := bootstrap.New(reg, h)
	webhookExecutor := webhook.New(h)
	server := httpapi.NewServer(reg, h, events, dbBridge, webhookExecutor, bootstrapRunner)

	fsWatcher, err := watcher.New(cfg.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("create filesystem watcher: %w", err)
	}

	return &Runtime{
		cfg:       cfg,
		Backend:   backendClient,
		Events:    events,
		DB:        dbBridge,
		Registry:  reg,
		Harness:   h,
		Cron:      cronScheduler,
		Bootstrap: bootstrapRunner,
		Webhook:   webhookExecutor,
		HTTP:      server,
		Watcher:   fsWatcher,
	}, nil
}

// Start connects the database bridge, performs the initial registry scan
// plus bootstrap pass, and starts the cron loop and filesystem watcher. It
// does not start the HTTP server; call HTTP.Start/StartWithListener
// separately so callers control blocking behavior.
func (r *Runtime) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if err := r.DB.Start(runCtx); err != nil {
		slog.Warn("database bridge failed to connect at startup, will retry via watchdog", "error", err)
	}

	if _, err := r.Registry.ScanAndReload(runCtx); err != nil {
		return fmt.Errorf("initial registry scan: %w", err)
	}
	r.Bootstrap.RunPending(runCtx)

	r.Cron.Start(runCtx)
	r.Watcher.Start(runCtx, func(ctx context.Context) {
		if _, err := r.Registry.ScanAndReload(ctx); err != nil {
			slog.Error("registry rescan failed", "error", err)
			return
		}
		r.Bootstrap.RunPending(ctx)
	})

	return nil
}

// Shutdown stops the HTTP server, cron loop, filesystem watcher, and DB
// bridge, in that order (SPEC_FULL.md §7).
func (r *Runtime) Shutdown(ctx context.Context) error {
	if err := r.HTTP.Shutdown(ctx); err != nil {
		slog.Warn("http server shutdown error", "error", err)
	}
	r.Cron.Stop()
	if r.cancel != nil {
		r.cancel()
	}
	_ = r.Watcher.Close()
	return r.DB.Stop(ctx)
}

// notifyPayload is the generic shape installed notify-trigger functions
// emit (§4.5, §6).
type notifyPayload struct {
	Operation string `json:"operation"`
	Table     string `json:"table"`
}

// dispatchDatabaseNotification fans an incoming NOTIFY out to every
// registered function whose database trigger matches channel and
// operation (§4.5).
func dispatchDatabaseNotification(ctx context.Context, reg *registry.Registry, h *harness.Harness, channel string, payload []byte) {
	var parsed notifyPayload
	_ = json.Unmarshal(payload, &parsed)

	for _, rec := range reg.GetAll() {
		if rec.RunOnce && rec.Status.IsCompleted() {
			continue
		}
		for _, dt := range rec.DatabaseTriggers() {
			if dt.Channel != channel {
				continue
			}
			if len(dt.Operations) > 0 && !operationAllowed(dt.Operations, parsed.Operation) {
				continue
			}
			executionID, deliveryID := harness.NewExecutionIDs()
			req := types.NewRequest("POST", "/"+rec.Name, types.TriggerDatabase)
			req.Header.Set("X-Trigger-Type", "database")
			req.Header.Set("X-Database-Channel", channel)
			req.SetBody(payload)
			h.Execute(ctx, rec, req, rec.EnvVars, executionID, deliveryID)
			break // a record fires at most once per notification, even if several of its triggers match
		}
	}
}

// dispatchEvent invokes rec's handler for an in-process event-bus firing
// (§4.6). Skips completed run_once records; stamps X-Trigger-Type: event
// and X-Event-Name: <event> on the synthesized request (§6).
func dispatchEvent(ctx context.Context, h *harness.Harness, rec *registry.FunctionRecord, event string, data []byte) {
	if rec.RunOnce && rec.Status.IsCompleted() {
		return
	}
	executionID, deliveryID := harness.NewExecutionIDs()
	req := types.NewRequest("POST", "/"+rec.Name, types.TriggerEvent)
	req.Header.Set("X-Trigger-Type", "event")
	req.Header.Set("X-Event-Name", event)
	req.SetBody(data)
	h.Execute(ctx, rec, req, rec.EnvVars, executionID, deliveryID)
}

func operationAllowed(allowed []string, op string) bool {
	for _, a := range allowed {
		if a == op {
			return true
		}
	}
	return false
}
