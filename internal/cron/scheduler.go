// Package cron evaluates registered schedule triggers against the wall
// clock every 5 seconds, firing matching handlers at most once per
// 50-second window per (function, cron expression) (§4.4).
//
// Grounded in the restricted cron-matching idea shown in the pack's
// platform-internal-api-triggers.go other_examples file, but deliberately
// hand-rolled rather than adopting robfig/cron/v3: that library's ranges/
// lists/step syntax would silently accept expressions the spec says must
// be rejected (literal integer or "*" per field only).
package cron

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/tarsy-labs/funcrun/internal/harness"
	"github.com/tarsy-labs/funcrun/internal/registry"
	"github.com/tarsy-labs/funcrun/internal/types"
)

const (
	tickInterval   = 5 * time.Second
	refireInterval = 50 * time.Second
)

// Scheduler runs the cron loop.
type Scheduler struct {
	reg     *registry.Registry
	harness *harness.Harness

	mu       sync.Mutex
	lastFire map[string]time.Time // key: functionName + "|" + cronExpr

	stop chan struct{}
	done chan struct{}
}

// New constructs a Scheduler.
func New(reg *registry.Registry, h *harness.Harness) *Scheduler {
	return &Scheduler{
		reg:      reg,
		harness:  h,
		lastFire: make(map[string]time.Time),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the tick loop until ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

// Stop halts the tick loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, rec := range s.reg.GetAll() {
		if rec.RunOnce && rec.Status.IsCompleted() {
			continue
		}
		for _, st := range rec.ScheduleTriggers() {
			if !matches(st.Cron, now) {
				continue
			}
			key := rec.Name + "|" + st.Cron
			if !s.shouldFire(key, now) {
				continue
			}
			s.fire(ctx, rec, st)
		}
	}
}

func (s *Scheduler) shouldFire(key string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastFire[key]; ok && now.Sub(last) < refireInterval {
		return false
	}
	s.lastFire[key] = now
	return true
}

func (s *Scheduler) fire(ctx context.Context, rec *registry.FunctionRecord, st types.ScheduleTrigger) {
	executionID, deliveryID := harness.NewExecutionIDs()
	req := types.NewRequest("POST", "/"+rec.Name, types.TriggerSchedule)
	req.Header.Set("X-Trigger-Type", "schedule")
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("cron handler panicked", "function", rec.Name, "cron", st.Cron, "panic", r)
			}
		}()
		s.harness.Execute(ctx, rec, req, rec.EnvVars, executionID, deliveryID)
	}()
}

// matches implements the restricted 5-field matcher: each field is "*" or a
// literal integer equal to the corresponding wall-clock component. Ranges,
// lists, and steps are unsupported by design (§4.4, §9).
func matches(expr string, now time.Time) bool {
	fields := splitFields(expr)
	if len(fields) != 5 {
		return false
	}
	components := []int{now.Minute(), now.Hour(), now.Day(), int(now.Month()), int(now.Weekday())}
	for i, f := range fields {
		if f == "*" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil || n != components[i] {
			return false
		}
	}
	return true
}

func splitFields(expr string) []string {
	var fields []string
	start := 0
	for i := 0; i <= len(expr); i++ {
		if i == len(expr) || expr[i] == ' ' {
			if i > start {
				fields = append(fields, expr[start:i])
			}
			start = i + 1
		}
	}
	return fields
}
