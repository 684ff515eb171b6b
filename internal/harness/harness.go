// Package harness invokes a function's handler with a synthesized request
// and context, enforcing a timeout, capturing logs, normalizing the
// handler's return value, and reporting the outcome to the Backend (§4.3).
//
// Grounded in the teacher's pkg/queue/worker.go pollAndProcess/Execute
// timeout-race and nil-guard result-normalization pattern, adapted from a
// DB-backed session executor to an in-memory function record.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tarsy-labs/funcrun/internal/registry"
	"github.com/tarsy-labs/funcrun/internal/types"
)

// ErrTimeout is returned when the handler did not complete within the
// configured FUNCTION_TIMEOUT.
var ErrTimeout = errors.New("function execution timed out")

// Reporter posts an execution record to the Backend control plane (§4.8).
// Implemented by backend.Client; declared here to avoid an import cycle.
type Reporter interface {
	ReportExecutionResult(ctx context.Context, r ExecutionResult)
}

// BackendCaller builds the context.callBackend helper for a single
// invocation, bound to its execution/delivery ids. Implemented by
// backend.Client.
type BackendCaller interface {
	CallBackendFor(executionID, deliveryID string) types.CallBackendFunc
}

// Harness executes handlers under a shared timeout and reporter.
type Harness struct {
	Timeout time.Duration
	Backend BackendCaller
	Reporter
}

// New constructs a Harness with the given per-invocation timeout. backend
// satisfies both BackendCaller and Reporter (backend.Client does).
func New(timeout time.Duration, backend interface {
	BackendCaller
	Reporter
}) *Harness {
	return &Harness{Timeout: timeout, Backend: backend, Reporter: backend}
}

// ExecutionResult is the record posted to the Backend (§4.8 body shape).
type ExecutionResult struct {
	ExecutionID     string
	DeliveryID      string
	FunctionName    string
	Success         bool
	Result          any
	Logs            string
	ExecutionTimeMs int64
	Timestamp       time.Time
}

// Outcome is what the harness returns to its caller (the HTTP dispatcher,
// cron loop, DB bridge, event bus, bootstrapper, or webhook executor).
type Outcome struct {
	Response *types.Response // non-nil only for HTTP-triggered invocations
	Result   any
	Err      error
	TimedOut bool
}

// Execute races rec.Handler against h.Timeout, captures logs, normalizes
// the return value, updates rec.Status, and reports to the Backend.
//
// env overrides rec.EnvVars (used by the webhook path's per-invocation env);
// pass rec.EnvVars directly for all other trigger types. executionID/
// deliveryID are synthesized by the caller per the §9 Open Question on id
// assignment; the context.callBackend helper is derived internally, bound
// to these ids.
func (h *Harness) Execute(ctx context.Context, rec *registry.FunctionRecord, req *types.Request, env map[string]string, executionID, deliveryID string) Outcome {
	start := time.Now()
	logs := newCapturingLog()

	var callBackend types.CallBackendFunc
	if h.Backend != nil {
		callBackend = h.Backend.CallBackendFor(executionID, deliveryID)
	}

	fctx := &types.Context{
		Env:         env,
		CallBackend: callBackend,
		ExecutionID: executionID,
		DeliveryID:  deliveryID,
		Logger:      logs,
	}

	type callResult struct {
		value any
		err   error
	}
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logs.Errorf("handler panic: %v", r)
				done <- callResult{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		v, err := rec.Handler.Call(fctx, req)
		done <- callResult{value: v, err: err}
	}()

	execCtx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	var (
		value    any
		callErr  error
		timedOut bool
	)
	select {
	case res := <-done:
		value, callErr = res.value, res.err
	case <-execCtx.Done():
		timedOut = true
		callErr = ErrTimeout
		logs.Errorf(ErrTimeout.Error())
	}

	elapsed := time.Since(start)
	success := callErr == nil

	var errMsg string
	if callErr != nil {
		errMsg = callErr.Error()
	}
	rec.Status.RecordRun(start, value, errMsg)

	if success && rec.RunOnce {
		if isRunOnceSuccess(value) {
			rec.Status.MarkCompleted()
		}
	}

	result := ExecutionResult{
		ExecutionID:     executionID,
		DeliveryID:      deliveryID,
		FunctionName:    rec.Name,
		Success:         success,
		Result:          value,
		Logs:            logs.String(),
		ExecutionTimeMs: elapsed.Milliseconds(),
		Timestamp:       time.Now(),
	}
	if h.Reporter != nil {
		h.Reporter.ReportExecutionResult(ctx, result)
	}

	outcome := Outcome{Result: value, Err: callErr, TimedOut: timedOut}
	if req.TriggerType == types.TriggerHTTP {
		outcome.Response = normalizeHTTPResponse(value, callErr, timedOut)
	}
	return outcome
}

// isRunOnceSuccess implements the §4.3 run-once success rule EXACTLY:
// only a mapping with success==true flips has_completed. Any other shape
// (including a bare `true`, a struct, or success!=true) leaves the function
// eligible to run again. Preserved verbatim per SPEC_FULL.md/§9.
func isRunOnceSuccess(value any) bool {
	m, ok := value.(map[string]any)
	if !ok {
		return false
	}
	s, ok := m["success"]
	if !ok {
		return false
	}
	b, ok := s.(bool)
	return ok && b
}

func normalizeHTTPResponse(value any, callErr error, timedOut bool) *types.Response {
	if timedOut {
		resp, _ := types.JSONResponse(504, map[string]string{"error": "Function execution timed out"})
		return resp
	}
	if callErr != nil {
		resp, _ := types.JSONResponse(500, map[string]string{"error": "handler error", "message": callErr.Error()})
		return resp
	}
	if resp, ok := value.(*types.Response); ok {
		return resp
	}
	resp, err := types.JSONResponse(200, value)
	if err != nil {
		slog.Error("failed to JSON-encode handler result", "error", err)
		fallback, _ := types.JSONResponse(500, map[string]string{"error": "failed to encode result"})
		return fallback
	}
	return resp
}

// NewExecutionIDs synthesizes a fresh (execution_id, delivery_id) pair. The
// source assigns two distinct fresh UUIDs here for schedule/DB/event/once
// paths (§9 Open Question) — preserved as-is rather than reusing one value
// for both.
func NewExecutionIDs() (executionID, deliveryID string) {
	return uuid.NewString(), uuid.NewString()
}
