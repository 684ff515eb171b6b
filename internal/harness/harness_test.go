package harness

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarsy-labs/funcrun/internal/registry"
	"github.com/tarsy-labs/funcrun/internal/types"
)

type fakeHandler struct {
	call func(ctx *types.Context, req *types.Request) (any, error)
}

func (f fakeHandler) Describe() types.Metadata { return types.Metadata{} }
func (f fakeHandler) Call(ctx *types.Context, req *types.Request) (any, error) {
	return f.call(ctx, req)
}

func newRec(runOnce bool, call func(ctx *types.Context, req *types.Request) (any, error)) *registry.FunctionRecord {
	return &registry.FunctionRecord{
		Name:    "fn",
		Handler: fakeHandler{call: call},
		RunOnce: runOnce,
		Status:  &registry.Status{},
	}
}

func TestExecute_SuccessRecordsStatus(t *testing.T) {
	h := New(time.Second, nil)
	rec := newRec(false, func(ctx *types.Context, req *types.Request) (any, error) {
		return map[string]any{"ok": true}, nil
	})
	req := types.NewRequest("GET", "/fn", types.TriggerHTTP)

	outcome := h.Execute(t.Context(), rec, req, nil, "exec-1", "del-1")
	require.Nil(t, outcome.Err)
	require.NotNil(t, outcome.Response)
	assert.Equal(t, 200, outcome.Response.StatusCode)

	snap := rec.Status.Snapshot()
	assert.Equal(t, int64(1), snap.RunCount)
	assert.NotNil(t, snap.LastRunAt)
}

func TestExecute_HandlerErrorProduces500ForHTTP(t *testing.T) {
	h := New(time.Second, nil)
	rec := newRec(false, func(ctx *types.Context, req *types.Request) (any, error) {
		return nil, errors.New("boom")
	})
	req := types.NewRequest("GET", "/fn", types.TriggerHTTP)

	outcome := h.Execute(t.Context(), rec, req, nil, "e", "d")
	assert.Error(t, outcome.Err)
	require.NotNil(t, outcome.Response)
	assert.Equal(t, 500, outcome.Response.StatusCode)
	assert.Equal(t, "boom", rec.Status.Snapshot().LastError)
}

func TestExecute_Timeout(t *testing.T) {
	h := New(10*time.Millisecond, nil)
	rec := newRec(false, func(ctx *types.Context, req *types.Request) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	})
	req := types.NewRequest("GET", "/fn", types.TriggerHTTP)

	outcome := h.Execute(t.Context(), rec, req, nil, "e", "d")
	assert.True(t, outcome.TimedOut)
	require.NotNil(t, outcome.Response)
	assert.Equal(t, 504, outcome.Response.StatusCode)
}

func TestExecute_RunOnceSuccessRuleExact(t *testing.T) {
	cases := []struct {
		name      string
		result    any
		wantFlips bool
	}{
		{"mapping success true", map[string]any{"success": true}, true},
		{"mapping success false", map[string]any{"success": false}, false},
		{"bare true", true, false},
		{"no success key", map[string]any{"ok": true}, false},
		{"string", "success", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := New(time.Second, nil)
			rec := newRec(true, func(ctx *types.Context, req *types.Request) (any, error) {
				return tc.result, nil
			})
			req := types.NewRequest("POST", "/fn", types.TriggerOnce)
			h.Execute(t.Context(), rec, req, nil, "e", "d")
			assert.Equal(t, tc.wantFlips, rec.Status.IsCompleted())
		})
	}
}

func TestExecute_NonHTTPTriggerPassesResultThrough(t *testing.T) {
	h := New(time.Second, nil)
	rec := newRec(false, func(ctx *types.Context, req *types.Request) (any, error) {
		return 42, nil
	})
	req := types.NewRequest("POST", "/fn", types.TriggerEvent)
	outcome := h.Execute(t.Context(), rec, req, nil, "e", "d")
	assert.Nil(t, outcome.Response)
	assert.Equal(t, 42, outcome.Result)
}
