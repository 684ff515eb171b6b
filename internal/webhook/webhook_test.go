package webhook

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tarsy-labs/funcrun/internal/harness"
	"github.com/tarsy-labs/funcrun/internal/registry"
	"github.com/tarsy-labs/funcrun/internal/types"
)

type captureHandler struct {
	mu      sync.Mutex
	gotEnv  map[string]string
	gotBody []byte
	done    chan struct{}
}

func (h *captureHandler) Describe() types.Metadata { return types.Metadata{} }
func (h *captureHandler) Call(ctx *types.Context, req *types.Request) (any, error) {
	h.mu.Lock()
	h.gotEnv = ctx.Env
	h.gotBody = req.Bytes()
	h.mu.Unlock()
	close(h.done)
	return map[string]any{"ok": true}, nil
}

func TestDeliver_OverridesEnvPerInvocation(t *testing.T) {
	handler := &captureHandler{done: make(chan struct{})}
	rec := &registry.FunctionRecord{
		Name:    "hook",
		Handler: handler,
		EnvVars: map[string]string{"BASE": "1", "SHARED": "fn"},
		Status:  &registry.Status{},
	}

	h := harness.New(time.Second, nil)
	exec := New(h)
	exec.Deliver(t.Context(), rec, []byte(`{"x":1}`), map[string]string{"SHARED": "override", "EXTRA": "2"}, "e1", "d1")

	select {
	case <-handler.done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked in time")
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, "1", handler.gotEnv["BASE"])
	assert.Equal(t, "override", handler.gotEnv["SHARED"], "per-invocation env must override the function default")
	assert.Equal(t, "2", handler.gotEnv["EXTRA"])
	assert.JSONEq(t, `{"x":1}`, string(handler.gotBody))
}
