package bootstrap

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tarsy-labs/funcrun/internal/harness"
	"github.com/tarsy-labs/funcrun/internal/registry"
	"github.com/tarsy-labs/funcrun/internal/types"
)

type stubHandler struct {
	calls  *int
	result any
}

func (h stubHandler) Describe() types.Metadata { return types.Metadata{RunOnce: true} }
func (h stubHandler) Call(ctx *types.Context, req *types.Request) (any, error) {
	*h.calls++
	return h.result, nil
}

func TestRunPending_SkipsAlreadyCompleted(t *testing.T) {
	dir := t.TempDir()
	loader := registry.NewStaticLoader()
	reg := registry.New(dir, loader, nil, nil)

	calls := 0
	writeStub(t, dir, "seed")
	loader.Register(dir+"/seed.so", stubHandler{calls: &calls, result: map[string]any{"success": true}})

	_, err := reg.ScanAndReload(t.Context())
	assert.NoError(t, err)

	h := harness.New(time.Second, nil)
	runner := New(reg, h)

	runner.RunPending(t.Context())
	assert.Equal(t, 1, calls)

	runner.RunPending(t.Context())
	assert.Equal(t, 1, calls, "completed run_once must not re-fire on next bootstrap pass")
}

func TestRunPending_LeavesEligibleOnNonSuccess(t *testing.T) {
	dir := t.TempDir()
	loader := registry.NewStaticLoader()
	reg := registry.New(dir, loader, nil, nil)

	calls := 0
	writeStub(t, dir, "seed")
	loader.Register(dir+"/seed.so", stubHandler{calls: &calls, result: map[string]any{"success": false}})

	_, err := reg.ScanAndReload(t.Context())
	assert.NoError(t, err)

	h := harness.New(time.Second, nil)
	runner := New(reg, h)

	runner.RunPending(t.Context())
	runner.RunPending(t.Context())
	assert.Equal(t, 2, calls, "non-success result must leave the function eligible for retry")
}

func writeStub(t *testing.T, dir, name string) {
	t.Helper()
	f, err := os.Create(dir + "/" + name + ".so")
	assert.NoError(t, err)
	_ = f.Close()
}
