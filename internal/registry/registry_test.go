package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarsy-labs/funcrun/internal/eventbus"
	"github.com/tarsy-labs/funcrun/internal/types"
)

type fakeHandler struct {
	meta types.Metadata
}

func (f fakeHandler) Describe() types.Metadata { return f.meta }
func (f fakeHandler) Call(ctx *types.Context, req *types.Request) (any, error) {
	return map[string]any{"ok": true}, nil
}

type fakeEvents struct {
	cleared    []string
	subscribed []string
}

func (f *fakeEvents) Clear(event string) { f.cleared = append(f.cleared, event) }
func (f *fakeEvents) Subscribe(event string, listener func(ctx context.Context, data []byte)) {
	f.subscribed = append(f.subscribed, event)
}

func writeStub(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name+".so")
	require.NoError(t, os.WriteFile(path, []byte("stub"), 0o644))
	return path
}

func TestScanAndReload_SkipsLoadFailuresAndPreservesOthers(t *testing.T) {
	dir := t.TempDir()
	goodPath := writeStub(t, dir, "good")
	badPath := writeStub(t, dir, "bad")

	loader := NewStaticLoader()
	loader.Register(goodPath, fakeHandler{meta: types.Metadata{Description: "ok"}})
	// "bad" intentionally left unregistered so Load fails for it.
	_ = badPath

	reg := New(dir, loader, nil, nil)
	count, err := reg.ScanAndReload(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.True(t, reg.Has("good"))
	assert.False(t, reg.Has("bad"))
}

func TestScanAndReload_PreservesCompletedSetAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := writeStub(t, dir, "seed")
	loader := NewStaticLoader()
	loader.Register(path, fakeHandler{meta: types.Metadata{RunOnce: true}})

	reg := New(dir, loader, nil, nil)
	_, err := reg.ScanAndReload(t.Context())
	require.NoError(t, err)

	rec, ok := reg.Get("seed")
	require.True(t, ok)
	assert.False(t, rec.Status.IsCompleted())

	reg.MarkCompletedOnce("seed")

	_, err = reg.ScanAndReload(t.Context())
	require.NoError(t, err)
	rec, ok = reg.Get("seed")
	require.True(t, ok)
	assert.True(t, rec.Status.IsCompleted(), "has_completed must be preserved across reload")
}

func TestStatusMarkCompleted_PersistsAcrossReloadWithoutManualRegistryCall(t *testing.T) {
	dir := t.TempDir()
	path := writeStub(t, dir, "seed")
	loader := NewStaticLoader()
	loader.Register(path, fakeHandler{meta: types.Metadata{RunOnce: true}})

	reg := New(dir, loader, nil, nil)
	_, err := reg.ScanAndReload(t.Context())
	require.NoError(t, err)

	rec, ok := reg.Get("seed")
	require.True(t, ok)
	rec.Status.MarkCompleted()

	_, err = reg.ScanAndReload(t.Context())
	require.NoError(t, err)
	rec, ok = reg.Get("seed")
	require.True(t, ok)
	assert.True(t, rec.Status.IsCompleted(), "MarkCompleted on the in-memory Status must propagate to the registry's persistent completed set")
}

func TestScanAndReload_RebindsEventListenersWithoutDuplication(t *testing.T) {
	dir := t.TempDir()
	path := writeStub(t, dir, "onCreated")
	loader := NewStaticLoader()
	loader.Register(path, fakeHandler{meta: types.Metadata{Triggers: []types.Trigger{types.EventTrigger{Event: "user.created"}}}})

	events := &fakeEvents{}
	reg := New(dir, loader, events, nil)

	_, err := reg.ScanAndReload(t.Context())
	require.NoError(t, err)
	_, err = reg.ScanAndReload(t.Context())
	require.NoError(t, err)

	assert.Equal(t, 2, len(events.cleared), "each reload clears before rebinding")
	assert.Equal(t, 2, len(events.subscribed))
}

func TestScanAndReload_SharedEventNameGetsOneListenerPerFunction(t *testing.T) {
	// Regression test: binding each record's events in its own clear-then-
	// subscribe step (rather than clearing every referenced event name once
	// up front, across the whole batch) let a later record's Clear wipe out
	// an earlier record's freshly-bound listener whenever two functions
	// declared the same event trigger.
	dir := t.TempDir()
	pathA := writeStub(t, dir, "onCreatedA")
	pathB := writeStub(t, dir, "onCreatedB")
	loader := NewStaticLoader()
	loader.Register(pathA, fakeHandler{meta: types.Metadata{Triggers: []types.Trigger{types.EventTrigger{Event: "user.created"}}}})
	loader.Register(pathB, fakeHandler{meta: types.Metadata{Triggers: []types.Trigger{types.EventTrigger{Event: "user.created"}}}})

	bus := eventbus.New()
	reg := New(dir, loader, bus, nil)
	var dispatched []string
	reg.OnEventDispatch = func(ctx context.Context, rec *FunctionRecord, event string, data []byte) {
		assert.Equal(t, "user.created", event)
		dispatched = append(dispatched, rec.Name)
	}

	_, err := reg.ScanAndReload(t.Context())
	require.NoError(t, err)

	bus.Emit(t.Context(), "user.created", []byte(`{}`))
	assert.ElementsMatch(t, []string{"onCreatedA", "onCreatedB"}, dispatched,
		"both functions sharing the event trigger must still be invoked")

	dispatched = nil
	_, err = reg.ScanAndReload(t.Context())
	require.NoError(t, err)
	bus.Emit(t.Context(), "user.created", []byte(`{}`))
	assert.ElementsMatch(t, []string{"onCreatedA", "onCreatedB"}, dispatched,
		"a reload must not duplicate or drop listeners for a shared event name")
}

func TestDeployAndUndeploy(t *testing.T) {
	dir := t.TempDir()
	loader := NewStaticLoader()
	reg := New(dir, loader, nil, nil)

	loader.Register(filepath.Join(dir, "hello.so"), fakeHandler{})
	count, err := reg.Deploy(t.Context(), "hello", []byte("binary"), map[string]string{"K": "V"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	rec, ok := reg.Get("hello")
	require.True(t, ok)
	assert.Equal(t, "V", rec.EnvVars["K"])

	count, err = reg.Undeploy(t.Context(), "hello")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.False(t, reg.Has("hello"))
}

func TestDeploy_RequiresNameAndCode(t *testing.T) {
	reg := New(t.TempDir(), NewStaticLoader(), nil, nil)
	_, err := reg.Deploy(t.Context(), "", []byte("x"), nil)
	assert.Error(t, err)
	_, err = reg.Deploy(t.Context(), "name", nil, nil)
	assert.Error(t, err)
}

func TestFunctionRecord_HTTPMethodsDefaultsAndUnion(t *testing.T) {
	rec := &FunctionRecord{Triggers: []types.Trigger{types.HTTPTrigger{}}}
	assert.ElementsMatch(t, types.DefaultHTTPMethods, rec.HTTPMethods())

	rec2 := &FunctionRecord{Triggers: []types.Trigger{
		types.HTTPTrigger{Methods: []string{"GET"}},
		types.HTTPTrigger{Methods: []string{"POST", "GET"}},
	}}
	assert.ElementsMatch(t, []string{"GET", "POST"}, rec2.HTTPMethods())

	rec3 := &FunctionRecord{Triggers: []types.Trigger{types.EventTrigger{Event: "x"}}}
	assert.Nil(t, rec3.HTTPMethods())
}

func TestFunctionRecord_DatabaseTriggerChannelDefault(t *testing.T) {
	rec := &FunctionRecord{Triggers: []types.Trigger{types.DatabaseTrigger{Table: "users"}}}
	dts := rec.DatabaseTriggers()
	require.Len(t, dts, 1)
	assert.Equal(t, "users_changes", dts[0].Channel)
}
