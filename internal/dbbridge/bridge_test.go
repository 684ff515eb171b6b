package dbbridge

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuoteLiteral(t *testing.T) {
	assert.Equal(t, "'orders'", quoteLiteral("orders"))
}

func TestBridge_ConnectedIsFalseBeforeStart(t *testing.T) {
	b := New("postgres://example/ignored")
	assert.False(t, b.Connected())
	assert.Empty(t, b.ListenedChannels())
}

func TestDispatch_InvokesAllHandlersAndRecoversFromNonJSONPayload(t *testing.T) {
	b := New("postgres://example/ignored")

	var mu sync.Mutex
	var gotChannel string
	var gotPayload []byte
	calls := 0

	b.OnNotify(func(ctx context.Context, channel string, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		gotChannel = channel
		gotPayload = payload
	})

	b.dispatch(t.Context(), "orders_changes", []byte("not-json"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.Equal(t, "orders_changes", gotChannel)
	assert.JSONEq(t, `{"raw":"not-json"}`, string(gotPayload))
}
