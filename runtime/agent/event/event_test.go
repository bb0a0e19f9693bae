package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitDeliversToStream(t *testing.T) {
	c := New("trace-1", 4)
	err := c.Emit(context.Background(), Event{Kind: KindTextDelta, Payload: "hi"})
	require.NoError(t, err)

	select {
	case ev := <-c.Events():
		assert.Equal(t, KindTextDelta, ev.Kind)
		assert.Equal(t, "trace-1", ev.TraceID)
		assert.NotEmpty(t, ev.EventID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEmitAndAwaitBlocksUntilRespond(t *testing.T) {
	c := New("trace-1", 4)
	ctx := context.Background()

	resultCh := make(chan any, 1)
	go func() {
		v, err := c.EmitAndAwait(ctx, Event{Kind: KindPermissionRequest, RequestID: "req-1"})
		require.NoError(t, err)
		resultCh <- v
	}()

	ev := <-c.Events()
	assert.True(t, ev.IsBidirectional())
	assert.Equal(t, "req-1", ev.RequestID)

	require.NoError(t, c.Respond("req-1", "allow_once"))

	select {
	case v := <-resultCh:
		assert.Equal(t, "allow_once", v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for EmitAndAwait to unblock")
	}
}

func TestRespondTwiceFails(t *testing.T) {
	c := New("trace-1", 4)
	ctx := context.Background()
	go func() { _, _ = c.EmitAndAwait(ctx, Event{RequestID: "req-1"}) }()
	<-c.Events()

	require.NoError(t, c.Respond("req-1", 1))
	err := c.Respond("req-1", 2)
	assert.Error(t, err)
}

func TestEmitAndAwaitTimesOutWithContext(t *testing.T) {
	c := New("trace-1", 4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	go func() { <-c.Events() }()

	_, err := c.EmitAndAwait(ctx, Event{RequestID: "req-2"})
	assert.Error(t, err)
}

func TestCloseEndsStream(t *testing.T) {
	c := New("trace-1", 1)
	c.Close()
	_, ok := <-c.Events()
	assert.False(t, ok)

	err := c.Emit(context.Background(), Event{})
	assert.Error(t, err)
}
