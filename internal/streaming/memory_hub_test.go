package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event, err := NewEvent("workflow:wf-1", "state_changed", map[string]any{"step": "verify"})
	require.NoError(t, err)
	require.NoError(t, hub.Publish(ctx, event))

	select {
	case got := <-ch:
		assert.Equal(t, "workflow:wf-1", got.Topic)
		assert.Equal(t, "state_changed", got.EventType)
		assert.JSONEq(t, `{"step":"verify"}`, string(got.Payload))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestFilterByTopic(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{Topic: "training:u1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{Topic: "training:u1", EventType: "eta_update"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{Topic: "training:u2", EventType: "eta_update"}))

	select {
	case got := <-ch:
		assert.Equal(t, "training:u1", got.Topic)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{"standby", "status_update"}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{Topic: "t", EventType: "standby"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{Topic: "t", EventType: "eta_update"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{Topic: "t", EventType: "status_update"}))

	var received []string
	for range 2 {
		select {
		case got := <-ch:
			received = append(received, got.EventType)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Equal(t, []string{"standby", "status_update"}, received)
}

func TestCancelSubscriptionClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Subscribers())
	require.NoError(t, hub.Publish(ctx, StreamEvent{Topic: "t", EventType: "x"}))
}

func TestBackpressureDrops(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for range defaultChannelBuffer + 10 {
		require.NoError(t, hub.Publish(ctx, StreamEvent{Topic: "t", EventType: "tick"}))
	}

	assert.Len(t, ch, defaultChannelBuffer)
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = hub.Publish(ctx, StreamEvent{Topic: "t", EventType: "tick"})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{Topic: "t"})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, StreamEvent{Topic: "t"}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}
