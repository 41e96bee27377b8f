package notify_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	acp "github.com/coder/acp-go-sdk"

	"github.com/kandev/claude-acp-proxy/internal/notify"
)

func TestBus_PublishFansOutToAllSubscribers(t *testing.T) {
	bus := notify.NewBus()

	ch1, unsub1 := bus.Subscribe()
	defer unsub1()
	ch2, unsub2 := bus.Subscribe()
	defer unsub2()

	n := acp.SessionNotification{SessionId: acp.SessionId("sess-1")}
	bus.Publish(n)

	select {
	case got := <-ch1:
		assert.Equal(t, n.SessionId, got.SessionId)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber 1")
	}
	select {
	case got := <-ch2:
		assert.Equal(t, n.SessionId, got.SessionId)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber 2")
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := notify.NewBus()
	ch, unsub := bus.Subscribe()
	unsub()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestBus_ShutdownClosesAllSubscribers(t *testing.T) {
	bus := notify.NewBus()
	ch1, _ := bus.Subscribe()
	ch2, _ := bus.Subscribe()

	bus.Shutdown()

	_, ok1 := <-ch1
	_, ok2 := <-ch2
	assert.False(t, ok1)
	assert.False(t, ok2)
}

func TestBus_ShutdownIsIdempotent(t *testing.T) {
	bus := notify.NewBus()
	bus.Subscribe()
	require.NotPanics(t, func() {
		bus.Shutdown()
		bus.Shutdown()
	})
}

func TestBus_PublishAfterShutdownIsNoop(t *testing.T) {
	bus := notify.NewBus()
	bus.Shutdown()
	require.NotPanics(t, func() {
		bus.Publish(acp.SessionNotification{SessionId: acp.SessionId("sess-1")})
	})
}

func TestBus_NoSubscribersDoesNotBlock(t *testing.T) {
	bus := notify.NewBus()
	done := make(chan struct{})
	go func() {
		bus.Publish(acp.SessionNotification{SessionId: acp.SessionId("sess-1")})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish with no subscribers blocked")
	}
}
