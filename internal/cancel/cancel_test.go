package cancel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_CancelIsIdempotent(t *testing.T) {
	m := NewManager()
	assert.False(t, m.IsCancelled("sess_a"))

	m.Cancel("sess_a")
	m.Cancel("sess_a")
	assert.True(t, m.IsCancelled("sess_a"))
}

func TestManager_Subscribe_ReceivesBroadcast(t *testing.T) {
	m := NewManager()
	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	m.Cancel("sess_b")

	select {
	case got := <-ch:
		assert.Equal(t, "sess_b", got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation broadcast")
	}
}

func TestManager_UnrelatedSessionsDoNotCancel(t *testing.T) {
	m := NewManager()
	m.Cancel("sess_a")
	assert.False(t, m.IsCancelled("sess_other"))
}

func TestManager_Reset(t *testing.T) {
	m := NewManager()
	m.Cancel("sess_a")
	require.True(t, m.IsCancelled("sess_a"))
	m.Reset("sess_a")
	assert.False(t, m.IsCancelled("sess_a"))
}
