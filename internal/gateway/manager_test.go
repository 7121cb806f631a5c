package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrumdeck/internal/notify"
)

func TestSendAfterCloseDoesNotPanic(t *testing.T) {
	conn, _, _ := testConnection(t, "mod")

	conn.closeSend()
	conn.closeSend() // idempotent

	// A notice or poke landing after disconnect is dropped, not a panic on
	// a closed channel.
	conn.sendNotice(notify.Notice{Severity: notify.SeverityError, Title: "late"})
	conn.sendPoke()

	_, open := <-conn.Send
	assert.False(t, open)
}

func TestSlowClientEvictedOnFullBuffer(t *testing.T) {
	conn, _, _ := testConnection(t, "mod")

	for conn.trySend([]byte("frame")) {
	}

	// The buffer is full; a direct enqueue would evict. trySend itself
	// reports the condition without touching the channel state.
	require.False(t, conn.trySend([]byte("one more")))

	conn.closeSend()
	require.True(t, conn.trySend([]byte("after close")), "closed channel counts as delivered")
}
