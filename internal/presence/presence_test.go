// ABOUTME: Tests for the in-process presence tracker
// ABOUTME: Covers heartbeat visibility and TTL expiry

package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTracker_HeartbeatMakesOnline(t *testing.T) {
	tracker := NewMemoryTracker(time.Minute)
	ctx := context.Background()

	online, err := tracker.Online(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, tracker.Heartbeat(ctx, "alice"))

	online, err = tracker.Online(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)

	// Other users are unaffected
	online, err = tracker.Online(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestMemoryTracker_TTLExpiry(t *testing.T) {
	tracker := NewMemoryTracker(20 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, tracker.Heartbeat(ctx, "alice"))

	online, err := tracker.Online(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)

	time.Sleep(40 * time.Millisecond)

	online, err = tracker.Online(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, online)
}

func TestMemoryTracker_HeartbeatRefreshes(t *testing.T) {
	tracker := NewMemoryTracker(50 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, tracker.Heartbeat(ctx, "alice"))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, tracker.Heartbeat(ctx, "alice"))
	time.Sleep(30 * time.Millisecond)

	online, err := tracker.Online(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, online)
}
