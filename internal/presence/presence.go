// ABOUTME: Presence tracking for users with pluggable backends
// ABOUTME: Heartbeats mark a user online for a TTL window

package presence

import (
	"context"
	"sync"
	"time"
)

// Tracker records user heartbeats and answers online checks.
// A user is online while their last heartbeat is within the TTL window.
type Tracker interface {
	Heartbeat(ctx context.Context, userID string) error
	Online(ctx context.Context, userID string) (bool, error)
	Close() error
}

// MemoryTracker keeps heartbeats in process memory. Suitable for a single
// server instance; use the redis tracker when running more than one.
type MemoryTracker struct {
	mu   sync.RWMutex
	seen map[string]time.Time
	ttl  time.Duration
}

// NewMemoryTracker creates an in-process tracker with the given TTL
func NewMemoryTracker(ttl time.Duration) *MemoryTracker {
	return &MemoryTracker{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// Heartbeat marks the user as seen now
func (t *MemoryTracker) Heartbeat(_ context.Context, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[userID] = time.Now()
	return nil
}

// Online reports whether the user heartbeated within the TTL window
func (t *MemoryTracker) Online(_ context.Context, userID string) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	last, ok := t.seen[userID]
	if !ok {
		return false, nil
	}
	return time.Since(last) < t.ttl, nil
}

// Close releases the tracker. The memory tracker holds no resources.
func (t *MemoryTracker) Close() error {
	return nil
}
