// ABOUTME: In-memory fan-out of change notifications for subscription topics
// ABOUTME: Wakeups are coalesced; subscribers catch up from the store by cursor

package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Topic names. Conversation topics wake message streams, user topics wake
// conversation-list streams.
func conversationTopic(conversationID string) string { return "conv:" + conversationID }
func userTopic(userID string) string                 { return "user:" + userID }

// Broadcaster provides in-memory pub/sub of change wakeups. Subscribers
// register for a topic and get poked whenever something on it changed; they
// then read the new state from the store themselves. Wakeup channels have
// capacity one so back-to-back publishes coalesce instead of queueing.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan struct{} // topic -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan struct{}),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for wakeups on the given topic.
// Returns the wakeup channel and a subscription ID for later unsubscription.
// The subscription is automatically cleaned up when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, topic string) (<-chan struct{}, string) {
	subID := uuid.New().String()
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan struct{})
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, subID)
	}()

	return ch, subID
}

// Publish wakes all subscribers of the given topic. Never blocks: a
// subscriber whose wakeup is already pending needs no second one.
// The read lock is held across the sends. They cannot block (capacity-one
// channels, select with default), and Unsubscribe/Close only close channels
// under the write lock, so a send can never hit a closed channel.
func (b *Broadcaster) Publish(topic string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[topic] {
		select {
		case ch <- struct{}{}:
			// Sent
		default:
			// Wakeup already pending; coalesce
		}
	}
}

// Unsubscribe removes a subscription and closes its wakeup channel.
func (b *Broadcaster) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	// Clean up empty topic entries
	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}

	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}

	b.logger.Debug("broadcaster closed")
}
