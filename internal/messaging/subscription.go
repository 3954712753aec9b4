// ABOUTME: Live subscription streams for message logs and conversation lists
// ABOUTME: Snapshot first, then cursor catch-up on each wakeup; no gaps, no blocking

package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/relieflink/relieflink/internal/store"
)

// SubscribeMessages streams the message log of a conversation to a
// participant. The first batch is the full history; later batches carry
// messages appended since the previous batch, in order. Commits are never
// blocked by a slow consumer: wakeups coalesce and the subscriber catches
// up from its sequence cursor, so bursts arrive as one batch but nothing
// is skipped. The returned channel closes when ctx is cancelled.
func (e *Engine) SubscribeMessages(ctx context.Context, conversationID, userID string) (<-chan []*store.Message, error) {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, store.ErrNotFound
	}

	// Register before the snapshot so nothing committed in between is missed
	wakeup, subID := e.broadcaster.Subscribe(ctx, conversationTopic(conversationID))

	out := make(chan []*store.Message)
	go func() {
		defer close(out)
		defer e.broadcaster.Unsubscribe(conversationTopic(conversationID), subID)

		var cursor int64
		for {
			batch, err := e.store.ListMessages(ctx, conversationID, cursor)
			if err != nil {
				e.logger.Error("message catch-up failed",
					"conversation_id", conversationID,
					"error", err)
				return
			}
			if len(batch) > 0 {
				select {
				case out <- batch:
					cursor = batch[len(batch)-1].Seq
				case <-ctx.Done():
					return
				}
			}

			select {
			case _, ok := <-wakeup:
				if !ok {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// SubscribeConversations streams a user's conversation list. The full list
// is re-emitted whenever any of the user's conversations changes, already
// ordered by most recent activity. The returned channel closes when ctx is
// cancelled.
func (e *Engine) SubscribeConversations(ctx context.Context, userID string) (<-chan []*ConversationSummary, error) {
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	wakeup, subID := e.broadcaster.Subscribe(ctx, userTopic(userID))

	out := make(chan []*ConversationSummary)
	go func() {
		defer close(out)
		defer e.broadcaster.Unsubscribe(userTopic(userID), subID)

		for {
			summaries, err := e.ListConversations(ctx, userID)
			if err != nil {
				e.logger.Error("conversation list refresh failed",
					"user_id", userID,
					"error", err)
				return
			}

			select {
			case out <- summaries:
			case <-ctx.Done():
				return
			}

			select {
			case _, ok := <-wakeup:
				if !ok {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
