// ABOUTME: Core messaging engine: send, conversation resolution, unread, read receipts
// ABOUTME: Serializes per-pair sends and lazily creates conversations on first message

package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relieflink/relieflink/internal/dedupe"
	"github.com/relieflink/relieflink/internal/presence"
	"github.com/relieflink/relieflink/internal/store"
)

// Engine errors
var (
	// ErrInvalidArgument covers empty/oversized text and self-sends
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDuplicateSend is returned when a client send reference was
	// already processed within the dedupe window
	ErrDuplicateSend = errors.New("duplicate send")
)

// MaxMessageLength bounds message text after trimming
const MaxMessageLength = 500

// ConversationSummary is one entry in a user's conversation list: the
// conversation as seen from that user's side.
type ConversationSummary struct {
	ConversationID string
	Peer           *store.User
	PeerOnline     bool
	LastMessage    string
	Unread         int
	UpdatedAt      time.Time
}

// Engine coordinates message persistence, conversation resolution, and
// change fan-out to subscribers.
type Engine struct {
	store       store.Store
	broadcaster *Broadcaster
	presence    presence.Tracker
	sendDedupe  *dedupe.Cache
	logger      *slog.Logger

	// pairLocks serializes sends per participant pair so lazy conversation
	// creation races resolve locally; the UNIQUE pair index in the store is
	// the backstop for multi-instance deployments.
	pairMu    sync.Mutex
	pairLocks map[string]*pairLock
}

type pairLock struct {
	mu   sync.Mutex
	refs int
}

// NewEngine creates a messaging engine. dedupeWindow bounds how long a
// client send reference suppresses retries of the same send.
func NewEngine(st store.Store, tracker presence.Tracker, dedupeWindow time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:       st,
		broadcaster: NewBroadcaster(logger),
		presence:    tracker,
		sendDedupe:  dedupe.New(dedupeWindow, 10000),
		logger:      logger.With("component", "messaging"),
		pairLocks:   make(map[string]*pairLock),
	}
}

// lockPair acquires the mutex for a participant pair, creating it on first
// use and dropping it again when the last holder releases.
func (e *Engine) lockPair(pairKey string) func() {
	e.pairMu.Lock()
	pl, ok := e.pairLocks[pairKey]
	if !ok {
		pl = &pairLock{}
		e.pairLocks[pairKey] = pl
	}
	pl.refs++
	e.pairMu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		e.pairMu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(e.pairLocks, pairKey)
		}
		e.pairMu.Unlock()
	}
}

// Send delivers a message from senderID to recipientID. The conversation is
// created on first contact; its first message commits in the same
// transaction, so no empty conversation is ever visible. clientRef is an
// optional client-chosen token making retries idempotent.
func (e *Engine) Send(ctx context.Context, senderID, recipientID, text, clientRef string) (*store.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: message text is empty", ErrInvalidArgument)
	}
	if len([]rune(text)) > MaxMessageLength {
		return nil, fmt.Errorf("%w: message text exceeds %d characters", ErrInvalidArgument, MaxMessageLength)
	}
	if senderID == recipientID {
		return nil, fmt.Errorf("%w: cannot send a message to yourself", ErrInvalidArgument)
	}

	if _, err := e.store.GetUser(ctx, recipientID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("recipient %s: %w", recipientID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("looking up recipient: %w", err)
	}

	dedupeKey := ""
	if clientRef != "" {
		dedupeKey = senderID + ":" + clientRef
		if e.sendDedupe.Seen(dedupeKey) {
			return nil, ErrDuplicateSend
		}
	}

	pairKey := store.PairKey(senderID, recipientID)
	unlock := e.lockPair(pairKey)
	defer unlock()

	// Re-check under the pair lock so two in-flight sends with the same ref
	// cannot both commit.
	if dedupeKey != "" && e.sendDedupe.Seen(dedupeKey) {
		return nil, ErrDuplicateSend
	}

	msg := &store.Message{
		ID:       uuid.New().String(),
		SenderID: senderID,
		Text:     text,
	}

	conv, err := e.store.GetConversationByPair(ctx, pairKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
		conv, err = e.createConversation(ctx, pairKey, senderID, recipientID, msg)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("resolving conversation: %w", err)
	default:
		msg.ConversationID = conv.ID
		if err := e.store.AppendMessage(ctx, msg, recipientID); err != nil {
			return nil, fmt.Errorf("appending message: %w", err)
		}
	}

	// Mark the ref only once the message is committed; a failed store write
	// must leave the retry path open.
	if dedupeKey != "" {
		e.sendDedupe.Mark(dedupeKey)
	}

	e.broadcaster.Publish(conversationTopic(conv.ID))
	e.broadcaster.Publish(userTopic(senderID))
	e.broadcaster.Publish(userTopic(recipientID))

	e.logger.Info("message sent",
		"conversation_id", conv.ID,
		"sender_id", senderID,
		"seq", msg.Seq)
	return msg, nil
}

// createConversation creates the conversation and first message, recovering
// to an append when another sender created the pair's conversation first.
func (e *Engine) createConversation(ctx context.Context, pairKey, senderID, recipientID string, msg *store.Message) (*store.Conversation, error) {
	conv := &store.Conversation{
		ID:           uuid.New().String(),
		PairKey:      pairKey,
		ParticipantA: senderID,
		ParticipantB: recipientID,
		Unread: map[string]int{
			senderID:    0,
			recipientID: 1,
		},
	}
	msg.ConversationID = conv.ID

	err := e.store.CreateConversation(ctx, conv, msg)
	if err == nil {
		e.logger.Info("created conversation", "conversation_id", conv.ID, "pair_key", pairKey)
		return conv, nil
	}
	if !errors.Is(err, store.ErrDuplicateConversation) {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	// Lost the creation race to another instance; the winner's conversation
	// holds the pair key now, so append there instead.
	conv, err = e.store.GetConversationByPair(ctx, pairKey)
	if err != nil {
		return nil, fmt.Errorf("recovering conversation after duplicate: %w", err)
	}
	msg.ConversationID = conv.ID
	if err := e.store.AppendMessage(ctx, msg, recipientID); err != nil {
		return nil, fmt.Errorf("appending message: %w", err)
	}
	return conv, nil
}

// FindConversation resolves the conversation between two users without
// creating one. Returns store.ErrNotFound if they have never messaged.
func (e *Engine) FindConversation(ctx context.Context, userA, userB string) (*store.Conversation, error) {
	return e.store.GetConversationByPair(ctx, store.PairKey(userA, userB))
}

// MarkRead zeroes userID's unread counter for the conversation. Unknown
// conversations and non-participants are silently ignored so read receipts
// never fail a client.
func (e *Engine) MarkRead(ctx context.Context, conversationID, userID string) error {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("looking up conversation: %w", err)
	}
	if !conv.HasParticipant(userID) {
		return nil
	}

	if err := e.store.ResetUnread(ctx, conversationID, userID); err != nil {
		return fmt.Errorf("resetting unread: %w", err)
	}

	e.broadcaster.Publish(userTopic(userID))
	return nil
}

// ListMessages returns a participant's view of the message log, ascending,
// with Seq > afterSeq. Non-participants get store.ErrNotFound so they cannot
// distinguish a hidden conversation from a missing one.
func (e *Engine) ListMessages(ctx context.Context, conversationID, userID string, afterSeq int64) ([]*store.Message, error) {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, store.ErrNotFound
	}
	return e.store.ListMessages(ctx, conversationID, afterSeq)
}

// ListConversations returns the user's conversation list, most recent
// activity first, with peer profile, presence, and the caller's unread count.
func (e *Engine) ListConversations(ctx context.Context, userID string) ([]*ConversationSummary, error) {
	convs, err := e.store.ListConversationsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	summaries := make([]*ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		summary, err := e.summarize(ctx, conv, userID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (e *Engine) summarize(ctx context.Context, conv *store.Conversation, userID string) (*ConversationSummary, error) {
	peerID := conv.OtherParticipant(userID)

	peer, err := e.store.GetUser(ctx, peerID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up peer %s: %w", peerID, err)
	}
	if peer == nil {
		// Deleted account; keep the conversation visible with a placeholder
		peer = &store.User{ID: peerID, DisplayName: "Unknown"}
	}

	online := false
	if e.presence != nil {
		online, err = e.presence.Online(ctx, peerID)
		if err != nil {
			// Presence is best effort; a dead tracker must not hide conversations
			e.logger.Warn("presence check failed", "user_id", peerID, "error", err)
			online = false
		}
	}

	return &ConversationSummary{
		ConversationID: conv.ID,
		Peer:           peer,
		PeerOnline:     online,
		LastMessage:    conv.LastMessage,
		Unread:         conv.Unread[userID],
		UpdatedAt:      conv.UpdatedAt,
	}, nil
}

// Close releases engine resources
func (e *Engine) Close() {
	e.broadcaster.Close()
	e.sendDedupe.Close()
}
