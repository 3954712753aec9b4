// ABOUTME: Store interface and data types for relieflink persistence
// ABOUTME: Defines User, Conversation, Message structs and the Store interface

package store

import (
	"context"
	"errors"
	"sort"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when trying to create a conversation
// for a participant pair that already has one
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrDuplicateUser is returned when creating a user whose username or phone
// is already taken
var ErrDuplicateUser = errors.New("user already exists")

// User is a profile record mirrored from the identity layer.
// The messaging core treats users as read-mostly: only profile refresh
// updates them.
type User struct {
	ID           string
	DisplayName  string
	AvatarURL    string
	Username     string
	Phone        string
	PasswordHash string
	CreatedAt    time.Time
}

// Conversation is a two-participant container for an ordered message log.
// Participants are stored sorted so (A,B) and (B,A) map to the same record;
// PairKey is the canonical form and carries a UNIQUE constraint.
type Conversation struct {
	ID           string
	PairKey      string
	ParticipantA string
	ParticipantB string
	LastMessage  string
	Unread       map[string]int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}

// OtherParticipant returns the participant that is not userID.
// Returns "" if userID is not a participant.
func (c *Conversation) OtherParticipant(userID string) string {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	}
	return ""
}

// PairKey builds the canonical key for an unordered participant pair.
func PairKey(userA, userB string) string {
	ids := []string{userA, userB}
	sort.Strings(ids)
	return ids[0] + "|" + ids[1]
}

// Message is one immutable entry in a conversation's log. Seq and CreatedAt
// are assigned by the store at write time; Seq is strictly increasing within
// a conversation and breaks ties between equal timestamps.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Text           string
	Seq            int64
	CreatedAt      time.Time
}

// LoginCode is a short-lived one-time login code for a phone number.
// One row per phone; requesting a new code replaces the old one.
type LoginCode struct {
	Phone     string
	Code      string
	Attempts  int
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store defines the interface for user, conversation and message persistence
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByPhone(ctx context.Context, phone string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	UpdateUserProfile(ctx context.Context, id, displayName, avatarURL string) error
	ListUsers(ctx context.Context, excludeID string) ([]*User, error)

	// Conversations
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationByPair(ctx context.Context, pairKey string) (*Conversation, error)
	ListConversationsByUser(ctx context.Context, userID string) ([]*Conversation, error)

	// CreateConversation commits the conversation record, its unread
	// counters, and the first message in a single transaction. Returns
	// ErrDuplicateConversation if the pair already has a conversation;
	// nothing is written in that case.
	CreateConversation(ctx context.Context, conv *Conversation, first *Message) error

	// AppendMessage commits the message, the conversation preview/updatedAt
	// refresh, and the recipient's unread increment in a single transaction.
	// Seq and CreatedAt are assigned by the store and set on msg before return.
	AppendMessage(ctx context.Context, msg *Message, recipientID string) error

	// ResetUnread zeroes userID's unread counter. Missing conversations and
	// non-participants are a no-op, not an error.
	ResetUnread(ctx context.Context, conversationID, userID string) error

	// ListMessages returns messages with Seq > afterSeq in ascending order.
	// afterSeq = 0 returns the full history.
	ListMessages(ctx context.Context, conversationID string, afterSeq int64) ([]*Message, error)

	// Login codes
	SaveLoginCode(ctx context.Context, code *LoginCode) error
	GetLoginCode(ctx context.Context, phone string) (*LoginCode, error)
	BumpLoginCodeAttempts(ctx context.Context, phone string) error
	DeleteLoginCode(ctx context.Context, phone string) error

	// Close releases any resources held by the store
	Close() error
}
