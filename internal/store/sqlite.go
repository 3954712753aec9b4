// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is RFC 3339 with fixed-width nanoseconds. Timestamps are stored
// as text and compared lexicographically in SQL (MAX(updated_at, ?), ORDER BY
// updated_at), which is only correct when every value has the same width;
// time.RFC3339Nano trims trailing zeros and breaks that.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers and keeps SQLITE_BUSY out of
	// transaction paths; concurrent callers queue on the pool instead.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			display_name  TEXT NOT NULL,
			avatar_url    TEXT,
			username      TEXT UNIQUE,
			phone         TEXT UNIQUE,
			password_hash TEXT,
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_users_phone ON users(phone);

		CREATE TABLE IF NOT EXISTS conversations (
			id            TEXT PRIMARY KEY,
			pair_key      TEXT NOT NULL,
			participant_a TEXT NOT NULL,
			participant_b TEXT NOT NULL,
			last_message  TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_pair
			ON conversations(pair_key);

		CREATE INDEX IF NOT EXISTS idx_conversations_participant_a
			ON conversations(participant_a, updated_at);
		CREATE INDEX IF NOT EXISTS idx_conversations_participant_b
			ON conversations(participant_b, updated_at);

		CREATE TABLE IF NOT EXISTS conversation_unread (
			conversation_id TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			count           INTEGER NOT NULL DEFAULT 0,

			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (count >= 0)
		);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			text            TEXT NOT NULL,
			seq             INTEGER NOT NULL,
			created_at      TEXT NOT NULL,

			UNIQUE (conversation_id, seq),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_seq
			ON messages(conversation_id, seq);

		CREATE TABLE IF NOT EXISTS login_codes (
			phone      TEXT PRIMARY KEY,
			code       TEXT NOT NULL,
			attempts   INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateUser inserts a new user record.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (id, display_name, avatar_url, username, phone, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		user.DisplayName,
		nullString(user.AvatarURL),
		nullString(user.Username),
		nullString(user.Phone),
		nullString(user.PasswordHash),
		user.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateUser
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Debug("created user", "id", user.ID, "phone", user.Phone)
	return nil
}

// nullString returns nil for empty strings, otherwise the string itself
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLiteStore) scanUser(row *sql.Row) (*User, error) {
	var user User
	var avatarURL, username, phone, passwordHash sql.NullString
	var createdAtStr string

	err := row.Scan(&user.ID, &user.DisplayName, &avatarURL, &username, &phone, &passwordHash, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}

	user.AvatarURL = avatarURL.String
	user.Username = username.String
	user.Phone = phone.String
	user.PasswordHash = passwordHash.String
	user.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &user, nil
}

// GetUser retrieves a user by ID.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, avatar_url, username, phone, password_hash, created_at
		FROM users WHERE id = ?
	`, id)
	return s.scanUser(row)
}

// GetUserByPhone retrieves a user by phone number.
// Returns ErrNotFound if no user is registered with that phone.
func (s *SQLiteStore) GetUserByPhone(ctx context.Context, phone string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, avatar_url, username, phone, password_hash, created_at
		FROM users WHERE phone = ?
	`, phone)
	return s.scanUser(row)
}

// GetUserByUsername retrieves a user by username.
// Returns ErrNotFound if no user has that username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, avatar_url, username, phone, password_hash, created_at
		FROM users WHERE username = ?
	`, username)
	return s.scanUser(row)
}

// UpdateUserProfile refreshes the mutable profile fields of a user.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) UpdateUserProfile(ctx context.Context, id, displayName, avatarURL string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET display_name = ?, avatar_url = ? WHERE id = ?
	`, displayName, nullString(avatarURL), id)
	if err != nil {
		return fmt.Errorf("updating user profile: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("updated user profile", "id", id)
	return nil
}

// ListUsers returns all users except excludeID, ordered by display name.
// Pass "" to list everyone.
func (s *SQLiteStore) ListUsers(ctx context.Context, excludeID string) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, avatar_url, username, phone, password_hash, created_at
		FROM users
		WHERE id != ?
		ORDER BY display_name
	`, excludeID)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var user User
		var avatarURL, username, phone, passwordHash sql.NullString
		var createdAtStr string

		if err := rows.Scan(&user.ID, &user.DisplayName, &avatarURL, &username, &phone, &passwordHash, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}

		user.AvatarURL = avatarURL.String
		user.Username = username.String
		user.Phone = phone.String
		user.PasswordHash = passwordHash.String
		user.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		users = append(users, &user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}
	return users, nil
}

// conversationColumns is the shared select list for conversation queries.
const conversationColumns = `id, pair_key, participant_a, participant_b, last_message, created_at, updated_at`

func (s *SQLiteStore) scanConversation(ctx context.Context, row *sql.Row) (*Conversation, error) {
	var conv Conversation
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&conv.ID,
		&conv.PairKey,
		&conv.ParticipantA,
		&conv.ParticipantB,
		&conv.LastMessage,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	if err := s.loadUnread(ctx, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// loadUnread populates the per-participant unread counters for a conversation.
func (s *SQLiteStore) loadUnread(ctx context.Context, conv *Conversation) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, count FROM conversation_unread WHERE conversation_id = ?
	`, conv.ID)
	if err != nil {
		return fmt.Errorf("querying unread counts: %w", err)
	}
	defer rows.Close()

	conv.Unread = make(map[string]int, 2)
	for rows.Next() {
		var userID string
		var count int
		if err := rows.Scan(&userID, &count); err != nil {
			return fmt.Errorf("scanning unread row: %w", err)
		}
		conv.Unread[userID] = count
	}
	return rows.Err()
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return s.scanConversation(ctx, row)
}

// GetConversationByPair retrieves the conversation for a canonical pair key.
// This uses the idx_conversations_pair index; there is at most one match.
// Returns ErrNotFound if the pair has no conversation yet.
func (s *SQLiteStore) GetConversationByPair(ctx context.Context, pairKey string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE pair_key = ?`, pairKey)
	return s.scanConversation(ctx, row)
}

// ListConversationsByUser returns all conversations involving userID,
// ordered by most recent activity first.
func (s *SQLiteStore) ListConversationsByUser(ctx context.Context, userID string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE participant_a = ? OR participant_b = ?
		ORDER BY updated_at DESC
	`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		var createdAtStr, updatedAtStr string

		if err := rows.Scan(
			&conv.ID,
			&conv.PairKey,
			&conv.ParticipantA,
			&conv.ParticipantB,
			&conv.LastMessage,
			&createdAtStr,
			&updatedAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}

		conv.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		conv.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}

		convs = append(convs, &conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	for _, conv := range convs {
		if err := s.loadUnread(ctx, conv); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

// CreateConversation creates a conversation, its unread counters, and the
// first message as one transaction. The caller sets the unread map; typically
// {sender: 0, recipient: 1}. Returns ErrDuplicateConversation if another
// conversation already holds the pair key, in which case nothing is written.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation, first *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	conv.LastMessage = first.Text

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, pair_key, participant_a, participant_b, last_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		conv.ID,
		conv.PairKey,
		conv.ParticipantA,
		conv.ParticipantB,
		conv.LastMessage,
		now.Format(timeLayout),
		now.Format(timeLayout),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	for userID, count := range conv.Unread {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_unread (conversation_id, user_id, count)
			VALUES (?, ?, ?)
		`, conv.ID, userID, count); err != nil {
			return fmt.Errorf("inserting unread counter: %w", err)
		}
	}

	first.Seq = 1
	first.CreatedAt = now
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, text, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		first.ID,
		conv.ID,
		first.SenderID,
		first.Text,
		first.Seq,
		now.Format(timeLayout),
	); err != nil {
		return fmt.Errorf("inserting first message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "pair_key", conv.PairKey)
	return nil
}

// AppendMessage appends a message and applies the conversation-side effects
// (preview, updated_at, recipient unread increment) as one transaction.
// The unread increment runs SQL-side so concurrent senders never lose counts.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message, recipientID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?
	`, msg.ConversationID).Scan(&seq)
	if err != nil {
		return fmt.Errorf("assigning sequence: %w", err)
	}

	now := time.Now().UTC()
	msg.Seq = seq
	msg.CreatedAt = now

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, text, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		msg.Text,
		msg.Seq,
		now.Format(timeLayout),
	); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	// updated_at must never move backwards; MAX keeps it monotonic even if
	// the wall clock does not cooperate.
	result, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message = ?, updated_at = MAX(updated_at, ?)
		WHERE id = ?
	`, msg.Text, now.Format(timeLayout), msg.ConversationID)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversation_unread
		SET count = count + 1
		WHERE conversation_id = ? AND user_id = ?
	`, msg.ConversationID, recipientID); err != nil {
		return fmt.Errorf("incrementing unread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("appended message",
		"id", msg.ID,
		"conversation_id", msg.ConversationID,
		"seq", msg.Seq)
	return nil
}

// ResetUnread zeroes the unread counter for userID in a conversation.
// Unknown conversations and non-participants affect zero rows, which is
// deliberately not an error.
func (s *SQLiteStore) ResetUnread(ctx context.Context, conversationID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversation_unread
		SET count = 0
		WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("resetting unread: %w", err)
	}
	return nil
}

// ListMessages returns messages with seq greater than afterSeq, ascending by
// seq. Seq is the authoritative order; created_at is display metadata only.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, afterSeq int64) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, text, seq, created_at
		FROM messages
		WHERE conversation_id = ? AND seq > ?
		ORDER BY seq ASC
	`, conversationID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var createdAtStr string

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Text, &msg.Seq, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// SaveLoginCode upserts the login code for a phone, resetting attempts.
func (s *SQLiteStore) SaveLoginCode(ctx context.Context, code *LoginCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO login_codes (phone, code, attempts, created_at, expires_at)
		VALUES (?, ?, 0, ?, ?)
	`,
		code.Phone,
		code.Code,
		code.CreatedAt.UTC().Format(timeLayout),
		code.ExpiresAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("saving login code: %w", err)
	}

	s.logger.Debug("saved login code", "phone", code.Phone)
	return nil
}

// GetLoginCode retrieves the login code for a phone.
// Returns ErrNotFound if no code was requested.
func (s *SQLiteStore) GetLoginCode(ctx context.Context, phone string) (*LoginCode, error) {
	var lc LoginCode
	var createdAtStr, expiresAtStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT phone, code, attempts, created_at, expires_at
		FROM login_codes WHERE phone = ?
	`, phone).Scan(&lc.Phone, &lc.Code, &lc.Attempts, &createdAtStr, &expiresAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying login code: %w", err)
	}

	lc.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	lc.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}

	return &lc, nil
}

// BumpLoginCodeAttempts increments the failed-attempt counter for a phone.
func (s *SQLiteStore) BumpLoginCodeAttempts(ctx context.Context, phone string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE login_codes SET attempts = attempts + 1 WHERE phone = ?
	`, phone)
	if err != nil {
		return fmt.Errorf("bumping login code attempts: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteLoginCode removes the login code for a phone. Deleting a code that
// does not exist is not an error.
func (s *SQLiteStore) DeleteLoginCode(ctx context.Context, phone string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM login_codes WHERE phone = ?`, phone); err != nil {
		return fmt.Errorf("deleting login code: %w", err)
	}
	return nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
