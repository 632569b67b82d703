package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/howard-nolan/llmgateway/internal/chat"
)

// DefaultTitle names a conversation created without one.
const DefaultTitle = "New Conversation"

const conversationColumns = `id, user_id, title, provider, model, system_prompt, settings,
	message_count, last_message_at, created_at`

const messageColumns = `id, conversation_id, user_id, role, content, tokens_used,
	attachments, metadata, created_at`

// CreateConversation stores a new conversation and returns it with ID and
// CreatedAt filled in.
func (s *Store) CreateConversation(ctx context.Context, c chat.Conversation) (*chat.Conversation, error) {
	if c.UserID == "" || c.Provider == "" || c.Model == "" {
		return nil, errors.New("sqlite: conversation needs user_id, provider and model")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if strings.TrimSpace(c.Title) == "" {
		c.Title = DefaultTitle
	}
	c.CreatedAt = s.now()
	c.MessageCount = 0
	c.LastMessageAt = nil

	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return nil, fmt.Errorf("sqlite: encoding settings: %w", err)
	}

	ts := formatTime(c.CreatedAt)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, provider, model, system_prompt, settings,
			message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		c.ID, c.UserID, c.Title, c.Provider, c.Model, c.SystemPrompt, string(settings), ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: insert conversation: %w", err)
	}
	return &c, nil
}

// GetConversation implements chat.ConversationStore. A conversation owned
// by someone else is reported the same as a missing one.
func (s *Store) GetConversation(ctx context.Context, id, userID string) (*chat.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ? AND user_id = ?`, id, userID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", chat.ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get conversation %s: %w", id, err)
	}
	return c, nil
}

// ListConversations returns userID's conversations, most recently active
// first.
func (s *Store) ListConversations(ctx context.Context, userID string, limit int) ([]chat.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list conversations: %w", err)
	}
	defer rows.Close()

	var out []chat.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan conversation: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation and, by cascade, its messages.
func (s *Store) DeleteConversation(ctx context.Context, id, userID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("sqlite: delete conversation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", chat.ErrConversationNotFound, id)
	}
	return nil
}

// ListMessages implements chat.ConversationStore: the newest limit
// messages in insertion order. limit <= 0 returns all of them.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list messages: %w", err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan message: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// GetMessage returns one message if it belongs to userID.
func (s *Store) GetMessage(ctx context.Context, id, userID string) (*chat.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ? AND user_id = ?`, id, userID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get message %s: %w", id, err)
	}
	return m, nil
}

// SaveMessage implements chat.ConversationStore. The conversation's
// message_count and last_message_at move in the same transaction.
func (s *Store) SaveMessage(ctx context.Context, m chat.Message) (chat.Message, error) {
	m.ID = uuid.NewString()
	m.CreatedAt = s.now()

	attachments, err := json.Marshal(orEmpty(m.Attachments))
	if err != nil {
		return chat.Message{}, fmt.Errorf("sqlite: encoding attachments: %w", err)
	}
	metadata, err := json.Marshal(orEmptyMap(m.Metadata))
	if err != nil {
		return chat.Message{}, fmt.Errorf("sqlite: encoding metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Message{}, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	ts := formatTime(m.CreatedAt)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.UserID, m.Role, m.Content, m.TokensUsed,
		string(attachments), string(metadata), ts,
	); err != nil {
		return chat.Message{}, fmt.Errorf("sqlite: insert message: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET message_count = message_count + 1, last_message_at = ?, updated_at = ?
		WHERE id = ?`, ts, ts, m.ConversationID)
	if err != nil {
		return chat.Message{}, fmt.Errorf("sqlite: touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.Message{}, fmt.Errorf("%w: %s", chat.ErrConversationNotFound, m.ConversationID)
	}

	if err := tx.Commit(); err != nil {
		return chat.Message{}, fmt.Errorf("sqlite: commit: %w", err)
	}
	return m, nil
}

// DeleteMessage implements chat.ConversationStore.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var convID string
	err = tx.QueryRowContext(ctx, `DELETE FROM messages WHERE id = ? RETURNING conversation_id`, id).Scan(&convID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("sqlite: delete message %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET message_count = MAX(message_count - 1, 0),
		    last_message_at = (SELECT MAX(created_at) FROM messages WHERE conversation_id = ?)
		WHERE id = ?`, convID, convID); err != nil {
		return fmt.Errorf("sqlite: touch conversation: %w", err)
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(sc scanner) (*chat.Conversation, error) {
	var (
		c        chat.Conversation
		settings string
		lastAt   sql.NullString
		created  string
	)
	if err := sc.Scan(&c.ID, &c.UserID, &c.Title, &c.Provider, &c.Model, &c.SystemPrompt,
		&settings, &c.MessageCount, &lastAt, &created); err != nil {
		return nil, err
	}
	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &c.Settings); err != nil {
			return nil, fmt.Errorf("decoding settings: %w", err)
		}
	}
	if lastAt.Valid && lastAt.String != "" {
		t := parseTime(lastAt.String)
		c.LastMessageAt = &t
	}
	c.CreatedAt = parseTime(created)
	return &c, nil
}

func scanMessage(sc scanner) (*chat.Message, error) {
	var (
		m           chat.Message
		attachments string
		metadata    string
		created     string
	)
	if err := sc.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Role, &m.Content, &m.TokensUsed,
		&attachments, &metadata, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
		return nil, fmt.Errorf("decoding attachments: %w", err)
	}
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}
	if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	if len(m.Metadata) == 0 {
		m.Metadata = nil
	}
	m.CreatedAt = parseTime(created)
	return &m, nil
}

func orEmpty(a []chat.Attachment) []chat.Attachment {
	if a == nil {
		return []chat.Attachment{}
	}
	return a
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
