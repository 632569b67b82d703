// Package chat runs conversation turns: it assembles the prompt, dispatches
// it to the conversation's provider, forwards the chunk stream, and
// persists the assistant reply exactly once.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/registry"
)

var (
	// ErrConversationNotFound is returned when the conversation does not
	// exist or belongs to another user.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrEmptyMessage means the turn has no text, no attachments and is not
	// a regenerate.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrNothingToRegenerate means a regenerate was asked for a
	// conversation without a user message.
	ErrNothingToRegenerate = errors.New("no user message to regenerate from")
)

// DefaultAttachmentPrompt stands in for the text of a message that only
// carries attachments.
const DefaultAttachmentPrompt = "I have uploaded some files. Please analyze them."

// Settings are the per-conversation generation knobs.
type Settings struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// Conversation is read from the ConversationStore; the orchestrator never
// creates or deletes one.
type Conversation struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	Title         string     `json:"title"`
	Provider      string     `json:"provider"`
	Model         string     `json:"model"`
	SystemPrompt  string     `json:"system_prompt,omitempty"`
	Settings      Settings   `json:"settings"`
	MessageCount  int        `json:"message_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Attachment is an uploaded file's extracted text.
type Attachment struct {
	FileID   string `json:"file_id,omitempty"`
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// Message is one persisted message.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id"`
	Role           string         `json:"role"`
	Content        string         `json:"content"`
	TokensUsed     int            `json:"tokens_used"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ConversationStore owns conversations and their messages.
type ConversationStore interface {
	// GetConversation returns ErrConversationNotFound (wrapped or not) when
	// id is unknown or not owned by userID.
	GetConversation(ctx context.Context, id, userID string) (*Conversation, error)
	// ListMessages returns the most recent limit messages, oldest first.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	// SaveMessage assigns ID and CreatedAt and returns the stored message.
	SaveMessage(ctx context.Context, m Message) (Message, error)
	DeleteMessage(ctx context.Context, id string) error
}

// MemoryStore keeps durable facts about a user. Ranking is the store's job.
type MemoryStore interface {
	Retrieve(ctx context.Context, userID, query string, limit int) ([]string, error)
	Save(ctx context.Context, userID, fact string) error
}

// ReferenceResolver turns a user message plus the conversations and
// messages it points at into one enriched prompt. It enforces ownership.
type ReferenceResolver interface {
	BuildContext(ctx context.Context, userMessage string, conversationIDs, messageIDs []string, userID string) (string, error)
}

// Providers resolves a provider id to its live adapter.
type Providers interface {
	Get(id string) (registry.Entry, error)
}

// TurnRequest is one user action on a conversation.
type TurnRequest struct {
	ConversationID    string       `json:"conversation_id"`
	UserID            string       `json:"-"`
	Message           string       `json:"message"`
	Attachments       []Attachment `json:"attachments,omitempty"`
	ReferencedConvIDs []string     `json:"referenced_conv_ids,omitempty"`
	ReferencedMsgIDs  []string     `json:"referenced_msg_ids,omitempty"`
	Regenerate        bool         `json:"regenerate,omitempty"`
	Stream            bool         `json:"stream"`
}

// Event is one forwarded piece of the reply. The last event of a turn has
// Done set; FollowUps and Err only appear there.
type Event struct {
	Content   string
	Done      bool
	FollowUps []string
	Err       error
}

// Result is the outcome of a turn once persistence has happened.
type Result struct {
	// Message is the persisted assistant message, nil when the turn
	// produced no text at all.
	Message *Message
	Stopped bool
	Err     error
}

// Turn is a running turn. Events is closed after the terminal event; Result
// then receives exactly one value. Callers drain Events or cancel the
// context passed to Start.
type Turn struct {
	ConversationID string
	Provider       string
	Model          string

	Events <-chan Event
	Result <-chan Result
}

// Outcome labels, used for metrics and message metadata.
const (
	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomeStopped = "stopped"
)

func toProviderMessages(ms []Message) []provider.Message {
	out := make([]provider.Message, 0, len(ms))
	for _, m := range ms {
		out = append(out, provider.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
