package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/howard-nolan/llmgateway/internal/chat"
)

// ReferenceMessagesPerConversation is how many of the latest messages of
// each referenced conversation go into the prompt.
const ReferenceMessagesPerConversation = 20

// Resolver implements chat.ReferenceResolver on top of a Store.
type Resolver struct {
	store *Store
	limit int
}

// NewResolver returns a resolver that includes up to
// ReferenceMessagesPerConversation messages per conversation.
func NewResolver(s *Store) *Resolver {
	return &Resolver{store: s, limit: ReferenceMessagesPerConversation}
}

type referencedConversation struct {
	conv     *chat.Conversation
	messages []chat.Message
}

// BuildContext wraps userMessage with the text of the referenced messages
// and conversations. References that are missing or owned by another user
// are skipped; if none survive, userMessage comes back unchanged.
func (r *Resolver) BuildContext(ctx context.Context, userMessage string, conversationIDs, messageIDs []string, userID string) (string, error) {
	if len(conversationIDs) == 0 && len(messageIDs) == 0 {
		return userMessage, nil
	}

	var msgs []chat.Message
	for _, id := range messageIDs {
		m, err := r.store.GetMessage(ctx, id, userID)
		if errors.Is(err, ErrNotFound) {
			slog.Debug("skipping referenced message", "message_id", id, "user_id", userID)
			continue
		}
		if err != nil {
			return "", err
		}
		msgs = append(msgs, *m)
	}

	var convs []referencedConversation
	for _, id := range conversationIDs {
		c, err := r.store.GetConversation(ctx, id, userID)
		if errors.Is(err, chat.ErrConversationNotFound) {
			slog.Debug("skipping referenced conversation", "conversation_id", id, "user_id", userID)
			continue
		}
		if err != nil {
			return "", err
		}
		history, err := r.store.ListMessages(ctx, id, r.limit)
		if err != nil {
			return "", err
		}
		convs = append(convs, referencedConversation{conv: c, messages: history})
	}

	if len(msgs) == 0 && len(convs) == 0 {
		return userMessage, nil
	}
	return renderReferences(userMessage, msgs, convs), nil
}

func renderReferences(userMessage string, msgs []chat.Message, convs []referencedConversation) string {
	parts := []string{
		"=== CONTEXT FROM REFERENCES SELECTED BY THE USER ===\n",
		"INSTRUCTIONS FOR THE ASSISTANT:",
		"1. The user has selected specific items (chats or messages) as relevant context.",
		"2. Use them to answer the current question.",
		"3. If there are specific referenced messages, give them priority as they are exact points of interest.\n",
	}

	if len(msgs) > 0 {
		parts = append(parts, "\n--- SPECIFIC REFERENCED MESSAGES ---")
		for _, m := range msgs {
			role := "ASSISTANT"
			if m.Role == "user" {
				role = "USER"
			}
			parts = append(parts, fmt.Sprintf("[%s]: %s", role, m.Content))
		}
		parts = append(parts, "--- END OF SPECIFIC MESSAGES ---\n")
	}

	for _, rc := range convs {
		title := rc.conv.Title
		parts = append(parts,
			fmt.Sprintf("\n--- START OF CONVERSATION: %s ---", title),
			fmt.Sprintf("(ID: %s, Messages included: %d)\n", rc.conv.ID, len(rc.messages)),
		)
		for _, m := range rc.messages {
			switch m.Role {
			case "user":
				parts = append(parts, "USER: "+m.Content)
			case "assistant":
				parts = append(parts, "ASSISTANT: "+m.Content)
			}
		}
		parts = append(parts, fmt.Sprintf("--- END OF CONVERSATION: %s ---\n", title))
	}

	parts = append(parts,
		"\n=== END OF REFERENCED CONTEXT ===\n",
		"\nCURRENT USER QUESTION: "+userMessage,
	)
	return strings.Join(parts, "\n")
}
