package sqlite

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/chat"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// Strictly increasing timestamps keep ordering assertions exact.
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick int
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

func newConversation(t *testing.T, s *Store, userID string) *chat.Conversation {
	t.Helper()
	c, err := s.CreateConversation(context.Background(), chat.Conversation{
		UserID: userID, Provider: "local", Model: "llama3",
	})
	require.NoError(t, err)
	return c
}

func TestOpen_Pragmas(t *testing.T) {
	s := openTest(t)

	var mode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, s.db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestOpen_SchemaIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	s1, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestCreateAndGetConversation(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	temp := 0.2
	created, err := s.CreateConversation(ctx, chat.Conversation{
		UserID: "u1", Provider: "local", Model: "llama3",
		SystemPrompt: "be brief",
		Settings:     chat.Settings{Temperature: &temp, MaxTokens: 100},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, DefaultTitle, created.Title)

	got, err := s.GetConversation(ctx, created.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, "be brief", got.SystemPrompt)
	require.NotNil(t, got.Settings.Temperature)
	assert.InDelta(t, 0.2, *got.Settings.Temperature, 1e-9)
	assert.Equal(t, 100, got.Settings.MaxTokens)
	assert.Nil(t, got.LastMessageAt)

	_, err = s.GetConversation(ctx, created.ID, "someone-else")
	assert.ErrorIs(t, err, chat.ErrConversationNotFound)

	_, err = s.GetConversation(ctx, "missing", "u1")
	assert.ErrorIs(t, err, chat.ErrConversationNotFound)

	_, err = s.CreateConversation(ctx, chat.Conversation{UserID: "u1"})
	assert.Error(t, err)
}

func TestSaveAndListMessages(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	c := newConversation(t, s, "u1")

	for i, text := range []string{"one", "two", "three", "four"} {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		saved, err := s.SaveMessage(ctx, chat.Message{
			ConversationID: c.ID, UserID: "u1", Role: role, Content: text,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, saved.ID)
		assert.False(t, saved.CreatedAt.IsZero())
	}

	last2, err := s.ListMessages(ctx, c.ID, 2)
	require.NoError(t, err)
	require.Len(t, last2, 2)
	assert.Equal(t, "three", last2[0].Content)
	assert.Equal(t, "four", last2[1].Content)

	all, err := s.ListMessages(ctx, c.ID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	got, err := s.GetConversation(ctx, c.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, got.MessageCount)
	require.NotNil(t, got.LastMessageAt)
	assert.True(t, all[3].CreatedAt.Equal(*got.LastMessageAt))
}

func TestSaveMessage_MetadataAndAttachments(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	c := newConversation(t, s, "u1")

	_, err := s.SaveMessage(ctx, chat.Message{
		ConversationID: c.ID, UserID: "u1", Role: "assistant", Content: "partial",
		Attachments: []chat.Attachment{{Filename: "a.txt", Content: "alpha"}},
		Metadata:    map[string]any{"stopped": true, "follow_ups": []string{"Why?"}},
	})
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, c.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []chat.Attachment{{Filename: "a.txt", Content: "alpha"}}, msgs[0].Attachments)
	assert.Equal(t, true, msgs[0].Metadata["stopped"])
	assert.Equal(t, []any{"Why?"}, msgs[0].Metadata["follow_ups"])

	_, err = s.SaveMessage(ctx, chat.Message{ConversationID: "nope", UserID: "u1", Role: "user", Content: "x"})
	assert.Error(t, err)
}

func TestDeleteMessage(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	c := newConversation(t, s, "u1")

	first, err := s.SaveMessage(ctx, chat.Message{ConversationID: c.ID, UserID: "u1", Role: "user", Content: "q"})
	require.NoError(t, err)
	second, err := s.SaveMessage(ctx, chat.Message{ConversationID: c.ID, UserID: "u1", Role: "assistant", Content: "a"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteMessage(ctx, second.ID))
	assert.ErrorIs(t, s.DeleteMessage(ctx, second.ID), ErrNotFound)

	got, err := s.GetConversation(ctx, c.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.MessageCount)
	require.NotNil(t, got.LastMessageAt)
	assert.True(t, first.CreatedAt.Equal(*got.LastMessageAt))
}

func TestDeleteConversation_Cascades(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	c := newConversation(t, s, "u1")
	m, err := s.SaveMessage(ctx, chat.Message{ConversationID: c.ID, UserID: "u1", Role: "user", Content: "q"})
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeleteConversation(ctx, c.ID, "u2"), chat.ErrConversationNotFound)
	require.NoError(t, s.DeleteConversation(ctx, c.ID, "u1"))

	_, err = s.GetMessage(ctx, m.ID, "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListConversations(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	older := newConversation(t, s, "u1")
	newer := newConversation(t, s, "u1")
	newConversation(t, s, "u2")

	_, err := s.SaveMessage(ctx, chat.Message{ConversationID: older.ID, UserID: "u1", Role: "user", Content: "bump"})
	require.NoError(t, err)

	list, err := s.ListConversations(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, older.ID, list[0].ID)
	assert.Equal(t, newer.ID, list[1].ID)
}

func TestMemory_SaveAndRetrieve(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "u1", "Works as a backend engineer in Go"))
	require.NoError(t, s.Save(ctx, "u1", "Has a dog named Biscuit"))
	require.NoError(t, s.Save(ctx, "u1", "Prefers Go over Python for backend services"))
	require.NoError(t, s.Save(ctx, "u1", "  has a dog named biscuit "))
	require.NoError(t, s.Save(ctx, "u1", ""))
	require.NoError(t, s.Save(ctx, "u2", "Backend engineer too"))

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM memories WHERE user_id = 'u1'`).Scan(&n))
	assert.Equal(t, 3, n)

	got, err := s.Retrieve(ctx, "u1", "Which backend services should I write?", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Prefers Go over Python for backend services",
		"Works as a backend engineer in Go",
	}, got)

	got, err = s.Retrieve(ctx, "u1", "backend", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"Prefers Go over Python for backend services"}, got)

	got, err = s.Retrieve(ctx, "u1", "the and", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestResolver_BuildContext(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	r := NewResolver(s)

	ref, err := s.CreateConversation(ctx, chat.Conversation{
		UserID: "u1", Provider: "local", Model: "llama3", Title: "Trip planning",
	})
	require.NoError(t, err)
	_, err = s.SaveMessage(ctx, chat.Message{ConversationID: ref.ID, UserID: "u1", Role: "user", Content: "Where to in May?"})
	require.NoError(t, err)
	answer, err := s.SaveMessage(ctx, chat.Message{ConversationID: ref.ID, UserID: "u1", Role: "assistant", Content: "Lisbon."})
	require.NoError(t, err)

	foreign := newConversation(t, s, "u2")

	out, err := r.BuildContext(ctx, "Book it", []string{ref.ID, foreign.ID, "missing"}, []string{answer.ID}, "u1")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "=== CONTEXT FROM REFERENCES SELECTED BY THE USER ==="))
	assert.Contains(t, out, "--- SPECIFIC REFERENCED MESSAGES ---\n[ASSISTANT]: Lisbon.")
	assert.Contains(t, out, "--- START OF CONVERSATION: Trip planning ---")
	assert.Contains(t, out, "(ID: "+ref.ID+", Messages included: 2)")
	assert.Contains(t, out, "USER: Where to in May?\nASSISTANT: Lisbon.")
	assert.NotContains(t, out, foreign.ID)
	assert.True(t, strings.HasSuffix(out, "CURRENT USER QUESTION: Book it"))

	// Another user's references resolve to nothing.
	out, err = r.BuildContext(ctx, "Book it", []string{ref.ID}, []string{answer.ID}, "u2")
	require.NoError(t, err)
	assert.Equal(t, "Book it", out)

	out, err = r.BuildContext(ctx, "plain", nil, nil, "u1")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)
}
