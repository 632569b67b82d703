package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToAnthropicRequest(t *testing.T) {
	ar := toAnthropicRequest(CompletionRequest{
		Model: "claude",
		Messages: []Message{
			{Role: RoleSystem, Content: "one"},
			{Role: RoleSystem, Content: "two"},
			{Role: RoleUser, Content: "hi"},
		},
	})

	assert.Equal(t, "one\ntwo", ar.System)
	assert.Equal(t, defaultMaxTokens, ar.MaxTokens)
	require.Len(t, ar.Messages, 1)
	assert.Equal(t, RoleUser, ar.Messages[0].Role)
	assert.True(t, ar.Stream)
}

func TestAnthropic_CompleteStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))

		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"type":"message_start","message":{"model":"claude-x","usage":{"input_tokens":10}}}`,
			`{"type":"content_block_start"}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}`,
			`{"type":"ping"}`,
			`{"type":"content_block_delta","delta":{"type":"text_delta","text":"!"}}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":4}}`,
			`{"type":"message_stop"}`,
		}
		for _, ev := range events {
			var typed struct{ Type string }
			_ = json.Unmarshal([]byte(ev), &typed)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", typed.Type, ev)
		}
	}))
	defer srv.Close()

	a := NewAnthropic("key", srv.URL, nil, srv.Client())
	chunks := drain(t, a.Complete(context.Background(), CompletionRequest{Model: "claude-x", Stream: true}))

	assert.Equal(t, []string{"Hello", "!"}, contents(chunks))
	last := chunks[len(chunks)-1]
	assert.True(t, last.Done)
	assert.Equal(t, 14, last.TokensUsed)
	assert.Equal(t, "claude-x", last.Model)
}

func TestAnthropic_ListModelsFallback(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	a := NewAnthropic("key", srv.URL, []string{"claude-a", "claude-b"}, srv.Client())
	models, err := a.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "claude-b", models[1].ID)

	a = NewAnthropic("key", srv.URL, nil, srv.Client())
	_, err = a.ListModels(context.Background())
	assert.ErrorIs(t, err, ErrUnreachable)
}
