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

func newOpenAIServer(t *testing.T, mux *http.ServeMux) *OpenAIProvider {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewOpenAI(OpenAIOptions{
		APIKey:       "sk-test",
		BaseURL:      srv.URL + "/v1/",
		DefaultModel: "local-model",
		HTTPClient:   srv.Client(),
	})
}

func TestOpenAI_CompleteStream(t *testing.T) {
	bodies := make(chan map[string]any, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies <- body

		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range []string{"", "Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-test\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", c)
		}
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-test\",\"choices\":[],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":2,\"total_tokens\":5}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	o := newOpenAIServer(t, mux)

	chunks := drain(t, o.Complete(context.Background(), CompletionRequest{
		Model:       "gpt-test",
		Messages:    []Message{{Role: RoleSystem, Content: "sys"}, {Role: RoleUser, Content: "hi"}},
		Stream:      true,
		Temperature: 0.3,
		MaxTokens:   50,
		Extra:       map[string]any{"top_p": 0.9},
	}))

	assert.Equal(t, []string{"Hel", "lo"}, contents(chunks))
	last := chunks[len(chunks)-1]
	assert.True(t, last.Done)
	assert.NoError(t, last.Err)
	assert.Equal(t, 5, last.TokensUsed)

	body := <-bodies
	assert.Equal(t, "gpt-test", body["model"])
	assert.Equal(t, 0.3, body["temperature"])
	assert.Equal(t, float64(50), body["max_tokens"])
	assert.Equal(t, 0.9, body["top_p"])
	assert.Equal(t, true, body["stream"])
	assert.Len(t, body["messages"], 2)
}

func TestOpenAI_NonStreaming(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"one \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"shot\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	o := newOpenAIServer(t, mux)

	chunks := drain(t, o.Complete(context.Background(), CompletionRequest{Model: "m"}))
	require.Len(t, chunks, 1)
	assert.Equal(t, "one shot", chunks[0].Content)
}

func TestOpenAI_ListModels(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[{"id":"gpt-a","object":"model","created":10,"owned_by":"me"},{"id":"gpt-b","object":"model","created":11,"owned_by":"me"}]}`))
	})
	o := newOpenAIServer(t, mux)

	models, err := o.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "gpt-a", models[0].ID)
	assert.Equal(t, "me", models[0].Metadata["owned_by"])
}

func TestOpenAI_DefaultModelFallback(t *testing.T) {
	// No routes at all: /models answers 404.
	o := newOpenAIServer(t, http.NewServeMux())

	models, err := o.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "local-model", models[0].ID)

	info, err := o.GetModel(context.Background(), "local-model")
	require.NoError(t, err)
	require.NotNil(t, info)

	missing, err := o.GetModel(context.Background(), "other")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestOpenAI_StreamError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad model","type":"invalid_request_error"}}`))
	})
	o := newOpenAIServer(t, mux)

	chunks := drain(t, o.Complete(context.Background(), CompletionRequest{Model: "x", Stream: true}))
	require.Len(t, chunks, 1)
	assert.ErrorIs(t, chunks[0].Err, ErrUnreachable)
}
