package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newTestAgent(t *testing.T, mux *http.ServeMux) *AgentProvider {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewAgent(AgentOptions{BaseURL: srv.URL, HTTPClient: srv.Client()})
}

func writeSSE(w http.ResponseWriter, frames ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, f := range frames {
		fmt.Fprintf(w, "data: %s\n\n", f)
	}
}

func contents(chunks []Chunk) []string {
	var out []string
	for _, c := range chunks {
		if !c.Done {
			out = append(out, c.Content)
		}
	}
	return out
}

func TestAgent_OpenAIStream(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":"gpt-agent"}]}`))
	})
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, `{"choices":[{"delta":{"content":"Hi"}}]}`, "[DONE]")
	})
	a := newTestAgent(t, mux)

	chunks := drain(t, a.Complete(context.Background(), CompletionRequest{
		Model:    "gpt-agent",
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
		Stream:   true,
	}))

	require.Len(t, chunks, 2)
	assert.Equal(t, "Hi", chunks[0].Content)
	assert.False(t, chunks[0].Done)
	assert.Equal(t, "", chunks[1].Content)
	assert.True(t, chunks[1].Done)
	assert.NoError(t, chunks[1].Err)
}

func TestAgent_DetectionProbesOnce(t *testing.T) {
	var modelsHits, optionsHits atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		modelsHits.Add(1)
		http.NotFound(w, r)
	})
	mux.HandleFunc("OPTIONS /helper/invoke", func(w http.ResponseWriter, r *http.Request) {
		optionsHits.Add(1)
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
	mux.HandleFunc("POST /helper/stream", func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, `"ok"`)
	})
	a := newTestAgent(t, mux)

	req := CompletionRequest{Model: "helper", Messages: []Message{{Role: RoleUser, Content: "q"}}, Stream: true}
	for range 2 {
		chunks := drain(t, a.Complete(context.Background(), req))
		assert.Equal(t, []string{"ok"}, contents(chunks))
	}

	assert.Equal(t, int32(1), modelsHits.Load())
	assert.Equal(t, int32(1), optionsHits.Load())
	p, ok := a.ProtocolOf("helper")
	require.True(t, ok)
	assert.Equal(t, ProtocolGraph, p)
}

func TestAgent_ConcurrentDetectionCollapses(t *testing.T) {
	var modelsHits atomic.Int32
	release := make(chan struct{})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		modelsHits.Add(1)
		<-release
		w.Write([]byte(`{"data":[{"id":"m"}]}`))
	})
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, "[DONE]")
	})
	a := newTestAgent(t, mux)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			drain(t, a.Complete(context.Background(), CompletionRequest{Model: "m", Stream: true}))
		}()
	}
	// Let every caller reach the probe before it answers.
	for modelsHits.Load() == 0 {
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), modelsHits.Load())
}

func TestAgent_SinglePropertySchema(t *testing.T) {
	bodies := make(chan map[string]any, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/models", http.NotFound)
	mux.HandleFunc("OPTIONS /writer/invoke", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /writer/input_schema", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"type":"object","properties":{"topic":{"type":"string"}}}`))
	})
	mux.HandleFunc("POST /writer/stream", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(raw, &body))
		bodies <- body
		writeSSE(w, `{"content":"done"}`)
	})
	a := newTestAgent(t, mux)

	drain(t, a.Complete(context.Background(), CompletionRequest{
		Model: "writer",
		Messages: []Message{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "write about go"},
		},
		Temperature: 0.5,
		Stream:      true,
	}))

	got := <-bodies
	assert.Equal(t, map[string]any{"topic": "write about go"}, got["input"])
	assert.Equal(t, map[string]any{"configurable": map[string]any{"temperature": 0.5}}, got["config"])
}

func TestShapeInput(t *testing.T) {
	history := []Message{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "reply"},
		{Role: RoleUser, Content: "latest"},
	}
	asMessages := map[string]any{"messages": messagesToMaps(history)}

	tests := []struct {
		name   string
		schema map[string]any
		want   any
	}{
		{"no schema", nil, asMessages},
		{"messages property", map[string]any{"type": "object", "properties": map[string]any{
			"messages": map[string]any{}, "other": map[string]any{},
		}}, asMessages},
		{"single property", map[string]any{"properties": map[string]any{"query": map[string]any{}}},
			map[string]any{"query": "latest"}},
		{"well-known name", map[string]any{"type": "object", "properties": map[string]any{
			"question": map[string]any{}, "lang": map[string]any{},
		}}, map[string]any{"question": "latest"}},
		{"topic preferred over input", map[string]any{"type": "object", "properties": map[string]any{
			"input": map[string]any{}, "topic": map[string]any{},
		}}, map[string]any{"topic": "latest"}},
		{"unmatched object", map[string]any{"type": "object", "properties": map[string]any{
			"a": map[string]any{}, "b": map[string]any{},
		}}, asMessages},
		{"string schema", map[string]any{"type": "string"}, "latest"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shapeInput(tt.schema, history))
		})
	}
}

func TestAgent_StringSchemaHasNoConfig(t *testing.T) {
	a := NewAgent(AgentOptions{BaseURL: "http://unused"})
	a.schemas.Store("echo", map[string]any{"type": "string"})

	payload := a.graphPayload(context.Background(), CompletionRequest{
		Model:    "echo",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	assert.Equal(t, "hi", payload["input"])
	assert.NotContains(t, payload, "config")
}

func TestGraphContent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": comment\n\n")
		fmt.Fprint(w, "event: metadata\ndata: {\"run_id\":\"1\"}\n\n")
		fmt.Fprint(w, "data: \"A\"\n\n")
		fmt.Fprint(w, "data: {\"ops\":[{\"op\":\"add\",\"path\":\"/logs/x\",\"value\":1},{\"op\":\"add\",\"path\":\"/streamed_output/-/content\",\"value\":\"B\"}]}\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "data: {\"content\":\"C\"}\n\n")
		// No [DONE]: the adapter still closes with one terminal chunk.
	})
	a := newTestAgent(t, mux)
	a.remember(externalAgentID, ProtocolGraph, true)

	chunks := drain(t, a.Complete(context.Background(), CompletionRequest{Model: externalAgentID, Stream: true}))
	assert.Equal(t, []string{"A", "B", "C"}, contents(chunks))
	assert.Equal(t, 1, countDone(chunks))
	assert.True(t, chunks[len(chunks)-1].Done)
}

func TestGraphContent_IgnoresNonStringValues(t *testing.T) {
	frame := gjson.Parse(`{"ops":[` +
		`{"op":"add","path":"/streamed_output/-/content","value":{"type":"text"}},` +
		`{"op":"add","path":"/final/content","value":["x"]}]}`)
	assert.Empty(t, graphContent(frame))

	frame = gjson.Parse(`{"ops":[` +
		`{"op":"add","path":"/a/content","value":{"nested":true}},` +
		`{"op":"add","path":"/b/content","value":"kept"}]}`)
	assert.Equal(t, "kept", graphContent(frame))

	frame = gjson.Parse(`{"content":{"parts":[]}}`)
	assert.Empty(t, graphContent(frame))
}

func TestAgent_ProtocolMismatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":"m"}]}`))
	})
	a := newTestAgent(t, mux)

	chunks := drain(t, a.Complete(context.Background(), CompletionRequest{Model: "m", Stream: true}))
	require.Len(t, chunks, 1)
	assert.ErrorIs(t, chunks[0].Err, ErrProtocolMismatch)
}

func TestAgent_ListModels(t *testing.T) {
	t.Run("openapi discovery", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /v1/models", http.NotFound)
		mux.HandleFunc("GET /openapi.json", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"paths":{
				"/research_agent/invoke":{},
				"/research_agent/stream":{},
				"/chat/invoke":{},
				"/{name}/invoke":{},
				"/invoke":{}
			}}`))
		})
		a := newTestAgent(t, mux)

		models, err := a.ListModels(context.Background())
		require.NoError(t, err)
		require.Len(t, models, 2)
		assert.Equal(t, "chat", models[0].ID)
		assert.Equal(t, "research_agent", models[1].ID)
		assert.Equal(t, "Research Agent", models[1].Name)

		p, _ := a.ProtocolOf("research_agent")
		assert.Equal(t, ProtocolGraph, p)
	})

	t.Run("fallback to external agent", func(t *testing.T) {
		mux := http.NewServeMux()
		a := newTestAgent(t, mux)

		models, err := a.ListModels(context.Background())
		require.NoError(t, err)
		require.Len(t, models, 1)
		assert.Equal(t, externalAgentID, models[0].ID)

		p, _ := a.ProtocolOf(externalAgentID)
		assert.Equal(t, ProtocolUnknown, p)
	})

	t.Run("no base url", func(t *testing.T) {
		models, err := NewAgent(AgentOptions{}).ListModels(context.Background())
		require.NoError(t, err)
		assert.Empty(t, models)
	})
}

func TestAgent_ProbedEntryIsFinal(t *testing.T) {
	a := NewAgent(AgentOptions{BaseURL: "http://unused"})
	a.remember("m", ProtocolOpenAI, true)
	a.remember("m", ProtocolGraph, true)
	a.remember("m", ProtocolUnknown, false)

	p, _ := a.ProtocolOf("m")
	assert.Equal(t, ProtocolOpenAI, p)
}

func TestAgent_ConfigSchema(t *testing.T) {
	t.Run("config_schema endpoint", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /bot/config_schema", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"type":"object","properties":{"configurable":{"properties":{"depth":{"type":"integer","minimum":1,"maximum":5}}}}}`))
		})
		a := newTestAgent(t, mux)

		schema, err := a.ConfigSchema(context.Background(), "bot")
		require.NoError(t, err)

		fields := SchemaFields(schema)
		require.Len(t, fields, 1)
		assert.Equal(t, "depth", fields[0].Key)
		assert.Equal(t, "integer", fields[0].Type)
		require.NotNil(t, fields[0].Min)
		assert.Equal(t, 1.0, *fields[0].Min)
		assert.Equal(t, 5.0, *fields[0].Max)
	})

	t.Run("valves", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /pipelines/bot/valves", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"verbose":true,"retries":3,"ratio":0.5,"name":"x","mode":{"type":"str","enum":["a","b"],"default":"a"}}`))
		})
		a := newTestAgent(t, mux)

		schema, err := a.ConfigSchema(context.Background(), "bot")
		require.NoError(t, err)

		props := schema["properties"].(map[string]any)
		assert.Equal(t, "boolean", props["verbose"].(map[string]any)["type"])
		assert.Equal(t, "integer", props["retries"].(map[string]any)["type"])
		assert.Equal(t, "number", props["ratio"].(map[string]any)["type"])
		assert.Equal(t, "string", props["name"].(map[string]any)["type"])

		byKey := map[string]ConfigField{}
		for _, f := range SchemaFields(schema) {
			byKey[f.Key] = f
		}
		assert.Equal(t, "enum", byKey["mode"].Type)
		assert.Equal(t, []any{"a", "b"}, byKey["mode"].EnumValues)
		assert.Equal(t, "Retries", byKey["retries"].Label)
	})

	t.Run("openapi request body", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /openapi.json", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"paths":{"/bot/invoke":{"post":{"requestBody":{"content":{"application/json":{"schema":{"properties":{"config":{"type":"object","properties":{"tags":{"type":"array","items":{"type":"string"}}}}}}}}}}}}}`))
		})
		a := newTestAgent(t, mux)

		schema, err := a.ConfigSchema(context.Background(), "bot")
		require.NoError(t, err)

		fields := SchemaFields(schema)
		require.Len(t, fields, 1)
		assert.Equal(t, "array", fields[0].Type)
		assert.Equal(t, "string", fields[0].ItemsType)
	})

	t.Run("not found", func(t *testing.T) {
		a := newTestAgent(t, http.NewServeMux())
		_, err := a.ConfigSchema(context.Background(), "bot")
		assert.ErrorIs(t, err, ErrSchemaNotFound)
	})
}

func TestValvesToSchema_Range(t *testing.T) {
	schema := ValvesToSchema(map[string]any{
		"temperature": map[string]any{"type": "float", "default": 0.7, "range": []any{0.0, 2.0}},
	})
	prop := schema["properties"].(map[string]any)["temperature"].(map[string]any)
	assert.Equal(t, "number", prop["type"])
	assert.Equal(t, 0.0, prop["minimum"])
	assert.Equal(t, 2.0, prop["maximum"])
	assert.Equal(t, "Temperature", prop["title"])
}
