package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

// streamOpenAI proxies to POST /v1/chat/completions and re-emits the
// choices[0].delta.content of every SSE frame.
func (a *AgentProvider) streamOpenAI(ctx context.Context, req CompletionRequest, e *emitter) {
	body := map[string]any{
		"model":       req.Model,
		"messages":    messagesToMaps(req.Messages),
		"temperature": req.Temperature,
		"stream":      true,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	maps.Copy(body, req.Extra)

	a.streamSSE(ctx, a.baseURL+"/v1/chat/completions", body, e, openAIDelta)
}

// streamGraph posts the schema-shaped payload to /{model}/stream.
func (a *AgentProvider) streamGraph(ctx context.Context, req CompletionRequest, e *emitter) {
	a.streamSSE(ctx, a.agentURL(req.Model, "stream"), a.graphPayload(ctx, req), e, graphContent)
}

// streamSSE posts body to url and feeds every SSE data frame through
// extract. Frames that are not JSON are skipped. A 404 or 405 means the
// endpoint does not speak the protocol the model was detected as.
func (a *AgentProvider) streamSSE(ctx context.Context, url string, body any, e *emitter, extract func(gjson.Result) string) {
	raw, err := json.Marshal(body)
	if err != nil {
		e.fail(fmt.Errorf("marshaling request: %w", err))
		return
	}
	httpReq, err := a.newRequest(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		e.fail(fmt.Errorf("creating request: %w", err))
		return
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		e.fail(fmt.Errorf("%w: agent request: %v", ErrUnreachable, err))
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusMethodNotAllowed:
		e.fail(fmt.Errorf("%w: %s returned status %d", ErrProtocolMismatch, url, resp.StatusCode))
		return
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		e.fail(statusError("agent", resp))
		return
	}

	_, err = readSSE(resp.Body, func(data string) bool {
		if !gjson.Valid(data) {
			return true
		}
		return e.content(extract(gjson.Parse(data)))
	})
	if err != nil {
		e.fail(fmt.Errorf("reading agent stream: %w", err))
		return
	}
	e.finish(Chunk{})
}

func openAIDelta(frame gjson.Result) string {
	return frame.Get("choices.0.delta.content").String()
}

// graphContent pulls text out of the frame shapes graph agents emit: a
// bare JSON string, a JSON-Patch log whose op path ends in /content, or a
// message object with a content field. The first match wins.
func graphContent(frame gjson.Result) string {
	if frame.Type == gjson.String {
		return frame.String()
	}

	var text string
	frame.Get("ops").ForEach(func(_, op gjson.Result) bool {
		if !strings.HasSuffix(op.Get("path").String(), "/content") {
			return true
		}
		if v := op.Get("value"); v.Type == gjson.String {
			text = v.String()
			return false
		}
		return true
	})
	if text != "" {
		return text
	}

	if c := frame.Get("content"); c.Type == gjson.String {
		return c.String()
	}
	return ""
}
