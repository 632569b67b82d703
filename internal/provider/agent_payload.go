package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"maps"
)

// wellKnownInputs are tried, in order, when an input schema has several
// properties but no messages field.
var wellKnownInputs = []string{"topic", "input", "question"}

// inputSchema returns the decoded input schema for model. Only successful
// fetches are cached, so a transient failure is retried on the next turn.
func (a *AgentProvider) inputSchema(ctx context.Context, model string) map[string]any {
	if v, ok := a.schemas.Load(model); ok {
		return v.(map[string]any)
	}

	ctx, cancel := context.WithTimeout(ctx, a.probeTimeout)
	defer cancel()

	raw, ok := a.getJSON(ctx, a.agentURL(model, "input_schema"))
	if !ok {
		return nil
	}
	var schema map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&schema); err != nil {
		return nil
	}
	a.schemas.Store(model, schema)
	return schema
}

// graphPayload builds the {input, config} body for a graph invoke/stream
// call, shaped after the agent's input schema.
func (a *AgentProvider) graphPayload(ctx context.Context, req CompletionRequest) map[string]any {
	input := shapeInput(a.inputSchema(ctx, req.Model), req.Messages)

	payload := map[string]any{"input": input}

	// Agents taking a bare string do not accept config alongside it.
	if _, ok := input.(map[string]any); ok {
		configurable := map[string]any{"temperature": req.Temperature}
		maps.Copy(configurable, req.Extra)
		payload["config"] = map[string]any{"configurable": configurable}
	}
	return payload
}

// shapeInput maps the conversation onto the agent's declared input.
//
// A schema with a messages property gets the full history. A schema with
// exactly one property gets the latest user message under that name; this
// is a heuristic and can be wrong for agents whose single field is not the
// prompt. Otherwise topic, input and question are tried in turn before
// falling back to messages. A string schema gets the bare text.
func shapeInput(schema map[string]any, messages []Message) any {
	latest := latestUserContent(messages)
	history := map[string]any{"messages": messagesToMaps(messages)}

	if schema == nil {
		return history
	}

	props, hasProps := schema["properties"].(map[string]any)
	if schema["type"] == "object" || hasProps {
		if _, ok := props["messages"]; ok {
			return history
		}
		if len(props) == 1 {
			for name := range props {
				return map[string]any{name: latest}
			}
		}
		for _, name := range wellKnownInputs {
			if _, ok := props[name]; ok {
				return map[string]any{name: latest}
			}
		}
		return history
	}

	if schema["type"] == "string" {
		return latest
	}
	return history
}

// latestUserContent returns the newest user message, or the newest message
// of any role when there is no user message.
func latestUserContent(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	if len(messages) > 0 {
		return messages[len(messages)-1].Content
	}
	return ""
}

func messagesToMaps(messages []Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		out = append(out, map[string]any{"role": m.Role, "content": m.Content})
	}
	return out
}
