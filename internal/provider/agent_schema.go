package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/tidwall/gjson"
)

// SchemaProvider is implemented by adapters whose models expose a
// configuration schema (currently only the agent adapter).
type SchemaProvider interface {
	ConfigSchema(ctx context.Context, model string) (map[string]any, error)
}

// ConfigField is one flattened, UI-ready setting of a configuration schema.
type ConfigField struct {
	Key         string   `json:"key"`
	Label       string   `json:"label"`
	Type        string   `json:"type"` // string, number, integer, boolean, enum or array
	Default     any      `json:"default,omitempty"`
	Description string   `json:"description,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	EnumValues  []any    `json:"enum_values,omitempty"`
	ItemsType   string   `json:"items_type,omitempty"`
	Required    bool     `json:"required"`
}

// ConfigSchema discovers the configuration schema of model. It tries the
// graph config_schema route, then the pipeline valves routes, then the
// config property of the invoke request body in /openapi.json.
func (a *AgentProvider) ConfigSchema(ctx context.Context, model string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, a.probeTimeout)
	defer cancel()

	if raw, ok := a.getJSON(ctx, a.agentURL(model, "config_schema")); ok {
		if schema := decodeObject(raw); len(schema) > 0 {
			return schema, nil
		}
	}

	for _, url := range []string{
		a.baseURL + "/api/pipelines/" + model + "/valves",
		a.baseURL + "/pipelines/" + model + "/valves",
		a.baseURL + "/api/v1/pipelines/" + model + "/valves",
	} {
		raw, ok := a.getJSON(ctx, url)
		if !ok {
			continue
		}
		if valves := decodeObject(raw); len(valves) > 0 {
			slog.Debug("agent valves found", "model", model, "url", url)
			return ValvesToSchema(valves), nil
		}
	}

	if raw, ok := a.getJSON(ctx, a.baseURL+"/openapi.json"); ok {
		invoke := "/invoke"
		if model != externalAgentID {
			invoke = "/" + model + "/invoke"
		}
		var cfg gjson.Result
		gjson.GetBytes(raw, "paths").ForEach(func(key, op gjson.Result) bool {
			if key.String() != invoke {
				return true
			}
			op.Get("post.requestBody.content").ForEach(func(mt, content gjson.Result) bool {
				if mt.String() == "application/json" {
					cfg = content.Get("schema.properties.config")
				}
				return !cfg.Exists()
			})
			return false
		})
		if cfg.IsObject() {
			if schema := decodeObject([]byte(cfg.Raw)); len(schema) > 0 {
				return schema, nil
			}
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, model)
}

// decodeObject decodes raw into a map, keeping numbers as json.Number so
// integer and float defaults stay distinguishable.
func decodeObject(raw []byte) map[string]any {
	var out map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil
	}
	return out
}

// ValvesToSchema converts a pipeline valves document into a JSON-schema
// object. Valves are either full definitions ({type, default, range, ...})
// or flat key -> value pairs whose type is inferred from the value.
func ValvesToSchema(valves map[string]any) map[string]any {
	props := make(map[string]any, len(valves))

	for key, v := range valves {
		def, ok := v.(map[string]any)
		if !ok {
			def = map[string]any{"type": inferValveType(v), "default": v}
		}

		valveType, _ := def["type"].(string)
		var propType string
		switch valveType {
		case "float", "number":
			propType = "number"
		case "int", "integer":
			propType = "integer"
		case "bool", "boolean":
			propType = "boolean"
		default:
			propType = "string"
		}

		title, _ := def["title"].(string)
		if title == "" {
			title = titleCase(key)
		}
		desc, _ := def["description"].(string)

		prop := map[string]any{
			"type":        propType,
			"title":       title,
			"default":     def["default"],
			"description": desc,
		}
		if enum, ok := def["enum"]; ok {
			prop["enum"] = enum
		}
		if r, ok := def["range"].([]any); ok && len(r) == 2 {
			prop["minimum"] = r[0]
			prop["maximum"] = r[1]
		}
		props[key] = prop
	}

	return map[string]any{"type": "object", "properties": props}
}

func inferValveType(v any) string {
	switch n := v.(type) {
	case bool:
		return "bool"
	case json.Number:
		if _, err := n.Int64(); err == nil {
			return "int"
		}
		return "float"
	case int, int64:
		return "int"
	case float32, float64:
		return "float"
	}
	return "str"
}

// SchemaFields flattens a schema into ConfigFields. Graph config schemas
// nest their settings under properties.configurable; those are unwrapped.
func SchemaFields(schema map[string]any) []ConfigField {
	props := schema
	if p, ok := schema["properties"].(map[string]any); ok {
		props = p
		if c, ok := p["configurable"].(map[string]any); ok {
			props, _ = c["properties"].(map[string]any)
		}
	}

	required := map[string]bool{}
	if req, ok := schema["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}

	fields := make([]ConfigField, 0, len(props))
	for _, key := range slices.Sorted(maps.Keys(props)) {
		prop, ok := props[key].(map[string]any)
		if !ok {
			continue
		}

		jsonType, _ := prop["type"].(string)
		_, hasEnum := prop["enum"]
		var fieldType string
		switch {
		case jsonType == "number", jsonType == "integer", jsonType == "boolean":
			fieldType = jsonType
		case hasEnum:
			fieldType = "enum"
		case jsonType == "array":
			fieldType = "array"
		default:
			fieldType = "string"
		}

		label, _ := prop["title"].(string)
		if label == "" {
			label = titleCase(key)
		}
		desc, _ := prop["description"].(string)

		f := ConfigField{
			Key:         key,
			Label:       label,
			Type:        fieldType,
			Default:     prop["default"],
			Description: desc,
			Min:         toFloat(prop["minimum"]),
			Max:         toFloat(prop["maximum"]),
			Required:    required[key],
		}
		if enum, ok := prop["enum"].([]any); ok {
			f.EnumValues = enum
		}
		if fieldType == "array" {
			if items, ok := prop["items"].(map[string]any); ok {
				f.ItemsType, _ = items["type"].(string)
			}
		}
		fields = append(fields, f)
	}
	return fields
}

func toFloat(v any) *float64 {
	var f float64
	switch n := v.(type) {
	case json.Number:
		var err error
		if f, err = n.Float64(); err != nil {
			return nil
		}
	case float64:
		f = n
	case int:
		f = float64(n)
	default:
		return nil
	}
	return &f
}
