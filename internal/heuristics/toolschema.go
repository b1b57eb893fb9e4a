package heuristics

import (
	"encoding/json"

	"github.com/fyrsmithlabs/promptd/internal/block"
	"github.com/fyrsmithlabs/promptd/internal/config"
	"github.com/fyrsmithlabs/promptd/internal/tokenizer"
)

// minimizeToolSchemas strips tool-schema blocks down to {name, parameters,
// required} and enforces the configured tool allowlist.
func minimizeToolSchemas(blocks []block.Block, cfg *config.Config, counter *tokenizer.Counter, model string) ([]block.Block, []Dropped, bool) {
	allow := allowedTools(cfg.ToolAllowlist)

	var dropped []Dropped
	changed := false
	out := blocks[:0]
	for _, b := range blocks {
		if b.Kind != block.KindTool || b.Source != "tool-schema" || b.MustKeep {
			out = append(out, b)
			continue
		}

		var schema map[string]any
		if err := json.Unmarshal([]byte(b.Content), &schema); err != nil {
			out = append(out, b)
			continue
		}

		name, _ := schema["name"].(string)
		if allow != nil && !allow[name] {
			dropped = append(dropped, Dropped{ID: b.ID, Kind: b.Kind, Tokens: b.Tokens, Reason: ReasonToolAllowlist})
			continue
		}

		minimal := make(map[string]any, 3)
		if name != "" {
			minimal["name"] = name
		}
		if params, ok := schema["parameters"]; ok {
			minimal["parameters"] = stripSchemaNoise(params)
		}
		if required, ok := schema["required"]; ok {
			minimal["required"] = required
		}

		data, err := json.Marshal(minimal)
		if err != nil {
			out = append(out, b)
			continue
		}
		if content := string(data); content != b.Content {
			b.SetContent(content, counter.Count(content, model))
			changed = true
		}
		out = append(out, b)
	}
	return out, dropped, changed
}

// allowedTools returns nil when every tool is allowed.
func allowedTools(allowlist []string) map[string]bool {
	if len(allowlist) == 0 {
		return nil
	}
	allow := make(map[string]bool, len(allowlist))
	for _, name := range allowlist {
		if name == "*" {
			return nil
		}
		allow[name] = true
	}
	return allow
}

// stripSchemaNoise removes description and example fields at every nesting
// level of a JSON schema value.
func stripSchemaNoise(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if k == "description" || k == "examples" || k == "example" {
				continue
			}
			out[k] = stripSchemaNoise(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = stripSchemaNoise(inner)
		}
		return out
	default:
		return v
	}
}
