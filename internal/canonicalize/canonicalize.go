// Package canonicalize converts raw request inputs into the block IR the
// pipeline operates on.
package canonicalize

import (
	"encoding/json"
	"strings"

	"github.com/fyrsmithlabs/promptd/internal/block"
	"github.com/fyrsmithlabs/promptd/internal/tokenizer"
)

// Message is a single conversation message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolSchema describes one tool offered to the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Required    []string        `json:"required,omitempty"`
}

// Doc is a retrieved document attached to the request.
type Doc struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ToolOutput is the textual result of a prior tool execution.
type ToolOutput struct {
	Tool    string `json:"tool"`
	Content string `json:"content"`
}

// Canonicalize converts messages, tool schemas, retrieved docs, and tool
// outputs into an ordered block list. Timestamps are strictly monotonic in
// input order. Must-keep defaults: every system and developer block, plus the
// single most recent user block. Constraint blocks are never produced here;
// they are extracted later by the heuristics.
func Canonicalize(messages []Message, tools []ToolSchema, docs []Doc, outputs []ToolOutput, model string, counter *tokenizer.Counter) []block.Block {
	blocks := make([]block.Block, 0, len(messages)+len(tools)+len(docs)+len(outputs))
	var ts int64

	next := func(b block.Block) {
		b.Timestamp = ts
		ts++
		blocks = append(blocks, b)
	}

	lastUser := -1
	for i, msg := range messages {
		if strings.EqualFold(msg.Role, "user") {
			lastUser = i
		}
	}

	for i, msg := range messages {
		kind, mustKeep, priority := classifyRole(msg.Role, i == lastUser)
		b := block.New(kind, msg.Content, counter.Count(msg.Content, model))
		b.MustKeep = mustKeep
		b.Priority = priority
		b.Source = string(kind)
		next(b)
	}

	for _, tool := range tools {
		content := marshalToolSchema(tool)
		b := block.New(block.KindTool, content, counter.Count(content, model))
		b.Priority = 0.8
		b.Source = "tool-schema"
		b.Metadata = map[string]string{"tool_name": tool.Name}
		next(b)
	}

	for _, doc := range docs {
		if strings.TrimSpace(doc.Content) == "" {
			continue
		}
		b := block.New(block.KindDoc, doc.Content, counter.Count(doc.Content, model))
		b.Priority = 0.6
		b.Source = "retrieved:" + doc.ID
		if len(doc.Metadata) > 0 {
			b.Metadata = doc.Metadata
		}
		next(b)
	}

	for _, out := range outputs {
		b := block.New(block.KindTool, out.Content, counter.Count(out.Content, model))
		b.Priority = 0.7
		b.Source = toolOutputSource(out.Tool)
		b.Metadata = map[string]string{"tool_name": out.Tool}
		next(b)
	}

	return blocks
}

// classifyRole maps a message role onto a block kind and its default
// must-keep and priority assignment.
func classifyRole(role string, isLastUser bool) (block.Kind, bool, float64) {
	switch strings.ToLower(role) {
	case "system":
		return block.KindSystem, true, 1.0
	case "developer":
		return block.KindDeveloper, true, 1.0
	case "user":
		if isLastUser {
			return block.KindUser, true, 0.9
		}
		return block.KindUser, false, 0.7
	case "assistant":
		return block.KindAssistant, false, 0.5
	default:
		return block.KindAssistant, false, 0.3
	}
}

// marshalToolSchema serializes a schema compactly. The heuristics minimize it
// further; here the full shape is preserved.
func marshalToolSchema(tool ToolSchema) string {
	data, err := json.Marshal(tool)
	if err != nil {
		return tool.Name
	}
	return string(data)
}

// toolOutputSource tags tool outputs so the log-trimming heuristic can find
// log-like blocks by provenance.
func toolOutputSource(name string) string {
	if strings.Contains(strings.ToLower(name), "log") {
		return "log:" + name
	}
	return "tool-output:" + name
}

// BlocksToMessages converts final blocks back into provider-shaped messages.
// Tool, doc, and constraint blocks are folded into system-role messages so no
// selected content is lost on the wire.
func BlocksToMessages(blocks []block.Block) []Message {
	messages := make([]Message, 0, len(blocks))
	for _, b := range blocks {
		switch b.Kind {
		case block.KindSystem, block.KindDeveloper, block.KindConstraint:
			messages = append(messages, Message{Role: "system", Content: b.Content})
		case block.KindUser:
			messages = append(messages, Message{Role: "user", Content: b.Content})
		case block.KindAssistant:
			messages = append(messages, Message{Role: "assistant", Content: b.Content})
		case block.KindTool, block.KindDoc:
			messages = append(messages, Message{Role: "system", Content: b.Content})
		}
	}
	return messages
}
