package heuristics

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/promptd/internal/block"
	"github.com/fyrsmithlabs/promptd/internal/canonicalize"
)

func TestMinimizeToolSchemas_StripsNoise(t *testing.T) {
	tools := []canonicalize.ToolSchema{{
		Name:        "search",
		Description: "Searches the knowledge base for matching passages",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"the query text","examples":["foo"]}}}`),
		Required:    []string{"query"},
	}}
	blocks := canonicalize.Canonicalize(
		[]canonicalize.Message{{Role: "user", Content: "q"}},
		tools, nil, nil, "gpt-4", testCounter(),
	)

	res := Apply(blocks, testConfig(), testCounter(), "gpt-4")

	var tool *block.Block
	for i := range res.Blocks {
		if res.Blocks[i].Kind == block.KindTool {
			tool = &res.Blocks[i]
		}
	}
	require.NotNil(t, tool)

	assert.NotContains(t, tool.Content, "description")
	assert.NotContains(t, tool.Content, "examples")
	assert.Contains(t, tool.Content, `"name":"search"`)
	assert.Contains(t, tool.Content, `"required":["query"]`)
	assert.Contains(t, tool.Content, `"query"`)
}

func TestMinimizeToolSchemas_Allowlist(t *testing.T) {
	tools := []canonicalize.ToolSchema{
		{Name: "search", Parameters: json.RawMessage(`{"type":"object"}`)},
		{Name: "delete_everything", Parameters: json.RawMessage(`{"type":"object"}`)},
	}
	blocks := canonicalize.Canonicalize(
		[]canonicalize.Message{{Role: "user", Content: "q"}},
		tools, nil, nil, "gpt-4", testCounter(),
	)

	cfg := testConfig()
	cfg.ToolAllowlist = []string{"search"}

	res := Apply(blocks, cfg, testCounter(), "gpt-4")

	var names []string
	for _, b := range res.Blocks {
		if b.Kind == block.KindTool {
			names = append(names, b.Metadata["tool_name"])
		}
	}
	assert.Equal(t, []string{"search"}, names)

	found := false
	for _, d := range res.Dropped {
		if d.Reason == ReasonToolAllowlist {
			found = true
		}
	}
	assert.True(t, found)
}

func TestMinimizeToolSchemas_WildcardKeepsAll(t *testing.T) {
	tools := []canonicalize.ToolSchema{
		{Name: "a", Parameters: json.RawMessage(`{}`)},
		{Name: "b", Parameters: json.RawMessage(`{}`)},
	}
	blocks := canonicalize.Canonicalize(
		[]canonicalize.Message{{Role: "user", Content: "q"}},
		tools, nil, nil, "gpt-4", testCounter(),
	)

	cfg := testConfig()
	cfg.ToolAllowlist = []string{"*"}

	res := Apply(blocks, cfg, testCounter(), "gpt-4")
	count := 0
	for _, b := range res.Blocks {
		if b.Kind == block.KindTool {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestCompactJSON_UniformArray(t *testing.T) {
	var records []map[string]any
	for i := 0; i < 20; i++ {
		records = append(records, map[string]any{
			"id":     float64(i),
			"name":   strings.Repeat("item", 10),
			"status": "active",
		})
	}
	data, err := json.Marshal(records)
	require.NoError(t, err)

	counter := testCounter()
	b := block.New(block.KindDoc, string(data), counter.Count(string(data), "gpt-4"))
	b.Timestamp = 1

	cfg := testConfig()
	cfg.JSONTruncateChars = 100
	cfg.JSONTruncateItems = 5

	res := Apply([]block.Block{b}, cfg, counter, "gpt-4")
	require.Len(t, res.Blocks, 1)
	out := res.Blocks[0]

	lines := strings.Split(out.Content, "\n")
	assert.Equal(t, "id|name|status", lines[0], "header lists sorted keys")
	assert.Len(t, lines, 7, "header, five records, elision marker")
	assert.Contains(t, lines[len(lines)-1], "15 more records elided")
	assert.Less(t, len(out.Content), len(data))
	assert.Equal(t, block.Fingerprint(out.Content), out.Fingerprint)
}

func TestCompactJSON_IgnoresNonUniformCompactsUniform(t *testing.T) {
	nonUniform := `[{"a":1},{"b":2}]`
	small := `[{"a":1},{"a":2}]`

	counter := testCounter()
	b1 := block.New(block.KindDoc, nonUniform, counter.Count(nonUniform, "gpt-4"))
	b2 := block.New(block.KindDoc, small, counter.Count(small, "gpt-4"))
	b2.Timestamp = 1

	cfg := testConfig()
	cfg.JSONTruncateChars = 5

	res := Apply([]block.Block{b1, b2}, cfg, counter, "gpt-4")
	assert.Equal(t, nonUniform, res.Blocks[0].Content)
	assert.NotEqual(t, nonUniform, res.Blocks[1].Content, "uniform array above threshold is compacted")
}

func TestTrimLogs(t *testing.T) {
	lines := make([]string, 0, 40)
	for i := 0; i < 15; i++ {
		lines = append(lines, "INFO step ok")
	}
	lines = append(lines, "ERROR something broke")
	for i := 0; i < 15; i++ {
		lines = append(lines, "INFO more noise")
	}
	lines = append(lines, "final line one", "final line two")
	content := strings.Join(lines, "\n")

	counter := testCounter()
	b := block.New(block.KindTool, content, counter.Count(content, "gpt-4"))
	b.Source = "log:build"

	cfg := testConfig()
	cfg.LogErrorWindowLines = 1
	cfg.LogTailLines = 2

	res := Apply([]block.Block{b}, cfg, counter, "gpt-4")
	out := res.Blocks[0].Content

	assert.Contains(t, out, "ERROR something broke")
	assert.Contains(t, out, "final line two")
	assert.Contains(t, out, "lines elided")
	assert.Less(t, len(out), len(content))

	// The error keeps one neighbour on each side.
	outLines := strings.Split(out, "\n")
	for i, line := range outLines {
		if strings.Contains(line, "ERROR") {
			require.Greater(t, i, 0)
			assert.Equal(t, "INFO step ok", outLines[i-1])
			assert.Equal(t, "INFO more noise", outLines[i+1])
		}
	}
}

func TestTrimLogs_OnlyLogTagged(t *testing.T) {
	content := "ERROR in a doc block\nnot a log though"
	counter := testCounter()
	b := block.New(block.KindDoc, content, counter.Count(content, "gpt-4"))
	b.Source = "retrieved:kb-1"

	res := Apply([]block.Block{b}, testConfig(), counter, "gpt-4")
	assert.Equal(t, content, res.Blocks[0].Content)
}
