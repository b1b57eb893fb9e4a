package heuristics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/promptd/internal/block"
	"github.com/fyrsmithlabs/promptd/internal/canonicalize"
	"github.com/fyrsmithlabs/promptd/internal/config"
	"github.com/fyrsmithlabs/promptd/internal/tokenizer"
)

func testCounter() *tokenizer.Counter {
	return tokenizer.NewCounter(nil)
}

func testConfig() *config.Config {
	return config.Default()
}

func canonical(t *testing.T, messages []canonicalize.Message) []block.Block {
	t.Helper()
	return canonicalize.Canonicalize(messages, nil, nil, nil, "gpt-4", testCounter())
}

// Mirrors the pure-heuristic reduction scenario: duplicated user messages and
// pleasantry-only assistant replies disappear, leaving three blocks.
func TestApply_PureHeuristicReduction(t *testing.T) {
	blocks := canonical(t, []canonicalize.Message{
		{Role: "system", Content: "You are helpful."},
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Sure, I can help."},
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Of course!"},
		{Role: "user", Content: "What is Python?"},
	})

	cfg := testConfig()
	cfg.KeepLastNTurns = 1

	res := Apply(blocks, cfg, testCounter(), "gpt-4")
	require.Len(t, res.Blocks, 3)
	assert.Equal(t, block.KindSystem, res.Blocks[0].Kind)
	assert.Equal(t, "Hello", res.Blocks[1].Content)
	assert.Equal(t, "What is Python?", res.Blocks[2].Content)
	assert.True(t, res.Changed)

	reasons := map[string]int{}
	for _, d := range res.Dropped {
		reasons[d.Reason]++
	}
	assert.Equal(t, 2, reasons[ReasonJunk])
	assert.Equal(t, 1, reasons[ReasonDuplicate])
}

func TestRemoveJunk_KeepsAssistantInsideKeepWindow(t *testing.T) {
	blocks := canonical(t, []canonicalize.Message{
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Sure, I can help."},
		{Role: "user", Content: "Real question"},
	})

	cfg := testConfig()
	cfg.KeepLastNTurns = 4

	res := Apply(blocks, cfg, testCounter(), "gpt-4")
	require.Len(t, res.Blocks, 3, "recent assistant pleasantry is inside the keep-window")
}

func TestDeduplicate_KeepsMostRecent(t *testing.T) {
	blocks := canonical(t, []canonicalize.Message{
		{Role: "user", Content: "repeat me"},
		{Role: "assistant", Content: "answer one"},
		{Role: "user", Content: "Repeat   Me"},
		{Role: "user", Content: "final question"},
	})

	cfg := testConfig()
	cfg.KeepLastNTurns = 1

	res := Apply(blocks, cfg, testCounter(), "gpt-4")

	var repeats []block.Block
	for _, b := range res.Blocks {
		if block.Normalize(b.Content) == "repeat me" {
			repeats = append(repeats, b)
		}
	}
	require.Len(t, repeats, 1, "normalized duplicates collapse to one")
	assert.Equal(t, "Repeat   Me", repeats[0].Content, "the most recent duplicate survives")
}

// Mirrors the constraint-extraction scenario: directive sentences collect
// into one must-keep constraint block placed after the system block.
func TestExtractConstraints(t *testing.T) {
	blocks := canonical(t, []canonicalize.Message{
		{Role: "system", Content: "You MUST reply in JSON. NEVER include PII. ALWAYS validate input."},
		{Role: "user", Content: "Process data"},
	})

	res := Apply(blocks, testConfig(), testCounter(), "gpt-4")
	require.Len(t, res.Blocks, 3)

	assert.Equal(t, block.KindSystem, res.Blocks[0].Kind)
	constraint := res.Blocks[1]
	assert.Equal(t, block.KindConstraint, constraint.Kind)
	assert.True(t, constraint.MustKeep)
	assert.Equal(t, "You MUST reply in JSON.\nNEVER include PII.\nALWAYS validate input.", constraint.Content)
	assert.Equal(t, block.KindUser, res.Blocks[2].Kind)
}

func TestExtractConstraints_NoMatchesNoBlock(t *testing.T) {
	blocks := canonical(t, []canonicalize.Message{
		{Role: "system", Content: "You are a friendly assistant."},
		{Role: "user", Content: "Tell me about otters."},
	})

	res := Apply(blocks, testConfig(), testCounter(), "gpt-4")
	for _, b := range res.Blocks {
		assert.NotEqual(t, block.KindConstraint, b.Kind)
	}
}

func TestExtractConstraints_CaseSensitive(t *testing.T) {
	blocks := canonical(t, []canonicalize.Message{
		{Role: "system", Content: "you must reply briefly."},
		{Role: "user", Content: "hi there"},
	})

	res := Apply(blocks, testConfig(), testCounter(), "gpt-4")
	for _, b := range res.Blocks {
		assert.NotEqual(t, block.KindConstraint, b.Kind, "lowercase 'must' is not a directive")
	}
}

func TestKeepLastNTurns_MarksRecentTurns(t *testing.T) {
	blocks := canonical(t, []canonicalize.Message{
		{Role: "user", Content: "turn one question"},
		{Role: "assistant", Content: "turn one answer"},
		{Role: "user", Content: "turn two question"},
		{Role: "assistant", Content: "turn two answer"},
		{Role: "user", Content: "turn three question"},
	})

	cfg := testConfig()
	cfg.KeepLastNTurns = 2

	res := Apply(blocks, cfg, testCounter(), "gpt-4")

	kept := map[string]bool{}
	for _, b := range res.Blocks {
		kept[b.Content] = b.MustKeep
	}
	assert.False(t, kept["turn one question"])
	assert.False(t, kept["turn one answer"])
	assert.True(t, kept["turn two question"])
	assert.True(t, kept["turn two answer"])
	assert.True(t, kept["turn three question"])
}

func TestApply_MustKeepInvariant(t *testing.T) {
	blocks := canonical(t, []canonicalize.Message{
		{Role: "system", Content: "System prompt stays."},
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Sure, I can help."},
		{Role: "user", Content: "Final question"},
	})

	var mustKeepContents []string
	for _, b := range blocks {
		if b.MustKeep {
			mustKeepContents = append(mustKeepContents, b.Content)
		}
	}

	cfg := testConfig()
	cfg.KeepLastNTurns = 1
	res := Apply(blocks, cfg, testCounter(), "gpt-4")

	surviving := map[string]bool{}
	for _, b := range res.Blocks {
		surviving[b.Content] = true
	}
	for _, content := range mustKeepContents {
		assert.True(t, surviving[content], "must-keep content %q must survive heuristics", content)
	}
}
