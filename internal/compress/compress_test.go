package compress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/promptd/internal/block"
	"github.com/fyrsmithlabs/promptd/internal/config"
	"github.com/fyrsmithlabs/promptd/internal/tokenizer"
)

func testCounter() *tokenizer.Counter {
	return tokenizer.NewCounter(nil)
}

// stubClient returns a canned compression result.
type stubClient struct {
	output string
	err    error
	calls  int
}

func (s *stubClient) Compress(_ context.Context, _ string, _ float64, _ []string) (string, int, error) {
	s.calls++
	if s.err != nil {
		return "", 0, s.err
	}
	return s.output, len(s.output) / 4, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.CompressMinTokens = 1
	return cfg
}

// Mirrors the faithfulness-gate scenario: the accepted candidate keeps the
// status-code identifiers and clears the threshold.
func TestCompress_AcceptsFaithfulCandidate(t *testing.T) {
	counter := testCounter()
	original := "The API returns 200 on success, 404 on not found, and 500 on error."
	candidate := "API returns 200 success, 404 not found, 500 error."

	client := &stubClient{output: candidate}
	engine, err := NewEngine(client, counter, nil)
	require.NoError(t, err)

	b := block.New(block.KindAssistant, original, counter.Count(original, "gpt-4"))
	blocks := []block.Block{b}

	res := engine.Compress(context.Background(), blocks, testConfig(), "gpt-4")
	require.Equal(t, 1, res.Compressed)
	assert.True(t, res.Changed)

	out := res.Blocks[0]
	assert.True(t, out.Compressed)
	assert.Equal(t, candidate, out.Content)
	assert.Equal(t, original, out.OriginalContent)
	assert.Less(t, out.Tokens, out.OriginalTokens)
	assert.Contains(t, out.Content, "200")
	assert.Contains(t, out.Content, "404")
	assert.Contains(t, out.Content, "500")
	assert.GreaterOrEqual(t, res.Faithfulness, 0.85)
	assert.Equal(t, block.Fingerprint(candidate), out.Fingerprint)
}

func TestCompress_RejectsCandidateDroppingIdentifiers(t *testing.T) {
	counter := testCounter()
	original := "The API returns 200 on success, 404 on not found, and 500 on error."

	client := &stubClient{output: "API returns some codes."}
	engine, err := NewEngine(client, counter, nil)
	require.NoError(t, err)

	b := block.New(block.KindAssistant, original, counter.Count(original, "gpt-4"))
	res := engine.Compress(context.Background(), []block.Block{b}, testConfig(), "gpt-4")

	assert.Equal(t, 0, res.Compressed)
	assert.Equal(t, 1, res.Rejected)
	out := res.Blocks[0]
	assert.False(t, out.Compressed)
	assert.Equal(t, original, out.Content, "rejected candidates leave the block unchanged")
}

func TestCompress_SkipRules(t *testing.T) {
	counter := testCounter()
	client := &stubClient{output: "short"}
	engine, err := NewEngine(client, counter, nil)
	require.NoError(t, err)

	long := strings.Repeat("This sentence is filler content for the block. ", 10)

	system := block.New(block.KindSystem, long, counter.Count(long, "gpt-4"))
	constraint := block.New(block.KindConstraint, long, counter.Count(long, "gpt-4"))
	kept := block.New(block.KindAssistant, long, counter.Count(long, "gpt-4"))
	kept.MustKeep = true
	tiny := block.New(block.KindAssistant, "hi", counter.Count("hi", "gpt-4"))

	cfg := config.Default() // CompressMinTokens default excludes "hi"
	res := engine.Compress(context.Background(), []block.Block{system, constraint, kept, tiny}, cfg, "gpt-4")

	assert.Equal(t, 0, res.Compressed)
	assert.Equal(t, 0, client.calls, "ineligible blocks never reach the compressor")
	for _, b := range res.Blocks {
		assert.False(t, b.Compressed)
	}
}

func TestCompress_ClientFailureFallsBackToExtractive(t *testing.T) {
	counter := testCounter()
	client := &stubClient{err: errors.New("model unavailable")}
	engine, err := NewEngine(client, counter, nil)
	require.NoError(t, err)

	var sb strings.Builder
	for i := 0; i < 30; i++ {
		sb.WriteString("The deployment pipeline builds the service and runs checks. ")
		sb.WriteString("Filler sentence with generic words carrying little meaning here. ")
	}
	content := sb.String()

	b := block.New(block.KindAssistant, content, counter.Count(content, "gpt-4"))
	cfg := testConfig()
	res := engine.Compress(context.Background(), []block.Block{b}, cfg, "gpt-4")

	assert.Greater(t, client.calls, 0)
	out := res.Blocks[0]
	if out.Compressed {
		assert.Less(t, out.Tokens, out.OriginalTokens)
		assert.GreaterOrEqual(t, Faithfulness(out.OriginalContent, out.Content), cfg.FaithfulnessThreshold)
	} else {
		assert.Equal(t, content, out.Content)
	}
}

func TestUndo_RestoresOriginals(t *testing.T) {
	counter := testCounter()
	original := "The API returns 200 on success, 404 on not found, and 500 on error."
	candidate := "API returns 200 success, 404 not found, 500 error."

	engine, err := NewEngine(&stubClient{output: candidate}, counter, nil)
	require.NoError(t, err)

	b := block.New(block.KindAssistant, original, counter.Count(original, "gpt-4"))
	res := engine.Compress(context.Background(), []block.Block{b}, testConfig(), "gpt-4")
	require.Equal(t, 1, res.Compressed)

	changed := Undo(res.Blocks)
	assert.True(t, changed)
	out := res.Blocks[0]
	assert.False(t, out.Compressed)
	assert.Equal(t, original, out.Content)
	assert.Empty(t, out.OriginalContent)
	assert.Equal(t, block.Fingerprint(original), out.Fingerprint)
}

func TestExtractive_ReducesLongContent(t *testing.T) {
	counter := testCounter()
	engine, err := NewEngine(nil, counter, nil)
	require.NoError(t, err)

	var sb strings.Builder
	sb.WriteString("The service MUST respond within 100 milliseconds. ")
	for i := 0; i < 40; i++ {
		// Disjoint vocabulary per sentence keeps the similarity graph sparse.
		sb.WriteString(fmt.Sprintf("Segment%da segment%db segment%dc segment%dd segment%de. ", i, i, i, i, i))
	}
	content := sb.String()

	out := engine.extractive(content, 0.3, "gpt-4")
	assert.Less(t, counter.Count(out, "gpt-4"), counter.Count(content, "gpt-4"))
	assert.Contains(t, out, "MUST respond within 100 milliseconds", "boosted directive sentence survives")
}

func TestHeadTailTruncate(t *testing.T) {
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = "line"
	}
	lines[0] = "first"
	lines[99] = "last"
	content := strings.Join(lines, "\n")

	out := headTailTruncate(content, 20, 100)
	assert.Contains(t, out, "first")
	assert.Contains(t, out, "last")
	assert.Contains(t, out, "...")
	assert.Less(t, len(out), len(content))
}

func TestFaithfulness(t *testing.T) {
	tests := []struct {
		name      string
		original  string
		candidate string
		check     func(t *testing.T, score float64)
	}{
		{
			name:      "identical text",
			original:  "Service Alpha handles 1200 requests.",
			candidate: "Service Alpha handles 1200 requests.",
			check: func(t *testing.T, score float64) {
				assert.Equal(t, 1.0, score)
			},
		},
		{
			name:      "no entities to preserve",
			original:  "just plain lowercase words",
			candidate: "anything",
			check: func(t *testing.T, score float64) {
				assert.Equal(t, 1.0, score)
			},
		},
		{
			name:      "dropped number tanks the score",
			original:  "Retry after 500 ms, then abort.",
			candidate: "Retry, then abort.",
			check: func(t *testing.T, score float64) {
				assert.Less(t, score, 0.85)
			},
		},
		{
			name:      "identifiers preserved scores high",
			original:  "The API returns 200 on success, 404 on not found, and 500 on error.",
			candidate: "API returns 200 success, 404 not found, 500 error.",
			check: func(t *testing.T, score float64) {
				assert.GreaterOrEqual(t, score, 0.85)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score := Faithfulness(tt.original, tt.candidate)
			assert.GreaterOrEqual(t, score, 0.0)
			assert.LessOrEqual(t, score, 1.0)
			tt.check(t, score)
		})
	}
}

func TestFaithfulness_MonotonicInPreservation(t *testing.T) {
	original := "Order 123 ships to Berlin on 2024-03-01 via Carrier Express."
	full := "Order 123 ships to Berlin via Carrier Express on 2024-03-01."
	partial := "Order 123 ships to Berlin."
	empty := "It ships."

	fullScore := Faithfulness(original, full)
	partialScore := Faithfulness(original, partial)
	emptyScore := Faithfulness(original, empty)

	assert.Greater(t, fullScore, partialScore)
	assert.Greater(t, partialScore, emptyScore)
}
