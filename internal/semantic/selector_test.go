package semantic

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/promptd/internal/block"
	"github.com/fyrsmithlabs/promptd/internal/config"
	"github.com/fyrsmithlabs/promptd/internal/embeddings"
)

// vectorStub maps exact texts to fixed vectors.
type vectorStub struct {
	vectors map[string][]float32
	dim     int
	err     error
}

func (s *vectorStub) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, ok := s.vectors[text]
		if !ok {
			return nil, fmt.Errorf("no stub vector for %q", text)
		}
		out[i] = v
	}
	return out, nil
}

func (s *vectorStub) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	vecs, err := s.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (s *vectorStub) Dimension() int { return s.dim }
func (s *vectorStub) Close() error   { return nil }

// docVector builds a unit vector with the given cosine similarity to the
// query axis, spending the remainder on a component shared by every doc so
// the docs are mutually similar.
func docVector(dim int, sim float64) []float32 {
	v := make([]float32, dim)
	v[0] = float32(sim)
	v[1] = float32(math.Sqrt(1 - sim*sim))
	return v
}

// Mirrors the semantic-selection scenario: eight docs with descending query
// similarity, a budget that fits four, and a doc-only fraction split.
func TestSelect_BudgetedDocSelection(t *testing.T) {
	const dim = 8
	query := "What does the design doc say?"

	sims := []float64{0.90, 0.85, 0.80, 0.30, 0.25, 0.20, 0.15, 0.10}
	vectors := map[string][]float32{query: axisVector(dim)}

	system := block.New(block.KindSystem, "system prompt", 10)
	system.MustKeep = true
	system.Timestamp = 0
	user := block.New(block.KindUser, query, 12)
	user.MustKeep = true
	user.Timestamp = 1

	blocks := []block.Block{system, user}
	var docIDs []string
	for i, sim := range sims {
		content := fmt.Sprintf("design doc excerpt number %d", i+1)
		vectors[content] = docVector(dim, sim)
		d := block.New(block.KindDoc, content, 20)
		d.Timestamp = int64(2 + i)
		d.Source = "retrieved:kb"
		blocks = append(blocks, d)
		docIDs = append(docIDs, d.ID)
	}

	cfg := config.Default()
	cfg.TargetBudgetTokens = 120
	cfg.SafetyMarginTokens = 0
	cfg.MMRLambda = 0.7
	cfg.TypeFractions = map[string]float64{"doc": 1.0}
	cfg.RecencyTau = 100

	selector := NewSelector(&vectorStub{vectors: vectors, dim: dim}, nil, nil)
	res, err := selector.Select(context.Background(), blocks, cfg)
	require.NoError(t, err)

	require.Len(t, res.Blocks, 6, "system, user, and the four best docs")
	assert.LessOrEqual(t, block.TotalTokens(res.Blocks), 120)

	kept := map[string]bool{}
	for _, b := range res.Blocks {
		kept[b.ID] = true
	}
	assert.True(t, kept[system.ID])
	assert.True(t, kept[user.ID])
	for i := 0; i < 4; i++ {
		assert.True(t, kept[docIDs[i]], "doc with similarity %.2f should be kept", sims[i])
	}
	for i := 4; i < 8; i++ {
		assert.False(t, kept[docIDs[i]], "doc with similarity %.2f should be dropped", sims[i])
	}

	require.Len(t, res.Dropped, 4)
	for _, d := range res.Dropped {
		assert.Contains(t, []string{ReasonOverBudget, ReasonLowUtility, ReasonKindCap}, d.Reason)
	}

	// Output preserves timestamp order.
	for i := 1; i < len(res.Blocks); i++ {
		assert.GreaterOrEqual(t, res.Blocks[i].Timestamp, res.Blocks[i-1].Timestamp)
	}
}

func axisVector(dim int) []float32 {
	v := make([]float32, dim)
	v[0] = 1
	return v
}

func TestSelect_ProviderUnavailable(t *testing.T) {
	user := block.New(block.KindUser, "question", 5)
	user.MustKeep = true
	doc := block.New(block.KindDoc, "doc", 5)
	doc.Timestamp = 1

	selector := NewSelector(&vectorStub{err: embeddings.ErrUnavailable}, nil, nil)
	_, err := selector.Select(context.Background(), []block.Block{user, doc}, config.Default())
	require.Error(t, err)
	assert.ErrorIs(t, err, embeddings.ErrUnavailable)
}

func TestSelect_NoCandidatesIsNoop(t *testing.T) {
	user := block.New(block.KindUser, "question", 5)
	user.MustKeep = true

	selector := NewSelector(&vectorStub{}, nil, nil)
	res, err := selector.Select(context.Background(), []block.Block{user}, config.Default())
	require.NoError(t, err)
	assert.Len(t, res.Blocks, 1)
	assert.False(t, res.Changed)
}

func TestSelect_Deterministic(t *testing.T) {
	const dim = 4
	query := "query text"
	vectors := map[string][]float32{
		query:   axisVector(dim),
		"doc a": docVector(dim, 0.8),
		"doc b": docVector(dim, 0.6),
	}

	user := block.New(block.KindUser, query, 5)
	user.MustKeep = true
	a := block.New(block.KindDoc, "doc a", 30)
	a.Timestamp = 1
	b := block.New(block.KindDoc, "doc b", 30)
	b.Timestamp = 2

	cfg := config.Default()
	cfg.TargetBudgetTokens = 50
	cfg.SafetyMarginTokens = 0
	cfg.TypeFractions = map[string]float64{"doc": 1.0}

	selector := NewSelector(&vectorStub{vectors: vectors, dim: dim}, nil, nil)

	var first []string
	for run := 0; run < 5; run++ {
		res, err := selector.Select(context.Background(), []block.Block{user, a, b}, cfg)
		require.NoError(t, err)
		var ids []string
		for _, blk := range res.Blocks {
			ids = append(ids, blk.ID)
		}
		if run == 0 {
			first = ids
		} else {
			assert.Equal(t, first, ids, "selection must be deterministic")
		}
	}
}
