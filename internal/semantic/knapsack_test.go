package semantic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/promptd/internal/block"
)

func cand(kind block.Kind, tokens int, utility float64) *candidate {
	b := block.New(kind, "content", tokens)
	b.Tokens = tokens
	return &candidate{block: b, utility: utility}
}

func TestPackBudget_DebitsKindThenOverflow(t *testing.T) {
	// 100 available, docs get 50%, nothing else configured: 50 doc budget,
	// 50 overflow.
	docs := []*candidate{
		cand(block.KindDoc, 40, 0.9),
		cand(block.KindDoc, 40, 0.8),
		cand(block.KindDoc, 40, 0.7),
	}

	accepted, rejected := packBudget(docs, 100, map[string]float64{"doc": 0.5})
	assert.Len(t, accepted, 2, "first fits the sub-budget, second spills into overflow")
	require.Len(t, rejected, 1)
	assert.Equal(t, ReasonKindCap, rejected[0].dropReason, "sub-budget exhausted before the third")
}

func TestPackBudget_MissingKindFractionPoolsIntoOverflow(t *testing.T) {
	// Assistant fraction is configured but no assistant candidates exist, so
	// its mass serves the doc overflow.
	docs := []*candidate{
		cand(block.KindDoc, 60, 0.9),
	}

	accepted, rejected := packBudget(docs, 100, map[string]float64{"doc": 0.3, "assistant": 0.7})
	assert.Len(t, accepted, 1)
	assert.Empty(t, rejected)
}

func TestPackBudget_NothingFits(t *testing.T) {
	docs := []*candidate{cand(block.KindDoc, 500, 0.9)}
	accepted, rejected := packBudget(docs, 100, map[string]float64{"doc": 1.0})
	assert.Empty(t, accepted)
	require.Len(t, rejected, 1)
	assert.Equal(t, ReasonOverBudget, rejected[0].dropReason)
}

func TestPackBudget_NoBudget(t *testing.T) {
	docs := []*candidate{cand(block.KindDoc, 1, 0.9)}
	accepted, rejected := packBudget(docs, 0, map[string]float64{"doc": 1.0})
	assert.Empty(t, accepted)
	assert.Len(t, rejected, 1)
}

func TestMMROrder_DiversityBreaksTies(t *testing.T) {
	// Two near-duplicates of the top candidate and one distinct candidate.
	// With a balanced lambda the distinct one outranks the duplicate.
	top := cand(block.KindDoc, 10, 0.9)
	top.embedding = []float32{1, 0}
	duplicate := cand(block.KindDoc, 10, 0.85)
	duplicate.embedding = []float32{1, 0}
	distinct := cand(block.KindDoc, 10, 0.6)
	distinct.embedding = []float32{0, 1}

	ordered := mmrOrder([]*candidate{top, duplicate, distinct}, 0.5)
	require.Len(t, ordered, 3)
	assert.Same(t, top, ordered[0])
	assert.Same(t, distinct, ordered[1], "diversity outweighs raw utility at lambda=0.5")
	assert.Same(t, duplicate, ordered[2])
	assert.True(t, duplicate.redundant, "dominated duplicate is flagged")
}

func TestMMROrder_SingleCandidate(t *testing.T) {
	only := cand(block.KindDoc, 10, 0.5)
	only.embedding = []float32{1}
	ordered := mmrOrder([]*candidate{only}, 0.7)
	require.Len(t, ordered, 1)
	assert.Same(t, only, ordered[0])
}

func TestScorer_ConstraintAndIdentifierHits(t *testing.T) {
	assert.Equal(t, 1.0, constraintHits("You MUST do it. ALWAYS check. NEVER skip."))
	assert.InDelta(t, 1.0/3, constraintHits("FORMAT matters"), 1e-9)
	assert.Equal(t, 0.0, constraintHits("nothing special"))

	assert.Equal(t, 0.0, identifierHits("plain words only"))
	assert.Greater(t, identifierHits("order 123456 and https://example.com/x"), 0.0)
	assert.Equal(t, 1.0, identifierHits("ids 111111 222222 333333 444444 555555"))
}
