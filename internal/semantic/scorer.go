// Package semantic implements embedding-backed block selection: multi-factor
// utility scoring, MMR re-ranking, and per-kind budget packing.
package semantic

import (
	"math"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/promptd/internal/block"
	"github.com/fyrsmithlabs/promptd/internal/config"
	"github.com/fyrsmithlabs/promptd/internal/vectorstore"
)

// Utility factor weights.
const (
	weightSimilarity    = 0.40
	weightRecency       = 0.20
	weightConstraints   = 0.15
	weightIdentifiers   = 0.10
	weightSourceTrust   = 0.10
	weightEntityJaccard = 0.05
)

// constraintKeywords counted by the constraint-hits factor.
var constraintKeywords = []string{"MUST", "ALWAYS", "NEVER", "REQUIRED", "FORMAT", "JSON", "DEADLINE"}

// identifierPatterns match identifier-like tokens: UUIDs, id-shaped tokens,
// hex and long decimal ids, URLs, CONSTANT_CASE names, code fences.
var identifierPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`),
	regexp.MustCompile(`(?i)\bid[_-]?\d+\b`),
	regexp.MustCompile(`\b[0-9a-f]{12,}\b`),
	regexp.MustCompile(`\b\d{3,}\b`),
	regexp.MustCompile(`https?://\S+`),
	regexp.MustCompile(`\b[A-Z]{2,}_[A-Z_]+\b`),
	regexp.MustCompile("```"),
}

// entityPatterns match named-entity-like tokens: proper nouns, numbers,
// ISO dates.
var entityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b[A-Z][a-z]+\b`),
	regexp.MustCompile(`\b\d+(?:\.\d+)?\b`),
	regexp.MustCompile(`\d{4}-\d{2}-\d{2}`),
}

// scorer computes the multi-factor utility of candidate blocks against one
// query.
type scorer struct {
	queryVec      []float32
	queryEntities map[string]bool
	newestTS      int64
	tau           float64
	trust         map[string]float64
}

func newScorer(queryText string, queryVec []float32, newestTS int64, cfg *config.Config) *scorer {
	return &scorer{
		queryVec:      queryVec,
		queryEntities: entitySet(queryText),
		newestTS:      newestTS,
		tau:           cfg.RecencyTau,
		trust:         cfg.SourceTrust,
	}
}

// utility combines the weighted factors into a single score.
func (s *scorer) utility(b block.Block, embedding []float32) float64 {
	sim := float64(vectorstore.Cosine(s.queryVec, embedding))
	if sim < 0 {
		sim = 0
	} else if sim > 1 {
		sim = 1
	}

	delta := float64(s.newestTS - b.Timestamp)
	if delta < 0 {
		delta = 0
	}
	recency := math.Exp(-delta / s.tau)

	return weightSimilarity*sim +
		weightRecency*recency +
		weightConstraints*constraintHits(b.Content) +
		weightIdentifiers*identifierHits(b.Content) +
		weightSourceTrust*s.sourceTrust(b.Source) +
		weightEntityJaccard*entityJaccard(b.Content, s.queryEntities)
}

// constraintHits saturates at three keyword occurrences.
func constraintHits(content string) float64 {
	count := 0
	for _, kw := range constraintKeywords {
		count += strings.Count(content, kw)
	}
	return saturate(count, 3)
}

// identifierHits saturates at five identifier-like tokens.
func identifierHits(content string) float64 {
	count := 0
	for _, re := range identifierPatterns {
		count += len(re.FindAllString(content, -1))
	}
	return saturate(count, 5)
}

func saturate(count, cap int) float64 {
	if count >= cap {
		return 1
	}
	return float64(count) / float64(cap)
}

// sourceTrust resolves a trust score for the source tag; prefixed tags like
// "retrieved:<docid>" fall back to their prefix entry.
func (s *scorer) sourceTrust(source string) float64 {
	if v, ok := s.trust[source]; ok {
		return v
	}
	if prefix, _, found := strings.Cut(source, ":"); found {
		if v, ok := s.trust[prefix]; ok {
			return v
		}
	}
	return 0.5
}

// entityJaccard compares entity-like tokens in content with the query's.
func entityJaccard(content string, queryEntities map[string]bool) float64 {
	if len(queryEntities) == 0 {
		return 0
	}
	contentEntities := entitySet(content)
	if len(contentEntities) == 0 {
		return 0
	}
	intersection := 0
	union := len(queryEntities)
	for e := range contentEntities {
		if queryEntities[e] {
			intersection++
		} else {
			union++
		}
	}
	return float64(intersection) / float64(union)
}

func entitySet(text string) map[string]bool {
	entities := make(map[string]bool)
	for _, re := range entityPatterns {
		for _, m := range re.FindAllString(text, -1) {
			entities[m] = true
		}
	}
	return entities
}
