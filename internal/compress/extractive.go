package compress

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

// Power-iteration parameters for the sentence graph ranking.
const (
	rankDamping    = 0.85
	rankIterations = 12
)

// Large blocks skip graph ranking entirely; quadratic sentence similarity
// over multi-thousand-token blobs would dominate end-to-end latency.
const graphRankTokenLimit = 2000

// headFraction is the share of the target kept from the front during
// head/tail truncation; the rest comes from the tail so trailing
// instructions survive.
const headFraction = 0.35

// boostKeywords mark sentences that carry directives worth keeping.
var boostKeywords = []string{"MUST", "ALWAYS", "NEVER", "REQUIRED", "FORMAT", "JSON", "DEADLINE"}

// boostIdentifierPattern matches identifier-like tokens that anchor a
// sentence to concrete facts.
var boostIdentifierPattern = regexp.MustCompile(
	`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b|\b\d{3,}\b|\b[A-Z]{2,}_[A-Z_]+\b|` + "```")

// extractive summarizes content down to roughly ratio of its tokens by
// ranking sentences on a similarity graph, boosting directive and
// identifier-bearing sentences, and keeping the top sentences in original
// order.
func (e *Engine) extractive(content string, ratio float64, model string) string {
	origTokens := e.counter.Count(content, model)
	target := int(math.Ceil(float64(origTokens) * ratio))

	if origTokens > graphRankTokenLimit {
		return headTailTruncate(content, target, origTokens)
	}

	sentences := splitSentences(content)
	if len(sentences) <= 1 {
		return content
	}

	scores := rankSentences(sentences)
	for i, s := range sentences {
		scores[i] *= 1 + boost(s)
	}

	type ranked struct {
		index int
		score float64
	}
	order := make([]ranked, len(sentences))
	for i, score := range scores {
		order[i] = ranked{index: i, score: score}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].score > order[j].score
	})

	selected := make(map[int]bool)
	used := 0
	for _, r := range order {
		cost := e.counter.Count(sentences[r.index], model)
		if used+cost > target && len(selected) > 0 {
			continue
		}
		selected[r.index] = true
		used += cost
		if used >= target {
			break
		}
	}

	var parts []string
	for i, s := range sentences {
		if selected[i] {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// rankSentences runs damped power iteration over the sentence similarity
// graph; the stationary score is a centrality measure akin to TextRank.
func rankSentences(sentences []string) []float64 {
	n := len(sentences)
	wordSets := make([]map[string]bool, n)
	for i, s := range sentences {
		wordSets[i] = contentWords(s)
	}

	sim := make([][]float64, n)
	rowSum := make([]float64, n)
	for i := range sim {
		sim[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			sim[i][j] = jaccard(wordSets[i], wordSets[j])
			rowSum[i] += sim[i][j]
		}
	}

	scores := make([]float64, n)
	next := make([]float64, n)
	for i := range scores {
		scores[i] = 1.0 / float64(n)
	}

	for iter := 0; iter < rankIterations; iter++ {
		for i := range next {
			sum := 0.0
			for j := 0; j < n; j++ {
				if j == i || rowSum[j] == 0 {
					continue
				}
				sum += scores[j] * sim[j][i] / rowSum[j]
			}
			next[i] = (1-rankDamping)/float64(n) + rankDamping*sum
		}
		copy(scores, next)
	}
	return scores
}

// boost rewards sentences carrying constraint keywords or identifiers.
func boost(sentence string) float64 {
	b := 0.0
	for _, kw := range boostKeywords {
		if strings.Contains(sentence, kw) {
			b += 0.5
			break
		}
	}
	if boostIdentifierPattern.MatchString(sentence) {
		b += 0.3
	}
	return b
}

// headTailTruncate keeps the leading and trailing share of a large block and
// elides the middle. Token targets are approximated by line share.
func headTailTruncate(content string, targetTokens, origTokens int) string {
	lines := strings.Split(content, "\n")
	if len(lines) < 3 {
		return content
	}

	frac := float64(targetTokens) / float64(origTokens)
	if frac >= 1 {
		return content
	}
	keep := int(float64(len(lines)) * frac)
	if keep < 2 {
		keep = 2
	}
	head := int(float64(keep) * headFraction)
	if head < 1 {
		head = 1
	}
	tail := keep - head
	if tail < 1 {
		tail = 1
	}
	if head+tail >= len(lines) {
		return content
	}

	out := make([]string, 0, keep+1)
	out = append(out, lines[:head]...)
	out = append(out, "...")
	out = append(out, lines[len(lines)-tail:]...)
	return strings.Join(out, "\n")
}

// splitSentences splits on newlines, then on sentence terminators, keeping
// the terminator with its sentence.
func splitSentences(content string) []string {
	var sentences []string
	for _, line := range strings.Split(content, "\n") {
		var current strings.Builder
		for _, r := range line {
			current.WriteRune(r)
			if r == '.' || r == '!' || r == '?' {
				if s := strings.TrimSpace(current.String()); s != "" {
					sentences = append(sentences, s)
				}
				current.Reset()
			}
		}
		if s := strings.TrimSpace(current.String()); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

// contentWords lowercases and filters out short tokens and stopwords.
func contentWords(sentence string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(sentence), func(r rune) bool {
		return !isWordRune(r)
	}) {
		if len(w) > 2 && !stopwords[w] {
			words[w] = true
		}
	}
	return words
}

func isWordRune(r rune) bool {
	return r == '_' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if b[w] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "had": true,
	"has": true, "have": true, "was": true, "were": true, "with": true,
	"this": true, "that": true, "these": true, "those": true, "from": true,
	"they": true, "will": true, "would": true, "could": true, "should": true,
	"there": true, "their": true, "what": true, "when": true, "where": true,
}
