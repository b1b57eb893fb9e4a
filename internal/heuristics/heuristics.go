// Package heuristics implements the deterministic block transforms that run
// before any model-backed optimization.
package heuristics

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/promptd/internal/block"
	"github.com/fyrsmithlabs/promptd/internal/config"
	"github.com/fyrsmithlabs/promptd/internal/tokenizer"
)

// Drop reasons recorded for removed blocks.
const (
	ReasonJunk          = "junk"
	ReasonDuplicate     = "duplicate"
	ReasonToolAllowlist = "tool-allowlist"
)

// ConstraintKeywords are matched case-sensitively when extracting directive
// sentences into a dedicated constraint block.
var ConstraintKeywords = []string{"MUST NOT", "MUST", "ALWAYS", "NEVER", "FORMAT", "JSON", "DEADLINE"}

// Dropped describes a block removed by a heuristic.
type Dropped struct {
	ID     string
	Kind   block.Kind
	Tokens int
	Reason string
}

// Result carries the transformed list plus bookkeeping for stats.
type Result struct {
	Blocks  []block.Block
	Dropped []Dropped
	Changed bool
}

// Apply runs the heuristic transforms in their fixed order: junk removal,
// deduplication, tool-schema minimization, JSON compaction, log trimming,
// keep-last-N-turns, constraint extraction.
func Apply(blocks []block.Block, cfg *config.Config, counter *tokenizer.Counter, model string) Result {
	res := Result{Blocks: blocks}

	keep := lastTurnIDs(res.Blocks, cfg.KeepLastNTurns)

	res.apply(removeJunk(res.Blocks, cfg, keep))
	res.apply(deduplicate(res.Blocks, cfg))
	res.apply(minimizeToolSchemas(res.Blocks, cfg, counter, model))
	res.apply(compactJSON(res.Blocks, cfg, counter, model))
	res.apply(trimLogs(res.Blocks, cfg, counter, model))

	if markLastTurns(res.Blocks, keep) {
		res.Changed = true
	}
	if extracted := extractConstraints(&res.Blocks, counter, model); extracted {
		res.Changed = true
	}

	return res
}

// apply folds one step's output into the accumulated result.
func (r *Result) apply(blocks []block.Block, dropped []Dropped, changed bool) {
	r.Blocks = blocks
	r.Dropped = append(r.Dropped, dropped...)
	if changed || len(dropped) > 0 {
		r.Changed = true
	}
}

// removeJunk drops non-must-keep blocks with empty normalized content, and
// assistant blocks outside the keep-window whose content matches a junk
// pattern.
func removeJunk(blocks []block.Block, cfg *config.Config, keepWindow map[string]bool) ([]block.Block, []Dropped, bool) {
	patterns := make([]*regexp.Regexp, 0, len(cfg.JunkPatterns))
	for _, p := range cfg.JunkPatterns {
		if re, err := regexp.Compile(p); err == nil {
			patterns = append(patterns, re)
		}
	}

	var dropped []Dropped
	out := blocks[:0]
	for _, b := range blocks {
		if b.MustKeep {
			out = append(out, b)
			continue
		}
		if block.Normalize(b.Content) == "" {
			dropped = append(dropped, Dropped{ID: b.ID, Kind: b.Kind, Tokens: b.Tokens, Reason: ReasonJunk})
			continue
		}
		if b.Kind == block.KindAssistant && !keepWindow[b.ID] && matchesAny(patterns, strings.TrimSpace(b.Content)) {
			dropped = append(dropped, Dropped{ID: b.ID, Kind: b.Kind, Tokens: b.Tokens, Reason: ReasonJunk})
			continue
		}
		out = append(out, b)
	}
	return out, dropped, false
}

func matchesAny(patterns []*regexp.Regexp, content string) bool {
	for _, re := range patterns {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

// deduplicate groups non-must-keep blocks by normalized-content digest and
// keeps the one with the greatest timestamp from each group. Survivor order
// is unchanged.
func deduplicate(blocks []block.Block, cfg *config.Config) ([]block.Block, []Dropped, bool) {
	newest := make(map[string]int64)
	for _, b := range blocks {
		if b.MustKeep {
			continue
		}
		key := dedupeKey(b.Content, cfg.DedupeNormalize)
		if ts, ok := newest[key]; !ok || b.Timestamp > ts {
			newest[key] = b.Timestamp
		}
	}

	var dropped []Dropped
	out := blocks[:0]
	for _, b := range blocks {
		if b.MustKeep {
			out = append(out, b)
			continue
		}
		if newest[dedupeKey(b.Content, cfg.DedupeNormalize)] != b.Timestamp {
			dropped = append(dropped, Dropped{ID: b.ID, Kind: b.Kind, Tokens: b.Tokens, Reason: ReasonDuplicate})
			continue
		}
		out = append(out, b)
	}
	return out, dropped, false
}

// dedupeKey digests content under the configured normalization flags.
func dedupeKey(content string, norm config.DedupeNormalize) string {
	s := content
	if norm.Lowercase {
		s = strings.ToLower(s)
	}
	if norm.CollapseWhitespace {
		s = strings.Join(strings.Fields(s), " ")
	} else {
		s = strings.TrimSpace(s)
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// markLastTurns sets must_keep on every block inside the keep-window.
func markLastTurns(blocks []block.Block, keepWindow map[string]bool) bool {
	changed := false
	for i := range blocks {
		if keepWindow[blocks[i].ID] && !blocks[i].MustKeep {
			blocks[i].MustKeep = true
			if blocks[i].Priority < 0.9 {
				blocks[i].Priority = 0.9
			}
			changed = true
		}
	}
	return changed
}

// lastTurnIDs returns the IDs of user/assistant blocks in the last n
// conversation turns. A turn starts at each user block.
func lastTurnIDs(blocks []block.Block, n int) map[string]bool {
	if n <= 0 {
		return map[string]bool{}
	}

	ordered := block.CloneList(blocks)
	block.SortByTimestamp(ordered)

	var turns [][]string
	var current []string
	for _, b := range ordered {
		if b.Kind != block.KindUser && b.Kind != block.KindAssistant {
			continue
		}
		if b.Kind == block.KindUser && len(current) > 0 {
			turns = append(turns, current)
			current = nil
		}
		current = append(current, b.ID)
	}
	if len(current) > 0 {
		turns = append(turns, current)
	}

	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}

	ids := make(map[string]bool)
	for _, turn := range turns {
		for _, id := range turn {
			ids[id] = true
		}
	}
	return ids
}

// extractConstraints collects directive sentences from system, developer, and
// user blocks into a single must-keep constraint block placed immediately
// after the last system block. Returns false when nothing matched.
func extractConstraints(blocks *[]block.Block, counter *tokenizer.Counter, model string) bool {
	ordered := block.CloneList(*blocks)
	block.SortByTimestamp(ordered)

	var lines []string
	for _, b := range ordered {
		switch b.Kind {
		case block.KindSystem, block.KindDeveloper, block.KindUser:
		default:
			continue
		}
		for _, sentence := range splitSentences(b.Content) {
			if containsConstraintKeyword(sentence) {
				lines = append(lines, sentence)
			}
		}
	}
	if len(lines) == 0 {
		return false
	}

	content := strings.Join(lines, "\n")
	c := block.New(block.KindConstraint, content, counter.Count(content, model))
	c.MustKeep = true
	c.Priority = 1.0
	c.Source = "extracted-constraints"

	// Insert after the last system block, inheriting its timestamp so
	// timestamp-ordered output keeps the placement.
	insertAt := 0
	for i, b := range *blocks {
		if b.Kind == block.KindSystem {
			insertAt = i + 1
			c.Timestamp = b.Timestamp
		}
	}

	list := *blocks
	list = append(list, block.Block{})
	copy(list[insertAt+1:], list[insertAt:])
	list[insertAt] = c
	*blocks = list
	return true
}

func containsConstraintKeyword(sentence string) bool {
	for _, kw := range ConstraintKeywords {
		if strings.Contains(sentence, kw) {
			return true
		}
	}
	return false
}

// splitSentences splits content first on newlines, then on sentence
// terminators, retaining the terminator with its sentence.
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
