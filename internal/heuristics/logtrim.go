package heuristics

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/promptd/internal/block"
	"github.com/fyrsmithlabs/promptd/internal/config"
	"github.com/fyrsmithlabs/promptd/internal/tokenizer"
)

// errorMarkers identify log lines worth preserving with context.
var errorMarkers = []string{"ERROR", "Exception", "Traceback"}

// trimLogs reduces log-tagged blocks to their error neighbourhoods plus the
// final tail lines, collapsing the gaps with explicit elision markers.
func trimLogs(blocks []block.Block, cfg *config.Config, counter *tokenizer.Counter, model string) ([]block.Block, []Dropped, bool) {
	changed := false
	for i := range blocks {
		b := &blocks[i]
		if b.MustKeep || !isLogTagged(*b) {
			continue
		}
		content := trimLogContent(b.Content, cfg.LogErrorWindowLines, cfg.LogTailLines)
		if content != b.Content {
			b.SetContent(content, counter.Count(content, model))
			changed = true
		}
	}
	return blocks, nil, changed
}

// isLogTagged reports whether the block's provenance marks it as log output.
func isLogTagged(b block.Block) bool {
	return b.Source == "log" || strings.HasPrefix(b.Source, "log:")
}

// trimLogContent keeps lines containing an error marker together with
// `window` neighbouring lines on each side, plus the final `tail` lines.
// Line order is preserved; gaps collapse into one marker per run.
func trimLogContent(content string, window, tail int) string {
	lines := strings.Split(content, "\n")
	keep := make([]bool, len(lines))

	for i, line := range lines {
		if !containsErrorMarker(line) {
			continue
		}
		for j := max(0, i-window); j <= min(len(lines)-1, i+window); j++ {
			keep[j] = true
		}
	}
	for i := max(0, len(lines)-tail); i < len(lines); i++ {
		keep[i] = true
	}

	var out []string
	elided := 0
	flush := func() {
		if elided > 0 {
			out = append(out, fmt.Sprintf("... (%d lines elided)", elided))
			elided = 0
		}
	}
	for i, line := range lines {
		if keep[i] {
			flush()
			out = append(out, line)
		} else {
			elided++
		}
	}
	flush()

	return strings.Join(out, "\n")
}

func containsErrorMarker(line string) bool {
	for _, marker := range errorMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}
