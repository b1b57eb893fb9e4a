package heuristics

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/promptd/internal/block"
	"github.com/fyrsmithlabs/promptd/internal/config"
	"github.com/fyrsmithlabs/promptd/internal/tokenizer"
)

// compactJSON rewrites blocks whose content is a large JSON array of uniform
// objects into a tabular encoding: a header line listing the keys and one
// pipe-delimited record per line. Arrays longer than the configured item cap
// are truncated with an explicit elision marker.
func compactJSON(blocks []block.Block, cfg *config.Config, counter *tokenizer.Counter, model string) ([]block.Block, []Dropped, bool) {
	changed := false
	for i := range blocks {
		b := &blocks[i]
		if b.MustKeep || len(b.Content) <= cfg.JSONTruncateChars {
			continue
		}
		records, keys, ok := uniformObjectArray(b.Content)
		if !ok {
			continue
		}
		content := encodeTabular(records, keys, cfg.JSONTruncateItems)
		b.SetContent(content, counter.Count(content, model))
		changed = true
	}
	return blocks, nil, changed
}

// uniformObjectArray parses content as a JSON array of objects that all share
// the same key set. Returns the records and the sorted key list.
func uniformObjectArray(content string) ([]map[string]any, []string, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "[") {
		return nil, nil, false
	}

	var records []map[string]any
	if err := json.Unmarshal([]byte(trimmed), &records); err != nil || len(records) == 0 {
		return nil, nil, false
	}

	keys := sortedKeys(records[0])
	for _, rec := range records[1:] {
		if len(rec) != len(keys) {
			return nil, nil, false
		}
		for _, k := range keys {
			if _, ok := rec[k]; !ok {
				return nil, nil, false
			}
		}
	}
	return records, keys, true
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// encodeTabular renders records as a header line plus pipe-delimited rows.
func encodeTabular(records []map[string]any, keys []string, maxItems int) string {
	var sb strings.Builder
	sb.WriteString(strings.Join(keys, "|"))

	elided := 0
	if maxItems > 0 && len(records) > maxItems {
		elided = len(records) - maxItems
		records = records[:maxItems]
	}

	fields := make([]string, len(keys))
	for _, rec := range records {
		for i, k := range keys {
			fields[i] = formatCell(rec[k])
		}
		sb.WriteString("\n")
		sb.WriteString(strings.Join(fields, "|"))
	}

	if elided > 0 {
		fmt.Fprintf(&sb, "\n... (%d more records elided)", elided)
	}
	return sb.String()
}

// formatCell renders a scalar value for a table cell. Pipes and newlines in
// strings are replaced so the row structure survives.
func formatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		val = strings.ReplaceAll(val, "|", "\\|")
		return strings.ReplaceAll(val, "\n", " ")
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
