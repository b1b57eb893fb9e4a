// Package cache provides the content-addressed store of finalized pipeline
// outputs, with single-flight deduplication of concurrent identical requests.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/fyrsmithlabs/promptd/internal/config"
)

// defaultSize bounds the number of cached entries.
const defaultSize = 4096

// Store is an in-memory TTL cache. Concurrent computations for the same key
// collapse into a single execution whose result every caller shares.
type Store[V any] struct {
	lru   *expirable.LRU[string, V]
	group singleflight.Group
}

// New creates a Store whose entries expire after ttl.
func New[V any](ttl time.Duration, size int) *Store[V] {
	if size <= 0 {
		size = defaultSize
	}
	return &Store[V]{
		lru: expirable.NewLRU[string, V](size, nil, ttl),
	}
}

// Get returns the cached value for key, if present and unexpired.
func (s *Store[V]) Get(key string) (V, bool) {
	return s.lru.Get(key)
}

// Put stores a value under key.
func (s *Store[V]) Put(key string, value V) {
	s.lru.Add(key, value)
}

// ComputeIfAbsent returns the cached value for key, or runs producer exactly
// once across concurrent callers and caches its result. The second return
// reports whether the value came from cache. Producer errors are not cached.
func (s *Store[V]) ComputeIfAbsent(key string, producer func() (V, error)) (V, bool, error) {
	if v, ok := s.lru.Get(key); ok {
		return v, true, nil
	}

	produced := false
	result, err, _ := s.group.Do(key, func() (any, error) {
		// A racing caller may have populated the entry while this one waited
		// for the flight slot.
		if v, ok := s.lru.Get(key); ok {
			return v, nil
		}
		v, err := producer()
		if err != nil {
			return nil, err
		}
		s.lru.Add(key, v)
		produced = true
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	return result.(V), !produced, nil
}

// Key derives the content address for a pipeline run: a digest over the
// target model, the tokenizer version, the sorted fingerprints of the input
// blocks, and every config option that affects the output.
func Key(model, tokenizerVersion string, fingerprints []string, cfg *config.Config) string {
	sorted := append([]string(nil), fingerprints...)
	sort.Strings(sorted)

	var sb strings.Builder
	sb.WriteString(model)
	sb.WriteString("\x00")
	sb.WriteString(tokenizerVersion)
	sb.WriteString("\x00")
	sb.WriteString(strings.Join(sorted, ","))
	sb.WriteString("\x00")
	writeConfigOptions(&sb, cfg)

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// writeConfigOptions serializes the output-affecting options in a stable
// order.
func writeConfigOptions(sb *strings.Builder, cfg *config.Config) {
	fmt.Fprintf(sb, "budget=%d;margin=%d;keep=%d;", cfg.TargetBudgetTokens, cfg.SafetyMarginTokens, cfg.KeepLastNTurns)
	fmt.Fprintf(sb, "junk=%s;", strings.Join(cfg.JunkPatterns, "|"))
	fmt.Fprintf(sb, "dedupe=%t/%t;", cfg.DedupeNormalize.Lowercase, cfg.DedupeNormalize.CollapseWhitespace)
	fmt.Fprintf(sb, "allow=%s;", strings.Join(cfg.ToolAllowlist, "|"))
	fmt.Fprintf(sb, "jsonitems=%d;jsonchars=%d;logwin=%d;logtail=%d;",
		cfg.JSONTruncateItems, cfg.JSONTruncateChars, cfg.LogErrorWindowLines, cfg.LogTailLines)
	fmt.Fprintf(sb, "sem=%t;comp=%t;", cfg.EnableSemantic, cfg.EnableCompression)
	fmt.Fprintf(sb, "lambda=%g;tau=%g;ratio=%g;faith=%g;minc=%d;",
		cfg.MMRLambda, cfg.RecencyTau, cfg.CompressionRatio, cfg.FaithfulnessThreshold, cfg.CompressMinTokens)
	writeSortedFloats(sb, "frac", cfg.TypeFractions)
	writeSortedFloats(sb, "trust", cfg.SourceTrust)
	writeSortedInts(sb, "topk", cfg.VectorTopK)
	fmt.Fprintf(sb, "embed=%s/%d;tenant=%s", cfg.EmbeddingModel, cfg.EmbeddingDim, cfg.TenantID)
}

func writeSortedFloats(sb *strings.Builder, label string, m map[string]float64) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sb.WriteString(label)
	sb.WriteString("=")
	for _, k := range keys {
		fmt.Fprintf(sb, "%s:%g,", k, m[k])
	}
	sb.WriteString(";")
}

func writeSortedInts(sb *strings.Builder, label string, m map[string]int) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sb.WriteString(label)
	sb.WriteString("=")
	for _, k := range keys {
		fmt.Fprintf(sb, "%s:%d,", k, m[k])
	}
	sb.WriteString(";")
}
