// Package config defines the resolved configuration the optimization
// pipeline consumes.
package config

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"
)

// ErrInvalidConfig indicates a configuration that fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds every option the pipeline recognizes. One Config is resolved
// per run and treated as immutable; fallback states that need to adjust
// options operate on a copy.
type Config struct {
	// TargetBudgetTokens is the upper bound on output tokens.
	TargetBudgetTokens int `koanf:"target_budget_tokens"`

	// SafetyMarginTokens is subtracted from the budget before packing.
	SafetyMarginTokens int `koanf:"safety_margin_tokens"`

	// KeepLastNTurns marks the last N conversation turns as must-keep.
	KeepLastNTurns int `koanf:"keep_last_n_turns"`

	// JunkPatterns are regexes; matching assistant blocks outside the
	// keep-window are dropped.
	JunkPatterns []string `koanf:"junk_patterns"`

	// DedupeNormalize selects the normalization applied before fingerprint
	// grouping.
	DedupeNormalize DedupeNormalize `koanf:"dedupe_normalize"`

	// ToolAllowlist restricts retained tool schemas by name. Empty or "*"
	// keeps all.
	ToolAllowlist []string `koanf:"tool_allowlist"`

	// JSONTruncateItems caps the number of records kept when compacting
	// uniform JSON arrays.
	JSONTruncateItems int `koanf:"json_truncate_items"`

	// JSONTruncateChars is the minimum content size before JSON compaction
	// applies.
	JSONTruncateChars int `koanf:"json_truncate_chars"`

	// LogErrorWindowLines is the context window kept around error lines when
	// trimming logs.
	LogErrorWindowLines int `koanf:"log_error_window_lines"`

	// LogTailLines is the number of trailing log lines always kept.
	LogTailLines int `koanf:"log_tail_lines"`

	// Stage toggles.
	EnableSemantic    bool `koanf:"enable_semantic"`
	EnableCompression bool `koanf:"enable_compression"`
	EnableCache       bool `koanf:"enable_cache"`

	// VectorTopK is the per-kind candidate pull from the vector store.
	VectorTopK map[string]int `koanf:"vector_topk"`

	// MMRLambda is the relevance/diversity trade-off in MMR re-ranking.
	MMRLambda float64 `koanf:"mmr_lambda"`

	// TypeFractions splits the available budget across block kinds.
	TypeFractions map[string]float64 `koanf:"type_fractions"`

	// RecencyTau is the decay constant for the recency utility factor,
	// in logical-timestamp units.
	RecencyTau float64 `koanf:"recency_tau"`

	// SourceTrust maps source tags to trust scores in [0, 1].
	SourceTrust map[string]float64 `koanf:"source_trust"`

	// CompressionRatio is the target compressed/original token ratio.
	CompressionRatio float64 `koanf:"compression_ratio"`

	// FaithfulnessThreshold gates acceptance of compressed candidates.
	FaithfulnessThreshold float64 `koanf:"faithfulness_threshold"`

	// CompressMinTokens is the floor below which blocks are not worth
	// compressing.
	CompressMinTokens int `koanf:"compress_min_tokens"`

	// CacheTTL bounds the lifetime of cached pipeline outputs.
	CacheTTL time.Duration `koanf:"cache_ttl"`

	// EmbeddingModel and EmbeddingDim describe the embedding deployment.
	EmbeddingModel string `koanf:"embedding_model"`
	EmbeddingDim   int    `koanf:"embedding_dim"`

	// TokenizerModelMap maps model-name prefixes to tokenizer encodings.
	TokenizerModelMap map[string]string `koanf:"tokenizer_model_map"`

	// TenantID scopes vector-store reads.
	TenantID string `koanf:"tenant_id"`

	// ExternalTimeout bounds each call to an external collaborator.
	ExternalTimeout time.Duration `koanf:"external_timeout"`

	// Logging controls logger construction in the CLI.
	Logging LoggingConfig `koanf:"logging"`
}

// DedupeNormalize holds normalization flags for dedupe fingerprinting.
type DedupeNormalize struct {
	Lowercase          bool `koanf:"lowercase"`
	CollapseWhitespace bool `koanf:"collapse_whitespace"`
}

// LoggingConfig mirrors logging.Config for koanf unmarshaling.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns a Config populated with production defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.TargetBudgetTokens == 0 {
		c.TargetBudgetTokens = 8000
	}
	if c.SafetyMarginTokens == 0 {
		c.SafetyMarginTokens = 300
	}
	if c.KeepLastNTurns == 0 {
		c.KeepLastNTurns = 4
	}
	if len(c.JunkPatterns) == 0 {
		c.JunkPatterns = []string{
			`^(Sure|Of course|I can help|Let me help)\b.*$`,
			`^(Thank you|Thanks)\b.*$`,
		}
	}
	if !c.DedupeNormalize.Lowercase && !c.DedupeNormalize.CollapseWhitespace {
		c.DedupeNormalize = DedupeNormalize{Lowercase: true, CollapseWhitespace: true}
	}
	if c.JSONTruncateItems == 0 {
		c.JSONTruncateItems = 50
	}
	if c.JSONTruncateChars == 0 {
		c.JSONTruncateChars = 2000
	}
	if c.LogErrorWindowLines == 0 {
		c.LogErrorWindowLines = 2
	}
	if c.LogTailLines == 0 {
		c.LogTailLines = 10
	}
	if len(c.VectorTopK) == 0 {
		c.VectorTopK = map[string]int{"doc": 8}
	}
	if c.MMRLambda == 0 {
		c.MMRLambda = 0.7
	}
	if len(c.TypeFractions) == 0 {
		c.TypeFractions = map[string]float64{
			"doc":       0.4,
			"assistant": 0.3,
			"tool":      0.2,
			"user":      0.1,
		}
	}
	if c.RecencyTau == 0 {
		c.RecencyTau = 8
	}
	if c.SourceTrust == nil {
		c.SourceTrust = map[string]float64{
			"system":      1.0,
			"developer":   1.0,
			"user":        0.8,
			"tool-schema": 0.8,
		}
	}
	if c.CompressionRatio == 0 {
		c.CompressionRatio = 0.5
	}
	if c.FaithfulnessThreshold == 0 {
		c.FaithfulnessThreshold = 0.85
	}
	if c.CompressMinTokens == 0 {
		c.CompressMinTokens = 48
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 10 * time.Minute
	}
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = "BAAI/bge-small-en-v1.5"
	}
	if c.EmbeddingDim == 0 {
		c.EmbeddingDim = 384
	}
	if c.ExternalTimeout == 0 {
		c.ExternalTimeout = 5 * time.Second
	}
}

// Validate checks invariants the pipeline relies on.
func (c *Config) Validate() error {
	if c.TargetBudgetTokens <= 0 {
		return fmt.Errorf("%w: target_budget_tokens must be positive", ErrInvalidConfig)
	}
	if c.SafetyMarginTokens < 0 {
		return fmt.Errorf("%w: safety_margin_tokens cannot be negative", ErrInvalidConfig)
	}
	if c.KeepLastNTurns < 0 {
		return fmt.Errorf("%w: keep_last_n_turns cannot be negative", ErrInvalidConfig)
	}
	if c.MMRLambda < 0 || c.MMRLambda > 1 {
		return fmt.Errorf("%w: mmr_lambda must be in [0, 1]", ErrInvalidConfig)
	}
	if c.CompressionRatio <= 0 || c.CompressionRatio >= 1 {
		return fmt.Errorf("%w: compression_ratio must be in (0, 1)", ErrInvalidConfig)
	}
	if c.FaithfulnessThreshold < 0 || c.FaithfulnessThreshold > 1 {
		return fmt.Errorf("%w: faithfulness_threshold must be in [0, 1]", ErrInvalidConfig)
	}
	for _, pattern := range c.JunkPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("%w: junk pattern %q: %v", ErrInvalidConfig, pattern, err)
		}
	}
	var sum float64
	for kind, frac := range c.TypeFractions {
		if frac < 0 {
			return fmt.Errorf("%w: type fraction for %q cannot be negative", ErrInvalidConfig, kind)
		}
		sum += frac
	}
	if sum > 1+1e-9 {
		return fmt.Errorf("%w: type_fractions sum to %.3f, must be <= 1.0", ErrInvalidConfig, sum)
	}
	if math.IsNaN(sum) {
		return fmt.Errorf("%w: type_fractions contain NaN", ErrInvalidConfig)
	}
	return nil
}

// Clone returns a deep copy. Fallback states mutate the copy, never the
// run's original.
func (c *Config) Clone() *Config {
	out := *c
	out.JunkPatterns = append([]string(nil), c.JunkPatterns...)
	out.ToolAllowlist = append([]string(nil), c.ToolAllowlist...)
	out.VectorTopK = cloneMap(c.VectorTopK)
	out.TypeFractions = cloneMap(c.TypeFractions)
	out.SourceTrust = cloneMap(c.SourceTrust)
	out.TokenizerModelMap = cloneMap(c.TokenizerModelMap)
	return &out
}

func cloneMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// NormalizeTypeFractions accepts the legacy {doc, chat, tool, assistant}
// key naming by folding "chat" into "assistant".
func (c *Config) NormalizeTypeFractions() {
	if frac, ok := c.TypeFractions["chat"]; ok {
		c.TypeFractions["assistant"] += frac
		delete(c.TypeFractions, "chat")
	}
}
