// Package compress implements token-level block compression behind a
// faithfulness gate, with an extractive graph-rank fallback when the learned
// compressor is unavailable.
package compress

import (
	"context"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptd/internal/block"
	"github.com/fyrsmithlabs/promptd/internal/config"
	"github.com/fyrsmithlabs/promptd/internal/tokenizer"
)

const tracerName = "github.com/fyrsmithlabs/promptd/internal/compress"
const meterName = "compress"

// ForcePreserveTokens are delimiters the learned compressor must keep.
var ForcePreserveTokens = []string{"\n", ".", "!", "?", "```"}

// Client is the contract of the external learned compressor. It returns the
// compressed text and its own token estimate. Failure is expected; callers
// fall back to extractive summarization.
type Client interface {
	Compress(ctx context.Context, text string, ratio float64, forcePreserve []string) (string, int, error)
}

// Result is the outcome of one compression pass.
type Result struct {
	Blocks  []block.Block
	Changed bool

	// Faithfulness is the minimum score among accepted candidates; zero when
	// nothing was accepted.
	Faithfulness float64

	// Compressed and Rejected count per-block outcomes.
	Compressed int
	Rejected   int
}

// Engine compresses non-must-keep blocks one at a time.
type Engine struct {
	client  Client
	counter *tokenizer.Counter
	logger  *zap.Logger
	tracer  trace.Tracer

	meter            metric.Meter
	acceptedCounter  metric.Int64Counter
	rejectedCounter  metric.Int64Counter
	faithfulnessHist metric.Float64Histogram
}

// NewEngine creates an Engine. client may be nil; every block then goes
// through the extractive fallback.
func NewEngine(client Client, counter *tokenizer.Counter, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		client:  client,
		counter: counter,
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
		meter:   otel.Meter(meterName),
	}
	if err := e.initMetrics(); err != nil {
		return nil, err
	}
	return e, nil
}

// Compress attempts to compress every eligible block toward the configured
// ratio. A candidate is accepted only when its faithfulness score clears the
// threshold and it is strictly smaller than the original.
func (e *Engine) Compress(ctx context.Context, blocks []block.Block, cfg *config.Config, model string) Result {
	ctx, span := e.tracer.Start(ctx, "compress.blocks",
		trace.WithAttributes(
			attribute.Int("blocks_in", len(blocks)),
			attribute.Float64("ratio", cfg.CompressionRatio),
		),
	)
	defer span.End()

	res := Result{Blocks: blocks, Faithfulness: math.Inf(1)}
	for i := range blocks {
		b := &blocks[i]
		if skip(*b, cfg) {
			continue
		}

		candidate := e.candidate(ctx, b.Content, cfg.CompressionRatio, model)
		if candidate == "" || candidate == b.Content {
			continue
		}
		candTokens := e.counter.Count(candidate, model)
		score := Faithfulness(b.Content, candidate)

		if score < cfg.FaithfulnessThreshold || candTokens >= b.Tokens {
			res.Rejected++
			e.rejectedCounter.Add(ctx, 1)
			e.logger.Debug("compression rejected",
				zap.String("block_id", b.ID),
				zap.Float64("faithfulness", score),
				zap.Int("candidate_tokens", candTokens),
				zap.Int("original_tokens", b.Tokens),
			)
			continue
		}

		b.OriginalContent = b.Content
		b.OriginalTokens = b.Tokens
		b.SetContent(candidate, candTokens)
		b.Compressed = true

		res.Compressed++
		res.Changed = true
		if score < res.Faithfulness {
			res.Faithfulness = score
		}
		e.acceptedCounter.Add(ctx, 1)
		e.faithfulnessHist.Record(ctx, score)
	}

	if res.Compressed == 0 {
		res.Faithfulness = 0
	}
	span.SetAttributes(
		attribute.Int("compressed", res.Compressed),
		attribute.Int("rejected", res.Rejected),
	)
	return res
}

// candidate produces a compressed rendition via the learned compressor, or
// the extractive fallback when the client is missing or fails.
func (e *Engine) candidate(ctx context.Context, content string, ratio float64, model string) string {
	if e.client != nil {
		compressed, _, err := e.client.Compress(ctx, content, ratio, ForcePreserveTokens)
		if err == nil && compressed != "" {
			return compressed
		}
		if err != nil {
			e.logger.Warn("learned compressor failed, using extractive fallback", zap.Error(err))
		}
	}
	return e.extractive(content, ratio, model)
}

// skip applies the per-block eligibility rules: system and constraint blocks
// are never compressed, nor are must-keep, already-compressed, or short
// blocks.
func skip(b block.Block, cfg *config.Config) bool {
	if b.Kind == block.KindSystem || b.Kind == block.KindConstraint {
		return true
	}
	if b.MustKeep || b.Compressed {
		return true
	}
	return b.Tokens < cfg.CompressMinTokens
}

// Undo restores every compressed block to its original content. The fallback
// state machine uses it when compression broke a post-condition.
func Undo(blocks []block.Block) bool {
	changed := false
	for i := range blocks {
		b := &blocks[i]
		if !b.Compressed {
			continue
		}
		b.SetContent(b.OriginalContent, b.OriginalTokens)
		b.OriginalContent = ""
		b.OriginalTokens = 0
		b.Compressed = false
		changed = true
	}
	return changed
}

func (e *Engine) initMetrics() error {
	var err error
	if e.acceptedCounter, err = e.meter.Int64Counter(
		"compress.accepted_total",
		metric.WithDescription("Compression candidates accepted"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}
	if e.rejectedCounter, err = e.meter.Int64Counter(
		"compress.rejected_total",
		metric.WithDescription("Compression candidates rejected by the faithfulness gate"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}
	if e.faithfulnessHist, err = e.meter.Float64Histogram(
		"compress.faithfulness_score",
		metric.WithDescription("Faithfulness scores of accepted candidates"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(0.0, 0.5, 0.7, 0.85, 0.95, 1.0),
	); err != nil {
		return err
	}
	return nil
}
