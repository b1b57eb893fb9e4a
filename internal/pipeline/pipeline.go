// Package pipeline orchestrates the optimization stages: canonicalize,
// heuristics, cache, semantic selection, compression, and validation with
// progressive fallback.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptd/internal/block"
	"github.com/fyrsmithlabs/promptd/internal/cache"
	"github.com/fyrsmithlabs/promptd/internal/canonicalize"
	"github.com/fyrsmithlabs/promptd/internal/compress"
	"github.com/fyrsmithlabs/promptd/internal/config"
	"github.com/fyrsmithlabs/promptd/internal/heuristics"
	"github.com/fyrsmithlabs/promptd/internal/semantic"
	"github.com/fyrsmithlabs/promptd/internal/tokenizer"
	"github.com/fyrsmithlabs/promptd/internal/validate"
)

const tracerName = "github.com/fyrsmithlabs/promptd/internal/pipeline"
const meterName = "pipeline"

// defaultModel is assumed when a request does not name its target model.
const defaultModel = "gpt-4"

// cachedValue is what one finalized run stores under its content address.
type cachedValue struct {
	Blocks       []block.Block
	Dropped      []DroppedBlock
	Route        string
	FallbackUsed bool
	Faithfulness *float64
	Degradations []string
}

// Options configures an Orchestrator.
type Options struct {
	Counter  *tokenizer.Counter
	Selector *semantic.Selector // nil disables the semantic stage
	Engine   *compress.Engine   // nil disables the compression stage
	Logger   *zap.Logger

	// CacheTTL and CacheSize bound the result cache.
	CacheTTL  time.Duration
	CacheSize int
}

// Orchestrator is the single entry point of the optimization pipeline. It is
// safe for concurrent use; individual runs share no mutable state.
type Orchestrator struct {
	counter  *tokenizer.Counter
	selector *semantic.Selector
	engine   *compress.Engine
	cache    *cache.Store[cachedValue]
	logger   *zap.Logger
	tracer   trace.Tracer

	meter       metric.Meter
	runCounter  metric.Int64Counter
	cacheHits   metric.Int64Counter
	runLatency  metric.Float64Histogram
	tokensSaved metric.Int64Counter
}

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Counter == nil {
		return nil, fmt.Errorf("pipeline: token counter is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := opts.CacheTTL
	if ttl == 0 {
		ttl = 10 * time.Minute
	}

	o := &Orchestrator{
		counter:  opts.Counter,
		selector: opts.Selector,
		engine:   opts.Engine,
		cache:    cache.New[cachedValue](ttl, opts.CacheSize),
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
		meter:    otel.Meter(meterName),
	}
	if err := o.initMetrics(); err != nil {
		return nil, err
	}
	return o, nil
}

// Run optimizes the request under cfg. On success the returned blocks fit
// the token budget and every post-condition holds. The only error codes a
// caller can observe are INPUT_INVALID and VALIDATION_FAILED; degraded
// collaborators are reported through stats instead.
func (o *Orchestrator) Run(ctx context.Context, req Request, cfg *config.Config) (result *Result, err error) {
	start := time.Now()
	traceID := uuid.NewString()

	ctx, span := o.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("trace_id", traceID)),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("pipeline panic",
				zap.String("trace_id", traceID),
				zap.Any("panic", r),
			)
			result = nil
			err = &Error{
				Code:    CodeValidationFailed,
				TraceID: traceID,
				Message: "internal error",
				Err:     fmt.Errorf("panic: %v", r),
			}
		}
	}()

	if verr := validateRequest(req); verr != "" {
		return nil, &Error{Code: CodeInputInvalid, TraceID: traceID, Message: verr}
	}

	runCfg := cfg.Clone()
	if req.BudgetOverride > 0 {
		runCfg.TargetBudgetTokens = req.BudgetOverride
	}
	if req.TenantID != "" {
		runCfg.TenantID = req.TenantID
	}
	model := req.TargetModel
	if model == "" {
		model = defaultModel
	}

	timings := newTimings()

	t0 := time.Now()
	canonical := canonicalize.Canonicalize(req.Messages, req.Tools, req.Docs, req.ToolOutputs, model, o.counter)
	timings[StageCanonicalize] = msSince(t0)
	tokensBefore := block.TotalTokens(canonical)

	t0 = time.Now()
	h := heuristics.Apply(block.CloneList(canonical), runCfg, o.counter, model)
	timings[StageHeuristics] = msSince(t0)

	working := h.Blocks
	constraints := constraintBlocks(working)
	dropped := make([]DroppedBlock, 0, len(h.Dropped))
	for _, d := range h.Dropped {
		dropped = append(dropped, DroppedBlock{ID: d.ID, Kind: d.Kind, Tokens: d.Tokens, Reason: d.Reason})
	}

	produce := func() (cachedValue, error) {
		return o.produce(ctx, canonical, working, constraints, dropped, runCfg, model, timings, traceID)
	}

	var value cachedValue
	cacheHit := false
	if runCfg.EnableCache {
		key := cache.Key(model, tokenizer.Version, block.Fingerprints(canonical), runCfg)
		t0 = time.Now()
		if v, ok := o.cache.Get(key); ok {
			value, cacheHit = v, true
			timings[StageCache] = msSince(t0)
		} else {
			v, hit, perr := o.cache.ComputeIfAbsent(key, produce)
			timings[StageCache] = msSince(t0) - timings[StageSemantic] - timings[StageCompression] - timings[StageValidate]
			if timings[StageCache] < 0 {
				timings[StageCache] = 0
			}
			if perr != nil {
				return nil, perr
			}
			value, cacheHit = v, hit
		}
	} else {
		v, perr := produce()
		if perr != nil {
			return nil, perr
		}
		value = v
	}

	stats := Stats{
		TokensBefore:      tokensBefore,
		TokensAfter:       block.TotalTokens(value.Blocks),
		Route:             value.Route,
		CacheHit:          cacheHit,
		FallbackUsed:      value.FallbackUsed,
		StageTimingsMS:    timings,
		FaithfulnessScore: value.Faithfulness,
		TokenizerFallback: o.counter.UsedFallback(model),
		Degradations:      value.Degradations,
		TraceID:           traceID,
	}
	if cacheHit {
		stats.Route = RouteCache
		timings[StageSemantic] = 0
		timings[StageCompression] = 0
		o.cacheHits.Add(ctx, 1)
	}
	stats.TokensSaved = stats.TokensBefore - stats.TokensAfter
	if stats.TokensBefore > 0 {
		stats.CompressionRatio = 1 - float64(stats.TokensAfter)/float64(stats.TokensBefore)
	}
	stats.LatencyMS = msSince(start)

	o.runCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("route", stats.Route)))
	o.runLatency.Record(ctx, float64(stats.LatencyMS)/1000.0)
	if stats.TokensSaved > 0 {
		o.tokensSaved.Add(ctx, int64(stats.TokensSaved))
	}
	span.SetAttributes(
		attribute.String("route", stats.Route),
		attribute.Int("tokens_before", stats.TokensBefore),
		attribute.Int("tokens_after", stats.TokensAfter),
		attribute.Bool("cache_hit", stats.CacheHit),
	)
	o.logger.Info("pipeline run complete",
		zap.String("trace_id", traceID),
		zap.String("route", stats.Route),
		zap.Int("tokens_before", stats.TokensBefore),
		zap.Int("tokens_after", stats.TokensAfter),
		zap.Bool("cache_hit", stats.CacheHit),
		zap.Bool("fallback_used", stats.FallbackUsed),
	)

	return &Result{
		BlocksOut: block.CloneList(value.Blocks),
		Stats:     stats,
		Dropped:   value.Dropped,
	}, nil
}

// produce runs the post-heuristic stages and finalizes the cacheable value.
func (o *Orchestrator) produce(ctx context.Context, canonical, working, constraints []block.Block, dropped []DroppedBlock, cfg *config.Config, model string, timings map[string]int64, traceID string) (cachedValue, error) {
	budget := cfg.TargetBudgetTokens
	var degradations []string
	semChanged, compChanged := false, false
	var faith *float64

	if cfg.EnableSemantic && o.selector != nil && block.TotalTokens(working) > budget {
		t0 := time.Now()
		sctx, cancel := context.WithTimeout(ctx, cfg.ExternalTimeout)
		res, err := o.selector.Select(sctx, working, cfg)
		cancel()
		timings[StageSemantic] = msSince(t0)
		if err != nil {
			degradations = append(degradations, "semantic")
			o.logger.Warn("semantic stage unavailable, skipping",
				zap.String("trace_id", traceID),
				zap.Error(err),
			)
		} else {
			working = res.Blocks
			semChanged = res.Changed
			for _, d := range res.Dropped {
				dropped = append(dropped, DroppedBlock{ID: d.ID, Kind: d.Kind, Tokens: d.Tokens, Reason: d.Reason})
			}
		}
	}

	if cfg.EnableCompression && o.engine != nil && block.TotalTokens(working) > budget {
		t0 := time.Now()
		cctx, cancel := context.WithTimeout(ctx, cfg.ExternalTimeout)
		res := o.engine.Compress(cctx, working, cfg, model)
		cancel()
		timings[StageCompression] = msSince(t0)
		working = res.Blocks
		compChanged = res.Changed
		if res.Compressed > 0 {
			f := res.Faithfulness
			faith = &f
		}
	}

	t0 := time.Now()
	out := validate.Run(ctx, working, validate.Input{
		Canonical:   canonical,
		Constraints: constraints,
		Budget:      budget,
	}, validate.Hooks{
		UndoCompression: compress.Undo,
		WidenKeep: func(ctx context.Context) ([]block.Block, error) {
			return o.widenKeep(ctx, canonical, cfg, model)
		},
	}, o.logger)
	timings[StageValidate] = msSince(t0)

	if out.Failed {
		return cachedValue{}, &Error{
			Code:    CodeValidationFailed,
			TraceID: traceID,
			Message: fmt.Sprintf("post-conditions still violated after minimal-safe fallback: %v", out.Final),
		}
	}
	working = out.Blocks

	route := RouteHeuristic
	if semChanged {
		route += "+" + RouteSemantic
	}
	if compChanged {
		route += "+" + RouteCompression
	}
	if out.FallbackUsed {
		route += "+" + RouteFallback
	}

	return cachedValue{
		Blocks:       working,
		Dropped:      reconcileDropped(canonical, working, dropped),
		Route:        route,
		FallbackUsed: out.FallbackUsed,
		Faithfulness: faith,
		Degradations: degradations,
	}, nil
}

// widenKeep implements the F2 fallback: two extra keep-turns on a config
// copy, then re-selection and re-compression from the canonical input.
func (o *Orchestrator) widenKeep(ctx context.Context, canonical []block.Block, cfg *config.Config, model string) ([]block.Block, error) {
	wcfg := cfg.Clone()
	wcfg.KeepLastNTurns += 2

	h := heuristics.Apply(block.CloneList(canonical), wcfg, o.counter, model)
	working := h.Blocks
	budget := wcfg.TargetBudgetTokens

	if wcfg.EnableSemantic && o.selector != nil && block.TotalTokens(working) > budget {
		sctx, cancel := context.WithTimeout(ctx, wcfg.ExternalTimeout)
		res, err := o.selector.Select(sctx, working, wcfg)
		cancel()
		if err == nil {
			working = res.Blocks
		}
	}
	if wcfg.EnableCompression && o.engine != nil && block.TotalTokens(working) > budget {
		cctx, cancel := context.WithTimeout(ctx, wcfg.ExternalTimeout)
		res := o.engine.Compress(cctx, working, wcfg, model)
		cancel()
		working = res.Blocks
	}
	return working, nil
}

// validateRequest enforces the INPUT_INVALID contract. Returns a description
// of the problem, or empty when the request is well-formed.
func validateRequest(req Request) string {
	if len(req.Messages) == 0 {
		return "request has no messages"
	}
	for _, msg := range req.Messages {
		if strings.EqualFold(msg.Role, "user") && strings.TrimSpace(msg.Content) != "" {
			return ""
		}
	}
	return "request has no user message with non-empty content"
}

// constraintBlocks extracts the constraint blocks the heuristics created.
func constraintBlocks(blocks []block.Block) []block.Block {
	var out []block.Block
	for _, b := range blocks {
		if b.Kind == block.KindConstraint {
			out = append(out, b.Clone())
		}
	}
	return out
}

// reconcileDropped removes drop records for blocks that made it into the
// final output after all, and records canonical blocks that disappeared
// without an attributed reason (fallback pruning).
func reconcileDropped(canonical, final []block.Block, dropped []DroppedBlock) []DroppedBlock {
	finalIDs := make(map[string]bool, len(final))
	for _, b := range final {
		finalIDs[b.ID] = true
	}

	out := make([]DroppedBlock, 0, len(dropped))
	recorded := make(map[string]bool, len(dropped))
	for _, d := range dropped {
		if finalIDs[d.ID] {
			continue
		}
		out = append(out, d)
		recorded[d.ID] = true
	}
	for _, b := range canonical {
		if !finalIDs[b.ID] && !recorded[b.ID] {
			out = append(out, DroppedBlock{ID: b.ID, Kind: b.Kind, Tokens: b.Tokens, Reason: "filtered"})
		}
	}
	return out
}

func msSince(t time.Time) int64 {
	return time.Since(t).Milliseconds()
}

func (o *Orchestrator) initMetrics() error {
	var err error
	if o.runCounter, err = o.meter.Int64Counter(
		"pipeline.runs_total",
		metric.WithDescription("Completed pipeline runs by route"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}
	if o.cacheHits, err = o.meter.Int64Counter(
		"pipeline.cache_hits_total",
		metric.WithDescription("Runs short-circuited by the result cache"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}
	if o.runLatency, err = o.meter.Float64Histogram(
		"pipeline.run_duration_seconds",
		metric.WithDescription("End-to-end pipeline latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0),
	); err != nil {
		return err
	}
	if o.tokensSaved, err = o.meter.Int64Counter(
		"pipeline.tokens_saved_total",
		metric.WithDescription("Tokens removed from forwarded prompts"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}
	return nil
}
