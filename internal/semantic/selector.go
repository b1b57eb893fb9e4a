package semantic

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptd/internal/block"
	"github.com/fyrsmithlabs/promptd/internal/config"
	"github.com/fyrsmithlabs/promptd/internal/embeddings"
	"github.com/fyrsmithlabs/promptd/internal/vectorstore"
)

const tracerName = "github.com/fyrsmithlabs/promptd/internal/semantic"

// Drop reasons recorded for rejected candidates.
const (
	ReasonOverBudget   = "over-budget"
	ReasonLowUtility   = "low-utility"
	ReasonMMRRedundant = "mmr-redundant"
	ReasonKindCap      = "kind-cap"
)

// lowUtilityFloor excludes candidates that score below it before MMR runs.
const lowUtilityFloor = 0.05

// queryUserBlocks is how many trailing user blocks form the retrieval query.
const queryUserBlocks = 3

// Dropped describes a candidate the selector rejected.
type Dropped struct {
	ID     string
	Kind   block.Kind
	Tokens int
	Reason string
}

// Result is the outcome of one selection pass.
type Result struct {
	Blocks  []block.Block
	Dropped []Dropped
	Changed bool
}

// candidate pairs a block with its embedding and scoring state.
type candidate struct {
	block      block.Block
	embedding  []float32
	utility    float64
	redundant  bool
	dropReason string
}

// Selector performs utility scoring, MMR re-ranking, and budget packing over
// the non-must-keep blocks, optionally augmented with vector-store
// neighbours of the query.
type Selector struct {
	provider embeddings.Provider
	store    vectorstore.Store
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewSelector creates a Selector. store may be nil to disable augmentation.
func NewSelector(provider embeddings.Provider, store vectorstore.Store, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		provider: provider,
		store:    store,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
	}
}

// Select reduces the block list to fit the budget. The embedding provider
// being unavailable is reported as an error wrapping
// embeddings.ErrUnavailable; callers skip the stage and keep the input.
func (s *Selector) Select(ctx context.Context, blocks []block.Block, cfg *config.Config) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "semantic.select",
		trace.WithAttributes(attribute.Int("blocks_in", len(blocks))),
	)
	defer span.End()

	mustKeep := make([]block.Block, 0, len(blocks))
	optional := make([]block.Block, 0, len(blocks))
	newestTS := int64(0)
	for _, b := range blocks {
		if b.Timestamp > newestTS {
			newestTS = b.Timestamp
		}
		if b.MustKeep {
			mustKeep = append(mustKeep, b)
		} else {
			optional = append(optional, b)
		}
	}
	if len(optional) == 0 {
		return &Result{Blocks: blocks}, nil
	}

	queryText := buildQuery(blocks)
	if queryText == "" {
		return &Result{Blocks: blocks}, nil
	}

	queryVec, err := s.provider.EmbedQuery(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	candidates, err := s.embedCandidates(ctx, optional)
	if err != nil {
		return nil, fmt.Errorf("embedding candidates: %w", err)
	}

	candidates = append(candidates, s.augmentFromStore(ctx, blocks, queryVec, cfg)...)

	// Utility scoring, then the deterministic candidate order: utility desc,
	// priority desc, timestamp desc, id asc.
	sc := newScorer(queryText, queryVec, newestTS, cfg)
	for _, c := range candidates {
		c.utility = sc.utility(c.block, c.embedding)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.utility != b.utility {
			return a.utility > b.utility
		}
		if a.block.Priority != b.block.Priority {
			return a.block.Priority > b.block.Priority
		}
		if a.block.Timestamp != b.block.Timestamp {
			return a.block.Timestamp > b.block.Timestamp
		}
		return a.block.ID < b.block.ID
	})

	var dropped []Dropped
	viable := candidates[:0]
	for _, c := range candidates {
		if c.utility < lowUtilityFloor {
			dropped = append(dropped, Dropped{ID: c.block.ID, Kind: c.block.Kind, Tokens: c.block.Tokens, Reason: ReasonLowUtility})
			continue
		}
		viable = append(viable, c)
	}

	ordered := mmrOrder(viable, cfg.MMRLambda)

	available := cfg.TargetBudgetTokens - cfg.SafetyMarginTokens - block.TotalTokens(mustKeep)
	accepted, rejected := packBudget(ordered, available, cfg.TypeFractions)
	for _, c := range rejected {
		reason := c.dropReason
		if reason == "" {
			reason = ReasonOverBudget
		}
		dropped = append(dropped, Dropped{ID: c.block.ID, Kind: c.block.Kind, Tokens: c.block.Tokens, Reason: reason})
	}

	out := make([]block.Block, 0, len(mustKeep)+len(accepted))
	out = append(out, mustKeep...)
	for _, c := range accepted {
		out = append(out, c.block)
	}
	block.SortByTimestamp(out)

	span.SetAttributes(
		attribute.Int("blocks_out", len(out)),
		attribute.Int("dropped", len(dropped)),
	)
	s.logger.Debug("semantic selection complete",
		zap.Int("candidates", len(candidates)),
		zap.Int("accepted", len(accepted)),
		zap.Int("dropped", len(dropped)),
	)

	return &Result{
		Blocks:  out,
		Dropped: dropped,
		Changed: len(dropped) > 0 || len(out) != len(blocks),
	}, nil
}

// buildQuery concatenates the content of the last up-to-3 user blocks, most
// recent first.
func buildQuery(blocks []block.Block) string {
	users := make([]block.Block, 0, 8)
	for _, b := range blocks {
		if b.Kind == block.KindUser {
			users = append(users, b)
		}
	}
	block.SortByTimestamp(users)

	var parts []string
	for i := len(users) - 1; i >= 0 && len(parts) < queryUserBlocks; i-- {
		parts = append(parts, users[i].Content)
	}
	return strings.Join(parts, "\n")
}

// embedCandidates embeds the optional blocks in one batch call.
func (s *Selector) embedCandidates(ctx context.Context, optional []block.Block) ([]*candidate, error) {
	texts := make([]string, len(optional))
	for i, b := range optional {
		texts[i] = b.Content
	}
	vectors, err := s.provider.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(optional) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", embeddings.ErrUnavailable, len(vectors), len(optional))
	}

	candidates := make([]*candidate, len(optional))
	for i, b := range optional {
		candidates[i] = &candidate{block: b, embedding: vectors[i]}
	}
	return candidates, nil
}

// augmentFromStore pulls per-kind neighbours of the query from the vector
// store. Store errors degrade to no augmentation; they never fail selection.
func (s *Selector) augmentFromStore(ctx context.Context, existing []block.Block, queryVec []float32, cfg *config.Config) []*candidate {
	if s.store == nil || cfg.TenantID == "" || len(cfg.VectorTopK) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(existing))
	for _, b := range existing {
		seen[b.Fingerprint] = true
	}

	kinds := make([]string, 0, len(cfg.VectorTopK))
	for kind := range cfg.VectorTopK {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	var out []*candidate
	next := int64(-1)
	for _, kind := range kinds {
		topK := cfg.VectorTopK[kind]
		if topK <= 0 {
			continue
		}
		records, err := s.store.Search(ctx, cfg.TenantID, queryVec, topK, []block.Kind{block.Kind(kind)})
		if err != nil {
			s.logger.Warn("vector store search failed, skipping augmentation",
				zap.String("kind", kind),
				zap.Error(err),
			)
			continue
		}
		// Older records get more negative timestamps so every augmented
		// block sorts before the request's own blocks.
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].CreatedAt.After(records[j].CreatedAt)
		})
		for _, rec := range records {
			if rec.Fingerprint == "" || seen[rec.Fingerprint] || len(rec.Embedding) == 0 {
				continue
			}
			seen[rec.Fingerprint] = true
			b := block.Block{
				ID:          rec.BlockID,
				Kind:        rec.Kind,
				Content:     rec.Content,
				Tokens:      rec.Tokens,
				Priority:    0.4,
				Timestamp:   next,
				Fingerprint: rec.Fingerprint,
				Source:      "vector-store",
				Metadata:    rec.Metadata,
			}
			next--
			embeddings.Normalize(rec.Embedding)
			out = append(out, &candidate{block: b, embedding: rec.Embedding})
		}
	}

	return out
}
