package vectorstore

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptd/internal/block"
)

var chromemTracer = otel.Tracer("promptd.vectorstore.chromem")

// ChromemConfig holds configuration for the embedded chromem-go store.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty means in-memory.
	Path string

	// Compress enables gzip compression of persisted data.
	Compress bool

	// VectorSize is the expected embedding dimension.
	VectorSize int
}

// Validate validates the configuration.
func (c ChromemConfig) Validate() error {
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// ChromemStore implements Store with chromem-go, an embedded pure-Go vector
// database. Each tenant maps to its own collection.
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger
}

// NewChromemStore creates a persistent store at config.Path, or an in-memory
// store when the path is empty.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(config.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", config.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(config.Path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	return &ChromemStore{db: db, config: config, logger: logger}, nil
}

// collectionName derives the per-tenant collection name.
func collectionName(tenant string) string {
	return "tenant_" + strings.ToLower(tenant) + "_blocks"
}

// noEmbedding satisfies chromem's embedding-func parameter; every document
// arrives with its embedding already computed.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("vectorstore: documents must carry precomputed embeddings")
}

// Upsert implements Store.
func (s *ChromemStore) Upsert(ctx context.Context, rec Record) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()

	if err := ValidateTenant(rec.Tenant); err != nil {
		return err
	}
	if len(rec.Embedding) != s.config.VectorSize {
		return fmt.Errorf("%w: embedding dimension %d, want %d", ErrInvalidConfig, len(rec.Embedding), s.config.VectorSize)
	}

	collection, err := s.db.GetOrCreateCollection(collectionName(rec.Tenant), nil, noEmbedding)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	doc := chromem.Document{
		ID:        rec.BlockID,
		Content:   rec.Content,
		Metadata:  encodeMetadata(rec),
		Embedding: rec.Embedding,
	}
	if err := collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.logger.Debug("upserted record",
		zap.String("tenant", rec.Tenant),
		zap.String("block_id", rec.BlockID),
		zap.String("kind", string(rec.Kind)),
	)
	return nil
}

// Delete implements Store.
func (s *ChromemStore) Delete(ctx context.Context, tenant, blockID string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Delete")
	defer span.End()

	if err := ValidateTenant(tenant); err != nil {
		return err
	}
	collection := s.db.GetCollection(collectionName(tenant), noEmbedding)
	if collection == nil {
		return nil
	}
	if err := collection.Delete(ctx, nil, nil, blockID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Search implements Store. Kind filtering runs one filtered query per kind
// because chromem metadata filters match a single value; results are merged
// and re-ranked by similarity.
func (s *ChromemStore) Search(ctx context.Context, tenant string, query []float32, topK int, kinds []block.Kind) ([]Record, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("top_k", topK))

	if err := ValidateTenant(tenant); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}

	collection := s.db.GetCollection(collectionName(tenant), noEmbedding)
	if collection == nil {
		return nil, nil
	}
	count := collection.Count()
	if count == 0 {
		return nil, nil
	}
	k := topK
	if k > count {
		k = count
	}

	var results []chromem.Result
	if len(kinds) == 0 {
		res, err := collection.QueryEmbedding(ctx, query, k, nil, nil)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		results = res
	} else {
		for _, kind := range kinds {
			res, err := collection.QueryEmbedding(ctx, query, k, map[string]string{"kind": string(kind)}, nil)
			if err != nil {
				span.RecordError(err)
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			results = append(results, res...)
		}
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].Similarity > results[j].Similarity
		})
		if len(results) > topK {
			results = results[:topK]
		}
	}

	records := make([]Record, 0, len(results))
	for _, r := range results {
		records = append(records, decodeResult(tenant, r))
	}
	span.SetAttributes(attribute.Int("results", len(records)))
	return records, nil
}

// Close implements Store. chromem persists synchronously, so there is
// nothing to flush.
func (s *ChromemStore) Close() error {
	return nil
}

// encodeMetadata flattens a record into chromem's string metadata.
func encodeMetadata(rec Record) map[string]string {
	meta := map[string]string{
		"kind":        string(rec.Kind),
		"tokens":      strconv.Itoa(rec.Tokens),
		"created_at":  rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		"fingerprint": rec.Fingerprint,
	}
	for k, v := range rec.Metadata {
		meta["meta_"+k] = v
	}
	return meta
}

// decodeResult rebuilds a Record from a chromem query result.
func decodeResult(tenant string, r chromem.Result) Record {
	rec := Record{
		Tenant:    tenant,
		BlockID:   r.ID,
		Content:   r.Content,
		Embedding: r.Embedding,
		Metadata:  map[string]string{},
	}
	for k, v := range r.Metadata {
		switch k {
		case "kind":
			rec.Kind = block.Kind(v)
		case "tokens":
			rec.Tokens, _ = strconv.Atoi(v)
		case "created_at":
			rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, v)
		case "fingerprint":
			rec.Fingerprint = v
		default:
			rec.Metadata[strings.TrimPrefix(k, "meta_")] = v
		}
	}
	return rec
}
