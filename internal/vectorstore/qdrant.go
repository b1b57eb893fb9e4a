package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptd/internal/block"
)

var qdrantTracer = otel.Tracer("promptd.vectorstore.qdrant")

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname. Default "localhost".
	Host string

	// Port is the gRPC port (6334), not the HTTP REST port.
	Port int

	// CollectionName is the collection storing block embeddings. Tenants
	// share the collection and are isolated by payload filtering.
	CollectionName string

	// VectorSize is the embedding dimension; must match the embedder.
	VectorSize uint64

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// ApplyDefaults fills unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.CollectionName == "" {
		c.CollectionName = "promptd_blocks"
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// QdrantStore implements Store against a remote Qdrant instance over gRPC.
// Tenant isolation is payload-based: every point carries a tenant key and
// every query filters on it.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	ensureOnce sync.Once
	ensureErr  error
}

// NewQdrantStore connects to Qdrant and verifies the server is reachable.
func NewQdrantStore(config QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("%w: health check: %v", ErrUnavailable, err)
	}

	return &QdrantStore{client: client, config: config, logger: logger}, nil
}

// ensureCollection creates the collection with a cosine-distance index on
// first use.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	s.ensureOnce.Do(func() {
		exists, err := s.client.CollectionExists(ctx, s.config.CollectionName)
		if err != nil {
			s.ensureErr = err
			return
		}
		if exists {
			return
		}
		s.ensureErr = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.config.CollectionName,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     s.config.VectorSize,
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
	if s.ensureErr != nil {
		return fmt.Errorf("%w: ensuring collection: %v", ErrUnavailable, s.ensureErr)
	}
	return nil
}

// Upsert implements Store.
func (s *QdrantStore) Upsert(ctx context.Context, rec Record) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()

	if err := ValidateTenant(rec.Tenant); err != nil {
		return err
	}
	if uint64(len(rec.Embedding)) != s.config.VectorSize {
		return fmt.Errorf("%w: embedding dimension %d, want %d", ErrInvalidConfig, len(rec.Embedding), s.config.VectorSize)
	}
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}

	payload := map[string]*qdrant.Value{
		"tenant":      {Kind: &qdrant.Value_StringValue{StringValue: rec.Tenant}},
		"block_id":    {Kind: &qdrant.Value_StringValue{StringValue: rec.BlockID}},
		"kind":        {Kind: &qdrant.Value_StringValue{StringValue: string(rec.Kind)}},
		"content":     {Kind: &qdrant.Value_StringValue{StringValue: rec.Content}},
		"tokens":      {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(rec.Tokens)}},
		"created_at":  {Kind: &qdrant.Value_IntegerValue{IntegerValue: rec.CreatedAt.UnixNano()}},
		"fingerprint": {Kind: &qdrant.Value_StringValue{StringValue: rec.Fingerprint}},
	}
	for k, v := range rec.Metadata {
		payload["meta_"+k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: v}}
	}

	// Point ids must be UUIDs; the block id is preserved in the payload when
	// it is not one.
	pointID := rec.BlockID
	if _, err := uuid.Parse(pointID); err != nil {
		pointID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(rec.Tenant+"/"+rec.BlockID)).String()
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.config.CollectionName,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(pointID),
			Vectors: qdrant.NewVectors(rec.Embedding...),
			Payload: payload,
		}},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: upsert: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete implements Store. Points are matched by tenant and block id so
// non-UUID block ids resolve without recomputing the point id.
func (s *QdrantStore) Delete(ctx context.Context, tenant, blockID string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Delete")
	defer span.End()

	if err := ValidateTenant(tenant); err != nil {
		return err
	}
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.config.CollectionName,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch("tenant", tenant),
				qdrant.NewMatch("block_id", blockID),
			},
		}),
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: delete: %v", ErrUnavailable, err)
	}
	return nil
}

// Search implements Store.
func (s *QdrantStore) Search(ctx context.Context, tenant string, query []float32, topK int, kinds []block.Kind) ([]Record, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("top_k", topK))

	if err := ValidateTenant(tenant); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}

	conditions := []*qdrant.Condition{qdrant.NewMatch("tenant", tenant)}
	if len(kinds) > 0 {
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = string(k)
		}
		conditions = append(conditions, qdrant.NewMatchKeywords("kind", names...))
	}

	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.config.CollectionName,
		Query:          qdrant.NewQuery(query...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		Filter:         &qdrant.Filter{Must: conditions},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: query: %v", ErrUnavailable, err)
	}

	records := make([]Record, 0, len(points))
	for _, point := range points {
		records = append(records, decodePoint(point))
	}
	span.SetAttributes(attribute.Int("results", len(records)))
	return records, nil
}

// Close releases the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// decodePoint rebuilds a Record from a scored point.
func decodePoint(point *qdrant.ScoredPoint) Record {
	rec := Record{Metadata: map[string]string{}}
	for k, v := range point.GetPayload() {
		switch k {
		case "tenant":
			rec.Tenant = v.GetStringValue()
		case "block_id":
			rec.BlockID = v.GetStringValue()
		case "kind":
			rec.Kind = block.Kind(v.GetStringValue())
		case "content":
			rec.Content = v.GetStringValue()
		case "tokens":
			rec.Tokens = int(v.GetIntegerValue())
		case "created_at":
			rec.CreatedAt = time.Unix(0, v.GetIntegerValue())
		case "fingerprint":
			rec.Fingerprint = v.GetStringValue()
		default:
			if name, ok := strings.CutPrefix(k, "meta_"); ok {
				rec.Metadata[name] = v.GetStringValue()
			}
		}
	}
	if vectors := point.GetVectors(); vectors != nil {
		if vec := vectors.GetVector(); vec != nil {
			rec.Embedding = vec.GetData()
		}
	}
	return rec
}
