// Package vectorstore defines persisted block embeddings and the stores that
// serve cosine-similarity search over them.
package vectorstore

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/promptd/internal/block"
)

var (
	// ErrInvalidConfig indicates invalid store configuration.
	ErrInvalidConfig = errors.New("vectorstore: invalid configuration")

	// ErrInvalidTenant indicates an empty or malformed tenant id.
	ErrInvalidTenant = errors.New("vectorstore: invalid tenant")

	// ErrUnavailable indicates the backing store cannot be reached; the
	// pipeline treats it as a degradation, never a failure.
	ErrUnavailable = errors.New("vectorstore: unavailable")
)

// Record is one persisted block with its embedding. The store is
// multi-tenant; every operation is scoped by tenant id.
type Record struct {
	// Tenant is the opaque tenant id the record belongs to.
	Tenant string

	// BlockID identifies the originating block.
	BlockID string

	// Kind is the block kind, used for filtered search.
	Kind block.Kind

	// Content is the block text.
	Content string

	// Tokens is the token count of Content.
	Tokens int

	// CreatedAt orders records by ingestion time.
	CreatedAt time.Time

	// Fingerprint deduplicates records with identical normalized content.
	Fingerprint string

	// Metadata carries auxiliary key/value pairs.
	Metadata map[string]string

	// Embedding is the L2-normalized vector of fixed dimension.
	Embedding []float32
}

// Store persists records and serves approximate-nearest-neighbour search by
// cosine similarity. The optimization pipeline only reads; ingestion is an
// external collaborator.
type Store interface {
	// Upsert inserts or replaces a record keyed by (tenant, block id).
	Upsert(ctx context.Context, rec Record) error

	// Delete removes the record for (tenant, block id).
	Delete(ctx context.Context, tenant, blockID string) error

	// Search returns up to topK records for the tenant in descending cosine
	// similarity to query. When kinds is non-empty only those kinds are
	// returned. Returned records include their stored embeddings so callers
	// can compute pairwise similarities locally.
	Search(ctx context.Context, tenant string, query []float32, topK int, kinds []block.Kind) ([]Record, error)

	// Close releases store resources.
	Close() error
}

// Cosine returns the cosine similarity of two vectors. Inputs are assumed
// L2-normalized, so this is their dot product.
func Cosine(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float32
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// tenantPattern validates tenant ids used to derive collection names.
var tenantPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,48}$`)

// ValidateTenant rejects tenant ids that cannot form a collection name.
func ValidateTenant(tenant string) error {
	if !tenantPattern.MatchString(tenant) {
		return ErrInvalidTenant
	}
	return nil
}
