// Package embeddings provides embedding generation for the semantic stage.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("embeddings: empty input")

	// ErrUnavailable indicates the provider could not be initialized or has
	// failed; callers skip the semantic stage.
	ErrUnavailable = errors.New("embeddings: provider unavailable")
)

// Provider generates L2-normalized embedding vectors of a fixed dimension.
type Provider interface {
	// EmbedDocuments embeds multiple texts, one vector per input.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a single query text.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the embedding dimension.
	Dimension() int

	// Close releases provider resources.
	Close() error
}

// Lazy defers provider construction to first use. Initialization runs at most
// once concurrently, is retried with backoff on transient failure, and may be
// attempted again on a later call if it failed outright.
type Lazy struct {
	factory func() (Provider, error)
	logger  *zap.Logger

	mu       sync.Mutex
	provider Provider
	dim      int
}

// NewLazy wraps a provider factory.
func NewLazy(factory func() (Provider, error), dim int, logger *zap.Logger) *Lazy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lazy{factory: factory, dim: dim, logger: logger}
}

// init resolves the underlying provider, loading the model on first call.
func (l *Lazy) init(ctx context.Context) (Provider, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.provider != nil {
		return l.provider, nil
	}

	start := time.Now()
	p, err := backoff.Retry(ctx, func() (Provider, error) {
		return l.factory()
	}, backoff.WithMaxTries(3), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		l.logger.Warn("embedding provider initialization failed",
			zap.Error(err),
			zap.Duration("elapsed", time.Since(start)),
		)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	l.logger.Info("embedding provider initialized",
		zap.Int("dimension", p.Dimension()),
		zap.Duration("elapsed", time.Since(start)),
	)
	l.provider = p
	return p, nil
}

// EmbedDocuments implements Provider.
func (l *Lazy) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	p, err := l.init(ctx)
	if err != nil {
		return nil, err
	}
	vectors, err := p.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	NormalizeAll(vectors)
	return vectors, nil
}

// EmbedQuery implements Provider.
func (l *Lazy) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	p, err := l.init(ctx)
	if err != nil {
		return nil, err
	}
	vector, err := p.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	Normalize(vector)
	return vector, nil
}

// Dimension implements Provider.
func (l *Lazy) Dimension() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.provider != nil {
		return l.provider.Dimension()
	}
	return l.dim
}

// Close implements Provider.
func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.provider == nil {
		return nil
	}
	err := l.provider.Close()
	l.provider = nil
	return err
}

// Normalize scales a vector to unit L2 norm in place. Zero vectors are left
// unchanged.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}

// NormalizeAll normalizes every vector in place.
func NormalizeAll(vectors [][]float32) {
	for _, v := range vectors {
		Normalize(v)
	}
}
