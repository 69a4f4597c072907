package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docagent-io/docagent/internal/domain"
)

// EmbeddingProvider is the slice of the model provider the gateway needs.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingConfig controls the gateway's timeout, retry, and dimension check.
type EmbeddingConfig struct {
	Dimension       int
	Timeout         time.Duration
	MaxAttempts     uint64
	InitialInterval time.Duration
}

// DefaultEmbeddingConfig returns the gateway defaults for dimension D.
func DefaultEmbeddingConfig(dimension int) EmbeddingConfig {
	return EmbeddingConfig{
		Dimension:       dimension,
		Timeout:         30 * time.Second,
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
	}
}

// EmbeddingGateway wraps the model provider's embedding calls with a bounded
// timeout, capped exponential backoff for transient failures, and a strict
// dimension check. A failed embedding never leaves partial state behind.
type EmbeddingGateway struct {
	provider EmbeddingProvider
	cfg      EmbeddingConfig
}

// NewEmbeddingGateway creates a gateway around the given provider.
func NewEmbeddingGateway(provider EmbeddingProvider, cfg EmbeddingConfig) (*EmbeddingGateway, error) {
	if cfg.Dimension <= 0 {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation,
			"embedding dimension must be positive", domain.ErrInvalidConfiguration)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultEmbeddingConfig(cfg.Dimension).Timeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultEmbeddingConfig(cfg.Dimension).MaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultEmbeddingConfig(cfg.Dimension).InitialInterval
	}
	return &EmbeddingGateway{provider: provider, cfg: cfg}, nil
}

// Dimension returns the configured vector dimension D.
func (g *EmbeddingGateway) Dimension() int {
	return g.cfg.Dimension
}

// Embed converts text into a vector of exactly D floats.
func (g *EmbeddingGateway) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation,
			"embedding text is required", domain.ErrMissingRequiredField)
	}

	vec, err := backoff.RetryWithData(func() ([]float32, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()

		v, err := g.provider.Embed(callCtx, text)
		if err != nil {
			return nil, classifyForRetry(err)
		}
		if len(v) != g.cfg.Dimension {
			return nil, backoff.Permanent(fmt.Errorf("%w: got %d, want %d",
				domain.ErrDimensionMismatch, len(v), g.cfg.Dimension))
		}
		return v, nil
	}, g.newBackOff(ctx))
	if err != nil {
		return nil, g.finalize(err)
	}
	return vec, nil
}

// EmbedBatch converts texts into vectors, preserving input order.
func (g *EmbeddingGateway) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	vecs, err := backoff.RetryWithData(func() ([][]float32, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()

		vs, err := g.provider.EmbedBatch(callCtx, texts)
		if err != nil {
			return nil, classifyForRetry(err)
		}
		if len(vs) != len(texts) {
			return nil, backoff.Permanent(fmt.Errorf("%w: got %d vectors for %d texts",
				domain.ErrProviderRejected, len(vs), len(texts)))
		}
		for i, v := range vs {
			if len(v) != g.cfg.Dimension {
				return nil, backoff.Permanent(fmt.Errorf("%w: vector %d has %d dims, want %d",
					domain.ErrDimensionMismatch, i, len(v), g.cfg.Dimension))
			}
		}
		return vs, nil
	}, g.newBackOff(ctx))
	if err != nil {
		return nil, g.finalize(err)
	}
	return vecs, nil
}

func (g *EmbeddingGateway) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = g.cfg.InitialInterval
	return backoff.WithContext(backoff.WithMaxRetries(exp, g.cfg.MaxAttempts-1), ctx)
}

// classifyForRetry marks non-retryable provider failures permanent so backoff
// stops immediately; everything else is treated as transient.
func classifyForRetry(err error) error {
	if errors.Is(err, domain.ErrProviderRejected) || errors.Is(err, domain.ErrDimensionMismatch) {
		return backoff.Permanent(err)
	}
	return err
}

// finalize maps terminal retry outcomes onto the gateway's error contract:
// rejected requests and dimension mismatches surface as-is, exhausted
// transient failures surface as an embedding failure.
func (g *EmbeddingGateway) finalize(err error) error {
	if errors.Is(err, domain.ErrProviderRejected) || errors.Is(err, domain.ErrDimensionMismatch) {
		return err
	}
	return domain.NewDomainErrorWithCause(domain.ErrCodeInternalError,
		domain.ErrEmbeddingFailed.Message, err)
}
