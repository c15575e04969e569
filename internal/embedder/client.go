package embedder

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/dshills/convosearch/pkg/types"
)

// ClientOptions tunes the batching client
type ClientOptions struct {
	BatchSize         int
	CacheSize         int
	RequestsPerSecond float64 // 0 means unlimited
	Retry             RetryConfig
	Dimension         int // expected vector dimension, 0 means the provider's
}

// Client wraps a provider with batching, an LRU cache keyed by text hash,
// rate limiting, retry on transient failures and a dimension guard.
type Client struct {
	provider  Embedder
	cache     *Cache
	batchSize int
	retry     RetryConfig
	limiter   *rate.Limiter
	dimension int

	calls     atomic.Int64
	cacheHits atomic.Int64
}

// NewClient creates a batching client around provider
func NewClient(provider Embedder, opts ClientOptions) *Client {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	if batch > MaxBatchSize {
		batch = MaxBatchSize
	}
	retry := opts.Retry
	if retry.MaxRetries <= 0 {
		retry = DefaultRetryConfig()
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	dim := opts.Dimension
	if dim <= 0 {
		dim = provider.Dimension()
	}

	return &Client{
		provider:  provider,
		cache:     NewCache(opts.CacheSize),
		batchSize: batch,
		retry:     retry,
		limiter:   limiter,
		dimension: dim,
	}
}

// Embed returns one vector per text, in order. Cached texts are not sent;
// the rest go to the provider in batches of at most BatchSize. A vector of
// the wrong dimension is a ConfigError and is never retried.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ValidateTexts(texts); err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))

	// Pending unique texts, each mapped to every position it fills
	var pending []string
	positions := make(map[string][]int)
	for i, text := range texts {
		h := ComputeHash(text)
		if v, ok := c.cache.Get(h); ok {
			c.cacheHits.Add(1)
			out[i] = v
			continue
		}
		if _, seen := positions[h]; !seen {
			pending = append(pending, text)
		}
		positions[h] = append(positions[h], i)
	}

	for start := 0; start < len(pending); start += c.batchSize {
		end := start + c.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		vectors, attempts, err := retryWithBackoff(ctx, c.retry, func() ([][]float32, error) {
			if c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					return nil, err
				}
			}
			c.calls.Add(1)
			return c.provider.EmbedBatch(ctx, batch)
		})
		if err != nil {
			return nil, fmt.Errorf("embed batch of %d texts (%d attempts): %w", len(batch), attempts, err)
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrProviderFailed, len(vectors), len(batch))
		}

		for i, v := range vectors {
			if len(v) != c.dimension {
				return nil, &types.ConfigError{
					Setting: "embedding.dimension",
					Err: fmt.Errorf("%w: provider %s returned %d, index expects %d",
						types.ErrDimensionMismatch, c.provider.Provider(), len(v), c.dimension),
				}
			}
			h := ComputeHash(batch[i])
			for _, pos := range positions[h] {
				dup := make([]float32, len(v))
				copy(dup, v)
				out[pos] = dup
			}
			c.cache.Set(h, v)
		}
	}

	return out, nil
}

// EmbedQuery embeds a single query text through the same cache
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	vectors, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Dimension returns the dimension every returned vector has
func (c *Client) Dimension() int { return c.dimension }

// Provider returns the underlying provider name
func (c *Client) Provider() string { return c.provider.Provider() }

// Model returns the underlying model name
func (c *Client) Model() string { return c.provider.Model() }

// Calls returns the number of provider round trips made so far
func (c *Client) Calls() int64 { return c.calls.Load() }

// CacheHits returns the number of texts served from the cache
func (c *Client) CacheHits() int64 { return c.cacheHits.Load() }

// CacheSize returns the number of cached vectors
func (c *Client) CacheSize() int { return c.cache.Size() }

// Close releases the provider
func (c *Client) Close() error {
	return c.provider.Close()
}
