package embedder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/convosearch/pkg/types"
)

// recordingProvider returns constant vectors and records every batch it sees
type recordingProvider struct {
	mu       sync.Mutex
	dim      int
	outDim   int
	batches  [][]string
	failures []error // returned in order before succeeding
}

func (r *recordingProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]string(nil), texts...))
	if len(r.failures) > 0 {
		err := r.failures[0]
		r.failures = r.failures[1:]
		return nil, err
	}
	dim := r.dim
	if r.outDim > 0 {
		dim = r.outDim
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, dim)
		v[0] = float32(len(text))
		out[i] = v
	}
	return out, nil
}

func (r *recordingProvider) Dimension() int   { return r.dim }
func (r *recordingProvider) Provider() string { return "recording" }
func (r *recordingProvider) Model() string    { return "recording-v1" }
func (r *recordingProvider) Close() error     { return nil }

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
}

func TestClient_BatchesInput(t *testing.T) {
	p := &recordingProvider{dim: 4}
	c := NewClient(p, ClientOptions{BatchSize: 2, Retry: fastRetry()})

	vecs, err := c.Embed(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"})
	require.NoError(t, err)
	require.Len(t, vecs, 5)

	assert.Len(t, p.batches, 3)
	for _, b := range p.batches {
		assert.LessOrEqual(t, len(b), 2)
	}
	for i, v := range vecs {
		assert.Equal(t, float32(i+1), v[0], "vector %d out of order", i)
	}
	assert.Equal(t, int64(3), c.Calls())
}

func TestClient_CachesAndDeduplicates(t *testing.T) {
	p := &recordingProvider{dim: 4}
	c := NewClient(p, ClientOptions{BatchSize: 10, Retry: fastRetry()})
	ctx := context.Background()

	vecs, err := c.Embed(ctx, []string{"same", "same", "other"})
	require.NoError(t, err)
	require.Len(t, p.batches, 1)
	assert.Equal(t, []string{"same", "other"}, p.batches[0])
	assert.Equal(t, vecs[0], vecs[1])

	vecs[0][0] = 42
	again, err := c.EmbedQuery(ctx, "same")
	require.NoError(t, err)
	assert.Equal(t, float32(4), again[0])
	assert.Len(t, p.batches, 1, "cached text must not reach the provider")
	assert.Equal(t, int64(1), c.CacheHits())
	assert.Equal(t, 2, c.CacheSize())
}

func TestClient_RetriesTransientErrors(t *testing.T) {
	p := &recordingProvider{
		dim:      4,
		failures: []error{types.Transient("embed", errors.New("503")), types.Transient("embed", errors.New("429"))},
	}
	c := NewClient(p, ClientOptions{Retry: fastRetry()})

	vecs, err := c.Embed(context.Background(), []string{"hello"})
	require.NoError(t, err)
	assert.Len(t, vecs, 1)
	assert.Len(t, p.batches, 3)
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	transient := types.Transient("embed", errors.New("503"))
	p := &recordingProvider{dim: 4, failures: []error{transient, transient, transient, transient}}
	c := NewClient(p, ClientOptions{Retry: fastRetry()})

	_, err := c.Embed(context.Background(), []string{"hello"})
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
	assert.Len(t, p.batches, 3)
}

func TestClient_DoesNotRetryPermanentErrors(t *testing.T) {
	p := &recordingProvider{dim: 4, failures: []error{ErrProviderFailed}}
	c := NewClient(p, ClientOptions{Retry: fastRetry()})

	_, err := c.Embed(context.Background(), []string{"hello"})
	assert.ErrorIs(t, err, ErrProviderFailed)
	assert.Len(t, p.batches, 1)
}

func TestClient_DimensionMismatchIsConfigError(t *testing.T) {
	p := &recordingProvider{dim: 4, outDim: 8}
	c := NewClient(p, ClientOptions{Retry: fastRetry()})

	_, err := c.Embed(context.Background(), []string{"hello"})
	require.Error(t, err)
	assert.True(t, types.IsConfig(err))
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)
	assert.Len(t, p.batches, 1)
}

func TestClient_RecordedDimensionOverridesProvider(t *testing.T) {
	p := &recordingProvider{dim: 4}
	c := NewClient(p, ClientOptions{Dimension: 6, Retry: fastRetry()})
	assert.Equal(t, 6, c.Dimension())

	_, err := c.Embed(context.Background(), []string{"hello"})
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)
}

func TestClient_ContextCancelled(t *testing.T) {
	p := &recordingProvider{dim: 4, failures: []error{types.Transient("embed", errors.New("down"))}}
	c := NewClient(p, ClientOptions{Retry: RetryConfig{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: time.Second, Multiplier: 2}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Embed(ctx, []string{"hello"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_RateLimited(t *testing.T) {
	p := &recordingProvider{dim: 4}
	c := NewClient(p, ClientOptions{BatchSize: 1, RequestsPerSecond: 50, Retry: fastRetry()})

	start := time.Now()
	_, err := c.Embed(context.Background(), []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	// burst 50 lets all four through; only check it completed and batched
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Len(t, p.batches, 4)
}

func TestClient_EmptyQuery(t *testing.T) {
	c := NewClient(&recordingProvider{dim: 4}, ClientOptions{})
	_, err := c.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestRetryWithBackoff(t *testing.T) {
	t.Run("success after transient failures", func(t *testing.T) {
		calls := 0
		got, attempts, err := retryWithBackoff(context.Background(), fastRetry(), func() (string, error) {
			calls++
			if calls < 3 {
				return "", types.Transient("op", errors.New("flaky"))
			}
			return "ok", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", got)
		assert.Equal(t, 3, attempts)
	})

	t.Run("permanent error stops immediately", func(t *testing.T) {
		calls := 0
		_, attempts, err := retryWithBackoff(context.Background(), fastRetry(), func() (int, error) {
			calls++
			return 0, errors.New("bad request")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, attempts)
	})
}
