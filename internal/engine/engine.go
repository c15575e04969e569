package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/convosearch/internal/chunker"
	"github.com/dshills/convosearch/internal/config"
	"github.com/dshills/convosearch/internal/connector"
	"github.com/dshills/convosearch/internal/embedder"
	"github.com/dshills/convosearch/internal/indexer"
	"github.com/dshills/convosearch/internal/logging"
	"github.com/dshills/convosearch/internal/query"
	"github.com/dshills/convosearch/internal/searcher"
	"github.com/dshills/convosearch/internal/storage"
	"github.com/dshills/convosearch/pkg/types"
)

// DBFile is the index store's file name inside data_dir
const DBFile = "convosearch.db"

// Vector index build modes reported by Status
const (
	BuildLoaded     = "loaded"     // flushed index loaded as is
	BuildSynced     = "synced"     // loaded, then caught up with the store
	BuildRebuilt    = "rebuilt"    // rebuilt from stored vectors
	BuildReembedded = "reembedded" // every chunk embedded again
	BuildPending    = "pending"    // waiting for a re-embed
)

// Option customizes Open
type Option func(*options)

type options struct {
	provider    embedder.Embedder
	registry    *connector.Registry
	modelChange bool
}

// WithProvider embeds through p instead of the configured provider
func WithProvider(p embedder.Embedder) Option {
	return func(o *options) { o.provider = p }
}

// WithRegistry normalizes transcripts through r instead of the built-in
// registry
func WithRegistry(r *connector.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithEmbeddingChange opens an index whose recorded embedding model or
// dimension differs from the configured one. Nothing is loaded into the
// vector index; the caller is expected to run RebuildVectors with reembed.
func WithEmbeddingChange() Option {
	return func(o *options) { o.modelChange = true }
}

// Engine owns the index store, the vector index and the pipeline, and is
// the single entry point for search and maintenance.
type Engine struct {
	cfg      *config.Config
	store    *storage.Store
	vectors  *vectorHandle
	embedder *embedder.Client
	chunker  *chunker.Chunker
	registry *connector.Registry
	gate     *storage.WriteGate
	searcher *searcher.Searcher
	indexer  *indexer.Indexer

	// control serializes restore, rebuild and compaction
	control   sync.Mutex
	buildMu   sync.RWMutex
	buildMode string

	startedAt time.Time
	base      zerolog.Logger
	logger    zerolog.Logger
}

// Open creates data_dir if needed, opens the store, recovers files left
// mid-indexing by a crash, checks the embedding space, and loads or
// rebuilds the vector index.
func Open(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	store, err := storage.Open(ctx, cfg.DBPath(), logger)
	if err != nil {
		return nil, err
	}

	e, err := open(ctx, cfg, store, o, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return e, nil
}

func open(ctx context.Context, cfg *config.Config, store *storage.Store, o options, logger zerolog.Logger) (*Engine, error) {
	provider := o.provider
	if provider == nil {
		p, err := embedder.NewProvider(cfg.Embed)
		if err != nil {
			return nil, &types.ConfigError{Setting: "embedding.provider", Err: err}
		}
		provider = p
	}
	client := embedder.NewClient(provider, embedder.ClientOptions{
		BatchSize:         cfg.Embed.BatchSize,
		CacheSize:         cfg.Embed.CacheSize,
		RequestsPerSecond: cfg.Embed.RequestsPerSecond,
		Retry: embedder.RetryConfig{
			MaxRetries: cfg.Embed.MaxRetries,
			BaseDelay:  cfg.Embed.BaseDelay,
			MaxDelay:   cfg.Embed.MaxDelay,
			Multiplier: embedder.BackoffMultiplier,
		},
	})

	ch, err := newChunker(cfg.Chunk)
	if err != nil {
		return nil, err
	}

	registry := o.registry
	if registry == nil {
		registry = connector.NewRegistry()
	}

	e := &Engine{
		cfg:       cfg,
		store:     store,
		embedder:  client,
		chunker:   ch,
		registry:  registry,
		gate:      storage.NewWriteGate(),
		startedAt: time.Now(),
		base:      logger,
		logger:    logging.Component(logger, "engine"),
	}

	recovered, err := store.RecoverInterrupted(ctx)
	if err != nil {
		return nil, err
	}
	if recovered > 0 {
		e.logger.Warn().Int64("files", recovered).Msg("recovered files interrupted mid-indexing")
	}

	if !o.modelChange {
		if err := store.EnsureEmbeddingSpace(ctx, client.Model(), client.Dimension()); err != nil {
			return nil, err
		}
	}

	state, err := store.IndexState(ctx)
	if err != nil {
		return nil, err
	}
	idx, err := e.newVectorIndex(state.IndexID, client.Dimension())
	if err != nil {
		return nil, err
	}
	e.vectors = &vectorHandle{idx: idx}

	if o.modelChange {
		e.setBuildMode(BuildPending)
	} else if err := e.loadVectors(ctx, idx); err != nil {
		return nil, err
	}

	e.searcher = searcher.New(store, e.vectors, client, cfg.Search, logger)
	e.indexer, err = indexer.New(store, e.vectors, client, ch, registry, e.gate, indexer.Config{
		Sources:  cfg.Sources,
		Pipeline: cfg.Pipeline,
	}, logging.Component(logger, "indexer"))
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("index_id", state.IndexID).
		Uint64("seq", state.Seq).
		Str("provider", client.Provider()).
		Str("model", client.Model()).
		Int("dimension", client.Dimension()).
		Str("vectors", e.BuildMode()).
		Msg("engine opened")
	return e, nil
}

func newChunker(cfg config.ChunkConfig) (*chunker.Chunker, error) {
	c := chunker.Config{
		Unit:    chunker.Unit(cfg.Unit),
		MaxSize: cfg.MaxSize,
		Overlap: cfg.Overlap,
	}
	if c.Unit == chunker.UnitTokens {
		counter, err := chunker.NewTiktokenCounter(cfg.Encoding)
		if err != nil {
			return nil, &types.ConfigError{Setting: "chunk.encoding", Err: err}
		}
		c.Counter = counter
	}
	return chunker.New(c), nil
}

// Close flushes the vector index and releases the store and embedder
func (e *Engine) Close() error {
	var errs []error
	if err := e.vectors.get().Flush(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("flush vectors: %w", err))
	}
	if err := e.embedder.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Search parses text with params and returns one ranked page
func (e *Engine) Search(ctx context.Context, text string, params query.Params) (*searcher.Response, error) {
	return e.searcher.Search(ctx, text, params)
}

// Run watches the sources and keeps the index current until ctx is
// cancelled, flushing the vector index every flush interval and once more
// on the way out.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.indexer.Run(gctx) })
	g.Go(func() error { return e.maintain(gctx) })

	err := g.Wait()
	if flushErr := e.vectors.get().Flush(context.WithoutCancel(ctx)); flushErr != nil {
		e.logger.Error().Err(flushErr).Msg("final vector flush failed")
	}
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// maintain flushes dirty vectors and resyncs them after a failed update
func (e *Engine) maintain(ctx context.Context) error {
	interval := e.cfg.Pipeline.FlushInterval
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if e.indexer.TakeVectorDrift() {
			err := e.gate.Do(ctx, func(ctx context.Context) error {
				_, err := e.syncVectors(ctx, e.vectors.get(), false)
				return err
			})
			if err != nil && ctx.Err() == nil {
				e.logger.Error().Err(err).Msg("vector resync failed")
			}
		}
		if err := e.vectors.get().Flush(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error().Err(err).Msg("vector flush failed")
		}
	}
}

// Index runs one scan-and-index pass without watching and flushes the
// vector index
func (e *Engine) Index(ctx context.Context) (*indexer.Statistics, error) {
	stats, err := e.indexer.RunOnce(ctx)
	if err != nil {
		return nil, err
	}
	if e.indexer.TakeVectorDrift() {
		if _, err := e.syncVectors(ctx, e.vectors.get(), false); err != nil {
			return stats, err
		}
	}
	return stats, e.vectors.get().Flush(ctx)
}

// Rescan queues a full scan on the running pipeline. Without a running
// pipeline it indexes in place and reports that pass's scan.
func (e *Engine) Rescan(ctx context.Context) (*indexer.ScanResult, error) {
	if e.indexer.Stats().Running {
		return e.indexer.Scan(ctx)
	}
	stats, err := e.Index(ctx)
	if err != nil {
		return nil, err
	}
	return stats.LastScan, nil
}

// Config returns the configuration the engine was opened with
func (e *Engine) Config() *config.Config { return e.cfg }

// BuildMode reports how the vector index was last built
func (e *Engine) BuildMode() string {
	e.buildMu.RLock()
	defer e.buildMu.RUnlock()
	return e.buildMode
}

func (e *Engine) setBuildMode(mode string) {
	e.buildMu.Lock()
	e.buildMode = mode
	e.buildMu.Unlock()
}
