package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/convosearch/internal/chunker"
	"github.com/dshills/convosearch/internal/config"
	"github.com/dshills/convosearch/internal/connector"
	"github.com/dshills/convosearch/internal/storage"
	"github.com/dshills/convosearch/internal/vectorindex"
	"github.com/dshills/convosearch/pkg/types"
)

// Store is the part of storage.Store the pipeline writes through
type Store interface {
	ListFileStatus(ctx context.Context, states ...types.FileState) ([]*types.FileIndexStatus, error)
	MarkPending(ctx context.Context, path string) (*types.FileIndexStatus, error)
	MarkIndexing(ctx context.Context, path string) (*types.FileIndexStatus, error)
	MarkFailed(ctx context.Context, path string, cause error) (*types.FileIndexStatus, error)
	MarkUnchanged(ctx context.Context, path string, modTime time.Time, size int64) (*types.FileIndexStatus, error)
	ReplaceConversation(ctx context.Context, w *storage.ConversationWrite) (*storage.WriteResult, error)
	DeleteByPath(ctx context.Context, path string) (*storage.WriteResult, error)
}

// VectorIndex receives the vector delta of every commit
type VectorIndex interface {
	Apply(ctx context.Context, seq uint64, removed []string, added []vectorindex.Entry) error
}

// Embedder embeds chunk texts in batches
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Config contains configuration for the indexer
type Config struct {
	Sources  []config.Source
	Pipeline config.PipelineConfig
}

// Statistics is a point-in-time view of pipeline counters
type Statistics struct {
	FilesIndexed  int64
	FilesSkipped  int64
	FilesFailed   int64
	FilesDeleted  int64
	ChunksCreated int64
	Queued        int
	Debouncing    int
	Scanning      bool
	Running       bool
	LastScan      *ScanResult
}

// Indexer coordinates the incremental pipeline:
// watch -> debounce -> queue -> normalize -> chunk -> embed -> commit
type Indexer struct {
	store    Store
	vectors  VectorIndex
	embedder Embedder
	chunker  *chunker.Chunker
	registry *connector.Registry
	gate     *storage.WriteGate

	sources []config.Source
	cfg     config.PipelineConfig
	queue   *Queue
	flight  *inflight

	scanLock  IndexLock
	running   atomic.Bool
	debouncer atomic.Pointer[Debouncer]
	drift     atomic.Bool
	lastScan  atomic.Pointer[ScanResult]

	indexed atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
	deleted atomic.Int64
	chunks  atomic.Int64

	now    func() time.Time
	logger zerolog.Logger
}

// New creates an Indexer. Source roots are made absolute and every source
// format must have a registered normalizer.
func New(store Store, vectors VectorIndex, emb Embedder, ch *chunker.Chunker,
	registry *connector.Registry, gate *storage.WriteGate, cfg Config, logger zerolog.Logger) (*Indexer, error) {
	defaults := config.DefaultConfig().Pipeline
	p := cfg.Pipeline
	if p.Workers <= 0 {
		p.Workers = defaults.Workers
	}
	if p.QueueSize <= 0 {
		p.QueueSize = defaults.QueueSize
	}
	if p.MaxBatchFiles <= 0 {
		p.MaxBatchFiles = defaults.MaxBatchFiles
	}
	if p.RetryBackoff <= 0 {
		p.RetryBackoff = defaults.RetryBackoff
	}
	if p.MaxRetryBackoff < p.RetryBackoff {
		p.MaxRetryBackoff = p.RetryBackoff
	}

	sources := make([]config.Source, 0, len(cfg.Sources))
	for i, src := range cfg.Sources {
		root, err := filepath.Abs(src.Path)
		if err != nil {
			return nil, &types.ConfigError{Setting: "sources", Err: fmt.Errorf("source %d: %w", i, err)}
		}
		src.Path = filepath.Clean(root)
		if _, err := registry.Lookup(src.Format); err != nil {
			return nil, &types.ConfigError{Setting: "sources", Err: fmt.Errorf("source %s: %w", src.Path, err)}
		}
		for _, pattern := range append(append([]string{}, src.Include...), src.Exclude...) {
			if !doublestar.ValidatePattern(pattern) {
				return nil, &types.ConfigError{Setting: "sources", Err: fmt.Errorf("source %s: bad pattern %q", src.Path, pattern)}
			}
		}
		sources = append(sources, src)
	}

	return &Indexer{
		store:    store,
		vectors:  vectors,
		embedder: emb,
		chunker:  ch,
		registry: registry,
		gate:     gate,
		sources:  sources,
		cfg:      p,
		queue:    NewQueue(p.QueueSize),
		flight:   newInflight(),
		now:      time.Now,
		logger:   logger,
	}, nil
}

// Run watches the source roots and indexes changes until ctx is cancelled.
// It scans once at start and again every rescan interval. Commits in
// flight at cancellation finish; queued items stay pending for the next
// run. Run returns nil on cancellation and an error only for fatal
// configuration problems such as an embedding dimension mismatch.
func (ix *Indexer) Run(ctx context.Context) error {
	if !ix.running.CompareAndSwap(false, true) {
		return errors.New("indexer is already running")
	}
	defer ix.running.Store(false)

	g, gctx := errgroup.WithContext(ctx)

	w, err := ix.newWatcher(gctx)
	if err != nil {
		return err
	}
	ix.debouncer.Store(w.debouncer)
	defer ix.debouncer.Store(nil)

	g.Go(func() error { return w.run(gctx) })
	for i := 0; i < ix.cfg.Workers; i++ {
		g.Go(func() error { return ix.work(gctx, ix.queue) })
	}
	g.Go(func() error { return ix.rescanLoop(gctx) })

	ix.logger.Info().
		Int("sources", len(ix.sources)).
		Int("workers", ix.cfg.Workers).
		Msg("indexer started")

	err = g.Wait()
	ix.logger.Info().Msg("indexer stopped")
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RunOnce scans every source and indexes whatever the scan finds, then
// returns. It does not watch.
func (ix *Indexer) RunOnce(ctx context.Context) (*Statistics, error) {
	if !ix.running.CompareAndSwap(false, true) {
		return nil, errors.New("indexer is already running")
	}
	defer ix.running.Store(false)

	before := ix.Stats()
	q := NewQueue(ix.cfg.QueueSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer q.Close()
		_, err := ix.scan(gctx, q)
		return err
	})
	for i := 0; i < ix.cfg.Workers; i++ {
		g.Go(func() error { return ix.work(gctx, q) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	after := ix.Stats()
	after.FilesIndexed -= before.FilesIndexed
	after.FilesSkipped -= before.FilesSkipped
	after.FilesFailed -= before.FilesFailed
	after.FilesDeleted -= before.FilesDeleted
	after.ChunksCreated -= before.ChunksCreated
	return after, nil
}

func (ix *Indexer) rescanLoop(ctx context.Context) error {
	var tick <-chan time.Time
	if ix.cfg.RescanInterval > 0 {
		ticker := time.NewTicker(ix.cfg.RescanInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if _, err := ix.scan(ctx, ix.queue); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if types.IsConfig(err) {
				return err
			}
			ix.logger.Warn().Err(err).Msg("rescan failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
		}
	}
}

// Stats returns the current pipeline counters
func (ix *Indexer) Stats() *Statistics {
	s := &Statistics{
		FilesIndexed:  ix.indexed.Load(),
		FilesSkipped:  ix.skipped.Load(),
		FilesFailed:   ix.failed.Load(),
		FilesDeleted:  ix.deleted.Load(),
		ChunksCreated: ix.chunks.Load(),
		Queued:        ix.queue.Len(),
		Scanning:      ix.scanLock.Held(),
		Running:       ix.running.Load(),
		LastScan:      ix.lastScan.Load(),
	}
	if d := ix.debouncer.Load(); d != nil {
		s.Debouncing = d.Pending()
	}
	return s
}

// TakeVectorDrift reports, and clears, whether a vector index update failed
// after its store commit. The caller is expected to resync the index.
func (ix *Indexer) TakeVectorDrift() bool {
	return ix.drift.Swap(false)
}

// work drains q in batches of up to MaxBatchFiles until q is closed or ctx
// is done
func (ix *Indexer) work(ctx context.Context, q *Queue) error {
	for {
		item, err := q.Pop(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) {
				return nil
			}
			return err
		}
		batch := []WorkItem{item}
		for len(batch) < ix.cfg.MaxBatchFiles {
			next, ok := q.TryPop()
			if !ok {
				break
			}
			batch = append(batch, next)
		}
		if err := ix.processBatch(ctx, q, batch); err != nil {
			return err
		}
	}
}

// preparedFile is a file normalized and chunked, waiting for vectors
type preparedFile struct {
	path        string
	hash        string
	modTime     time.Time
	size        int64
	conv        *types.Conversation
	messageHash string
	chunks      []*types.Chunk
}

// processBatch indexes a batch of queued items. Per-file failures are
// recorded on the file and do not stop the batch; only fatal errors are
// returned.
//
// A dequeued batch runs to completion even if ctx is cancelled. The one
// exception is a paused write gate: if ctx ends while a commit waits on it,
// the uncommitted files go back to pending and ctx's error is returned.
func (ix *Indexer) processBatch(ctx context.Context, q *Queue, batch []WorkItem) error {
	var claimed []WorkItem
	for _, item := range batch {
		if ix.flight.claim(item) {
			claimed = append(claimed, item)
		}
	}
	defer func() {
		for _, item := range claimed {
			if next, ok := ix.flight.release(item.Path); ok {
				ix.requeue(ctx, q, next)
			}
		}
	}()

	wctx := context.WithoutCancel(ctx)
	var files []*preparedFile
	for _, item := range claimed {
		if item.Op == OpDelete {
			if err := ix.deleteFile(ctx, item.Path); err != nil {
				if types.IsConfig(err) || isCancel(err) {
					return err
				}
				ix.logger.Warn().Err(err).Str("path", item.Path).Msg("delete failed")
			}
			continue
		}
		pf, err := ix.prepare(wctx, item.Path)
		if err != nil {
			if types.IsConfig(err) {
				return err
			}
			ix.logger.Warn().Err(err).Str("path", item.Path).Msg("failed to prepare file")
			continue
		}
		if pf != nil {
			files = append(files, pf)
		}
	}
	if len(files) == 0 {
		return nil
	}

	var texts []string
	for _, pf := range files {
		for _, c := range pf.chunks {
			texts = append(texts, c.Text)
		}
	}
	var vectors [][]float32
	if len(texts) > 0 {
		var err error
		vectors, err = ix.embedder.Embed(wctx, texts)
		if err != nil {
			for _, pf := range files {
				ix.fail(wctx, pf.path, err)
			}
			if types.IsConfig(err) {
				return err
			}
			return nil
		}
	}

	offset := 0
	for i, pf := range files {
		vecs := vectors[offset : offset+len(pf.chunks)]
		offset += len(pf.chunks)

		committed, err := ix.commit(ctx, pf, vecs)
		if !committed && isCancel(err) {
			for _, rest := range files[i:] {
				ix.returnPending(wctx, rest.path)
			}
			return err
		}
		if !committed {
			ix.fail(wctx, pf.path, err)
		}
		if err != nil && types.IsConfig(err) {
			return err
		}
	}
	return nil
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// returnPending puts a file that was picked up but never committed back to
// pending without counting an attempt
func (ix *Indexer) returnPending(ctx context.Context, path string) {
	if _, err := ix.store.MarkPending(ctx, path); err != nil {
		ix.logger.Warn().Err(err).Str("path", path).Msg("failed to return file to pending")
		return
	}
	ix.logger.Debug().Str("path", path).Msg("commit interrupted, file left pending")
}

// prepare moves path to indexing and normalizes and chunks it. A nil file
// with a nil error means the item needed no commit: it was unchanged,
// deleted, or failed and recorded as such.
func (ix *Indexer) prepare(ctx context.Context, path string) (*preparedFile, error) {
	src, ok := ix.sourceFor(path)
	if !ok {
		return nil, ix.deleteFile(ctx, path)
	}

	data, hash, info, readErr := readFile(path)
	if errors.Is(readErr, fs.ErrNotExist) {
		return nil, ix.deleteFile(ctx, path)
	}

	st, err := ix.begin(ctx, path)
	if err != nil {
		return nil, err
	}
	if readErr != nil {
		ix.fail(ctx, path, types.Transient("read", readErr))
		return nil, nil
	}

	if st.ContentHash == hash && st.ConversationID != "" {
		if _, err := ix.store.MarkUnchanged(context.WithoutCancel(ctx), path, modTime(info), info.Size()); err != nil {
			return nil, err
		}
		ix.skipped.Add(1)
		ix.logger.Debug().Str("path", path).Msg("content unchanged")
		return nil, nil
	}

	conv, messages, err := ix.registry.Normalize(ctx, connector.Source{
		Root:   src.Path,
		Tool:   src.Tool,
		Format: src.Format,
	}, path, data)
	if err != nil {
		ix.fail(ctx, path, err)
		return nil, nil
	}
	conv.FilePath = path
	if conv.Tool == "" {
		conv.Tool = src.Tool
	}

	return &preparedFile{
		path:        path,
		hash:        hash,
		modTime:     modTime(info),
		size:        info.Size(),
		conv:        conv,
		messageHash: messageHash(messages),
		chunks:      ix.chunker.Chunk(conv.ID, messages),
	}, nil
}

// begin moves path to indexing, routing it through pending first when an
// event bypassed the queue's pending mark
func (ix *Indexer) begin(ctx context.Context, path string) (*types.FileIndexStatus, error) {
	st, err := ix.store.MarkIndexing(ctx, path)
	if errors.Is(err, types.ErrInvalidTransition) {
		if _, err = ix.store.MarkPending(ctx, path); err != nil {
			return nil, err
		}
		st, err = ix.store.MarkIndexing(ctx, path)
	}
	return st, err
}

// commit publishes a prepared file and applies its vector delta. It reports
// whether the store commit happened; a vector index failure after the
// commit is logged and flagged as drift rather than failing the file. ctx
// only bounds the wait for a paused write gate.
func (ix *Indexer) commit(ctx context.Context, pf *preparedFile, vecs [][]float32) (bool, error) {
	committed := false
	err := ix.gate.Do(ctx, func(context.Context) error {
		cctx := context.WithoutCancel(ctx)
		res, err := ix.store.ReplaceConversation(cctx, &storage.ConversationWrite{
			Conversation: pf.conv,
			ContentHash:  pf.messageHash,
			Chunks:       pf.chunks,
			Vectors:      vecs,
			Model:        ix.embedder.Model(),
			File: types.FileIndexStatus{
				Path:        pf.path,
				ContentHash: pf.hash,
				ModTime:     pf.modTime,
				Size:        pf.size,
			},
		})
		if err != nil {
			return err
		}
		committed = true
		ix.indexed.Add(1)
		ix.chunks.Add(int64(len(pf.chunks)))

		ix.logger.Debug().
			Str("path", pf.path).
			Str("conversation_id", pf.conv.ID).
			Int("chunks", len(pf.chunks)).
			Uint64("seq", res.Seq).
			Msg("file indexed")
		return ix.applyVectors(cctx, res.Seq, res.Removed, res.Added)
	})
	return committed, err
}

// deleteFile tombstones whatever was indexed from path
func (ix *Indexer) deleteFile(ctx context.Context, path string) error {
	return ix.gate.Do(ctx, func(context.Context) error {
		cctx := context.WithoutCancel(ctx)
		res, err := ix.store.DeleteByPath(cctx, path)
		if err != nil {
			return err
		}
		if len(res.Removed) > 0 {
			ix.deleted.Add(1)
			ix.logger.Debug().Str("path", path).Int("keys", len(res.Removed)).Msg("file removed from index")
		}
		return ix.applyVectors(cctx, res.Seq, res.Removed, nil)
	})
}

func (ix *Indexer) applyVectors(ctx context.Context, seq uint64, removed []string, added []storage.EmbeddingRecord) error {
	if len(removed) == 0 && len(added) == 0 {
		return nil
	}
	entries := make([]vectorindex.Entry, len(added))
	for i, rec := range added {
		entries[i] = vectorindex.Entry{
			Key:            rec.Key,
			ConversationID: rec.ConversationID,
			Project:        rec.Project,
			Tool:           rec.Tool,
			Vector:         rec.Vector,
		}
	}
	if err := ix.vectors.Apply(ctx, seq, removed, entries); err != nil {
		ix.drift.Store(true)
		ix.logger.Error().Err(err).Uint64("seq", seq).Msg("vector index update failed")
		if types.IsConfig(err) {
			return err
		}
	}
	return nil
}

// fail records a failed attempt on path
func (ix *Indexer) fail(ctx context.Context, path string, cause error) {
	ix.failed.Add(1)
	ix.logger.Warn().Err(cause).Str("path", path).Msg("indexing failed")
	if _, err := ix.store.MarkFailed(context.WithoutCancel(ctx), path, cause); err != nil {
		ix.logger.Error().Err(err).Str("path", path).Msg("failed to record failure")
	}
}

// enqueue marks an upsert pending and queues it
func (ix *Indexer) enqueue(ctx context.Context, q *Queue, item WorkItem) error {
	if item.Op == OpUpsert {
		if _, err := ix.store.MarkPending(ctx, item.Path); err != nil && !errors.Is(err, types.ErrInvalidTransition) {
			return err
		}
	}
	return q.Push(ctx, item)
}

// requeue re-queues an event that arrived while its path was being worked
// on. If the queue is full the file stays pending for the next scan.
func (ix *Indexer) requeue(ctx context.Context, q *Queue, item WorkItem) {
	if ctx.Err() != nil {
		return
	}
	if item.Op == OpUpsert {
		if _, err := ix.store.MarkPending(context.WithoutCancel(ctx), item.Path); err != nil &&
			!errors.Is(err, types.ErrInvalidTransition) {
			ix.logger.Warn().Err(err).Str("path", item.Path).Msg("failed to mark pending")
		}
	}
	if !q.TryPush(item) {
		ix.logger.Debug().Str("path", item.Path).Msg("queue full, left for rescan")
	}
}

// sourceFor returns the source whose root contains path and whose include
// and exclude patterns accept it. The deepest matching root wins.
func (ix *Indexer) sourceFor(path string) (config.Source, bool) {
	var best config.Source
	found := false
	for _, src := range ix.sources {
		rel, err := filepath.Rel(src.Path, path)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if !matches(src, filepath.ToSlash(rel)) {
			continue
		}
		if !found || len(src.Path) > len(best.Path) {
			best, found = src, true
		}
	}
	return best, found
}

func matches(src config.Source, rel string) bool {
	included := len(src.Include) == 0
	for _, pattern := range src.Include {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, pattern := range src.Exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return false
		}
	}
	return true
}

// readFile reads path and computes the hex SHA-256 of its content in one pass
func readFile(path string) ([]byte, string, os.FileInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, "", nil, err
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, "", nil, err
	}
	if info.IsDir() {
		return nil, "", nil, fmt.Errorf("%s is a directory", path)
	}

	hash := sha256.New()
	data, err := io.ReadAll(io.TeeReader(file, hash))
	if err != nil {
		return nil, "", nil, err
	}
	return data, hex.EncodeToString(hash.Sum(nil)), info, nil
}

// modTime truncates to the millisecond precision the store keeps
func modTime(info fs.FileInfo) time.Time {
	return info.ModTime().Truncate(time.Millisecond)
}

// messageHash fingerprints the normalized message stream
func messageHash(messages []types.Message) string {
	h := sha256.New()
	for _, m := range messages {
		_, _ = io.WriteString(h, string(m.Role))
		_, _ = h.Write([]byte{0})
		_, _ = io.WriteString(h, m.Content)
		_, _ = h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// inflight tracks paths a worker is processing. An item popped for a path
// already in flight is parked and handed back when the path is released,
// so two workers never index the same file at once.
type inflight struct {
	mu       sync.Mutex
	active   map[string]bool
	deferred map[string]Op
}

func newInflight() *inflight {
	return &inflight{active: make(map[string]bool), deferred: make(map[string]Op)}
}

func (f *inflight) claim(item WorkItem) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active[item.Path] {
		f.deferred[item.Path] = item.Op
		return false
	}
	f.active[item.Path] = true
	return true
}

func (f *inflight) release(path string) (WorkItem, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.active, path)
	op, ok := f.deferred[path]
	if !ok {
		return WorkItem{}, false
	}
	delete(f.deferred, path)
	return WorkItem{Path: path, Op: op}, true
}
