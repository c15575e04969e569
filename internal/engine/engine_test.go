package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/convosearch/internal/config"
	"github.com/dshills/convosearch/internal/query"
	"github.com/dshills/convosearch/internal/searcher"
	"github.com/dshills/convosearch/internal/vectorindex"
	"github.com/dshills/convosearch/pkg/types"
)

const testDim = 32

// wordProvider embeds text as a hashed bag of words, so texts that share
// words are similar and texts that share none are orthogonal
type wordProvider struct {
	model string
}

func (p *wordProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, testDim)
		words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool { return !unicode.IsLetter(r) })
		for _, w := range words {
			h := fnv.New32a()
			_, _ = h.Write([]byte(w))
			v[h.Sum32()%testDim]++
		}
		if len(words) == 0 {
			v[0] = 1
		}
		out[i] = v
	}
	return out, nil
}

func (p *wordProvider) Dimension() int   { return testDim }
func (p *wordProvider) Provider() string { return "mock" }
func (p *wordProvider) Model() string    { return p.model }
func (p *wordProvider) Close() error     { return nil }

type testEnv struct {
	root string
	cfg  *config.Config
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Sources = []config.Source{{Path: root, Tool: "claude"}}
	require.NoError(t, cfg.Expand())
	require.NoError(t, cfg.Validate())
	return &testEnv{root: root, cfg: cfg}
}

func (e *testEnv) open(t *testing.T, model string, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithProvider(&wordProvider{model: model})}, opts...)
	eng, err := Open(context.Background(), e.cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)
	return eng
}

func (e *testEnv) write(t *testing.T, rel, id string, messages ...string) string {
	t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, `{"type":"conversation","id":%q,"title":"Conversation %s","project":"proj"}`+"\n", id, id)
	for i, msg := range messages {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		fmt.Fprintf(&b, `{"role":%q,"content":%q,"timestamp":"2026-03-01T10:%02d:00Z"}`+"\n", role, msg, i)
	}
	path := filepath.Join(e.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func ids(resp *searcher.Response) []string {
	out := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		out[i] = r.ConversationID
	}
	return out
}

func search(t *testing.T, eng *Engine, text, mode string) []string {
	t.Helper()
	resp, err := eng.Search(context.Background(), text, query.Params{Mode: mode})
	require.NoError(t, err)
	return ids(resp)
}

func index(t *testing.T, eng *Engine) {
	t.Helper()
	_, err := eng.Index(context.Background())
	require.NoError(t, err)
}

func TestOpen_EmptyIndex(t *testing.T) {
	e := setupTestEnv(t)
	eng := e.open(t, "mock-v1")

	assert.Equal(t, BuildRebuilt, eng.BuildMode())
	st, err := eng.Status(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.Conversations)
	assert.Equal(t, "mock-v1", st.EmbeddingModel)
	assert.Equal(t, testDim, st.EmbeddingDimension)
	assert.True(t, st.Vectors.InSync)
	assert.Equal(t, []string{e.root}, st.Sources)

	require.NoError(t, eng.Close())
	assert.FileExists(t, filepath.Join(e.cfg.DataDir, DBFile))
	assert.FileExists(t, filepath.Join(e.cfg.DataDir, vectorindex.ManifestFile))
}

func TestIndexAndSearch_Scenario(t *testing.T) {
	e := setupTestEnv(t)
	eng := e.open(t, "mock-v1")
	defer func() { _ = eng.Close() }()

	e.write(t, "a.jsonl", "a", "refactor the parser")
	e.write(t, "b.jsonl", "b", "parse the refactor")
	e.write(t, "c.jsonl", "c", "deploy kubernetes cluster")
	stats, err := eng.Index(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.FilesIndexed)

	assert.Equal(t, []string{"a", "b"}, search(t, eng, "refactor parser", "keyword"))

	semantic := search(t, eng, "refactor parser", "semantic")
	assert.Contains(t, semantic, "a")
	assert.Contains(t, semantic, "b")

	hybrid := search(t, eng, "refactor parser", "")
	require.NotEmpty(t, hybrid)
	assert.Equal(t, "a", hybrid[0])
}

func TestIndex_UpdateAndDelete(t *testing.T) {
	e := setupTestEnv(t)
	eng := e.open(t, "mock-v1")
	defer func() { _ = eng.Close() }()
	ctx := context.Background()

	a := e.write(t, "a.jsonl", "a", "refactor the parser")
	b := e.write(t, "b.jsonl", "b", "parse the refactor")
	index(t, eng)

	t.Run("update replaces old content", func(t *testing.T) {
		e.write(t, "a.jsonl", "a", "migrate the database schema")
		index(t, eng)

		assert.Equal(t, []string{"a"}, search(t, eng, "database", "keyword"))
		assert.NotContains(t, search(t, eng, "parser", "keyword"), "a")
	})

	t.Run("delete removes every trace", func(t *testing.T) {
		require.NoError(t, os.Remove(b))
		index(t, eng)

		assert.Empty(t, search(t, eng, "parse", "keyword"))
		assert.NotContains(t, search(t, eng, "parse refactor", "semantic"), "b")

		st, err := eng.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), st.Conversations)
		assert.Equal(t, int(st.Embeddings), st.Vectors.Count)
		assert.True(t, st.Vectors.InSync)
	})

	t.Run("unchanged file is skipped", func(t *testing.T) {
		stats, err := eng.Index(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.FilesIndexed)
		_ = a
	})
}

func TestOpen_ReloadsVectors(t *testing.T) {
	e := setupTestEnv(t)
	eng := e.open(t, "mock-v1")
	e.write(t, "a.jsonl", "a", "refactor the parser")
	e.write(t, "b.jsonl", "b", "parse the refactor")
	index(t, eng)
	count := eng.vectors.get().Count()
	require.NoError(t, eng.Close())

	t.Run("flushed index loads as is", func(t *testing.T) {
		eng := e.open(t, "mock-v1")
		defer func() { _ = eng.Close() }()
		assert.Equal(t, BuildLoaded, eng.BuildMode())
		assert.Equal(t, count, eng.vectors.get().Count())
		assert.Equal(t, []string{"a", "b"}, search(t, eng, "refactor parser", "keyword"))
	})

	t.Run("missing index is rebuilt", func(t *testing.T) {
		require.NoError(t, vectorindex.RemoveFiles(e.cfg.VectorDir()))
		eng := e.open(t, "mock-v1")
		defer func() { _ = eng.Close() }()
		assert.Equal(t, BuildRebuilt, eng.BuildMode())
		assert.Equal(t, count, eng.vectors.get().Count())
	})

	t.Run("corrupt index is rebuilt", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(e.cfg.VectorDir(), vectorindex.ManifestFile), []byte("{"), 0o644))
		eng := e.open(t, "mock-v1")
		defer func() { _ = eng.Close() }()
		assert.Equal(t, BuildRebuilt, eng.BuildMode())
		assert.Equal(t, count, eng.vectors.get().Count())
	})
}

func TestOpen_EmbeddingModelChange(t *testing.T) {
	e := setupTestEnv(t)
	eng := e.open(t, "mock-v1")
	e.write(t, "a.jsonl", "a", "refactor the parser")
	index(t, eng)
	require.NoError(t, eng.Close())

	_, err := Open(context.Background(), e.cfg, zerolog.Nop(), WithProvider(&wordProvider{model: "mock-v2"}))
	require.Error(t, err)
	assert.True(t, types.IsConfig(err))

	eng = e.open(t, "mock-v2", WithEmbeddingChange())
	assert.Equal(t, BuildPending, eng.BuildMode())

	res, err := eng.RebuildVectors(context.Background(), true)
	require.NoError(t, err)
	assert.Positive(t, res.Reembedded)
	assert.Equal(t, res.Reembedded, res.Vectors)
	assert.Equal(t, BuildReembedded, eng.BuildMode())

	st, err := eng.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mock-v2", st.EmbeddingModel)
	assert.True(t, st.Vectors.InSync)
	assert.Contains(t, search(t, eng, "refactor parser", "semantic"), "a")
	require.NoError(t, eng.Close())

	eng = e.open(t, "mock-v2")
	defer func() { _ = eng.Close() }()
	assert.Equal(t, BuildLoaded, eng.BuildMode())
}

func TestRebuildVectors_FromStore(t *testing.T) {
	e := setupTestEnv(t)
	eng := e.open(t, "mock-v1")
	defer func() { _ = eng.Close() }()

	e.write(t, "a.jsonl", "a", "refactor the parser")
	index(t, eng)
	before := eng.vectors.get().Count()

	res, err := eng.RebuildVectors(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, before, res.Vectors)
	assert.Zero(t, res.Reembedded)
	assert.Equal(t, BuildRebuilt, eng.BuildMode())
	assert.False(t, eng.WritesPaused())
}

func TestCompact(t *testing.T) {
	e := setupTestEnv(t)
	eng := e.open(t, "mock-v1")
	defer func() { _ = eng.Close() }()
	ctx := context.Background()

	e.write(t, "a.jsonl", "a", "refactor the parser")
	index(t, eng)
	e.write(t, "a.jsonl", "a", "migrate the database schema")
	index(t, eng)

	st, err := eng.Status(ctx)
	require.NoError(t, err)
	require.Positive(t, st.StaleVersions)

	res, err := eng.Compact(ctx)
	require.NoError(t, err)
	assert.Positive(t, res.Versions)

	st, err = eng.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.StaleVersions)
	assert.True(t, st.Vectors.InSync)
	assert.Equal(t, []string{"a"}, search(t, eng, "database", "keyword"))
}

func TestBackupRestore(t *testing.T) {
	e := setupTestEnv(t)
	eng := e.open(t, "mock-v1")
	defer func() { _ = eng.Close() }()
	ctx := context.Background()

	e.write(t, "a.jsonl", "a", "refactor the parser")
	index(t, eng)

	backup := filepath.Join(t.TempDir(), "backup")
	require.NoError(t, eng.Backup(ctx, backup))
	assert.FileExists(t, filepath.Join(backup, DBFile))
	assert.FileExists(t, filepath.Join(backup, vectorindex.DataFile))
	assert.False(t, eng.WritesPaused())

	t.Run("existing backup is not overwritten", func(t *testing.T) {
		assert.Error(t, eng.Backup(ctx, backup))
		assert.False(t, eng.WritesPaused())
	})

	e.write(t, "c.jsonl", "c", "deploy kubernetes cluster")
	index(t, eng)
	require.Equal(t, []string{"c"}, search(t, eng, "kubernetes", "keyword"))

	t.Run("restore brings back the backup", func(t *testing.T) {
		res, err := eng.Restore(ctx, backup)
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Report.Conversations)
		assert.Equal(t, BuildLoaded, res.VectorMode)
		assert.False(t, eng.WritesPaused())

		assert.Empty(t, search(t, eng, "kubernetes", "keyword"))
		assert.Equal(t, []string{"a"}, search(t, eng, "parser", "keyword"))
		assert.Equal(t, []string{"a"}, search(t, eng, "refactor parser", "semantic"))
	})

	t.Run("restore without vectors rebuilds them", func(t *testing.T) {
		require.NoError(t, vectorindex.RemoveFiles(backup))
		res, err := eng.Restore(ctx, backup)
		require.NoError(t, err)
		assert.Equal(t, BuildRebuilt, res.VectorMode)
		assert.Equal(t, []string{"a"}, search(t, eng, "refactor parser", "semantic"))
	})

	t.Run("invalid candidate leaves the index alone", func(t *testing.T) {
		bad := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(bad, DBFile), []byte("not a database"), 0o644))
		_, err := eng.Restore(ctx, bad)
		require.Error(t, err)
		assert.False(t, eng.WritesPaused())
		assert.Equal(t, []string{"a"}, search(t, eng, "parser", "keyword"))
	})

	t.Run("indexing resumes after restore", func(t *testing.T) {
		index(t, eng)
		assert.Equal(t, []string{"c"}, search(t, eng, "kubernetes", "keyword"))
	})
}

func TestPauseWrites(t *testing.T) {
	e := setupTestEnv(t)
	eng := e.open(t, "mock-v1")
	defer func() { _ = eng.Close() }()
	ctx := context.Background()

	e.write(t, "a.jsonl", "a", "refactor the parser")
	index(t, eng)

	require.NoError(t, eng.PauseWrites(ctx))
	assert.True(t, eng.WritesPaused())
	assert.False(t, eng.vectors.get().Dirty())
	assert.Equal(t, []string{"a"}, search(t, eng, "parser", "keyword"), "search runs while paused")

	st, err := eng.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.WritesPaused)

	eng.ResumeWrites()
	assert.False(t, eng.WritesPaused())
}

func TestStatus_RecentErrors(t *testing.T) {
	e := setupTestEnv(t)
	eng := e.open(t, "mock-v1")
	defer func() { _ = eng.Close() }()
	ctx := context.Background()

	e.write(t, "a.jsonl", "a", "refactor the parser")
	empty := e.write(t, "empty.jsonl", "empty")
	stats, err := eng.Index(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.FilesFailed)

	st, err := eng.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Files[string(types.FileStateIndexed)])
	assert.Equal(t, int64(1), st.Files[string(types.FileStateFailed)])
	require.Len(t, st.RecentErrors, 1)
	assert.Equal(t, empty, st.RecentErrors[0].Path)
	assert.NotEmpty(t, st.RecentErrors[0].Error)
	assert.Equal(t, int64(1), st.Index.FilesIndexed)
	require.NotNil(t, st.Index.LastScan)
	assert.Equal(t, 2, st.Index.LastScan.Files)
}

func TestRescan_WithoutPipeline(t *testing.T) {
	e := setupTestEnv(t)
	eng := e.open(t, "mock-v1")
	defer func() { _ = eng.Close() }()

	e.write(t, "a.jsonl", "a", "refactor the parser")
	scan, err := eng.Rescan(context.Background())
	require.NoError(t, err)
	require.NotNil(t, scan)
	assert.Equal(t, 1, scan.New)
	assert.Equal(t, []string{"a"}, search(t, eng, "parser", "keyword"))
}
