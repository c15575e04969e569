package vectorindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/convosearch/pkg/types"
)

func key(row int64, ord int) types.EmbeddingKey {
	return types.EmbeddingKey{RowID: row, Ordinal: ord}
}

func entry(row int64, ord int, project string, vec ...float32) Entry {
	return Entry{Key: key(row, ord), ConversationID: "c", Project: project, Tool: "claude", Vector: vec}
}

func newTestIndex(t *testing.T, dir string) *Index {
	t.Helper()
	idx, err := New(dir, "index-1", 3, zerolog.Nop())
	require.NoError(t, err)
	return idx
}

func TestNew_InvalidDimension(t *testing.T) {
	_, err := New(t.TempDir(), "x", 0, zerolog.Nop())
	assert.True(t, types.IsConfig(err))
}

func TestApplyAndSearch(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, t.TempDir())

	hits, err := idx.Search(ctx, []float32{1, 0, 0}, 5, Filter{})
	require.NoError(t, err)
	assert.Empty(t, hits, "empty index")

	require.NoError(t, idx.Apply(ctx, 1, nil, []Entry{
		entry(1, 0, "alpha", 1, 0, 0),
		entry(1, 1, "alpha", 0.7, 0.7, 0),
		entry(2, 0, "beta", 0, 0, 1),
	}))
	assert.Equal(t, 3, idx.Count())
	assert.Equal(t, uint64(1), idx.Seq())
	assert.True(t, idx.Dirty())

	hits, err = idx.Search(ctx, []float32{1, 0, 0}, 10, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, key(1, 0), hits[0].Key)
	assert.InDelta(t, 0.0, hits[0].Distance, 1e-6)
	assert.Equal(t, key(1, 1), hits[1].Key)
	assert.Equal(t, key(2, 0), hits[2].Key)
	assert.InDelta(t, 1.0, hits[2].Distance, 1e-6)

	hits, err = idx.Search(ctx, []float32{1, 0, 0}, 1, Filter{})
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = idx.Search(ctx, []float32{1, 0, 0}, 10, Filter{Project: "beta"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, key(2, 0), hits[0].Key)

	// Supersede row 1 with row 3
	require.NoError(t, idx.Apply(ctx, 2, []string{"1:0", "1:1", "9:9"}, []Entry{
		entry(3, 0, "alpha", 1, 0.1, 0),
	}))
	assert.Equal(t, 2, idx.Count())
	assert.False(t, idx.Has("1:0"))
	assert.True(t, idx.Has("3:0"))

	hits, err = idx.Search(ctx, []float32{1, 0, 0}, 10, Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, key(3, 0), hits[0].Key)
}

func TestApply_Validation(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, t.TempDir())

	err := idx.Apply(ctx, 1, nil, []Entry{entry(1, 0, "p", 1, 0)})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)
	assert.Equal(t, 0, idx.Count())

	// Zero vectors are skipped
	require.NoError(t, idx.Apply(ctx, 1, nil, []Entry{entry(1, 0, "p", 0, 0, 0)}))
	assert.Equal(t, 0, idx.Count())

	_, err = idx.Search(ctx, []float32{1, 0}, 3, Filter{})
	assert.True(t, types.IsConfig(err))
}

func TestSync(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t, t.TempDir())

	require.NoError(t, idx.Apply(ctx, 1, nil, []Entry{
		entry(1, 0, "p", 1, 0, 0),
		entry(2, 0, "p", 0, 1, 0),
	}))

	stored := map[string][]float32{
		"2:0": {0, 1, 0},
		"3:0": {0, 0, 1},
	}
	var fetched []string
	fetch := func(_ context.Context, keys []string) (map[string][]float32, error) {
		fetched = append(fetched, keys...)
		out := make(map[string][]float32)
		for _, k := range keys {
			if v, ok := stored[k]; ok {
				out[k] = v
			}
		}
		return out, nil
	}

	live := []Entry{entry(2, 0, "p"), entry(3, 0, "p"), entry(4, 0, "p")}
	res, err := idx.Sync(ctx, 7, live, fetch)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, []string{"4:0"}, res.Missing)
	assert.Equal(t, []string{"3:0", "4:0"}, fetched, "only keys not indexed are fetched")
	assert.Equal(t, uint64(7), idx.Seq())
	assert.False(t, idx.Has("1:0"))
	assert.True(t, idx.Has("3:0"))

	res, err = idx.Rebuild(ctx, 8, live, fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, 2, idx.Count())
}

func TestFlushAndLoad(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	idx := newTestIndex(t, dir)

	require.NoError(t, idx.Apply(ctx, 5, nil, []Entry{
		entry(1, 0, "alpha", 1, 0, 0),
		entry(1, 1, "beta", 0, 1, 0),
	}))
	require.NoError(t, idx.Flush(ctx))
	assert.False(t, idx.Dirty())

	m, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "index-1", m.IndexID)
	assert.Equal(t, uint64(5), m.Seq)
	assert.Equal(t, []string{"1:0", "1:1"}, m.Keys)

	loaded := newTestIndex(t, dir)
	require.NoError(t, loaded.Load(ctx))
	assert.Equal(t, 2, loaded.Count())
	assert.Equal(t, uint64(5), loaded.Seq())
	assert.False(t, loaded.Dirty())

	hits, err := loaded.Search(ctx, []float32{0, 1, 0}, 1, Filter{Project: "beta"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, key(1, 1), hits[0].Key)

	// The loaded index keeps accepting writes
	require.NoError(t, loaded.Apply(ctx, 6, []string{"1:0"}, []Entry{entry(2, 0, "alpha", 0, 0, 1)}))
	assert.Equal(t, 2, loaded.Count())
}

func TestFlushAndLoad_Empty(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	idx := newTestIndex(t, dir)
	require.NoError(t, idx.Flush(ctx))

	loaded := newTestIndex(t, dir)
	require.NoError(t, loaded.Load(ctx))
	assert.Equal(t, 0, loaded.Count())
	require.NoError(t, loaded.Apply(ctx, 1, nil, []Entry{entry(1, 0, "p", 1, 0, 0)}))
	assert.Equal(t, 1, loaded.Count())
}

func TestLoad_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing flushed", func(t *testing.T) {
		idx := newTestIndex(t, t.TempDir())
		assert.ErrorIs(t, idx.Load(ctx), ErrNoSnapshot)
	})

	flushed := func(t *testing.T) string {
		dir := t.TempDir()
		idx := newTestIndex(t, dir)
		require.NoError(t, idx.Apply(ctx, 1, nil, []Entry{entry(1, 0, "p", 1, 0, 0)}))
		require.NoError(t, idx.Flush(ctx))
		return dir
	}

	t.Run("foreign index", func(t *testing.T) {
		dir := flushed(t)
		other, err := New(dir, "index-2", 3, zerolog.Nop())
		require.NoError(t, err)
		assert.True(t, types.IsCorruption(other.Load(ctx)))
	})

	t.Run("dimension", func(t *testing.T) {
		dir := flushed(t)
		other, err := New(dir, "index-1", 4, zerolog.Nop())
		require.NoError(t, err)
		assert.True(t, types.IsCorruption(other.Load(ctx)))
	})

	t.Run("truncated data", func(t *testing.T) {
		dir := flushed(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, DataFile), []byte{0x1f}, 0o644))
		assert.True(t, types.IsCorruption(newTestIndex(t, dir).Load(ctx)))
	})

	t.Run("garbled manifest", func(t *testing.T) {
		dir := flushed(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte("{"), 0o644))
		assert.True(t, types.IsCorruption(newTestIndex(t, dir).Load(ctx)))
	})

	t.Run("data without manifest", func(t *testing.T) {
		dir := flushed(t)
		require.NoError(t, os.Remove(filepath.Join(dir, ManifestFile)))
		assert.True(t, types.IsCorruption(newTestIndex(t, dir).Load(ctx)))
	})

	t.Run("failed load keeps current state", func(t *testing.T) {
		dir := flushed(t)
		require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte("{"), 0o644))
		idx := newTestIndex(t, dir)
		require.NoError(t, idx.Apply(ctx, 3, nil, []Entry{entry(9, 0, "p", 1, 0, 0)}))
		require.Error(t, idx.Load(ctx))
		assert.True(t, idx.Has("9:0"))
	})
}

func TestCopyAndRemoveFiles(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	idx := newTestIndex(t, src)
	require.NoError(t, idx.Apply(ctx, 1, nil, []Entry{entry(1, 0, "p", 1, 0, 0)}))
	require.NoError(t, idx.Flush(ctx))

	dst := t.TempDir()
	require.NoError(t, CopyFiles(src, dst))
	copied := newTestIndex(t, dst)
	require.NoError(t, copied.Load(ctx))
	assert.Equal(t, 1, copied.Count())

	require.NoError(t, RemoveFiles(dst))
	require.NoError(t, RemoveFiles(dst))
	assert.ErrorIs(t, copied.Load(ctx), ErrNoSnapshot)
}
