package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/convosearch/pkg/types"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "index.db"), zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, store)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// testWrite builds a write with one chunk per text and 3-dimensional vectors
func testWrite(id, path string, texts ...string) *ConversationWrite {
	conv := &types.Conversation{
		ID:           id,
		Title:        "Conversation " + id,
		Project:      "convosearch",
		Tool:         "claude",
		FilePath:     path,
		CreatedAt:    testTime,
		UpdatedAt:    testTime.Add(time.Hour),
		MessageCount: len(texts),
	}
	w := &ConversationWrite{
		Conversation: conv,
		ContentHash:  "hash-" + id,
		Model:        "test-model",
		File:         types.FileIndexStatus{Path: path, ContentHash: "file-" + id, ModTime: testTime, Size: 100},
	}
	for i, text := range texts {
		c := &types.Chunk{
			ConversationID: id,
			Ordinal:        i,
			FirstMessage:   i,
			LastMessage:    i,
			Text:           text,
			CharLen:        len(text),
			TokenCount:     len(text) / 4,
		}
		c.ComputeContentHash()
		w.Chunks = append(w.Chunks, c)
		w.Vectors = append(w.Vectors, []float32{float32(i + 1), 0.5, 0})
	}
	return w
}

// commit runs a file through a full indexing cycle
func commit(t *testing.T, store *Store, w *ConversationWrite) *WriteResult {
	t.Helper()
	ctx := context.Background()
	_, err := store.MarkPending(ctx, w.Conversation.FilePath)
	require.NoError(t, err)
	_, err = store.MarkIndexing(ctx, w.Conversation.FilePath)
	require.NoError(t, err)
	res, err := store.ReplaceConversation(ctx, w)
	require.NoError(t, err)
	return res
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "index.db")

	store, err := Open(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, path, store.Path())

	st, err := store.IndexState(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, st.IndexID)
	assert.Equal(t, uint64(0), st.Seq)
	assert.Equal(t, 0, st.EmbeddingDimension)
	require.NoError(t, store.Close())

	// Reopening keeps the identity and does not re-run migrations
	store, err = Open(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	again, err := store.IndexState(ctx)
	require.NoError(t, err)
	assert.Equal(t, st.IndexID, again.IndexID)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, stats.SchemaVersion)
	assert.Greater(t, stats.SizeBytes, int64(0))
}

func TestOpen_Memory(t *testing.T) {
	store, err := Open(context.Background(), ":memory:", zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	res := commit(t, store, testWrite("c1", "/logs/c1.jsonl", "hello"))
	assert.Equal(t, uint64(1), res.Seq)
}

func TestClose(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.Close())
	assert.NoError(t, store.Close())

	_, err := store.IndexState(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReplaceConversation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	w := testWrite("c1", "/logs/c1.jsonl", "first chunk", "second chunk")
	res := commit(t, store, w)

	assert.Equal(t, uint64(1), res.Seq)
	assert.Greater(t, res.RowID, int64(0))
	assert.Empty(t, res.Removed)
	require.Len(t, res.Added, 2)
	assert.Equal(t, types.EmbeddingKey{RowID: res.RowID, Ordinal: 1}, res.Added[1].Key)
	assert.Equal(t, "convosearch", res.Added[0].Project)

	conv, err := store.Conversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "Conversation c1", conv.Title)
	assert.Equal(t, 2, conv.ChunkCount)
	assert.Equal(t, testTime, conv.CreatedAt)
	assert.False(t, conv.IndexedAt.IsZero())

	st, err := store.FileStatus(ctx, "/logs/c1.jsonl")
	require.NoError(t, err)
	assert.Equal(t, types.FileStateIndexed, st.State)
	assert.Equal(t, "c1", st.ConversationID)
	assert.Equal(t, "file-c1", st.ContentHash)
	assert.Equal(t, int64(100), st.Size)
	assert.False(t, st.LastIndexedAt.IsZero())
}

func TestReplaceConversation_Supersedes(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := commit(t, store, testWrite("c1", "/logs/c1.jsonl", "old one", "old two"))
	second := commit(t, store, testWrite("c1", "/logs/c1.jsonl", "new text"))

	assert.Equal(t, uint64(2), second.Seq)
	assert.Greater(t, second.RowID, first.RowID)
	assert.ElementsMatch(t, []string{first.Added[0].Key.String(), first.Added[1].Key.String()}, second.Removed)

	rows, err := store.Query(ctx, Query{
		Target:  TargetChunks,
		Columns: []string{ColConversationID, ColText},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "new text", rows[0].String(ColText))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Conversations)
	assert.Equal(t, int64(1), stats.Chunks)
	assert.Equal(t, int64(1), stats.StaleVersions)
}

func TestReplaceConversation_FileChangesConversationID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	commit(t, store, testWrite("c1", "/logs/a.jsonl", "text"))
	res := commit(t, store, testWrite("c2", "/logs/a.jsonl", "text"))
	assert.Len(t, res.Removed, 1)

	_, err := store.Conversation(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Conversation(ctx, "c2")
	assert.NoError(t, err)
}

func TestReplaceConversation_RequiresIndexingState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.ReplaceConversation(ctx, testWrite("c1", "/logs/c1.jsonl", "text"))
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	_, err = store.MarkPending(ctx, "/logs/c1.jsonl")
	require.NoError(t, err)
	_, err = store.ReplaceConversation(ctx, testWrite("c1", "/logs/c1.jsonl", "text"))
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	st, err := store.IndexState(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.Seq)
}

func TestReplaceConversation_InvalidWrite(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(w *ConversationWrite)
	}{
		{"missing id", func(w *ConversationWrite) { w.Conversation.ID = "" }},
		{"vector count", func(w *ConversationWrite) { w.Vectors = w.Vectors[:1] }},
		{"ordinal gap", func(w *ConversationWrite) { w.Chunks[1].Ordinal = 5 }},
		{"empty chunk", func(w *ConversationWrite) { w.Chunks[0].Text = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := testWrite("c1", "/logs/c1.jsonl", "one", "two")
			tt.mutate(w)
			_, err := store.ReplaceConversation(ctx, w)
			assert.Error(t, err)
		})
	}
}

func TestReplaceConversation_EmbeddingDimension(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	commit(t, store, testWrite("c1", "/logs/c1.jsonl", "one"))
	st, err := store.IndexState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.EmbeddingDimension, "first write records the space")
	assert.Equal(t, "test-model", st.EmbeddingModel)

	w := testWrite("c2", "/logs/c2.jsonl", "two")
	w.Vectors[0] = []float32{1, 2, 3, 4}
	_, err = store.MarkPending(ctx, "/logs/c2.jsonl")
	require.NoError(t, err)
	_, err = store.MarkIndexing(ctx, "/logs/c2.jsonl")
	require.NoError(t, err)

	_, err = store.ReplaceConversation(ctx, w)
	require.Error(t, err)
	assert.True(t, types.IsConfig(err))
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)

	_, err = store.Conversation(ctx, "c2")
	assert.ErrorIs(t, err, ErrNotFound)
	fs, err := store.FileStatus(ctx, "/logs/c2.jsonl")
	require.NoError(t, err)
	assert.Equal(t, types.FileStateIndexing, fs.State, "rejected write leaves the file mid-cycle")

	backup := filepath.Join(t.TempDir(), "backup.db")
	require.NoError(t, store.Backup(ctx, backup))
	_, err = Validate(ctx, backup)
	assert.NoError(t, err)
}

func TestDeleteByPath(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	added := commit(t, store, testWrite("c1", "/logs/c1.jsonl", "one", "two"))
	commit(t, store, testWrite("c2", "/logs/c2.jsonl", "three"))

	res, err := store.DeleteByPath(ctx, "/logs/c1.jsonl")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Seq)
	assert.Len(t, res.Removed, 2)
	assert.Equal(t, added.Added[0].Key.String(), res.Removed[0])

	_, err = store.Conversation(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.FileStatus(ctx, "/logs/c1.jsonl")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := store.Count(ctx, Query{Target: TargetConversations})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Deleting an unknown path only bumps the sequence
	res, err = store.DeleteByPath(ctx, "/logs/missing.jsonl")
	require.NoError(t, err)
	assert.Empty(t, res.Removed)
}

func TestCompact(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	commit(t, store, testWrite("c1", "/logs/c1.jsonl", "v1 a", "v1 b"))
	commit(t, store, testWrite("c1", "/logs/c1.jsonl", "v2 a"))
	commit(t, store, testWrite("c2", "/logs/c2.jsonl", "other"))
	_, err := store.DeleteByPath(ctx, "/logs/c2.jsonl")
	require.NoError(t, err)

	res, err := store.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Versions)
	assert.Equal(t, int64(3), res.Chunks)
	assert.Equal(t, int64(3), res.Embeddings)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.StaleVersions)
	assert.Equal(t, int64(1), stats.Conversations)
	assert.Equal(t, int64(1), stats.Chunks)
	assert.Equal(t, res.Seq, stats.Seq)

	conv, err := store.Conversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, conv.ChunkCount)

	// Nothing left to remove
	res, err = store.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Versions)
}

func TestFileStatusTransitions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	path := "/logs/c1.jsonl"

	_, err := store.MarkIndexing(ctx, path)
	assert.ErrorIs(t, err, types.ErrInvalidTransition, "none -> indexing")

	st, err := store.MarkPending(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, types.FileStatePending, st.State)

	_, err = store.MarkPending(ctx, path)
	require.NoError(t, err, "pending -> pending")

	_, err = store.MarkIndexing(ctx, path)
	require.NoError(t, err)
	_, err = store.MarkIndexing(ctx, path)
	assert.ErrorIs(t, err, types.ErrInvalidTransition, "indexing -> indexing")

	st, err = store.MarkPending(ctx, path)
	require.NoError(t, err, "indexing -> pending")
	assert.Zero(t, st.Attempts)
	_, err = store.MarkIndexing(ctx, path)
	require.NoError(t, err)

	st, err = store.MarkFailed(ctx, path, errors.New("parse error"))
	require.NoError(t, err)
	assert.Equal(t, types.FileStateFailed, st.State)
	assert.Equal(t, "parse error", st.LastError)
	assert.Equal(t, 1, st.Attempts)

	_, err = store.MarkFailed(ctx, path, errors.New("again"))
	assert.ErrorIs(t, err, types.ErrInvalidTransition, "failed -> failed")

	_, err = store.MarkPending(ctx, path)
	require.NoError(t, err)
	_, err = store.MarkIndexing(ctx, path)
	require.NoError(t, err)
	st, err = store.MarkFailed(ctx, path, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Attempts)
	assert.Equal(t, "unknown error", st.LastError)

	failed, err := store.ListFileStatus(ctx, types.FileStateFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, path, failed[0].Path)

	pending, err := store.ListFileStatus(ctx, types.FileStatePending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMarkUnchanged(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	path := "/logs/c1.jsonl"

	commit(t, store, testWrite("c1", path, "text"))
	before, err := store.FileStatus(ctx, path)
	require.NoError(t, err)
	seqBefore, err := store.IndexState(ctx)
	require.NoError(t, err)

	_, err = store.MarkPending(ctx, path)
	require.NoError(t, err)
	_, err = store.MarkIndexing(ctx, path)
	require.NoError(t, err)

	newMod := testTime.Add(time.Minute)
	st, err := store.MarkUnchanged(ctx, path, newMod, 200)
	require.NoError(t, err)
	assert.Equal(t, types.FileStateIndexed, st.State)
	assert.True(t, st.ModTime.Equal(newMod))
	assert.Equal(t, int64(200), st.Size)
	assert.Equal(t, before.LastIndexedAt, st.LastIndexedAt)
	assert.Equal(t, before.ContentHash, st.ContentHash)

	// No commit happened
	seqAfter, err := store.IndexState(ctx)
	require.NoError(t, err)
	assert.Equal(t, seqBefore.Seq, seqAfter.Seq)
}

func TestRecoverInterrupted(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		path := fmt.Sprintf("/logs/%d.jsonl", i)
		_, err := store.MarkPending(ctx, path)
		require.NoError(t, err)
		if i < 2 {
			_, err = store.MarkIndexing(ctx, path)
			require.NoError(t, err)
		}
	}

	n, err := store.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	failed, err := store.ListFileStatus(ctx, types.FileStateFailed)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "interrupted", failed[0].LastError)
	assert.Equal(t, 1, failed[0].Attempts)

	all, err := store.ListFileStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, store.DeleteFileStatus(ctx, "/logs/0.jsonl", "/logs/2.jsonl"))
	all, err = store.ListFileStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEnsureEmbeddingSpace(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureEmbeddingSpace(ctx, "model-a", 3))
	require.NoError(t, store.EnsureEmbeddingSpace(ctx, "model-a", 3))

	err := store.EnsureEmbeddingSpace(ctx, "model-a", 4)
	require.Error(t, err)
	assert.True(t, types.IsConfig(err))
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)

	err = store.EnsureEmbeddingSpace(ctx, "model-b", 3)
	require.Error(t, err)
	assert.True(t, types.IsConfig(err))

	st, err := store.IndexState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "model-a", st.EmbeddingModel)
	assert.Equal(t, 3, st.EmbeddingDimension)
}

func TestEmbeddings(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	old := commit(t, store, testWrite("c1", "/logs/c1.jsonl", "stale"))
	res := commit(t, store, testWrite("c1", "/logs/c1.jsonl", "alpha", "beta"))
	commit(t, store, testWrite("c2", "/logs/c2.jsonl", "gamma"))

	live, err := store.LiveEmbeddings(ctx)
	require.NoError(t, err)
	require.Len(t, live, 3)
	assert.Equal(t, res.Added[0].Key, live[0].Key)
	assert.Equal(t, "c1", live[0].ConversationID)
	assert.Nil(t, live[0].Vector)

	keys := []string{res.Added[0].Key.String(), res.Added[1].Key.String(), "999:0"}
	vectors, err := store.EmbeddingVectors(ctx, keys)
	require.NoError(t, err)
	assert.Len(t, vectors, 2)
	assert.Equal(t, []float32{2, 0.5, 0}, vectors[res.Added[1].Key.String()])

	texts, err := store.ChunkTexts(ctx, keys)
	require.NoError(t, err)
	assert.Equal(t, "beta", texts[res.Added[1].Key.String()])

	// Re-embed into a new space
	reembedded := map[string][]float32{
		res.Added[0].Key.String(): {1, 1},
		res.Added[1].Key.String(): {2, 2},
		live[2].Key.String():      {3, 3},
	}
	seq, err := store.ReplaceEmbeddingSpace(ctx, "model-b", 2, reembedded)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)

	vectors, err = store.EmbeddingVectors(ctx, []string{res.Added[1].Key.String(), old.Added[0].Key.String()})
	require.NoError(t, err)
	assert.Equal(t, map[string][]float32{res.Added[1].Key.String(): {2, 2}}, vectors)

	st, err := store.IndexState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.EmbeddingDimension)

	_, err = store.ReplaceEmbeddingSpace(ctx, "model-b", 2, map[string][]float32{live[2].Key.String(): {1}})
	assert.True(t, types.IsConfig(err))
}

func TestVectorCodec(t *testing.T) {
	vec := []float32{0, -1.5, 3.25, 1e-7}
	got, err := decodeVector(encodeVector(vec))
	require.NoError(t, err)
	assert.Equal(t, vec, got)

	assert.Nil(t, encodeVector(nil))

	_, err = decodeVector([]byte{1, 2, 3})
	assert.Error(t, err)
}
