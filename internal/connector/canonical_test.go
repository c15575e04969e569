package connector

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/convosearch/pkg/types"
)

func TestCanonicalNormalize(t *testing.T) {
	data := []byte(`{"type":"conversation","id":"conv-1","title":"Parser work","tool":"claude"}
{"role":"user","content":"please refactor the parser","timestamp":"2026-01-02T10:00:00Z"}
{"role":"assistant","content":[{"type":"text","text":"Sure."},{"type":"tool_use","text":"ignored"},{"type":"text","text":"Done."}],"timestamp":"2026-01-02T10:05:00Z"}
{"role":"user","content":"   "}
not json at all
{"role":"user","content":"thanks","timestamp":"2026-01-02T09:59:00Z"}
`)
	src := Source{Root: "/logs", Tool: "fallback"}
	conv, msgs, err := Canonical{}.Normalize(context.Background(), src, "/logs/projA/session.jsonl", data)
	require.NoError(t, err)

	assert.Equal(t, "conv-1", conv.ID)
	assert.Equal(t, "Parser work", conv.Title)
	assert.Equal(t, "claude", conv.Tool)
	assert.Equal(t, "projA", conv.Project)
	assert.Equal(t, 3, conv.MessageCount)
	assert.Equal(t, time.Date(2026, 1, 2, 9, 59, 0, 0, time.UTC), conv.CreatedAt)
	assert.Equal(t, time.Date(2026, 1, 2, 10, 5, 0, 0, time.UTC), conv.UpdatedAt)

	require.Len(t, msgs, 3)
	assert.Equal(t, types.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Sure.\nDone.", msgs[1].Content)
	for i, m := range msgs {
		assert.Equal(t, i, m.Index)
	}
}

func TestCanonicalDerivedFields(t *testing.T) {
	data := []byte(`{"role":"assistant","content":"hello"}
{"role":"user","content":"first user line\nsecond line"}
`)
	path := filepath.Join("/logs", "direct.jsonl")
	conv, _, err := Canonical{}.Normalize(context.Background(), Source{Root: "/logs", Tool: "codex"}, path, data)
	require.NoError(t, err)

	assert.Equal(t, PathID(path), conv.ID)
	assert.Len(t, conv.ID, 16)
	assert.Equal(t, "first user line", conv.Title)
	assert.Equal(t, "logs", conv.Project)
	assert.Equal(t, "codex", conv.Tool)
}

func TestCanonicalSessionID(t *testing.T) {
	data := []byte(`{"role":"user","content":"hi","sessionId":"sess-42"}`)
	conv, _, err := Canonical{}.Normalize(context.Background(), Source{}, "/x/y.jsonl", data)
	require.NoError(t, err)
	assert.Equal(t, "sess-42", conv.ID)
}

func TestCanonicalNoMessages(t *testing.T) {
	_, _, err := Canonical{}.Normalize(context.Background(), Source{}, "/x/empty.jsonl", []byte("{}\n\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoMessages)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	_, err := r.Lookup("")
	require.NoError(t, err)

	_, err = r.Lookup("cursor")
	assert.ErrorIs(t, err, ErrUnknownFormat)

	called := false
	r.Register("custom", NormalizerFunc(func(ctx context.Context, src Source, path string, data []byte) (*types.Conversation, []types.Message, error) {
		called = true
		return &types.Conversation{ID: "c"}, nil, nil
	}))
	conv, _, err := r.Normalize(context.Background(), Source{Format: "custom"}, "p", nil)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "c", conv.ID)
}
