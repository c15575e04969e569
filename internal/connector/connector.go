// Package connector turns transcript files into the canonical message stream
// consumed by the indexing pipeline.
//
// Tool-specific transcript formats are handled by Normalizer implementations
// registered under a format name. The built-in "canonical" format is a JSONL
// stream with an optional conversation header line followed by one message
// per line:
//
//	{"type":"conversation","id":"abc","title":"...","project":"...","tool":"claude"}
//	{"role":"user","content":"how do I refactor the parser?","timestamp":"2026-01-02T15:04:05Z"}
//	{"role":"assistant","content":[{"type":"text","text":"Start by..."}]}
package connector

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/dshills/convosearch/pkg/types"
)

// ErrUnknownFormat is returned when no normalizer is registered for a format
var ErrUnknownFormat = errors.New("unknown transcript format")

// ErrNoMessages is returned when a transcript contains no usable messages
var ErrNoMessages = errors.New("transcript contains no messages")

// Source carries the per-root settings a normalizer may need
type Source struct {
	Root   string // Watched root directory
	Tool   string // Tool name recorded on conversations from this root
	Format string
}

// Normalizer converts raw transcript bytes into a conversation and its messages
type Normalizer interface {
	Normalize(ctx context.Context, src Source, path string, data []byte) (*types.Conversation, []types.Message, error)
}

// NormalizerFunc adapts a function to the Normalizer interface
type NormalizerFunc func(ctx context.Context, src Source, path string, data []byte) (*types.Conversation, []types.Message, error)

// Normalize calls f
func (f NormalizerFunc) Normalize(ctx context.Context, src Source, path string, data []byte) (*types.Conversation, []types.Message, error) {
	return f(ctx, src, path, data)
}

// Registry maps format names to normalizers
type Registry struct {
	mu          sync.RWMutex
	normalizers map[string]Normalizer
}

// NewRegistry returns a registry with the canonical format registered
func NewRegistry() *Registry {
	r := &Registry{normalizers: make(map[string]Normalizer)}
	r.Register(FormatCanonical, Canonical{})
	return r
}

// Register adds or replaces the normalizer for a format
func (r *Registry) Register(format string, n Normalizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.normalizers[format] = n
}

// Lookup returns the normalizer for a format
func (r *Registry) Lookup(format string) (Normalizer, error) {
	if format == "" {
		format = FormatCanonical
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.normalizers[format]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownFormat, "format %q", format)
	}
	return n, nil
}

// Normalize dispatches to the normalizer registered for src.Format
func (r *Registry) Normalize(ctx context.Context, src Source, path string, data []byte) (*types.Conversation, []types.Message, error) {
	n, err := r.Lookup(src.Format)
	if err != nil {
		return nil, nil, err
	}
	return n.Normalize(ctx, src, path, data)
}
