// Package embedder turns chunk and query text into vectors.
//
// Providers implement the Embedder interface and make one round trip per
// batch:
//
//   - openai: any OpenAI-compatible endpoint via go-openai
//   - ollama: a local Ollama server (/api/embed)
//   - jina: the Jina AI embeddings API
//   - local: deterministic feature hashing, for offline use and tests
//
// A Client wraps a provider and is what the rest of the engine uses:
//
//	client, err := embedder.New(cfg.Embed, storedDimension)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	vectors, err := client.Embed(ctx, texts)
//
// The client splits input into batches of at most BatchSize, serves repeated
// texts from an LRU cache keyed by SHA-256, waits on a rate limiter and
// retries TransientError failures (HTTP 429, 5xx, network errors) with
// exponential backoff. Other 4xx responses fail immediately.
//
// Every vector is checked against the index dimension. A mismatch returns a
// types.ConfigError wrapping types.ErrDimensionMismatch; it means the model
// changed underneath an existing index and must be fixed in configuration or
// by rebuilding, so it is never retried.
package embedder
