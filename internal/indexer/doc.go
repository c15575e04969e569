// Package indexer keeps the search index in step with transcript files on
// disk.
//
// # Basic Usage
//
//	ix, err := indexer.New(store, vindex, embedClient, chunker, registry, gate, indexer.Config{
//	    Sources:  cfg.Sources,
//	    Pipeline: cfg.Pipeline,
//	}, logger)
//
//	// One-shot: scan every source, index what changed, return
//	stats, err := ix.RunOnce(ctx)
//	fmt.Printf("indexed %d, skipped %d, failed %d\n",
//	    stats.FilesIndexed, stats.FilesSkipped, stats.FilesFailed)
//
//	// Long-running: watch and index until ctx is cancelled
//	err = ix.Run(ctx)
//
// # Pipeline
//
//  1. Watch: fsnotify on every directory under each source root
//  2. Debounce: bursts of events per path collapse into one; the last op wins
//  3. Queue: bounded, one entry per path; producers block when it is full
//  4. Prepare: hash the file, skip it if the hash matches, else normalize
//     through the connector registry and chunk
//  5. Embed: one batched call for all chunks of up to max_batch_files files
//  6. Commit: ReplaceConversation and the vector index delta, under the
//     write gate
//
// Every queued upsert is first marked pending in the store, so work dropped
// at shutdown is found again by the next scan.
//
// # File States
//
//	none -> pending -> indexing -> indexed
//	                           \-> failed -> pending
//	indexing -> pending (commit interrupted while writes were paused)
//	indexed -> pending
//
// A failed file is retried by the scan after retry_backoff doubled for each
// attempt beyond the first, capped at max_retry_backoff. An edit to the file
// retries it at once through the watcher.
//
// # Scans
//
// Scan compares the source trees with the recorded statuses: new files,
// files with a different mtime or size, due retries and leftover pending
// files are queued; statuses for files that vanished are queued for
// deletion. A root that does not exist is skipped and its statuses kept.
// Run scans at start and every rescan_interval, which also recovers events
// the watcher lost.
//
// # Concurrency
//
// Workers run in an errgroup. A path is never processed by two workers at
// once: an event for a path in flight is parked and re-queued when the
// worker finishes. The queue pop is the only cancellation point: a batch
// once dequeued is read, embedded and committed on a context detached from
// cancellation. If ctx ends while a commit waits on a paused write gate,
// the uncommitted files return to pending without counting an attempt.
//
// A vector index update that fails after its store commit does not fail the
// file; TakeVectorDrift reports it so the caller can resync the index.
//
// Only a ConfigError (for example an embedding dimension mismatch) stops
// the pipeline. Every other failure is recorded on the file.
package indexer
