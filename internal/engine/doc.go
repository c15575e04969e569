// Package engine wires the index store, the vector index, the embedding
// client, the searcher and the indexing pipeline into one Engine.
//
// Open prepares everything from a config.Config:
//
//	eng, err := engine.Open(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	defer eng.Close()
//
//	go eng.Run(ctx) // watch sources until ctx is cancelled
//	resp, err := eng.Search(ctx, "refactor parser", query.Params{})
//
// On open, files left mid-indexing by a crash are marked failed, the
// recorded embedding model and dimension are checked against the provider,
// and the vector index is loaded from data_dir. A vector index that is
// missing, unreadable or from another store is rebuilt from the stored
// vectors; one that is merely behind is caught up.
//
// # Control points
//
// PauseWrites and ResumeWrites bracket external snapshots of data_dir.
// Backup and Restore copy the database and the vector index to and from a
// directory. RebuildVectors repopulates the vector index, optionally
// re-embedding every chunk after a model change, and Compact drops
// superseded versions. These operations are serialized with each other.
// Searches keep running throughout.
package engine
