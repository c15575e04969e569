package main

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dshills/convosearch/internal/engine"
)

var reembed bool

var rebuildVectorsCmd = &cobra.Command{
	Use:   "rebuild-vectors",
	Short: "Rebuild the vector index from the store",
	Long: `Repopulates the vector index from the vectors kept in the store. With
--reembed every chunk is embedded again with the configured provider; use it
after changing the embedding model or dimension.`,
	RunE: runRebuildVectors,
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Drop superseded and deleted versions from the store",
	RunE:  runCompact,
}

var backupCmd = &cobra.Command{
	Use:   "backup <dir>",
	Short: "Write a restorable copy of the index to dir",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackup,
}

var restoreCmd = &cobra.Command{
	Use:   "restore <dir>",
	Short: "Replace the index with a backup",
	Long: `Validates the backup in dir and replaces the current index with it.
The backup's vector index is used when it matches; otherwise vectors are
rebuilt from the restored store.`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	rebuildVectorsCmd.Flags().BoolVar(&reembed, "reembed", false, "embed every chunk again with the configured provider")
	rootCmd.AddCommand(rebuildVectorsCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
}

func runRebuildVectors(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	var opts []engine.Option
	if reembed {
		opts = append(opts, engine.WithEmbeddingChange())
	}
	eng, _, err := openEngine(ctx, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	res, err := eng.RebuildVectors(ctx, reembed)
	if err != nil {
		return errors.Wrap(err, "rebuilding vectors")
	}
	if reembed {
		fmt.Printf("Re-embedded %d chunk(s); vector index holds %d (seq %d)\n", res.Reembedded, res.Vectors, res.Seq)
		return nil
	}
	fmt.Printf("Vector index rebuilt with %d vector(s) (seq %d)\n", res.Vectors, res.Seq)
	return nil
}

func runCompact(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	eng, _, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	res, err := eng.Compact(ctx)
	if err != nil {
		return errors.Wrap(err, "compacting")
	}
	fmt.Printf("Removed %d stale version(s), %d chunk(s), %d embedding(s)\n", res.Versions, res.Chunks, res.Embeddings)
	return nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	eng, _, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	if err := eng.Backup(ctx, args[0]); err != nil {
		return errors.Wrapf(err, "backing up to %s", args[0])
	}
	fmt.Printf("Backup written to %s\n", args[0])
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	eng, _, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	res, err := eng.Restore(ctx, args[0])
	if err != nil {
		return errors.Wrapf(err, "restoring from %s", args[0])
	}
	fmt.Printf("Restored %d conversation(s), %d chunk(s) at seq %d; vectors %s\n",
		res.Report.Conversations, res.Report.Chunks, res.Report.Seq, res.VectorMode)
	return nil
}
