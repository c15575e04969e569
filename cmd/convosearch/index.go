package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/convosearch/internal/engine"
)

var indexJSON bool

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index new and changed transcripts once, then exit",
	Long: `Scans every configured source, indexes new and changed transcripts,
removes deleted ones, and flushes the vector index. Unchanged files are
skipped.`,
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().BoolVar(&indexJSON, "json", false, "output statistics as JSON")
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	eng, _, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	start := time.Now()
	stats, err := eng.Index(ctx)
	if err != nil {
		return err
	}

	if indexJSON {
		return printJSON(map[string]interface{}{
			"files_indexed":  stats.FilesIndexed,
			"files_skipped":  stats.FilesSkipped,
			"files_failed":   stats.FilesFailed,
			"files_deleted":  stats.FilesDeleted,
			"chunks_created": stats.ChunksCreated,
			"duration_ms":    time.Since(start).Milliseconds(),
		})
	}

	fmt.Printf("Indexed %d file(s), skipped %d unchanged, removed %d, failed %d (%d chunks) in %s\n",
		stats.FilesIndexed, stats.FilesSkipped, stats.FilesDeleted, stats.FilesFailed,
		stats.ChunksCreated, time.Since(start).Round(time.Millisecond))
	if scan := stats.LastScan; scan != nil && len(scan.MissingRoots) > 0 {
		fmt.Printf("Missing source directories: %v\n", scan.MissingRoots)
	}
	if stats.FilesFailed > 0 {
		fmt.Println("Run `convosearch status` to see the errors.")
	}
	return nil
}

func sourcePaths(eng *engine.Engine) []string {
	var out []string
	for _, src := range eng.Config().Sources {
		out = append(out, src.Path)
	}
	return out
}
