package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dshills/convosearch/internal/engine"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index totals, file states and recent errors",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output status as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	eng, _, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	st, err := eng.Status(ctx)
	if err != nil {
		return err
	}
	if statusJSON {
		return printJSON(st)
	}
	printStatus(st)
	return nil
}

func printStatus(st *engine.Status) {
	fmt.Printf("Index:         %s (schema %s, seq %d)\n", st.IndexID, st.SchemaVersion, st.Seq)
	fmt.Printf("Embeddings:    %s %s, dimension %d\n", st.EmbeddingProvider, st.EmbeddingModel, st.EmbeddingDimension)
	fmt.Printf("Conversations: %d\n", st.Conversations)
	fmt.Printf("Chunks:        %d (%d embedded, %d stale versions)\n", st.Chunks, st.Embeddings, st.StaleVersions)
	fmt.Printf("Size:          %.2f MB\n", float64(st.SizeBytes)/(1024*1024))

	sync := "in sync"
	if !st.Vectors.InSync {
		sync = fmt.Sprintf("behind (seq %d)", st.Vectors.Seq)
	}
	fmt.Printf("Vectors:       %d, %s, %s\n", st.Vectors.Count, st.Vectors.BuildMode, sync)

	states := make([]string, 0, len(st.Files))
	for state := range st.Files {
		states = append(states, state)
	}
	sort.Strings(states)
	fmt.Print("Files:        ")
	for _, state := range states {
		fmt.Printf(" %s=%d", state, st.Files[state])
	}
	fmt.Println()

	fmt.Println("Sources:")
	for _, src := range st.Sources {
		fmt.Printf("  %s\n", src)
	}

	if len(st.RecentErrors) > 0 {
		fmt.Println("Recent errors:")
		for _, e := range st.RecentErrors {
			fmt.Printf("  %s (attempt %d, %s)\n    %s\n",
				e.Path, e.Attempts, e.At.Local().Format("2006-01-02 15:04:05"), e.Error)
		}
	}
}
