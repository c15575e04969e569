package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dshills/convosearch/internal/query"
	"github.com/dshills/convosearch/internal/searcher"
)

var searchParams query.Params
var searchJSON bool

var searchCmd = &cobra.Command{
	Use:   "search [query...]",
	Short: "Search indexed conversations",
	Long: `Runs a keyword, semantic or hybrid search over the index and prints one
page of ranked conversations. The query may carry inline filters such as
project:name, tool:claude, after:2026-01-01, before:2026-02-01, sort:updated
and mode:keyword. With no query the most recent conversations are listed.`,
	RunE: runSearch,
}

func init() {
	f := searchCmd.Flags()
	f.StringVar(&searchParams.Mode, "mode", "", "hybrid, keyword or semantic (default hybrid)")
	f.StringVar(&searchParams.Project, "project", "", "only this project")
	f.StringVar(&searchParams.Tool, "tool", "", "only this assistant tool")
	f.StringVar(&searchParams.From, "from", "", "updated at or after (RFC3339 or YYYY-MM-DD)")
	f.StringVar(&searchParams.To, "to", "", "updated before (RFC3339, or YYYY-MM-DD inclusive)")
	f.StringVar(&searchParams.Sort, "sort", "", "relevance, updated or created")
	f.IntVar(&searchParams.Page, "page", 0, "0-based page index")
	f.IntVar(&searchParams.PageSize, "page-size", 0, "results per page (default from config)")
	f.BoolVar(&searchJSON, "json", false, "output results as JSON")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	eng, _, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	text := strings.Join(args, " ")
	resp, err := eng.Search(ctx, text, searchParams)
	if err != nil {
		return err
	}

	if searchJSON {
		return printJSON(resp)
	}
	printResults(resp)
	return nil
}

func printResults(resp *searcher.Response) {
	if resp.Total == 0 {
		fmt.Println("No results found.")
		return
	}

	for _, r := range resp.Results {
		fmt.Printf("\n%d. %s  [%.3f]\n", r.Rank, r.Title, r.Score)
		fmt.Printf("   %s · %s · %s · %d messages\n",
			r.Project, r.Tool, r.UpdatedAt.Local().Format("2006-01-02 15:04"), r.MessageCount)
		if resp.Mode == query.ModeHybrid {
			fmt.Printf("   keyword %.3f  semantic %.3f\n", r.KeywordScore, r.SemanticScore)
		}
		fmt.Printf("   %s\n", r.FilePath)
		if r.Snippet != "" {
			fmt.Printf("   %s\n", r.Snippet)
		}
	}

	first, last := pageRange(resp)
	fmt.Printf("\nShowing %d-%d of %d (%s, sorted by %s)\n",
		first, last, resp.Total, resp.Mode, resp.Sort)
	if resp.HasMore {
		fmt.Printf("More results: --page %d\n", resp.Index+1)
	}
	for _, w := range resp.Warnings {
		fmt.Printf("Warning: %s\n", w)
	}
}

// pageRange returns the 1-based positions of the first and last result shown
func pageRange(resp *searcher.Response) (first, last int) {
	offset := resp.Index * resp.PageSize
	return offset + 1, offset + len(resp.Results)
}
