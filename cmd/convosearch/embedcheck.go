package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dshills/convosearch/internal/embedder"
)

var checkEmbeddingCmd = &cobra.Command{
	Use:   "check-embedding",
	Short: "Verify the configured embedding provider",
	Long: `Embeds a few sample messages with the configured provider and checks
that vectors come back with the expected dimension and that related
messages are closer than unrelated ones. The index is not touched.`,
	RunE: runCheckEmbedding,
}

func init() {
	rootCmd.AddCommand(checkEmbeddingCmd)
}

var embedSamples = []string{
	"how do I refactor the parser into smaller stages?",
	"split the parser refactor into a tokenizer stage and a tree builder",
	"the kubernetes deployment keeps crashing on startup",
}

func runCheckEmbedding(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	provider, err := embedder.NewProvider(cfg.Embed)
	if err != nil {
		return errors.Wrap(err, "creating embedding provider")
	}
	client := embedder.NewClient(provider, embedder.ClientOptions{
		BatchSize: cfg.Embed.BatchSize,
		Retry: embedder.RetryConfig{
			MaxRetries: cfg.Embed.MaxRetries,
			BaseDelay:  cfg.Embed.BaseDelay,
			MaxDelay:   cfg.Embed.MaxDelay,
			Multiplier: embedder.BackoffMultiplier,
		},
	})
	defer func() { _ = client.Close() }()

	fmt.Println("Testing embedding provider...")
	fmt.Printf("  Provider:  %s\n", client.Provider())
	fmt.Printf("  Model:     %s\n", client.Model())
	fmt.Printf("  Dimension: %d\n", client.Dimension())

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	start := time.Now()
	vecs, err := client.Embed(ctx, embedSamples)
	if err != nil {
		fmt.Println("\n✗ FAILURE: embedding request failed")
		return err
	}
	fmt.Printf("  Latency:   %s for %d texts\n", time.Since(start).Round(time.Millisecond), len(embedSamples))

	for i, v := range vecs {
		if len(v) != client.Dimension() {
			return errors.Errorf("sample %d: got %d dimensions, want %d", i, len(v), client.Dimension())
		}
		if norm(v) == 0 {
			return errors.Errorf("sample %d: zero vector", i)
		}
	}

	related := cosine(vecs[0], vecs[1])
	unrelated := cosine(vecs[0], vecs[2])
	fmt.Printf("\nSimilarity:\n")
	fmt.Printf("  related:   %.4f\n", related)
	fmt.Printf("  unrelated: %.4f\n", unrelated)

	if related <= unrelated {
		fmt.Println("\n✗ FAILURE: related messages are not closer than unrelated ones")
		return errors.New("embedding provider does not separate related text")
	}
	fmt.Println("\n✓ SUCCESS: embeddings look usable")
	return nil
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (norm(a) * norm(b))
}
