package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/convosearch/internal/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server and keep the index current",
	Long: `Starts a Model Context Protocol (MCP) server on stdio exposing the
search_conversations, get_status and rescan tools, while the indexing
pipeline watches the configured sources. Stdout carries the protocol;
logs go to stderr.`,
	RunE: runServe,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the sources and keep the index current",
	Long:  `Runs the indexing pipeline in the foreground without an MCP server, until interrupted.`,
	RunE:  runWatch,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, logger, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	srv := mcp.NewServer(eng, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error {
		err := srv.Serve(gctx, os.Stdin, os.Stdout)
		// The client hung up; stop the pipeline too
		stop()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, logger, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	logger.Info().Strs("sources", sourcePaths(eng)).Msg("watching")
	if err := eng.Run(ctx); err != nil {
		return err
	}
	logger.Info().Msg("watch stopped")
	return nil
}
