// Package main provides the worker process that translates one episode and
// exits. The daemon's scheduler claims the episode and dispatches this
// binary; a crash here leaves the episode in processing until the stale
// reclaim sweep returns it to the queue.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/olorin-media/dubber/internal/bootstrap"
	"github.com/olorin-media/dubber/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	episodeID := flag.String("episode", "", "episode ID to translate")
	force := flag.Bool("force", false, "replace an existing completed translation")
	flag.Parse()

	if *episodeID == "" {
		return fmt.Errorf("the -episode flag is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := cfg.NewLogger().With(slog.String("episode_id", *episodeID))
	slog.SetDefault(logger)

	deps, err := bootstrap.NewDependencies(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	// Whole-item wall-clock budget. On expiry the episode is marked failed
	// by the orchestrator's context handling or reclaimed as stale.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.WorkerTimeout())
	defer cancel()

	logger.Info("worker started",
		slog.Bool("force", *force),
		slog.Duration("timeout", cfg.WorkerTimeout()),
	)

	if err := deps.Orchestrator.TranslateEpisode(ctx, *episodeID, *force); err != nil {
		return fmt.Errorf("translate episode: %w", err)
	}

	logger.Info("worker finished")
	return nil
}
