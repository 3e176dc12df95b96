// Package main provides the entry point for the dubbing service daemon.
// It runs the HTTP API and the translation scheduler in one process;
// episode translation itself runs in separate worker processes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olorin-media/dubber/internal/bootstrap"
	"github.com/olorin-media/dubber/internal/config"
	"github.com/olorin-media/dubber/internal/scheduler"
	"github.com/olorin-media/dubber/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting dubber",
		slog.Int("port", cfg.Port),
		slog.String("source_language", cfg.SourceLanguage),
		slog.String("target_language", cfg.TargetLanguage),
		slog.String("db_path", cfg.DBPath),
		slog.String("temp_dir", cfg.TempDir),
		slog.Int("batch_size", cfg.BatchSize),
		slog.Int("max_retries", cfg.MaxRetries),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
	)

	deps, err := bootstrap.NewDependencies(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	dispatcher := scheduler.NewExecDispatcher(cfg.WorkerBinary, logger)
	sched := scheduler.New(deps.Store, dispatcher, scheduler.Options{
		PollInterval: cfg.PollInterval(),
		BatchSize:    cfg.BatchSize,
		MaxRetries:   cfg.MaxRetries,
		DispatchGap:  cfg.DispatchGap(),
		StaleAfter:   cfg.StaleAfter(),
	}, logger)

	handlers := server.NewHandlers(deps.Store, logger)
	serverCfg := server.DefaultConfig()
	serverCfg.RatePerHour = cfg.APIRatePerHour
	router := server.NewRouter(handlers, logger, serverCfg)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	schedCtx, stopSched := context.WithCancel(context.Background())
	defer stopSched()

	errCh := make(chan error, 2)
	go func() {
		if err := sched.Run(schedCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("scheduler failed: %w", err)
		}
	}()
	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case sig := <-shutdownCh:
		logger.Info("received shutdown signal",
			slog.String("signal", sig.String()),
		)
	case err := <-errCh:
		return err
	}

	// Stop scheduling first so no new workers start, then drain HTTP.
	// Already-dispatched workers run to completion on their own.
	stopSched()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
