// Package scheduler polls the episode store for untranslated or retryable
// episodes and dispatches one execution unit per item. The poll loop's job
// is scheduling, never execution: claimed episodes are handed to a
// Dispatcher and the loop moves on.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/olorin-media/dubber/internal/episode"
)

// Options tune the scheduler's polling behavior.
type Options struct {
	// PollInterval is the delay between store polls.
	PollInterval time.Duration
	// BatchSize bounds how many episodes one poll may dispatch.
	BatchSize int
	// MaxRetries is the per-episode retry budget; episodes at the budget
	// are excluded from polling entirely.
	MaxRetries int
	// DispatchGap is the minimum spacing between dispatches, rate-limiting
	// bursts toward the execution platform.
	DispatchGap time.Duration
	// StaleAfter is how long an episode may sit in processing before the
	// reconciliation sweep assumes its worker died and fails it.
	StaleAfter time.Duration
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		PollInterval: 30 * time.Second,
		BatchSize:    10,
		MaxRetries:   3,
		DispatchGap:  500 * time.Millisecond,
		StaleAfter:   90 * time.Minute,
	}
}

// Scheduler owns the poll loop.
type Scheduler struct {
	store      episode.Store
	dispatcher Dispatcher
	opts       Options
	logger     *slog.Logger
}

// New creates a Scheduler.
func New(store episode.Store, dispatcher Dispatcher, opts Options, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultOptions().MaxRetries
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultOptions().StaleAfter
	}
	return &Scheduler{store: store, dispatcher: dispatcher, opts: opts, logger: logger}
}

// Run polls until ctx is cancelled. Stopping is graceful: the current poll
// iteration completes, no new dispatches occur, and in-flight executions are
// left to the execution platform.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler started",
		slog.Duration("poll_interval", s.opts.PollInterval),
		slog.Int("batch_size", s.opts.BatchSize),
		slog.Int("max_retries", s.opts.MaxRetries),
	)

	// First poll immediately rather than waiting a full interval.
	s.PollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.PollOnce(ctx)
		}
	}
}

// PollOnce runs one scheduling iteration: reclaim stale processing episodes,
// then claim and dispatch up to BatchSize eligible ones.
func (s *Scheduler) PollOnce(ctx context.Context) {
	if reclaimed, err := s.store.ReclaimStale(ctx, time.Now().Add(-s.opts.StaleAfter)); err != nil {
		s.logger.Error("stale reclaim failed", slog.String("error", err.Error()))
	} else if reclaimed > 0 {
		s.logger.Warn("reclaimed stale processing episodes", slog.Int64("count", reclaimed))
	}

	eligible, err := s.store.Eligible(ctx, s.opts.MaxRetries, s.opts.BatchSize)
	if err != nil {
		s.logger.Error("eligibility query failed", slog.String("error", err.Error()))
		return
	}

	for i, ep := range eligible {
		if ctx.Err() != nil {
			return
		}
		if i > 0 && s.opts.DispatchGap > 0 {
			select {
			case <-time.After(s.opts.DispatchGap):
			case <-ctx.Done():
				return
			}
		}

		if err := s.store.Claim(ctx, ep.ID, s.opts.MaxRetries); err != nil {
			// Another scheduler won the claim race, or the episode moved on.
			if errors.Is(err, episode.ErrNotClaimable) || errors.Is(err, episode.ErrNotFound) {
				continue
			}
			s.logger.Error("claim failed",
				slog.String("episode_id", ep.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := s.dispatcher.Dispatch(ctx, ep.ID, ep.ForceRequested); err != nil {
			s.logger.Error("dispatch failed",
				slog.String("episode_id", ep.ID),
				slog.String("error", err.Error()),
			)
			// The worker never started, so no attempt was made: release the
			// claim without spending retry budget and let a later poll try
			// again.
			if relErr := s.store.Release(ctx, ep.ID); relErr != nil {
				s.logger.Error("failed to release claim",
					slog.String("episode_id", ep.ID),
					slog.String("error", relErr.Error()),
				)
			}
			continue
		}

		s.logger.Info("episode dispatched",
			slog.String("episode_id", ep.ID),
			slog.Int("retry_count", ep.RetryCount),
			slog.Bool("force", ep.ForceRequested),
		)
	}
}
