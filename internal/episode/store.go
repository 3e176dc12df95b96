package episode

import (
	"context"
	"errors"
	"time"
)

// Static errors for store operations.
var (
	// ErrNotFound is returned when an episode cannot be found by ID.
	ErrNotFound = errors.New("episode not found")
	// ErrNotClaimable is returned when a claim attempt loses the
	// compare-and-set race or the episode is not in a claimable state.
	ErrNotClaimable = errors.New("episode not claimable")
	// ErrIncompleteTranslation is returned when a completion write is
	// attempted with missing quality tiers.
	ErrIncompleteTranslation = errors.New("translation is missing quality tiers")
)

// Store defines the persistence port for episodes.
//
// Claim, CompleteTranslation, MarkFailed, and RequestRetranslation are
// single-item atomic operations: concurrent callers never observe a
// half-applied write, and Claim uses a status-keyed compare-and-set so that
// at most one worker owns an episode at a time.
type Store interface {
	// Create persists a new episode.
	Create(ctx context.Context, ep *Episode) error

	// FindByID retrieves an episode by its identifier.
	// Returns ErrNotFound if the episode does not exist.
	FindByID(ctx context.Context, id string) (*Episode, error)

	// List returns all episodes ordered by publication time, newest first.
	List(ctx context.Context) ([]*Episode, error)

	// Eligible returns up to limit episodes awaiting translation: status
	// pending or failed with retry budget remaining, newest published first.
	Eligible(ctx context.Context, maxRetries, limit int) ([]*Episode, error)

	// Claim atomically transitions an episode from pending or failed (with
	// budget remaining) to processing. Exactly one of N concurrent callers
	// succeeds; the rest receive ErrNotClaimable.
	Claim(ctx context.Context, id string, maxRetries int) error

	// CompleteTranslation atomically writes the full translation record,
	// sets the detected source language, marks the episode completed, and
	// resets the retry count. An existing translation for the same language
	// is replaced wholesale. Returns ErrIncompleteTranslation if any quality
	// tier is missing.
	CompleteTranslation(ctx context.Context, id, sourceLanguage string, tr Translation) error

	// MarkFailed atomically marks the episode failed, records the message,
	// and increments the retry count.
	MarkFailed(ctx context.Context, id, message string) error

	// MarkFailedPermanent marks the episode failed with its retry count
	// raised to at least retryBudget, excluding it from automatic
	// scheduling. Used for failures that re-running cannot fix, such as a
	// rejected source URL or silent audio.
	MarkFailedPermanent(ctx context.Context, id, message string, retryBudget int) error

	// Release returns a processing episode to pending without touching the
	// retry count. Used when a claim was taken but no translation attempt
	// ever started.
	Release(ctx context.Context, id string) error

	// RequestRetranslation re-enqueues an episode regardless of its current
	// state, resetting the retry budget and setting the force flag so the
	// worker replaces any existing translation. Used by the admin endpoint.
	RequestRetranslation(ctx context.Context, id string) error

	// ReclaimStale returns episodes stuck in processing with updated_at
	// older than cutoff back to failed with an incremented retry count,
	// and reports how many were reclaimed. This is the reconciliation
	// sweep for crashed or timed-out workers.
	ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error)
}
