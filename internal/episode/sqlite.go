package episode

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema changes.
const schemaVersion = 2

// ErrSchemaMismatch indicates the database schema version doesn't match the
// expected version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore persists episodes in a SQLite database. All status mutations
// are single UPDATE statements keyed on the current status, which gives the
// compare-and-set semantics the scheduler relies on even with several
// scheduler or worker processes sharing the database file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// OpenSQLite initializes or connects to the episode database at path.
// The parent directory must already exist.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &SQLiteStore{db: db, path: filepath.Clean(path)}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *SQLiteStore) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// timestampLayout is fixed-width so string comparison in SQL matches time
// order even at sub-second granularity. RFC3339Nano trims trailing zeros,
// which breaks lexicographic ordering within a second.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

func timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

const episodeColumns = `id, title, source_audio_url, source_language, status,
    retry_count, force_requested, error_message, published_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEpisode(row rowScanner) (*Episode, error) {
	var (
		ep          Episode
		sourceLang  sql.NullString
		errMsg      sql.NullString
		publishedAt string
		createdAt   string
		updatedAt   string
	)
	if err := row.Scan(
		&ep.ID, &ep.Title, &ep.SourceAudioURL, &sourceLang, &ep.Status,
		&ep.RetryCount, &ep.ForceRequested, &errMsg, &publishedAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	ep.SourceLanguage = sourceLang.String
	ep.Error = errMsg.String
	var err error
	if ep.PublishedAt, err = time.Parse(time.RFC3339Nano, publishedAt); err != nil {
		return nil, fmt.Errorf("parse published_at: %w", err)
	}
	if ep.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if ep.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	ep.Translations = make(map[string]Translation)
	return &ep, nil
}

// Create persists a new episode.
func (s *SQLiteStore) Create(ctx context.Context, ep *Episode) error {
	_, err := s.execWithRetry(ctx,
		`INSERT INTO episodes (
            id, title, source_audio_url, source_language, status,
            retry_count, force_requested, error_message, published_at, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.Title, ep.SourceAudioURL, nullableString(ep.SourceLanguage), ep.Status,
		ep.RetryCount, ep.ForceRequested, nullableString(ep.Error),
		timestamp(ep.PublishedAt), timestamp(ep.CreatedAt), timestamp(ep.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}
	return nil
}

// FindByID fetches an episode with its translations.
func (s *SQLiteStore) FindByID(ctx context.Context, id string) (*Episode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+episodeColumns+` FROM episodes WHERE id = ?`, id)
	ep, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get episode: %w", err)
	}
	if err := s.loadTranslations(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

func (s *SQLiteStore) loadTranslations(ctx context.Context, ep *Episode) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT language, audio_low_url, audio_medium_url, audio_high_url,
            transcript, translated_text, voice_id, duration_seconds,
            file_size_bytes, created_at
         FROM translations WHERE episode_id = ?`, ep.ID)
	if err != nil {
		return fmt.Errorf("query translations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tr        Translation
			low       string
			medium    string
			high      string
			createdAt string
		)
		if err := rows.Scan(
			&tr.Language, &low, &medium, &high,
			&tr.Transcript, &tr.TranslatedText, &tr.VoiceID, &tr.DurationSeconds,
			&tr.FileSizeBytes, &createdAt,
		); err != nil {
			return fmt.Errorf("scan translation: %w", err)
		}
		tr.AudioVariants = map[Quality]string{
			QualityLow:    low,
			QualityMedium: medium,
			QualityHigh:   high,
		}
		if tr.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return fmt.Errorf("parse translation created_at: %w", err)
		}
		ep.Translations[tr.Language] = tr
	}
	return rows.Err()
}

// List returns all episodes, newest published first.
func (s *SQLiteStore) List(ctx context.Context) ([]*Episode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes ORDER BY published_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	defer rows.Close()
	return s.collect(ctx, rows)
}

// Eligible returns episodes awaiting translation, newest published first.
// Served by the (status, published_at) index.
func (s *SQLiteStore) Eligible(ctx context.Context, maxRetries, limit int) ([]*Episode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes
         WHERE status IN (?, ?) AND retry_count < ?
         ORDER BY published_at DESC LIMIT ?`,
		StatusPending, StatusFailed, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("query eligible episodes: %w", err)
	}
	defer rows.Close()
	return s.collect(ctx, rows)
}

func (s *SQLiteStore) collect(ctx context.Context, rows *sql.Rows) ([]*Episode, error) {
	var eps []*Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		eps = append(eps, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, ep := range eps {
		if err := s.loadTranslations(ctx, ep); err != nil {
			return nil, err
		}
	}
	return eps, nil
}

// Claim atomically transitions pending/failed → processing. The WHERE clause
// carries the full precondition, so of N racing callers exactly one sees a
// row affected.
func (s *SQLiteStore) Claim(ctx context.Context, id string, maxRetries int) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE episodes SET status = ?, updated_at = ?
         WHERE id = ? AND status IN (?, ?) AND retry_count < ?`,
		StatusProcessing, timestamp(time.Now()),
		id, StatusPending, StatusFailed, maxRetries)
	if err != nil {
		return fmt.Errorf("claim episode: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, findErr := s.FindByID(ctx, id); errors.Is(findErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrNotClaimable
	}
	return nil
}

// CompleteTranslation replaces the translation record and marks the episode
// completed in one transaction.
func (s *SQLiteStore) CompleteTranslation(ctx context.Context, id, sourceLanguage string, tr Translation) error {
	if !tr.Complete() {
		return ErrIncompleteTranslation
	}
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := timestamp(time.Now())
		res, err := tx.ExecContext(ctx,
			`UPDATE episodes
             SET status = ?, source_language = ?, retry_count = 0,
                 force_requested = 0, error_message = NULL, updated_at = ?
             WHERE id = ?`,
			StatusCompleted, sourceLanguage, now, id)
		if err != nil {
			return fmt.Errorf("complete episode: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO translations (
                episode_id, language, audio_low_url, audio_medium_url,
                audio_high_url, transcript, translated_text, voice_id,
                duration_seconds, file_size_bytes, created_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, tr.Language,
			tr.AudioVariants[QualityLow], tr.AudioVariants[QualityMedium], tr.AudioVariants[QualityHigh],
			tr.Transcript, tr.TranslatedText, tr.VoiceID,
			tr.DurationSeconds, tr.FileSizeBytes, timestamp(tr.CreatedAt),
		); err != nil {
			return fmt.Errorf("write translation: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit translation: %w", err)
		}
		return nil
	})
}

// MarkFailed records the failure and increments the retry count.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id, message string) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE episodes
         SET status = ?, error_message = ?, retry_count = retry_count + 1, updated_at = ?
         WHERE id = ?`,
		StatusFailed, message, timestamp(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailedPermanent records the failure with the retry budget exhausted,
// so the episode is excluded from scheduling until an operator intervenes.
func (s *SQLiteStore) MarkFailedPermanent(ctx context.Context, id, message string, retryBudget int) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE episodes
         SET status = ?, error_message = ?,
             retry_count = MAX(retry_count + 1, ?), updated_at = ?
         WHERE id = ?`,
		StatusFailed, message, retryBudget, timestamp(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark failed permanent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Release returns a processing episode to pending without spending retry
// budget. Keyed on status so a finished episode is never un-completed.
func (s *SQLiteStore) Release(ctx context.Context, id string) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE episodes SET status = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		StatusPending, timestamp(time.Now()), id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("release episode: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, findErr := s.FindByID(ctx, id); errors.Is(findErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrNotClaimable
	}
	return nil
}

// RequestRetranslation re-enqueues the episode with a fresh retry budget and
// the force flag set.
func (s *SQLiteStore) RequestRetranslation(ctx context.Context, id string) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE episodes
         SET status = ?, retry_count = 0, force_requested = 1,
             error_message = NULL, updated_at = ?
         WHERE id = ?`,
		StatusPending, timestamp(time.Now()), id)
	if err != nil {
		return fmt.Errorf("request retranslation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReclaimStale returns stale processing episodes to failed. Served by the
// (status, updated_at) index.
func (s *SQLiteStore) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE episodes
         SET status = ?, error_message = 'reclaimed from stale processing',
             retry_count = retry_count + 1, updated_at = ?
         WHERE status = ? AND updated_at < ?`,
		StatusFailed, timestamp(time.Now()),
		StatusProcessing, timestamp(cutoff))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale episodes: %w", err)
	}
	return res.RowsAffected()
}
