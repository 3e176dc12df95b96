// Package episode provides the Episode aggregate for the podcast dubbing
// pipeline. An Episode is the unit of translation work: it tracks the source
// audio, the processing status lifecycle, the retry budget, and the
// translations produced for it. The package also defines the Store port for
// persistence along with in-memory and SQLite adapters.
package episode

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of an Episode in the dubbing lifecycle.
type Status string

const (
	// StatusPending indicates the episode is waiting to be claimed by a worker.
	StatusPending Status = "pending"
	// StatusProcessing indicates a worker currently owns this episode.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates the translation finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the last translation attempt failed.
	StatusFailed Status = "failed"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines which state transitions are allowed.
// failed → processing covers scheduler retries; completed → processing covers
// forced re-translation.
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusProcessing, StatusPending},
	StatusFailed:     {StatusProcessing, StatusPending},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true when no scheduler action will move the episode
// without an external trigger (retry budget aside).
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Quality identifies one of the delivered audio bitrate tiers.
type Quality string

const (
	// QualityLow is the 64 kbps tier for constrained networks.
	QualityLow Quality = "low"
	// QualityMedium is the 96 kbps tier.
	QualityMedium Quality = "medium"
	// QualityHigh is the 128 kbps tier.
	QualityHigh Quality = "high"
)

// Qualities lists every tier a completed Translation must carry.
var Qualities = []Quality{QualityLow, QualityMedium, QualityHigh}

// Bitrate returns the tier's bitrate in kbps.
func (q Quality) Bitrate() int {
	switch q {
	case QualityLow:
		return 64
	case QualityMedium:
		return 96
	default:
		return 128
	}
}

// IsValid returns true if the quality tier is known.
func (q Quality) IsValid() bool {
	return q == QualityLow || q == QualityMedium || q == QualityHigh
}

// Translation holds the finished artifacts for one target language.
// A Translation is immutable once written: re-translation replaces the whole
// record, never individual fields, so stale and fresh variants cannot mix.
type Translation struct {
	// Language is the target language (ISO 639-1 code).
	Language string
	// AudioVariants maps each quality tier to a durable storage URL.
	// All three tiers are present on a completed translation.
	AudioVariants map[Quality]string
	// Transcript is the source-language text recognized from the vocal stem.
	Transcript string
	// TranslatedText is the transcript rendered in the target language.
	TranslatedText string
	// VoiceID identifies the synthesis voice used.
	VoiceID string
	// DurationSeconds is the length of the dubbed audio.
	DurationSeconds float64
	// FileSizeBytes is the size of the high-quality variant.
	FileSizeBytes int64
	// CreatedAt is when the translation was written.
	CreatedAt time.Time
}

// Complete reports whether every quality tier is present.
func (t Translation) Complete() bool {
	for _, q := range Qualities {
		if t.AudioVariants[q] == "" {
			return false
		}
	}
	return true
}

// clone returns a deep copy of the translation.
func (t Translation) clone() Translation {
	out := t
	out.AudioVariants = make(map[Quality]string, len(t.AudioVariants))
	for q, u := range t.AudioVariants {
		out.AudioVariants[q] = u
	}
	return out
}

// Episode represents one translatable podcast episode.
type Episode struct {
	// ID is the unique identifier for this episode.
	ID string
	// Title is the human-readable episode title.
	Title string
	// SourceAudioURL locates the original audio.
	SourceAudioURL string
	// SourceLanguage is the detected original language; empty until detected.
	SourceLanguage string
	// Translations maps target language codes to finished translations.
	Translations map[string]Translation
	// Status is the current lifecycle state.
	Status Status
	// RetryCount is incremented on every failed attempt; once it reaches the
	// configured budget the episode is excluded from automatic scheduling.
	RetryCount int
	// ForceRequested is set by an admin re-translation request and tells the
	// worker to replace an existing completed translation. Cleared when the
	// translation is written.
	ForceRequested bool
	// Error contains the last failure message, if any.
	Error string
	// PublishedAt is the original publication time; newest episodes are
	// scheduled first.
	PublishedAt time.Time
	// CreatedAt is when the episode was registered.
	CreatedAt time.Time
	// UpdatedAt is set on every mutation and never moves backwards.
	UpdatedAt time.Time
}

// New creates an Episode in pending state with a generated identifier.
func New(title, sourceAudioURL string, publishedAt time.Time) *Episode {
	now := time.Now().UTC()
	if publishedAt.IsZero() {
		publishedAt = now
	}
	return &Episode{
		ID:             uuid.NewString(),
		Title:          title,
		SourceAudioURL: sourceAudioURL,
		Translations:   make(map[string]Translation),
		Status:         StatusPending,
		PublishedAt:    publishedAt.UTC(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// AvailableLanguages returns the language codes currently playable: the
// detected source language plus every completed translation.
func (e *Episode) AvailableLanguages() []string {
	langs := make([]string, 0, len(e.Translations)+1)
	if e.SourceLanguage != "" {
		langs = append(langs, e.SourceLanguage)
	}
	for lang := range e.Translations {
		if lang != e.SourceLanguage {
			langs = append(langs, lang)
		}
	}
	return langs
}

// TransitionTo changes the episode status, rejecting transitions the
// lifecycle does not allow.
func (e *Episode) TransitionTo(status Status) error {
	if !canTransition(e.Status, status) {
		return ErrInvalidTransition
	}
	e.Status = status
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// Clone creates a deep copy of the episode for safe reads.
func (e *Episode) Clone() *Episode {
	out := *e
	out.Translations = make(map[string]Translation, len(e.Translations))
	for lang, tr := range e.Translations {
		out.Translations[lang] = tr.clone()
	}
	return &out
}
