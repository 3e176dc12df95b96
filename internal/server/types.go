// Package server provides the HTTP surface of the dubbing service.
// It includes handlers, middleware, routes, and DTOs separated from domain
// types.
package server

import "time"

// CreateEpisodeRequest is the HTTP request body for registering a new episode.
type CreateEpisodeRequest struct {
	// Title is the human-readable episode title.
	Title string `json:"title" validate:"required,max=512"`
	// SourceAudioURL locates the original audio on an allow-listed host.
	SourceAudioURL string `json:"source_audio_url" validate:"required,url"`
	// PublishedAt is the original publication time (RFC 3339). Defaults to
	// the registration time when omitted.
	PublishedAt time.Time `json:"published_at"`
}

// CreateEpisodeResponse is the HTTP response after registering an episode.
type CreateEpisodeResponse struct {
	// ID is the unique identifier for the created episode.
	ID string `json:"id"`
	// Status is the initial episode status.
	Status string `json:"status"`
}

// TranslationResponse describes one finished translation.
type TranslationResponse struct {
	// Language is the target language code.
	Language string `json:"language"`
	// AudioVariants maps quality tier names to durable URLs.
	AudioVariants map[string]string `json:"audio_variants"`
	// DurationSeconds is the length of the dubbed audio.
	DurationSeconds float64 `json:"duration_seconds"`
	// FileSizeBytes is the size of the high-quality variant.
	FileSizeBytes int64 `json:"file_size_bytes"`
	// CreatedAt is when the translation was written.
	CreatedAt time.Time `json:"created_at"`
}

// EpisodeResponse is the HTTP response for getting episode details.
type EpisodeResponse struct {
	// ID is the unique identifier for the episode.
	ID string `json:"id"`
	// Title is the episode title.
	Title string `json:"title"`
	// Status is the current lifecycle state.
	Status string `json:"status"`
	// SourceLanguage is the detected original language, if known.
	SourceLanguage string `json:"source_language,omitempty"`
	// AvailableLanguages lists the playable language codes.
	AvailableLanguages []string `json:"available_languages"`
	// Translations lists the finished translations.
	Translations []TranslationResponse `json:"translations,omitempty"`
	// RetryCount is the number of failed attempts so far.
	RetryCount int `json:"retry_count"`
	// Error contains the last failure message if the episode failed.
	Error string `json:"error,omitempty"`
	// PublishedAt is the original publication time.
	PublishedAt time.Time `json:"published_at"`
	// CreatedAt is when the episode was registered.
	CreatedAt time.Time `json:"created_at"`
}

// AudioResponse is the HTTP response for resolving a playable audio URL.
type AudioResponse struct {
	// URL is the resolved audio location.
	URL string `json:"url"`
	// Language is the language actually served. When the requested
	// translation is unavailable this is the source language.
	Language string `json:"language"`
	// Quality is the tier served; empty when falling back to the original.
	Quality string `json:"quality,omitempty"`
	// Fallback is true when the original audio is served instead of the
	// requested translation.
	Fallback bool `json:"fallback"`
}

// RetranslateResponse is the HTTP response for an admin re-translation request.
type RetranslateResponse struct {
	// ID is the episode identifier.
	ID string `json:"id"`
	// Status is the status after re-enqueueing.
	Status string `json:"status"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
