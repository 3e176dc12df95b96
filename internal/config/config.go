// Package config provides configuration loading from environment variables.
// Every numeric tuning value is bounded and validated at construction time;
// out-of-range settings fail at startup, not at first use.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrTranslateKeyRequired is returned when TRANSLATE_API_KEY is not set.
	ErrTranslateKeyRequired = errors.New("config: TRANSLATE_API_KEY is required")
	// ErrSynthesisKeyRequired is returned when SYNTHESIS_API_KEY is not set.
	ErrSynthesisKeyRequired = errors.New("config: SYNTHESIS_API_KEY is required")
	// ErrAllowedHostsRequired is returned when no audio host is allow-listed.
	ErrAllowedHostsRequired = errors.New("config: ALLOWED_AUDIO_HOSTS is required")
)

// Config holds all configuration for the dubbing pipeline.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port" validate:"min=1,max=65535"`

	// Language pair
	SourceLanguage string `env:"SOURCE_LANGUAGE, default=he" json:"source_language" validate:"len=2"`
	TargetLanguage string `env:"TARGET_LANGUAGE, default=en" json:"target_language" validate:"len=2"`

	// Store and filesystem settings
	DBPath  string `env:"DB_PATH, default=/var/lib/dubber/episodes.db" json:"db_path"`
	TempDir string `env:"TEMP_DIR, default=/tmp/dubber" json:"temp_dir"`

	// Audio fetch settings
	AllowedAudioHosts []string `env:"ALLOWED_AUDIO_HOSTS" json:"allowed_audio_hosts"`
	MaxDownloadBytes  int64    `env:"MAX_DOWNLOAD_BYTES, default=524288000" json:"max_download_bytes" validate:"gt=0"`
	FetchTimeoutSec   int      `env:"FETCH_TIMEOUT_SEC, default=120" json:"fetch_timeout_sec" validate:"gt=0"`

	// Separation settings
	DemucsBinary  string  `env:"DEMUCS_BINARY, default=demucs" json:"demucs_binary"`
	DemucsModel   string  `env:"DEMUCS_MODEL, default=htdemucs" json:"demucs_model"`
	DemucsOverlap float64 `env:"DEMUCS_OVERLAP, default=0.25" json:"demucs_overlap" validate:"gte=0,lt=1"`

	// Transcription settings
	WhisperBinary   string `env:"WHISPER_BINARY, default=whisper" json:"whisper_binary"`
	WhisperModel    string `env:"WHISPER_MODEL, default=large-v3" json:"whisper_model"`
	WhisperBeamSize int    `env:"WHISPER_BEAM_SIZE, default=5" json:"whisper_beam_size" validate:"min=1,max=10"`

	// Translation provider settings
	TranslateAPIKey  string `env:"TRANSLATE_API_KEY, required" json:"-"` // Masked in JSON
	TranslateBaseURL string `env:"TRANSLATE_BASE_URL" json:"translate_base_url,omitempty"`

	// Speech synthesis settings
	SynthesisAPIKey   string  `env:"SYNTHESIS_API_KEY, required" json:"-"` // Masked in JSON
	SynthesisBaseURL  string  `env:"SYNTHESIS_BASE_URL" json:"synthesis_base_url,omitempty"`
	VoiceIDSource     string  `env:"VOICE_ID_SOURCE" json:"voice_id_source"`
	VoiceIDTarget     string  `env:"VOICE_ID_TARGET, required" json:"voice_id_target"`
	VoiceStability    float64 `env:"VOICE_STABILITY, default=0.5" json:"voice_stability" validate:"gte=0,lte=1"`
	VoiceSimilarity   float64 `env:"VOICE_SIMILARITY_BOOST, default=0.75" json:"voice_similarity_boost" validate:"gte=0,lte=1"`
	VoiceStyle        float64 `env:"VOICE_STYLE, default=0" json:"voice_style" validate:"gte=0,lte=1"`
	VoiceSpeakerBoost bool    `env:"VOICE_SPEAKER_BOOST, default=true" json:"voice_speaker_boost"`

	// Mixing settings
	FFmpegBinary  string  `env:"FFMPEG_BINARY, default=ffmpeg" json:"ffmpeg_binary"`
	FFprobeBinary string  `env:"FFPROBE_BINARY, default=ffprobe" json:"ffprobe_binary"`
	TargetLUFS    float64 `env:"TARGET_LUFS, default=-16" json:"target_lufs" validate:"gte=-70,lte=-5"`
	TruePeakDB    float64 `env:"TRUE_PEAK_DB, default=-1.5" json:"true_peak_db" validate:"gte=-9,lte=0"`
	DuckingDB     float64 `env:"DUCKING_DB, default=-12" json:"ducking_db" validate:"gte=-60,lte=0"`

	// Scheduling settings
	MaxRetries       int    `env:"MAX_RETRIES, default=3" json:"max_retries" validate:"min=1,max=10"`
	PollIntervalSec  int    `env:"POLL_INTERVAL_SEC, default=30" json:"poll_interval_sec" validate:"gt=0"`
	BatchSize        int    `env:"BATCH_SIZE, default=10" json:"batch_size" validate:"min=1,max=100"`
	DispatchGapMs    int    `env:"DISPATCH_GAP_MS, default=500" json:"dispatch_gap_ms" validate:"gte=0"`
	StaleAfterMin    int    `env:"STALE_AFTER_MIN, default=90" json:"stale_after_min" validate:"gt=0"`
	WorkerBinary     string `env:"WORKER_BINARY, default=dubber-worker" json:"worker_binary"`
	WorkerTimeoutMin int    `env:"WORKER_TIMEOUT_MIN, default=60" json:"worker_timeout_min" validate:"gt=0"`
	APIRatePerHour   int    `env:"API_RATE_PER_HOUR, default=60" json:"api_rate_per_hour" validate:"gt=0"`

	// Blob storage settings
	BlobDir            string `env:"BLOB_DIR" json:"blob_dir,omitempty"`
	BlobBaseURL        string `env:"BLOB_BASE_URL" json:"blob_base_url,omitempty"`
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// FetchTimeout returns the audio download timeout.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSec) * time.Second
}

// PollInterval returns the scheduler poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// DispatchGap returns the minimum spacing between dispatches.
func (c *Config) DispatchGap() time.Duration {
	return time.Duration(c.DispatchGapMs) * time.Millisecond
}

// StaleAfter returns the reconciliation staleness threshold.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMin) * time.Minute
}

// WorkerTimeout returns the whole-item wall-clock budget for one worker.
func (c *Config) WorkerTimeout() time.Duration {
	return time.Duration(c.WorkerTimeoutMin) * time.Minute
}

// Voices maps language codes to configured synthesis voice identifiers.
func (c *Config) Voices() map[string]string {
	voices := map[string]string{c.TargetLanguage: c.VoiceIDTarget}
	if c.VoiceIDSource != "" {
		voices[c.SourceLanguage] = c.VoiceIDSource
	}
	return voices
}

// Load reads configuration from environment variables using go-envconfig
// and validates it.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		// Map envconfig errors to our domain errors for required fields
		if strings.Contains(err.Error(), "TRANSLATE_API_KEY") {
			return nil, ErrTranslateKeyRequired
		}
		if strings.Contains(err.Error(), "SYNTHESIS_API_KEY") {
			return nil, ErrSynthesisKeyRequired
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and numeric bounds.
func (c *Config) Validate() error {
	if c.TranslateAPIKey == "" {
		return ErrTranslateKeyRequired
	}
	if c.SynthesisAPIKey == "" {
		return ErrSynthesisKeyRequired
	}
	if len(c.AllowedAudioHosts) == 0 {
		return ErrAllowedHostsRequired
	}
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values
// masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, Pair: %s→%s, DBPath: %s, TempDir: %s, AllowedHosts: %v, TargetLUFS: %.1f, MaxRetries: %d, S3Bucket: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.SourceLanguage,
		c.TargetLanguage,
		c.DBPath,
		c.TempDir,
		c.AllowedAudioHosts,
		c.TargetLUFS,
		c.MaxRetries,
		c.S3Bucket,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
