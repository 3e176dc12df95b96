// Package synthesizer converts translated text into speech through a hosted
// voice model and produces the delivery bitrate tiers. Only the high tier is
// synthesized; lower tiers are transcoded from it so prosody is identical
// across tiers and the model is billed once per episode.
package synthesizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/olorin-media/dubber/internal/episode"
)

// Static errors for synthesizer operations.
var (
	// ErrAPIKeyRequired is returned when no API key is configured.
	ErrAPIKeyRequired = errors.New("synthesizer: API key is required")
	// ErrVoiceIDRequired is returned when no voice is mapped for a language.
	ErrVoiceIDRequired = errors.New("synthesizer: no voice configured for language")
	// ErrEmptyText is returned when there is nothing to synthesize.
	ErrEmptyText = errors.New("synthesizer: text is empty")
)

// SynthesisError reports a voice-provider failure including its error code.
// It is retryable up to the pipeline's retry budget.
type SynthesisError struct {
	Code   string
	Detail string
	Err    error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("speech synthesis failed (%s): %s", e.Code, e.Detail)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Retryable marks provider failures as retryable.
func (e *SynthesisError) Retryable() bool { return true }

// VoiceSettings are the prosody parameters sent with every synthesis
// request. All values are config-driven; bounds are enforced at
// construction, not at first use.
type VoiceSettings struct {
	// Stability controls consistency between generations.
	Stability float64 `json:"stability" validate:"gte=0,lte=1"`
	// SimilarityBoost controls adherence to the reference voice.
	SimilarityBoost float64 `json:"similarity_boost" validate:"gte=0,lte=1"`
	// Style controls expressiveness.
	Style float64 `json:"style" validate:"gte=0,lte=1"`
	// SpeakerBoost enables the provider's speaker-boost processing.
	SpeakerBoost bool `json:"use_speaker_boost"`
}

// DefaultVoiceSettings returns the provider-recommended defaults.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		Stability:       0.5,
		SimilarityBoost: 0.75,
		Style:           0.0,
		SpeakerBoost:    true,
	}
}

// Validate checks that every coefficient lies within its documented bounds.
func (v VoiceSettings) Validate() error {
	if err := validator.New().Struct(v); err != nil {
		return fmt.Errorf("synthesizer: invalid voice settings: %w", err)
	}
	return nil
}

// CommandRunner executes the transcode tool, capturing stderr. Injectable
// for tests.
type CommandRunner func(ctx context.Context, name string, args ...string) (stderr string, err error)

func defaultRunner(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

// Client synthesizes speech and emits the three delivery tiers.
type Client struct {
	apiKey     string
	baseURL    string
	voices     map[string]string
	settings   VoiceSettings
	httpClient *http.Client
	ffmpegPath string
	runner     CommandRunner
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithBaseURL sets a custom base URL for the voice API.
func WithBaseURL(u string) Option {
	return func(cl *Client) { cl.baseURL = u }
}

// WithVoiceSettings overrides the default prosody parameters.
func WithVoiceSettings(vs VoiceSettings) Option {
	return func(cl *Client) { cl.settings = vs }
}

// WithFFmpeg overrides the ffmpeg binary used for tier transcoding.
func WithFFmpeg(path string) Option {
	return func(cl *Client) { cl.ffmpegPath = path }
}

// WithCommandRunner sets a custom transcode runner (for testing).
func WithCommandRunner(runner CommandRunner) Option {
	return func(cl *Client) { cl.runner = runner }
}

// NewClient creates a synthesis client. voices maps language codes to the
// provider voice identifiers, one per supported language.
func NewClient(apiKey string, voices map[string]string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyRequired
	}
	c := &Client{
		apiKey:     apiKey,
		baseURL:    "https://api.elevenlabs.io/v1",
		voices:     voices,
		settings:   DefaultVoiceSettings(),
		httpClient: &http.Client{Timeout: 120 * time.Second},
		ffmpegPath: "ffmpeg",
		runner:     defaultRunner,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.settings.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// VoiceID returns the voice configured for language.
func (c *Client) VoiceID(language string) (string, error) {
	id := c.voices[language]
	if id == "" {
		return "", fmt.Errorf("%w: %q", ErrVoiceIDRequired, language)
	}
	return id, nil
}

// synthesisRequest is the provider request body.
type synthesisRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings VoiceSettings `json:"voice_settings"`
}

// providerError mirrors the provider's error envelope.
type providerError struct {
	Detail struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"detail"`
}

// SynthesizeVariants renders text in the given language and returns local
// file paths keyed by quality tier. The high tier comes straight from the
// voice model; medium and low are transcoded from it.
func (c *Client) SynthesizeVariants(ctx context.Context, text, language, outDir string) (map[episode.Quality]string, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	voiceID, err := c.VoiceID(language)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return nil, fmt.Errorf("synthesizer: create output dir: %w", err)
	}

	highPath := filepath.Join(outDir, "speech_high.mp3")
	if err := c.synthesize(ctx, voiceID, text, highPath); err != nil {
		return nil, err
	}

	variants := map[episode.Quality]string{episode.QualityHigh: highPath}
	for _, q := range []episode.Quality{episode.QualityMedium, episode.QualityLow} {
		out := filepath.Join(outDir, fmt.Sprintf("speech_%s.mp3", q))
		if err := c.transcode(ctx, highPath, out, q.Bitrate()); err != nil {
			return nil, err
		}
		variants[q] = out
	}
	return variants, nil
}

// synthesize requests the high-quality render from the voice model.
func (c *Client) synthesize(ctx context.Context, voiceID, text, outPath string) error {
	body, err := json.Marshal(synthesisRequest{
		Text:          text,
		ModelID:       "eleven_multilingual_v2",
		VoiceSettings: c.settings,
	})
	if err != nil {
		return fmt.Errorf("synthesizer: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s?output_format=mp3_44100_128", c.baseURL, voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("synthesizer: create request: %w", err)
	}
	req.Header.Set("xi-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &SynthesisError{Code: "network", Detail: "provider unreachable", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var pe providerError
		code := fmt.Sprintf("http_%d", resp.StatusCode)
		detail := string(raw)
		if json.Unmarshal(raw, &pe) == nil && pe.Detail.Status != "" {
			code = pe.Detail.Status
			detail = pe.Detail.Message
		}
		return &SynthesisError{Code: code, Detail: detail}
	}

	f, err := os.Create(outPath) // #nosec G304 - path within our working dir
	if err != nil {
		return fmt.Errorf("synthesizer: create output file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(outPath)
		return &SynthesisError{Code: "stream", Detail: "write audio stream", Err: err}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(outPath)
		return fmt.Errorf("synthesizer: close output file: %w", err)
	}
	return nil
}

// transcode re-encodes src at the given bitrate, preserving the waveform.
func (c *Client) transcode(ctx context.Context, src, dst string, bitrateKbps int) error {
	args := []string{
		"-y",
		"-i", src,
		"-c:a", "libmp3lame",
		"-b:a", fmt.Sprintf("%dk", bitrateKbps),
		dst,
	}
	stderr, err := c.runner(ctx, c.ffmpegPath, args...)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("synthesizer: cancelled: %w", ctx.Err())
		}
		return &SynthesisError{Code: "transcode", Detail: stderr, Err: err}
	}
	return nil
}
