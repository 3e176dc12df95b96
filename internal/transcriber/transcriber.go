// Package transcriber converts a vocal stem into text plus a detected
// language using a pretrained speech-recognition model driven through the
// whisper CLI.
package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Default decoding parameters. Temperature 0 with a fixed beam width makes
// decoding deterministic: repeated runs on identical input yield identical
// transcripts, which the pipeline's idempotent retries depend on.
const (
	DefaultBinary   = "whisper"
	DefaultModel    = "large-v3"
	DefaultBeamSize = 5
)

// EmptyTranscriptError reports audio with no recognizable speech. It is not
// retryable: retrying the same silent audio cannot succeed, and translating
// an empty transcript downstream would be meaningless.
type EmptyTranscriptError struct {
	Path string
}

func (e *EmptyTranscriptError) Error() string {
	return fmt.Sprintf("no speech detected in %s", e.Path)
}

// Retryable marks empty transcripts as permanent; an operator must look.
func (e *EmptyTranscriptError) Retryable() bool { return false }

// ProcessingError reports a recognition-model failure.
type ProcessingError struct {
	Stderr string
	Err    error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("transcription failed: %v\nstderr: %s", e.Err, e.Stderr)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Retryable marks model failures as retryable up to the pipeline budget.
func (e *ProcessingError) Retryable() bool { return true }

// Result holds the recognized text and the detected language.
type Result struct {
	Text     string
	Language string
}

// CommandRunner executes an external command, capturing stderr. Injectable
// for tests.
type CommandRunner func(ctx context.Context, name string, args ...string) (stderr string, err error)

func defaultRunner(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

// Transcriber runs speech recognition over vocal stems.
type Transcriber struct {
	binary   string
	model    string
	beamSize int
	runner   CommandRunner
}

// Option configures a Transcriber.
type Option func(*Transcriber)

// WithBinary overrides the whisper binary path.
func WithBinary(path string) Option {
	return func(t *Transcriber) { t.binary = path }
}

// WithModel selects the recognition model.
func WithModel(name string) Option {
	return func(t *Transcriber) { t.model = name }
}

// WithBeamSize sets the decoding beam width.
func WithBeamSize(n int) Option {
	return func(t *Transcriber) { t.beamSize = n }
}

// WithCommandRunner sets a custom command runner (for testing).
func WithCommandRunner(runner CommandRunner) Option {
	return func(t *Transcriber) { t.runner = runner }
}

// New creates a Transcriber with the given options.
func New(opts ...Option) *Transcriber {
	t := &Transcriber{
		binary:   DefaultBinary,
		model:    DefaultModel,
		beamSize: DefaultBeamSize,
		runner:   defaultRunner,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// whisperOutput mirrors the JSON document whisper writes next to the input.
type whisperOutput struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// Transcribe recognizes speech in vocalsPath, writing intermediate output
// into outDir. Language identification is automatic; no language is forced.
func (t *Transcriber) Transcribe(ctx context.Context, vocalsPath, outDir string) (Result, error) {
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return Result{}, fmt.Errorf("transcriber: create output dir: %w", err)
	}

	args := []string{
		vocalsPath,
		"--model", t.model,
		"--temperature", "0",
		"--beam_size", fmt.Sprintf("%d", t.beamSize),
		"--output_format", "json",
		"--output_dir", outDir,
	}
	stderr, err := t.runner(ctx, t.binary, args...)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("transcriber: cancelled: %w", ctx.Err())
		}
		return Result{}, &ProcessingError{Stderr: stderr, Err: err}
	}

	base := strings.TrimSuffix(filepath.Base(vocalsPath), filepath.Ext(vocalsPath))
	outPath := filepath.Join(outDir, base+".json")
	data, err := os.ReadFile(outPath) // #nosec G304 - path derived from our own output dir
	if err != nil {
		return Result{}, &ProcessingError{Stderr: stderr, Err: fmt.Errorf("read transcript: %w", err)}
	}

	var out whisperOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return Result{}, &ProcessingError{Stderr: stderr, Err: fmt.Errorf("parse transcript: %w", err)}
	}

	text := strings.TrimSpace(out.Text)
	if text == "" {
		return Result{}, &EmptyTranscriptError{Path: vocalsPath}
	}
	return Result{Text: text, Language: strings.ToLower(out.Language)}, nil
}
