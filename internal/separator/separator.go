// Package separator isolates the vocal stem of an episode from its
// background (music, ambience, effects) using a pretrained source-separation
// model driven through the demucs CLI.
package separator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Default model parameters. The overlap fraction keeps analysis windows
// overlapping so chunk boundaries do not produce audible seams.
const (
	DefaultBinary  = "demucs"
	DefaultModel   = "htdemucs"
	DefaultOverlap = 0.25
)

// ProcessingError reports a separation failure. No partial output from the
// model is usable, so the caller aborts the whole item.
type ProcessingError struct {
	Stage  string
	Stderr string
	Err    error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s failed: %v\nstderr: %s", e.Stage, e.Err, e.Stderr)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Retryable marks model failures as retryable up to the pipeline budget.
func (e *ProcessingError) Retryable() bool { return true }

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

// Separator splits audio into a vocal stem and a combined background stem.
type Separator struct {
	binary  string
	model   string
	overlap float64
	runner  CommandRunner

	initOnce sync.Once
	initErr  error
}

// Option configures a Separator.
type Option func(*Separator)

// WithBinary overrides the demucs binary path.
func WithBinary(path string) Option {
	return func(s *Separator) { s.binary = path }
}

// WithModel selects the pretrained separation model.
func WithModel(name string) Option {
	return func(s *Separator) { s.model = name }
}

// WithOverlap sets the analysis window overlap fraction.
func WithOverlap(frac float64) Option {
	return func(s *Separator) { s.overlap = frac }
}

// WithCommandRunner sets a custom command runner (for testing).
func WithCommandRunner(runner CommandRunner) Option {
	return func(s *Separator) { s.runner = runner }
}

// New creates a Separator with the given options.
func New(opts ...Option) *Separator {
	s := &Separator{
		binary:  DefaultBinary,
		model:   DefaultModel,
		overlap: DefaultOverlap,
		runner:  defaultRunner,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ensureModel verifies the separation toolchain once per process. The model
// weights are loaded (and cached) by the first real invocation; repeating
// this per item would dominate the pipeline cost.
func (s *Separator) ensureModel() error {
	s.initOnce.Do(func() {
		if _, err := exec.LookPath(s.binary); err != nil {
			s.initErr = fmt.Errorf("separation model unavailable: %w", err)
		}
	})
	return s.initErr
}

// Separate splits audioPath into exactly two stems under outDir and returns
// (vocalsPath, backgroundPath). The background stem is the sum of every
// non-vocal source.
func (s *Separator) Separate(ctx context.Context, audioPath, outDir string) (string, string, error) {
	if err := s.ensureModel(); err != nil {
		return "", "", &ProcessingError{Stage: "separation", Err: err}
	}
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return "", "", fmt.Errorf("separator: create output dir: %w", err)
	}

	args := []string{
		"-n", s.model,
		"--two-stems", "vocals",
		"--overlap", fmt.Sprintf("%.2f", s.overlap),
		"-o", outDir,
		audioPath,
	}
	stderr, err := s.runner(ctx, s.binary, args...)
	if err != nil {
		if ctx.Err() != nil {
			return "", "", fmt.Errorf("separator: cancelled: %w", ctx.Err())
		}
		return "", "", &ProcessingError{Stage: "separation", Stderr: stderr, Err: err}
	}

	track := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	stemDir := filepath.Join(outDir, s.model, track)
	vocals := filepath.Join(stemDir, "vocals.wav")
	background := filepath.Join(stemDir, "no_vocals.wav")
	for _, p := range []string{vocals, background} {
		if _, statErr := os.Stat(p); statErr != nil {
			return "", "", &ProcessingError{
				Stage:  "separation",
				Stderr: stderr,
				Err:    fmt.Errorf("expected stem missing: %w", statErr),
			}
		}
	}
	return vocals, background, nil
}
