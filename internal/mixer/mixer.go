// Package mixer produces the final deliverable audio: it loudness-normalizes
// the synthetic vocal track in two ffmpeg passes, ducks the original
// background stem beneath it, mixes the two, and limits peaks so the sum
// cannot clip.
package mixer

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"strings"
)

// Normalization and mix defaults. -16 LUFS integrated with a -1.5 dBTP
// ceiling matches the common podcast delivery target; the mix limiter sits
// at -0.5 dB to absorb summation peaks.
const (
	DefaultTargetLUFS    = -16.0
	DefaultTruePeak      = -1.5
	DefaultLoudnessRange = 11.0
	DefaultDuckDB        = -12.0

	limiterCeilingDB = -0.5
)

// MixingError reports a failure in the audio toolchain. Retryable only at
// whole-item granularity: the orchestrator fails the episode and a later
// scheduler pass retries the full pipeline.
type MixingError struct {
	Op     string
	Stderr string
	Err    error
}

func (e *MixingError) Error() string {
	return fmt.Sprintf("audio mixing failed (%s): %v\nstderr: %s", e.Op, e.Err, e.Stderr)
}

func (e *MixingError) Unwrap() error { return e.Err }

// Retryable marks toolchain failures as retryable.
func (e *MixingError) Retryable() bool { return true }

// CommandRunner executes an external command, capturing both output streams.
// Injectable for tests.
type CommandRunner func(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)

func defaultRunner(ctx context.Context, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Mixer mixes normalized vocals over a ducked background stem.
type Mixer struct {
	ffmpegPath  string
	ffprobePath string
	targetLUFS  float64
	truePeak    float64
	lra         float64
	duckDB      float64
	runner      CommandRunner
}

// Option configures a Mixer.
type Option func(*Mixer)

// WithFFmpeg overrides the ffmpeg binary path.
func WithFFmpeg(path string) Option {
	return func(m *Mixer) { m.ffmpegPath = path }
}

// WithFFprobe overrides the ffprobe binary path.
func WithFFprobe(path string) Option {
	return func(m *Mixer) { m.ffprobePath = path }
}

// WithTargetLoudness sets the integrated loudness target in LUFS.
func WithTargetLoudness(lufs float64) Option {
	return func(m *Mixer) { m.targetLUFS = lufs }
}

// WithTruePeak sets the normalization true-peak ceiling in dBTP.
func WithTruePeak(dbtp float64) Option {
	return func(m *Mixer) { m.truePeak = dbtp }
}

// WithDucking sets the background attenuation in dB (negative).
func WithDucking(db float64) Option {
	return func(m *Mixer) { m.duckDB = db }
}

// WithCommandRunner sets a custom command runner (for testing).
func WithCommandRunner(runner CommandRunner) Option {
	return func(m *Mixer) { m.runner = runner }
}

// New creates a Mixer with the given options.
func New(opts ...Option) *Mixer {
	m := &Mixer{
		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
		targetLUFS:  DefaultTargetLUFS,
		truePeak:    DefaultTruePeak,
		lra:         DefaultLoudnessRange,
		duckDB:      DefaultDuckDB,
		runner:      defaultRunner,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MeasureLoudness runs the analysis pass over path and returns the measured
// loudness statistics.
func (m *Mixer) MeasureLoudness(ctx context.Context, path string) (Measurement, error) {
	filter := fmt.Sprintf("loudnorm=I=%.1f:TP=%.1f:LRA=%.1f:print_format=json",
		m.targetLUFS, m.truePeak, m.lra)
	args := []string{
		"-hide_banner",
		"-i", path,
		"-af", filter,
		"-f", "null", "-",
	}
	_, stderr, err := m.runner(ctx, m.ffmpegPath, args...)
	if err != nil {
		if ctx.Err() != nil {
			return Measurement{}, fmt.Errorf("mixer: cancelled: %w", ctx.Err())
		}
		return Measurement{}, &MixingError{Op: "measure", Stderr: stderr, Err: err}
	}
	meas, err := parseLoudnorm(stderr)
	if err != nil {
		return Measurement{}, &MixingError{Op: "measure", Stderr: stderr, Err: err}
	}
	return meas, nil
}

// mixFilter builds the second-pass filter graph: linear loudness
// normalization of the vocal track against the pass-one measurements, a
// fixed ducking attenuation on the background, a vocal-first mix whose
// duration follows the vocal track, and a peak limiter on the sum.
func (m *Mixer) mixFilter(meas Measurement) string {
	var b strings.Builder
	fmt.Fprintf(&b,
		"[0:a]loudnorm=I=%.1f:TP=%.1f:LRA=%.1f:measured_I=%.2f:measured_TP=%.2f:measured_LRA=%.2f:measured_thresh=%.2f:offset=%.2f:linear=true[voc];",
		m.targetLUFS, m.truePeak, m.lra,
		meas.InputI, meas.InputTP, meas.InputLRA, meas.InputThresh, meas.TargetOffset)
	fmt.Fprintf(&b, "[1:a]volume=%.1fdB[bg];", m.duckDB)
	fmt.Fprintf(&b, "[voc][bg]amix=inputs=2:duration=first:normalize=0,alimiter=limit=%.6f[mix]",
		dbToLinear(limiterCeilingDB))
	return b.String()
}

// Mix loudness-normalizes vocalsPath (using a fresh analysis pass), ducks
// backgroundPath under it, and writes the limited sum to outPath at the
// given bitrate. The output duration follows the vocal track: a longer
// background is truncated, a shorter one leaves the remainder of the mix
// with vocals only.
func (m *Mixer) Mix(ctx context.Context, vocalsPath, backgroundPath, outPath string, bitrateKbps int) error {
	meas, err := m.MeasureLoudness(ctx, vocalsPath)
	if err != nil {
		return err
	}

	args := []string{
		"-hide_banner",
		"-y",
		"-i", vocalsPath,
		"-i", backgroundPath,
		"-filter_complex", m.mixFilter(meas),
		"-map", "[mix]",
		"-c:a", "libmp3lame",
		"-b:a", fmt.Sprintf("%dk", bitrateKbps),
		outPath,
	}
	_, stderr, err := m.runner(ctx, m.ffmpegPath, args...)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("mixer: cancelled: %w", ctx.Err())
		}
		return &MixingError{Op: "mix", Stderr: stderr, Err: err}
	}
	return nil
}

// Duration returns the length of a media file in seconds.
func (m *Mixer) Duration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
	stdout, stderr, err := m.runner(ctx, m.ffprobePath, args...)
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("mixer: cancelled: %w", ctx.Err())
		}
		return 0, &MixingError{Op: "probe", Stderr: stderr, Err: err}
	}

	var duration float64
	if _, err := fmt.Sscanf(strings.TrimSpace(stdout), "%f", &duration); err != nil {
		return 0, &MixingError{Op: "probe", Stderr: stdout, Err: fmt.Errorf("parse duration: %w", err)}
	}
	return duration, nil
}

// dbToLinear converts a decibel value to a linear amplitude factor.
func dbToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}
