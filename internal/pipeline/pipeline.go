// Package pipeline orchestrates the dubbing of one episode: fetch, separate,
// transcribe, translate, synthesize, mix, upload, all in strict sequence with
// a single failure edge. The orchestrator is the sole writer of Translation
// records and of the terminal completed/failed statuses; the claim transition
// that grants it ownership belongs to the scheduler.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/olorin-media/dubber/internal/episode"
	"github.com/olorin-media/dubber/internal/transcriber"
)

// timeNow is stubbed in tests.
var timeNow = func() time.Time { return time.Now().UTC() }

// Stage names one step of the pipeline state machine, used for logging and
// failure messages.
type Stage string

const (
	StageFetching     Stage = "fetching"
	StageSeparating   Stage = "separating"
	StageTranscribing Stage = "transcribing"
	StageTranslating  Stage = "translating"
	StageSynthesizing Stage = "synthesizing"
	StageMixing       Stage = "mixing"
	StageUploading    Stage = "uploading"
)

// Fetcher downloads the source audio to a local file owned by the caller.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// Separator splits audio into a vocal stem and a background stem.
type Separator interface {
	Separate(ctx context.Context, audioPath, outDir string) (vocals, background string, err error)
}

// Transcriber recognizes speech and detects the spoken language.
type Transcriber interface {
	Transcribe(ctx context.Context, vocalsPath, outDir string) (transcriber.Result, error)
}

// Translator converts text between languages.
type Translator interface {
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

// Synthesizer renders speech in every quality tier.
type Synthesizer interface {
	SynthesizeVariants(ctx context.Context, text, language, outDir string) (map[episode.Quality]string, error)
	VoiceID(language string) (string, error)
}

// Mixer produces the final deliverable per tier and probes durations.
type Mixer interface {
	Mix(ctx context.Context, vocalsPath, backgroundPath, outPath string, bitrateKbps int) error
	Duration(ctx context.Context, path string) (float64, error)
}

// Uploader writes a local file to durable blob storage and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
}

// Orchestrator sequences the dubbing stages for one episode.
type Orchestrator struct {
	store       episode.Store
	fetcher     Fetcher
	separator   Separator
	transcriber Transcriber
	translator  Translator
	synthesizer Synthesizer
	mixer       Mixer
	uploader    Uploader

	targetLanguage string
	workRoot       string
	retryBudget    int
	logger         *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkRoot sets the parent directory for per-episode working
// directories.
func WithWorkRoot(dir string) Option {
	return func(o *Orchestrator) { o.workRoot = dir }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithRetryBudget sets the scheduler's per-episode retry budget, used to
// exhaust the budget in one write when a failure is not retryable.
func WithRetryBudget(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.retryBudget = n
		}
	}
}

// New creates an Orchestrator for the given target language.
func New(
	store episode.Store,
	fetcher Fetcher,
	sep Separator,
	trans Transcriber,
	xlate Translator,
	synth Synthesizer,
	mix Mixer,
	up Uploader,
	targetLanguage string,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		store:          store,
		fetcher:        fetcher,
		separator:      sep,
		transcriber:    trans,
		translator:     xlate,
		synthesizer:    synth,
		mixer:          mix,
		uploader:       up,
		targetLanguage: targetLanguage,
		workRoot:       os.TempDir(),
		retryBudget:    3,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// TranslateEpisode runs the full pipeline for one claimed episode. When the
// episode already carries a complete translation for the target language and
// force is false, the call is a no-op. With force true the existing
// translation is replaced wholesale.
//
// All temp files for the episode live under one working directory that is
// removed on every exit path.
func (o *Orchestrator) TranslateEpisode(ctx context.Context, id string, force bool) error {
	ep, err := o.store.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load episode: %w", err)
	}

	if existing, ok := ep.Translations[o.targetLanguage]; ok && existing.Complete() && !force {
		o.logger.Info("translation already complete, skipping",
			slog.String("episode_id", id),
			slog.String("language", o.targetLanguage),
		)
		// The scheduler claims before dispatching, so a skipped episode is
		// sitting in processing. Settle it back to completed rather than
		// leaving it for the stale sweep.
		if ep.Status == episode.StatusProcessing {
			if err := o.store.CompleteTranslation(ctx, id, ep.SourceLanguage, existing); err != nil {
				return fmt.Errorf("settle completed status: %w", err)
			}
		}
		return nil
	}

	workDir, err := os.MkdirTemp(o.workRoot, "episode_"+id+"_*")
	if err != nil {
		return fmt.Errorf("create working directory: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			o.logger.Warn("failed to remove working directory",
				slog.String("episode_id", id),
				slog.String("dir", workDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	tr, sourceLang, err := o.run(ctx, ep, workDir)
	if err != nil {
		return err
	}

	if err := o.store.CompleteTranslation(ctx, id, sourceLang, tr); err != nil {
		return fmt.Errorf("write translation: %w", err)
	}
	o.logger.Info("episode translated",
		slog.String("episode_id", id),
		slog.String("source_language", sourceLang),
		slog.String("target_language", tr.Language),
		slog.Float64("duration_seconds", tr.DurationSeconds),
	)
	return nil
}

// run executes the stage sequence and returns the finished translation. Any
// stage error has already been recorded against the episode when run
// returns.
func (o *Orchestrator) run(ctx context.Context, ep *episode.Episode, workDir string) (episode.Translation, string, error) {
	var zero episode.Translation

	o.progress(ep.ID, StageFetching)
	sourcePath, err := o.fetcher.Fetch(ctx, ep.SourceAudioURL)
	if err != nil {
		return zero, "", o.fail(ctx, ep.ID, StageFetching, err)
	}
	defer func() { _ = os.Remove(sourcePath) }()

	o.progress(ep.ID, StageSeparating)
	vocals, background, err := o.separator.Separate(ctx, sourcePath, filepath.Join(workDir, "stems"))
	if err != nil {
		return zero, "", o.fail(ctx, ep.ID, StageSeparating, err)
	}

	o.progress(ep.ID, StageTranscribing)
	transcript, err := o.transcriber.Transcribe(ctx, vocals, filepath.Join(workDir, "transcript"))
	if err != nil {
		return zero, "", o.fail(ctx, ep.ID, StageTranscribing, err)
	}

	o.progress(ep.ID, StageTranslating)
	translated, err := o.translator.Translate(ctx, transcript.Text, transcript.Language, o.targetLanguage)
	if err != nil {
		return zero, "", o.fail(ctx, ep.ID, StageTranslating, err)
	}

	o.progress(ep.ID, StageSynthesizing)
	variants, err := o.synthesizer.SynthesizeVariants(ctx, translated, o.targetLanguage, filepath.Join(workDir, "speech"))
	if err != nil {
		return zero, "", o.fail(ctx, ep.ID, StageSynthesizing, err)
	}

	o.progress(ep.ID, StageMixing)
	mixed := make(map[episode.Quality]string, len(episode.Qualities))
	for _, q := range episode.Qualities {
		out := filepath.Join(workDir, fmt.Sprintf("final_%s.mp3", q))
		if err := o.mixer.Mix(ctx, variants[q], background, out, q.Bitrate()); err != nil {
			return zero, "", o.fail(ctx, ep.ID, StageMixing, err)
		}
		mixed[q] = out
	}
	duration, err := o.mixer.Duration(ctx, mixed[episode.QualityHigh])
	if err != nil {
		return zero, "", o.fail(ctx, ep.ID, StageMixing, err)
	}

	o.progress(ep.ID, StageUploading)
	urls := make(map[episode.Quality]string, len(mixed))
	for _, q := range episode.Qualities {
		key := fmt.Sprintf("episodes/%s/%s/%s.mp3", ep.ID, o.targetLanguage, q)
		u, err := o.uploader.Upload(ctx, mixed[q], key)
		if err != nil {
			return zero, "", o.fail(ctx, ep.ID, StageUploading, err)
		}
		urls[q] = u
	}

	var sizeBytes int64
	if st, statErr := os.Stat(mixed[episode.QualityHigh]); statErr == nil {
		sizeBytes = st.Size()
	}
	voiceID, err := o.synthesizer.VoiceID(o.targetLanguage)
	if err != nil {
		return zero, "", o.fail(ctx, ep.ID, StageSynthesizing, err)
	}

	tr := episode.Translation{
		Language:        o.targetLanguage,
		AudioVariants:   urls,
		Transcript:      transcript.Text,
		TranslatedText:  translated,
		VoiceID:         voiceID,
		DurationSeconds: duration,
		FileSizeBytes:   sizeBytes,
		CreatedAt:       timeNow(),
	}
	return tr, transcript.Language, nil
}

// fail converts a stage error into the single failure-path status update and
// logs it once with the episode id and stage name.
func (o *Orchestrator) fail(ctx context.Context, id string, stage Stage, stageErr error) error {
	retryable := Retryable(stageErr)
	o.logger.Error("pipeline stage failed",
		slog.String("episode_id", id),
		slog.String("stage", string(stage)),
		slog.Bool("retryable", retryable),
		slog.String("error", stageErr.Error()),
	)
	message := fmt.Sprintf("%s: %v", stage, stageErr)
	var err error
	if retryable {
		err = o.store.MarkFailed(ctx, id, message)
	} else {
		// Re-running cannot fix this input; burn the whole budget so the
		// scheduler never picks it up again.
		err = o.store.MarkFailedPermanent(ctx, id, message, o.retryBudget)
	}
	if err != nil {
		o.logger.Error("failed to record episode failure",
			slog.String("episode_id", id),
			slog.String("error", err.Error()),
		)
	}
	return fmt.Errorf("%s: %w", stage, stageErr)
}

func (o *Orchestrator) progress(id string, stage Stage) {
	o.logger.Info("pipeline stage",
		slog.String("episode_id", id),
		slog.String("stage", string(stage)),
	)
}
