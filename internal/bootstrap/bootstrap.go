// Package bootstrap provides dependency initialization for the dubbing
// service. Both the daemon and the worker build their object graph here so
// the wiring stays in one place.
package bootstrap

import (
	"fmt"
	"log/slog"

	"github.com/olorin-media/dubber/internal/config"
	"github.com/olorin-media/dubber/internal/episode"
	"github.com/olorin-media/dubber/internal/mixer"
	"github.com/olorin-media/dubber/internal/pipeline"
	"github.com/olorin-media/dubber/internal/separator"
	"github.com/olorin-media/dubber/internal/storage"
	"github.com/olorin-media/dubber/internal/synthesizer"
	"github.com/olorin-media/dubber/internal/transcriber"
	"github.com/olorin-media/dubber/internal/translator"
	"github.com/olorin-media/dubber/internal/transport"
)

// Dependencies holds the initialized components shared by the daemon and
// the worker.
type Dependencies struct {
	Store        episode.Store
	Orchestrator *pipeline.Orchestrator

	closeStore func() error
}

// Close releases the store connection.
func (d *Dependencies) Close() error {
	if d.closeStore != nil {
		return d.closeStore()
	}
	return nil
}

// NewDependencies creates and initializes all dependencies for the
// application.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	store, err := episode.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open episode store: %w", err)
	}

	blobs, err := initStorage(cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	fetcher, err := transport.NewFetcher(
		cfg.AllowedAudioHosts,
		cfg.MaxDownloadBytes,
		cfg.TempDir,
		transport.WithTimeout(cfg.FetchTimeout()),
	)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create audio fetcher: %w", err)
	}

	sep := separator.New(
		separator.WithBinary(cfg.DemucsBinary),
		separator.WithModel(cfg.DemucsModel),
		separator.WithOverlap(cfg.DemucsOverlap),
	)

	trans := transcriber.New(
		transcriber.WithBinary(cfg.WhisperBinary),
		transcriber.WithModel(cfg.WhisperModel),
		transcriber.WithBeamSize(cfg.WhisperBeamSize),
	)

	xlateOpts := []translator.Option{}
	if cfg.TranslateBaseURL != "" {
		xlateOpts = append(xlateOpts, translator.WithBaseURL(cfg.TranslateBaseURL))
	}
	xlate, err := translator.NewClient(cfg.TranslateAPIKey, xlateOpts...)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create translator client: %w", err)
	}

	voiceSettings := synthesizer.VoiceSettings{
		Stability:       cfg.VoiceStability,
		SimilarityBoost: cfg.VoiceSimilarity,
		Style:           cfg.VoiceStyle,
		SpeakerBoost:    cfg.VoiceSpeakerBoost,
	}
	synthOpts := []synthesizer.Option{
		synthesizer.WithVoiceSettings(voiceSettings),
		synthesizer.WithFFmpeg(cfg.FFmpegBinary),
	}
	if cfg.SynthesisBaseURL != "" {
		synthOpts = append(synthOpts, synthesizer.WithBaseURL(cfg.SynthesisBaseURL))
	}
	synth, err := synthesizer.NewClient(cfg.SynthesisAPIKey, cfg.Voices(), synthOpts...)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create synthesizer client: %w", err)
	}

	mix := mixer.New(
		mixer.WithFFmpeg(cfg.FFmpegBinary),
		mixer.WithFFprobe(cfg.FFprobeBinary),
		mixer.WithTargetLoudness(cfg.TargetLUFS),
		mixer.WithTruePeak(cfg.TruePeakDB),
		mixer.WithDucking(cfg.DuckingDB),
	)

	orch := pipeline.New(
		store,
		fetcher,
		sep,
		trans,
		xlate,
		synth,
		mix,
		blobs,
		cfg.TargetLanguage,
		pipeline.WithWorkRoot(cfg.TempDir),
		pipeline.WithRetryBudget(cfg.MaxRetries),
		pipeline.WithLogger(logger),
	)

	return &Dependencies{
		Store:        store,
		Orchestrator: orch,
		closeStore:   store.Close,
	}, nil
}

// initStorage creates the appropriate blob storage backend based on
// configuration.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	root := cfg.BlobDir
	if root == "" {
		root = cfg.TempDir
	}
	localStore, err := storage.NewLocalStorage(root, cfg.BlobBaseURL)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("root", root),
	)
	return localStore, nil
}
