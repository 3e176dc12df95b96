package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olorin-media/dubber/internal/episode"
	"github.com/olorin-media/dubber/internal/transcriber"
	"github.com/olorin-media/dubber/internal/transport"
)

type stubFetcher struct {
	calls int
	err   error
}

func (s *stubFetcher) Fetch(_ context.Context, _ string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	f, err := os.CreateTemp("", "source_*.mp3")
	if err != nil {
		return "", err
	}
	_, _ = f.WriteString("source-audio")
	_ = f.Close()
	return f.Name(), nil
}

type stubSeparator struct {
	err error
}

func (s *stubSeparator) Separate(_ context.Context, _, outDir string) (string, string, error) {
	if s.err != nil {
		return "", "", s.err
	}
	vocals := filepath.Join(outDir, "vocals.wav")
	background := filepath.Join(outDir, "no_vocals.wav")
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return "", "", err
	}
	for _, p := range []string{vocals, background} {
		if err := os.WriteFile(p, []byte("wav"), 0o600); err != nil {
			return "", "", err
		}
	}
	return vocals, background, nil
}

type stubTranscriber struct {
	result transcriber.Result
	err    error
}

func (s *stubTranscriber) Transcribe(_ context.Context, _, _ string) (transcriber.Result, error) {
	if s.err != nil {
		return transcriber.Result{}, s.err
	}
	return s.result, nil
}

type stubTranslator struct {
	gotSource string
	gotTarget string
	err       error
}

func (s *stubTranslator) Translate(_ context.Context, text, sourceLang, targetLang string) (string, error) {
	s.gotSource, s.gotTarget = sourceLang, targetLang
	if s.err != nil {
		return "", s.err
	}
	return "translated: " + text, nil
}

type stubSynthesizer struct {
	err error
}

func (s *stubSynthesizer) SynthesizeVariants(_ context.Context, _, _, outDir string) (map[episode.Quality]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		return nil, err
	}
	out := make(map[episode.Quality]string, 3)
	for _, q := range episode.Qualities {
		p := filepath.Join(outDir, fmt.Sprintf("speech_%s.mp3", q))
		if err := os.WriteFile(p, []byte("speech"), 0o600); err != nil {
			return nil, err
		}
		out[q] = p
	}
	return out, nil
}

func (s *stubSynthesizer) VoiceID(language string) (string, error) {
	return "voice-" + language, nil
}

type stubMixer struct {
	mixes    [][2]string // (outPath, bitrate)
	duration float64
	err      error
}

func (s *stubMixer) Mix(_ context.Context, _, _, outPath string, bitrateKbps int) error {
	if s.err != nil {
		return s.err
	}
	s.mixes = append(s.mixes, [2]string{outPath, fmt.Sprintf("%d", bitrateKbps)})
	// Payload size tracks the requested bitrate, like a real encode.
	return os.WriteFile(outPath, bytes.Repeat([]byte{0x2a}, bitrateKbps*8), 0o600)
}

func (s *stubMixer) Duration(_ context.Context, _ string) (float64, error) {
	if s.duration == 0 {
		return 1800, nil
	}
	return s.duration, nil
}

type stubUploader struct {
	keys  []string
	sizes map[string]int64
	err   error
}

func (s *stubUploader) Upload(_ context.Context, localPath, key string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if s.sizes == nil {
		s.sizes = make(map[string]int64)
	}
	if st, err := os.Stat(localPath); err == nil {
		s.sizes[key] = st.Size()
	}
	s.keys = append(s.keys, key)
	return "https://cdn.example.com/" + key, nil
}

type deps struct {
	store       *episode.MemoryStore
	fetcher     *stubFetcher
	separator   *stubSeparator
	transcriber *stubTranscriber
	translator  *stubTranslator
	synthesizer *stubSynthesizer
	mixer       *stubMixer
	uploader    *stubUploader
}

func newDeps() *deps {
	return &deps{
		store:       episode.NewMemoryStore(),
		fetcher:     &stubFetcher{},
		separator:   &stubSeparator{},
		transcriber: &stubTranscriber{result: transcriber.Result{Text: "שלום", Language: "he"}},
		translator:  &stubTranslator{},
		synthesizer: &stubSynthesizer{},
		mixer:       &stubMixer{},
		uploader:    &stubUploader{},
	}
}

func (d *deps) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	return New(
		d.store, d.fetcher, d.separator, d.transcriber, d.translator,
		d.synthesizer, d.mixer, d.uploader,
		"en",
		WithWorkRoot(t.TempDir()),
	)
}

func (d *deps) claimedEpisode(t *testing.T) *episode.Episode {
	t.Helper()
	ctx := context.Background()
	ep := episode.New("Episode 1", "https://feeds.example.com/ep1.mp3", time.Time{})
	require.NoError(t, d.store.Create(ctx, ep))
	require.NoError(t, d.store.Claim(ctx, ep.ID, 3))
	return ep
}

func TestOrchestrator_TranslateEpisode(t *testing.T) {
	ctx := context.Background()
	d := newDeps()
	o := d.orchestrator(t)
	ep := d.claimedEpisode(t)

	require.NoError(t, o.TranslateEpisode(ctx, ep.ID, false))

	found, err := d.store.FindByID(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, episode.StatusCompleted, found.Status)
	assert.Equal(t, "he", found.SourceLanguage)

	tr, ok := found.Translations["en"]
	require.True(t, ok)
	assert.True(t, tr.Complete())
	assert.Equal(t, "שלום", tr.Transcript)
	assert.Equal(t, "translated: שלום", tr.TranslatedText)
	assert.Equal(t, "voice-en", tr.VoiceID)
	assert.InDelta(t, 1800, tr.DurationSeconds, 0.001)
	assert.False(t, tr.CreatedAt.IsZero())

	// Translation direction follows the detected language pair.
	assert.Equal(t, "he", d.translator.gotSource)
	assert.Equal(t, "en", d.translator.gotTarget)

	// One mix per tier at the tier's bitrate, one upload per tier.
	require.Len(t, d.mixer.mixes, 3)
	bitrates := map[string]bool{}
	for _, m := range d.mixer.mixes {
		bitrates[m[1]] = true
	}
	assert.Equal(t, map[string]bool{"64": true, "96": true, "128": true}, bitrates)

	require.Len(t, d.uploader.keys, 3)
	for _, key := range d.uploader.keys {
		assert.True(t, strings.HasPrefix(key, "episodes/"+ep.ID+"/en/"), key)
	}
}

func TestOrchestrator_TranslateEpisode_CleansWorkDir(t *testing.T) {
	ctx := context.Background()
	d := newDeps()
	workRoot := t.TempDir()
	o := New(
		d.store, d.fetcher, d.separator, d.transcriber, d.translator,
		d.synthesizer, d.mixer, d.uploader,
		"en",
		WithWorkRoot(workRoot),
	)
	ep := d.claimedEpisode(t)

	require.NoError(t, o.TranslateEpisode(ctx, ep.ID, false))

	entries, err := os.ReadDir(workRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "working directory must be removed on success")
}

func TestOrchestrator_TranslateEpisode_CleansWorkDirOnFailure(t *testing.T) {
	ctx := context.Background()
	d := newDeps()
	d.mixer.err = errors.New("ffmpeg exploded")
	workRoot := t.TempDir()
	o := New(
		d.store, d.fetcher, d.separator, d.transcriber, d.translator,
		d.synthesizer, d.mixer, d.uploader,
		"en",
		WithWorkRoot(workRoot),
	)
	ep := d.claimedEpisode(t)

	require.Error(t, o.TranslateEpisode(ctx, ep.ID, false))

	entries, err := os.ReadDir(workRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "working directory must be removed on failure")
}

func TestOrchestrator_TranslateEpisode_Idempotent(t *testing.T) {
	ctx := context.Background()
	d := newDeps()
	o := d.orchestrator(t)
	ep := d.claimedEpisode(t)

	require.NoError(t, o.TranslateEpisode(ctx, ep.ID, false))
	assert.Equal(t, 1, d.fetcher.calls)

	// A second run without force is a no-op.
	require.NoError(t, o.TranslateEpisode(ctx, ep.ID, false))
	assert.Equal(t, 1, d.fetcher.calls)
}

func TestOrchestrator_TranslateEpisode_VariantSizesDecrease(t *testing.T) {
	ctx := context.Background()
	d := newDeps()
	o := d.orchestrator(t)
	ep := d.claimedEpisode(t)

	require.NoError(t, o.TranslateEpisode(ctx, ep.ID, false))

	size := func(q episode.Quality) int64 {
		key := fmt.Sprintf("episodes/%s/en/%s.mp3", ep.ID, q)
		sz, ok := d.uploader.sizes[key]
		require.True(t, ok, key)
		return sz
	}
	high, medium, low := size(episode.QualityHigh), size(episode.QualityMedium), size(episode.QualityLow)
	assert.Greater(t, high, medium)
	assert.Greater(t, medium, low)

	found, err := d.store.FindByID(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, high, found.Translations["en"].FileSizeBytes)
}

func TestOrchestrator_TranslateEpisode_SkipSettlesClaim(t *testing.T) {
	ctx := context.Background()
	d := newDeps()
	o := d.orchestrator(t)
	ep := d.claimedEpisode(t)

	require.NoError(t, o.TranslateEpisode(ctx, ep.ID, false))

	// An already-translated episode gets re-enqueued and claimed, but the
	// worker arrives without force. The run is a no-op, and the episode
	// must not stay parked in processing for the stale sweep to fail.
	require.NoError(t, d.store.RequestRetranslation(ctx, ep.ID))
	require.NoError(t, d.store.Claim(ctx, ep.ID, 3))
	require.NoError(t, o.TranslateEpisode(ctx, ep.ID, false))
	assert.Equal(t, 1, d.fetcher.calls)

	found, err := d.store.FindByID(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, episode.StatusCompleted, found.Status)
	assert.True(t, found.Translations["en"].Complete())
}

func TestOrchestrator_TranslateEpisode_ForceReplaces(t *testing.T) {
	ctx := context.Background()
	d := newDeps()
	o := d.orchestrator(t)
	ep := d.claimedEpisode(t)

	require.NoError(t, o.TranslateEpisode(ctx, ep.ID, false))

	first, err := d.store.FindByID(ctx, ep.ID)
	require.NoError(t, err)
	firstCreated := first.Translations["en"].CreatedAt

	require.NoError(t, d.store.RequestRetranslation(ctx, ep.ID))
	require.NoError(t, d.store.Claim(ctx, ep.ID, 3))
	require.NoError(t, o.TranslateEpisode(ctx, ep.ID, true))

	assert.Equal(t, 2, d.fetcher.calls)
	second, err := d.store.FindByID(ctx, ep.ID)
	require.NoError(t, err)
	require.Len(t, second.Translations, 1)
	assert.False(t, second.Translations["en"].CreatedAt.Before(firstCreated))
}

func TestOrchestrator_TranslateEpisode_StageFailureMarksFailed(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*deps)
		stage       string
		wantRetries int
	}{
		// Non-retryable failures burn the whole budget in one write.
		{"fetch rejected", func(d *deps) {
			d.fetcher.err = &transport.ValidationError{Rule: "host-allowlist", Detail: "nope"}
		}, "fetching", 3},
		{"silent audio", func(d *deps) {
			d.transcriber.err = &transcriber.EmptyTranscriptError{Path: "vocals.wav"}
		}, "transcribing", 3},
		{"separate", func(d *deps) { d.separator.err = errors.New("model crashed") }, "separating", 1},
		{"transcribe", func(d *deps) { d.transcriber.err = errors.New("whisper crashed") }, "transcribing", 1},
		{"translate", func(d *deps) { d.translator.err = errors.New("provider down") }, "translating", 1},
		{"synthesize", func(d *deps) { d.synthesizer.err = errors.New("voice down") }, "synthesizing", 1},
		{"mix", func(d *deps) { d.mixer.err = errors.New("ffmpeg exploded") }, "mixing", 1},
		{"upload", func(d *deps) { d.uploader.err = errors.New("bucket gone") }, "uploading", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			d := newDeps()
			tt.mutate(d)
			o := d.orchestrator(t)
			ep := d.claimedEpisode(t)

			err := o.TranslateEpisode(ctx, ep.ID, false)
			require.Error(t, err)

			found, findErr := d.store.FindByID(ctx, ep.ID)
			require.NoError(t, findErr)
			assert.Equal(t, episode.StatusFailed, found.Status)
			assert.Equal(t, tt.wantRetries, found.RetryCount)
			assert.True(t, strings.HasPrefix(found.Error, tt.stage+":"), found.Error)
			assert.Empty(t, found.Translations)
		})
	}
}

func TestOrchestrator_TranslateEpisode_NonRetryableLeavesQueue(t *testing.T) {
	ctx := context.Background()
	d := newDeps()
	d.fetcher.err = &transport.ValidationError{Rule: "private-address", Detail: "10.0.0.1"}
	o := d.orchestrator(t)
	ep := d.claimedEpisode(t)

	require.Error(t, o.TranslateEpisode(ctx, ep.ID, false))

	// A blocked URL must never be fetched again by the poll loop.
	eligible, err := d.store.Eligible(ctx, 3, 10)
	require.NoError(t, err)
	assert.Empty(t, eligible)
	assert.Equal(t, 1, d.fetcher.calls)
}

func TestOrchestrator_TranslateEpisode_NotFound(t *testing.T) {
	d := newDeps()
	o := d.orchestrator(t)

	err := o.TranslateEpisode(context.Background(), "missing", false)
	assert.ErrorIs(t, err, episode.ErrNotFound)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"validation error", &transport.ValidationError{Rule: "host"}, false},
		{"empty transcript", &transcriber.EmptyTranscriptError{Path: "v.wav"}, false},
		{"wrapped validation error", fmt.Errorf("fetch: %w", &transport.ValidationError{Rule: "size"}), false},
		{"unknown error", errors.New("disk full"), true},
		{"nil-ish wrapped unknown", fmt.Errorf("stage: %w", errors.New("boom")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}
