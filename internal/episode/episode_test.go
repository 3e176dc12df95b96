package episode

import (
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	ep := New("Episode 1", "https://feeds.example.com/ep1.mp3", time.Time{})

	if ep.ID == "" {
		t.Error("expected episode to have an ID")
	}
	if ep.Status != StatusPending {
		t.Errorf("expected status %s, got %s", StatusPending, ep.Status)
	}
	if ep.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
	if ep.PublishedAt.IsZero() {
		t.Error("expected PublishedAt to default to creation time")
	}
	if ep.Translations == nil {
		t.Error("expected Translations to be initialized")
	}
}

func TestEpisode_ValidTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{"pending to processing", StatusPending, StatusProcessing, false},
		{"processing to completed", StatusProcessing, StatusCompleted, false},
		{"processing to failed", StatusProcessing, StatusFailed, false},
		// Retry and forced re-translation paths
		{"failed to processing", StatusFailed, StatusProcessing, false},
		{"failed to pending", StatusFailed, StatusPending, false},
		{"completed to processing", StatusCompleted, StatusProcessing, false},
		{"completed to pending", StatusCompleted, StatusPending, false},
		// Invalid transitions
		{"pending to completed", StatusPending, StatusCompleted, true},
		{"pending to failed", StatusPending, StatusFailed, true},
		{"processing to pending", StatusProcessing, StatusPending, true},
		{"completed to failed", StatusCompleted, StatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := New("t", "https://feeds.example.com/t.mp3", time.Time{})
			ep.Status = tt.from

			err := ep.TransitionTo(tt.to)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %s -> %s", tt.from, tt.to)
				}
				if ep.Status != tt.from {
					t.Errorf("status changed on rejected transition: %s", ep.Status)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error for %s -> %s: %v", tt.from, tt.to, err)
			}
			if ep.Status != tt.to {
				t.Errorf("expected status %s, got %s", tt.to, ep.Status)
			}
		})
	}
}

func TestQuality_Bitrate(t *testing.T) {
	tests := []struct {
		quality Quality
		want    int
	}{
		{QualityLow, 64},
		{QualityMedium, 96},
		{QualityHigh, 128},
	}
	for _, tt := range tests {
		if got := tt.quality.Bitrate(); got != tt.want {
			t.Errorf("Bitrate(%s) = %d, want %d", tt.quality, got, tt.want)
		}
	}
}

func TestTranslation_Complete(t *testing.T) {
	tr := Translation{
		Language: "en",
		AudioVariants: map[Quality]string{
			QualityLow:    "https://cdn.example.com/low.mp3",
			QualityMedium: "https://cdn.example.com/medium.mp3",
			QualityHigh:   "https://cdn.example.com/high.mp3",
		},
	}
	if !tr.Complete() {
		t.Error("expected translation with all tiers to be complete")
	}

	delete(tr.AudioVariants, QualityMedium)
	if tr.Complete() {
		t.Error("expected translation missing a tier to be incomplete")
	}

	if (Translation{}).Complete() {
		t.Error("expected empty translation to be incomplete")
	}
}

func TestEpisode_AvailableLanguages(t *testing.T) {
	ep := New("t", "https://feeds.example.com/t.mp3", time.Time{})

	if got := ep.AvailableLanguages(); len(got) != 0 {
		t.Errorf("expected no languages before detection, got %v", got)
	}

	ep.SourceLanguage = "he"
	ep.Translations["en"] = Translation{Language: "en"}

	langs := ep.AvailableLanguages()
	if len(langs) != 2 {
		t.Fatalf("expected 2 languages, got %v", langs)
	}
	if langs[0] != "he" {
		t.Errorf("expected source language first, got %v", langs)
	}
}

func TestEpisode_Clone(t *testing.T) {
	ep := New("t", "https://feeds.example.com/t.mp3", time.Time{})
	ep.SourceLanguage = "he"
	ep.Translations["en"] = Translation{
		Language:      "en",
		AudioVariants: map[Quality]string{QualityHigh: "https://cdn.example.com/high.mp3"},
	}

	clone := ep.Clone()
	clone.Translations["en"].AudioVariants[QualityHigh] = "mutated"
	clone.Translations["fr"] = Translation{Language: "fr"}

	if ep.Translations["en"].AudioVariants[QualityHigh] != "https://cdn.example.com/high.mp3" {
		t.Error("clone shares AudioVariants map with original")
	}
	if _, ok := ep.Translations["fr"]; ok {
		t.Error("clone shares Translations map with original")
	}
}
