package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/olorin-media/dubber/internal/episode"
)

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	store     episode.Store
	validator *validator.Validate
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(store episode.Store, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:     store,
		validator: validator.New(),
		logger:    logger,
	}
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateEpisode handles POST /episodes requests. The episode is registered
// in pending state; the scheduler picks it up on its next poll.
func (h *Handlers) CreateEpisode(w http.ResponseWriter, r *http.Request) {
	var req CreateEpisodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	ep := episode.New(req.Title, req.SourceAudioURL, req.PublishedAt)
	if err := h.store.Create(r.Context(), ep); err != nil {
		h.logger.Error("failed to create episode",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to create episode", "EPISODE_CREATION_FAILED")
		return
	}

	h.logger.Info("episode registered",
		slog.String("episode_id", ep.ID),
		slog.String("title", ep.Title),
	)

	writeJSON(w, http.StatusAccepted, CreateEpisodeResponse{
		ID:     ep.ID,
		Status: string(ep.Status),
	})
}

// GetEpisode handles GET /episodes/{id} requests.
func (h *Handlers) GetEpisode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "episode ID is required", "MISSING_EPISODE_ID")
		return
	}

	ep, err := h.store.FindByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, episode.ErrNotFound) {
			writeError(w, http.StatusNotFound, "episode not found", "EPISODE_NOT_FOUND")
			return
		}
		h.logger.Error("failed to get episode",
			slog.String("episode_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get episode", "EPISODE_FETCH_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, episodeResponse(ep))
}

// GetAudio handles GET /episodes/{id}/audio requests. It resolves the
// playable URL for the requested language and quality. When the requested
// translation is missing or the episode failed, it falls back to the
// original source audio so playback never breaks.
func (h *Handlers) GetAudio(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "episode ID is required", "MISSING_EPISODE_ID")
		return
	}

	quality := episode.Quality(r.URL.Query().Get("quality"))
	if quality == "" {
		quality = episode.QualityHigh
	}
	if !quality.IsValid() {
		writeError(w, http.StatusBadRequest, "quality must be low, medium, or high", "INVALID_QUALITY")
		return
	}

	ep, err := h.store.FindByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, episode.ErrNotFound) {
			writeError(w, http.StatusNotFound, "episode not found", "EPISODE_NOT_FOUND")
			return
		}
		h.logger.Error("failed to get episode",
			slog.String("episode_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get episode", "EPISODE_FETCH_FAILED")
		return
	}

	lang := r.URL.Query().Get("lang")
	if lang == "" || lang == ep.SourceLanguage {
		writeJSON(w, http.StatusOK, AudioResponse{
			URL:      ep.SourceAudioURL,
			Language: ep.SourceLanguage,
			Fallback: lang == "",
		})
		return
	}

	if tr, ok := ep.Translations[lang]; ok && tr.Complete() {
		writeJSON(w, http.StatusOK, AudioResponse{
			URL:      tr.AudioVariants[quality],
			Language: lang,
			Quality:  string(quality),
		})
		return
	}

	// Translation not available yet (pending, in flight, or failed):
	// serve the original so the episode stays playable.
	writeJSON(w, http.StatusOK, AudioResponse{
		URL:      ep.SourceAudioURL,
		Language: ep.SourceLanguage,
		Fallback: true,
	})
}

// Retranslate handles POST /admin/episodes/{id}/retranslate requests.
// It re-enqueues the episode with a fresh retry budget; the finished
// translation is replaced wholesale once the new run completes.
func (h *Handlers) Retranslate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "episode ID is required", "MISSING_EPISODE_ID")
		return
	}

	if err := h.store.RequestRetranslation(r.Context(), id); err != nil {
		if errors.Is(err, episode.ErrNotFound) {
			writeError(w, http.StatusNotFound, "episode not found", "EPISODE_NOT_FOUND")
			return
		}
		h.logger.Error("failed to request retranslation",
			slog.String("episode_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to request retranslation", "RETRANSLATE_FAILED")
		return
	}

	h.logger.Info("retranslation requested",
		slog.String("episode_id", id),
	)

	writeJSON(w, http.StatusAccepted, RetranslateResponse{
		ID:     id,
		Status: string(episode.StatusPending),
	})
}

// episodeResponse maps the domain aggregate onto the HTTP DTO.
func episodeResponse(ep *episode.Episode) EpisodeResponse {
	resp := EpisodeResponse{
		ID:                 ep.ID,
		Title:              ep.Title,
		Status:             string(ep.Status),
		SourceLanguage:     ep.SourceLanguage,
		AvailableLanguages: ep.AvailableLanguages(),
		RetryCount:         ep.RetryCount,
		Error:              ep.Error,
		PublishedAt:        ep.PublishedAt,
		CreatedAt:          ep.CreatedAt,
	}
	for _, tr := range ep.Translations {
		variants := make(map[string]string, len(tr.AudioVariants))
		for q, u := range tr.AudioVariants {
			variants[string(q)] = u
		}
		resp.Translations = append(resp.Translations, TranslationResponse{
			Language:        tr.Language,
			AudioVariants:   variants,
			DurationSeconds: tr.DurationSeconds,
			FileSizeBytes:   tr.FileSizeBytes,
			CreatedAt:       tr.CreatedAt,
		})
	}
	return resp
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
