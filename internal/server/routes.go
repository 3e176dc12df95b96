package server

import (
	"log/slog"
	"net/http"
	"time"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
	// RatePerHour is the per-caller request budget.
	RatePerHour int
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
		RatePerHour:    60,
	}
}

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing.
func NewRouter(h *Handlers, logger *slog.Logger, cfg Config) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RatePerHour <= 0 {
		cfg.RatePerHour = DefaultConfig().RatePerHour
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /episodes", h.CreateEpisode)
	mux.HandleFunc("GET /episodes/{id}", h.GetEpisode)
	mux.HandleFunc("GET /episodes/{id}/audio", h.GetAudio)
	mux.HandleFunc("POST /admin/episodes/{id}/retranslate", h.Retranslate)

	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		RateLimitMiddleware(NewRateLimiter(cfg.RatePerHour, time.Hour), logger),
		CORSMiddleware(cfg.AllowedOrigins),
	)

	return chain(mux)
}
