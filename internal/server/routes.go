package server

import (
	"log/slog"
	"net/http"

	"github.com/maauso/videogen-api/internal/auth"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
	}
}

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing. Health and the
// payment webhook are public; every other route requires a bearer token.
func NewRouter(h *Handlers, authn auth.Authenticator, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()
	authed := AuthMiddleware(authn, logger)

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /webhooks/stripe", h.StripeWebhook)

	mux.Handle("POST /jobs", authed(http.HandlerFunc(h.CreateJob)))
	mux.Handle("GET /jobs", authed(http.HandlerFunc(h.ListJobs)))
	mux.Handle("GET /jobs/{id}", authed(http.HandlerFunc(h.GetJob)))
	mux.Handle("POST /jobs/{id}/retry", authed(http.HandlerFunc(h.RetryJob)))
	mux.Handle("POST /jobs/{id}/cancel", authed(http.HandlerFunc(h.CancelJob)))
	mux.Handle("DELETE /jobs/{id}", authed(http.HandlerFunc(h.DeleteJob)))
	mux.Handle("GET /credits", authed(http.HandlerFunc(h.GetCredits)))

	// Apply middleware chain
	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
	)

	return chain(mux)
}
