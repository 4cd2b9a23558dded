package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/LionelRostand/neorent-sub005/internal/config"
	"github.com/LionelRostand/neorent-sub005/internal/domain"
	"github.com/LionelRostand/neorent-sub005/internal/logging"
	"github.com/LionelRostand/neorent-sub005/internal/security"
	"github.com/LionelRostand/neorent-sub005/internal/session"
	"github.com/LionelRostand/neorent-sub005/internal/ws"
)

// App bundles what the HTTP layer needs from the rest of the process.
type App struct {
	Tokens *security.TokenService
	Core   session.Deps
	Hub    *ws.Hub
}

// NewRouter constructs the main HTTP router and wires routes and middleware.
func NewRouter(cfg *config.Config, app App) http.Handler {
	log := logging.OrDiscard(app.Core.Logger)
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	// Long-lived; kept out of the request timeout.
	r.Get("/ws", ws.MakeHandler(app.Hub, ws.Config{
		Tokens:           app.Tokens,
		Core:             app.Core,
		AllowedOrigins:   cfg.CORSOrigins,
		Logger:           log,
		MaxContentLength: cfg.MaxContentLength,
	}))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
			AllowCredentials: true,
			MaxAge:           300,
		}))

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		})
		if app.Core.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", app.Core.Metrics.Handler())
		}

		r.Route("/api", func(r chi.Router) {
			r.Use(AuthMiddleware(app.Tokens))

			r.Post("/messages", handleSendMessage(app.Core))

			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", handleListConversations(app.Core))
				r.Get("/{conversationID}", handleGetConversation(app.Core))
				r.Post("/{conversationID}/read", handleMarkConversationRead(app.Core))
				r.Get("/{conversationID}/messages", handleListMessages(app.Core))
			})

			r.Route("/presence", func(r chi.Router) {
				r.Get("/online", handleListOnline(app.Core))
				r.Post("/heartbeat", handleHeartbeat(app.Core))
				r.Get("/{userID}", handleUserStatus(app.Core))
			})
		})
	})

	return r
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// writeJSON is a small helper to send JSON responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps domain sentinels to status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidContent):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrSessionNotStarted), errors.Is(err, domain.ErrConflictingCreate):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
