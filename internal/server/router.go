package server

import (
	"net/http"

	"github.com/docagent-io/docagent/internal/api"
	"github.com/docagent-io/docagent/internal/api/handlers"
	"github.com/docagent-io/docagent/internal/api/middleware"
	"github.com/go-chi/chi/v5"
)

type RouterConfig struct {
	ChatHandler *handlers.ChatHandler
	AskHandler  *handlers.AskHandler
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Slightly above the upload cap to leave room for multipart framing.
	const maxBodyBytes int64 = 11 * 1024 * 1024

	r.Use(middleware.RequestID)
	r.Use(middleware.SentryMiddleware)
	r.Use(middleware.AccessLog)
	r.Use(middleware.MaxBodyBytes(maxBodyBytes))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		api.Success(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/chats", func(r chi.Router) {
		r.Post("/", cfg.ChatHandler.Create)
		r.Get("/", cfg.ChatHandler.List)
		r.Get("/{id}", cfg.ChatHandler.Get)
		r.Delete("/{id}", cfg.ChatHandler.Delete)
		r.Get("/{id}/messages", cfg.ChatHandler.Messages)
		r.Get("/{id}/job", cfg.ChatHandler.JobStatus)
		r.Post("/{id}/ask", cfg.AskHandler.Ask)
	})

	return r
}
