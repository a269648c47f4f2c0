package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"relaychat/auth"
	"relaychat/config"
	"relaychat/db"
	"relaychat/server"
)

// NewRouter creates and configures the HTTP router, including the
// websocket endpoint.
func NewRouter(logger zerolog.Logger, cfg *config.Config, store db.Store, srv *server.Server, issuer *auth.Issuer) *chi.Mux {
	r := chi.NewRouter()

	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	h := NewHandler(store, srv.Router(), issuer, logger.With().Str("component", "api").Logger())

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)
	r.Get("/ws", srv.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(chimw.AllowContentType("application/json"))

		r.Post("/auth/signup", h.Signup)
		r.Post("/auth/signin", h.Signin)
		r.Post("/auth/signout", h.Signout)

		r.Group(func(r chi.Router) {
			r.Use(RequireAuth(issuer))

			r.Get("/auth/verify", h.Verify)
			r.Get("/users", h.Users)
			r.Post("/messages/send", h.SendMessage)
			r.Get("/messages/{userId}", h.History)
			r.Put("/messages/read/{userId}", h.MarkRead)
			r.Get("/conversations", h.Conversations)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})

	return r
}
