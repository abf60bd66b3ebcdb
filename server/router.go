package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the relying party endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/health", a.handleHealth)

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", a.handle(a.handleLogin))
		r.Get("/callback", a.handle(a.handleCallback))
		r.Get("/logout", a.handle(a.handleLogout))
		r.Post("/logout", a.handle(a.handleLogoutJSON))
		r.Post("/refresh", a.handle(a.handleRefresh))
	})

	r.Group(func(r chi.Router) {
		r.Use(a.Auth.Middleware())
		r.Get(a.Config.Auth.LandingPath, a.handle(a.handleMe))
	})

	return r
}
