package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"spacegate/internal/handlers"
)

func Router(h *handlers.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public pages
	r.Get("/", h.Home)
	r.Get("/privacy", h.Privacy)
	r.Get("/healthz", h.Health)

	// Per-token profile and the identity-verification flow
	r.Get("/profile/{token}", h.Profile)
	r.Get("/profile/{token}/link", h.LinkStart)
	r.Get("/profile/{token}/invite", h.Invite)
	r.Get("/authorize", h.Authorize)

	// QR image of the profile link
	r.Get("/qr/{token}.png", h.QR)

	return r
}
