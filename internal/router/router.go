package router

import (
	"net/http"

	"tecnocard-edge-agent/internal/handler"
	"tecnocard-edge-agent/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// Config holds the configuration for creating a router.
type Config struct {
	Handler          *handler.Handler
	CardHandler      *handler.CardHandler
	ScannerHandler   *handler.ScannerHandler
	DashboardHandler *handler.DashboardHandler
	AdminHandler     *handler.AdminHandler
	AuthHandler      *handler.AuthHandler
	StaffMiddleware  func(http.Handler) http.Handler
}

// New creates and configures the HTTP router. The customer surface is open;
// everything a staff member touches sits behind the staff middleware.
func New(cfg Config) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware stack (applies to ALL routes)
	r.Use(middleware.Recovery)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Token", "X-Scanner-Key"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// PUBLIC routes (no auth required)
	if cfg.Handler != nil {
		r.Get("/api/status", cfg.Handler.Status)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Health check endpoints
		if cfg.Handler != nil {
			r.Get("/health", cfg.Handler.Health)
			r.Get("/ready", cfg.Handler.Ready)
		}

		// Customer surface - open by design, the device is the customer's
		if cfg.CardHandler != nil {
			r.Post("/register", cfg.CardHandler.Register)
			r.Get("/card", cfg.CardHandler.GetCard)
			r.Post("/card/refresh", cfg.CardHandler.Refresh)
			r.Post("/logout", cfg.CardHandler.Logout)
			r.Get("/local/{token}", cfg.CardHandler.LocalAccess)
		}

		// Staff unlock endpoint - the key itself is the credential
		if cfg.AuthHandler != nil {
			r.Post("/auth/token", cfg.AuthHandler.GenerateToken)
		}

		// STAFF routes (use Group to apply staff middleware only to these)
		r.Group(func(r chi.Router) {
			if cfg.StaffMiddleware != nil {
				r.Use(cfg.StaffMiddleware)
			}

			if cfg.AuthHandler != nil {
				r.Post("/auth/revoke", cfg.AuthHandler.RevokeToken)
				r.Post("/auth/refresh", cfg.AuthHandler.RefreshToken)
			}

			if cfg.ScannerHandler != nil {
				r.Route("/scanner", func(r chi.Router) {
					r.Post("/visits", cfg.ScannerHandler.RegisterVisit)
					r.Patch("/visits/last", cfg.ScannerHandler.ModifyLastVisit)
					r.Delete("/visits/last", cfg.ScannerHandler.DeleteLastVisit)
					r.Get("/search", cfg.ScannerHandler.SearchByRut)
					r.Get("/cards/{qr_code}", cfg.ScannerHandler.CardStatus)
					r.Get("/audit", cfg.ScannerHandler.RecentScans)
				})
			}

			if cfg.DashboardHandler != nil {
				r.Get("/dashboard", cfg.DashboardHandler.GetStats)
			}

			if cfg.AdminHandler != nil {
				r.Route("/admin", func(r chi.Router) {
					r.Get("/stats", cfg.AdminHandler.GetStats)
					r.Get("/health", cfg.AdminHandler.GetHealth)
				})
			}
		})
	})

	return r
}
