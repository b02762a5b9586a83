package router

import (
	"net/http"

	"skne-engine/internal/handler"
	"skne-engine/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// Config holds the configuration for creating a router.
type Config struct {
	Handler          *handler.Handler
	TradeHandler     *handler.TradeHandler
	VirtualHandler   *handler.VirtualHandler
	InventoryHandler *handler.InventoryHandler
	AdminHandler     *handler.AdminHandler
	IsWhitelisted    func(ip string) bool
}

// New creates and configures the HTTP router.
func New(cfg Config) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware stack (applies to ALL routes)
	r.Use(middleware.Recovery)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Group(func(r chi.Router) {
		if cfg.IsWhitelisted != nil {
			r.Use(middleware.Whitelist(cfg.IsWhitelisted))
		}

		r.Route("/api/v1", func(r chi.Router) {
			if cfg.Handler != nil {
				r.Get("/health", cfg.Handler.Health)
			}

			if cfg.TradeHandler != nil {
				r.Route("/trade", func(r chi.Router) {
					r.Post("/deposit", cfg.TradeHandler.Deposit)
					r.Post("/withdraw", cfg.TradeHandler.Withdraw)
					r.Get("/history/{steamId}", cfg.TradeHandler.History)
					r.Route("/offers/{id}", func(r chi.Router) {
						r.Get("/", cfg.TradeHandler.Get)
						r.Post("/cancel", cfg.TradeHandler.Cancel)
						r.Post("/confirm", cfg.TradeHandler.Confirm)
						r.Post("/verify", cfg.TradeHandler.Verify)
						r.Post("/refund", cfg.TradeHandler.Refund)
					})
				})
			}

			if cfg.VirtualHandler != nil {
				r.Route("/virtual", func(r chi.Router) {
					r.Post("/withdraw", cfg.VirtualHandler.Create)
					r.Get("/offers/{id}", cfg.VirtualHandler.Get)
					r.Post("/offers/{id}/retry", cfg.VirtualHandler.Retry)
					r.Get("/groups/{id}", cfg.VirtualHandler.Group)
				})
			}

			if cfg.InventoryHandler != nil {
				r.Route("/inventory", func(r chi.Router) {
					r.Post("/session", cfg.InventoryHandler.PutSession)
					r.Get("/stock/{bot}", cfg.InventoryHandler.Stock)
				})
			}

			if cfg.AdminHandler != nil {
				r.Route("/admin", func(r chi.Router) {
					r.Post("/flags", cfg.AdminHandler.SetFlag)
					r.Post("/storage/{bot}", cfg.AdminHandler.MoveStorage)
				})
			}
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success":false,"error":{"code":"NOT_FOUND","message":"route not found"}}`))
	})

	return r
}
