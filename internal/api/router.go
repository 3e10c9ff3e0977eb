package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/xtrntr/spotex/internal/metrics"
)

type RouterOptions struct {
	ServiceName    string
	AllowedOrigins []string
	Health         *Health
	HTTPMetrics    *metrics.HTTP
	MetricsHandler http.Handler // served at /metrics when set
	Logger         *slog.Logger
}

// NewRouter wires every HTTP route onto h.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Tracing(opts.ServiceName))
	r.Use(Logger(opts.Logger, opts.HTTPMetrics))
	r.Use(Recovery(opts.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", LivenessHandler)
	if opts.Health != nil {
		r.Get("/readyz", opts.Health.ReadinessHandler)
	}
	if opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", opts.MetricsHandler)
	}

	r.Get("/ws", h.ServeWS)

	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Post("/orders", h.PlaceOrder)
		r.Get("/orders", h.GetOrderBook)
		r.Post("/orders/{id}/cancel", h.CancelOrder)
		r.Get("/my-orders", h.GetUserOrders)
		r.Get("/trades", h.GetUserTrades)
		r.Get("/profile", h.GetProfile)
	})

	return r
}
