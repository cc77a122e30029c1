package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

type RouterConfig struct {
	RequireHTTPS   bool
	SecureCookies  bool
	AllowedOrigins []string
	RequestTimeout time.Duration
	SendLimiter    *IPRateLimiter
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(otpHandler *OTPHandler, cfg RouterConfig, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	if cfg.RequireHTTPS {
		router.Use(requireHTTPS)
	}

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		router.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	router.Use(ClientIDMiddleware(cfg.SecureCookies))

	sendLimit := func(next http.Handler) http.Handler { return next }
	if cfg.SendLimiter != nil {
		sendLimit = cfg.SendLimiter.Limit
	}
	otpHandler.RegisterRoutes(router, sendLimit)

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success":false,"error":"endpoint not found"}`))
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"success":false,"error":"method not allowed"}`))
	})

	return router
}
