package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/trendy-lights/internal/observability"
)

// RouterConfig configures NewRouter.
type RouterConfig struct {
	StaticDir      string
	RequestTimeout time.Duration
	Limiter        *rate.Limiter // nil disables rate limiting
	Logger         *zap.Logger
}

// NewRouter wires the handler's routes and middleware.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)

	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	if cfg.StaticDir != "" {
		router.PathPrefix("/static/").Handler(
			http.StripPrefix("/static/", http.FileServer(http.Dir(cfg.StaticDir))),
		).Methods(http.MethodGet, http.MethodHead)
	}

	// Routes that call Earth Engine get the request deadline.
	eeRoutes := router.NewRoute().Subrouter()
	if cfg.RequestTimeout > 0 {
		eeRoutes.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	eeRoutes.HandleFunc("/", h.GetHome).Methods(http.MethodGet)
	eeRoutes.Handle("/details", RateLimitMiddleware(cfg.Limiter)(http.HandlerFunc(h.GetDetails))).Methods(http.MethodGet)

	return router
}
