package http

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/kjstillabower/trendy-lights/internal/circuitbreaker"
	"github.com/kjstillabower/trendy-lights/internal/lifecycle"
	"github.com/kjstillabower/trendy-lights/internal/models"
	"github.com/kjstillabower/trendy-lights/internal/observability"
	"github.com/kjstillabower/trendy-lights/internal/traffic"
)

//go:embed templates/index.html
var templateFS embed.FS

// DetailsProvider returns the JSON details payload for a polygon.
type DetailsProvider interface {
	GetPolygonTimeSeries(ctx context.Context, polygonID string) ([]byte, error)
}

// MapProvider returns credentials for the trend map layer.
type MapProvider interface {
	TrendMap(ctx context.Context) (models.MapCredentials, error)
}

// PolygonLister lists the polygon IDs to draw on the page.
type PolygonLister interface {
	IDs() []string
}

// HealthConfig holds thresholds and probes for the health handler.
type HealthConfig struct {
	Window               time.Duration
	DegradedErrorPct     int
	OverloadThresholdPct int
	RateLimitRPS         int // 0 when the rate limiter is disabled
	// BreakerState, when set, reports the Earth Engine circuit breaker state.
	BreakerState func() circuitbreaker.State
	// CachePing, when set, is called to check cache reachability.
	CachePing func(ctx context.Context) error
	Version   string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	details      DetailsProvider
	maps         MapProvider
	polygons     PolygonLister
	healthConfig *HealthConfig
	logger       *zap.Logger
	page         *template.Template

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. healthConfig may be nil.
func NewHandler(
	details DetailsProvider,
	maps MapProvider,
	polygons PolygonLister,
	healthConfig *HealthConfig,
	logger *zap.Logger,
) (*Handler, error) {
	page, err := template.ParseFS(templateFS, "templates/index.html")
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		details:      details,
		maps:         maps,
		polygons:     polygons,
		healthConfig: healthConfig,
		logger:       logger,
		page:         page,
	}, nil
}

type homePage struct {
	EEMapID              string
	EEToken              string
	TileURL              string
	SerializedPolygonIDs string
}

// GetHome handles GET /. It renders the page with fresh map credentials and
// the JSON-encoded list of polygon IDs.
func (h *Handler) GetHome(w http.ResponseWriter, r *http.Request) {
	logger := observability.LoggerFromContext(r.Context())

	creds, err := h.maps.TrendMap(r.Context())
	if err != nil {
		logger.Error("trend map unavailable", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "MAP_UNAVAILABLE", "Unable to create the trend map")
		return
	}

	ids := h.polygons.IDs()
	if ids == nil {
		ids = []string{}
	}
	serialized, err := json.Marshal(ids)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "Unable to render page")
		return
	}

	var buf bytes.Buffer
	if err := h.page.Execute(&buf, homePage{
		EEMapID:              creds.MapID,
		EEToken:              creds.Token,
		TileURL:              creds.TileURL,
		SerializedPolygonIDs: string(serialized),
	}); err != nil {
		logger.Error("render home page", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "Unable to render page")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// GetDetails handles GET /details?polygon_id=<id>. Unknown IDs and failed
// computations are reported inside the 200 payload.
func (h *Handler) GetDetails(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("polygon_id")
	logger := observability.LoggerFromContext(r.Context())

	payload, err := h.details.GetPolygonTimeSeries(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			logger.Warn("details timed out", zap.String("polygon_id", id), zap.Error(err))
			writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "Timed out computing polygon details")
		case errors.Is(err, context.Canceled):
			logger.Debug("details request canceled", zap.String("polygon_id", id))
		default:
			traffic.RecordError()
			logger.Error("details failed", zap.String("polygon_id", id), zap.Error(err))
			writeError(w, r, http.StatusInternalServerError, "INTERNAL", "Unable to load polygon details")
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	version := "dev"
	if h.healthConfig != nil && h.healthConfig.Version != "" {
		version = h.healthConfig.Version
	}
	resp := map[string]any{
		"status":    result.status,
		"service":   "trendy-lights",
		"version":   version,
		"checks":    result.checks,
		"polygons":  len(h.polygons.IDs()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > overloaded > degraded > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	checks := map[string]string{"earthEngine": "healthy"}
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", checks}
	}
	cfg := h.healthConfig
	if cfg == nil {
		return healthResult{"healthy", http.StatusOK, "", checks}
	}

	cacheOK := true
	if cfg.CachePing != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := cfg.CachePing(pingCtx)
		cancel()
		if err != nil {
			cacheOK = false
			checks["cache"] = "unhealthy"
		} else {
			checks["cache"] = "healthy"
		}
	}

	if cfg.RateLimitRPS > 0 && cfg.Window > 0 && cfg.OverloadThresholdPct > 0 {
		threshold := float64(cfg.RateLimitRPS) * cfg.Window.Seconds() * float64(cfg.OverloadThresholdPct) / 100
		if float64(traffic.RequestCount(cfg.Window)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold", checks}
		}
	}

	if cfg.BreakerState != nil && cfg.BreakerState() == circuitbreaker.StateOpen {
		checks["earthEngine"] = "unhealthy"
		return healthResult{"degraded", http.StatusServiceUnavailable, "circuit_open", checks}
	}
	if cfg.Window > 0 && cfg.DegradedErrorPct > 0 {
		errs, total := traffic.ErrorRate(cfg.Window)
		if total > 0 && float64(errs)*100/float64(total) >= float64(cfg.DegradedErrorPct) {
			checks["earthEngine"] = "unhealthy"
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach", checks}
		}
	}
	if !cacheOK {
		// Requests still succeed by recomputing, so stay in rotation.
		return healthResult{"degraded", http.StatusOK, "cache_unreachable", checks}
	}
	return healthResult{"healthy", http.StatusOK, "", checks}
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error envelope with the request's correlation ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationIDFromContext(r.Context()),
		},
	})
}
