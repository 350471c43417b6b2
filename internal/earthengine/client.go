// Package earthengine is a small client for the Earth Engine REST API: it
// builds computation graphs, evaluates them and creates map tiles.
package earthengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/kjstillabower/trendy-lights/internal/circuitbreaker"
	"github.com/kjstillabower/trendy-lights/internal/models"
	"github.com/kjstillabower/trendy-lights/internal/observability"
)

// Scope is the OAuth2 scope required by the Earth Engine API.
const Scope = "https://www.googleapis.com/auth/earthengine"

const breakerComponent = "earthengine"

// Client evaluates computation graphs against Earth Engine.
type Client interface {
	ComputeValue(ctx context.Context, expr *Expr) (json.RawMessage, error)
	CreateMap(ctx context.Context, expr *Expr, vis VisParams) (models.MapCredentials, error)
	Ping(ctx context.Context) error
}

// VisParams controls how a map image is rendered into tiles.
type VisParams struct {
	Bands   []string
	Min     float64
	Max     float64
	Palette []string
}

// Options configures a RESTClient.
type Options struct {
	BaseURL string
	Project string
	// HTTPClient must attach credentials, see NewHTTPClient.
	HTTPClient *http.Client
	Timeout    time.Duration

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	BreakerEnabled   bool
	BreakerThreshold int
	BreakerTimeout   time.Duration

	Logger *zap.Logger
}

// RESTClient talks to the Earth Engine v1 REST API.
type RESTClient struct {
	baseURL        string
	project        string
	client         *http.Client
	timeout        time.Duration
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
	logger         *zap.Logger
}

// NewRESTClient validates opts, fills defaults and builds the client. The
// circuit breaker is created only when opts.BreakerEnabled is set.
func NewRESTClient(opts Options) (*RESTClient, error) {
	if opts.Project == "" {
		return nil, errors.New("earth engine project is required")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid earth engine URL %q", opts.BaseURL)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 45 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	if opts.RetryMaxDelay < opts.RetryBaseDelay {
		opts.RetryMaxDelay = opts.RetryBaseDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c := &RESTClient{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		project:        opts.Project,
		client:         opts.HTTPClient,
		timeout:        opts.Timeout,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		logger:         opts.Logger,
	}
	if opts.BreakerEnabled {
		c.breaker = circuitbreaker.New(circuitbreaker.Config{
			Component:        breakerComponent,
			FailureThreshold: opts.BreakerThreshold,
			Timeout:          opts.BreakerTimeout,
			IsSuccessful:     isCallerFault,
			OnStateChange: func(component string, from, to circuitbreaker.State) {
				c.logger.Warn("circuit breaker state change",
					zap.String("component", component),
					zap.String("from", string(from)),
					zap.String("to", string(to)),
				)
				observability.RecordCircuitBreakerTransition(component, string(from), string(to))
			},
		})
		observability.CircuitBreakerState.WithLabelValues(breakerComponent).Set(0)
	}
	return c, nil
}

// BreakerState reports the circuit breaker state; closed when disabled.
func (c *RESTClient) BreakerState() circuitbreaker.State {
	if c.breaker == nil {
		return circuitbreaker.StateClosed
	}
	return c.breaker.State()
}

type computeRequest struct {
	Expression *Expression `json:"expression"`
}

type computeResponse struct {
	Result json.RawMessage `json:"result"`
}

// ComputeValue evaluates expr and returns the raw JSON result.
func (c *RESTClient) ComputeValue(ctx context.Context, expr *Expr) (json.RawMessage, error) {
	encoded, err := Encode(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	var resp computeResponse
	if err := c.do(ctx, "compute", "value:compute", computeRequest{Expression: encoded}, &resp); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

type visualizationOptions struct {
	Ranges        []visRange `json:"ranges,omitempty"`
	PaletteColors []string   `json:"paletteColors,omitempty"`
}

type visRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type mapRequest struct {
	Expression           *Expression           `json:"expression"`
	FileFormat           string                `json:"fileFormat"`
	BandIDs              []string              `json:"bandIds,omitempty"`
	VisualizationOptions *visualizationOptions `json:"visualizationOptions,omitempty"`
}

type mapResponse struct {
	Name string `json:"name"`
}

// CreateMap registers expr as a tiled map and returns the credentials a
// browser needs to fetch its tiles.
func (c *RESTClient) CreateMap(ctx context.Context, expr *Expr, vis VisParams) (models.MapCredentials, error) {
	encoded, err := Encode(expr)
	if err != nil {
		return models.MapCredentials{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	req := mapRequest{
		Expression: encoded,
		FileFormat: "AUTO_JPEG_PNG",
		BandIDs:    vis.Bands,
		VisualizationOptions: &visualizationOptions{
			Ranges:        []visRange{{Min: vis.Min, Max: vis.Max}},
			PaletteColors: vis.Palette,
		},
	}
	var resp mapResponse
	if err := c.do(ctx, "maps", "maps", req, &resp); err != nil {
		return models.MapCredentials{}, err
	}
	if resp.Name == "" {
		return models.MapCredentials{}, fmt.Errorf("%w: map response without name", ErrUpstreamFailure)
	}
	return models.MapCredentials{
		MapID:   resp.Name,
		TileURL: fmt.Sprintf("%s/v1/%s/tiles/{z}/{x}/{y}", c.baseURL, resp.Name),
	}, nil
}

// Ping evaluates a constant to check credentials and connectivity.
func (c *RESTClient) Ping(ctx context.Context) error {
	_, err := c.ComputeValue(ctx, Const("ping"))
	return err
}

func (c *RESTClient) do(ctx context.Context, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var (
		lastErr   error
		attempts  int
		outOfTime bool
	)
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			delay := c.calculateBackoff(attempt)
			if !c.retryFits(ctx, delay) {
				// Report the upstream failure while the caller can still use it.
				outOfTime = true
				break
			}
			observability.EarthEngineRetriesTotal.WithLabelValues(method).Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		attempts++
		err := c.guarded(ctx, func() error {
			return c.post(ctx, method, path, payload, out)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if !c.isRetryable(ctx, err) {
			break
		}
		observability.LoggerFromContext(ctx).Debug("earth engine call failed, retrying",
			zap.String("method", method),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	observability.EarthEngineErrorsTotal.WithLabelValues(string(CategorizeError(lastErr))).Inc()
	if outOfTime {
		return fmt.Errorf("no time left to retry after %d attempts: %w", attempts, lastErr)
	}
	if c.retryAttempts > 1 && c.isRetryable(ctx, lastErr) {
		return fmt.Errorf("exhausted retries: %w", lastErr)
	}
	return lastErr
}

// retryFits reports whether a retry after delay can run its full call
// timeout before ctx's deadline.
func (c *RESTClient) retryFits(ctx context.Context, delay time.Duration) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return true
	}
	return time.Until(deadline) > delay+c.timeout
}

func (c *RESTClient) guarded(ctx context.Context, fn func() error) error {
	if c.breaker == nil {
		return fn()
	}
	err := c.breaker.Call(ctx, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return ErrCircuitOpen
	}
	return err
}

func (c *RESTClient) post(ctx context.Context, method, path string, payload []byte, out any) error {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/v1/projects/%s/%s", c.baseURL, url.PathEscape(c.project), path)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if corrID := observability.CorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.EarthEngineCallsTotal.WithLabelValues(method, "error").Inc()
		observability.EarthEngineDuration.WithLabelValues(method, "error").Observe(time.Since(start).Seconds())
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("request timeout: %w", err)
		}
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.EarthEngineCallsTotal.WithLabelValues(method, status).Inc()
	observability.EarthEngineDuration.WithLabelValues(method, status).Observe(time.Since(start).Seconds())

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if err := errorFromResponse(resp.StatusCode, data); err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func errorFromResponse(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	apiErr := &APIError{StatusCode: statusCode}
	var env errorEnvelope
	if json.Unmarshal(body, &env) == nil && env.Error.Message != "" {
		apiErr.Message = env.Error.Message
		apiErr.Status = env.Error.Status
	} else {
		apiErr.Message = fmt.Sprintf("Earth Engine returned HTTP %d", statusCode)
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		apiErr.kind = ErrUnauthorized
	case statusCode == http.StatusNotFound:
		apiErr.kind = ErrNotFound
	case statusCode == http.StatusTooManyRequests:
		apiErr.kind = ErrRateLimited
	case statusCode >= 400 && statusCode < 500:
		apiErr.kind = ErrBadRequest
	default:
		apiErr.kind = ErrUpstreamFailure
	}
	return apiErr
}

func (c *RESTClient) isRetryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func (c *RESTClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == http.StatusTooManyRequests {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
