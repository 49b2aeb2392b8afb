// Package client provides the HTTP request executor used against the
// Dataverse Web API: default headers, TLS and proxy policy, per-request
// timeout, request pacing and service protection budget tracking.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/dataverse-harvester/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_requests_total",
		Help: "Total Web API requests by status",
	}, []string{"status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvester_request_duration_seconds",
		Help:    "Web API request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_errors_total",
		Help: "Total Web API errors by class",
	}, []string{"class"})
)

// APIPath is the Web API root below the instance URL.
const APIPath = "/api/data/"

// Executor performs a single GET against the Web API. Implementations carry
// authentication, TLS and proxy policy; callers only supply the URL and
// per-request header overrides.
type Executor interface {
	Execute(ctx context.Context, url string, header http.Header) (*Response, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, url string, header http.Header) (*Response, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, url string, header http.Header) (*Response, error) {
	return f(ctx, url, header)
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON unmarshals the response body into target.
func (r *Response) JSON(target any) error {
	return json.Unmarshal(r.Body, target)
}

// IsSuccess returns true if the status code is 2xx.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Config holds the client configuration.
type Config struct {
	// Headers are added to every request, e.g. "Cookie: CrmOwinAuth ..."
	// or "Authorization: Bearer ...".
	Headers http.Header

	// Proxy is an optional HTTP proxy URL.
	Proxy string

	// Insecure disables TLS certificate verification.
	Insecure bool

	// Timeout bounds each request, including reading the body.
	Timeout time.Duration

	// UserAgent header value.
	UserAgent string

	// RateLimit is the maximum requests per second across all workers (0 = unlimited).
	RateLimit float64
	RateBurst int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Headers:   http.Header{},
		Timeout:   30 * time.Second,
		UserAgent: "dataverse-harvester/0.1",
		RateBurst: 1,
	}
}

// Client is the HTTP Executor implementation.
type Client struct {
	httpClient *http.Client
	pacer      *ratelimit.Pacer
	budget     *ratelimit.Tracker
	config     Config
	logger     zerolog.Logger
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %s)", cfg.Timeout)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	if cfg.Insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in
	}

	logger := log.With().Str("component", "client").Logger()

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		pacer:  ratelimit.NewPacer(cfg.RateLimit, cfg.RateBurst),
		budget: ratelimit.NewTracker(logger),
		config: cfg,
		logger: logger,
	}, nil
}

// Execute performs a GET request. Any status code is returned as a Response;
// only transport failures, including timeouts, are errors.
func (c *Client) Execute(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, &TransportError{URL: rawURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &TransportError{URL: rawURL, Err: fmt.Errorf("create request: %w", err)}
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("OData-MaxVersion", "4.0")
	req.Header.Set("OData-Version", "4.0")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	mergeHeader(req.Header, c.config.Headers)
	mergeHeader(req.Header, header)

	c.logger.Debug().
		Str("url", rawURL).
		Msg("Executing request")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		requestDuration.Observe(time.Since(start).Seconds())
		requestsTotal.WithLabelValues("network_error").Inc()
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		c.logger.Debug().Err(err).Str("url", rawURL).Msg("HTTP request failed")
		return nil, &TransportError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	requestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		requestsTotal.WithLabelValues("network_error").Inc()
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &TransportError{URL: rawURL, Err: fmt.Errorf("read body: %w", err)}
	}

	if err := c.budget.UpdateFromHeaders(resp.Header); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to parse service protection headers")
	}

	requestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	if class := ClassifyStatus(resp.StatusCode); class != "" {
		errorsTotal.WithLabelValues(string(class)).Inc()
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// Budget returns the last service protection budget reported by the server.
func (c *Client) Budget() ratelimit.BudgetState {
	return c.budget.State()
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// BaseURL joins an instance URL and API version into the Web API root,
// e.g. https://org.crm.dynamics.com/api/data/v9.2.
func BaseURL(target, apiVersion string) string {
	return strings.TrimRight(target, "/") + APIPath + strings.Trim(apiVersion, "/")
}

// mergeHeader copies src into dst, replacing any values dst already holds
// for the same key.
func mergeHeader(dst, src http.Header) {
	for key, values := range src {
		dst.Del(key)
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
