// Package client fetches property records from the listing API with a
// shared rate limit and bounded retries.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/estate-sync/pkg/ratelimit"
	"github.com/Sternrassler/estate-sync/pkg/workitem"
)

var (
	apiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "estate_api_requests_total",
		Help: "API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	apiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "estate_api_request_duration_seconds",
		Help:    "API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	apiErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "estate_api_errors_total",
		Help: "API errors by class",
	}, []string{"class"})
)

const (
	endpointSearch  = "search"
	endpointAddress = "address"

	searchPath  = "/search/addresses"
	addressPath = "/addresses/"

	maxBodyBytes = 32 << 20
)

// Client is the listing API client.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	tracker    *ratelimit.Tracker
	config     Config
	baseURL    *url.URL
	logger     zerolog.Logger
	sleep      func(context.Context, time.Duration) error
}

// Config holds the client configuration.
type Config struct {
	BaseURL   string
	UserAgent string

	// PerPage is the page size requested from the search endpoint.
	PerPage int
	// PageCeiling is the maximum number of rows the API serves per query.
	PageCeiling int
	// Timeout bounds each HTTP attempt.
	Timeout time.Duration

	Retry RetryConfig

	// Limiter is shared by every caller in the process. Required.
	Limiter *ratelimit.Limiter
	// Tracker records upstream cooldowns. Optional.
	Tracker *ratelimit.Tracker

	// HTTPClient overrides the default transport.
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// DefaultConfig returns a configuration for the public API.
func DefaultConfig(limiter *ratelimit.Limiter) Config {
	return Config{
		BaseURL:     "https://api.boligsiden.dk",
		UserAgent:   "estate-sync/0.1",
		PerPage:     50,
		PageCeiling: 10000,
		Timeout:     30 * time.Second,
		Retry:       DefaultRetryConfig(),
		Limiter:     limiter,
		Logger:      zerolog.Nop(),
	}
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.PerPage <= 0 {
		return nil, fmt.Errorf("per_page must be > 0 (got %d)", cfg.PerPage)
	}
	if cfg.PageCeiling < cfg.PerPage {
		return nil, fmt.Errorf("page_ceiling must be >= per_page (got %d)", cfg.PageCeiling)
	}
	if cfg.Retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("retry max_attempts must be >= 1 (got %d)", cfg.Retry.MaxAttempts)
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		httpClient: httpClient,
		limiter:    cfg.Limiter,
		tracker:    cfg.Tracker,
		config:     cfg,
		baseURL:    base,
		logger:     cfg.Logger.With().Str("component", "api-client").Logger(),
		sleep:      sleepContext,
	}, nil
}

// Fetch returns one page of q. An empty token starts at the first page;
// Page.NextToken is passed back unchanged to continue. A page reporting more
// rows than PageCeiling fails with ErrAboveCeiling instead of being read
// partially.
func (c *Client) Fetch(ctx context.Context, q workitem.Query, token string) (Page, error) {
	cur, err := decodeToken(token)
	if err != nil {
		return Page{}, &FetchError{Class: ErrorClassClient, Endpoint: endpointSearch, Err: err}
	}
	if (cur.Page-1)*c.config.PerPage >= c.config.PageCeiling {
		return Page{}, nil
	}

	params := searchParams(q, c.config.PerPage, cur.Page)
	status, body, err := c.get(ctx, endpointSearch, searchPath, params)
	if err != nil {
		// The API answers 400 for pages past the end of the result set.
		if status == http.StatusBadRequest && cur.Page > 1 {
			c.logger.Debug().Str("query", q.Canonical()).Int("page", cur.Page).Msg("Past last page")
			return Page{}, nil
		}
		return Page{}, err
	}

	total, records, err := decodeSearch(body)
	if err != nil {
		apiErrorsTotal.WithLabelValues(string(ErrorClassParse)).Inc()
		return Page{}, &FetchError{Class: ErrorClassParse, StatusCode: status, Endpoint: endpointSearch, Attempts: 1, Err: err}
	}
	if total > c.config.PageCeiling {
		apiErrorsTotal.WithLabelValues(string(ErrorClassClient)).Inc()
		return Page{}, &FetchError{
			Class:      ErrorClassClient,
			StatusCode: status,
			Endpoint:   endpointSearch,
			Attempts:   1,
			Err:        fmt.Errorf("%w: %s has %d rows, ceiling %d", ErrAboveCeiling, q.Canonical(), total, c.config.PageCeiling),
		}
	}

	return Page{
		Records:   records,
		TotalHits: total,
		NextToken: next(cur, c.config.PerPage, c.config.PageCeiling, total, len(records)),
	}, nil
}

// Count returns the upstream total for q using a one-row probe.
func (c *Client) Count(ctx context.Context, q workitem.Query) (int, error) {
	status, body, err := c.get(ctx, endpointSearch, searchPath, searchParams(q, 1, 1))
	if err != nil {
		return 0, err
	}
	total, _, err := decodeSearch(body)
	if err != nil {
		apiErrorsTotal.WithLabelValues(string(ErrorClassParse)).Inc()
		return 0, &FetchError{Class: ErrorClassParse, StatusCode: status, Endpoint: endpointSearch, Attempts: 1, Err: err}
	}
	return total, nil
}

// FetchAddress returns the detail document for one address id.
func (c *Client) FetchAddress(ctx context.Context, id string) (json.RawMessage, error) {
	if id == "" {
		return nil, fmt.Errorf("address id is required")
	}

	status, body, err := c.get(ctx, endpointAddress, addressPath+url.PathEscape(id), nil)
	if err != nil {
		if status == http.StatusNotFound {
			return nil, fmt.Errorf("address %s: %w", id, ErrNotFound)
		}
		return nil, err
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		apiErrorsTotal.WithLabelValues(string(ErrorClassParse)).Inc()
		return nil, &FetchError{
			Class:      ErrorClassParse,
			StatusCode: status,
			Endpoint:   endpointAddress,
			Attempts:   1,
			Err:        fmt.Errorf("%w: %v", ErrMalformedResponse, err),
		}
	}
	return json.RawMessage(body), nil
}

func searchParams(q workitem.Query, perPage, page int) url.Values {
	v := q.Values()
	v.Set("per_page", strconv.Itoa(perPage))
	v.Set("page", strconv.Itoa(page))
	v.Set("sortBy", "address")
	v.Set("sortAscending", "true")
	return v
}

// get performs a GET with rate limiting and retries. On a non-transient
// HTTP failure the status code is returned alongside the error.
func (c *Client) get(ctx context.Context, endpoint, path string, params url.Values) (int, []byte, error) {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = params.Encode()
	target := u.String()

	var (
		status int
		body   []byte
	)
	err := c.retryWithBackoff(ctx, endpoint, func(ctx context.Context) error {
		var err error
		status, body, err = c.attempt(ctx, endpoint, target)
		return err
	})
	if err != nil {
		return status, nil, err
	}
	return status, body, nil
}

// attempt sends exactly one request.
func (c *Client) attempt(ctx context.Context, endpoint, target string) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		apiErrorsTotal.WithLabelValues(string(ErrorClassRateLimit)).Inc()
		return 0, nil, &attemptError{FetchError: &FetchError{Class: ErrorClassRateLimit, Endpoint: endpoint, Err: err}}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	apiRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		apiErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		apiRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
		return 0, nil, &attemptError{FetchError: &FetchError{Class: ErrorClassNetwork, Endpoint: endpoint, Err: err}}
	}
	defer resp.Body.Close()

	apiRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if c.tracker != nil {
		if err := c.tracker.UpdateFromHeaders(ctx, resp.Header); err != nil {
			c.logger.Debug().Err(err).Msg("Failed to update rate limit state from headers")
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		apiErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return resp.StatusCode, nil, &attemptError{FetchError: &FetchError{
			Class:      ErrorClassNetwork,
			StatusCode: resp.StatusCode,
			Endpoint:   endpoint,
			Err:        fmt.Errorf("read body: %w", err),
		}}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, body, nil
	}

	class := classifyStatus(resp.StatusCode)
	apiErrorsTotal.WithLabelValues(string(class)).Inc()
	c.logger.Debug().
		Str("endpoint", endpoint).
		Int("status_code", resp.StatusCode).
		Str("error_class", string(class)).
		Msg("API request error")

	ae := &attemptError{FetchError: &FetchError{
		Class:      class,
		StatusCode: resp.StatusCode,
		Endpoint:   endpoint,
		Err:        errors.New(resp.Status),
	}}
	if v := resp.Header.Get(ratelimit.HeaderRetryAfter); v != "" {
		if d, err := ratelimit.ParseRetryAfter(v, time.Now()); err == nil {
			ae.retryAfter = d
		}
	}
	return resp.StatusCode, nil, ae
}

// classifyStatus categorizes a non-2xx status code.
func classifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case code >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}
