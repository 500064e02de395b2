// Package api provides the resilient request pipeline against the upstream
// content API: cached, retried, admission-controlled fetches with typed
// error classification.
package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/erdnusse/Anime-project/pkg/cache"
	"github.com/erdnusse/Anime-project/pkg/connlimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for upstream requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_upstream_requests_total",
		Help: "Total upstream requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proxy_upstream_request_duration_seconds",
		Help:    "Upstream request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_upstream_errors_total",
		Help: "Total upstream errors by kind",
	}, []string{"kind"})
)

// TokenProvider supplies the bearer token for authenticated upstream calls.
// An empty token is not an error; the request proceeds unauthenticated.
type TokenProvider interface {
	Token(ctx context.Context) string
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the upstream API root, e.g. "https://api.mangadex.org".
	BaseURL string

	// UserAgent identifies this proxy to the upstream.
	UserAgent string

	// Cache is the tiered response cache. Nil disables response caching.
	Cache *cache.Tiered

	// Limiter is the per-host connection admission controller.
	Limiter *connlimit.Limiter

	// Tokens is the credential provider. Nil means always unauthenticated.
	Tokens TokenProvider

	// Retry is the backoff policy applied to every upstream call.
	Retry RetryPolicy

	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration
}

// DefaultConfig returns a safe default configuration for the given upstream.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		UserAgent: "anime-proxy/1.0",
		Retry:     DefaultRetryPolicy(),
		Timeout:   30 * time.Second,
	}
}

// Client is the request orchestrator. It composes the tiered cache, the
// admission controller, and the backoff executor around each upstream call.
type Client struct {
	cfg    Config
	std    *http.Client
	h1     *http.Client
	logger zerolog.Logger
}

// New creates a new upstream client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if cfg.Limiter == nil {
		cfg.Limiter = connlimit.New(connlimit.DefaultMaxPerHost, log.With().Str("component", "connlimit").Logger())
	}
	if cfg.Retry.Factor == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	// h1 forces HTTP/1.1 for hosts whose HTTP/2 streams failed. Leaving
	// TLSNextProto non-nil but empty disables protocol upgrade.
	h1Transport := &http.Transport{
		ForceAttemptHTTP2: false,
		TLSNextProto:      make(map[string]func(string, *tls.Conn) http.RoundTripper),
	}

	return &Client{
		cfg:    cfg,
		std:    &http.Client{Timeout: cfg.Timeout},
		h1:     &http.Client{Timeout: cfg.Timeout, Transport: h1Transport},
		logger: log.With().Str("component", "api-client").Logger(),
	}, nil
}

// Fetch performs a cached, retried GET of an upstream resource. resourceType
// selects the cache namespace; empty disables caching for this call.
// forceFresh bypasses the cache read but still populates it on success.
func (c *Client) Fetch(ctx context.Context, path string, params url.Values, resourceType string, forceFresh bool) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, path, params, nil, resourceType, forceFresh)
}

// Post performs an uncached POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, params url.Values, body any) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, path, params, body, "", false)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body any, resourceType string, forceFresh bool) (json.RawMessage, error) {
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}()

	key := requestKey(method, path, params)
	cacheable := resourceType != "" && method == http.MethodGet && c.cfg.Cache != nil

	if cacheable && !forceFresh {
		if value, ok := c.cfg.Cache.Get(ctx, key, resourceType); ok {
			c.logger.Debug().
				Str("endpoint", path).
				Str("resource_type", resourceType).
				Msg("Cache hit")
			return value, nil
		}
	}

	target, err := url.Parse(c.cfg.BaseURL + path)
	if err != nil {
		return nil, fmt.Errorf("build request URL: %w", err)
	}
	if len(params) > 0 {
		target.RawQuery = params.Encode()
	}
	host := target.Host

	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	token, err := c.cfg.Limiter.Acquire(ctx, host)
	if err != nil {
		return nil, err
	}
	// Guaranteed on every exit path so the host's waiter queue is never
	// starved by a failed call.
	defer token.Release()

	var payload json.RawMessage
	err = Execute(ctx, c.cfg.Retry, host, c.cfg.Limiter, func() error {
		var apiErr *APIError
		payload, apiErr = c.attempt(ctx, method, target, host, path, bodyBytes)
		if apiErr != nil {
			return apiErr
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if cacheable {
		c.cfg.Cache.Set(ctx, key, payload, resourceType)
	}
	return payload, nil
}

// attempt performs a single HTTP call and classifies its outcome.
func (c *Client) attempt(ctx context.Context, method string, target *url.URL, host, endpoint string, body []byte) (json.RawMessage, *APIError) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reqBody)
	if err != nil {
		return nil, &APIError{Kind: KindUnknown, Message: "build request", Err: err}
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Tokens != nil {
		if tok := c.cfg.Tokens.Token(ctx); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	httpClient := c.std
	if c.cfg.Limiter.HasProtocolFailed(host) {
		httpClient = c.h1
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		apiErr := Classify(0, nil, err)
		errorsTotal.WithLabelValues(string(apiErr.Kind)).Inc()
		requestsTotal.WithLabelValues(endpoint, "transport_error").Inc()
		c.logger.Error().Err(err).Str("endpoint", endpoint).Msg("Upstream request failed")
		return nil, apiErr
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)

	if apiErr := Classify(resp.StatusCode, resp.Header, nil); apiErr != nil {
		if detail := errorDetail(data); detail != "" {
			apiErr.Message = detail
		} else {
			apiErr.Message = resp.Status
		}
		errorsTotal.WithLabelValues(string(apiErr.Kind)).Inc()
		requestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", resp.StatusCode)).Inc()
		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("kind", string(apiErr.Kind)).
			Msg("Upstream request error")
		return nil, apiErr
	}

	if readErr != nil {
		apiErr := Classify(0, nil, readErr)
		errorsTotal.WithLabelValues(string(apiErr.Kind)).Inc()
		return nil, apiErr
	}

	requestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", resp.StatusCode)).Inc()
	return data, nil
}

// requestKey builds the deterministic cache key for a request.
// url.Values.Encode sorts parameters by key, so equivalent requests always
// map to the same entry.
func requestKey(method, path string, params url.Values) string {
	if len(params) == 0 {
		return method + " " + path
	}
	return method + " " + path + "?" + params.Encode()
}
