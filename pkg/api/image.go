package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ImageCacheControl is echoed to the ultimate client on image responses.
// Images bypass the typed JSON cache and rely on standard HTTP caching.
const ImageCacheControl = "public, max-age=604800, stale-while-revalidate=86400"

// maxImageSize bounds how much image data one fetch may buffer.
const maxImageSize = 32 * 1024 * 1024

// FetchImage fetches raw image bytes through the same admission and retry
// pipeline as JSON requests. It returns the bytes and the upstream
// Content-Type.
func (c *Client) FetchImage(ctx context.Context, rawURL string) ([]byte, string, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("parse image URL: %w", err)
	}
	if target.Host == "" {
		return nil, "", fmt.Errorf("image URL %q has no host", rawURL)
	}
	host := target.Host

	token, err := c.cfg.Limiter.Acquire(ctx, host)
	if err != nil {
		return nil, "", err
	}
	defer token.Release()

	var (
		data        []byte
		contentType string
	)
	err = Execute(ctx, c.cfg.Retry, host, c.cfg.Limiter, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
		if err != nil {
			return &APIError{Kind: KindUnknown, Message: "build request", Err: err}
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)

		httpClient := c.std
		if c.cfg.Limiter.HasProtocolFailed(host) {
			httpClient = c.h1
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			apiErr := Classify(0, nil, err)
			errorsTotal.WithLabelValues(string(apiErr.Kind)).Inc()
			return apiErr
		}
		defer resp.Body.Close()

		if apiErr := Classify(resp.StatusCode, resp.Header, nil); apiErr != nil {
			apiErr.Message = resp.Status
			errorsTotal.WithLabelValues(string(apiErr.Kind)).Inc()
			return apiErr
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize))
		if err != nil {
			apiErr := Classify(0, nil, err)
			errorsTotal.WithLabelValues(string(apiErr.Kind)).Inc()
			return apiErr
		}

		data = body
		contentType = resp.Header.Get("Content-Type")
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return data, contentType, nil
}
