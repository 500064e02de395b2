package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/erdnusse/Anime-project/pkg/api"
	"github.com/erdnusse/Anime-project/pkg/cache"
	"github.com/rs/zerolog"
)

// resourceTypeFor maps an upstream path to its cache namespace. Unmapped
// paths fall into the default namespace.
func resourceTypeFor(path string) string {
	switch {
	case path == "/manga":
		return cache.TypeSearchResults
	case strings.HasSuffix(path, "/feed"):
		return cache.TypeChapterList
	case strings.HasPrefix(path, "/at-home/server/"):
		return cache.TypePaginatedPages
	case strings.HasPrefix(path, "/cover"):
		return cache.TypeCoverImage
	case strings.HasPrefix(path, "/manga/"):
		return cache.TypeResourceDetails
	default:
		return cache.TypeDefault
	}
}

// apiHandler proxies /api/* to the upstream through the resilient pipeline.
func apiHandler(client *api.Client, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api")
		if path == "" {
			path = "/"
		}

		params := r.URL.Query()
		forceFresh := params.Get("fresh") == "1"
		params.Del("fresh")

		payload, err := client.Fetch(r.Context(), path, params, resourceTypeFor(path), forceFresh)
		if err != nil {
			writeError(w, logger, path, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(payload); err != nil {
			logger.Warn().Err(err).Str("endpoint", path).Msg("Write response failed")
		}
	}
}

// imageHandler proxies /image?url=... through the admission and retry
// pipeline, echoing long-lived HTTP caching headers to the client instead
// of using the typed JSON cache.
func imageHandler(client *api.Client, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rawURL := r.URL.Query().Get("url")
		if rawURL == "" {
			http.Error(w, "missing url parameter", http.StatusBadRequest)
			return
		}

		data, contentType, err := client.FetchImage(r.Context(), rawURL)
		if err != nil {
			writeError(w, logger, rawURL, err)
			return
		}

		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.Header().Set("Cache-Control", api.ImageCacheControl)
		if _, err := w.Write(data); err != nil {
			logger.Warn().Err(err).Msg("Write image response failed")
		}
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// writeError maps a classified upstream failure to an ingress status. The
// error kind crosses this boundary so clients can differentiate rate limits,
// missing resources, and retryable upstream trouble.
func writeError(w http.ResponseWriter, logger zerolog.Logger, endpoint string, err error) {
	status := http.StatusBadGateway
	detail := err.Error()

	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case api.KindRateLimited:
			status = http.StatusTooManyRequests
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(apiErr.RetryAfter.Seconds())))
		case api.KindNotFound:
			status = http.StatusNotFound
		case api.KindClient:
			status = apiErr.Status
		}
	}

	logger.Warn().
		Str("endpoint", endpoint).
		Int("status", status).
		Msg("Proxy request failed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"errors":[{"detail":%q}]}`, detail)
}
