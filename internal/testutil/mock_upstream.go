// Package testutil provides testing utilities for the proxy.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

// MockUpstream is a configurable mock content-API server for testing.
type MockUpstream struct {
	server   *httptest.Server
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc

	// Tracking
	RequestCount      int
	PathCounts        map[string]int
	LastRequestHeader http.Header
}

// NewMockUpstream creates a new mock upstream server.
func NewMockUpstream() *MockUpstream {
	mock := &MockUpstream{
		handlers:   make(map[string]http.HandlerFunc),
		PathCounts: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.PathCounts[r.URL.Path]++
		mock.LastRequestHeader = r.Header.Clone()
		handler := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if handler != nil {
			handler(w, r)
			return
		}

		WriteJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"path": r.URL.Path}})
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// Handle registers a handler for an exact path.
func (m *MockUpstream) Handle(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// Requests returns the number of requests seen for path.
func (m *MockUpstream) Requests(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PathCounts[path]
}

// Reset clears all tracking counters.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.PathCounts = make(map[string]int)
	m.LastRequestHeader = nil
}

// WriteJSON writes body as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// JSONHandler always responds with the given status and body.
func JSONHandler(status int, body any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, status, body)
	}
}

// FailThenSucceed responds with failStatus for the first failures requests,
// then with 200 and body.
func FailThenSucceed(failStatus, failures int, body any) http.HandlerFunc {
	var mu sync.Mutex
	count := 0
	return func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		failing := count <= failures
		mu.Unlock()

		if failing {
			WriteJSON(w, failStatus, map[string]any{
				"errors": []map[string]string{{"detail": "simulated failure"}},
			})
			return
		}
		WriteJSON(w, http.StatusOK, body)
	}
}

// RateLimitThenSucceed responds 429 with the given Retry-After for the
// first failures requests, then succeeds with body.
func RateLimitThenSucceed(retryAfterSeconds, failures int, body any) http.HandlerFunc {
	var mu sync.Mutex
	count := 0
	return func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		count++
		failing := count <= failures
		mu.Unlock()

		if failing {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
			WriteJSON(w, http.StatusTooManyRequests, map[string]any{
				"errors": []map[string]string{{"detail": "rate limited"}},
			})
			return
		}
		WriteJSON(w, http.StatusOK, body)
	}
}

// PaginatedItem is one record of a simulated offset-based listing.
type PaginatedItem struct {
	ID    string `json:"id"`
	Order int    `json:"order"`
}

// PaginatedHandler simulates an offset-based listing of total items,
// honoring limit/offset query parameters and replying with a {data, total}
// envelope. overlap extends each non-first page backwards to test
// de-duplication.
func PaginatedHandler(total, overlap int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 100
		}
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		from := offset - overlap
		if from < 0 {
			from = 0
		}

		var items []PaginatedItem
		for i := from; i < from+limit && i < total; i++ {
			items = append(items, PaginatedItem{
				ID: fmt.Sprintf("item-%04d", i),
				// Reverse order so result sorting is observable.
				Order: total - i,
			})
		}

		WriteJSON(w, http.StatusOK, map[string]any{"data": items, "total": total})
	}
}
