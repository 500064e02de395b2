// Package connlimit bounds concurrent in-flight requests per upstream host
// and remembers hosts that need an HTTP/1.1 downgrade.
package connlimit

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for connection admission.
var (
	activeSlots = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proxy_conn_active_slots",
		Help: "Currently held connection slots by host",
	}, []string{"host"})

	queuedWaiters = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proxy_conn_queued_waiters",
		Help: "Callers waiting for a connection slot by host",
	}, []string{"host"})

	protocolDowngrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proxy_conn_protocol_downgrades_total",
		Help: "Hosts flagged for an HTTP/1.1 downgrade",
	})
)

// DefaultMaxPerHost models the concurrent-stream budget browsers apply
// per origin.
const DefaultMaxPerHost = 6

// Limiter is the per-host connection admission controller. All state is
// guarded by a single mutex; acquire order within one host is strictly FIFO.
type Limiter struct {
	mu         sync.Mutex
	maxPerHost int
	active     map[string]int
	waiters    map[string][]chan struct{}

	// protoFailed grows monotonically for the process lifetime. A flagged
	// host always gets the fallback transport from then on.
	protoFailed map[string]struct{}

	logger zerolog.Logger
}

// New creates a limiter allowing maxPerHost concurrent requests per host.
// Values <= 0 fall back to DefaultMaxPerHost.
func New(maxPerHost int, logger zerolog.Logger) *Limiter {
	if maxPerHost <= 0 {
		maxPerHost = DefaultMaxPerHost
	}
	return &Limiter{
		maxPerHost:  maxPerHost,
		active:      make(map[string]int),
		waiters:     make(map[string][]chan struct{}),
		protoFailed: make(map[string]struct{}),
		logger:      logger,
	}
}

// Token represents one held connection slot. Release is idempotent.
type Token struct {
	l    *Limiter
	host string
	once sync.Once
}

// Release frees the slot. Calling it more than once has no further effect,
// so it is safe to defer alongside explicit release on error paths.
func (t *Token) Release() {
	t.once.Do(func() {
		t.l.release(t.host)
	})
}

// Host returns the host this token was acquired for.
func (t *Token) Host() string {
	return t.host
}

// Acquire obtains a connection slot for host, blocking until one is free.
// It returns an error only when ctx is cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context, host string) (*Token, error) {
	l.mu.Lock()
	if l.active[host] < l.maxPerHost {
		l.active[host]++
		activeSlots.WithLabelValues(host).Inc()
		l.mu.Unlock()
		return &Token{l: l, host: host}, nil
	}

	ready := make(chan struct{})
	l.waiters[host] = append(l.waiters[host], ready)
	queuedWaiters.WithLabelValues(host).Inc()
	l.mu.Unlock()

	l.logger.Debug().Str("host", host).Msg("Connection budget exhausted, queueing")

	select {
	case <-ready:
		// The releasing caller transferred its slot to us; active was
		// never decremented.
		queuedWaiters.WithLabelValues(host).Dec()
		return &Token{l: l, host: host}, nil
	case <-ctx.Done():
		l.mu.Lock()
		removed := l.removeWaiter(host, ready)
		l.mu.Unlock()
		queuedWaiters.WithLabelValues(host).Dec()
		if !removed {
			// Lost the race: a slot was already handed to us. Pass it on
			// so capacity is not leaked.
			l.release(host)
		}
		return nil, ctx.Err()
	}
}

// release frees one slot for host, handing it to the oldest waiter if any.
func (l *Limiter) release(host string) {
	l.mu.Lock()
	queue := l.waiters[host]
	if len(queue) > 0 {
		next := queue[0]
		l.waiters[host] = queue[1:]
		l.mu.Unlock()
		// Slot transfers to the waiter; active count is unchanged.
		close(next)
		return
	}
	if l.active[host] > 0 {
		l.active[host]--
		activeSlots.WithLabelValues(host).Dec()
	}
	l.mu.Unlock()
}

// removeWaiter drops ready from host's queue. Returns false when the waiter
// was already dequeued by a release.
func (l *Limiter) removeWaiter(host string, ready chan struct{}) bool {
	queue := l.waiters[host]
	for i, ch := range queue {
		if ch == ready {
			l.waiters[host] = append(queue[:i:i], queue[i+1:]...)
			return true
		}
	}
	return false
}

// Active returns the number of held slots for host.
func (l *Limiter) Active(host string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[host]
}

// MarkProtocolFailed flags host as unable to speak the preferred stream
// protocol. The flag is never cleared; a permanently downgraded host is an
// acceptable steady state.
func (l *Limiter) MarkProtocolFailed(host string) {
	l.mu.Lock()
	_, seen := l.protoFailed[host]
	if !seen {
		l.protoFailed[host] = struct{}{}
	}
	l.mu.Unlock()

	if !seen {
		protocolDowngrades.Inc()
		l.logger.Warn().Str("host", host).Msg("Host flagged for HTTP/1.1 downgrade")
	}
}

// HasProtocolFailed reports whether host was flagged for a downgrade.
func (l *Limiter) HasProtocolFailed(host string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.protoFailed[host]
	return ok
}
