package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_retries_total",
		Help: "Total number of retry attempts by error kind",
	}, []string{"kind"})

	retryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proxy_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error kind",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"kind"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error kind",
	}, []string{"kind"})
)

// RetryPolicy holds the configuration for the backoff executor.
type RetryPolicy struct {
	// MaxRetries bounds the total number of attempts. Zero performs
	// exactly one attempt.
	MaxRetries int

	// InitialDelay is the delay before the first backoff retry.
	InitialDelay time.Duration

	// MaxDelay caps the exponential delay.
	MaxDelay time.Duration

	// Factor is the exponential growth multiplier.
	Factor float64

	// Jitter scales each delay by a uniform random factor in [0.75, 1.0]
	// to avoid synchronized retry storms.
	Jitter bool

	// IsRetryable decides whether a classified error may be attempted
	// again. Nil defaults to APIError.Retryable.
	IsRetryable func(error) bool
}

// DefaultRetryPolicy returns the retry policy used by the orchestrator.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// missingRetryAfterWait is slept when a 429 carries no usable Retry-After.
const missingRetryAfterWait = 5 * time.Second

// delay returns the exponential backoff delay for the given zero-based
// retry step, capped at MaxDelay. Jitter is not applied here so that the
// progression stays testable.
func (p RetryPolicy) delay(step int) time.Duration {
	d := time.Duration(float64(p.InitialDelay) * math.Pow(p.Factor, float64(step)))
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	return d
}

func (p RetryPolicy) retryable(err error) bool {
	if p.IsRetryable != nil {
		return p.IsRetryable(err)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return false
}

// ProtocolSink receives hosts whose preferred stream protocol failed.
// *connlimit.Limiter implements it.
type ProtocolSink interface {
	MarkProtocolFailed(host string)
}

// Execute runs fn, retrying transient failures with exponential backoff.
//
// Three failure paths are handled specially:
//   - protocol mismatches mark the host in sink and retry immediately,
//     without consuming a backoff step;
//   - rate limits sleep exactly the server-requested Retry-After and do
//     not grow the exponential delay;
//   - everything else backs off exponentially while retryable.
//
// All waits select on ctx so concurrent callers keep making progress and
// cancellation is honored mid-sleep. The final error is the classified
// failure of the last attempt, annotated with the attempt count.
func Execute(ctx context.Context, policy RetryPolicy, host string, sink ProtocolSink, fn func() error) error {
	var lastErr error
	attempt := 0
	step := 0

	for {
		err := fn()
		if err == nil {
			if attempt > 0 {
				log.Info().
					Str("host", host).
					Int("attempt", attempt+1).
					Msg("Request succeeded after retry")
			}
			return nil
		}

		lastErr = err
		attempt++

		var apiErr *APIError
		isClassified := errors.As(err, &apiErr)

		// Protocol mismatch: flag the host so the next attempt requests
		// HTTP/1.1, then go again without waiting.
		if isClassified && apiErr.ProtocolFailure {
			if host != "" && sink != nil {
				sink.MarkProtocolFailed(host)
			}
			if attempt >= policy.MaxRetries {
				break
			}
			retriesTotal.WithLabelValues(string(apiErr.Kind)).Inc()
			log.Debug().
				Str("host", host).
				Int("attempt", attempt).
				Msg("Protocol mismatch, retrying with downgraded transport")
			continue
		}

		// Rate limit: honor the server-requested wait literally. The
		// exponential step is deliberately not advanced.
		if isClassified && apiErr.Kind == KindRateLimited {
			if attempt >= policy.MaxRetries {
				break
			}
			wait := apiErr.RetryAfter
			if wait <= 0 {
				wait = missingRetryAfterWait
			}
			retriesTotal.WithLabelValues(string(KindRateLimited)).Inc()
			retryBackoffSeconds.WithLabelValues(string(KindRateLimited)).Observe(wait.Seconds())
			log.Warn().
				Str("host", host).
				Dur("retry_after", wait).
				Int("attempt", attempt).
				Msg("Rate limited, waiting before retry")
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if attempt >= policy.MaxRetries || !policy.retryable(err) {
			break
		}

		wait := policy.delay(step)
		step++
		if policy.Jitter {
			wait = time.Duration(float64(wait) * (0.75 + rand.Float64()*0.25))
		}

		kind := string(KindUnknown)
		if isClassified {
			kind = string(apiErr.Kind)
		}
		retriesTotal.WithLabelValues(kind).Inc()
		retryBackoffSeconds.WithLabelValues(kind).Observe(wait.Seconds())

		log.Debug().
			Str("host", host).
			Str("kind", kind).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}

	var apiErr *APIError
	if errors.As(lastErr, &apiErr) {
		annotated := *apiErr
		annotated.Attempts = attempt
		retryExhaustedTotal.WithLabelValues(string(apiErr.Kind)).Inc()
		log.Warn().
			Str("host", host).
			Str("kind", string(apiErr.Kind)).
			Int("attempts", attempt).
			Msg("Giving up on request")
		return &annotated
	}

	retryExhaustedTotal.WithLabelValues(string(KindUnknown)).Inc()
	return fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, attempt, lastErr)
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
	case <-time.After(d):
		return nil
	}
}
