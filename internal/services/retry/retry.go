// Package retry runs provider attempts under an exponential-backoff policy
// and owns breaker accounting: one RecordSuccess per successful attempt, one
// RecordFailure per terminal failure. A run that dies of context cancellation
// records neither, so cancelled requests never move a breaker.
package retry

import (
	"context"
	"crypto/x509"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/hadrianai/hadrian/internal/config"
	"github.com/hadrianai/hadrian/internal/metrics"
)

// Recorder is the breaker surface the engine needs. A nil Recorder disables
// accounting and admission checks. RecordFailure receives the terminal error
// so the recorder can apply its own status policy (a 4xx that is the caller's
// fault should not trip a breaker).
type Recorder interface {
	Allow() bool
	RecordSuccess()
	RecordFailure(err error)
}

// AttemptFunc performs one upstream attempt. Implementations must redo any
// time-bound work (token headers, SigV4 signatures) on every call.
type AttemptFunc func(ctx context.Context, attempt int) error

// Classifier reports whether err warrants another attempt.
type Classifier func(err error) bool

type Engine struct {
	provider string
	cfg      config.RetryConfig
	logger   *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func New(provider string, cfg config.RetryConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// Do runs fn up to max_retries+1 times. Retries stop early when the breaker
// no longer admits, when fn returns a non-retryable error, or when the
// context is done.
func (e *Engine) Do(ctx context.Context, breaker Recorder, retryable Classifier, fn AttemptFunc) error {
	maxRetries := e.cfg.MaxRetries
	if !e.cfg.Enabled {
		maxRetries = 0
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 && breaker != nil && !breaker.Allow() {
			break
		}

		err := fn(ctx, attempt)
		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return err
		}
		if !retryable(err) || attempt >= maxRetries {
			break
		}

		delay := e.DelayForAttempt(attempt)
		e.logger.Debug("retrying provider attempt",
			zap.String("provider", e.provider),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		metrics.RetriesTotal.WithLabelValues(e.provider).Inc()

		if err := e.sleep(ctx, delay); err != nil {
			return err
		}
	}

	if breaker != nil {
		breaker.RecordFailure(lastErr)
	}
	return lastErr
}

// DelayForAttempt returns min(base·2ⁿ·(1±jitter), max).
func (e *Engine) DelayForAttempt(attempt int) time.Duration {
	base := e.cfg.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxDelay := e.cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	delay := float64(base) * math.Pow(2, float64(attempt))
	if e.cfg.JitterFraction > 0 {
		spread := 1 + e.cfg.JitterFraction*(2*rand.Float64()-1)
		delay *= spread
	}
	if delay > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(delay)
}

// RetryableStatus reports whether status is in the configured retriable set.
func (e *Engine) RetryableStatus(status int) bool {
	for _, s := range e.cfg.RetryableStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// RetryableTransport classifies a network-level error. Timeouts, DNS
// failures, resets and generic I/O errors are retryable; TLS verification and
// URL parse failures are not.
func RetryableTransport(err error) bool {
	if err == nil {
		return false
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}

	var certErr *x509.CertificateInvalidError
	var unknownAuthErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuthErr) || errors.As(err, &hostErr) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
