package httpclient

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bcsync/internal/config"
)

// RetryPolicy defines exponential backoff parameters for upstream calls.
// MaxTotalDelay bounds the summed sleep across all attempts; zero means no budget.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	MaxTotalDelay time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy mirrors the config defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   5,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
	}
}

// NextDelay returns delay for a given attempt (1-based) with clamping.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1))
	d := time.Duration(delay)
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	if d <= 0 {
		d = time.Second
	}
	return d
}

// Retryable reports whether a response status is worth another attempt.
func Retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// RetryAfter parses a Retry-After header given either in seconds or as an HTTP date.
func RetryAfter(h http.Header, now time.Time) (time.Duration, bool) {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(raw); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

type budgetKey struct{}

// WithRetryBudget caps the total retry sleep for calls made with ctx,
// overriding the client's MaxTotalDelay when smaller.
func WithRetryBudget(ctx context.Context, budget time.Duration) context.Context {
	return context.WithValue(ctx, budgetKey{}, budget)
}

func retryBudget(ctx context.Context, policy RetryPolicy) time.Duration {
	budget := policy.MaxTotalDelay
	if v, ok := ctx.Value(budgetKey{}).(time.Duration); ok && v > 0 {
		if budget <= 0 || v < budget {
			budget = v
		}
	}
	return budget
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PolicyFromConfig converts the retry section of the config file.
func PolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	def := DefaultRetryPolicy()
	p := RetryPolicy{
		MaxAttempts:   cfg.MaxAttempts,
		InitialDelay:  config.Duration(cfg.InitialDelay, def.InitialDelay),
		MaxDelay:      config.Duration(cfg.MaxDelay, def.MaxDelay),
		MaxTotalDelay: config.Duration(cfg.MaxTotalDelay, 0),
		BackoffFactor: cfg.BackoffFactor,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = def.BackoffFactor
	}
	return p
}
