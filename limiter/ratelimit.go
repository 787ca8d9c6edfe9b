package limiter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"flac2mp3/metrics"
)

var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// Store is the shared key-value store behind the rate limiter.
//
// SetNX must create key with the given time-to-live only when it is absent,
// atomically, and report whether it did. TTL returns the remaining lifetime
// of key, or zero when the key is missing or has no expiry.
type Store interface {
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Decision is the answer to one admission attempt.
type Decision struct {
	Admitted bool
	// RetryAfterSeconds is set when Admitted is false. It is always within
	// [1, interval] seconds; intervals shorter than one second still report 1.
	RetryAfterSeconds int
}

type RateLimiter struct {
	store    Store
	interval time.Duration
	prefix   string
}

type Option func(*RateLimiter)

// WithKeyPrefix namespaces throttle keys, e.g. to share one Redis database
// between deployments.
func WithKeyPrefix(prefix string) Option {
	return func(l *RateLimiter) { l.prefix = prefix }
}

// NewRateLimiter builds a limiter that admits one action per user per
// interval.
func NewRateLimiter(store Store, interval time.Duration, opts ...Option) *RateLimiter {
	l := &RateLimiter{
		store:    store,
		interval: interval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Interval returns the configured cooldown.
func (l *RateLimiter) Interval() time.Duration { return l.interval }

// TryAdmit admits userID unless it was admitted less than one interval ago.
//
// Store failures fail closed: the decision is "not admitted" and the error,
// wrapping ErrStoreUnavailable, is returned for the caller to log.
func (l *RateLimiter) TryAdmit(ctx context.Context, userID int64) (Decision, error) {
	key := l.key(userID)

	created, err := l.store.SetNX(ctx, key, l.interval)
	if err != nil {
		metrics.RateLimitDecisions.WithLabelValues("error").Inc()
		return Decision{RetryAfterSeconds: l.maxRetrySeconds()}, fmt.Errorf("%w: set %s: %w", ErrStoreUnavailable, key, err)
	}
	if created {
		metrics.RateLimitDecisions.WithLabelValues("admitted").Inc()
		return Decision{Admitted: true}, nil
	}

	remaining, err := l.store.TTL(ctx, key)
	if err != nil {
		metrics.RateLimitDecisions.WithLabelValues("error").Inc()
		return Decision{RetryAfterSeconds: l.maxRetrySeconds()}, fmt.Errorf("%w: ttl %s: %w", ErrStoreUnavailable, key, err)
	}

	metrics.RateLimitDecisions.WithLabelValues("limited").Inc()
	return Decision{RetryAfterSeconds: l.retryAfterSeconds(remaining)}, nil
}

func (l *RateLimiter) key(userID int64) string {
	return l.prefix + "throttle:" + strconv.FormatInt(userID, 10)
}

// retryAfterSeconds rounds the remaining cooldown up so a caller waiting that
// long is never rejected again, then clamps it into [1, interval].
func (l *RateLimiter) retryAfterSeconds(remaining time.Duration) int {
	secs := int(math.Ceil(remaining.Seconds()))
	if upper := l.maxRetrySeconds(); secs > upper {
		secs = upper
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (l *RateLimiter) maxRetrySeconds() int {
	upper := int(l.interval / time.Second)
	if upper < 1 {
		upper = 1
	}
	return upper
}
