// Package breaker wraps per-channel delivery in a circuit breaker, a
// token-bucket rate limiter, and retry-with-backoff. One breaker and
// one limiter instance exists per channel_id; the router is the only
// caller. gobreaker wraps each delivery attempt
// with OnStateChange feeding metrics; ulule/limiter provides the token
// buckets.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/roomkit/conversation/internal/v1/metrics"
	"github.com/roomkit/conversation/internal/v1/model"
)

// ErrCircuitOpen is returned by Run when the channel's breaker is open
// and short-circuits the call.
var ErrCircuitOpen = errors.New("breaker: circuit open")

// Defaults mirror config.Config's breaker/retry fields.
type Defaults struct {
	FailureThreshold int
	RecoveryTime     time.Duration
	Retry            model.RetryPolicy
}

// State names the breaker state machine position, used for metrics and
// DeliveryResult reporting.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Manager holds one circuit breaker and one rate limiter per channel_id,
// created lazily on first use: breakers from Defaults, limiters from the
// binding's own RateLimit.
type Manager struct {
	defaults Defaults

	mu       sync.Mutex
	breakers map[model.ChannelID]*gobreaker.CircuitBreaker
	limiters map[model.ChannelID]*limiter.Limiter
	store    limiter.Store
}

// NewManager constructs a Manager. The rate limiter store is in-memory;
// a host that needs shared rate-limit state across processes builds its
// own limiter.Store (e.g. the redis driver) and wires it through
// WithLimiterStore.
func NewManager(defaults Defaults) *Manager {
	return &Manager{
		defaults: defaults,
		breakers: make(map[model.ChannelID]*gobreaker.CircuitBreaker),
		limiters: make(map[model.ChannelID]*limiter.Limiter),
		store:    memory.NewStore(),
	}
}

// WithLimiterStore swaps the in-memory limiter.Store for another (e.g. a
// Redis-backed one), for hosts that need cross-process rate limiting.
// Must be called before the first Run for any channel.
func (m *Manager) WithLimiterStore(s limiter.Store) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = s
	return m
}

func (m *Manager) breakerFor(channelID model.ChannelID) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[channelID]; ok {
		return cb
	}
	threshold := uint32(m.defaults.FailureThreshold)
	if threshold == 0 {
		threshold = 5
	}
	recovery := m.defaults.RecoveryTime
	if recovery <= 0 {
		recovery = 60 * time.Second
	}
	cid := string(channelID)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cid,
		MaxRequests: 1, // exactly one half-open probe
		Timeout:     recovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(v)
		},
	})
	m.breakers[channelID] = cb
	return cb
}

// State reports the current breaker state for channelID, for metrics and
// DeliveryResult reporting. A channel never delivered through has no
// breaker yet and reports closed.
func (m *Manager) State(channelID model.ChannelID) State {
	m.mu.Lock()
	cb, ok := m.breakers[channelID]
	m.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return fromGobreaker(cb.State())
}

func (m *Manager) limiterFor(channelID model.ChannelID, rate *model.RateLimit) (*limiter.Limiter, limiter.Rate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := rateOf(rate)
	if lim, ok := m.limiters[channelID]; ok {
		return lim, r
	}
	lim := limiter.New(m.store, r)
	m.limiters[channelID] = lim
	return lim, r
}

// rateOf converts a binding's RateLimit into an ulule/limiter Rate,
// using the finest configured period and a limit of at least 1.
func rateOf(rl *model.RateLimit) limiter.Rate {
	switch {
	case rl == nil || rl.IsZero():
		return limiter.Rate{} // Period 0 disables limiting (see acquire)
	case rl.MaxPerSecond > 0:
		return limiter.Rate{Period: time.Second, Limit: int64(max(1, rl.MaxPerSecond))}
	case rl.MaxPerMinute > 0:
		return limiter.Rate{Period: time.Minute, Limit: int64(max(1, rl.MaxPerMinute))}
	default:
		return limiter.Rate{Period: time.Hour, Limit: int64(max(1, rl.MaxPerHour))}
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// acquire waits (wait-based backpressure, not drop) until a token is
// available for channelID, or ctx is done.
func (m *Manager) acquire(ctx context.Context, channelID model.ChannelID, rate *model.RateLimit) error {
	lim, r := m.limiterFor(channelID, rate)
	if r.Period == 0 {
		return nil // unlimited
	}
	key := string(channelID)
	start := time.Now()
	for {
		res, err := lim.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("breaker: rate limiter: %w", err)
		}
		if !res.Reached {
			metrics.RateLimitWaitDuration.WithLabelValues(key).Observe(time.Since(start).Seconds())
			return nil
		}
		wait := time.Until(time.Unix(res.Reset, 0))
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// retryPolicyFor resolves the effective retry policy: the binding's own
// override, else Defaults.Retry.
func (m *Manager) retryPolicyFor(binding model.ChannelBinding) model.RetryPolicy {
	if binding.RetryPolicy != nil {
		return *binding.RetryPolicy
	}
	return m.defaults.Retry
}

// withRetry runs fn up to policy.MaxRetries+1 times, sleeping
// min(max_delay, base_delay*exponential_base^k) before attempt k. Only
// transport-category bindings retry; intelligence bindings fail fast.
func withRetry(ctx context.Context, policy model.RetryPolicy, fn func(ctx context.Context) error) error {
	base := policy.BaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	expBase := policy.ExponentialBase
	if expBase <= 0 {
		expBase = 2.0
	}
	attempts := policy.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for k := 0; k < attempts; k++ {
		delay := time.Duration(math.Min(float64(maxDelay), float64(base)*math.Pow(expBase, float64(k))))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// Run executes fn, a single delivery attempt, under the channel's
// circuit breaker, preceded by a rate-limiter wait and, for transport
// bindings, wrapped in retry-with-backoff. Intelligence bindings never
// retry; in practice only transport deliveries route through Run at
// all.
func (m *Manager) Run(ctx context.Context, binding model.ChannelBinding, fn func(ctx context.Context) error) error {
	cb := m.breakerFor(binding.ChannelID)
	_, err := cb.Execute(func() (interface{}, error) {
		if err := m.acquire(ctx, binding.ChannelID, binding.RateLimit); err != nil {
			return nil, err
		}
		if binding.Category != model.CategoryTransport {
			return nil, fn(ctx)
		}
		return nil, withRetry(ctx, m.retryPolicyFor(binding), fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}
