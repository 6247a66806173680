package restapi

import (
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ekaya-inc/ekaya-sync/pkg/metrics"
	"github.com/ekaya-inc/ekaya-sync/pkg/retry"
)

// BreakerSettings tunes the per-host circuit breakers.
type BreakerSettings struct {
	// ConsecutiveFailures opens the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenRequests may probe while half-open.
	HalfOpenRequests uint32
}

// DefaultBreakerSettings returns the production breaker tuning.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		ConsecutiveFailures: 5,
		OpenTimeout:         2 * time.Minute,
		HalfOpenRequests:    1,
	}
}

// hostGuards holds one circuit breaker and one rate limiter per API host so
// that data sources on the same platform share its budget.
type hostGuards struct {
	mu       sync.Mutex
	settings BreakerSettings
	breakers map[string]*gobreaker.CircuitBreaker[*page]
	limiters map[string]*rate.Limiter
	logger   *zap.Logger
}

func newHostGuards(settings BreakerSettings, logger *zap.Logger) *hostGuards {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &hostGuards{
		settings: settings,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*page]),
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}
}

func (g *hostGuards) breaker(host string) *gobreaker.CircuitBreaker[*page] {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[host]; ok {
		return cb
	}

	metrics.CircuitBreakerState.WithLabelValues(host).Set(0)
	threshold := g.settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker[*page](gobreaker.Settings{
		Name:        host,
		MaxRequests: g.settings.HalfOpenRequests,
		Timeout:     g.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Permanent errors (bad credentials, bad request) say nothing about
		// the platform's health.
		IsSuccessful: func(err error) bool {
			return err == nil || !retry.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("Circuit breaker state change",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})
	g.breakers[host] = cb
	return cb
}

// limiter returns the host's limiter, adjusted to perSecond.
func (g *hostGuards) limiter(host string, perSecond float64) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}

	if l, ok := g.limiters[host]; ok {
		if l.Limit() != limit {
			l.SetLimit(limit)
		}
		return l
	}
	l := rate.NewLimiter(limit, 1)
	g.limiters[host] = l
	return l
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
