package circuitbreaker

import (
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"dbutils/internal/config"
	"dbutils/internal/metrics"
)

// Breaker wraps gobreaker with metrics and state-change logging
type Breaker struct {
	cb      *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
	name    string
}

// New creates a circuit breaker guarding one remote backend
func New(name string, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.CircuitBreakerMaxRequests),
		Interval:    cfg.CircuitBreakerTimeout,
		Timeout:     cfg.CircuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.CircuitBreakerThreshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("circuit breaker state changed",
				zap.String("backend", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	}

	m.CircuitBreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))

	return &Breaker{
		cb:      gobreaker.NewCircuitBreaker(settings),
		metrics: m,
		name:    name,
	}
}

// Execute runs the given function through the circuit breaker
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	return b.cb.Execute(fn)
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Name returns the backend label the breaker reports under
func (b *Breaker) Name() string {
	return b.name
}
