// Package resilience wraps outbound provider calls with the same
// rate-limit-then-circuit-break pattern the teacher's EODHD client uses for
// its rate limiter, extended with a circuit breaker per upstream so a
// struggling provider stops accepting new calls instead of queuing retries
// behind a dead connection.
package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/ternarybob/tessera/internal/models"
)

// Guard bundles a rate limiter and circuit breaker for one upstream
// provider (one per Integration.Provider, shared across tenants calling
// that provider's API).
type Guard struct {
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// New builds a Guard. requestsPerSecond bounds outbound call rate;
// consecutiveFailureLimit trips the breaker open after that many
// back-to-back failures, cooling down for the given timeout before
// allowing a trial request through.
func New(name string, requestsPerSecond int, consecutiveFailureLimit uint32, timeout time.Duration) *Guard {
	return &Guard{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= consecutiveFailureLimit
			},
		}),
	}
}

// Do waits for rate limiter headroom, then runs fn through the circuit
// breaker. A breaker trip or limiter wait failure is reported as a
// Retryable error so dispatch requeues rather than dead-lettering it.
func (g *Guard) Do(ctx context.Context, stepName string, fn func() error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return models.NewError(models.KindRetryable, stepName, models.StageExtraction, fmt.Errorf("rate limiter wait: %w", err))
	}

	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == nil {
		return nil
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return models.NewError(models.KindRetryable, stepName, models.StageExtraction, fmt.Errorf("circuit breaker open: %w", err))
	}
	return err
}
