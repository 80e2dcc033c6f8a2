package clients

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ranierigmusella/ckan-docker/internal/orchestrator"
)

const circuitOpen = "circuit open"

// NewCircuitBreaker returns a gobreaker that trips after threshold
// consecutive failures and half-opens after 30 seconds.
func NewCircuitBreaker(name string, threshold int) *gobreaker.CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
	})
}

// GuardedProber sends every Probe of the wrapped endpoint through a circuit
// breaker, so repeated health checks stop hammering a dependency that is
// down. Readiness waits must use the bare client: an open breaker would
// turn real attempts into instant failures.
type GuardedProber struct {
	orchestrator.EndpointProber
	cb *gobreaker.CircuitBreaker
}

// Guard wraps p with cb.
func Guard(p orchestrator.EndpointProber, cb *gobreaker.CircuitBreaker) *GuardedProber {
	return &GuardedProber{EndpointProber: p, cb: cb}
}

// Probe runs one probe of the wrapped endpoint unless the breaker is open.
func (g *GuardedProber) Probe(ctx context.Context) orchestrator.ProbeResult {
	start := time.Now()

	var res orchestrator.ProbeResult
	_, err := g.cb.Execute(func() (any, error) {
		res = g.EndpointProber.Probe(ctx)
		if !res.OK {
			return nil, errors.New(res.Error)
		}
		return nil, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return orchestrator.ProbeResult{
			Name:      string(g.Endpoint().Kind),
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     circuitOpen,
		}
	}
	return res
}

// probeResult converts the outcome of a single probe attempt.
func probeResult(name string, start time.Time, err error) orchestrator.ProbeResult {
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return orchestrator.ProbeResult{
			Name:      name,
			OK:        false,
			LatencyMs: latency,
			Error:     err.Error(),
		}
	}

	return orchestrator.ProbeResult{
		Name:      name,
		OK:        true,
		LatencyMs: latency,
	}
}
