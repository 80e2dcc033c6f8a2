package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/ranierigmusella/ckan-docker/internal/metrics"
)

// RetryBudget bounds how long WaitReady keeps probing one endpoint.
type RetryBudget struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryBudget is shared by every endpoint kind.
func DefaultRetryBudget() RetryBudget {
	return RetryBudget{Attempts: 5, Delay: 10 * time.Second}
}

// Prober performs a single readiness attempt. Implementations release any
// connection they open before returning.
type Prober interface {
	Probe(ctx context.Context) ProbeResult
}

// WaitReady probes ep until it reports ready or the budget is spent.
//
// An unconfigured endpoint returns a skipped result without probing. Each
// failed attempt except the last is followed by budget.Delay on clk. When
// every attempt fails the returned error wraps ErrDependencyUnavailable.
func WaitReady(ctx context.Context, clk clock.Clock, ep Endpoint, p Prober, budget RetryBudget) (ProbeResult, error) {
	if !ep.Configured() {
		if ep.Kind == KindPrimaryDB {
			slog.WarnContext(ctx, "primary database URL not set, not checking", "endpoint", ep.Kind)
		} else {
			slog.InfoContext(ctx, "endpoint not configured, not checking", "endpoint", ep.Kind)
		}
		return ProbeResult{Name: string(ep.Kind), OK: true, Skipped: true}, nil
	}

	var last ProbeResult
	for attempt := 1; attempt <= budget.Attempts; attempt++ {
		last = p.Probe(ctx)
		if last.OK {
			metrics.ProbeAttemptsTotal.WithLabelValues(string(ep.Kind), "ok").Inc()
			slog.InfoContext(ctx, "endpoint ready",
				"endpoint", ep.Kind, "attempt", attempt, "latency_ms", last.LatencyMs)
			return last, nil
		}

		metrics.ProbeAttemptsTotal.WithLabelValues(string(ep.Kind), "error").Inc()
		slog.WarnContext(ctx, "endpoint not ready",
			"endpoint", ep.Kind,
			"attempt", attempt,
			"max_attempts", budget.Attempts,
			"error", last.Error,
		)

		if attempt == budget.Attempts {
			break
		}

		select {
		case <-ctx.Done():
			return last, fmt.Errorf("waiting for %s: %w", ep.Kind, ctx.Err())
		case <-clk.After(budget.Delay):
		}
	}

	slog.ErrorContext(ctx, "giving up on endpoint", "endpoint", ep.Kind, "attempts", budget.Attempts)
	return last, fmt.Errorf("%s after %d attempts (last error: %s): %w",
		ep.Kind, budget.Attempts, last.Error, ErrDependencyUnavailable)
}
