package engine

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// InstrumentedRunner wraps a Runner with Prometheus counters and a
// latency histogram, labeled by action and outcome.
type InstrumentedRunner struct {
	next        Runner
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewInstrumentedRunner registers engine metrics on reg and returns the
// wrapping runner.
func NewInstrumentedRunner(next Runner, reg prometheus.Registerer) *InstrumentedRunner {
	invocations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "facegate_engine_invocations_total",
			Help: "Total engine invocations by action and outcome",
		},
		[]string{"action", "outcome"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "facegate_engine_invocation_duration_seconds",
			Help:    "Wall-clock duration of engine invocations",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"action"},
	)
	reg.MustRegister(invocations, duration)

	return &InstrumentedRunner{next: next, invocations: invocations, duration: duration}
}

// Invoke delegates to the wrapped runner and records the outcome.
func (r *InstrumentedRunner) Invoke(ctx context.Context, action Action, args Args) (*Result, error) {
	start := time.Now()
	res, err := r.next.Invoke(ctx, action, args)
	r.duration.WithLabelValues(string(action)).Observe(time.Since(start).Seconds())
	r.invocations.WithLabelValues(string(action), outcomeLabel(res, err)).Inc()
	return res, err
}

func outcomeLabel(res *Result, err error) string {
	switch {
	case err == nil && res.Success:
		return "ok"
	case err == nil:
		return "rejected" // engine answered but reported failure
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrEmptyOutput):
		return "empty_output"
	case errors.Is(err, ErrMalformedOutput):
		return "malformed_output"
	case errors.Is(err, ErrInvalidArgs):
		return "invalid_args"
	default:
		return "error"
	}
}
