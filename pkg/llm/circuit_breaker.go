package llm

import (
	"context"
	"sync"
	"time"

	"github.com/lyravoice/lyra/pkg/metrics"
	"github.com/lyravoice/lyra/pkg/resilience"
)

// CircuitBreakerAdapter wraps an Adapter with rate-limit circuit
// breaking. When the vendor keeps returning 429s the breaker opens and
// requests fail fast instead of stacking up behind a throttled API.
type CircuitBreakerAdapter struct {
	inner   Adapter
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
	open    bool
	mu      sync.Mutex
}

func NewCircuitBreakerAdapter(inner Adapter, breaker *resilience.CircuitBreaker) *CircuitBreakerAdapter {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerAdapter{inner: inner, breaker: breaker, obs: metrics.NoopObserver{}}
}

func (a *CircuitBreakerAdapter) Name() string { return a.inner.Name() }

func (a *CircuitBreakerAdapter) SetObserver(obs metrics.Observer) {
	if obs != nil {
		a.obs = obs
	}
}

func (a *CircuitBreakerAdapter) Stream(ctx context.Context, input Context) (<-chan Event, error) {
	if !a.breaker.Allow() {
		a.setOpen(true)
		a.record(metrics.EventBreakerDenied)
		return nil, resilience.RateLimitError{Provider: a.Name(), Message: "degraded"}
	}
	a.setOpen(false)
	ch, err := a.inner.Stream(ctx, input)
	if err != nil {
		if resilience.IsRateLimit(err) {
			a.record(metrics.EventRateLimit)
		}
		a.breaker.OnError(err)
		return nil, err
	}
	// The stream's outcome only becomes known as it drains, so the
	// breaker is fed from a relay that watches for a terminal error.
	out := make(chan Event)
	go func() {
		defer close(out)
		var streamErr error
		for ev := range ch {
			if ev.Err != nil {
				streamErr = ev.Err
			}
			select {
			case <-ctx.Done():
				return
			case out <- ev:
			}
		}
		if streamErr != nil {
			if resilience.IsRateLimit(streamErr) {
				a.record(metrics.EventRateLimit)
			}
			a.breaker.OnError(streamErr)
			return
		}
		a.breaker.OnSuccess()
	}()
	return out, nil
}

func (a *CircuitBreakerAdapter) record(name string) {
	a.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{
			"provider":  a.inner.Name(),
			"component": "llm",
		},
	})
}

func (a *CircuitBreakerAdapter) setOpen(open bool) {
	a.mu.Lock()
	changed := a.open != open
	a.open = open
	a.mu.Unlock()
	if !changed {
		return
	}
	if open {
		a.record(metrics.EventBreakerOpen)
		return
	}
	a.record(metrics.EventBreakerClose)
}

var _ Adapter = (*CircuitBreakerAdapter)(nil)
