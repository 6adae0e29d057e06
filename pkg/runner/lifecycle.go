package runner

import (
	"context"
	"errors"
	"sync"
	"time"
)

// LifecycleRunner blocks in Run until its context is canceled or Stop is
// called, then drains under a deadline before firing OnStop.
type LifecycleRunner struct {
	mu      sync.Mutex
	state   State
	hooks   Hooks
	drainer Drainer
	timeout time.Duration

	cancel  context.CancelFunc
	stopped chan struct{}
	stopErr error
}

func NewLifecycleRunner(drainer Drainer, hooks Hooks, timeout time.Duration) *LifecycleRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LifecycleRunner{
		state:   StateNew,
		hooks:   hooks,
		drainer: drainer,
		timeout: timeout,
	}
}

func (r *LifecycleRunner) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateNew {
		r.mu.Unlock()
		return errors.New("runner already started")
	}
	r.state = StateStarting
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.stopped = make(chan struct{})
	r.mu.Unlock()

	PrintBanner()
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.setState(StateRunning)

	<-ctx.Done()
	return r.shutdown()
}

// Stop cancels Run and waits for the shutdown sequence to finish. Calling
// Stop before Run, or more than once, is safe.
func (r *LifecycleRunner) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel == nil {
		r.setState(StateStopped)
		return nil
	}
	cancel()
	return r.shutdown()
}

func (r *LifecycleRunner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *LifecycleRunner) shutdown() error {
	r.mu.Lock()
	if r.state == StateDraining || r.state == StateStopped {
		stopped := r.stopped
		r.mu.Unlock()
		if stopped != nil {
			<-stopped
		}
		return r.stopErr
	}
	r.state = StateDraining
	r.mu.Unlock()

	if r.drainer != nil {
		done := make(chan struct{})
		go func() {
			_ = r.drainer.Drain()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(r.timeout):
			r.mu.Lock()
			r.stopErr = errors.New("drain timeout")
			r.mu.Unlock()
		}
	}
	if r.hooks.OnStop != nil {
		r.hooks.OnStop()
	}
	r.setState(StateStopped)
	r.mu.Lock()
	if r.stopped != nil {
		close(r.stopped)
	}
	r.mu.Unlock()
	return r.stopErr
}

func (r *LifecycleRunner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}
