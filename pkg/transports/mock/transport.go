package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/lyravoice/lyra/pkg/frames"
	"github.com/lyravoice/lyra/pkg/transports"
)

// Transport is an in-memory transport for local testing and integration.
// It implements the transports.Transport interface without any network
// dependency; Push injects caller-side frames and Sent exposes whatever
// the engine writes back.
type Transport struct {
	recvCh chan frames.Frame
	sentCh chan frames.Frame
	closed atomic.Bool
	mu     sync.Mutex

	endedMu sync.Mutex
	ended   []string
}

func New() *Transport {
	return &Transport{
		recvCh: make(chan frames.Frame, 256),
		sentCh: make(chan frames.Frame, 256),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.recvCh)
		close(t.sentCh)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) Send(f frames.Frame) error {
	if t.closed.Load() {
		return nil
	}
	select {
	case t.sentCh <- f:
	default:
	}
	return nil
}

// EndCall records the hangup so tests can assert on it.
func (t *Transport) EndCall(_ context.Context, callSID string) error {
	t.endedMu.Lock()
	t.ended = append(t.ended, callSID)
	t.endedMu.Unlock()
	return nil
}

// EndedCalls returns the call SIDs hung up through EndCall.
func (t *Transport) EndedCalls() []string {
	t.endedMu.Lock()
	defer t.endedMu.Unlock()
	out := make([]string, len(t.ended))
	copy(out, t.ended)
	return out
}

// Push injects an inbound frame into the transport.
func (t *Transport) Push(f frames.Frame) {
	if t.closed.Load() {
		return
	}
	select {
	case t.recvCh <- f:
	default:
	}
}

// Sent exposes outbound frames for inspection.
func (t *Transport) Sent() <-chan frames.Frame { return t.sentCh }

var (
	_ transports.Transport      = (*Transport)(nil)
	_ transports.CallController = (*Transport)(nil)
)
