package lyra

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lyravoice/lyra/pkg/dialogue"
)

// ErrDraining is returned for new calls once shutdown has begun.
// Existing sessions keep running until they end or the drain deadline hits.
var ErrDraining = errors.New("registry draining, not accepting new sessions")

// ErrMissingCallSID is returned when a transport connects without the
// call identifier sessions are keyed by.
var ErrMissingCallSID = errors.New("call SID is required")

type CallSession struct {
	CallSID  string
	StreamID string
	TraceID  string
	Session  *dialogue.Session
	Ctx      context.Context
	Cancel   context.CancelFunc
	Created  time.Time
}

type SessionFactory func(ctx context.Context, callSID, streamID, traceID, from string) (*dialogue.Session, error)

// SessionRegistry tracks one dialogue session per active call. Creation
// is keyed by call SID so a reconnecting media stream finds its session
// instead of spawning a second one.
type SessionRegistry struct {
	sessions sync.Map
	count    atomic.Int64
	factory  SessionFactory
	draining atomic.Bool
}

func NewSessionRegistry(factory SessionFactory) *SessionRegistry {
	return &SessionRegistry{factory: factory}
}

func (r *SessionRegistry) GetOrCreate(callSID, streamID, traceID, from string) (*CallSession, bool, error) {
	if callSID == "" {
		return nil, false, ErrMissingCallSID
	}
	if v, ok := r.sessions.Load(callSID); ok {
		return v.(*CallSession), false, nil
	}
	if r.draining.Load() {
		return nil, false, ErrDraining
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess, err := r.factory(ctx, callSID, streamID, traceID, from)
	if err != nil {
		cancel()
		return nil, false, err
	}
	if err := sess.Start(ctx); err != nil {
		cancel()
		return nil, false, err
	}
	cs := &CallSession{
		CallSID:  callSID,
		StreamID: streamID,
		TraceID:  traceID,
		Session:  sess,
		Ctx:      ctx,
		Cancel:   cancel,
		Created:  time.Now(),
	}
	actual, loaded := r.sessions.LoadOrStore(callSID, cs)
	if loaded {
		_ = sess.Close("duplicate_session")
		cancel()
		return actual.(*CallSession), false, nil
	}
	r.count.Add(1)
	return cs, true, nil
}

func (r *SessionRegistry) Get(callSID string) (*CallSession, bool) {
	if v, ok := r.sessions.Load(callSID); ok {
		return v.(*CallSession), true
	}
	return nil, false
}

func (r *SessionRegistry) Remove(callSID string, reason string) {
	if v, ok := r.sessions.LoadAndDelete(callSID); ok {
		cs := v.(*CallSession)
		_ = cs.Session.Close(reason)
		if cs.Cancel != nil {
			cs.Cancel()
		}
		r.count.Add(-1)
	}
}

func (r *SessionRegistry) CloseAll(reason string) {
	r.sessions.Range(func(key, value any) bool {
		if callSID, ok := key.(string); ok {
			r.Remove(callSID, reason)
		}
		return true
	})
}

func (r *SessionRegistry) Count() int64 { return r.count.Load() }

func (r *SessionRegistry) SetDraining(v bool) { r.draining.Store(v) }

func (r *SessionRegistry) Draining() bool { return r.draining.Load() }

func (r *SessionRegistry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
