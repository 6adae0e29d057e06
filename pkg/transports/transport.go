package transports

import (
	"context"

	"github.com/lyravoice/lyra/pkg/frames"
)

// Transport defines a vendor-agnostic I/O boundary for audio/control
// frames. Implementations are responsible for their own network
// lifecycle. Recv carries caller audio plus call_start/call_end system
// frames; Send takes agent audio and control frames back to the caller.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}

// CallController allows transports to end an active call from our side,
// e.g. after a fatal session failure.
type CallController interface {
	EndCall(ctx context.Context, callSID string) error
}

// ReadyReporter allows transports to expose readiness metadata (e.g.,
// webhook URLs). Implementations are optional and used for
// informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
