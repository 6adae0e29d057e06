package runner

import (
	"bytes"
	"context"
	"os"

	"github.com/dimiro1/banner"
)

// State tracks where a runner is in its lifecycle. Transitions only move
// forward: New -> Starting -> Running -> Draining -> Stopped.
type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks fire at the edges of the lifecycle. OnStart runs before the runner
// blocks; OnStop runs after draining completes.
type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer finishes in-flight work before shutdown. For the voice engine that
// means closing the transport and waiting for live calls to wind down.
type Drainer interface {
	Drain() error
}

type DrainerFunc func() error

func (f DrainerFunc) Drain() error { return f() }

const EngineVersion = "dev"

func PrintBanner() {
	tpl := "{{ .Title \"LYRA\" \"\" 0 }}\nVersion: " + EngineVersion + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}
