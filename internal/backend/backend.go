// Package backend starts the AI assistant process behind an agent and
// normalises its streaming output. The coordinator only sees Backend.
package backend

import (
	"context"
	"fmt"

	"github.com/mtzanidakis/crew/internal/config"
)

type OutputKind string

const (
	OutputSystem OutputKind = "system"
	OutputText   OutputKind = "text"
	OutputResult OutputKind = "result"
	OutputError  OutputKind = "error"
)

// Output is one provider-neutral event from a backend process.
type Output struct {
	Kind      OutputKind
	Text      string
	SessionID string
	IsError   bool
}

// Final reports whether the event ends a turn.
func (o Output) Final() bool {
	return o.Kind == OutputResult || o.Kind == OutputError
}

// Handle controls one running backend process.
type Handle interface {
	// Send delivers another user turn to the process.
	Send(text string) error
	// Terminate asks the process to stop.
	Terminate() error
	// Kill stops the process immediately.
	Kill() error
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
	Pid() int
}

// Backend spawns a long-lived assistant process primed with prompt. The
// output channel is closed once the process stops producing output.
type Backend interface {
	Name() string
	Spawn(ctx context.Context, prompt, workDir, sessionID string) (Handle, <-chan Output, error)
}

// New returns the backend selected by cfg.Kind.
func New(cfg config.BackendConfig) (Backend, error) {
	switch cfg.Kind {
	case config.BackendClaude, "":
		return NewClaude(cfg.Claude), nil
	case config.BackendContainer:
		return NewContainer(cfg)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Kind)
	}
}
