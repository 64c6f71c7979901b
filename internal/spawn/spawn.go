// Package spawn implements the Agent Spawner: launching an agent
// process with a composed prompt, tracking its liveness, and collecting
// its exit status.
package spawn

import (
	"context"
)

// Spec describes one agent invocation.
type Spec struct {
	SessionID  string
	Prompt     string
	WorkingDir string
	Mode       string // "fresh" | "recover"
	SocketPath string // Unix socket the agent submits its terminal request to
}

// ExitResult is reported when an agent process terminates.
type ExitResult struct {
	Crashed  bool   // true if the process exited with an error or non-zero status, or the wait was cut short
	ExitCode int
	Err      error
}

// Handle represents one running (or exited) agent process.
type Handle interface {
	// Wait blocks until the process exits and returns its result.
	Wait(ctx context.Context) ExitResult
	// Stop requests graceful termination, escalating to a forced kill
	// if the process does not exit before ctx is done.
	Stop(ctx context.Context) error
	// Pid returns a driver-specific process identifier for event logs.
	Pid() string
}

// Driver launches an agent process for a given spec. The engine treats
// the agent as a black box: it only knows how to launch one and observe
// its exit.
type Driver interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
}
