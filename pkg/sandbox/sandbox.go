// Package sandbox defines the contract between the group execution queue
// and the isolated agent process backing each group, plus the Docker
// implementation of that contract.
package sandbox

import "context"

// ExitStatus reports how a sandbox process ended. Crashed is true when
// the exit was not requested (non-zero exit code or a wait failure).
type ExitStatus struct {
	Code    int
	Crashed bool
}

// Handle is an exclusive reference to one live sandbox. The queue owns
// the handle while the group is running or stopping; no other component
// may signal or kill the process directly.
type Handle interface {
	// ID identifies the underlying process (container ID).
	ID() string
	// Signal requests a cooperative stop (SIGTERM).
	Signal(ctx context.Context) error
	// Kill terminates the sandbox immediately.
	Kill(ctx context.Context) error
	// Done delivers exactly one ExitStatus when the sandbox exits,
	// whether naturally, by signal, or by crash.
	Done() <-chan ExitStatus
	// Alive reports whether the process still exists. Used by the
	// maintenance reaper as a liveness probe.
	Alive(ctx context.Context) bool
}

// Runner starts sandboxes for groups. Start either creates a fresh
// process or re-attaches to a warm one left over for the same group.
// The session token carries prior conversation context and may be empty.
type Runner interface {
	Start(ctx context.Context, group, sessionToken string) (Handle, error)
}
