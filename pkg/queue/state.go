package queue

import "time"

// State is the per-group lifecycle state.
//
//	Idle ──enqueue──▶ Queued ──dispatch──▶ Running ──exit──▶ Idle
//	Running ──stop──▶ Stopping ──exit/timeout──▶ Idle
//
// Enqueues arriving while Queued or Running coalesce into the pending
// count instead of creating a second execution.
type State int

const (
	StateIdle State = iota
	StateQueued
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// EventType names a queue lifecycle transition published to the
// broadcast gateway.
type EventType string

const (
	EventStateChanged     EventType = "queue-state-changed"
	EventExecutionStarted EventType = "execution-started"
	EventExecutionStopped EventType = "execution-stopped"
	EventDispatchFailed   EventType = "dispatch-failed"
	EventResetComplete    EventType = "reset-complete"
)

// Event describes a state transition for one group. Error is set on
// crashes and dispatch failures; it is informational, never a control
// signal.
type Event struct {
	Type    EventType `json:"type"`
	Group   string    `json:"group"`
	State   string    `json:"state"`
	Pending int       `json:"pending"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher fans events out to connected clients. Publish must not
// block: the queue calls it while making progress and never waits on
// delivery.
type Publisher interface {
	Publish(group string, ev Event)
}
