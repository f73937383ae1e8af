// Package queue serializes agent executions per chat group. Each group
// key owns at most one live sandbox at a time; message arrivals are
// coalesced into a pending count rather than queued individually, so a
// burst of input produces at most one follow-up execution cycle.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	warrenlog "github.com/warren-run/warren/pkg/log"
	"github.com/warren-run/warren/pkg/sandbox"
)

const startTimeout = 2 * time.Minute

// Options configures a Queue. Runner is required; everything else has
// a usable default.
type Options struct {
	Runner  sandbox.Runner
	Gateway Publisher // nil disables event publication

	// StopGrace bounds how long a cooperative stop waits before
	// escalating to a forced kill.
	StopGrace time.Duration

	// StaleAfter is the inactivity threshold after which Reap probes a
	// running entry's handle for liveness.
	StaleAfter time.Duration

	// SessionFor resolves the session token handed to the runner when
	// a group's sandbox starts. May be nil.
	SessionFor func(ctx context.Context, group string) string
}

// Queue is the per-group execution queue. All methods are safe for
// concurrent use; operations on different groups never contend.
type Queue struct {
	runner     sandbox.Runner
	gateway    Publisher
	stopGrace  time.Duration
	staleAfter time.Duration
	sessionFor func(ctx context.Context, group string) string
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// entry is the in-memory record for one group. It exists only while
// the group has work, a live handle, or a stop in flight; gc removes
// it once everything returns to rest. Field access is serialized by
// mu, which is the per-key lock the state machine relies on.
type entry struct {
	key string

	mu           sync.Mutex
	state        State
	pending      int
	handle       sandbox.Handle
	lastActivity time.Time
	// gen is bumped on every transition into Queued and on stop
	// cancellation; a dispatch only proceeds if its generation is
	// still current.
	gen uint64
	// stopDone is non-nil while a graceful stop is in flight and is
	// closed exactly once, by whoever releases the handle.
	stopDone chan struct{}
	// dead marks an entry that gc removed from the map; callers that
	// raced the removal re-fetch a fresh entry.
	dead bool
}

// New creates a queue backed by the given sandbox runner.
func New(opts Options) *Queue {
	if opts.Runner == nil {
		panic("queue: Runner is required")
	}
	stopGrace := opts.StopGrace
	if stopGrace <= 0 {
		stopGrace = 30 * time.Second
	}
	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &Queue{
		runner:     opts.Runner,
		gateway:    opts.Gateway,
		stopGrace:  stopGrace,
		staleAfter: staleAfter,
		sessionFor: opts.SessionFor,
		now:        time.Now,
		entries:    make(map[string]*entry),
	}
}

// Enqueue signals that unread input exists for the group. Idle groups
// are scheduled for dispatch; otherwise the input coalesces into the
// pending count. Enqueue never blocks on execution and never fails:
// dispatch errors surface as events.
func (q *Queue) Enqueue(group string) {
	e := q.lockEntry(group)
	e.lastActivity = q.now()
	if e.state != StateIdle {
		e.pending++
		pending := e.pending
		e.mu.Unlock()
		warrenlog.Debug("enqueue coalesced", "group", group, "pending", pending)
		return
	}
	e.pending = 1
	gen := q.toQueuedLocked(e)
	e.mu.Unlock()
	q.publish(group, Event{Type: EventStateChanged, Group: group, State: StateQueued.String(), Pending: 1, At: q.now()})
	go q.dispatch(e, gen)
}

// EnsureStarted schedules a dispatch for the group without recording
// new input, so a sandbox comes up even though there is nothing to
// process (e.g. the user opened a terminal into it). Returns true if a
// dispatch was scheduled, false if the group was already queued,
// running, or stopping.
func (q *Queue) EnsureStarted(group string) bool {
	e := q.lockEntry(group)
	e.lastActivity = q.now()
	if e.state != StateIdle {
		e.mu.Unlock()
		return false
	}
	gen := q.toQueuedLocked(e)
	e.mu.Unlock()
	q.publish(group, Event{Type: EventStateChanged, Group: group, State: StateQueued.String(), At: q.now()})
	go q.dispatch(e, gen)
	return true
}

// Stop terminates the group's execution. force kills immediately and
// releases the handle before returning; otherwise the sandbox gets a
// cooperative stop signal and a bounded grace period before the kill
// is escalated. Stopping an idle or unknown group is a successful
// no-op. The returned error is non-nil only when the kill primitive
// itself failed, in which case the entry keeps its current state so a
// later retry can succeed.
func (q *Queue) Stop(ctx context.Context, group string, force bool) error {
	q.mu.Lock()
	e := q.entries[group]
	q.mu.Unlock()
	if e == nil {
		return nil
	}

	e.mu.Lock()
	e.lastActivity = q.now()
	switch e.state {
	case StateIdle:
		e.mu.Unlock()
		return nil

	case StateQueued:
		// The sandbox has not started; cancelling is just invalidating
		// the dispatch generation.
		e.state = StateIdle
		e.pending = 0
		e.gen++
		e.mu.Unlock()
		q.publish(group, Event{Type: EventStateChanged, Group: group, State: StateIdle.String(), At: q.now()})
		q.gc(e)
		return nil

	case StateRunning:
		if force {
			e.mu.Unlock()
			return q.killAndRelease(ctx, e)
		}
		h := e.handle
		e.state = StateStopping
		e.stopDone = make(chan struct{})
		stopDone := e.stopDone
		e.mu.Unlock()
		q.publish(group, Event{Type: EventStateChanged, Group: group, State: StateStopping.String(), At: q.now()})
		if err := h.Signal(ctx); err != nil {
			warrenlog.Warn("stop signal failed, escalating", "group", group, "error", err)
			return q.killAndRelease(ctx, e)
		}
		return q.awaitStop(ctx, e, stopDone)

	case StateStopping:
		stopDone := e.stopDone
		e.mu.Unlock()
		if force {
			return q.killAndRelease(ctx, e)
		}
		return q.awaitStop(ctx, e, stopDone)
	}
	e.mu.Unlock()
	return nil
}

// State reports the current state and pending count for a group.
// Unknown groups are idle.
func (q *Queue) State(group string) (State, int) {
	q.mu.Lock()
	e := q.entries[group]
	q.mu.Unlock()
	if e == nil {
		return StateIdle, 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.pending
}

// ActiveHandles counts groups currently owning a live sandbox handle.
// It exists so tests and diagnostics can check the one-handle-per-key
// invariant.
func (q *Queue) ActiveHandles() int {
	q.mu.Lock()
	entries := make([]*entry, 0, len(q.entries))
	for _, e := range q.entries {
		entries = append(entries, e)
	}
	q.mu.Unlock()

	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.handle != nil {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// Reap is the scheduler-driven maintenance pass: stops stuck in
// Stopping beyond the grace window are escalated, running entries with
// stale activity and a dead handle are healed back to idle, and spent
// entries are dropped from the map.
func (q *Queue) Reap(ctx context.Context) {
	q.mu.Lock()
	entries := make([]*entry, 0, len(q.entries))
	for _, e := range q.entries {
		entries = append(entries, e)
	}
	q.mu.Unlock()

	now := q.now()
	for _, e := range entries {
		e.mu.Lock()
		state := e.state
		idle := now.Sub(e.lastActivity)
		h := e.handle
		e.mu.Unlock()

		switch {
		case state == StateStopping && idle > q.stopGrace:
			warrenlog.Warn("graceful stop overdue, escalating", "group", e.key, "idle", idle)
			if err := q.killAndRelease(ctx, e); err != nil {
				warrenlog.Error("escalated kill failed", "group", e.key, "error", err)
			}

		case state == StateRunning && idle > q.staleAfter:
			if h != nil && h.Alive(ctx) {
				e.mu.Lock()
				if e.handle == h {
					e.lastActivity = now
				}
				e.mu.Unlock()
				continue
			}
			// The handle leaked: the runner no longer knows the
			// process but the entry still claims Running.
			e.mu.Lock()
			if e.handle != h || e.state != StateRunning {
				e.mu.Unlock()
				continue
			}
			e.handle = nil
			e.state = StateIdle
			e.pending = 0
			e.mu.Unlock()
			warrenlog.Warn("reaped stale running entry", "group", e.key)
			q.publish(e.key, Event{
				Type:  EventExecutionStopped,
				Group: e.key,
				State: StateIdle.String(),
				Error: "sandbox handle lost",
				At:    now,
			})
			q.gc(e)

		case state == StateIdle:
			q.gc(e)
		}
	}
}

// lockEntry returns the entry for the group with its mutex held,
// creating it on first use. Entries removed by gc between lookup and
// lock are retried.
func (q *Queue) lockEntry(group string) *entry {
	for {
		q.mu.Lock()
		e := q.entries[group]
		if e == nil {
			e = &entry{key: group, state: StateIdle}
			q.entries[group] = e
		}
		q.mu.Unlock()

		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		return e
	}
}

// toQueuedLocked transitions an idle entry to Queued and returns the
// new dispatch generation. Caller holds e.mu.
func (q *Queue) toQueuedLocked(e *entry) uint64 {
	e.state = StateQueued
	e.gen++
	return e.gen
}

// dispatch moves a Queued entry into Running. The pending snapshot is
// cleared before the sandbox starts: enqueues arriving from here on
// belong to the next cycle.
func (q *Queue) dispatch(e *entry, gen uint64) {
	e.mu.Lock()
	if e.state != StateQueued || e.gen != gen {
		e.mu.Unlock()
		return
	}
	e.pending = 0
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	var token string
	if q.sessionFor != nil {
		token = q.sessionFor(ctx, e.key)
	}
	h, err := q.runner.Start(ctx, e.key, token)

	e.mu.Lock()
	if e.state != StateQueued || e.gen != gen {
		// A stop cancelled us while the sandbox was starting. The
		// process we may have acquired has no owner; put it down.
		e.mu.Unlock()
		if err == nil {
			if killErr := h.Kill(context.Background()); killErr != nil {
				warrenlog.Warn("failed to kill cancelled sandbox", "group", e.key, "error", killErr)
			}
		}
		return
	}
	if err != nil {
		e.state = StateIdle
		e.pending = 0
		e.mu.Unlock()
		warrenlog.Error("sandbox dispatch failed", "group", e.key, "error", err)
		q.publish(e.key, Event{
			Type:  EventDispatchFailed,
			Group: e.key,
			State: StateIdle.String(),
			Error: err.Error(),
			At:    q.now(),
		})
		q.gc(e)
		return
	}

	e.state = StateRunning
	e.handle = h
	e.lastActivity = q.now()
	e.mu.Unlock()

	q.publish(e.key, Event{Type: EventExecutionStarted, Group: e.key, State: StateRunning.String(), At: q.now()})
	go q.watch(e, h)
}

// watch is the single owner of the handle's exit event. If pending
// input accumulated during a natural completion the entry re-enters
// Queued immediately; crashes and stops settle to Idle.
func (q *Queue) watch(e *entry, h sandbox.Handle) {
	status := <-h.Done()

	e.mu.Lock()
	if e.handle != h {
		// A forced stop already released this handle and owns the
		// transition; the exit event is stale.
		e.mu.Unlock()
		return
	}
	e.handle = nil
	wasStopping := e.state == StateStopping
	stopDone := e.stopDone
	e.stopDone = nil
	e.state = StateIdle
	e.lastActivity = q.now()

	requeue := !wasStopping && !status.Crashed && e.pending > 0
	var gen uint64
	if requeue {
		gen = q.toQueuedLocked(e)
	} else {
		e.pending = 0
	}
	pending := e.pending
	e.mu.Unlock()

	if stopDone != nil {
		close(stopDone)
	}

	ev := Event{
		Type:    EventExecutionStopped,
		Group:   e.key,
		State:   e.stateString(),
		Pending: pending,
		At:      q.now(),
	}
	if status.Crashed {
		ev.Error = fmt.Sprintf("sandbox crashed with exit code %d", status.Code)
		warrenlog.Warn("sandbox crashed", "group", e.key, "exit_code", status.Code)
	}
	q.publish(e.key, ev)

	if requeue {
		go q.dispatch(e, gen)
	} else {
		q.gc(e)
	}
}

// awaitStop waits for the graceful stop to settle, escalating to a
// forced kill once the grace window expires.
func (q *Queue) awaitStop(ctx context.Context, e *entry, stopDone chan struct{}) error {
	if stopDone == nil {
		return nil
	}
	timer := time.NewTimer(q.stopGrace)
	defer timer.Stop()
	select {
	case <-stopDone:
		return nil
	case <-timer.C:
		warrenlog.Warn("graceful stop timed out, escalating", "group", e.key, "grace", q.stopGrace)
		return q.killAndRelease(ctx, e)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// killAndRelease kills the current handle and settles the entry to
// Idle. Only the caller observing the live handle performs the
// release; concurrent callers find it already gone and return nil. A
// kill failure leaves the entry untouched so the stop can be retried.
func (q *Queue) killAndRelease(ctx context.Context, e *entry) error {
	e.mu.Lock()
	h := e.handle
	e.mu.Unlock()
	if h == nil {
		return nil
	}

	if err := h.Kill(ctx); err != nil {
		return fmt.Errorf("failed to kill sandbox for group %s: %w", e.key, err)
	}

	e.mu.Lock()
	if e.handle != h {
		e.mu.Unlock()
		return nil
	}
	e.handle = nil
	e.state = StateIdle
	e.pending = 0
	stopDone := e.stopDone
	e.stopDone = nil
	e.lastActivity = q.now()
	e.mu.Unlock()

	if stopDone != nil {
		close(stopDone)
	}
	q.publish(e.key, Event{Type: EventExecutionStopped, Group: e.key, State: StateIdle.String(), At: q.now()})
	q.gc(e)
	return nil
}

// gc removes the entry from the map once it is fully at rest. The
// entry is marked dead under both locks so racing callers re-fetch.
func (q *Queue) gc(e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.entries[e.key] != e {
		return
	}
	e.mu.Lock()
	remove := e.state == StateIdle && e.pending == 0 && e.handle == nil && e.stopDone == nil
	if remove {
		e.dead = true
	}
	e.mu.Unlock()
	if remove {
		delete(q.entries, e.key)
	}
}

func (q *Queue) publish(group string, ev Event) {
	if q.gateway == nil {
		return
	}
	q.gateway.Publish(group, ev)
}

func (e *entry) stateString() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.String()
}
