// Package scheduler drives periodic maintenance. A single fixed-rate
// tick runs the queue's maintenance pass and then each registered
// batch job; ticks never overlap (a due tick is skipped while the
// previous one still runs) and a failing or panicking job cannot
// abort the tick.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	warrenlog "github.com/warren-run/warren/pkg/log"
)

// Maintainer is the queue-side maintenance hook invoked first on
// every tick.
type Maintainer interface {
	Reap(ctx context.Context)
}

// Job is a periodic batch task (e.g. the nightly summary). Jobs run
// sequentially within a tick and must tolerate being called well
// before their work is due; gating beyond the Window/hour throttle is
// their own business.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Window restricts a job to local hours [From, To). The zero value
// places no restriction.
type Window struct {
	From int
	To   int
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if w.From == 0 && w.To == 0 {
		return true
	}
	h := t.Hour()
	if w.From <= w.To {
		return h >= w.From && h < w.To
	}
	// Window wraps midnight.
	return h >= w.From || h < w.To
}

type registered struct {
	job    Job
	window Window
	// lastHour is the local calendar hour of the last attempt; a job
	// runs at most once per calendar hour.
	lastHour time.Time
}

// Options configures a Loop.
type Options struct {
	Queue    Maintainer
	Interval time.Duration
}

// Loop owns the tick timer. Register jobs before Start.
type Loop struct {
	queue    Maintainer
	interval time.Duration
	now      func() time.Time

	mu    sync.Mutex
	jobs  []*registered
	sched gocron.Scheduler
}

// New creates a stopped loop.
func New(opts Options) *Loop {
	interval := opts.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Loop{
		queue:    opts.Queue,
		interval: interval,
		now:      time.Now,
	}
}

// Register adds a batch job gated by the window and the once-per-hour
// throttle.
func (l *Loop) Register(job Job, window Window) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs = append(l.jobs, &registered{job: job, window: window})
}

// Start begins ticking. Overlap protection is the timer's: a tick due
// while the previous one runs is dropped, not queued.
func (l *Loop) Start() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = sched.NewJob(
		gocron.DurationJob(l.interval),
		gocron.NewTask(func() { l.tick(context.Background()) }),
		gocron.WithName("warren-tick"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.sched = sched
	l.mu.Unlock()
	sched.Start()
	warrenlog.Info("scheduler started", "interval", l.interval)
	return nil
}

// Stop shuts the timer down, waiting for an in-flight tick.
func (l *Loop) Stop() error {
	l.mu.Lock()
	sched := l.sched
	l.sched = nil
	l.mu.Unlock()
	if sched == nil {
		return nil
	}
	return sched.Shutdown()
}

func (l *Loop) tick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, l.interval)
	defer cancel()

	// Queue maintenance always runs, before and regardless of jobs.
	if l.queue != nil {
		l.queue.Reap(tickCtx)
	}

	now := l.now()
	l.mu.Lock()
	jobs := append([]*registered(nil), l.jobs...)
	l.mu.Unlock()

	for _, r := range jobs {
		l.runJob(tickCtx, r, now)
	}
}

// runJob applies the gating rules and isolates failures: an error is
// logged, a panic is recovered, and in both cases the tick moves on
// to the next job.
func (l *Loop) runJob(ctx context.Context, r *registered, now time.Time) {
	if !r.window.Contains(now) {
		return
	}
	// Truncate would misalign in zones with fractional UTC offsets;
	// build the hour key from local calendar components like
	// Window.Contains does.
	hour := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	l.mu.Lock()
	due := !r.lastHour.Equal(hour)
	if due {
		r.lastHour = hour
	}
	l.mu.Unlock()
	if !due {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			warrenlog.Error("scheduled job panicked", "job", r.job.Name(), "panic", rec)
		}
	}()
	if err := r.job.Run(ctx); err != nil {
		warrenlog.Warn("scheduled job failed", "job", r.job.Name(), "error", err)
	}
}
