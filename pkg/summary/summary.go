// Package summary implements the nightly digest job: once per day,
// inside the scheduler's configured window, each group's previous-day
// messages are condensed into a single summary message appended to its
// history. The job only reads and writes through the store; it never
// touches the execution queue.
package summary

import (
	"context"
	"fmt"
	"time"

	warrenlog "github.com/warren-run/warren/pkg/log"
	"github.com/warren-run/warren/pkg/store"
)

// Generator produces the summary text for one group's day of
// messages. msgs is non-empty and ordered oldest first.
type Generator func(group string, msgs []store.Message) string

// Job writes one summary per group per day. It satisfies
// scheduler.Job.
type Job struct {
	store store.Store
	gen   Generator
	now   func() time.Time
}

// NewJob builds the job; gen may be nil to use the default headline
// generator.
func NewJob(st store.Store, gen Generator) *Job {
	if gen == nil {
		gen = defaultGenerator
	}
	return &Job{store: st, gen: gen, now: time.Now}
}

func (j *Job) Name() string { return "daily-summary" }

// Run summarizes yesterday for every group that has unsummarized
// messages. Per-group failures are logged and skipped so one broken
// group cannot starve the rest.
func (j *Job) Run(ctx context.Context) error {
	groups, err := j.store.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("summary: listing groups: %w", err)
	}

	now := j.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	prevStart := dayStart.AddDate(0, 0, -1)

	for _, group := range groups {
		if err := j.summarizeGroup(ctx, group, prevStart, dayStart); err != nil {
			warrenlog.Warn("failed to summarize group, skipping", "group", group, "error", err)
		}
	}
	return nil
}

func (j *Job) summarizeGroup(ctx context.Context, group string, from, to time.Time) error {
	msgs, err := j.store.ListMessages(ctx, group, from, 0)
	if err != nil {
		return err
	}

	var day []store.Message
	for _, m := range msgs {
		if !m.CreatedAt.Before(to) {
			// Today's traffic belongs to tomorrow's summary, but a
			// summary stamped today means yesterday is already done.
			if m.Kind == store.KindSummary {
				return nil
			}
			continue
		}
		if m.Kind == store.KindMessage {
			day = append(day, m)
		}
	}
	if len(day) == 0 {
		return nil
	}

	text := j.gen(group, day)
	if text == "" {
		return nil
	}
	if err := j.store.AppendMessage(ctx, group, store.Message{
		Role:    "assistant",
		Kind:    store.KindSummary,
		Content: text,
	}); err != nil {
		return err
	}
	warrenlog.Info("daily summary written", "group", group, "messages", len(day))
	return nil
}

func defaultGenerator(group string, msgs []store.Message) string {
	senders := make(map[string]struct{})
	for _, m := range msgs {
		senders[m.Role] = struct{}{}
	}
	first := msgs[0].CreatedAt.Format("15:04")
	last := msgs[len(msgs)-1].CreatedAt.Format("15:04")
	return fmt.Sprintf("Daily summary for %s: %d messages from %d senders between %s and %s.",
		msgs[0].CreatedAt.Format("2006-01-02"), len(msgs), len(senders), first, last)
}
