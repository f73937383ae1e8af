package summary

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/warren-run/warren/pkg/store"
)

type fakeStore struct {
	mu       sync.Mutex
	groups   []string
	messages map[string][]store.Message
}

func newFakeStore(groups ...string) *fakeStore {
	return &fakeStore{groups: groups, messages: make(map[string][]store.Message)}
}

func (s *fakeStore) GetSession(context.Context, string) (string, bool, error) { return "", false, nil }
func (s *fakeStore) SetSession(context.Context, string, string) error         { return nil }
func (s *fakeStore) DeleteSession(context.Context, string) error              { return nil }
func (s *fakeStore) RegisterGroup(context.Context, string, string) error      { return nil }
func (s *fakeStore) FolderOf(context.Context, string) (string, error)         { return "", nil }
func (s *fakeStore) ListGroupsByFolder(context.Context, string) ([]string, error) {
	return nil, nil
}
func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) ListGroups(context.Context) ([]string, error) {
	return s.groups, nil
}

func (s *fakeStore) AppendMessage(_ context.Context, group string, msg store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.messages[group] = append(s.messages[group], msg)
	return nil
}

func (s *fakeStore) ListMessages(_ context.Context, group string, since time.Time, _ int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Message
	for _, m := range s.messages[group] {
		if !m.CreatedAt.Before(since) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) kinds(group string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kinds []string
	for _, m := range s.messages[group] {
		kinds = append(kinds, m.Kind)
	}
	return kinds
}

func yesterdayAt(hour int) time.Time {
	now := time.Now()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return day.AddDate(0, 0, -1).Add(time.Duration(hour) * time.Hour)
}

func TestRunWritesOneSummaryPerGroup(t *testing.T) {
	st := newFakeStore("g1", "g2")
	ctx := context.Background()
	for _, g := range []string{"g1", "g2"} {
		_ = st.AppendMessage(ctx, g, store.Message{Role: "user", Kind: store.KindMessage, Content: "hi", CreatedAt: yesterdayAt(9)})
		_ = st.AppendMessage(ctx, g, store.Message{Role: "assistant", Kind: store.KindMessage, Content: "hello", CreatedAt: yesterdayAt(10)})
	}

	job := NewJob(st, nil)
	if err := job.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, g := range []string{"g1", "g2"} {
		kinds := st.kinds(g)
		if len(kinds) != 3 || kinds[2] != store.KindSummary {
			t.Fatalf("kinds for %s = %v, want trailing summary", g, kinds)
		}
	}
}

func TestRunIsIdempotentWithinADay(t *testing.T) {
	st := newFakeStore("g1")
	ctx := context.Background()
	_ = st.AppendMessage(ctx, "g1", store.Message{Role: "user", Kind: store.KindMessage, Content: "hi", CreatedAt: yesterdayAt(9)})

	job := NewJob(st, nil)
	if err := job.Run(ctx); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := job.Run(ctx); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	summaries := 0
	for _, k := range st.kinds("g1") {
		if k == store.KindSummary {
			summaries++
		}
	}
	if summaries != 1 {
		t.Fatalf("summaries = %d, want 1", summaries)
	}
}

func TestRunSkipsQuietGroups(t *testing.T) {
	st := newFakeStore("quiet")
	job := NewJob(st, nil)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if kinds := st.kinds("quiet"); len(kinds) != 0 {
		t.Fatalf("quiet group got %v", kinds)
	}
}

func TestRunIgnoresTodayAndNonMessages(t *testing.T) {
	st := newFakeStore("g1")
	ctx := context.Background()
	_ = st.AppendMessage(ctx, "g1", store.Message{Role: "user", Kind: store.KindMessage, Content: "old", CreatedAt: yesterdayAt(9)})
	_ = st.AppendMessage(ctx, "g1", store.Message{Role: "system", Kind: store.KindDivider, Content: "context reset", CreatedAt: yesterdayAt(10)})
	_ = st.AppendMessage(ctx, "g1", store.Message{Role: "user", Kind: store.KindMessage, Content: "today", CreatedAt: time.Now()})

	var got []store.Message
	job := NewJob(st, func(_ string, msgs []store.Message) string {
		got = msgs
		return "summary text"
	})
	if err := job.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 1 || got[0].Content != "old" {
		t.Fatalf("generator saw %+v, want only yesterday's chat message", got)
	}
}

func TestDefaultGeneratorMentionsCounts(t *testing.T) {
	msgs := []store.Message{
		{Role: "user", CreatedAt: yesterdayAt(9)},
		{Role: "assistant", CreatedAt: yesterdayAt(10)},
	}
	text := defaultGenerator("g1", msgs)
	if !strings.Contains(text, "2 messages") || !strings.Contains(text, "2 senders") {
		t.Fatalf("default summary = %q", text)
	}
}
