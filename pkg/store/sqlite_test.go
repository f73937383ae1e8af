package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(SQLiteConfig{
		Path:     filepath.Join(t.TempDir(), "warren.db"),
		PoolSize: 2,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetSession(ctx, "f1"); err != nil || ok {
		t.Fatalf("GetSession on empty store = ok %v, err %v", ok, err)
	}

	if err := s.SetSession(ctx, "f1", "tok-1"); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	token, ok, err := s.GetSession(ctx, "f1")
	if err != nil || !ok || token != "tok-1" {
		t.Fatalf("GetSession = %q, %v, %v; want tok-1, true, nil", token, ok, err)
	}

	// Replacement.
	if err := s.SetSession(ctx, "f1", "tok-2"); err != nil {
		t.Fatalf("SetSession (replace): %v", err)
	}
	token, _, _ = s.GetSession(ctx, "f1")
	if token != "tok-2" {
		t.Fatalf("token after replace = %q, want tok-2", token)
	}

	if err := s.DeleteSession(ctx, "f1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, ok, _ := s.GetSession(ctx, "f1"); ok {
		t.Fatal("session still present after delete")
	}

	// Deleting again is a no-op.
	if err := s.DeleteSession(ctx, "f1"); err != nil {
		t.Fatalf("repeated DeleteSession: %v", err)
	}
}

func TestDeleteSessionInvalidatesCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetSession(ctx, "f1", "tok"); err != nil {
		t.Fatalf("SetSession: %v", err)
	}
	// Prime the cache.
	if _, ok, _ := s.GetSession(ctx, "f1"); !ok {
		t.Fatal("expected session")
	}
	if err := s.DeleteSession(ctx, "f1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, ok, _ := s.GetSession(ctx, "f1"); ok {
		t.Fatal("cache served a deleted session")
	}
}

func TestGroupFolderMapping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, g := range []string{"home", "im"} {
		if err := s.RegisterGroup(ctx, g, "f1"); err != nil {
			t.Fatalf("RegisterGroup %s: %v", g, err)
		}
	}
	if err := s.RegisterGroup(ctx, "other", "f2"); err != nil {
		t.Fatalf("RegisterGroup other: %v", err)
	}
	// Re-registering is idempotent.
	if err := s.RegisterGroup(ctx, "home", "f1"); err != nil {
		t.Fatalf("repeated RegisterGroup: %v", err)
	}

	groups, err := s.ListGroupsByFolder(ctx, "f1")
	if err != nil {
		t.Fatalf("ListGroupsByFolder: %v", err)
	}
	if len(groups) != 2 || groups[0] != "home" || groups[1] != "im" {
		t.Fatalf("groups for f1 = %v, want [home im]", groups)
	}

	all, err := s.ListGroups(ctx)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListGroups = %v, want 3 entries", all)
	}

	folder, err := s.FolderOf(ctx, "other")
	if err != nil {
		t.Fatalf("FolderOf: %v", err)
	}
	if folder != "f2" {
		t.Fatalf("FolderOf(other) = %q, want f2", folder)
	}
	if folder, _ := s.FolderOf(ctx, "missing"); folder != "" {
		t.Fatalf("FolderOf(missing) = %q, want empty", folder)
	}
}

func TestMessagesSinceAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		err := s.AppendMessage(ctx, "g1", Message{
			Role:      "user",
			Content:   "hello",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}

	msgs, err := s.ListMessages(ctx, "g1", base.Add(2*time.Minute), 0)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("messages since cutoff = %d, want 3", len(msgs))
	}
	for _, m := range msgs {
		if m.ID == "" || m.Kind != KindMessage {
			t.Fatalf("message missing defaults: %+v", m)
		}
	}

	limited, err := s.ListMessages(ctx, "g1", time.Time{}, 2)
	if err != nil {
		t.Fatalf("ListMessages with limit: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limited messages = %d, want 2", len(limited))
	}
	if !limited[0].CreatedAt.Before(limited[1].CreatedAt) {
		t.Fatal("messages not ordered oldest first")
	}
}
