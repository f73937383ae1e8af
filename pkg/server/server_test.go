package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/warren-run/warren/pkg/queue"
	"github.com/warren-run/warren/pkg/store"
)

type fakeQueue struct {
	mu       sync.Mutex
	enqueues []string
	ensured  []string
	stops    []string
	force    bool
	stopErr  error
	state    queue.State
	pending  int
}

func (q *fakeQueue) Enqueue(group string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueues = append(q.enqueues, group)
}

func (q *fakeQueue) EnsureStarted(group string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ensured = append(q.ensured, group)
	return q.state == queue.StateIdle
}

func (q *fakeQueue) Stop(_ context.Context, group string, force bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stops = append(q.stops, group)
	q.force = force
	return q.stopErr
}

func (q *fakeQueue) State(string) (queue.State, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state, q.pending
}

type fakeStore struct {
	mu       sync.Mutex
	groups   map[string]string
	messages map[string][]store.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{groups: make(map[string]string), messages: make(map[string][]store.Message)}
}

func (s *fakeStore) GetSession(context.Context, string) (string, bool, error) { return "", false, nil }
func (s *fakeStore) SetSession(context.Context, string, string) error         { return nil }
func (s *fakeStore) DeleteSession(context.Context, string) error              { return nil }
func (s *fakeStore) ListGroups(context.Context) ([]string, error)             { return nil, nil }
func (s *fakeStore) ListMessages(context.Context, string, time.Time, int) ([]store.Message, error) {
	return nil, nil
}
func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) RegisterGroup(_ context.Context, group, folder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group] = folder
	return nil
}

func (s *fakeStore) FolderOf(_ context.Context, group string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[group], nil
}

func (s *fakeStore) ListGroupsByFolder(_ context.Context, folder string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for g, f := range s.groups {
		if f == folder {
			out = append(out, g)
		}
	}
	return out, nil
}

func (s *fakeStore) AppendMessage(_ context.Context, group string, msg store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[group] = append(s.messages[group], msg)
	return nil
}

type fakeResetter struct {
	mu     sync.Mutex
	calls  []string
	chatID string
	err    error
}

func (r *fakeResetter) Reset(_ context.Context, chatID, folder string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, folder)
	r.chatID = chatID
	return r.err
}

func newTestServer(q *fakeQueue, st *fakeStore, rs *fakeResetter) *Server {
	return New(Options{Queue: q, Store: st, Reset: rs})
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	resp := make(map[string]any)
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, resp
}

func TestAppendMessagePersistsAndEnqueues(t *testing.T) {
	q := &fakeQueue{state: queue.StateQueued, pending: 1}
	st := newFakeStore()
	s := newTestServer(q, st, &fakeResetter{})

	rec, resp := doJSON(t, s.Router(), http.MethodPost, "/api/groups/team-a/messages",
		map[string]string{"folder": "acme", "role": "user", "content": "hello"})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if resp["state"] != "queued" {
		t.Fatalf("state = %v, want queued", resp["state"])
	}
	if got := st.groups["team-a"]; got != "acme" {
		t.Fatalf("registered folder = %q, want acme", got)
	}
	msgs := st.messages["team-a"]
	if len(msgs) != 1 || msgs[0].Content != "hello" || msgs[0].Kind != store.KindMessage {
		t.Fatalf("stored messages = %+v", msgs)
	}
	if len(q.enqueues) != 1 || q.enqueues[0] != "team-a" {
		t.Fatalf("enqueues = %v", q.enqueues)
	}
}

func TestAppendMessageDefaultsFolderAndRole(t *testing.T) {
	q := &fakeQueue{}
	st := newFakeStore()
	s := newTestServer(q, st, &fakeResetter{})

	rec, _ := doJSON(t, s.Router(), http.MethodPost, "/api/groups/solo/messages",
		map[string]string{"content": "ping"})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if got := st.groups["solo"]; got != "solo" {
		t.Fatalf("default folder = %q, want group key", got)
	}
	if msgs := st.messages["solo"]; len(msgs) != 1 || msgs[0].Role != "user" {
		t.Fatalf("stored messages = %+v, want default user role", msgs)
	}
}

func TestAppendMessageRejectsEmptyContent(t *testing.T) {
	q := &fakeQueue{}
	s := newTestServer(q, newFakeStore(), &fakeResetter{})

	rec, _ := doJSON(t, s.Router(), http.MethodPost, "/api/groups/g/messages",
		map[string]string{"content": ""})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(q.enqueues) != 0 {
		t.Fatal("empty message reached the queue")
	}
}

func TestEnsureReportsStarted(t *testing.T) {
	q := &fakeQueue{state: queue.StateIdle}
	s := newTestServer(q, newFakeStore(), &fakeResetter{})

	rec, resp := doJSON(t, s.Router(), http.MethodPost, "/api/groups/g/ensure", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp["started"] != true {
		t.Fatalf("started = %v, want true", resp["started"])
	}
	if len(q.ensured) != 1 || q.ensured[0] != "g" {
		t.Fatalf("ensured = %v", q.ensured)
	}
}

func TestStopPassesForceFlag(t *testing.T) {
	q := &fakeQueue{state: queue.StateIdle}
	s := newTestServer(q, newFakeStore(), &fakeResetter{})

	rec, _ := doJSON(t, s.Router(), http.MethodPost, "/api/groups/g/stop?force=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !q.force {
		t.Fatal("force flag not forwarded")
	}
	if len(q.stops) != 1 || q.stops[0] != "g" {
		t.Fatalf("stops = %v", q.stops)
	}
}

func TestStateEndpoint(t *testing.T) {
	q := &fakeQueue{state: queue.StateRunning, pending: 3}
	s := newTestServer(q, newFakeStore(), &fakeResetter{})

	rec, resp := doJSON(t, s.Router(), http.MethodGet, "/api/groups/g/state", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp["state"] != "running" || resp["pending"] != float64(3) {
		t.Fatalf("response = %v", resp)
	}
}

func TestResetRequiresChatID(t *testing.T) {
	rs := &fakeResetter{}
	s := newTestServer(&fakeQueue{}, newFakeStore(), rs)

	rec, _ := doJSON(t, s.Router(), http.MethodPost, "/api/folders/acme/reset",
		map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(rs.calls) != 0 {
		t.Fatal("reset ran without a chat id")
	}
}

func TestResetDelegatesToCoordinator(t *testing.T) {
	rs := &fakeResetter{}
	s := newTestServer(&fakeQueue{}, newFakeStore(), rs)

	rec, resp := doJSON(t, s.Router(), http.MethodPost, "/api/folders/acme/reset",
		map[string]string{"chat_id": "team-a"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if resp["status"] != "reset" {
		t.Fatalf("status field = %v", resp["status"])
	}
	if len(rs.calls) != 1 || rs.calls[0] != "acme" || rs.chatID != "team-a" {
		t.Fatalf("coordinator saw folder=%v chat=%q", rs.calls, rs.chatID)
	}
}

func TestGroupEndpointsRejectUnsafeKeys(t *testing.T) {
	q := &fakeQueue{}
	s := newTestServer(q, newFakeStore(), &fakeResetter{})

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodPost, "/api/groups/../ensure"},
		{http.MethodPost, "/api/groups/../stop"},
		{http.MethodGet, "/api/groups/../state"},
	} {
		rec, _ := doJSON(t, s.Router(), tc.method, tc.path, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s %s: status = %d, want 400", tc.method, tc.path, rec.Code)
		}
	}
	if len(q.ensured) != 0 || len(q.stops) != 0 {
		t.Fatalf("unsafe group key reached the queue: ensured=%v stops=%v", q.ensured, q.stops)
	}
}

func TestResetRejectsTraversalFolder(t *testing.T) {
	rs := &fakeResetter{}
	s := newTestServer(&fakeQueue{}, newFakeStore(), rs)

	rec, _ := doJSON(t, s.Router(), http.MethodPost, "/api/folders/../reset",
		map[string]string{"chat_id": "g"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(rs.calls) != 0 {
		t.Fatal("traversal folder reached the coordinator")
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(&fakeQueue{}, newFakeStore(), &fakeResetter{})
	rec, resp := doJSON(t, s.Router(), http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK || resp["status"] != "ok" {
		t.Fatalf("healthz = %d %v", rec.Code, resp)
	}
}
