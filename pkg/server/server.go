// Package server exposes the queue, reset, and broadcast surfaces
// over HTTP. Message ingestion is fire-and-forget: the handler
// persists the message, pokes the queue, and returns 202 without
// waiting for the execution.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	warrenlog "github.com/warren-run/warren/pkg/log"
	"github.com/warren-run/warren/pkg/pathutil"
	"github.com/warren-run/warren/pkg/queue"
	"github.com/warren-run/warren/pkg/store"
)

// QueueAPI is the slice of the execution queue the handlers need.
type QueueAPI interface {
	Enqueue(group string)
	EnsureStarted(group string) bool
	Stop(ctx context.Context, group string, force bool) error
	State(group string) (queue.State, int)
}

// Resetter performs the hard-reset protocol.
type Resetter interface {
	Reset(ctx context.Context, chatID, folder string) error
}

// WSHandler serves the websocket subscription endpoint.
type WSHandler interface {
	HandleWS(w http.ResponseWriter, r *http.Request)
}

// Options wires the server. Queue and Store are required; Reset and
// WS are optional surfaces.
type Options struct {
	Addr  string
	Queue QueueAPI
	Store store.Store
	Reset Resetter
	WS    WSHandler
}

// Server is the HTTP front door.
type Server struct {
	queue    QueueAPI
	store    store.Store
	resetter Resetter
	router   *mux.Router
	http     *http.Server
}

// New builds the router. Start actually listens.
func New(opts Options) *Server {
	s := &Server{
		queue:    opts.Queue,
		store:    opts.Store,
		resetter: opts.Reset,
		router:   mux.NewRouter(),
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/groups/{group}/messages", s.handleAppendMessage).Methods(http.MethodPost)
	api.HandleFunc("/groups/{group}/ensure", s.handleEnsure).Methods(http.MethodPost)
	api.HandleFunc("/groups/{group}/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/groups/{group}/state", s.handleState).Methods(http.MethodGet)
	if opts.Reset != nil {
		api.HandleFunc("/folders/{folder}/reset", s.handleReset).Methods(http.MethodPost)
	}
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if opts.WS != nil {
		s.router.HandleFunc("/ws", opts.WS.HandleWS).Methods(http.MethodGet)
	}

	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router returns the handler, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start listens until the server is shut down. http.ErrServerClosed
// is swallowed.
func (s *Server) Start() error {
	warrenlog.Info("http server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type appendMessageRequest struct {
	Folder  string `json:"folder,omitempty"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// groupParam extracts and validates the group path variable. Keys
// become Docker labels and folder fallbacks, so anything that is not a
// plain path segment is rejected before it reaches the queue.
func (s *Server) groupParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	group := mux.Vars(r)["group"]
	if !pathutil.SafeSegment(group) {
		writeError(w, http.StatusBadRequest, "invalid group key")
		return "", false
	}
	return group, true
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	group, ok := s.groupParam(w, r)
	if !ok {
		return
	}
	var req appendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}
	folder := req.Folder
	if folder == "" {
		// Groups without an explicit folder get a private namespace.
		folder = group
	}
	if !pathutil.SafeSegment(folder) {
		writeError(w, http.StatusBadRequest, "invalid folder name")
		return
	}

	ctx := r.Context()
	if err := s.store.RegisterGroup(ctx, group, folder); err != nil {
		warrenlog.Error("failed to register group", "group", group, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register group")
		return
	}
	if err := s.store.AppendMessage(ctx, group, store.Message{
		Role:    req.Role,
		Kind:    store.KindMessage,
		Content: req.Content,
	}); err != nil {
		warrenlog.Error("failed to append message", "group", group, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist message")
		return
	}

	s.queue.Enqueue(group)
	state, pending := s.queue.State(group)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"state":   state.String(),
		"pending": pending,
	})
}

func (s *Server) handleEnsure(w http.ResponseWriter, r *http.Request) {
	group, ok := s.groupParam(w, r)
	if !ok {
		return
	}
	started := s.queue.EnsureStarted(group)
	writeJSON(w, http.StatusOK, map[string]any{"started": started})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	group, ok := s.groupParam(w, r)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"
	if err := s.queue.Stop(r.Context(), group, force); err != nil {
		warrenlog.Error("stop failed", "group", group, "force", force, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	state, pending := s.queue.State(group)
	writeJSON(w, http.StatusOK, map[string]any{
		"state":   state.String(),
		"pending": pending,
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	group, ok := s.groupParam(w, r)
	if !ok {
		return
	}
	state, pending := s.queue.State(group)
	writeJSON(w, http.StatusOK, map[string]any{
		"state":   state.String(),
		"pending": pending,
	})
}

type resetRequest struct {
	ChatID string `json:"chat_id"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	folder := mux.Vars(r)["folder"]
	if !pathutil.SafeSegment(folder) {
		writeError(w, http.StatusBadRequest, "invalid folder name")
		return
	}
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "chat_id is required")
		return
	}
	if err := s.resetter.Reset(r.Context(), req.ChatID, folder); err != nil {
		warrenlog.Error("reset failed", "folder", folder, "chat", req.ChatID, "error", err)
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		warrenlog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}
