package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"consult-tasktrack/internal/reconcile"
	"consult-tasktrack/internal/task"
)

// View is the read side of the tracker the server exposes.
type View interface {
	Tasks(workspaceID string) []reconcile.Record
	CurrentState(id string) (reconcile.Record, bool)
	QueueStats() task.QueueStats
	Tracked() []string
}

// Server serves the reconciled task view on a local address.
type Server struct {
	addr    string
	view    View
	push    func() string
	metrics http.Handler
}

// Option customises a Server.
type Option func(*Server)

// WithPushState reports the push channel state on /healthz.
func WithPushState(fn func() string) Option {
	return func(s *Server) { s.push = fn }
}

// WithMetrics mounts h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// NewServer builds a status server for view.
func NewServer(addr string, view View, opts ...Option) *Server {
	s := &Server{addr: addr, view: view}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the routes without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tasks", s.handleTasks)
	mux.HandleFunc("/api/v1/tasks/", s.handleTaskDetail)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type taskView struct {
	reconcile.Record
	Tracked bool `json:"tracked"`
}

type listResponse struct {
	Tasks      []taskView      `json:"tasks"`
	QueueStats task.QueueStats `json:"queue_stats"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "only GET is supported")
		return
	}
	tracked := s.trackedSet()
	records := s.view.Tasks(strings.TrimSpace(r.URL.Query().Get("workspace_id")))
	resp := listResponse{Tasks: make([]taskView, 0, len(records)), QueueStats: s.view.QueueStats()}
	for _, rec := range records {
		_, ok := tracked[rec.ID]
		resp.Tasks = append(resp.Tasks, taskView{Record: rec, Tracked: ok})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "only GET is supported")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/"), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "task id is required")
		return
	}
	rec, ok := s.view.CurrentState(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	_, tracked := s.trackedSet()[id]
	writeJSON(w, http.StatusOK, taskView{Record: rec, Tracked: tracked})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok", "tracked": len(s.view.Tracked())}
	if s.push != nil {
		body["push"] = s.push()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) trackedSet() map[string]struct{} {
	ids := s.view.Tracked()
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}

// withContext rejects requests once the root context is cancelled.
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
