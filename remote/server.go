// Package remote runs training workers behind a JSON-over-HTTP task API and
// discovers them through etcd. It is the networked implementation of the
// pool's Runtime boundary; workers are long-lived daemons that register
// themselves, and the orchestrator claims as many as a run needs.
package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/workshop7/distfit/learner"
	"github.com/workshop7/distfit/pool"
	"github.com/workshop7/distfit/worker"
)

// ServerOptions configures a worker server.
type ServerOptions struct {
	// DefaultLearner backs tasks that do not name a learner.
	DefaultLearner string

	Logger *zap.Logger
}

// Server is one remote worker: an executor behind the task API.
type Server struct {
	opts   ServerOptions
	logger *zap.Logger
	router *mux.Router

	mu          sync.Mutex
	exec        *worker.Executor
	learnerName string
}

// StatusResponse reports a worker's state to GET /api/status.
type StatusResponse struct {
	Learner      string `json:"learner"`
	ModelVersion int    `json:"model_version"`
	Initialized  bool   `json:"initialized"`
}

// NewServer builds a worker server.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.DefaultLearner == "" {
		opts.DefaultLearner = "linear"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	l, err := learner.New(opts.DefaultLearner)
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:        opts,
		logger:      logger,
		exec:        worker.NewExecutor(l, logger),
		learnerName: opts.DefaultLearner,
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/task", s.handleTask).Methods("POST")
	r.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	s.router = r
	return s, nil
}

// Handler returns the worker's HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks serving the task API on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info("worker listening", zap.String("addr", addr))
	return http.ListenAndServe(addr, s.router)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	var task pool.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		http.Error(w, fmt.Sprintf("decoding task: %v", err), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// An init task may switch the learner for the run.
	if task.Kind == pool.TaskInit && task.Learner != "" && task.Learner != s.learnerName {
		l, err := learner.New(task.Learner)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.exec = worker.NewExecutor(l, s.logger)
		s.learnerName = task.Learner
	}

	result, err := pool.RunTask(s.exec, 0, task)
	if err != nil {
		s.logger.Warn("task failed",
			zap.String("kind", string(task.Kind)), zap.Int("epoch", task.Epoch), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		s.logger.Warn("encoding result", zap.Error(err))
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := StatusResponse{
		Learner:      s.learnerName,
		ModelVersion: s.exec.Version(),
		Initialized:  s.exec.Initialized(),
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("encoding status", zap.Error(err))
	}
}
