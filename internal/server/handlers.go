package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/glob"

	"github.com/qsched/qsched/internal/errors"
	"github.com/qsched/qsched/internal/subscription"
	"github.com/qsched/qsched/internal/taskqueue"
	"github.com/qsched/qsched/internal/workflow"
)

// AddTaskRequest is the body of POST /api/tasks. ID is optional; one is
// generated when it is empty.
type AddTaskRequest struct {
	ID       string            `json:"id,omitempty" validate:"omitempty,max=128,printascii"`
	Type     string            `json:"type" validate:"required"`
	Priority float64           `json:"priority"`
	Data     taskqueue.Payload `json:"data,omitempty"`
}

// AddTaskResponse is returned for a newly queued task.
type AddTaskResponse struct {
	ID string `json:"id"`
}

// CompleteTaskRequest is the optional body of POST /api/tasks/{id}/complete.
type CompleteTaskRequest struct {
	Result taskqueue.Payload `json:"result,omitempty"`
}

// FailTaskRequest is the body of POST /api/tasks/{id}/fail.
type FailTaskRequest struct {
	Error string `json:"error" validate:"required"`
}

// TaskListResponse is returned by GET /api/tasks.
type TaskListResponse struct {
	Tasks []*taskqueue.Task `json:"tasks"`
	Count int               `json:"count"`
}

// ClearResponse reports how many tasks a clear removed.
type ClearResponse struct {
	Evicted int `json:"evicted"`
}

// OptimizeRequest is the body of POST /api/workflows/optimize. The flags
// can only tighten the server's configured behavior.
type OptimizeRequest struct {
	Tasks              []workflow.Task `json:"tasks" validate:"required"`
	StrictDependencies bool            `json:"strict_dependencies,omitempty"`
	EstimateMissing    bool            `json:"estimate_missing,omitempty"`
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	var req AddTaskRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.respondErr(w, r, err)
		return
	}

	taskType, err := taskqueue.ParseTaskType(req.Type)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	id := req.ID
	if id == "" {
		id, err = s.queue.AddTask(taskType, req.Priority, req.Data)
	} else {
		err = s.queue.AddTaskWithID(id, taskType, req.Priority, req.Data)
	}
	if err != nil {
		s.respondErr(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/tasks/"+id)
	s.respondJSON(w, http.StatusCreated, AddTaskResponse{ID: id})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var tasks []*taskqueue.Task
	if status := r.URL.Query().Get("status"); status != "" {
		st := taskqueue.TaskStatus(status)
		if !st.Valid() {
			s.respondErr(w, r, errors.NewValidationError("unknown status").WithField("status").WithValue(status))
			return
		}
		tasks = s.queue.TasksByStatus(st)
	} else {
		tasks = s.queue.GetAllTasksSorted()
	}

	if pattern := r.URL.Query().Get("match"); pattern != "" {
		g, err := glob.Compile(pattern)
		if err != nil {
			s.respondErr(w, r, errors.NewValidationError("invalid match pattern").WithField("match").WithValue(pattern).WithCause(err))
			return
		}
		filtered := tasks[:0]
		for _, t := range tasks {
			if g.Match(t.ID) {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}

	if tasks == nil {
		tasks = []*taskqueue.Task{}
	}
	s.respondJSON(w, http.StatusOK, TaskListResponse{Tasks: tasks, Count: len(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task := s.queue.GetTask(id)
	if task == nil {
		s.respondErr(w, r, notFound(id))
		return
	}
	s.respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleNextTask(w http.ResponseWriter, r *http.Request) {
	task := s.queue.GetNextTask()
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req CompleteTaskRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if !s.queue.CompleteTask(id, req.Result) {
		s.respondTransitionErr(w, r, id, "complete")
		return
	}
	s.respondJSON(w, http.StatusOK, s.queue.GetTask(id))
}

func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req FailTaskRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if !s.queue.FailTask(id, req.Error) {
		s.respondTransitionErr(w, r, id, "fail")
		return
	}
	s.respondJSON(w, http.StatusOK, s.queue.GetTask(id))
}

// respondTransitionErr explains a rejected complete or fail: the task is
// either unknown or not being processed.
func (s *Server) respondTransitionErr(w http.ResponseWriter, r *http.Request, id, action string) {
	task := s.queue.GetTask(id)
	if task == nil {
		s.respondErr(w, r, notFound(id))
		return
	}
	s.respondErr(w, r, conflict(id, action, task.Status))
}

func (s *Server) handleClearTasks(w http.ResponseWriter, r *http.Request) {
	n := s.queue.ClearTasks()
	s.logger.Info("queue cleared", "removed", n)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	n := s.queue.ClearCompleted()
	s.respondJSON(w, http.StatusOK, ClearResponse{Evicted: n})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.queue.Status())
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.queue.State())
}

func (s *Server) handlePutState(w http.ResponseWriter, r *http.Request) {
	var p taskqueue.PartialState
	if err := decodeJSON(w, r, &p, false); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if err := s.queue.SetState(p); err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.queue.Status())
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req OptimizeRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.respondErr(w, r, err)
		return
	}
	if err := workflow.ValidateTasks(req.Tasks); err != nil {
		s.respondErr(w, r, err)
		return
	}

	opts := append([]workflow.Option(nil), s.optimizerOpts...)
	if req.StrictDependencies {
		opts = append(opts, workflow.WithStrictDependencies(true))
	}
	if req.EstimateMissing {
		opts = append(opts, workflow.WithEstimates(true))
	}

	result, err := workflow.NewOptimizer(opts...).Optimize(req.Tasks)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// handleWatchTask streams the task as server-sent events until it reaches
// a terminal status, is cleared from the queue, or the client goes away.
func (s *Server) handleWatchTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	updates := make(chan subscription.TaskView, 16)
	unsubscribe := s.subs.Subscribe(id, func(v subscription.TaskView) error {
		select {
		case updates <- v:
			return nil
		default:
			return fmt.Errorf("watcher for %s is not keeping up", id)
		}
	})
	defer unsubscribe()

	task := s.queue.GetTask(id)
	if task == nil {
		s.respondErr(w, r, notFound(id))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	send := func(v subscription.TaskView) bool {
		data, err := json.Marshal(v)
		if err != nil {
			s.logger.Error("failed to encode task view", "task_id", id, "error", err)
			return false
		}
		if _, err := fmt.Fprintf(w, "event: task\ndata: %s\n\n", data); err != nil {
			return false
		}
		if err := rc.Flush(); err != nil {
			return false
		}
		return v.Status != subscription.StatusRemoved && !taskqueue.TaskStatus(v.Status).IsTerminal()
	}

	if !send(subscription.ViewOf(task)) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case v := <-updates:
			if !send(v) {
				return
			}
		}
	}
}
