package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qsched/qsched/internal/event"
	"github.com/qsched/qsched/internal/logging"
	"github.com/qsched/qsched/internal/metrics"
	"github.com/qsched/qsched/internal/subscription"
	"github.com/qsched/qsched/internal/taskqueue"
	"github.com/qsched/qsched/internal/workflow"
)

type testEnv struct {
	server *Server
	queue  *taskqueue.EventQueue
	bus    *event.Bus
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	bus := event.NewBus(nil)
	q := taskqueue.NewEventQueue(taskqueue.NewManager(), bus)
	return &testEnv{server: New(q, opts...), queue: q, bus: bus}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func TestServer_TaskLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/tasks", AddTaskRequest{
		Type:     "simulation",
		Priority: 3,
		Data:     taskqueue.Payload(`{"qubits":8}`),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[AddTaskResponse](t, rec).ID
	require.NotEmpty(t, id)
	assert.Equal(t, "/api/tasks/"+id, rec.Header().Get("Location"))

	rec = env.do(t, http.MethodGet, "/api/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	task := decode[taskqueue.Task](t, rec)
	assert.Equal(t, taskqueue.StatusQueued, task.Status)
	assert.JSONEq(t, `{"qubits":8}`, string(task.Data))

	rec = env.do(t, http.MethodPost, "/api/tasks/next", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decode[taskqueue.Task](t, rec).ID)

	rec = env.do(t, http.MethodPost, "/api/tasks/"+id+"/complete", CompleteTaskRequest{Result: taskqueue.Payload(`{"fidelity":0.99}`)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	task = decode[taskqueue.Task](t, rec)
	assert.Equal(t, taskqueue.StatusCompleted, task.Status)
	assert.JSONEq(t, `{"fidelity":0.99}`, string(task.Result))

	// A second completion is a no-op and reported as a conflict
	rec = env.do(t, http.MethodPost, "/api/tasks/"+id+"/complete", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "completed")
}

func TestServer_GetNextTask_Empty(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/api/tasks/next", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestServer_UnknownTask(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/api/tasks/missing", nil},
		{http.MethodPost, "/api/tasks/missing/complete", nil},
		{http.MethodPost, "/api/tasks/missing/fail", FailTaskRequest{Error: "boom"}},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusNotFound, rec.Code)
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).RequestID)
		})
	}
}

func TestServer_RejectedRequestLogLevel(t *testing.T) {
	var buf bytes.Buffer
	env := newTestEnv(t, WithLogger(logging.New(&buf, "debug")))

	tests := []struct {
		name      string
		method    string
		path      string
		body      any
		wantLevel string
	}{
		{"missing task", http.MethodGet, "/api/tasks/missing", nil, "DEBUG"},
		{"invalid body", http.MethodPost, "/api/tasks", `{"priority":1}`, "WARN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			rec := env.do(t, tt.method, tt.path, tt.body)
			require.GreaterOrEqual(t, rec.Code, 400)

			var levels []string
			for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
				var entry struct {
					Level string `json:"level"`
					Msg   string `json:"msg"`
				}
				if json.Unmarshal([]byte(line), &entry) == nil && entry.Msg == "request rejected" {
					levels = append(levels, entry.Level)
				}
			}
			assert.Equal(t, []string{tt.wantLevel}, levels)
		})
	}
}

func TestServer_AddTask_Rejected(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.queue.AddTaskWithID("fixed", taskqueue.TypeAnalysis, 1, nil))

	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed json", `{"type":`, http.StatusBadRequest},
		{"unknown field", `{"type":"analysis","bogus":1}`, http.StatusBadRequest},
		{"missing type", `{"priority":1}`, http.StatusBadRequest},
		{"unknown type", AddTaskRequest{Type: "teleportation"}, http.StatusBadRequest},
		{"invalid payload", AddTaskRequest{Type: "simulation", Data: taskqueue.Payload(`{"qubits":-1}`)}, http.StatusBadRequest},
		{"duplicate id", AddTaskRequest{ID: "fixed", Type: "analysis"}, http.StatusConflict},
		{"empty body", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/tasks", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	assert.Equal(t, 1, env.queue.Status().Total, "rejected requests must not add tasks")
}

func TestServer_FailTask(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.queue.AddTask(taskqueue.TypeEncryption, 1, nil)
	require.NoError(t, err)

	env.queue.GetNextTask()

	rec := env.do(t, http.MethodPost, "/api/tasks/"+id+"/fail", FailTaskRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "error message is required")

	rec = env.do(t, http.MethodPost, "/api/tasks/"+id+"/fail", FailTaskRequest{Error: "key expired"})
	require.Equal(t, http.StatusOK, rec.Code)
	task := decode[taskqueue.Task](t, rec)
	assert.Equal(t, taskqueue.StatusFailed, task.Status)
	assert.Equal(t, "key expired", task.Error)

	// A finished task cannot fail again
	rec = env.do(t, http.MethodPost, "/api/tasks/"+id+"/fail", FailTaskRequest{Error: "boom"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_FailQueuedTask(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.queue.AddTask(taskqueue.TypeEncryption, 2, nil)
	require.NoError(t, err)
	other, err := env.queue.AddTask(taskqueue.TypeEncryption, 1, nil)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/tasks/"+id+"/fail", FailTaskRequest{Error: "abandoned"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, taskqueue.StatusFailed, decode[taskqueue.Task](t, rec).Status)
	assert.Equal(t, []string{other}, env.queue.State().ProcessingQueue)

	rec = env.do(t, http.MethodPost, "/api/tasks/next", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, other, decode[taskqueue.Task](t, rec).ID)
}

func TestServer_ListTasks(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.queue.AddTaskWithID("sim-low", taskqueue.TypeSimulation, 1, nil))
	require.NoError(t, env.queue.AddTaskWithID("sim-high", taskqueue.TypeSimulation, 5, nil))
	require.NoError(t, env.queue.AddTaskWithID("ana-mid", taskqueue.TypeAnalysis, 3, nil))
	env.queue.GetNextTask() // sim-high

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"all sorted by priority", "", []string{"sim-high", "ana-mid", "sim-low"}},
		{"by status", "?status=queued", []string{"ana-mid", "sim-low"}},
		{"by glob", "?match=sim-*", []string{"sim-high", "sim-low"}},
		{"status and glob", "?status=queued&match=sim-*", []string{"sim-low"}},
		{"no match", "?match=none-*", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/tasks"+tt.query, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			resp := decode[TaskListResponse](t, rec)
			ids := make([]string, 0, len(resp.Tasks))
			for _, task := range resp.Tasks {
				ids = append(ids, task.ID)
			}
			assert.Equal(t, tt.want, ids)
			assert.Equal(t, len(tt.want), resp.Count)
		})
	}

	rec := env.do(t, http.MethodGet, "/api/tasks?status=pending", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Clear(t *testing.T) {
	env := newTestEnv(t)
	done, _ := env.queue.AddTask(taskqueue.TypeAnalysis, 2, nil)
	_, _ = env.queue.AddTask(taskqueue.TypeAnalysis, 1, nil)
	env.queue.GetNextTask()
	env.queue.CompleteTask(done, nil)

	rec := env.do(t, http.MethodDelete, "/api/tasks/completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[ClearResponse](t, rec).Evicted)
	assert.Nil(t, env.queue.GetTask(done))

	rec = env.do(t, http.MethodDelete, "/api/tasks", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, env.queue.Status().Total)
}

func TestServer_State(t *testing.T) {
	env := newTestEnv(t)
	_, _ = env.queue.AddTask(taskqueue.TypeOptimization, 1, taskqueue.Payload(`{"objective":"cost"}`))

	rec := env.do(t, http.MethodGet, "/api/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode[taskqueue.State](t, rec)
	require.Len(t, state.Tasks, 1)

	other := newTestEnv(t)
	rec = other.do(t, http.MethodPut, "/api/state", taskqueue.Full(state))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[taskqueue.QueueStatus](t, rec).Queued)
	want, err := json.Marshal(env.queue.State())
	require.NoError(t, err)
	got, err := json.Marshal(other.queue.State())
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))

	rec = other.do(t, http.MethodPut, "/api/state", `{"processing_queue":["ghost"]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, 1, other.queue.Status().Total, "invalid state must leave the queue untouched")

	rec = other.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[taskqueue.QueueStatus](t, rec).Depth)
}

func TestServer_Optimize(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/workflows/optimize", OptimizeRequest{Tasks: workflow.DefaultPipeline()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[workflow.Result](t, rec)
	assert.InDelta(t, 14000, result.OriginalExecutionTime, 0.01)
	assert.InDelta(t, 8916.67, result.OptimizedExecutionTime, 0.01)

	order := make([]string, 0, len(result.OptimizedTasks))
	for _, task := range result.OptimizedTasks {
		order = append(order, task.ID)
	}
	assert.Equal(t, []string{"data-collection", "quantum-processing", "ml-analysis", "ai-optimization", "validation"}, order)
}

func TestServer_Optimize_Rejected(t *testing.T) {
	env := newTestEnv(t)

	cycle := []workflow.Task{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}
	dangling := []workflow.Task{{ID: "a", DependsOn: []string{"ghost"}}}

	tests := []struct {
		name string
		body any
		want int
	}{
		{"cycle", OptimizeRequest{Tasks: cycle}, http.StatusUnprocessableEntity},
		{"dangling ignored", OptimizeRequest{Tasks: dangling}, http.StatusOK},
		{"dangling strict", OptimizeRequest{Tasks: dangling, StrictDependencies: true}, http.StatusUnprocessableEntity},
		{"missing id", OptimizeRequest{Tasks: []workflow.Task{{Name: "anonymous"}}}, http.StatusBadRequest},
		{"missing tasks", `{}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/workflows/optimize", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestServer_HealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	exporter, err := metrics.NewExporter(metrics.DefaultNamespace, reg, metrics.ExporterOptions{})
	require.NoError(t, err)

	env := newTestEnv(t, WithMetrics(reg))
	exporter.Attach(env.bus)
	_, err = env.queue.AddTask(taskqueue.TypeAnalysis, 1, nil)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "qsched_task_transitions_total")
	assert.Contains(t, rec.Body.String(), "qsched_queue_depth")
}

func TestServer_MetricsDisabled(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_WatchTask(t *testing.T) {
	bus := event.NewBus(nil)
	q := taskqueue.NewEventQueue(taskqueue.NewManager(), bus)
	subs := subscription.NewManager(q)
	subs.AttachBus(bus)

	ts := httptest.NewServer(New(q, WithSubscriptions(subs)).Handler())
	defer ts.Close()

	id, err := q.AddTask(taskqueue.TypeDistribution, 1, nil)
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/api/tasks/" + id + "/watch")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	views := make(chan subscription.TaskView)
	go func() {
		defer close(views)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var v subscription.TaskView
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &v) == nil {
				views <- v
			}
		}
	}()

	next := func() subscription.TaskView {
		t.Helper()
		select {
		case v, ok := <-views:
			require.True(t, ok, "stream closed early")
			return v
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for task update")
		}
		return subscription.TaskView{}
	}

	first := next()
	assert.Equal(t, "queued", first.Status)
	assert.JSONEq(t, `{}`, string(first.Data))

	q.GetNextTask()
	assert.Equal(t, "processing", next().Status)

	q.CompleteTask(id, nil)
	assert.Equal(t, "completed", next().Status)

	select {
	case _, ok := <-views:
		assert.False(t, ok, "stream should end after a terminal update")
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after the task completed")
	}
}

func TestServer_WatchTask_EndsWhenCleared(t *testing.T) {
	bus := event.NewBus(nil)
	q := taskqueue.NewEventQueue(taskqueue.NewManager(), bus)
	subs := subscription.NewManager(q)
	subs.AttachBus(bus)

	ts := httptest.NewServer(New(q, WithSubscriptions(subs)).Handler())
	defer ts.Close()

	id, err := q.AddTask(taskqueue.TypeAnalysis, 1, nil)
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/api/tasks/" + id + "/watch")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	statuses := make(chan string, 4)
	go func() {
		defer close(statuses)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			var v subscription.TaskView
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") && json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &v) == nil {
				statuses <- v.Status
			}
		}
	}()

	select {
	case status := <-statuses:
		require.Equal(t, "queued", status)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the initial view")
	}

	assert.Equal(t, 1, q.ClearTasks())

	var rest []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case status, ok := <-statuses:
			if !ok {
				assert.Equal(t, []string{subscription.StatusRemoved}, rest)
				assert.False(t, subs.HasSubscribers(id))
				return
			}
			rest = append(rest, status)
		case <-timeout:
			t.Fatalf("stream still open after the task was cleared, got %v", rest)
		}
	}
}

func TestServer_WatchUnknownTask(t *testing.T) {
	bus := event.NewBus(nil)
	q := taskqueue.NewEventQueue(taskqueue.NewManager(), bus)
	s := New(q, WithSubscriptions(subscription.NewManager(q)))

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/ghost/watch", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
