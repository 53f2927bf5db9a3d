package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cmjester6421/neo-refined/internal/engine"
	"github.com/cmjester6421/neo-refined/internal/model"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	eng, err := engine.New(engine.Config{TickInterval: 5 * time.Millisecond}, nil, logger)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	if err := eng.Start(); err != nil {
		t.Fatalf("engine.Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})

	return NewServer(":0", eng, nil, prometheus.NewRegistry(), logger)
}

// createTestTask creates a task through the API and returns it.
func createTestTask(t *testing.T, baseURL, body string) model.Task {
	t.Helper()

	resp, err := http.Post(baseURL+"/v1/tasks", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/tasks: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 201 (body %s)", resp.StatusCode, raw)
	}
	var task model.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return task
}

// pollTaskStatus polls GET /v1/tasks/{id} until the task reaches the expected status.
func pollTaskStatus(t *testing.T, baseURL, id, expected string, timeout time.Duration) model.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last model.Task
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/v1/tasks/" + id)
		if err != nil {
			t.Fatalf("GET task: %v", err)
		}
		err = json.NewDecoder(resp.Body).Decode(&last)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode task: %v", err)
		}
		if last.Status == expected {
			return last
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %q within %v (last %q)", id, expected, timeout, last.Status)
	return model.Task{}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status field = %q, want ok", body.Status)
	}
	if body.MaxWorkers != engine.DefaultConfig().MaxWorkers {
		t.Errorf("max_workers = %d, want %d", body.MaxWorkers, engine.DefaultConfig().MaxWorkers)
	}
	if body.QueueDepth != 0 {
		t.Errorf("queue_depth = %d, want 0", body.QueueDepth)
	}
	if body.ActiveWorkers != 0 {
		t.Errorf("active_workers = %d, want 0", body.ActiveWorkers)
	}
}

func TestHealthzReportsLoad(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	task := createTestTask(t, ts.URL, `{"name":"hi","payload_type":"echo","payload_input":"x"}`)
	resp, err := http.Post(ts.URL+"/v1/tasks/"+task.ID+"/submit", "application/json", nil)
	if err != nil {
		t.Fatalf("POST submit: %v", err)
	}
	resp.Body.Close()
	pollTaskStatus(t, ts.URL, task.ID, model.StatusCompleted, 5*time.Second)

	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Tasks != 1 {
		t.Errorf("tasks = %d, want 1", body.Tasks)
	}
}

func TestCreateTaskValid(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	task := createTestTask(t, ts.URL, `{"name":"greet","payload_type":"echo","payload_input":"\"hi\"","priority":"high"}`)

	if len(task.ID) != 26 {
		t.Errorf("ID length = %d, want 26", len(task.ID))
	}
	if task.Status != model.StatusPending {
		t.Errorf("status = %q, want pending", task.Status)
	}
	if task.Priority != model.PriorityHigh {
		t.Errorf("priority = %q, want high", task.Priority)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name string
		body string
	}{
		{"invalid JSON", "not json"},
		{"missing name", `{"payload_type":"echo"}`},
		{"missing payload type", `{"name":"t"}`},
		{"unknown payload type", `{"name":"t","payload_type":"nope"}`},
		{"bad priority", `{"name":"t","payload_type":"echo","priority":"urgent"}`},
		{"negative retries", `{"name":"t","payload_type":"echo","max_retries":-1}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/v1/tasks", "application/json", bytes.NewBufferString(tc.body))
			if err != nil {
				t.Fatalf("POST /v1/tasks: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			var errResp map[string]string
			json.NewDecoder(resp.Body).Decode(&errResp)
			if errResp["error"] == "" {
				t.Error("expected error message in response")
			}
		})
	}
}

func TestSubmitAndComplete(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	task := createTestTask(t, ts.URL, `{"name":"run","payload_type":"echo","payload_input":{"k":"v"}}`)

	resp, err := http.Post(ts.URL+"/v1/tasks/"+task.ID+"/submit", "application/json", nil)
	if err != nil {
		t.Fatalf("POST submit: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("submit status = %d, want 202", resp.StatusCode)
	}

	done := pollTaskStatus(t, ts.URL, task.ID, model.StatusCompleted, 5*time.Second)
	result, ok := done.Result.(map[string]any)
	if !ok || result["k"] != "v" {
		t.Errorf("result = %#v, want echoed input", done.Result)
	}
}

func TestSubmitUnknownTask(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/tasks/01ARZ3NDEKTSV4RRFFQ69G5FAV/submit", "application/json", nil)
	if err != nil {
		t.Fatalf("POST submit: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/tasks/01ARZ3NDEKTSV4RRFFQ69G5FAV")
	if err != nil {
		t.Fatalf("GET task: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListTasksFiltersAndPaginates(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var submitted model.Task
	for i := 0; i < 3; i++ {
		task := createTestTask(t, ts.URL, fmt.Sprintf(`{"name":"t%d","payload_type":"echo"}`, i))
		if i == 0 {
			resp, err := http.Post(ts.URL+"/v1/tasks/"+task.ID+"/submit", "application/json", nil)
			if err != nil {
				t.Fatalf("POST submit: %v", err)
			}
			resp.Body.Close()
			submitted = task
		}
	}
	pollTaskStatus(t, ts.URL, submitted.ID, model.StatusCompleted, 5*time.Second)

	resp, err := http.Get(ts.URL + "/v1/tasks?status=pending")
	if err != nil {
		t.Fatalf("GET list: %v", err)
	}
	defer resp.Body.Close()

	var list listTasksResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total != 2 {
		t.Errorf("total pending = %d, want 2", list.Total)
	}
	for _, task := range list.Tasks {
		if task.Status != model.StatusPending {
			t.Errorf("filtered list contains status %q", task.Status)
		}
	}

	resp2, err := http.Get(ts.URL + "/v1/tasks?limit=1&offset=1")
	if err != nil {
		t.Fatalf("GET list page: %v", err)
	}
	defer resp2.Body.Close()

	var page listTasksResponse
	if err := json.NewDecoder(resp2.Body).Decode(&page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if page.Total != 3 {
		t.Errorf("total = %d, want 3", page.Total)
	}
	if len(page.Tasks) != 1 {
		t.Errorf("page size = %d, want 1", len(page.Tasks))
	}
	if page.Offset != 1 || page.Limit != 1 {
		t.Errorf("page meta = offset %d limit %d, want 1/1", page.Offset, page.Limit)
	}
}

func TestScheduleTask(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	task := createTestTask(t, ts.URL, `{"name":"later","payload_type":"echo"}`)

	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	body := fmt.Sprintf(`{"at":%q}`, at)
	resp, err := http.Post(ts.URL+"/v1/tasks/"+task.ID+"/schedule", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST schedule: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 202 (body %s)", resp.StatusCode, raw)
	}
	var scheduled model.Task
	if err := json.NewDecoder(resp.Body).Decode(&scheduled); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if scheduled.Status != model.StatusScheduled {
		t.Errorf("status = %q, want scheduled", scheduled.Status)
	}
	if scheduled.ScheduledAt == nil {
		t.Error("scheduled_at is nil")
	}

	// Scheduling again conflicts.
	resp2, err := http.Post(ts.URL+"/v1/tasks/"+task.ID+"/schedule", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST schedule again: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Errorf("second schedule status = %d, want 409", resp2.StatusCode)
	}
}

func TestScheduleTaskIntervalFires(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	task := createTestTask(t, ts.URL, `{"name":"beat","payload_type":"echo"}`)

	resp, err := http.Post(ts.URL+"/v1/tasks/"+task.ID+"/schedule", "application/json",
		bytes.NewBufferString(`{"interval_ms":20}`))
	if err != nil {
		t.Fatalf("POST schedule: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	pollTaskStatus(t, ts.URL, task.ID, model.StatusCompleted, 5*time.Second)
}

func TestScheduleTaskTriggerValidation(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	task := createTestTask(t, ts.URL, `{"name":"ambiguous","payload_type":"echo"}`)

	tests := []struct {
		name string
		body string
	}{
		{"no trigger", `{}`},
		{"two triggers", fmt.Sprintf(`{"at":%q,"interval_ms":100}`, time.Now().Add(time.Hour).UTC().Format(time.RFC3339))},
		{"bad cron", `{"cron":"nope"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/v1/tasks/"+task.ID+"/schedule", "application/json", bytes.NewBufferString(tc.body))
			if err != nil {
				t.Fatalf("POST schedule: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestCancelTask(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	task := createTestTask(t, ts.URL, `{"name":"doomed","payload_type":"sleep","payload_input":{"duration_ms":60000}}`)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/tasks/"+task.ID, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE task: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var cancelled model.Task
	if err := json.NewDecoder(resp.Body).Decode(&cancelled); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if cancelled.Status != model.StatusCancelled {
		t.Errorf("status = %q, want cancelled", cancelled.Status)
	}
}

func TestListPayloadTypes(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/payload-types")
	if err != nil {
		t.Fatalf("GET payload-types: %v", err)
	}
	defer resp.Body.Close()

	var body map[string][]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	types := map[string]bool{}
	for _, name := range body["payload_types"] {
		types[name] = true
	}
	for _, want := range []string{"echo", "sleep", "fail"} {
		if !types[want] {
			t.Errorf("payload type %q missing from %v", want, body["payload_types"])
		}
	}
}

func TestGetStats(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	task := createTestTask(t, ts.URL, `{"name":"counted","payload_type":"echo"}`)
	resp, err := http.Post(ts.URL+"/v1/tasks/"+task.ID+"/submit", "application/json", nil)
	if err != nil {
		t.Fatalf("POST submit: %v", err)
	}
	resp.Body.Close()
	pollTaskStatus(t, ts.URL, task.ID, model.StatusCompleted, 5*time.Second)

	resp2, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	defer resp2.Body.Close()

	var stats engine.Stats
	if err := json.NewDecoder(resp2.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Completed != 1 {
		t.Errorf("completed = %d, want 1", stats.Completed)
	}
	if stats.Total != 1 {
		t.Errorf("total = %d, want 1", stats.Total)
	}
}

func TestSnapshotNotConfigured(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/snapshot", "application/json", nil)
	if err != nil {
		t.Fatalf("POST snapshot: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", resp.StatusCode)
	}
}

func TestSubmitWorkflow(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	t1 := createTestTask(t, ts.URL, `{"name":"step-1","payload_type":"echo"}`)
	t2 := createTestTask(t, ts.URL, `{"name":"step-2","payload_type":"echo"}`)

	body := fmt.Sprintf(`{"name":"pipeline","task_ids":[%q,%q]}`, t1.ID, t2.ID)
	resp, err := http.Post(ts.URL+"/v1/workflows", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/workflows: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 202 (body %s)", resp.StatusCode, raw)
	}
	var wf model.Workflow
	if err := json.NewDecoder(resp.Body).Decode(&wf); err != nil {
		t.Fatalf("decode workflow: %v", err)
	}
	if wf.Status != model.WorkflowRunning {
		t.Errorf("workflow status = %q, want running", wf.Status)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/v1/workflows/" + wf.ID)
		if err != nil {
			t.Fatalf("GET workflow: %v", err)
		}
		err = json.NewDecoder(resp.Body).Decode(&wf)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode workflow: %v", err)
		}
		if wf.Status == model.WorkflowCompleted {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("workflow did not complete, last status %q", wf.Status)
}

func TestSubmitWorkflowValidation(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/workflows", "application/json", bytes.NewBufferString(`{"name":"empty"}`))
	if err != nil {
		t.Fatalf("POST /v1/workflows: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/workflows/01ARZ3NDEKTSV4RRFFQ69G5FAV")
	if err != nil {
		t.Fatalf("GET workflow: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamEventsTerminalTask(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	task := createTestTask(t, ts.URL, `{"name":"watched","payload_type":"echo"}`)
	resp, err := http.Post(ts.URL+"/v1/tasks/"+task.ID+"/submit", "application/json", nil)
	if err != nil {
		t.Fatalf("POST submit: %v", err)
	}
	resp.Body.Close()
	pollTaskStatus(t, ts.URL, task.ID, model.StatusCompleted, 5*time.Second)

	resp2, err := http.Get(ts.URL + "/v1/tasks/" + task.ID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp2.Body.Close()

	if ct := resp2.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q, want text/event-stream", ct)
	}
	raw, err := io.ReadAll(resp2.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !bytes.Contains(raw, []byte("event: done")) {
		t.Errorf("stream = %q, want a done event for a finished task", raw)
	}
}
