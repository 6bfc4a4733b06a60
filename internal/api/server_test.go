package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"TaskRelay/internal/auth"
	xerrors "TaskRelay/internal/errors"
	"TaskRelay/internal/ledger"
	"TaskRelay/internal/lifecycle"
	"TaskRelay/internal/progress"
	"TaskRelay/internal/scheduler"
	"TaskRelay/internal/task"
)

const (
	testAPIKey      = "orch-main.s3cret"
	testAgentID     = "agent-1"
	testAgentSecret = "agent-secret"
)

type stubExecutor struct{}

func (stubExecutor) Execute(context.Context, string, scheduler.DispatchRequest) error {
	return nil
}

func (stubExecutor) Cancel(context.Context, string, string) (bool, error) {
	return true, nil
}

type apiFixture struct {
	store     *task.MemoryStore
	resources *ledger.Ledger
	agents    *ledger.Registry
	machine   *lifecycle.Machine
	server    *Server
	handler   http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	store := task.NewMemoryStore()
	resources := ledger.NewLedger()
	agents := ledger.NewRegistry()
	machine := lifecycle.NewMachine()
	queue := task.NewMemoryQueue()

	if err := agents.Register(ledger.AgentRegistration{
		AgentID:      testAgentID,
		Endpoint:     "http://agent-1.internal:9000",
		Capabilities: []string{"data_processing"},
		SharedSecret: testAgentSecret,
	}); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if err := resources.SetCapacity(testAgentID, ledger.Capacity{MemoryMB: 1024, CPUCores: 4}); err != nil {
		t.Fatalf("set capacity: %v", err)
	}

	admission := task.NewAdmission(store, resources, agents, machine, queue, nil, nil, task.AdmissionPolicy{})
	sched := scheduler.New(store, resources, agents, machine, queue, queue, stubExecutor{})

	keys := auth.NewMemoryKeyStore([]auth.APIKey{{
		KeyID:  "orch-main",
		Secret: "s3cret",
		Name:   "orchestrator-main",
		Scopes: []string{"tasks:read", "tasks:write", "agents:write"},
	}})
	gate := auth.NewGate(
		auth.NewAPIKeyAuthenticator(keys),
		auth.NewHMACAuthenticator(func(_ context.Context, agentID string) (string, error) {
			reg, err := agents.Lookup(agentID)
			if err != nil {
				return "", err
			}
			return reg.SharedSecret, nil
		}),
	)

	server := NewServer(":0", Deps{
		Gate:      gate,
		Admission: admission,
		Store:     store,
		Scheduler: sched,
		Tracker:   progress.NewTracker(store, resources),
		Agents:    agents,
		Resources: resources,
	})
	return &apiFixture{
		store:     store,
		resources: resources,
		agents:    agents,
		machine:   machine,
		server:    server,
		handler:   server.Handler(),
	}
}

func taskSpecBody(taskID string) []byte {
	spec := map[string]any{
		"task_id":         taskID,
		"task_type":       "data_processing",
		"priority":        "high",
		"timeout_seconds": 300,
		"payload":         map[string]any{"schema_id": "v1", "data": map[string]any{"rows": 10}},
		"resource_requirements": map[string]any{
			"memory_mb": 256,
			"cpu_cores": 1,
		},
		"notification_config": map[string]any{
			"webhook_url":    "http://orchestrator.internal/webhook",
			"webhook_secret": "hook-secret",
		},
	}
	body, _ := json.Marshal(spec)
	return body
}

func (fx *apiFixture) do(t *testing.T, method, path string, body []byte, decorate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if decorate != nil {
		decorate(req)
	}
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	return rec
}

func withAPIKey(req *http.Request) {
	req.Header.Set(auth.HeaderAPIKey, testAPIKey)
}

func withCallbackSignature(body []byte) func(*http.Request) {
	return func(req *http.Request) {
		ts := time.Now().Unix()
		req.Header.Set(auth.HeaderCallbackAgentID, testAgentID)
		req.Header.Set(auth.HeaderCallbackTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(auth.HeaderCallbackSignature, auth.SignCallback(testAgentSecret, ts, body))
	}
}

// submit 提交任务并返回执行 ID。
func (fx *apiFixture) submit(t *testing.T, taskID string) string {
	t.Helper()
	rec := fx.do(t, http.MethodPost, "/api/v2/execute-task", taskSpecBody(taskID), withAPIKey)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp executeTaskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if resp.ExecutionID == "" {
		t.Fatal("submit response missing execution_id")
	}
	return resp.ExecutionID
}

// startRunning 模拟调度器派发，把执行推进到 running。
func (fx *apiFixture) startRunning(t *testing.T, executionID string) {
	t.Helper()
	if err := fx.machine.Transition(executionID, lifecycle.StateQueued, lifecycle.StateRunning); err != nil {
		t.Fatalf("machine transition: %v", err)
	}
	if err := fx.store.SetState(context.Background(), executionID, lifecycle.StateQueued, lifecycle.StateRunning); err != nil {
		t.Fatalf("store transition: %v", err)
	}
}

func TestExecuteTaskAdmitsAndQueues(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/v2/execute-task", taskSpecBody("task-accept"), withAPIKey)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp executeTaskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != string(lifecycle.StateQueued) {
		t.Fatalf("status field = %q, want queued", resp.Status)
	}
	if resp.MonitoringURLs["status"] != "/api/v2/task-status/task-accept" {
		t.Fatalf("unexpected monitoring url: %v", resp.MonitoringURLs)
	}
	if rec.Header().Get(HeaderRequestID) == "" {
		t.Fatal("response missing request id header")
	}
	if rec.Header().Get(auth.HeaderRateLimitLimit) == "" {
		t.Fatal("response missing rate limit header")
	}
}

func TestExecuteTaskDuplicateTaskID(t *testing.T) {
	fx := newAPIFixture(t)
	fx.submit(t, "task-dup")

	rec := fx.do(t, http.MethodPost, "/api/v2/execute-task", taskSpecBody("task-dup"), withAPIKey)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Error.Code != string(task.CodeTaskConflict) {
		t.Fatalf("error code = %q, want %q", envelope.Error.Code, task.CodeTaskConflict)
	}
	if envelope.RequestID == "" || envelope.Timestamp == 0 {
		t.Fatalf("envelope missing request metadata: %+v", envelope)
	}
}

func TestExecuteTaskValidationError(t *testing.T) {
	fx := newAPIFixture(t)

	body, _ := json.Marshal(map[string]any{"task_id": "task-bad", "task_type": "data_processing"})
	rec := fx.do(t, http.MethodPost, "/api/v2/execute-task", body, withAPIKey)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body %s", rec.Code, rec.Body.String())
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Error.Category != string(xerrors.CategoryValidation) {
		t.Fatalf("category = %q, want validation_error", envelope.Error.Category)
	}
}

func TestExecuteTaskRequiresCredentials(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/v2/execute-task", taskSpecBody("task-noauth"), nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Error.Code != string(xerrors.CodeAuthFailed) {
		t.Fatalf("error code = %q, want AUTH_FAILED", envelope.Error.Code)
	}
}

func TestExecuteTaskDegradedMode(t *testing.T) {
	fx := newAPIFixture(t)
	fx.server.SetDegraded(true)

	rec := fx.do(t, http.MethodPost, "/api/v2/execute-task", taskSpecBody("task-degraded"), withAPIKey)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("degraded response missing Retry-After")
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Error.RetryAfter <= 0 {
		t.Fatalf("retry_after = %d, want positive", envelope.Error.RetryAfter)
	}
}

func TestTaskStatusIncludesProgressLog(t *testing.T) {
	fx := newAPIFixture(t)
	execID := fx.submit(t, "task-status")
	fx.startRunning(t, execID)

	body, _ := json.Marshal(progressCallback{ExecutionID: execID, Percentage: 40, Message: "halfway there"})
	rec := fx.do(t, http.MethodPost, "/api/v2/callbacks/progress", body, withCallbackSignature(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("progress callback status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = fx.do(t, http.MethodGet, "/api/v2/task-status/task-status?include_logs=true&include_metrics=true", nil, withAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var status progress.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.State != lifecycle.StateRunning {
		t.Fatalf("state = %s, want running", status.State)
	}
	if status.Percentage != 40 {
		t.Fatalf("percentage = %d, want 40", status.Percentage)
	}
	if len(status.Log) != 1 || status.Log[0].Message != "halfway there" {
		t.Fatalf("unexpected progress log: %+v", status.Log)
	}
	if status.Resources == nil {
		t.Fatal("include_metrics did not attach resource snapshot")
	}
}

func TestTaskStatusUnknownTask(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.do(t, http.MethodGet, "/api/v2/task-status/no-such-task", nil, withAPIKey)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestStaleProgressRejected(t *testing.T) {
	fx := newAPIFixture(t)
	execID := fx.submit(t, "task-stale")
	fx.startRunning(t, execID)

	first, _ := json.Marshal(progressCallback{ExecutionID: execID, Percentage: 60})
	rec := fx.do(t, http.MethodPost, "/api/v2/callbacks/progress", first, withCallbackSignature(first))
	if rec.Code != http.StatusOK {
		t.Fatalf("first progress status = %d", rec.Code)
	}

	stale, _ := json.Marshal(progressCallback{ExecutionID: execID, Percentage: 30})
	rec = fx.do(t, http.MethodPost, "/api/v2/callbacks/progress", stale, withCallbackSignature(stale))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("stale progress status = %d, want 400", rec.Code)
	}
	var envelope errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Error.Code != string(task.CodeStaleProgress) {
		t.Fatalf("error code = %q, want %q", envelope.Error.Code, task.CodeStaleProgress)
	}
}

func TestCompleteCallbackRecordsResult(t *testing.T) {
	fx := newAPIFixture(t)
	execID := fx.submit(t, "task-complete")
	fx.startRunning(t, execID)

	before, err := fx.agents.Lookup(testAgentID)
	if err != nil {
		t.Fatalf("lookup agent: %v", err)
	}

	body, _ := json.Marshal(completeCallback{
		ExecutionID: execID,
		Result: task.Result{
			Output:  json.RawMessage(`{"rows_processed":10}`),
			Metrics: map[string]float64{"duration_seconds": 1.5},
		},
	})
	rec := fx.do(t, http.MethodPost, "/api/v2/callbacks/complete", body, withCallbackSignature(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	exec, err := fx.store.Get(context.Background(), execID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.State != lifecycle.StateCompleted {
		t.Fatalf("state = %s, want completed", exec.State)
	}
	if exec.Result == nil || exec.Result.Metrics["duration_seconds"] != 1.5 {
		t.Fatalf("result not recorded: %+v", exec.Result)
	}

	after, err := fx.agents.Lookup(testAgentID)
	if err != nil {
		t.Fatalf("lookup agent: %v", err)
	}
	if after.LastHeartbeat < before.LastHeartbeat {
		t.Fatal("callback did not refresh agent heartbeat")
	}
}

func TestCompleteCallbackRejectsNonRunning(t *testing.T) {
	fx := newAPIFixture(t)
	execID := fx.submit(t, "task-early-complete")

	body, _ := json.Marshal(completeCallback{ExecutionID: execID})
	rec := fx.do(t, http.MethodPost, "/api/v2/callbacks/complete", body, withCallbackSignature(body))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409, body %s", rec.Code, rec.Body.String())
	}
}

func TestFailCallbackRecordsError(t *testing.T) {
	fx := newAPIFixture(t)
	execID := fx.submit(t, "task-fail")
	fx.startRunning(t, execID)

	body, _ := json.Marshal(failCallback{ExecutionID: execID, ErrorCode: "EXECUTION_FAILED", Message: "worker crashed"})
	rec := fx.do(t, http.MethodPost, "/api/v2/callbacks/fail", body, withCallbackSignature(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	exec, err := fx.store.Get(context.Background(), execID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.State != lifecycle.StateFailed {
		t.Fatalf("state = %s, want failed", exec.State)
	}
	if exec.LastError != "worker crashed" {
		t.Fatalf("last error = %q", exec.LastError)
	}
}

func TestCallbackRejectsBadSignature(t *testing.T) {
	fx := newAPIFixture(t)
	execID := fx.submit(t, "task-forged")
	fx.startRunning(t, execID)

	body, _ := json.Marshal(progressCallback{ExecutionID: execID, Percentage: 10})
	rec := fx.do(t, http.MethodPost, "/api/v2/callbacks/progress", body, func(req *http.Request) {
		ts := time.Now().Unix()
		req.Header.Set(auth.HeaderCallbackAgentID, testAgentID)
		req.Header.Set(auth.HeaderCallbackTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(auth.HeaderCallbackSignature, auth.SignCallback("wrong-secret", ts, body))
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	fx := newAPIFixture(t)
	execID := fx.submit(t, "task-cancel")

	rec := fx.do(t, http.MethodPost, "/api/v2/cancel-task/task-cancel", nil, withAPIKey)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		State lifecycle.State `json:"state"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.State != lifecycle.StateCancelled && resp.State != lifecycle.StateNotifying &&
		resp.State != lifecycle.StateNotified {
		t.Fatalf("state = %s, want cancellation outcome", resp.State)
	}

	exec, err := fx.store.Get(context.Background(), execID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.State == lifecycle.StateQueued || exec.State == lifecycle.StateRunning {
		t.Fatalf("execution still active after cancel: %s", exec.State)
	}
}

func TestListTasksFiltersByState(t *testing.T) {
	fx := newAPIFixture(t)
	fx.submit(t, "task-list-1")
	execID := fx.submit(t, "task-list-2")
	fx.startRunning(t, execID)

	rec := fx.do(t, http.MethodGet, "/api/v2/tasks?status=running", nil, withAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp listTasksResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 1 || len(resp.Tasks) != 1 {
		t.Fatalf("count = %d, want 1", resp.Count)
	}
	if resp.Tasks[0].TaskID != "task-list-2" {
		t.Fatalf("task id = %s, want task-list-2", resp.Tasks[0].TaskID)
	}
}

func TestListTasksPagination(t *testing.T) {
	fx := newAPIFixture(t)
	for i := 0; i < 5; i++ {
		fx.submit(t, fmt.Sprintf("task-page-%d", i))
	}

	rec := fx.do(t, http.MethodGet, "/api/v2/tasks?limit=2&offset=2&order=asc", nil, withAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp listTasksResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 2 || resp.Limit != 2 || resp.Offset != 2 {
		t.Fatalf("unexpected page: %+v", resp)
	}
}

func TestAgentRegisterAndHeartbeat(t *testing.T) {
	fx := newAPIFixture(t)

	body, _ := json.Marshal(agentRegisterRequest{
		AgentID:      "agent-2",
		Endpoint:     "http://agent-2.internal:9000",
		Capabilities: []string{"report_generation"},
		SharedSecret: "another-secret",
		Capacity:     ledger.Requirements{MemoryMB: 2048, CPUCores: 8},
	})
	rec := fx.do(t, http.MethodPost, "/api/v2/agents/register", body, withAPIKey)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}

	if !fx.resources.Available("agent-2", ledger.Requirements{MemoryMB: 2048, CPUCores: 8}) {
		t.Fatal("capacity not recorded for new agent")
	}

	rec = fx.do(t, http.MethodPost, "/api/v2/agents/agent-2/heartbeat", nil, withAPIKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat status = %d", rec.Code)
	}

	rec = fx.do(t, http.MethodPost, "/api/v2/agents/agent-unknown/heartbeat", nil, withAPIKey)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown agent heartbeat status = %d, want 404", rec.Code)
	}
}

func TestHealthReportsStats(t *testing.T) {
	fx := newAPIFixture(t)
	fx.submit(t, "task-health")

	rec := fx.do(t, http.MethodGet, "/api/v2/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("status field = %q, want ok", resp.Status)
	}
	if resp.Executions.Queued != 1 {
		t.Fatalf("queued = %d, want 1", resp.Executions.Queued)
	}

	fx.server.SetDegraded(true)
	rec = fx.do(t, http.MethodGet, "/api/v2/health", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded health status = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpointExposed(t *testing.T) {
	fx := newAPIFixture(t)
	fx.submit(t, "task-metrics")

	rec := fx.do(t, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("taskrelay_")) {
		t.Fatal("metrics output missing taskrelay counters")
	}
}
