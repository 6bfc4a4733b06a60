package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"TaskRelay/internal/lifecycle"
	"TaskRelay/internal/task"
)

type archiveRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *archiveRecorder) record(_ context.Context, executionID string) {
	r.mu.Lock()
	r.ids = append(r.ids, executionID)
	r.mu.Unlock()
}

func (r *archiveRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

type notifyFixture struct {
	dispatcher *Dispatcher
	deliveries *MemoryStore
	executions *task.MemoryStore
	machine    *lifecycle.Machine
	archived   *archiveRecorder
}

func newNotifyFixture(t *testing.T, opts ...Option) *notifyFixture {
	t.Helper()
	deliveries := NewMemoryStore()
	executions := task.NewMemoryStore()
	machine := lifecycle.NewMachine()
	archived := &archiveRecorder{}

	allOpts := append([]Option{WithArchiveFunc(archived.record)}, opts...)
	dispatcher := NewDispatcher(deliveries, executions, machine, allOpts...)
	return &notifyFixture{
		dispatcher: dispatcher,
		deliveries: deliveries,
		executions: executions,
		machine:    machine,
		archived:   archived,
	}
}

// completedExecution 构造一条已到达 completed 终态的执行。
func (fx *notifyFixture) completedExecution(t *testing.T, executionID, webhookURL string, events []string, retry task.RetryPolicy) *task.Execution {
	t.Helper()
	ctx := context.Background()

	exec := &task.Execution{
		ExecutionID: executionID,
		TaskID:      "task-" + executionID,
		Spec: task.Spec{
			TaskID:         "task-" + executionID,
			TaskType:       "data_processing",
			Priority:       task.PriorityNormal,
			TimeoutSeconds: 300,
			Notification: task.NotificationConfig{
				WebhookURL: webhookURL,
				Secret:     "hook-secret",
				Events:     events,
				Retry:      retry,
			},
		},
		State:    lifecycle.StateCompleted,
		Progress: 100,
		Result:   &task.Result{Output: json.RawMessage(`{"rows":3}`)},
	}
	if err := fx.executions.Create(ctx, exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if err := fx.machine.Register(executionID, lifecycle.StateCompleted); err != nil {
		t.Fatalf("register machine: %v", err)
	}
	return exec
}

func (fx *notifyFixture) pendingDelivery(t *testing.T, executionID string) *Delivery {
	t.Helper()
	due, err := fx.deliveries.Due(context.Background(), time.Now().Unix()+3600, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	for _, delivery := range due {
		if delivery.ExecutionID == executionID {
			return delivery
		}
	}
	t.Fatalf("no pending delivery for %s", executionID)
	return nil
}

func TestDispatcherSignsDeliveries(t *testing.T) {
	fx := newNotifyFixture(t)
	ctx := context.Background()

	var gotSignature, gotTimestamp, gotDeliveryID string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get(HeaderSignature)
		gotTimestamp = r.Header.Get(HeaderTimestamp)
		gotDeliveryID = r.Header.Get(HeaderDeliveryID)
		body, _ := io.ReadAll(r.Body)
		gotBody = body
		_ = json.NewEncoder(w).Encode(Ack{Acknowledged: true})
	}))
	defer server.Close()

	exec := fx.completedExecution(t, "exec-sign", server.URL, nil, task.RetryPolicy{})
	if err := fx.dispatcher.HandleTerminal(ctx, exec, "task_completed"); err != nil {
		t.Fatalf("handle terminal: %v", err)
	}

	delivery := fx.pendingDelivery(t, "exec-sign")
	if err := fx.dispatcher.attempt(ctx, delivery); err != nil {
		t.Fatalf("attempt: %v", err)
	}

	timestamp, err := strconv.ParseInt(gotTimestamp, 10, 64)
	if err != nil {
		t.Fatalf("bad timestamp header %q: %v", gotTimestamp, err)
	}
	if !VerifySignature("hook-secret", timestamp, gotBody, gotSignature) {
		t.Fatalf("signature does not verify")
	}
	if gotDeliveryID != delivery.DeliveryID {
		t.Fatalf("delivery id header mismatch: %s != %s", gotDeliveryID, delivery.DeliveryID)
	}

	var payload EventPayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.EventType != "task_completed" || payload.ExecutionID != "exec-sign" {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	// 成功投递后执行应进入 notified 并交给归档层。
	stored, err := fx.executions.Get(ctx, "exec-sign")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if stored.State != lifecycle.StateNotified {
		t.Fatalf("expected notified, got %s", stored.State)
	}
	if fx.archived.count() != 1 {
		t.Fatalf("expected archive hook once, got %d", fx.archived.count())
	}
}

func TestDispatcherRetryBackoffSequence(t *testing.T) {
	fx := newNotifyFixture(t)
	ctx := context.Background()

	var responses int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		responses++
		if responses <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	exec := fx.completedExecution(t, "exec-retry", server.URL, nil, task.RetryPolicy{})
	if err := fx.dispatcher.HandleTerminal(ctx, exec, "task_completed"); err != nil {
		t.Fatalf("handle terminal: %v", err)
	}

	delivery := fx.pendingDelivery(t, "exec-retry")
	wantBackoff := []int64{1, 2, 4}
	for i := 0; i < 3; i++ {
		before := time.Now().Unix()
		if err := fx.dispatcher.attempt(ctx, delivery); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if delivery.Status != StatusPending {
			t.Fatalf("attempt %d: expected pending, got %s", i+1, delivery.Status)
		}
		gap := delivery.NextRetryAt - before
		if gap < wantBackoff[i] || gap > wantBackoff[i]+1 {
			t.Fatalf("attempt %d: backoff %ds, want ~%ds", i+1, gap, wantBackoff[i])
		}
	}

	if err := fx.dispatcher.attempt(ctx, delivery); err != nil {
		t.Fatalf("final attempt: %v", err)
	}
	if delivery.Status != StatusDelivered {
		t.Fatalf("expected delivered after 4th attempt, got %s", delivery.Status)
	}
	if delivery.Attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", delivery.Attempts)
	}
}

func TestDispatcherPermanentFailureOn4xx(t *testing.T) {
	fx := newNotifyFixture(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	exec := fx.completedExecution(t, "exec-4xx", server.URL, nil, task.RetryPolicy{})
	if err := fx.dispatcher.HandleTerminal(ctx, exec, "task_completed"); err != nil {
		t.Fatalf("handle terminal: %v", err)
	}

	delivery := fx.pendingDelivery(t, "exec-4xx")
	if err := fx.dispatcher.attempt(ctx, delivery); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if delivery.Status != StatusFailed {
		t.Fatalf("expected failed on 4xx, got %s", delivery.Status)
	}
	if delivery.Attempts != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", delivery.Attempts)
	}

	stored, err := fx.executions.Get(ctx, "exec-4xx")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if stored.State != lifecycle.StateNotifyFailed {
		t.Fatalf("expected notify_failed, got %s", stored.State)
	}
	// 投递失败仍然必须允许归档。
	if fx.archived.count() != 1 {
		t.Fatalf("expected archive hook despite failure, got %d", fx.archived.count())
	}
}

func TestDispatcherExhaustsRetries(t *testing.T) {
	fx := newNotifyFixture(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	exec := fx.completedExecution(t, "exec-exhaust", server.URL, nil, task.RetryPolicy{MaxAttempts: 2})
	if err := fx.dispatcher.HandleTerminal(ctx, exec, "task_completed"); err != nil {
		t.Fatalf("handle terminal: %v", err)
	}

	delivery := fx.pendingDelivery(t, "exec-exhaust")
	for i := 0; i < 2; i++ {
		if err := fx.dispatcher.attempt(ctx, delivery); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if delivery.Status != StatusFailed {
		t.Fatalf("expected failed after exhaustion, got %s", delivery.Status)
	}

	stored, err := fx.executions.Get(ctx, "exec-exhaust")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if stored.State != lifecycle.StateNotifyFailed {
		t.Fatalf("expected notify_failed, got %s", stored.State)
	}
	if fx.archived.count() != 1 {
		t.Fatalf("expected archive hook after exhaustion, got %d", fx.archived.count())
	}
}

func TestDispatcherSkipsUnsubscribedEvents(t *testing.T) {
	fx := newNotifyFixture(t)
	ctx := context.Background()

	exec := fx.completedExecution(t, "exec-skip", "https://unused.example.com", []string{"task_failed"}, task.RetryPolicy{})
	if err := fx.dispatcher.HandleTerminal(ctx, exec, "task_completed"); err != nil {
		t.Fatalf("handle terminal: %v", err)
	}

	due, err := fx.deliveries.Due(ctx, time.Now().Unix()+3600, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("unsubscribed event must not create deliveries: %+v", due)
	}

	stored, err := fx.executions.Get(ctx, "exec-skip")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if stored.State != lifecycle.StateNotified {
		t.Fatalf("expected notified without delivery, got %s", stored.State)
	}
	if fx.archived.count() != 1 {
		t.Fatalf("expected archive hook, got %d", fx.archived.count())
	}
}

func TestBackoffSecondsCapped(t *testing.T) {
	if got := BackoffSeconds(1, 2, 60, 1); got != 1 {
		t.Fatalf("attempt 1: got %d", got)
	}
	if got := BackoffSeconds(1, 2, 60, 6); got != 32 {
		t.Fatalf("attempt 6: got %d", got)
	}
	if got := BackoffSeconds(1, 2, 60, 10); got != 60 {
		t.Fatalf("attempt 10 must cap at 60: got %d", got)
	}
}
