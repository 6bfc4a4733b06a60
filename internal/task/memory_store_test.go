package task

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	xerrors "TaskRelay/internal/errors"
	"TaskRelay/internal/lifecycle"
)

func newTestExecution(executionID, taskID string) *Execution {
	return &Execution{
		ExecutionID: executionID,
		TaskID:      taskID,
		Spec: Spec{
			TaskID:   taskID,
			TaskType: "data_processing",
			Priority: PriorityNormal,
			Payload: PayloadEnvelope{
				SchemaID: "data_processing/v1",
				Data:     json.RawMessage(`{"input":"s3://bucket/file"}`),
			},
			TimeoutSeconds: 300,
			Notification: NotificationConfig{
				WebhookURL: "https://orchestrator.example.com/webhook",
				Secret:     "test-secret",
			},
			OrchestratorID: "orchestrator-1",
		},
		State:        lifecycle.StateSubmitted,
		PriorityBand: 2,
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	exec := newTestExecution("exec-1", "task-1")
	if err := store.Create(ctx, exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	got, err := store.Get(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.TaskID != "task-1" || got.State != lifecycle.StateSubmitted {
		t.Fatalf("unexpected execution: %+v", got)
	}

	byTask, err := store.GetByTaskID(ctx, "task-1")
	if err != nil {
		t.Fatalf("get by task id: %v", err)
	}
	if byTask.ExecutionID != "exec-1" {
		t.Fatalf("expected exec-1, got %s", byTask.ExecutionID)
	}

	// 读取结果是副本，外部修改不应污染存储。
	got.Progress = 99
	fresh, err := store.Get(ctx, "exec-1")
	if err != nil {
		t.Fatalf("re-get execution: %v", err)
	}
	if fresh.Progress != 0 {
		t.Fatalf("store mutated through returned copy: %+v", fresh)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestMemoryStoreDuplicateTaskID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestExecution("exec-1", "task-1")); err != nil {
		t.Fatalf("create first execution: %v", err)
	}

	err := store.Create(ctx, newTestExecution("exec-2", "task-1"))
	if !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected ErrTaskConflict for duplicate task id, got %v", err)
	}
}

func TestMemoryStoreSetStateCAS(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestExecution("exec-1", "task-1")); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	if err := store.SetState(ctx, "exec-1", lifecycle.StateSubmitted, lifecycle.StateValidated); err != nil {
		t.Fatalf("set state: %v", err)
	}

	// 过期的期望状态必须被拒绝。
	err := store.SetState(ctx, "exec-1", lifecycle.StateSubmitted, lifecycle.StateRejected)
	if !errors.Is(err, ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}

	got, err := store.Get(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.State != lifecycle.StateValidated {
		t.Fatalf("expected validated after rejected CAS, got %s", got.State)
	}
}

func TestMemoryStoreStateTimestamps(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestExecution("exec-1", "task-1")); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	steps := []struct {
		from, to lifecycle.State
	}{
		{lifecycle.StateSubmitted, lifecycle.StateValidated},
		{lifecycle.StateValidated, lifecycle.StateQueued},
		{lifecycle.StateQueued, lifecycle.StateRunning},
		{lifecycle.StateRunning, lifecycle.StateCompleted},
	}
	for _, step := range steps {
		if err := store.SetState(ctx, "exec-1", step.from, step.to); err != nil {
			t.Fatalf("transition %s -> %s: %v", step.from, step.to, err)
		}
	}

	got, err := store.Get(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	now := time.Now().Unix()
	if got.QueuedAt == 0 || got.QueuedAt > now {
		t.Fatalf("queued_at not recorded: %d", got.QueuedAt)
	}
	if got.StartedAt == 0 {
		t.Fatalf("started_at not recorded")
	}
	if got.CompletedAt == 0 {
		t.Fatalf("completed_at not recorded")
	}
}

func TestMemoryStoreProgressMonotonic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestExecution("exec-1", "task-1")); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	if err := store.SetProgress(ctx, "exec-1", 40); err != nil {
		t.Fatalf("set progress 40: %v", err)
	}
	if err := store.SetProgress(ctx, "exec-1", 40); err != nil {
		t.Fatalf("set progress 40 again: %v", err)
	}

	err := store.SetProgress(ctx, "exec-1", 25)
	if !errors.Is(err, ErrStaleProgress) {
		t.Fatalf("expected ErrStaleProgress for regression, got %v", err)
	}

	if err := store.SetProgress(ctx, "exec-1", 101); err == nil {
		t.Fatalf("expected error for out-of-range percentage")
	}

	got, err := store.Get(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Progress != 40 {
		t.Fatalf("expected progress 40, got %d", got.Progress)
	}
}

func TestMemoryStoreResultAndFailure(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestExecution("exec-1", "task-1")); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	result := Result{
		Output:  json.RawMessage(`{"rows":128}`),
		Metrics: map[string]float64{"duration_seconds": 42.5},
	}
	if err := store.SetResult(ctx, "exec-1", result); err != nil {
		t.Fatalf("set result: %v", err)
	}

	got, err := store.Get(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Result == nil || got.Result.Metrics["duration_seconds"] != 42.5 {
		t.Fatalf("unexpected result: %+v", got.Result)
	}

	if err := store.SetFailure(ctx, "exec-1", xerrors.CodeExecutionFailed, "worker crashed"); err != nil {
		t.Fatalf("set failure: %v", err)
	}
	got, err = store.Get(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.LastError != "worker crashed" || got.ErrorCode != string(xerrors.CodeExecutionFailed) {
		t.Fatalf("failure not recorded: %+v", got)
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	executions := []*Execution{
		newTestExecution("exec-1", "task-1"),
		newTestExecution("exec-2", "task-2"),
		newTestExecution("exec-3", "task-3"),
	}
	executions[1].Spec.TaskType = "report_generation"
	executions[2].AgentID = "agent-7"

	for _, exec := range executions {
		if err := store.Create(ctx, exec); err != nil {
			t.Fatalf("create execution %s: %v", exec.ExecutionID, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := store.SetState(ctx, "exec-2", lifecycle.StateSubmitted, lifecycle.StateValidated); err != nil {
		t.Fatalf("validate exec-2: %v", err)
	}
	if err := store.SetState(ctx, "exec-2", lifecycle.StateValidated, lifecycle.StateQueued); err != nil {
		t.Fatalf("queue exec-2: %v", err)
	}

	store.mu.Lock()
	store.executions["exec-1"].UpdatedAt = base.Unix()
	store.executions["exec-2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.executions["exec-3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 executions, got %d", len(all))
	}
	if all[0].ExecutionID != "exec-3" {
		t.Fatalf("expected newest execution first, got %s", all[0].ExecutionID)
	}

	queued, err := store.List(ctx, buildListOptions([]ListOption{WithStates(lifecycle.StateQueued)}))
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	if len(queued) != 1 || queued[0].ExecutionID != "exec-2" {
		t.Fatalf("unexpected queued list: %+v", queued)
	}

	byType, err := store.List(ctx, buildListOptions([]ListOption{WithTaskType("report_generation")}))
	if err != nil {
		t.Fatalf("list by type: %v", err)
	}
	if len(byType) != 1 || byType[0].ExecutionID != "exec-2" {
		t.Fatalf("unexpected type list: %+v", byType)
	}

	byAgent, err := store.List(ctx, buildListOptions([]ListOption{WithAgentID("agent-7")}))
	if err != nil {
		t.Fatalf("list by agent: %v", err)
	}
	if len(byAgent) != 1 || byAgent[0].ExecutionID != "exec-3" {
		t.Fatalf("unexpected agent list: %+v", byAgent)
	}

	window, err := store.List(ctx, buildListOptions([]ListOption{
		WithUpdatedSince(base.Add(15 * time.Second)),
		WithUpdatedUntil(base.Add(45 * time.Second)),
	}))
	if err != nil {
		t.Fatalf("list window: %v", err)
	}
	if len(window) != 1 || window[0].ExecutionID != "exec-2" {
		t.Fatalf("unexpected window list: %+v", window)
	}

	paged, err := store.List(ctx, buildListOptions([]ListOption{WithLimit(1), WithOffset(1)}))
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if len(paged) != 1 || paged[0].ExecutionID != "exec-2" {
		t.Fatalf("unexpected page: %+v", paged)
	}

	oldestFirst, err := store.List(ctx, buildListOptions([]ListOption{WithSortOrder(SortByUpdatedAsc)}))
	if err != nil {
		t.Fatalf("list ascending: %v", err)
	}
	if oldestFirst[0].ExecutionID != "exec-1" {
		t.Fatalf("expected oldest first, got %s", oldestFirst[0].ExecutionID)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		exec := newTestExecution("exec-"+id, "task-"+id)
		if err := store.Create(ctx, exec); err != nil {
			t.Fatalf("create execution %d: %v", i, err)
		}
	}

	walk := func(id string, states ...lifecycle.State) {
		t.Helper()
		current := lifecycle.StateSubmitted
		for _, next := range states {
			if err := store.SetState(ctx, id, current, next); err != nil {
				t.Fatalf("transition %s to %s: %v", id, next, err)
			}
			current = next
		}
	}
	walk("exec-a", lifecycle.StateValidated, lifecycle.StateQueued)
	walk("exec-b", lifecycle.StateValidated, lifecycle.StateQueued, lifecycle.StateRunning)
	walk("exec-c", lifecycle.StateValidated, lifecycle.StateQueued, lifecycle.StateRunning, lifecycle.StateCompleted)

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Queued != 1 || stats.Running != 1 || stats.Completed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.OldestUpdatedAt == 0 || stats.NewestUpdatedAt < stats.OldestUpdatedAt {
		t.Fatalf("bad stats window: %+v", stats)
	}
}
