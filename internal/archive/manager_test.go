package archive

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"TaskRelay/internal/ledger"
	"TaskRelay/internal/lifecycle"
	"TaskRelay/internal/notify"
	storage "TaskRelay/internal/storage/mysql"
	"TaskRelay/internal/task"
)

type archiveFixture struct {
	manager    *Manager
	executions *task.MemoryStore
	deliveries *notify.MemoryStore
	ledger     *ledger.Ledger
	machine    *lifecycle.Machine
}

func newArchiveFixture(t *testing.T, policy RetentionPolicy, opts ...Option) *archiveFixture {
	t.Helper()
	executions := task.NewMemoryStore()
	deliveries := notify.NewMemoryStore()
	resourceLedger := ledger.NewLedger()
	machine := lifecycle.NewMachine()

	if err := resourceLedger.SetCapacity("agent-1", ledger.Capacity{MemoryMB: 1024, CPUCores: 4}); err != nil {
		t.Fatalf("set capacity: %v", err)
	}
	manager := NewManager(executions, deliveries, resourceLedger, machine, policy, opts...)
	return &archiveFixture{
		manager:    manager,
		executions: executions,
		deliveries: deliveries,
		ledger:     resourceLedger,
		machine:    machine,
	}
}

// notifiedExecution 构造一条通知阶段已结束、持有资源预留的执行。
func (fx *archiveFixture) notifiedExecution(t *testing.T, executionID string, state lifecycle.State) {
	t.Helper()
	ctx := context.Background()

	alloc, err := fx.ledger.Reserve("agent-1", executionID, ledger.Requirements{MemoryMB: 256, CPUCores: 1})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	exec := &task.Execution{
		ExecutionID: executionID,
		TaskID:      "task-" + executionID,
		AgentID:     alloc.AgentID,
		Spec: task.Spec{
			TaskID:         "task-" + executionID,
			TaskType:       "data_processing",
			TimeoutSeconds: 300,
			Payload:        task.PayloadEnvelope{SchemaID: "v1", Data: json.RawMessage(`{}`)},
			Notification:   task.NotificationConfig{WebhookURL: "https://o.example.com/hook", Secret: "s"},
		},
		State:      state,
		Allocation: alloc,
	}
	if err := fx.executions.Create(ctx, exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if err := fx.machine.Register(executionID, state); err != nil {
		t.Fatalf("register machine: %v", err)
	}
}

func TestArchiveReleasesResourcesExactlyOnce(t *testing.T) {
	fx := newArchiveFixture(t, DefaultRetentionPolicy())
	ctx := context.Background()

	fx.notifiedExecution(t, "exec-1", lifecycle.StateNotified)

	before, err := fx.ledger.SnapshotOf("agent-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if before.ReservedMemoryMB != 256 {
		t.Fatalf("expected reservation before archive: %+v", before)
	}

	if err := fx.manager.Archive(ctx, "exec-1"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	// 重复归档无害。
	if err := fx.manager.Archive(ctx, "exec-1"); err != nil {
		t.Fatalf("second archive: %v", err)
	}

	after, err := fx.ledger.SnapshotOf("agent-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if after.ReservedMemoryMB != 0 || after.ActiveReserves != 0 {
		t.Fatalf("resources not released: %+v", after)
	}

	exec, err := fx.executions.Get(ctx, "exec-1")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec.State != lifecycle.StateArchived {
		t.Fatalf("expected archived, got %s", exec.State)
	}
}

func TestArchiveAcceptsNotifyFailed(t *testing.T) {
	fx := newArchiveFixture(t, DefaultRetentionPolicy())
	ctx := context.Background()

	fx.notifiedExecution(t, "exec-nf", lifecycle.StateNotifyFailed)
	if err := fx.manager.Archive(ctx, "exec-nf"); err != nil {
		t.Fatalf("archive notify_failed: %v", err)
	}

	snapshot, err := fx.ledger.SnapshotOf("agent-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.ActiveReserves != 0 {
		t.Fatalf("failed notification must still release resources: %+v", snapshot)
	}
}

func TestArchiveRejectsNonTerminalDeliveryStates(t *testing.T) {
	fx := newArchiveFixture(t, DefaultRetentionPolicy())
	ctx := context.Background()

	fx.notifiedExecution(t, "exec-run", lifecycle.StateRunning)
	if err := fx.manager.Archive(ctx, "exec-run"); err == nil {
		t.Fatalf("expected rejection for running execution")
	}
}

func TestSweepForcesStuckNotifying(t *testing.T) {
	fx := newArchiveFixture(t, DefaultRetentionPolicy(), WithGracePeriod(time.Millisecond))
	ctx := context.Background()

	fx.notifiedExecution(t, "exec-stuck", lifecycle.StateNotifying)

	// 时间戳精确到秒，越过一个秒边界即超出宽限期。
	time.Sleep(1500 * time.Millisecond)

	fx.manager.Sweep(ctx)

	after, err := fx.executions.Get(ctx, "exec-stuck")
	if err != nil {
		t.Fatalf("get after sweep: %v", err)
	}
	if after.State != lifecycle.StateArchived {
		t.Fatalf("expected archived after grace sweep, got %s", after.State)
	}
	snapshot, err := fx.ledger.SnapshotOf("agent-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.ActiveReserves != 0 {
		t.Fatalf("grace sweep must release resources: %+v", snapshot)
	}
}

func TestArchiveRecordsAuditEvent(t *testing.T) {
	trail, err := storage.NewFileAuditTrail(t.TempDir())
	if err != nil {
		t.Fatalf("new audit trail: %v", err)
	}
	fx := newArchiveFixture(t, DefaultRetentionPolicy(), WithAuditTrail(trail))
	ctx := context.Background()

	fx.notifiedExecution(t, "exec-audit", lifecycle.StateNotified)
	if err := fx.manager.Archive(ctx, "exec-audit"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	events, err := trail.Latest(ctx, 5)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(events) != 1 || events[0].Event != "task_archived" || events[0].ExecutionID != "exec-audit" {
		t.Fatalf("unexpected audit events: %+v", events)
	}
}

func TestRetentionPolicyLoading(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "retention.yaml")
	content := []byte(`default_retain_days: 14
delivery_retain_days: 3
rules:
  - task_type: report_generation
    retain_days: 90
  - task_type: data_processing
    retain_days: 7
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	policy, err := LoadRetentionPolicy(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if policy.DefaultRetainDays != 14 || policy.DeliveryRetainDays != 3 {
		t.Fatalf("unexpected policy: %+v", policy)
	}
	if got := policy.RetainDaysFor("report_generation"); got != 90 {
		t.Fatalf("report_generation: got %d", got)
	}
	if got := policy.RetainDaysFor("unknown_type"); got != 14 {
		t.Fatalf("unknown type must fall back to default: got %d", got)
	}
}
