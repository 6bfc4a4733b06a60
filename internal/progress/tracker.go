package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "TaskRelay/internal/errors"
	"TaskRelay/internal/ledger"
	"TaskRelay/internal/lifecycle"
	"TaskRelay/internal/task"
	"TaskRelay/pkg/logger"
)

// DefaultLogCapacity 限制单个执行的进度日志条数，超出后丢弃最旧记录。
const DefaultLogCapacity = 100

// Entry 是进度日志中的一条记录。
type Entry struct {
	Percentage int    `json:"percentage"`
	Message    string `json:"message,omitempty"`
	RecordedAt int64  `json:"recorded_at"`
}

// Status 是状态查询接口返回的执行快照。
type Status struct {
	ExecutionID string           `json:"execution_id"`
	TaskID      string           `json:"task_id"`
	State       lifecycle.State  `json:"state"`
	Percentage  int              `json:"percentage"`
	QueuedAt    int64            `json:"queued_at,omitempty"`
	StartedAt   int64            `json:"started_at,omitempty"`
	CompletedAt int64            `json:"completed_at,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	ErrorCode   string           `json:"error_code,omitempty"`
	Result      *task.Result     `json:"result,omitempty"`
	Resources   *ledger.Snapshot `json:"resources,omitempty"`
	Log         []Entry          `json:"log,omitempty"`
}

// Tracker 负责进度更新的校验与记录，并对外提供状态查询。
type Tracker struct {
	store    task.Store
	ledger   *ledger.Ledger
	capacity int

	mu   sync.Mutex
	logs map[string][]Entry
}

// Option 定义可选配置。
type Option func(*Tracker)

// WithLogCapacity 覆盖进度日志容量。
func WithLogCapacity(capacity int) Option {
	return func(t *Tracker) {
		if capacity > 0 {
			t.capacity = capacity
		}
	}
}

// NewTracker 构造进度跟踪器。
func NewTracker(store task.Store, resourceLedger *ledger.Ledger, opts ...Option) *Tracker {
	t := &Tracker{
		store:    store,
		ledger:   resourceLedger,
		capacity: DefaultLogCapacity,
		logs:     make(map[string][]Entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Update 记录一次进度上报。百分比小于已记录值的更新被拒绝，
// 仅运行中的执行接受进度。
func (t *Tracker) Update(ctx context.Context, executionID string, percentage int, message string) error {
	if t.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "进度跟踪器未初始化")
	}
	exec, err := t.store.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.State != lifecycle.StateRunning {
		return xerrors.New(xerrors.CodeInvalidTransition,
			"当前状态不接受进度上报: "+string(exec.State))
	}
	if err := t.store.SetProgress(ctx, executionID, percentage); err != nil {
		if xerrors.CodeOf(err) == task.CodeStaleProgress {
			logger.L().Warn("拒绝过期进度上报",
				slog.String("execution_id", executionID),
				slog.Int("reported", percentage),
				slog.Int("recorded", exec.Progress),
			)
		}
		return err
	}
	t.appendLog(executionID, Entry{
		Percentage: percentage,
		Message:    message,
		RecordedAt: time.Now().Unix(),
	})
	return nil
}

// Log 返回执行的进度日志副本。
func (t *Tracker) Log(executionID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := t.logs[executionID]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Forget 清理已归档执行的进度日志。
func (t *Tracker) Forget(executionID string) {
	t.mu.Lock()
	delete(t.logs, executionID)
	t.mu.Unlock()
}

// Status 返回执行的当前快照，可选附带进度日志与资源视图。
func (t *Tracker) Status(ctx context.Context, executionID string, includeLog, includeResources bool) (*Status, error) {
	exec, err := t.store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return t.buildStatus(exec, includeLog, includeResources), nil
}

// StatusByTaskID 与 Status 相同，但按任务 ID 检索。
func (t *Tracker) StatusByTaskID(ctx context.Context, taskID string, includeLog, includeResources bool) (*Status, error) {
	exec, err := t.store.GetByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return t.buildStatus(exec, includeLog, includeResources), nil
}

func (t *Tracker) buildStatus(exec *task.Execution, includeLog, includeResources bool) *Status {
	status := &Status{
		ExecutionID: exec.ExecutionID,
		TaskID:      exec.TaskID,
		State:       exec.State,
		Percentage:  exec.Progress,
		QueuedAt:    exec.QueuedAt,
		StartedAt:   exec.StartedAt,
		CompletedAt: exec.CompletedAt,
		LastError:   exec.LastError,
		ErrorCode:   exec.ErrorCode,
		Result:      exec.Result,
	}
	if includeLog {
		status.Log = t.Log(exec.ExecutionID)
	}
	if includeResources && t.ledger != nil && exec.Allocation.AgentID != "" {
		if snapshot, err := t.ledger.SnapshotOf(exec.Allocation.AgentID); err == nil {
			status.Resources = &snapshot
		}
	}
	return status
}

func (t *Tracker) appendLog(executionID string, entry Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := append(t.logs[executionID], entry)
	if len(entries) > t.capacity {
		entries = entries[len(entries)-t.capacity:]
	}
	t.logs[executionID] = entries
}
