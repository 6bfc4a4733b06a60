package task

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "TaskRelay/internal/errors"
	"TaskRelay/internal/ledger"
	"TaskRelay/internal/lifecycle"
)

// MemoryStore 以内存方式保存执行记录，主要用于测试与单机部署。
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*Execution
	byTaskID   map[string]string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*Execution),
		byTaskID:   make(map[string]string),
	}
}

// Create 实现 Store 接口。task_id 重复时返回 ErrTaskConflict。
func (m *MemoryStore) Create(_ context.Context, exec *Execution) error {
	if exec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution 不能为空")
	}
	if exec.ExecutionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行 ID 不能为空")
	}
	if exec.TaskID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byTaskID[exec.TaskID]; ok {
		return ErrTaskConflict
	}
	if _, ok := m.executions[exec.ExecutionID]; ok {
		return xerrors.New(xerrors.CodeConflict, "执行 ID 已存在")
	}
	now := time.Now().Unix()
	if exec.CreatedAt == 0 {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	m.executions[exec.ExecutionID] = cloneExecution(exec)
	m.byTaskID[exec.TaskID] = exec.ExecutionID
	return nil
}

// Get 返回执行记录。
func (m *MemoryStore) Get(_ context.Context, executionID string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return cloneExecution(exec), nil
}

// GetByTaskID 按 task_id 返回执行记录。
func (m *MemoryStore) GetByTaskID(_ context.Context, taskID string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	executionID, ok := m.byTaskID[taskID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	exec, ok := m.executions[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return cloneExecution(exec), nil
}

// SetState 以期望状态校验的方式更新状态，同时维护各阶段时间戳。
func (m *MemoryStore) SetState(_ context.Context, executionID string, expected, target lifecycle.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return ErrExecutionNotFound
	}
	if exec.State != expected {
		return ErrStaleState
	}
	now := time.Now().Unix()
	exec.State = target
	exec.UpdatedAt = now
	switch target {
	case lifecycle.StateQueued:
		exec.QueuedAt = now
	case lifecycle.StateRunning:
		exec.StartedAt = now
	default:
		if lifecycle.IsTerminalOutcome(target) {
			exec.CompletedAt = now
		}
	}
	return nil
}

// SetAllocation 记录调度时确定的资源分配与目标 Agent。
func (m *MemoryStore) SetAllocation(_ context.Context, executionID string, alloc ledger.Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return ErrExecutionNotFound
	}
	exec.Allocation = alloc
	exec.AgentID = alloc.AgentID
	exec.UpdatedAt = time.Now().Unix()
	return nil
}

// SetProgress 记录新的进度百分比，小于当前值的更新被拒绝。
func (m *MemoryStore) SetProgress(_ context.Context, executionID string, percentage int) error {
	if percentage < 0 || percentage > 100 {
		return xerrors.New(xerrors.CodeInvalidArgument, "进度必须位于 0-100 区间")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return ErrExecutionNotFound
	}
	if percentage < exec.Progress {
		return ErrStaleProgress
	}
	exec.Progress = percentage
	exec.UpdatedAt = time.Now().Unix()
	return nil
}

// SetResult 记录执行结果。
func (m *MemoryStore) SetResult(_ context.Context, executionID string, result Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return ErrExecutionNotFound
	}
	resultCopy := result
	exec.Result = &resultCopy
	exec.LastError = ""
	exec.ErrorCode = ""
	exec.UpdatedAt = time.Now().Unix()
	return nil
}

// SetFailure 记录执行失败信息。
func (m *MemoryStore) SetFailure(_ context.Context, executionID string, code xerrors.Code, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return ErrExecutionNotFound
	}
	exec.LastError = message
	exec.ErrorCode = string(code)
	exec.UpdatedAt = time.Now().Unix()
	return nil
}

// Delete 物理删除执行记录。
func (m *MemoryStore) Delete(_ context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return ErrExecutionNotFound
	}
	delete(m.byTaskID, exec.TaskID)
	delete(m.executions, executionID)
	return nil
}

// List 返回符合过滤条件的执行记录。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Execution, 0, len(m.executions))
	for _, exec := range m.executions {
		if !matchesListFilters(exec, opts) {
			continue
		}
		results = append(results, cloneExecution(exec))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ExecutionID < results[j].ExecutionID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ExecutionID > results[j].ExecutionID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return nil, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的执行数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (ExecutionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := ExecutionStats{}
	for _, exec := range m.executions {
		if !matchesListFilters(exec, opts) {
			continue
		}
		stats.Total++
		switch exec.State {
		case lifecycle.StateQueued:
			stats.Queued++
		case lifecycle.StateRunning:
			stats.Running++
		case lifecycle.StateCompleted:
			stats.Completed++
		case lifecycle.StateFailed:
			stats.Failed++
		case lifecycle.StateTimeout:
			stats.Timeout++
		case lifecycle.StateCancelled:
			stats.Cancelled++
		case lifecycle.StateArchived:
			stats.Archived++
		}
		if exec.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = exec.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (exec.UpdatedAt != 0 && exec.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = exec.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(exec *Execution, opts ListOptions) bool {
	if len(opts.States) > 0 {
		matched := false
		for _, state := range opts.States {
			if exec.State == state {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.TaskType != "" && exec.Spec.TaskType != opts.TaskType {
		return false
	}
	if opts.AgentID != "" && exec.AgentID != opts.AgentID {
		return false
	}
	if opts.UpdatedGTE > 0 && exec.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && exec.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
