package task

import (
	"context"

	xerrors "TaskRelay/internal/errors"
	"TaskRelay/internal/ledger"
	"TaskRelay/internal/lifecycle"
)

// Store 抽象了执行记录的持久化接口。
// SetState 必须实现期望状态校验：存储值与 expected 不符时返回 ErrStaleState，
// 这是跨进程场景下状态串行化的最后一道防线。
type Store interface {
	Create(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, executionID string) (*Execution, error)
	GetByTaskID(ctx context.Context, taskID string) (*Execution, error)
	SetState(ctx context.Context, executionID string, expected, target lifecycle.State) error
	SetAllocation(ctx context.Context, executionID string, alloc ledger.Allocation) error
	SetProgress(ctx context.Context, executionID string, percentage int) error
	SetResult(ctx context.Context, executionID string, result Result) error
	SetFailure(ctx context.Context, executionID string, code xerrors.Code, message string) error
	// Delete 物理删除执行记录，仅用于保留期结束后的清理。
	Delete(ctx context.Context, executionID string) error
	List(ctx context.Context, opts ListOptions) ([]*Execution, error)
	Stats(ctx context.Context, opts ListOptions) (ExecutionStats, error)
	Close() error
}
