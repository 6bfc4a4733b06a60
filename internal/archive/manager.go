package archive

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "TaskRelay/internal/errors"
	"TaskRelay/internal/ledger"
	"TaskRelay/internal/lifecycle"
	"TaskRelay/internal/notify"
	storage "TaskRelay/internal/storage/mysql"
	"TaskRelay/internal/task"
	"TaskRelay/pkg/logger"
)

// 默认归档参数。
const (
	DefaultGracePeriod   = 5 * time.Minute
	DefaultSweepInterval = time.Minute
)

// ProgressForgetter 允许归档时清理进度日志。
type ProgressForgetter interface {
	Forget(executionID string)
}

// Manager 负责归档：恰好一次释放资源、终结审计轨迹并按保留策略清理数据。
type Manager struct {
	executions task.Store
	deliveries notify.Store
	ledger     *ledger.Ledger
	machine    *lifecycle.Machine
	policy     RetentionPolicy
	progress   ProgressForgetter
	trail      storage.AuditTrail
	grace      time.Duration
	sweepEvery time.Duration
}

// Option 定义可选配置。
type Option func(*Manager)

// WithGracePeriod 覆盖通知阶段的归档宽限期。
func WithGracePeriod(grace time.Duration) Option {
	return func(m *Manager) {
		if grace > 0 {
			m.grace = grace
		}
	}
}

// WithSweepInterval 覆盖后台巡检间隔。
func WithSweepInterval(interval time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.sweepEvery = interval
		}
	}
}

// WithProgressForgetter 配置进度日志清理钩子。
func WithProgressForgetter(forgetter ProgressForgetter) Option {
	return func(m *Manager) {
		m.progress = forgetter
	}
}

// WithAuditTrail 配置归档审计事件的持久化账本。
func WithAuditTrail(trail storage.AuditTrail) Option {
	return func(m *Manager) {
		m.trail = trail
	}
}

// NewManager 构造归档管理器。
func NewManager(
	executions task.Store,
	deliveries notify.Store,
	resourceLedger *ledger.Ledger,
	machine *lifecycle.Machine,
	policy RetentionPolicy,
	opts ...Option,
) *Manager {
	policy.applyDefaults()
	m := &Manager{
		executions: executions,
		deliveries: deliveries,
		ledger:     resourceLedger,
		machine:    machine,
		policy:     policy,
		grace:      DefaultGracePeriod,
		sweepEvery: DefaultSweepInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Archive 归档一条已结束通知阶段的执行：释放资源、转入 archived 并清理在途状态。
// 资源释放在这里恰好一次发生，重复调用是无害的。
func (m *Manager) Archive(ctx context.Context, executionID string) error {
	exec, err := m.executions.Get(ctx, executionID)
	if err != nil {
		return err
	}
	switch exec.State {
	case lifecycle.StateNotified, lifecycle.StateNotifyFailed:
	case lifecycle.StateArchived:
		return nil
	default:
		return xerrors.New(xerrors.CodeInvalidTransition,
			"当前状态不允许归档: "+string(exec.State))
	}

	m.ensureTracked(executionID, exec.State)
	if err := m.transition(ctx, executionID, exec.State, lifecycle.StateArchived); err != nil {
		if stdErrors.Is(err, task.ErrStaleState) || stdErrors.Is(err, lifecycle.ErrTransitionDenied) {
			// 归档竞争：另一次调用已经完成。
			return nil
		}
		return err
	}

	m.releaseOnce(exec)
	if m.progress != nil {
		m.progress.Forget(executionID)
	}
	m.machine.Forget(executionID)

	logger.Audit().Info("执行已归档",
		slog.String("execution_id", executionID),
		slog.String("task_id", exec.TaskID),
		slog.String("task_type", exec.Spec.TaskType),
		slog.String("outcome", string(exec.State)),
		slog.Int("retain_days", m.policy.RetainDaysFor(exec.Spec.TaskType)),
	)
	if m.trail != nil {
		record := &storage.AuditRecord{
			Event:       "task_archived",
			TaskID:      exec.TaskID,
			ExecutionID: executionID,
			AgentID:     exec.AgentID,
			State:       string(exec.State),
		}
		if err := m.trail.Record(ctx, record); err != nil {
			logger.L().Warn("写入归档审计事件失败",
				slog.String("execution_id", executionID),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

// Run 启动后台巡检：处理宽限期到期的执行并按保留策略清理数据。
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep 执行一轮巡检。独立导出以便启动时立即补账。
func (m *Manager) Sweep(ctx context.Context) {
	m.sweepStuckNotifying(ctx)
	m.sweepRetention(ctx)
}

// sweepStuckNotifying 将滞留在 notifying 超过宽限期的执行强制结案，
// 投递失败绝不能让资源永久占用。
func (m *Manager) sweepStuckNotifying(ctx context.Context) {
	cutoff := time.Now().Add(-m.grace).Unix()
	stuck, err := m.executions.List(ctx, task.ListOptions{
		States:     []lifecycle.State{lifecycle.StateNotifying},
		UpdatedLTE: cutoff,
		Limit:      100,
	})
	if err != nil {
		logger.L().Error("巡检通知滞留失败", slog.Any("error", err))
		return
	}
	for _, exec := range stuck {
		m.ensureTracked(exec.ExecutionID, exec.State)
		if err := m.transition(ctx, exec.ExecutionID, lifecycle.StateNotifying, lifecycle.StateNotifyFailed); err != nil {
			continue
		}
		logger.Audit().Warn("通知宽限期到期，强制进入归档",
			slog.String("execution_id", exec.ExecutionID),
		)
		if err := m.Archive(ctx, exec.ExecutionID); err != nil {
			logger.L().Error("宽限期归档失败",
				slog.Any("error", err),
				slog.String("execution_id", exec.ExecutionID),
			)
		}
	}
}

// sweepRetention 按保留策略清理过期的归档执行与终态投递记录。
func (m *Manager) sweepRetention(ctx context.Context) {
	now := time.Now()

	deliveryCutoff := now.AddDate(0, 0, -m.policy.DeliveryRetainDays).Unix()
	if purged, err := m.deliveries.PurgeOlderThan(ctx, deliveryCutoff); err != nil {
		logger.L().Error("清理投递记录失败", slog.Any("error", err))
	} else if purged > 0 {
		logger.L().Info("已清理过期投递记录", slog.Int64("purged", purged))
	}

	archived, err := m.executions.List(ctx, task.ListOptions{
		States: []lifecycle.State{lifecycle.StateArchived},
		Limit:  500,
	})
	if err != nil {
		logger.L().Error("查询归档执行失败", slog.Any("error", err))
		return
	}
	for _, exec := range archived {
		retainDays := m.policy.RetainDaysFor(exec.Spec.TaskType)
		cutoff := now.AddDate(0, 0, -retainDays).Unix()
		if exec.UpdatedAt >= cutoff {
			continue
		}
		if err := m.executions.Delete(ctx, exec.ExecutionID); err != nil {
			logger.L().Error("删除过期执行失败",
				slog.Any("error", err),
				slog.String("execution_id", exec.ExecutionID),
			)
			continue
		}
		logger.L().Info("已删除过期执行",
			slog.String("execution_id", exec.ExecutionID),
			slog.String("task_type", exec.Spec.TaskType),
			slog.Int("retain_days", retainDays),
		)
	}
}

// releaseOnce 释放执行持有的资源预留。重复释放与未知 Agent 均按已释放处理。
func (m *Manager) releaseOnce(exec *task.Execution) {
	if exec.Allocation.AgentID == "" {
		return
	}
	err := m.ledger.Release(exec.Allocation.AgentID, exec.ExecutionID)
	if err == nil {
		return
	}
	if stdErrors.Is(err, ledger.ErrDuplicateRelease) || stdErrors.Is(err, ledger.ErrUnknownAgent) {
		return
	}
	logger.L().Error("释放资源预留失败",
		slog.Any("error", err),
		slog.String("execution_id", exec.ExecutionID),
		slog.String("agent_id", exec.Allocation.AgentID),
	)
}

func (m *Manager) transition(ctx context.Context, executionID string, expected, target lifecycle.State) error {
	if err := m.machine.Transition(executionID, expected, target); err != nil {
		return err
	}
	return m.executions.SetState(ctx, executionID, expected, target)
}

func (m *Manager) ensureTracked(executionID string, state lifecycle.State) {
	if _, err := m.machine.Current(executionID); err != nil {
		_ = m.machine.Register(executionID, state)
	}
}
