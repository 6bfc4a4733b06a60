package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "TaskRelay/internal/errors"
	"TaskRelay/internal/ledger"
	"TaskRelay/internal/lifecycle"
	"TaskRelay/internal/observability/metrics"
	"TaskRelay/internal/task/payload"
	"TaskRelay/pkg/logger"
)

// AdmissionPolicy 描述准入阶段的硬性约束与回压参数。
type AdmissionPolicy struct {
	// MaxTimeoutSeconds 限制任务声明的超时上限。
	MaxTimeoutSeconds int64
	// CeilingMemoryMB / CeilingCPUCores 是部署级硬上限，超过即直接拒绝。
	CeilingMemoryMB int64
	CeilingCPUCores int64
	// RetryAfterSeconds 是软回压时给编排方的重试建议。
	RetryAfterSeconds int64
	// SecondsPerQueueSlot 用于粗略估算排队任务的启动时间。
	SecondsPerQueueSlot int64
}

func (p *AdmissionPolicy) applyDefaults() {
	if p.MaxTimeoutSeconds <= 0 {
		p.MaxTimeoutSeconds = 3600
	}
	if p.CeilingMemoryMB <= 0 {
		p.CeilingMemoryMB = 65536
	}
	if p.CeilingCPUCores <= 0 {
		p.CeilingCPUCores = 64
	}
	if p.RetryAfterSeconds <= 0 {
		p.RetryAfterSeconds = 30
	}
	if p.SecondsPerQueueSlot <= 0 {
		p.SecondsPerQueueSlot = 30
	}
}

// AdmissionResult 是准入成功后的响应载荷。
type AdmissionResult struct {
	ExecutionID       string          `json:"execution_id"`
	TaskID            string          `json:"task_id"`
	State             lifecycle.State `json:"state"`
	QueuePosition     int64           `json:"queue_position"`
	EstimatedStartAt  int64           `json:"estimated_start_at"`
	RetryAfterSeconds int64           `json:"retry_after_seconds,omitempty"`
}

// Admission 负责任务准入：校验描述、预留资源、创建执行并入队。
type Admission struct {
	store      Store
	ledger     *ledger.Ledger
	agents     *ledger.Registry
	machine    *lifecycle.Machine
	producer   Producer
	validators *payload.Registry
	priorityFn PriorityFunc
	policy     AdmissionPolicy
}

// NewAdmission 构造准入服务。
func NewAdmission(
	store Store,
	resourceLedger *ledger.Ledger,
	agents *ledger.Registry,
	machine *lifecycle.Machine,
	producer Producer,
	validators *payload.Registry,
	priorityFn PriorityFunc,
	policy AdmissionPolicy,
) *Admission {
	if priorityFn == nil {
		priorityFn = DefaultPriorityFunc
	}
	policy.applyDefaults()
	return &Admission{
		store:      store,
		ledger:     resourceLedger,
		agents:     agents,
		machine:    machine,
		producer:   producer,
		validators: validators,
		priorityFn: priorityFn,
		policy:     policy,
	}
}

// Admit 处理一次任务提交。重复 task_id 返回 ErrTaskConflict，
// 软性资源不足仍然接受任务并返回 retry_after 建议，
// 超过硬上限则记录 rejected 并返回不可重试的错误。
func (a *Admission) Admit(ctx context.Context, spec *Spec) (*AdmissionResult, error) {
	if a.store == nil || a.ledger == nil || a.machine == nil || a.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "准入服务未初始化")
	}
	if err := a.validateSpec(spec); err != nil {
		metrics.ObserveAdmission("validation_failed")
		return nil, err
	}

	executionID := uuid.NewString()
	band := ClampBand(a.priorityFn(spec))

	alloc, reserved, hardCeiling := a.tryReserve(executionID, spec)

	now := time.Now().Unix()
	if spec.CreatedAt == 0 {
		spec.CreatedAt = now
	}
	exec := &Execution{
		ExecutionID:  executionID,
		TaskID:       spec.TaskID,
		AgentID:      alloc.AgentID,
		Spec:         *spec,
		State:        lifecycle.StateSubmitted,
		PriorityBand: band,
		Allocation:   alloc,
	}

	if err := a.machine.Register(executionID, lifecycle.StateSubmitted); err != nil {
		a.rollbackReserve(alloc, reserved, executionID)
		return nil, err
	}
	if err := a.store.Create(ctx, exec); err != nil {
		a.rollbackReserve(alloc, reserved, executionID)
		a.machine.Forget(executionID)
		if stdErrors.Is(err, ErrTaskConflict) {
			metrics.ObserveAdmission("conflict")
			logger.L().Warn("任务 ID 冲突", slog.String("task_id", spec.TaskID))
			return nil, ErrTaskConflict
		}
		return nil, err
	}

	if hardCeiling {
		if err := a.transition(ctx, executionID, lifecycle.StateSubmitted, lifecycle.StateRejected); err != nil {
			return nil, err
		}
		metrics.ObserveAdmission("rejected")
		rejection := xerrors.New(xerrors.CodeResourceExhausted,
			"资源需求超过硬上限", xerrors.WithRetryable(false))
		_ = a.store.SetFailure(ctx, executionID, xerrors.CodeResourceExhausted, rejection.Error())
		logger.Audit().Warn("任务因资源上限被拒绝",
			slog.String("task_id", spec.TaskID),
			slog.String("execution_id", executionID),
			slog.Int64("memory_mb", spec.Requirements.MemoryMB),
			slog.Int64("cpu_cores", spec.Requirements.CPUCores),
		)
		return nil, rejection
	}

	if err := a.transition(ctx, executionID, lifecycle.StateSubmitted, lifecycle.StateValidated); err != nil {
		a.rollbackReserve(alloc, reserved, executionID)
		return nil, err
	}
	if err := a.transition(ctx, executionID, lifecycle.StateValidated, lifecycle.StateQueued); err != nil {
		a.rollbackReserve(alloc, reserved, executionID)
		return nil, err
	}

	if err := a.producer.Publish(ctx, executionID, band); err != nil {
		logger.L().Error("执行入队失败",
			slog.Any("error", err),
			slog.String("execution_id", executionID),
		)
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布执行到调度队列失败")
		a.rollbackReserve(alloc, reserved, executionID)
		_ = a.store.SetFailure(ctx, executionID, CodeTaskPublish, wrapped.Error())
		_ = a.transition(ctx, executionID, lifecycle.StateQueued, lifecycle.StateCancelled)
		return nil, wrapped
	}

	position, estimatedStart := a.queueEstimate(ctx, now)
	result := &AdmissionResult{
		ExecutionID:      executionID,
		TaskID:           spec.TaskID,
		State:            lifecycle.StateQueued,
		QueuePosition:    position,
		EstimatedStartAt: estimatedStart,
	}
	if !reserved {
		result.RetryAfterSeconds = a.policy.RetryAfterSeconds
	}

	metrics.ObserveAdmission("queued")
	logger.Audit().Info("任务准入成功",
		slog.String("task_id", spec.TaskID),
		slog.String("execution_id", executionID),
		slog.String("task_type", spec.TaskType),
		slog.Int("priority_band", band),
		slog.Bool("reserved", reserved),
		slog.Int64("queue_position", position),
	)
	return result, nil
}

func (a *Admission) validateSpec(spec *Spec) error {
	if spec == nil {
		return xerrors.New(CodeTaskValidation, "任务描述不能为空")
	}
	if strings.TrimSpace(spec.TaskID) == "" {
		return xerrors.New(CodeTaskValidation, "task_id 不能为空")
	}
	if strings.TrimSpace(spec.TaskType) == "" {
		return xerrors.New(CodeTaskValidation, "task_type 不能为空")
	}
	if spec.Priority == "" {
		spec.Priority = PriorityNormal
	}
	if !IsValidPriority(spec.Priority) {
		return xerrors.New(CodeTaskValidation, "未知的任务优先级: "+string(spec.Priority))
	}
	if spec.TimeoutSeconds <= 0 {
		return xerrors.New(CodeTaskValidation, "timeout 必须大于 0")
	}
	if spec.TimeoutSeconds > a.policy.MaxTimeoutSeconds {
		return xerrors.New(CodeTaskValidation, "timeout 超过允许上限")
	}
	if spec.Requirements.MemoryMB < 0 || spec.Requirements.CPUCores < 0 {
		return xerrors.New(CodeTaskValidation, "资源需求不能为负")
	}
	if strings.TrimSpace(spec.Notification.WebhookURL) == "" {
		return xerrors.New(CodeTaskValidation, "通知 webhook 地址不能为空")
	}
	if strings.TrimSpace(spec.Notification.Secret) == "" {
		return xerrors.New(CodeTaskValidation, "通知签名密钥不能为空")
	}
	if a.validators != nil {
		if !a.validators.Supports(spec.TaskType) {
			return xerrors.New(CodeTaskValidation, "不支持的任务类型: "+spec.TaskType)
		}
		if err := a.validators.Validate(spec.TaskType, spec.Payload.SchemaID, spec.Payload.Data); err != nil {
			return xerrors.Wrap(CodeTaskValidation, err, "payload 校验失败")
		}
	}
	return nil
}

// tryReserve 尝试在任一具备能力的健康 Agent 上预留资源。
// 返回值依次为：预留的分配、是否预留成功、是否触发硬上限。
func (a *Admission) tryReserve(executionID string, spec *Spec) (ledger.Allocation, bool, bool) {
	if spec.Requirements.MemoryMB > a.policy.CeilingMemoryMB ||
		spec.Requirements.CPUCores > a.policy.CeilingCPUCores {
		return ledger.Allocation{}, false, true
	}

	var candidates []ledger.AgentRegistration
	if a.agents != nil {
		candidates = a.agents.PickByCapability(spec.TaskType)
	}
	if len(candidates) == 0 {
		// 暂无可用 Agent，按软回压处理，调度器在出队时再次尝试。
		return ledger.Allocation{}, false, false
	}

	ceilingCount := 0
	for _, candidate := range candidates {
		alloc, err := a.ledger.Reserve(candidate.AgentID, executionID, spec.Requirements)
		if err == nil {
			return alloc, true, false
		}
		if xerrors.CodeOf(err) == xerrors.CodeResourceExhausted && !xerrors.RetryableError(err) {
			ceilingCount++
		}
	}
	if ceilingCount == len(candidates) {
		return ledger.Allocation{}, false, true
	}
	return ledger.Allocation{}, false, false
}

func (a *Admission) rollbackReserve(alloc ledger.Allocation, reserved bool, executionID string) {
	if !reserved {
		return
	}
	if err := a.ledger.Release(alloc.AgentID, executionID); err != nil {
		logger.L().Error("回滚资源预留失败",
			slog.Any("error", err),
			slog.String("execution_id", executionID),
		)
	}
}

// transition 同步推进内存状态机与持久化状态。
func (a *Admission) transition(ctx context.Context, executionID string, expected, target lifecycle.State) error {
	if err := a.machine.Transition(executionID, expected, target); err != nil {
		return err
	}
	if err := a.store.SetState(ctx, executionID, expected, target); err != nil {
		return err
	}
	return nil
}

func (a *Admission) queueEstimate(ctx context.Context, now int64) (int64, int64) {
	stats, err := a.store.Stats(ctx, ListOptions{States: []lifecycle.State{lifecycle.StateQueued}})
	if err != nil {
		return 1, now + a.policy.SecondsPerQueueSlot
	}
	position := int64(stats.Queued)
	if position < 1 {
		position = 1
	}
	return position, now + position*a.policy.SecondsPerQueueSlot
}
