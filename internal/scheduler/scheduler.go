package scheduler

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	xerrors "TaskRelay/internal/errors"
	"TaskRelay/internal/ledger"
	"TaskRelay/internal/lifecycle"
	"TaskRelay/internal/observability/alerting"
	"TaskRelay/internal/observability/metrics"
	"TaskRelay/internal/task"
	"TaskRelay/pkg/logger"
)

// 通知事件类型，随终态回调传出。
const (
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskTimeout   = "task_timeout"
	EventTaskCancelled = "task_cancelled"
)

// TerminalFunc 在执行进入终态时被调用，由通知层接管后续流程。
type TerminalFunc func(ctx context.Context, exec *task.Execution, eventType string)

// Scheduler 负责出队、资源复核、派发与超时/取消计时。
type Scheduler struct {
	store       task.Store
	ledger      *ledger.Ledger
	agents      *ledger.Registry
	machine     *lifecycle.Machine
	consumer    task.Consumer
	producer    task.Producer
	executor    Executor
	workerCount int
	deferRetry  time.Duration
	cancelGrace time.Duration
	onTerminal  TerminalFunc
	alerter     alerting.Dispatcher
	logger      *slog.Logger

	mu       sync.Mutex
	timeouts map[string]*time.Timer
	graces   map[string]*time.Timer
	defers   map[string]*time.Timer
}

// Option 定义可选配置。
type Option func(*Scheduler)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) Option {
	return func(s *Scheduler) {
		if workers > 0 {
			s.workerCount = workers
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithCancelGrace 覆盖取消确认的宽限时长。
func WithCancelGrace(grace time.Duration) Option {
	return func(s *Scheduler) {
		if grace > 0 {
			s.cancelGrace = grace
		}
	}
}

// WithDeferredRetry 覆盖资源复核失败后的延迟重投间隔。
func WithDeferredRetry(delay time.Duration) Option {
	return func(s *Scheduler) {
		if delay > 0 {
			s.deferRetry = delay
		}
	}
}

// WithTerminalFunc 配置终态回调。
func WithTerminalFunc(fn TerminalFunc) Option {
	return func(s *Scheduler) {
		s.onTerminal = fn
	}
}

// WithAlertDispatcher 配置升级事件派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(s *Scheduler) {
		s.alerter = dispatcher
	}
}

// New 构造调度器。
func New(
	store task.Store,
	resourceLedger *ledger.Ledger,
	agents *ledger.Registry,
	machine *lifecycle.Machine,
	consumer task.Consumer,
	producer task.Producer,
	executor Executor,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		store:       store,
		ledger:      resourceLedger,
		agents:      agents,
		machine:     machine,
		consumer:    consumer,
		producer:    producer,
		executor:    executor,
		workerCount: 4,
		deferRetry:  5 * time.Second,
		cancelGrace: 30 * time.Second,
		timeouts:    make(map[string]*time.Timer),
		graces:      make(map[string]*time.Timer),
		defers:      make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动调度循环，阻塞到上下文取消。
func (s *Scheduler) Start(ctx context.Context) error {
	if s.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置调度消费者")
	}
	err := s.consumer.Consume(ctx, s.workerCount, s.handle)
	s.Stop()
	return err
}

// Stop 停掉所有在途计时器。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.timeouts {
		timer.Stop()
		delete(s.timeouts, id)
	}
	for id, timer := range s.graces {
		timer.Stop()
		delete(s.graces, id)
	}
	for id, timer := range s.defers {
		timer.Stop()
		delete(s.defers, id)
	}
}

// handle 处理一条出队的执行：复核状态与资源，派发并启动超时计时。
func (s *Scheduler) handle(ctx context.Context, executionID string) error {
	exec, err := s.store.Get(ctx, executionID)
	if err != nil {
		if stdErrors.Is(err, task.ErrExecutionNotFound) {
			s.logDebug("跳过未知执行", slog.String("execution_id", executionID))
			return nil
		}
		return err
	}
	// 出队时复核状态：已被取消或已在运行的执行直接跳过。
	if exec.State != lifecycle.StateQueued {
		s.logDebug("跳过非排队态执行",
			slog.String("execution_id", executionID),
			slog.String("state", string(exec.State)))
		return nil
	}
	s.ensureTracked(executionID, exec.State)

	// 准入时可能因软回压未预留资源，在这里补齐；余量仍不足则延迟重投。
	if exec.Allocation.AgentID == "" {
		alloc, ok := s.reserveNow(executionID, &exec.Spec)
		if !ok {
			s.requeueLater(executionID, exec.PriorityBand)
			return nil
		}
		if err := s.store.SetAllocation(ctx, executionID, alloc); err != nil {
			s.releaseQuietly(alloc.AgentID, executionID)
			return err
		}
		exec.Allocation = alloc
		exec.AgentID = alloc.AgentID
	}

	registration, err := s.agents.Lookup(exec.Allocation.AgentID)
	if err != nil {
		// 预留仍由归档阶段统一释放。
		return s.failExecution(ctx, exec, lifecycle.StateQueued, xerrors.CodeExecutionFailed, "目标 Agent 不存在")
	}

	if err := s.transition(ctx, executionID, lifecycle.StateQueued, lifecycle.StateRunning); err != nil {
		if stdErrors.Is(err, lifecycle.ErrTransitionDenied) || stdErrors.Is(err, task.ErrStaleState) {
			// 与取消请求竞争失败，放弃本次派发。
			return nil
		}
		return err
	}

	dispatchErr := s.executor.Execute(ctx, registration.Endpoint, DispatchRequest{
		ExecutionID:    executionID,
		TaskID:         exec.TaskID,
		TaskType:       exec.Spec.TaskType,
		TimeoutSeconds: exec.Spec.TimeoutSeconds,
		Payload:        exec.Spec.Payload,
	})
	if dispatchErr != nil {
		logger.L().Error("派发执行失败",
			slog.Any("error", dispatchErr),
			slog.String("execution_id", executionID),
			slog.String("agent_id", registration.AgentID),
		)
		s.emitAlert(ctx, exec, EventTaskFailed, xerrors.CodeExecutionFailed, dispatchErr)
		return s.failExecution(ctx, exec, lifecycle.StateRunning, xerrors.CodeExecutionFailed, dispatchErr.Error())
	}

	s.armTimeout(executionID, time.Duration(exec.Spec.TimeoutSeconds)*time.Second)
	logger.Audit().Info("执行已派发",
		slog.String("execution_id", executionID),
		slog.String("task_id", exec.TaskID),
		slog.String("agent_id", registration.AgentID),
		slog.Int("priority_band", exec.PriorityBand),
	)
	return nil
}

// Complete 由回调接口调用，记录执行成功并进入通知阶段。
func (s *Scheduler) Complete(ctx context.Context, executionID string, result task.Result) error {
	if err := s.transition(ctx, executionID, lifecycle.StateRunning, lifecycle.StateCompleted); err != nil {
		return err
	}
	s.disarm(executionID)
	if err := s.store.SetResult(ctx, executionID, result); err != nil {
		return err
	}
	logger.Audit().Info("执行完成", slog.String("execution_id", executionID))
	s.fireTerminal(ctx, executionID, EventTaskCompleted)
	return nil
}

// Fail 由回调接口调用，记录执行失败并进入通知阶段。
func (s *Scheduler) Fail(ctx context.Context, executionID string, code xerrors.Code, message string) error {
	if err := s.transition(ctx, executionID, lifecycle.StateRunning, lifecycle.StateFailed); err != nil {
		return err
	}
	s.disarm(executionID)
	if err := s.store.SetFailure(ctx, executionID, code, message); err != nil {
		return err
	}
	logger.Audit().Warn("执行失败",
		slog.String("execution_id", executionID),
		slog.String("error_code", string(code)),
		slog.String("error", message),
	)
	s.fireTerminal(ctx, executionID, EventTaskFailed)
	return nil
}

// Cancel 处理取消请求：排队中的执行直接取消，运行中的执行先征询 Agent，
// 宽限期内未获确认则本地强制转入 cancelled。
func (s *Scheduler) Cancel(ctx context.Context, executionID string) error {
	exec, err := s.store.Get(ctx, executionID)
	if err != nil {
		return err
	}
	s.ensureTracked(executionID, exec.State)

	switch exec.State {
	case lifecycle.StateQueued:
		if err := s.transition(ctx, executionID, lifecycle.StateQueued, lifecycle.StateCancelled); err != nil {
			return err
		}
		s.disarm(executionID)
		logger.Audit().Info("排队中的执行已取消", slog.String("execution_id", executionID))
		s.fireTerminal(ctx, executionID, EventTaskCancelled)
		return nil

	case lifecycle.StateRunning:
		acknowledged := false
		if registration, lookupErr := s.agents.Lookup(exec.AgentID); lookupErr == nil {
			acknowledged, _ = s.executor.Cancel(ctx, registration.Endpoint, executionID)
		}
		if acknowledged {
			if err := s.transition(ctx, executionID, lifecycle.StateRunning, lifecycle.StateCancelled); err != nil {
				return err
			}
			s.disarm(executionID)
			logger.Audit().Info("Agent 已确认取消", slog.String("execution_id", executionID))
			s.fireTerminal(ctx, executionID, EventTaskCancelled)
			return nil
		}
		s.armGrace(executionID)
		logger.Audit().Info("取消待确认，已启动宽限计时",
			slog.String("execution_id", executionID),
			slog.Duration("grace", s.cancelGrace),
		)
		return nil

	default:
		return xerrors.New(xerrors.CodeInvalidTransition,
			"当前状态不允许取消: "+string(exec.State))
	}
}

// onTimeout 在超时计时器到期时触发：转入 timeout 并向 Agent 发送尽力取消信号。
func (s *Scheduler) onTimeout(executionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultExecutorTimeout)
	defer cancel()

	if err := s.transition(ctx, executionID, lifecycle.StateRunning, lifecycle.StateTimeout); err != nil {
		// 终态回调先到一步，超时不再生效。
		return
	}
	timeoutErr := xerrors.New(xerrors.CodeTimeout, "执行超时，Agent 未在期限内回调")
	_ = s.store.SetFailure(ctx, executionID, xerrors.CodeTimeout, timeoutErr.Error())

	if exec, err := s.store.Get(ctx, executionID); err == nil {
		if registration, lookupErr := s.agents.Lookup(exec.AgentID); lookupErr == nil {
			_, _ = s.executor.Cancel(ctx, registration.Endpoint, executionID)
		}
		s.emitAlert(ctx, exec, EventTaskTimeout, xerrors.CodeTimeout, timeoutErr)
	}
	logger.Audit().Warn("执行超时", slog.String("execution_id", executionID))
	s.fireTerminal(ctx, executionID, EventTaskTimeout)
}

// onGraceExpired 在取消宽限期到期后强制转入 cancelled，不再依赖 Agent 响应。
func (s *Scheduler) onGraceExpired(executionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultExecutorTimeout)
	defer cancel()

	if err := s.transition(ctx, executionID, lifecycle.StateRunning, lifecycle.StateCancelled); err != nil {
		return
	}
	s.disarm(executionID)
	_ = s.store.SetFailure(ctx, executionID, xerrors.CodeExecutionFailed, "取消宽限期内未获 Agent 确认，已强制取消")
	logger.Audit().Warn("强制取消执行", slog.String("execution_id", executionID))
	s.fireTerminal(ctx, executionID, EventTaskCancelled)
}

func (s *Scheduler) releaseQuietly(agentID, executionID string) {
	if agentID == "" {
		return
	}
	if err := s.ledger.Release(agentID, executionID); err != nil && !stdErrors.Is(err, ledger.ErrDuplicateRelease) {
		logger.L().Error("释放资源预留失败",
			slog.Any("error", err),
			slog.String("execution_id", executionID),
			slog.String("agent_id", agentID),
		)
	}
}

func (s *Scheduler) reserveNow(executionID string, spec *task.Spec) (ledger.Allocation, bool) {
	if s.agents == nil {
		return ledger.Allocation{}, false
	}
	for _, candidate := range s.agents.PickByCapability(spec.TaskType) {
		alloc, err := s.ledger.Reserve(candidate.AgentID, executionID, spec.Requirements)
		if err == nil {
			return alloc, true
		}
	}
	return ledger.Allocation{}, false
}

func (s *Scheduler) requeueLater(executionID string, band int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, pending := s.defers[executionID]; pending {
		return
	}
	s.defers[executionID] = time.AfterFunc(s.deferRetry, func() {
		s.mu.Lock()
		delete(s.defers, executionID)
		s.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), DefaultExecutorTimeout)
		defer cancel()
		if err := s.producer.Publish(ctx, executionID, band); err != nil {
			logger.L().Error("延迟重投失败",
				slog.Any("error", err),
				slog.String("execution_id", executionID),
			)
		}
	})
	s.logDebug("资源不足，延迟重投",
		slog.String("execution_id", executionID),
		slog.Duration("delay", s.deferRetry),
	)
}

func (s *Scheduler) failExecution(ctx context.Context, exec *task.Execution, from lifecycle.State, code xerrors.Code, message string) error {
	if from == lifecycle.StateQueued {
		// queued 没有直达 failed 的边，先转 running 再落败。
		if err := s.transition(ctx, exec.ExecutionID, lifecycle.StateQueued, lifecycle.StateRunning); err != nil {
			return err
		}
	}
	if err := s.transition(ctx, exec.ExecutionID, lifecycle.StateRunning, lifecycle.StateFailed); err != nil {
		return err
	}
	s.disarm(exec.ExecutionID)
	_ = s.store.SetFailure(ctx, exec.ExecutionID, code, message)
	s.fireTerminal(ctx, exec.ExecutionID, EventTaskFailed)
	return nil
}

// ensureTracked 在进程重启后按存储状态重建状态机条目。
func (s *Scheduler) ensureTracked(executionID string, state lifecycle.State) {
	if _, err := s.machine.Current(executionID); err != nil {
		_ = s.machine.Register(executionID, state)
	}
}

func (s *Scheduler) transition(ctx context.Context, executionID string, expected, target lifecycle.State) error {
	if err := s.machine.Transition(executionID, expected, target); err != nil {
		return err
	}
	return s.store.SetState(ctx, executionID, expected, target)
}

func (s *Scheduler) armTimeout(executionID string, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timeouts[executionID]; ok {
		old.Stop()
	}
	s.timeouts[executionID] = time.AfterFunc(timeout, func() {
		s.mu.Lock()
		delete(s.timeouts, executionID)
		s.mu.Unlock()
		s.onTimeout(executionID)
	})
}

func (s *Scheduler) armGrace(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, pending := s.graces[executionID]; pending {
		return
	}
	s.graces[executionID] = time.AfterFunc(s.cancelGrace, func() {
		s.mu.Lock()
		delete(s.graces, executionID)
		s.mu.Unlock()
		s.onGraceExpired(executionID)
	})
}

func (s *Scheduler) disarm(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timeouts[executionID]; ok {
		timer.Stop()
		delete(s.timeouts, executionID)
	}
	if timer, ok := s.graces[executionID]; ok {
		timer.Stop()
		delete(s.graces, executionID)
	}
}

func (s *Scheduler) fireTerminal(ctx context.Context, executionID, eventType string) {
	metrics.ObserveExecutionOutcome(eventType)
	if s.onTerminal == nil {
		return
	}
	exec, err := s.store.Get(ctx, executionID)
	if err != nil {
		logger.L().Error("读取终态执行失败",
			slog.Any("error", err),
			slog.String("execution_id", executionID),
		)
		return
	}
	s.onTerminal(ctx, exec, eventType)
}

func (s *Scheduler) emitAlert(ctx context.Context, exec *task.Execution, eventType string, code xerrors.Code, cause error) {
	if s.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:        code,
		Message:     cause.Error(),
		Severity:    xerrors.SeverityOf(cause),
		TaskID:      exec.TaskID,
		ExecutionID: exec.ExecutionID,
		EventType:   eventType,
		OccurredAt:  time.Now(),
	}
	if err := s.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("派发升级事件失败",
			slog.Any("error", err),
			slog.String("execution_id", exec.ExecutionID),
		)
	}
}

func (s *Scheduler) logDebug(msg string, attrs ...slog.Attr) {
	if s.logger == nil {
		return
	}
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	s.logger.Debug(msg, args...)
}
