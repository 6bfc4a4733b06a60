package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	xerrors "TaskRelay/internal/errors"
	"TaskRelay/internal/lifecycle"
	"TaskRelay/internal/observability/alerting"
	"TaskRelay/internal/observability/metrics"
	"TaskRelay/internal/task"
	"TaskRelay/pkg/logger"
)

// 默认投递参数。重试策略可被 TaskSpec 的 notification_config 覆盖。
const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultPollInterval   = time.Second
	DefaultBatchSize      = 50
	DefaultMaxAttempts    = 5
	DefaultBaseDelay      = 1.0
	DefaultMultiplier     = 2.0
	DefaultMaxDelay       = 60.0
)

// EventError 是随失败事件携带的错误详情。
type EventError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventPayload 是签名投递给编排方的事件内容。
type EventPayload struct {
	EventType   string             `json:"event_type"`
	TaskID      string             `json:"task_id"`
	ExecutionID string             `json:"execution_id"`
	Status      string             `json:"status"`
	Timestamp   int64              `json:"timestamp"`
	Progress    int                `json:"progress,omitempty"`
	Result      json.RawMessage    `json:"result,omitempty"`
	Error       *EventError        `json:"error,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

// Ack 是编排方回执的结构。
type Ack struct {
	Acknowledged     bool            `json:"acknowledged"`
	NextInstructions json.RawMessage `json:"next_instructions,omitempty"`
}

// ArchiveFunc 在执行的投递链路到达终态后被调用，由归档层接管。
type ArchiveFunc func(ctx context.Context, executionID string)

// Dispatcher 负责编译、签名并可靠投递 webhook 事件。
// 重试状态持久化在投递记录上，由轮询循环驱动。
type Dispatcher struct {
	deliveries   Store
	executions   task.Store
	machine      *lifecycle.Machine
	client       *http.Client
	alerter      alerting.Dispatcher
	relayAgentID string
	pollInterval time.Duration
	batchSize    int
	jitter       bool
	onArchivable ArchiveFunc
}

// Option 定义可选配置。
type Option func(*Dispatcher)

// WithHTTPClient 覆盖投递使用的 HTTP 客户端。
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithPollInterval 覆盖轮询间隔。
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// WithBatchSize 覆盖单轮处理的投递数量。
func WithBatchSize(size int) Option {
	return func(d *Dispatcher) {
		if size > 0 {
			d.batchSize = size
		}
	}
}

// WithJitter 开启退避抖动，避免大量投递在同一秒到期。
func WithJitter(enabled bool) Option {
	return func(d *Dispatcher) {
		d.jitter = enabled
	}
}

// WithAlertDispatcher 配置升级事件派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(d *Dispatcher) {
		d.alerter = dispatcher
	}
}

// WithArchiveFunc 配置投递终态回调。
func WithArchiveFunc(fn ArchiveFunc) Option {
	return func(d *Dispatcher) {
		d.onArchivable = fn
	}
}

// WithRelayAgentID 设置投递头部中的发送方标识。
func WithRelayAgentID(id string) Option {
	return func(d *Dispatcher) {
		if id != "" {
			d.relayAgentID = id
		}
	}
}

// NewDispatcher 构造通知派发器。
func NewDispatcher(deliveries Store, executions task.Store, machine *lifecycle.Machine, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		deliveries:   deliveries,
		executions:   executions,
		machine:      machine,
		client:       &http.Client{Timeout: DefaultRequestTimeout},
		relayAgentID: "taskrelay",
		pollInterval: DefaultPollInterval,
		batchSize:    DefaultBatchSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// HandleTerminal 在执行进入终态后编排通知流程：
// 转入 notifying，编排方订阅该事件时创建投递记录，否则直接完成通知阶段。
func (d *Dispatcher) HandleTerminal(ctx context.Context, exec *task.Execution, eventType string) error {
	if exec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行不能为空")
	}
	d.ensureTracked(exec.ExecutionID, exec.State)
	if err := d.transition(ctx, exec.ExecutionID, exec.State, lifecycle.StateNotifying); err != nil {
		return err
	}

	if !exec.Spec.Notification.WantsEvent(eventType, true) {
		logger.L().Info("编排方未订阅终态事件，跳过投递",
			slog.String("execution_id", exec.ExecutionID),
			slog.String("event_type", eventType),
		)
		return d.finish(ctx, exec.ExecutionID, lifecycle.StateNotified)
	}

	payload, err := d.compile(exec, eventType)
	if err != nil {
		return err
	}
	return d.enqueue(ctx, exec, eventType, payload, true)
}

// NotifyProgress 为订阅了进度事件的编排方排队一次非终态投递。
func (d *Dispatcher) NotifyProgress(ctx context.Context, exec *task.Execution) error {
	const eventType = "progress_update"
	if exec == nil || !exec.Spec.Notification.WantsEvent(eventType, false) {
		return nil
	}
	payload, err := d.compile(exec, eventType)
	if err != nil {
		return err
	}
	return d.enqueue(ctx, exec, eventType, payload, false)
}

// Run 启动投递轮询循环，阻塞到上下文取消。
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

// poll 取出到期的投递记录并逐条尝试。
func (d *Dispatcher) poll(ctx context.Context) {
	due, err := d.deliveries.Due(ctx, time.Now().Unix(), d.batchSize)
	if err != nil {
		logger.L().Error("查询到期投递失败", slog.Any("error", err))
		return
	}
	for _, delivery := range due {
		if err := d.attempt(ctx, delivery); err != nil {
			logger.L().Error("处理投递失败",
				slog.Any("error", err),
				slog.String("delivery_id", delivery.DeliveryID),
			)
		}
	}
}

// attempt 执行一次投递尝试并按响应分类处理：
// 2xx 成功，4xx 永久失败不再重试，5xx 与网络错误按退避重试。
func (d *Dispatcher) attempt(ctx context.Context, delivery *Delivery) error {
	delivery.Attempts++
	now := time.Now().Unix()
	signature := Sign(delivery.Secret, now, delivery.Payload)
	delivery.Signature = signature

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.Endpoint, bytes.NewReader(delivery.Payload))
	if err != nil {
		return d.scheduleRetry(ctx, delivery, now, fmt.Sprintf("构造请求失败: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(now, 10))
	req.Header.Set(HeaderDeliveryID, delivery.DeliveryID)
	req.Header.Set(HeaderRelayAgentID, d.relayAgentID)

	resp, err := d.client.Do(req)
	if err != nil {
		return d.scheduleRetry(ctx, delivery, now, fmt.Sprintf("网络错误: %v", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var ack Ack
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&ack)
		return d.markDelivered(ctx, delivery, ack)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		io.Copy(io.Discard, resp.Body)
		return d.markPermanentFailure(ctx, delivery,
			fmt.Sprintf("接收方拒绝投递: HTTP %d", resp.StatusCode))
	default:
		io.Copy(io.Discard, resp.Body)
		return d.scheduleRetry(ctx, delivery, now, fmt.Sprintf("接收方异常: HTTP %d", resp.StatusCode))
	}
}

func (d *Dispatcher) markDelivered(ctx context.Context, delivery *Delivery, ack Ack) error {
	metrics.ObserveDelivery("delivered")
	delivery.Status = StatusDelivered
	delivery.LastError = ""
	if err := d.deliveries.Update(ctx, delivery); err != nil {
		return err
	}
	logger.Audit().Info("webhook 投递成功",
		slog.String("delivery_id", delivery.DeliveryID),
		slog.String("execution_id", delivery.ExecutionID),
		slog.String("event_type", delivery.EventType),
		slog.Int("attempts", delivery.Attempts),
		slog.Bool("acknowledged", ack.Acknowledged),
	)
	if delivery.Terminal {
		if err := d.finish(ctx, delivery.ExecutionID, lifecycle.StateNotified); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) markPermanentFailure(ctx context.Context, delivery *Delivery, reason string) error {
	metrics.ObserveDelivery("failed")
	delivery.Status = StatusFailed
	delivery.LastError = reason
	if err := d.deliveries.Update(ctx, delivery); err != nil {
		return err
	}
	failure := xerrors.New(xerrors.CodeDeliveryFailed, reason, xerrors.WithRetryable(false))
	d.escalate(ctx, delivery, xerrors.CodeDeliveryFailed, failure)
	if delivery.Terminal {
		return d.finish(ctx, delivery.ExecutionID, lifecycle.StateNotifyFailed)
	}
	return nil
}

func (d *Dispatcher) scheduleRetry(ctx context.Context, delivery *Delivery, now int64, reason string) error {
	delivery.LastError = reason
	if delivery.Attempts >= delivery.MaxAttempts {
		metrics.ObserveDelivery("failed")
		delivery.Status = StatusFailed
		if err := d.deliveries.Update(ctx, delivery); err != nil {
			return err
		}
		exhausted := xerrors.New(xerrors.CodeRetriesExhausted,
			fmt.Sprintf("投递重试耗尽 (%d 次): %s", delivery.Attempts, reason))
		d.escalate(ctx, delivery, xerrors.CodeRetriesExhausted, exhausted)
		if delivery.Terminal {
			return d.finish(ctx, delivery.ExecutionID, lifecycle.StateNotifyFailed)
		}
		return nil
	}

	metrics.ObserveDelivery("retry")
	backoff := BackoffSeconds(delivery.BaseDelay, delivery.Multiplier, delivery.MaxDelay, delivery.Attempts)
	if delivery.Jitter && backoff > 1 {
		// 在 [backoff/2, backoff] 内取随机值，打散同批失败的重试时刻。
		backoff = backoff/2 + rand.Int64N(backoff/2+1)
	}
	delivery.NextRetryAt = now + backoff
	if err := d.deliveries.Update(ctx, delivery); err != nil {
		return err
	}
	logger.L().Warn("投递失败，已安排重试",
		slog.String("delivery_id", delivery.DeliveryID),
		slog.Int("attempts", delivery.Attempts),
		slog.Int64("next_retry_at", delivery.NextRetryAt),
		slog.String("reason", reason),
	)
	return nil
}

// BackoffSeconds 计算第 attempt 次失败后的退避秒数：base*multiplier^(attempt-1)，封顶 max。
func BackoffSeconds(base, multiplier, max float64, attempt int) int64 {
	if attempt < 1 {
		attempt = 1
	}
	delay := base * math.Pow(multiplier, float64(attempt-1))
	if delay > max {
		delay = max
	}
	seconds := int64(math.Ceil(delay))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func (d *Dispatcher) compile(exec *task.Execution, eventType string) ([]byte, error) {
	payload := EventPayload{
		EventType:   eventType,
		TaskID:      exec.TaskID,
		ExecutionID: exec.ExecutionID,
		Status:      string(exec.State),
		Timestamp:   time.Now().Unix(),
		Progress:    exec.Progress,
	}
	if exec.Result != nil {
		payload.Result = exec.Result.Output
		payload.Metrics = exec.Result.Metrics
	}
	if exec.LastError != "" {
		payload.Error = &EventError{Code: exec.ErrorCode, Message: exec.LastError}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDeliveryFailed, err, "编码事件载荷失败")
	}
	return body, nil
}

func (d *Dispatcher) enqueue(ctx context.Context, exec *task.Execution, eventType string, payload []byte, terminal bool) error {
	retry := exec.Spec.Notification.Retry
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = DefaultMaxAttempts
	}
	if retry.BaseDelaySeconds <= 0 {
		retry.BaseDelaySeconds = DefaultBaseDelay
	}
	if retry.Multiplier <= 0 {
		retry.Multiplier = DefaultMultiplier
	}
	if retry.MaxDelaySeconds <= 0 {
		retry.MaxDelaySeconds = DefaultMaxDelay
	}

	delivery := &Delivery{
		DeliveryID:  uuid.NewString(),
		ExecutionID: exec.ExecutionID,
		TaskID:      exec.TaskID,
		EventType:   eventType,
		Endpoint:    exec.Spec.Notification.WebhookURL,
		Secret:      exec.Spec.Notification.Secret,
		Payload:     payload,
		PayloadHash: PayloadHash(payload),
		Terminal:    terminal,
		MaxAttempts: retry.MaxAttempts,
		BaseDelay:   retry.BaseDelaySeconds,
		Multiplier:  retry.Multiplier,
		MaxDelay:    retry.MaxDelaySeconds,
		Jitter:      d.jitter,
		NextRetryAt: time.Now().Unix(),
		Status:      StatusPending,
	}
	if err := d.deliveries.Create(ctx, delivery); err != nil {
		return err
	}
	logger.Audit().Info("已创建投递记录",
		slog.String("delivery_id", delivery.DeliveryID),
		slog.String("execution_id", exec.ExecutionID),
		slog.String("event_type", eventType),
		slog.Bool("terminal", terminal),
	)
	return nil
}

// finish 结束通知阶段并把执行交给归档层。
func (d *Dispatcher) finish(ctx context.Context, executionID string, outcome lifecycle.State) error {
	if err := d.transition(ctx, executionID, lifecycle.StateNotifying, outcome); err != nil {
		return err
	}
	if d.onArchivable != nil {
		d.onArchivable(ctx, executionID)
	}
	return nil
}

func (d *Dispatcher) transition(ctx context.Context, executionID string, expected, target lifecycle.State) error {
	if err := d.machine.Transition(executionID, expected, target); err != nil {
		return err
	}
	return d.executions.SetState(ctx, executionID, expected, target)
}

func (d *Dispatcher) ensureTracked(executionID string, state lifecycle.State) {
	if _, err := d.machine.Current(executionID); err != nil {
		_ = d.machine.Register(executionID, state)
	}
}

func (d *Dispatcher) escalate(ctx context.Context, delivery *Delivery, code xerrors.Code, cause error) {
	logger.Audit().Error("投递升级",
		slog.String("delivery_id", delivery.DeliveryID),
		slog.String("execution_id", delivery.ExecutionID),
		slog.String("event_type", delivery.EventType),
		slog.Int("attempts", delivery.Attempts),
		slog.String("error", cause.Error()),
	)
	if d.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:        code,
		Message:     cause.Error(),
		Severity:    xerrors.SeverityOf(cause),
		TaskID:      delivery.TaskID,
		ExecutionID: delivery.ExecutionID,
		EventType:   delivery.EventType,
		Attempts:    delivery.Attempts,
		MaxAttempts: delivery.MaxAttempts,
		OccurredAt:  time.Now(),
	}
	if err := d.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("派发升级事件失败",
			slog.Any("error", err),
			slog.String("delivery_id", delivery.DeliveryID),
		)
	}
}
