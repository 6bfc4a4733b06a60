package task

import (
	"encoding/json"
	stdErrors "errors"
	"strings"

	xerrors "TaskRelay/internal/errors"
	"TaskRelay/internal/ledger"
	"TaskRelay/internal/lifecycle"
)

// Priority 是编排方声明的优先级档位。
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// IsValidPriority 检查优先级档位是否受支持。
func IsValidPriority(p Priority) bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// PayloadEnvelope 以不透明字节加 schema 标识的形式承载任务载荷。
// 核心流程从不解析 Data 的内容，载荷形状的校验交给按任务类型注册的校验器。
type PayloadEnvelope struct {
	SchemaID string          `json:"schema_id"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// RetryPolicy 描述 webhook 投递的重试策略，可按任务覆盖默认值。
type RetryPolicy struct {
	MaxAttempts      int     `json:"max_attempts,omitempty"`
	BaseDelaySeconds float64 `json:"base_delay_seconds,omitempty"`
	Multiplier       float64 `json:"multiplier,omitempty"`
	MaxDelaySeconds  float64 `json:"max_delay_seconds,omitempty"`
}

// NotificationConfig 描述编排方期望的回调方式。
type NotificationConfig struct {
	WebhookURL string      `json:"webhook_url"`
	Secret     string      `json:"webhook_secret,omitempty"`
	Events     []string    `json:"events,omitempty"`
	Retry      RetryPolicy `json:"retry_policy,omitempty"`
}

// WantsEvent 判断编排方是否订阅了指定事件。未声明 Events 时仅投递终态事件。
func (c NotificationConfig) WantsEvent(eventType string, terminal bool) bool {
	if len(c.Events) == 0 {
		return terminal
	}
	for _, event := range c.Events {
		if strings.EqualFold(strings.TrimSpace(event), eventType) {
			return true
		}
	}
	return false
}

// Spec 是编排方提交的不可变任务描述。准入之后不再修改。
type Spec struct {
	TaskID         string              `json:"task_id"`
	TaskType       string              `json:"task_type"`
	Priority       Priority            `json:"priority,omitempty"`
	TimeoutSeconds int64               `json:"timeout_seconds"`
	Payload        PayloadEnvelope     `json:"payload"`
	Requirements   ledger.Requirements `json:"resource_requirements,omitempty"`
	Notification   NotificationConfig  `json:"notification_config"`
	OrchestratorID string              `json:"orchestrator_id,omitempty"`
	CreatedAt      int64               `json:"created_at,omitempty"`
}

// Result 保存一次执行的输出。Output 与载荷一样保持不透明。
type Result struct {
	Output  json.RawMessage    `json:"output,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// Execution 是跟踪一次任务运行的可变记录。
type Execution struct {
	ExecutionID  string            `json:"execution_id"`
	TaskID       string            `json:"task_id"`
	AgentID      string            `json:"agent_id"`
	Spec         Spec              `json:"spec"`
	State        lifecycle.State   `json:"state"`
	PriorityBand int               `json:"priority_band"`
	Progress     int               `json:"progress_percentage"`
	Allocation   ledger.Allocation `json:"resource_allocation"`
	LastError    string            `json:"last_error,omitempty"`
	ErrorCode    string            `json:"error_code,omitempty"`
	Result       *Result           `json:"result,omitempty"`
	QueuedAt     int64             `json:"queued_at,omitempty"`
	StartedAt    int64             `json:"started_at,omitempty"`
	CompletedAt  int64             `json:"completed_at,omitempty"`
	CreatedAt    int64             `json:"created_at"`
	UpdatedAt    int64             `json:"updated_at"`
}

var (
	// ErrExecutionNotFound 表示指定的执行记录不存在。
	ErrExecutionNotFound = xerrors.New(CodeExecutionNotFound, "execution not found")
	// ErrTaskConflict 表示 task_id 已被占用，不会创建新的执行。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "duplicate task_id", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrStaleState 表示存储中的状态与调用方期望不一致。
	ErrStaleState = xerrors.New(CodeStaleState, "stale execution state", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrStaleProgress 表示进度更新小于已记录的百分比。
	ErrStaleProgress = xerrors.New(CodeStaleProgress, "stale progress update", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeExecutionNotFound xerrors.Code = "EXECUTION_NOT_FOUND"
	CodeTaskConflict      xerrors.Code = "TASK_CONFLICT"
	CodeStaleState        xerrors.Code = "EXECUTION_STALE_STATE"
	CodeStaleProgress     xerrors.Code = "PROGRESS_STALE_UPDATE"
	CodeTaskValidation    xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish       xerrors.Code = "TASK_PUBLISH_FAILED"
)

func init() {
	xerrors.Register(CodeExecutionNotFound, xerrors.Attributes{
		Message:   "execution not found",
		Severity:  xerrors.SeverityInfo,
		Category:  xerrors.CategoryClient,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "duplicate task_id",
		Severity:  xerrors.SeverityWarning,
		Category:  xerrors.CategoryClient,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStaleState, xerrors.Attributes{
		Message:   "stale execution state",
		Severity:  xerrors.SeverityWarning,
		Category:  xerrors.CategoryServer,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStaleProgress, xerrors.Attributes{
		Message:   "stale progress update",
		Severity:  xerrors.SeverityInfo,
		Category:  xerrors.CategoryClient,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Category:  xerrors.CategoryValidation,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish execution",
		Severity:  xerrors.SeverityCritical,
		Category:  xerrors.CategoryServer,
		Retryable: true,
		Alert:     true,
	})
}

// IsTaskError 判断错误是否为指定错误码的统一任务错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrExecutionNotFound) {
		return target == CodeExecutionNotFound
	}
	if stdErrors.Is(err, ErrTaskConflict) {
		return target == CodeTaskConflict
	}
	if stdErrors.Is(err, ErrStaleState) {
		return target == CodeStaleState
	}
	if stdErrors.Is(err, ErrStaleProgress) {
		return target == CodeStaleProgress
	}
	return false
}

func cloneExecution(exec *Execution) *Execution {
	clone := *exec
	if exec.Result != nil {
		resultCopy := *exec.Result
		resultCopy.Output = append(json.RawMessage(nil), exec.Result.Output...)
		if exec.Result.Metrics != nil {
			resultCopy.Metrics = make(map[string]float64, len(exec.Result.Metrics))
			for k, v := range exec.Result.Metrics {
				resultCopy.Metrics[k] = v
			}
		}
		clone.Result = &resultCopy
	}
	clone.Spec = cloneSpec(exec.Spec)
	return &clone
}

func cloneSpec(spec Spec) Spec {
	clone := spec
	clone.Payload.Data = append(json.RawMessage(nil), spec.Payload.Data...)
	clone.Notification.Events = append([]string(nil), spec.Notification.Events...)
	return clone
}
