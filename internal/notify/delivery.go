package notify

import (
	"context"

	xerrors "TaskRelay/internal/errors"
)

// DeliveryStatus 描述一条 webhook 投递记录的状态。
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// Delivery 是一条持久化的 webhook 投递记录。重试状态落盘，
// 由轮询器驱动，进程重启后可以续投。
type Delivery struct {
	DeliveryID  string         `json:"delivery_id"`
	ExecutionID string         `json:"execution_id"`
	TaskID      string         `json:"task_id"`
	EventType   string         `json:"event_type"`
	Endpoint    string         `json:"endpoint"`
	Secret      string         `json:"-"`
	Payload     []byte         `json:"payload"`
	PayloadHash string         `json:"payload_hash"`
	Signature   string         `json:"signature,omitempty"`
	Terminal    bool           `json:"terminal"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	BaseDelay   float64        `json:"base_delay_seconds"`
	Multiplier  float64        `json:"multiplier"`
	MaxDelay    float64        `json:"max_delay_seconds"`
	Jitter      bool           `json:"jitter,omitempty"`
	NextRetryAt int64          `json:"next_retry_at"`
	Status      DeliveryStatus `json:"status"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

// 通知链路相关错误码。
const (
	CodeDeliveryNotFound xerrors.Code = "DELIVERY_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeDeliveryNotFound, xerrors.Attributes{
		Message:   "投递记录不存在",
		Severity:  xerrors.SeverityWarning,
		Category:  xerrors.CategoryClient,
		Retryable: false,
	})
}

// ErrDeliveryNotFound 表示指定投递记录不存在。
var ErrDeliveryNotFound = xerrors.New(CodeDeliveryNotFound, "投递记录不存在")

// Store 抽象投递记录的持久化接口。
type Store interface {
	Create(ctx context.Context, delivery *Delivery) error
	Get(ctx context.Context, deliveryID string) (*Delivery, error)
	// Due 返回 next_retry_at 已到期的待投递记录。
	Due(ctx context.Context, now int64, limit int) ([]*Delivery, error)
	// Update 回写一次投递尝试后的可变字段。
	Update(ctx context.Context, delivery *Delivery) error
	ListByExecution(ctx context.Context, executionID string) ([]*Delivery, error)
	// PurgeOlderThan 删除早于 cutoff 且已处于终态的记录，返回删除数量。
	PurgeOlderThan(ctx context.Context, cutoff int64) (int64, error)
	Close() error
}
