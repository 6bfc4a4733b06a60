package task

import (
	"context"
)

// Handler 处理来自调度队列的执行 ID。返回错误表示本次消费失败，
// 驱动应将执行重新投递以保证至少一次交付。
type Handler func(ctx context.Context, executionID string) error

// Producer 负责向调度队列投递已通过准入的执行。
type Producer interface {
	Publish(ctx context.Context, executionID string, band int) error
	Close() error
}

// Consumer 负责从调度队列中消费执行。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
