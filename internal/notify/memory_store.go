package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "TaskRelay/internal/errors"
)

// MemoryStore 以内存方式保存投递记录，用于测试与单机部署。
type MemoryStore struct {
	mu         sync.RWMutex
	deliveries map[string]*Delivery
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deliveries: make(map[string]*Delivery)}
}

// Create 插入新的投递记录。
func (m *MemoryStore) Create(_ context.Context, delivery *Delivery) error {
	if delivery == nil || delivery.DeliveryID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "投递记录不完整")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.deliveries[delivery.DeliveryID]; exists {
		return xerrors.New(xerrors.CodeConflict, "投递 ID 已存在")
	}
	now := time.Now().Unix()
	if delivery.CreatedAt == 0 {
		delivery.CreatedAt = now
	}
	delivery.UpdatedAt = now
	m.deliveries[delivery.DeliveryID] = cloneDelivery(delivery)
	return nil
}

// Get 查询指定投递记录。
func (m *MemoryStore) Get(_ context.Context, deliveryID string) (*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	delivery, ok := m.deliveries[deliveryID]
	if !ok {
		return nil, ErrDeliveryNotFound
	}
	return cloneDelivery(delivery), nil
}

// Due 返回已到期的待投递记录，按 next_retry_at 升序。
func (m *MemoryStore) Due(_ context.Context, now int64, limit int) ([]*Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	due := make([]*Delivery, 0, limit)
	for _, delivery := range m.deliveries {
		if delivery.Status == StatusPending && delivery.NextRetryAt <= now {
			due = append(due, cloneDelivery(delivery))
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextRetryAt != due[j].NextRetryAt {
			return due[i].NextRetryAt < due[j].NextRetryAt
		}
		return due[i].DeliveryID < due[j].DeliveryID
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Update 回写投递尝试后的可变字段。
func (m *MemoryStore) Update(_ context.Context, delivery *Delivery) error {
	if delivery == nil || delivery.DeliveryID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "投递记录不完整")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.deliveries[delivery.DeliveryID]
	if !ok {
		return ErrDeliveryNotFound
	}
	stored.Status = delivery.Status
	stored.Attempts = delivery.Attempts
	stored.NextRetryAt = delivery.NextRetryAt
	stored.LastError = delivery.LastError
	stored.Signature = delivery.Signature
	stored.UpdatedAt = time.Now().Unix()
	delivery.UpdatedAt = stored.UpdatedAt
	return nil
}

// ListByExecution 返回某次执行的全部投递记录。
func (m *MemoryStore) ListByExecution(_ context.Context, executionID string) ([]*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Delivery, 0, 4)
	for _, delivery := range m.deliveries {
		if delivery.ExecutionID == executionID {
			out = append(out, cloneDelivery(delivery))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// PurgeOlderThan 删除早于 cutoff 且已处于终态的记录。
func (m *MemoryStore) PurgeOlderThan(_ context.Context, cutoff int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for id, delivery := range m.deliveries {
		if delivery.Status != StatusPending && delivery.UpdatedAt < cutoff {
			delete(m.deliveries, id)
			purged++
		}
	}
	return purged, nil
}

// Close 实现 Store 接口，无资源需要释放。
func (m *MemoryStore) Close() error { return nil }

func cloneDelivery(d *Delivery) *Delivery {
	if d == nil {
		return nil
	}
	dup := *d
	if d.Payload != nil {
		dup.Payload = append([]byte(nil), d.Payload...)
	}
	return &dup
}

var _ Store = (*MemoryStore)(nil)
