package task

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryQueuePriorityOrdering(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 先投低优先级，再投高优先级，消费顺序应按分层翻转。
	if err := q.Publish(ctx, "exec-low", BandLow); err != nil {
		t.Fatalf("publish low: %v", err)
	}
	if err := q.Publish(ctx, "exec-normal", BandNormal); err != nil {
		t.Fatalf("publish normal: %v", err)
	}
	if err := q.Publish(ctx, "exec-urgent", BandUrgent); err != nil {
		t.Fatalf("publish urgent: %v", err)
	}
	if err := q.Publish(ctx, "exec-urgent-2", BandUrgent); err != nil {
		t.Fatalf("publish second urgent: %v", err)
	}

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	go func() {
		_ = q.Consume(ctx, 1, func(_ context.Context, executionID string) error {
			mu.Lock()
			order = append(order, executionID)
			finished := len(order) == 4
			mu.Unlock()
			if finished {
				close(done)
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("consume timed out")
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"exec-urgent", "exec-urgent-2", "exec-normal", "exec-low"}
	for i, executionID := range want {
		if order[i] != executionID {
			t.Fatalf("unexpected order at %d: got %v, want %v", i, order, want)
		}
	}
}

func TestMemoryQueueClosedPublish(t *testing.T) {
	q := NewMemoryQueue()
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := q.Publish(context.Background(), "exec-1", BandNormal); err == nil {
		t.Fatalf("expected error publishing to closed queue")
	}
}
