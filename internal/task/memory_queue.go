package task

import (
	"container/heap"
	"context"
	"errors"
	"sync"
)

type memoryItem struct {
	executionID string
	band        int
	seq         uint64
}

type memoryHeap []memoryItem

func (h memoryHeap) Len() int { return len(h) }

func (h memoryHeap) Less(i, j int) bool {
	if h[i].band != h[j].band {
		return h[i].band < h[j].band
	}
	return h[i].seq < h[j].seq
}

func (h memoryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *memoryHeap) Push(x any) { *h = append(*h, x.(memoryItem)) }

func (h *memoryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MemoryQueue 是进程内的调度队列：先按分层、层内按入队顺序出队。
// 单实例部署与测试场景使用。
type MemoryQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  memoryHeap
	seq    uint64
	closed bool
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue() *MemoryQueue {
	q := &MemoryQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Publish 将执行投递到队列。
func (q *MemoryQueue) Publish(_ context.Context, executionID string, band int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("队列已关闭")
	}
	q.seq++
	heap.Push(&q.items, memoryItem{executionID: executionID, band: ClampBand(band), seq: q.seq})
	q.cond.Signal()
	return nil
}

// Consume 启动指定数量的工作协程消费队列中的执行。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}

	// 取消时唤醒所有等待中的工作协程。
	go func() {
		<-ctx.Done()
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	}()

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				q.mu.Lock()
				for len(q.items) == 0 && !q.closed && ctx.Err() == nil {
					q.cond.Wait()
				}
				if ctx.Err() != nil || (q.closed && len(q.items) == 0) {
					q.mu.Unlock()
					return
				}
				item := heap.Pop(&q.items).(memoryItem)
				q.mu.Unlock()
				_ = handler(ctx, item.executionID)
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
