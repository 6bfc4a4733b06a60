package ledger

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestLedgerReserveRelease(t *testing.T) {
	l := NewLedger()
	if err := l.SetCapacity("agent-1", Capacity{MemoryMB: 1024, CPUCores: 4}); err != nil {
		t.Fatalf("set capacity: %v", err)
	}

	alloc, err := l.Reserve("agent-1", "exec-1", Requirements{MemoryMB: 512, CPUCores: 2})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if alloc.MemoryMB != 512 || alloc.CPUCores != 2 {
		t.Fatalf("unexpected allocation: %+v", alloc)
	}

	snap, err := l.SnapshotOf("agent-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.ReservedMemoryMB != 512 || snap.ReservedCPUCores != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	if err := l.Release("agent-1", "exec-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	snap, _ = l.SnapshotOf("agent-1")
	if snap.ReservedMemoryMB != 0 || snap.ReservedCPUCores != 0 {
		t.Fatalf("release did not round-trip: %+v", snap)
	}

	// 重复释放必须报错，保证恰好一次语义。
	if err := l.Release("agent-1", "exec-1"); !errors.Is(err, ErrDuplicateRelease) {
		t.Fatalf("expected ErrDuplicateRelease, got %v", err)
	}
}

func TestLedgerSoftAndHardExhaustion(t *testing.T) {
	l := NewLedger()
	if err := l.SetCapacity("agent-1", Capacity{MemoryMB: 1024, CPUCores: 4}); err != nil {
		t.Fatalf("set capacity: %v", err)
	}
	if _, err := l.Reserve("agent-1", "exec-1", Requirements{MemoryMB: 800, CPUCores: 3}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// 余量不足：可重试。
	_, err := l.Reserve("agent-1", "exec-2", Requirements{MemoryMB: 512, CPUCores: 1})
	if !errors.Is(err, ErrInsufficientCapacity) {
		t.Fatalf("expected ErrInsufficientCapacity, got %v", err)
	}

	// 超过硬上限：不可重试。
	_, err = l.Reserve("agent-1", "exec-3", Requirements{MemoryMB: 2048, CPUCores: 1})
	if !errors.Is(err, ErrCeilingExceeded) {
		t.Fatalf("expected ErrCeilingExceeded, got %v", err)
	}
}

func TestLedgerConcurrentReservesNeverExceedCapacity(t *testing.T) {
	l := NewLedger()
	const capacity = 100
	if err := l.SetCapacity("agent-1", Capacity{MemoryMB: capacity, CPUCores: capacity}); err != nil {
		t.Fatalf("set capacity: %v", err)
	}

	var wg sync.WaitGroup
	granted := make([]bool, 200)
	for i := range granted {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Reserve("agent-1", fmt.Sprintf("exec-%d", i), Requirements{MemoryMB: 1, CPUCores: 1})
			granted[i] = err == nil
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range granted {
		if ok {
			count++
		}
	}
	if count != capacity {
		t.Fatalf("expected exactly %d grants, got %d", capacity, count)
	}
	snap, _ := l.SnapshotOf("agent-1")
	if snap.ReservedMemoryMB > snap.CapacityMemoryMB {
		t.Fatalf("reserved exceeded capacity: %+v", snap)
	}
}

func TestRegistryHeartbeat(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(AgentRegistration{
		AgentID:      "agent-1",
		Endpoint:     "http://127.0.0.1:9100",
		Capabilities: []string{"code_execution", "data_processing"},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	reg, err := r.Lookup("agent-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if reg.HealthStatus != HealthHealthy {
		t.Fatalf("expected default healthy status, got %s", reg.HealthStatus)
	}

	if err := r.Heartbeat("agent-1", HealthDegraded); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	reg, _ = r.Lookup("agent-1")
	if reg.HealthStatus != HealthDegraded {
		t.Fatalf("heartbeat status not applied: %s", reg.HealthStatus)
	}

	matched := r.PickByCapability("code_execution")
	if len(matched) != 1 || matched[0].AgentID != "agent-1" {
		t.Fatalf("unexpected capability match: %+v", matched)
	}
	if got := r.PickByCapability("web_automation"); len(got) != 0 {
		t.Fatalf("expected no match, got %+v", got)
	}
}
