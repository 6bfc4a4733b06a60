package ledger

import (
	"sync"
	"time"

	xerrors "TaskRelay/internal/errors"
)

// Allocation 描述一次成功预留的资源快照。
type Allocation struct {
	AgentID  string `json:"agent_id"`
	MemoryMB int64  `json:"memory_mb"`
	CPUCores int64  `json:"cpu_cores"`
}

// Requirements 描述任务声明的资源需求。
type Requirements struct {
	MemoryMB int64 `json:"memory_mb"`
	CPUCores int64 `json:"cpu_cores"`
}

// Capacity 描述单个 Agent 的资源上限。
type Capacity struct {
	MemoryMB int64
	CPUCores int64
}

// Snapshot 返回给状态查询接口的账目视图。
type Snapshot struct {
	AgentID          string `json:"agent_id"`
	ReservedMemoryMB int64  `json:"reserved_memory_mb"`
	CapacityMemoryMB int64  `json:"capacity_memory_mb"`
	ReservedCPUCores int64  `json:"reserved_cpu_cores"`
	CapacityCPUCores int64  `json:"capacity_cpu_cores"`
	ActiveReserves   int    `json:"active_reserves"`
}

var (
	// ErrInsufficientCapacity 表示当前余量不足，调用方可稍后重试。
	ErrInsufficientCapacity = xerrors.New(xerrors.CodeResourceExhausted, "资源余量不足")
	// ErrCeilingExceeded 表示需求超过硬上限，重试也不可能满足。
	ErrCeilingExceeded = xerrors.New(xerrors.CodeResourceExhausted, "资源需求超过硬上限",
		xerrors.WithRetryable(false))
	// ErrUnknownAgent 表示账本中没有该 Agent 的记录。
	ErrUnknownAgent = xerrors.New(xerrors.CodeNotFound, "未知的执行 Agent")
	// ErrDuplicateRelease 表示同一份预留被释放了两次。
	ErrDuplicateRelease = xerrors.New(xerrors.CodeConflict, "资源已经释放")
)

type agentAccount struct {
	capacity Capacity
	reserved Capacity
	// holds 按执行 ID 记录在途预留，保证恰好一次释放。
	holds map[string]Allocation
}

// Ledger 以单一持有者的方式记录每个 Agent 的资源预留与余量。
// 预留与释放都在账本自己的锁内完成，调用方不得在外部共享其内部结构。
type Ledger struct {
	mu     sync.Mutex
	agents map[string]*agentAccount
}

// NewLedger 创建资源账本。
func NewLedger() *Ledger {
	return &Ledger{agents: make(map[string]*agentAccount)}
}

// SetCapacity 登记或更新某个 Agent 的资源上限。
func (l *Ledger) SetCapacity(agentID string, capacity Capacity) error {
	if agentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent ID 不能为空")
	}
	if capacity.MemoryMB < 0 || capacity.CPUCores < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "资源上限不能为负")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	account, ok := l.agents[agentID]
	if !ok {
		l.agents[agentID] = &agentAccount{
			capacity: capacity,
			holds:    make(map[string]Allocation),
		}
		return nil
	}
	if capacity.MemoryMB < account.reserved.MemoryMB || capacity.CPUCores < account.reserved.CPUCores {
		return xerrors.New(xerrors.CodeConflict, "新上限低于在途预留")
	}
	account.capacity = capacity
	return nil
}

// Reserve 为指定执行预留资源。余量不足返回 ErrInsufficientCapacity；
// 需求超过 Agent 的总上限返回 ErrCeilingExceeded。
func (l *Ledger) Reserve(agentID, executionID string, req Requirements) (Allocation, error) {
	if executionID == "" {
		return Allocation{}, xerrors.New(xerrors.CodeInvalidArgument, "执行 ID 不能为空")
	}
	if req.MemoryMB < 0 || req.CPUCores < 0 {
		return Allocation{}, xerrors.New(xerrors.CodeInvalidArgument, "资源需求不能为负")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	account, ok := l.agents[agentID]
	if !ok {
		return Allocation{}, ErrUnknownAgent
	}
	if _, exists := account.holds[executionID]; exists {
		return Allocation{}, xerrors.New(xerrors.CodeConflict, "该执行已持有预留")
	}
	if req.MemoryMB > account.capacity.MemoryMB || req.CPUCores > account.capacity.CPUCores {
		return Allocation{}, ErrCeilingExceeded
	}
	if account.reserved.MemoryMB+req.MemoryMB > account.capacity.MemoryMB ||
		account.reserved.CPUCores+req.CPUCores > account.capacity.CPUCores {
		return Allocation{}, ErrInsufficientCapacity
	}

	account.reserved.MemoryMB += req.MemoryMB
	account.reserved.CPUCores += req.CPUCores
	alloc := Allocation{AgentID: agentID, MemoryMB: req.MemoryMB, CPUCores: req.CPUCores}
	account.holds[executionID] = alloc
	return alloc, nil
}

// Release 释放指定执行的预留。重复释放返回 ErrDuplicateRelease。
func (l *Ledger) Release(agentID, executionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	account, ok := l.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	alloc, ok := account.holds[executionID]
	if !ok {
		return ErrDuplicateRelease
	}
	delete(account.holds, executionID)
	account.reserved.MemoryMB -= alloc.MemoryMB
	account.reserved.CPUCores -= alloc.CPUCores
	// 计数永远不应越界，这里兜底防御存储污染。
	if account.reserved.MemoryMB < 0 {
		account.reserved.MemoryMB = 0
	}
	if account.reserved.CPUCores < 0 {
		account.reserved.CPUCores = 0
	}
	return nil
}

// Available 判断指定需求当前是否可以立即满足。
func (l *Ledger) Available(agentID string, req Requirements) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	account, ok := l.agents[agentID]
	if !ok {
		return false
	}
	return account.reserved.MemoryMB+req.MemoryMB <= account.capacity.MemoryMB &&
		account.reserved.CPUCores+req.CPUCores <= account.capacity.CPUCores
}

// SnapshotOf 返回单个 Agent 的账目视图。
func (l *Ledger) SnapshotOf(agentID string) (Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	account, ok := l.agents[agentID]
	if !ok {
		return Snapshot{}, ErrUnknownAgent
	}
	return Snapshot{
		AgentID:          agentID,
		ReservedMemoryMB: account.reserved.MemoryMB,
		CapacityMemoryMB: account.capacity.MemoryMB,
		ReservedCPUCores: account.reserved.CPUCores,
		CapacityCPUCores: account.capacity.CPUCores,
		ActiveReserves:   len(account.holds),
	}, nil
}

// Snapshots 返回全部 Agent 的账目视图。
func (l *Ledger) Snapshots() []Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Snapshot, 0, len(l.agents))
	for id, account := range l.agents {
		out = append(out, Snapshot{
			AgentID:          id,
			ReservedMemoryMB: account.reserved.MemoryMB,
			CapacityMemoryMB: account.capacity.MemoryMB,
			ReservedCPUCores: account.reserved.CPUCores,
			CapacityCPUCores: account.capacity.CPUCores,
			ActiveReserves:   len(account.holds),
		})
	}
	return out
}

// HealthStatus 表示 Agent 的健康状态。
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// AgentRegistration 描述一个可接收任务的执行 Agent。
type AgentRegistration struct {
	AgentID       string       `json:"agent_id"`
	Endpoint      string       `json:"endpoint"`
	Capabilities  []string     `json:"capabilities"`
	HealthStatus  HealthStatus `json:"health_status"`
	LastHeartbeat int64        `json:"last_heartbeat"`
	// SharedSecret 用于校验该 Agent 回调请求的 HMAC 签名，不对外输出。
	SharedSecret string `json:"-"`
}

// Registry 维护 Agent 注册信息与心跳。
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentRegistration
}

// NewRegistry 创建 Agent 注册表。
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*AgentRegistration)}
}

// Register 登记或更新一个 Agent。
func (r *Registry) Register(reg AgentRegistration) error {
	if reg.AgentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent ID 不能为空")
	}
	if reg.Endpoint == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent endpoint 不能为空")
	}
	if reg.HealthStatus == "" {
		reg.HealthStatus = HealthHealthy
	}
	if reg.LastHeartbeat == 0 {
		reg.LastHeartbeat = time.Now().Unix()
	}
	clone := reg
	clone.Capabilities = append([]string(nil), reg.Capabilities...)
	r.mu.Lock()
	r.agents[reg.AgentID] = &clone
	r.mu.Unlock()
	return nil
}

// Lookup 返回指定 Agent 的注册信息。
func (r *Registry) Lookup(agentID string) (AgentRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[agentID]
	if !ok {
		return AgentRegistration{}, ErrUnknownAgent
	}
	clone := *reg
	clone.Capabilities = append([]string(nil), reg.Capabilities...)
	return clone, nil
}

// Heartbeat 刷新 Agent 的心跳时间与健康状态。
func (r *Registry) Heartbeat(agentID string, status HealthStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.agents[agentID]
	if !ok {
		return ErrUnknownAgent
	}
	reg.LastHeartbeat = time.Now().Unix()
	if status != "" {
		reg.HealthStatus = status
	}
	return nil
}

// PickByCapability 返回具备指定能力且健康的 Agent 列表。
func (r *Registry) PickByCapability(capability string) []AgentRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentRegistration, 0, len(r.agents))
	for _, reg := range r.agents {
		if reg.HealthStatus == HealthUnhealthy {
			continue
		}
		if capability != "" && !hasCapability(reg.Capabilities, capability) {
			continue
		}
		clone := *reg
		clone.Capabilities = append([]string(nil), reg.Capabilities...)
		out = append(out, clone)
	}
	return out
}

func hasCapability(capabilities []string, want string) bool {
	for _, cap := range capabilities {
		if cap == want {
			return true
		}
	}
	return false
}
