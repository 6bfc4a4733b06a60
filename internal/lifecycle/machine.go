package lifecycle

import (
	"log/slog"
	"sync"

	xerrors "TaskRelay/internal/errors"
	"TaskRelay/pkg/logger"
)

// State 表示执行记录在生命周期中的状态。
type State string

const (
	StateSubmitted    State = "submitted"
	StateValidated    State = "validated"
	StateQueued       State = "queued"
	StateRunning      State = "running"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
	StateTimeout      State = "timeout"
	StateCancelled    State = "cancelled"
	StateRejected     State = "rejected"
	StateNotifying    State = "notifying"
	StateNotified     State = "notified"
	StateNotifyFailed State = "notify_failed"
	StateArchived     State = "archived"
)

// transitions 声明了全部合法的状态边。未声明的转换一律拒绝。
var transitions = map[State][]State{
	StateSubmitted: {StateValidated, StateRejected},
	StateValidated: {StateQueued},
	StateQueued:    {StateRunning, StateCancelled},
	StateRunning:   {StateCompleted, StateFailed, StateTimeout, StateCancelled},
	StateCompleted: {StateNotifying},
	StateFailed:    {StateNotifying},
	StateTimeout:   {StateNotifying},
	StateCancelled: {StateNotifying},
	StateNotifying: {StateNotified, StateNotifyFailed},
	StateNotified:  {StateArchived},
	// notify_failed 在宽限期结束后仍然允许归档，避免资源永久占用。
	StateNotifyFailed: {StateArchived},
}

// IsTerminalOutcome 判断状态是否为执行层面的终态（completed/failed/timeout/cancelled/rejected）。
func IsTerminalOutcome(state State) bool {
	switch state {
	case StateCompleted, StateFailed, StateTimeout, StateCancelled, StateRejected:
		return true
	default:
		return false
	}
}

// IsFinal 判断状态是否为不再自动流转的最终状态。
func IsFinal(state State) bool {
	return state == StateArchived || state == StateRejected
}

// IsValidState 检查给定状态是否为支持的枚举值。
func IsValidState(state State) bool {
	switch state {
	case StateSubmitted, StateValidated, StateQueued, StateRunning,
		StateCompleted, StateFailed, StateTimeout, StateCancelled,
		StateRejected, StateNotifying, StateNotified, StateNotifyFailed,
		StateArchived:
		return true
	default:
		return false
	}
}

// CanTransition 判断 from -> to 是否为声明过的合法边。
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrTransitionDenied 表示状态转换被拒绝。
var ErrTransitionDenied = xerrors.New(xerrors.CodeInvalidTransition, "state transition denied")

// Machine 是执行状态的唯一权威。每次转换都携带期望的当前状态，
// 与存储值不符时拒绝并记录，以此保证同一执行的状态变更严格串行。
type Machine struct {
	mu     sync.Mutex
	states map[string]State
	audit  *slog.Logger
}

// NewMachine 创建状态机实例。
func NewMachine() *Machine {
	return &Machine{
		states: make(map[string]State),
		audit:  logger.Audit(),
	}
}

// Register 登记一个新执行的初始状态。重复登记返回冲突。
func (m *Machine) Register(executionID string, initial State) error {
	if executionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行 ID 不能为空")
	}
	if !IsValidState(initial) {
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的初始状态")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[executionID]; ok {
		return xerrors.New(xerrors.CodeConflict, "执行状态已登记")
	}
	m.states[executionID] = initial
	return nil
}

// Current 返回执行的当前状态。
func (m *Machine) Current(executionID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[executionID]
	if !ok {
		return "", xerrors.New(xerrors.CodeNotFound, "执行状态不存在")
	}
	return state, nil
}

// Transition 执行一次带期望状态校验的转换（compare-and-swap 语义）。
// expected 与存储状态不符，或 expected -> target 不是声明过的边，均拒绝。
func (m *Machine) Transition(executionID string, expected, target State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.states[executionID]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "执行状态不存在")
	}
	if current != expected {
		m.audit.Warn("状态转换被拒绝",
			slog.String("execution_id", executionID),
			slog.String("expected", string(expected)),
			slog.String("actual", string(current)),
			slog.String("target", string(target)),
		)
		return xerrors.Wrap(xerrors.CodeInvalidTransition, ErrTransitionDenied,
			"期望状态与实际状态不符",
			xerrors.WithMetadata("expected", string(expected)),
			xerrors.WithMetadata("actual", string(current)),
		)
	}
	if !CanTransition(expected, target) {
		m.audit.Warn("非法的状态边",
			slog.String("execution_id", executionID),
			slog.String("from", string(expected)),
			slog.String("to", string(target)),
		)
		return xerrors.Wrap(xerrors.CodeInvalidTransition, ErrTransitionDenied,
			"不存在的状态边",
			xerrors.WithMetadata("from", string(expected)),
			xerrors.WithMetadata("to", string(target)),
		)
	}
	m.states[executionID] = target
	return nil
}

// Forget 在执行归档后释放状态机中的记录。
func (m *Machine) Forget(executionID string) {
	m.mu.Lock()
	delete(m.states, executionID)
	m.mu.Unlock()
}
