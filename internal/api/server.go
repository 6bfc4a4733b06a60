package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"TaskRelay/internal/auth"
	xerrors "TaskRelay/internal/errors"
	"TaskRelay/internal/ledger"
	"TaskRelay/internal/observability/metrics"
	"TaskRelay/internal/progress"
	"TaskRelay/internal/scheduler"
	"TaskRelay/internal/task"
	"TaskRelay/pkg/logger"
)

// defaultRetryAfterSeconds 是降级与资源不足场景下的兜底重试建议。
const defaultRetryAfterSeconds = 30

// Notifier 是 API 层对通知派发器的最小依赖，进度回调据此触发可选的进度事件投递。
type Notifier interface {
	NotifyProgress(ctx context.Context, exec *task.Execution) error
}

// Deps 聚合 API 服务的全部依赖。除 Gate 外均为必填。
type Deps struct {
	Gate      *auth.Gate
	Admission *task.Admission
	Store     task.Store
	Scheduler *scheduler.Scheduler
	Tracker   *progress.Tracker
	Agents    *ledger.Registry
	Resources *ledger.Ledger
	Notifier  Notifier
}

// Server 暴露任务编排的 REST 接口。
type Server struct {
	addr      string
	gate      *auth.Gate
	admission *task.Admission
	store     task.Store
	sched     *scheduler.Scheduler
	tracker   *progress.Tracker
	agents    *ledger.Registry
	resources *ledger.Ledger
	notifier  Notifier
	startedAt time.Time
	// degraded 置位后拒绝新任务准入，存档与查询不受影响。
	degraded atomic.Bool
}

// NewServer 构造 API 服务实例。Gate 为空时回落为放行闸口，仅用于本地联调。
func NewServer(addr string, deps Deps) *Server {
	if deps.Gate == nil {
		deps.Gate = auth.NewGate()
	}
	return &Server{
		addr:      addr,
		gate:      deps.Gate,
		admission: deps.Admission,
		store:     deps.Store,
		sched:     deps.Scheduler,
		tracker:   deps.Tracker,
		agents:    deps.Agents,
		resources: deps.Resources,
		notifier:  deps.Notifier,
		startedAt: time.Now(),
	}
}

// SetDegraded 切换降级模式。存储层故障时由守护进程或处理器置位。
func (s *Server) SetDegraded(on bool) {
	s.degraded.Store(on)
}

// Degraded 返回当前是否处于降级模式。
func (s *Server) Degraded() bool {
	return s.degraded.Load()
}

// Handler 组装完整路由，测试与 Start 共用。
func (s *Server) Handler() http.Handler {
	orchestrator := s.gate.Middleware(auth.MiddlewareConfig{
		RequiredScopes: map[string][]string{
			http.MethodGet: {"tasks:read"},
			"*":            {"tasks:write"},
		},
		AuditEvent:  "task_api",
		ErrorWriter: writeError,
	})
	callbacks := s.gate.Middleware(auth.MiddlewareConfig{
		RequiredScopes: map[string][]string{"*": {"callbacks:write"}},
		AuditEvent:     "executor_callback",
		ErrorWriter:    writeError,
	})
	admin := s.gate.Middleware(auth.MiddlewareConfig{
		RequiredScopes: map[string][]string{"*": {"agents:write"}},
		AuditEvent:     "agent_registry",
		ErrorWriter:    writeError,
	})

	mux := http.NewServeMux()
	mux.Handle("POST /api/v2/execute-task",
		s.instrument("execute_task", orchestrator(http.HandlerFunc(s.handleExecuteTask))))
	mux.Handle("GET /api/v2/task-status/{task_id}",
		s.instrument("task_status", orchestrator(http.HandlerFunc(s.handleTaskStatus))))
	mux.Handle("POST /api/v2/cancel-task/{task_id}",
		s.instrument("cancel_task", orchestrator(http.HandlerFunc(s.handleCancelTask))))
	mux.Handle("GET /api/v2/tasks",
		s.instrument("list_tasks", orchestrator(http.HandlerFunc(s.handleListTasks))))

	mux.Handle("POST /api/v2/callbacks/progress",
		s.instrument("callback_progress", callbacks(http.HandlerFunc(s.handleProgressCallback))))
	mux.Handle("POST /api/v2/callbacks/complete",
		s.instrument("callback_complete", callbacks(http.HandlerFunc(s.handleCompleteCallback))))
	mux.Handle("POST /api/v2/callbacks/fail",
		s.instrument("callback_fail", callbacks(http.HandlerFunc(s.handleFailCallback))))

	mux.Handle("POST /api/v2/agents/register",
		s.instrument("agent_register", admin(http.HandlerFunc(s.handleAgentRegister))))
	mux.Handle("POST /api/v2/agents/{agent_id}/heartbeat",
		s.instrument("agent_heartbeat", admin(http.HandlerFunc(s.handleAgentHeartbeat))))

	mux.Handle("GET /api/v2/health", s.instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", metrics.Handler())

	return withRequestID(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.L().Info("API 服务已启动", slog.String("addr", s.addr))
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// instrument 记录请求量与时延指标。
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// noteStoreError 检测存储层故障并切换降级模式。
func (s *Server) noteStoreError(err error) {
	if xerrors.CodeOf(err) == xerrors.CodeStorageFailure {
		if s.degraded.CompareAndSwap(false, true) {
			logger.L().Error("存储层故障，进入降级模式", slog.Any("error", err))
		}
	}
}
