package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"TaskRelay/internal/auth"
	xerrors "TaskRelay/internal/errors"
	"TaskRelay/internal/ledger"
	"TaskRelay/internal/lifecycle"
	"TaskRelay/internal/task"
)

// executeTaskResponse 是任务准入成功后的响应体。
type executeTaskResponse struct {
	Status            string            `json:"status"`
	TaskID            string            `json:"task_id"`
	ExecutionID       string            `json:"execution_id"`
	QueuePosition     int64             `json:"queue_position"`
	EstimatedStartAt  int64             `json:"estimated_start_at"`
	RetryAfterSeconds int64             `json:"retry_after_seconds,omitempty"`
	MonitoringURLs    map[string]string `json:"monitoring_urls"`
}

func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	if s.degraded.Load() {
		writeError(w, r, xerrors.New(xerrors.CodeStorageFailure,
			"服务降级中，暂停新任务准入", xerrors.WithRetryAfter(defaultRetryAfterSeconds)))
		return
	}

	var spec task.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if principal := auth.PrincipalFromContext(r.Context()); principal != nil && spec.OrchestratorID == "" {
		spec.OrchestratorID = principal.ID
	}

	result, err := s.admission.Admit(r.Context(), &spec)
	if err != nil {
		s.noteStoreError(err)
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, executeTaskResponse{
		Status:            string(result.State),
		TaskID:            result.TaskID,
		ExecutionID:       result.ExecutionID,
		QueuePosition:     result.QueuePosition,
		EstimatedStartAt:  result.EstimatedStartAt,
		RetryAfterSeconds: result.RetryAfterSeconds,
		MonitoringURLs: map[string]string{
			"status":  "/api/v2/task-status/" + result.TaskID,
			"metrics": "/metrics",
		},
	})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	includeLogs := parseBool(r.URL.Query().Get("include_logs"))
	includeMetrics := parseBool(r.URL.Query().Get("include_metrics"))

	status, err := s.tracker.StatusByTaskID(r.Context(), taskID, includeLogs, includeMetrics)
	if err != nil {
		s.noteStoreError(err)
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	exec, err := s.store.GetByTaskID(r.Context(), taskID)
	if err != nil {
		s.noteStoreError(err)
		writeError(w, r, err)
		return
	}
	if err := s.sched.Cancel(r.Context(), exec.ExecutionID); err != nil {
		writeError(w, r, err)
		return
	}
	// 取消可能同步完成（排队中的任务），也可能进入宽限期，回读拿到当前状态。
	current, err := s.store.Get(r.Context(), exec.ExecutionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{
		"task_id":      taskID,
		"execution_id": current.ExecutionID,
		"state":        current.State,
	})
}

// listTasksResponse 包含分页游标，便于编排方翻页。
type listTasksResponse struct {
	Tasks  []*task.Execution `json:"tasks"`
	Count  int               `json:"count"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := task.ListOptions{
		TaskType: query.Get("task_type"),
		AgentID:  query.Get("agent_id"),
	}
	if raw := query.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				opts.States = append(opts.States, lifecycle.State(part))
			}
		}
	}
	if limit, err := strconv.Atoi(query.Get("limit")); err == nil {
		opts.Limit = limit
	}
	if offset, err := strconv.Atoi(query.Get("offset")); err == nil {
		opts.Offset = offset
	}
	if strings.EqualFold(query.Get("order"), "asc") {
		opts.Order = task.SortByUpdatedAsc
	}

	execs, err := s.store.List(r.Context(), opts)
	if err != nil {
		s.noteStoreError(err)
		writeError(w, r, err)
		return
	}
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	writeJSON(w, r, http.StatusOK, listTasksResponse{
		Tasks:  execs,
		Count:  len(execs),
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}

// progressCallback 是执行 Agent 上报进度的请求体。
type progressCallback struct {
	ExecutionID string `json:"execution_id"`
	Percentage  int    `json:"progress_percentage"`
	Message     string `json:"message,omitempty"`
}

func (s *Server) handleProgressCallback(w http.ResponseWriter, r *http.Request) {
	var req progressCallback
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if err := s.tracker.Update(r.Context(), req.ExecutionID, req.Percentage, req.Message); err != nil {
		s.noteStoreError(err)
		writeError(w, r, err)
		return
	}

	exec, err := s.store.Get(r.Context(), req.ExecutionID)
	if err == nil {
		s.recordHeartbeat(r, exec.AgentID)
		if s.notifier != nil {
			_ = s.notifier.NotifyProgress(r.Context(), exec)
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"acknowledged": true})
}

// completeCallback 是执行 Agent 上报成功结果的请求体。
type completeCallback struct {
	ExecutionID string      `json:"execution_id"`
	Result      task.Result `json:"result"`
}

func (s *Server) handleCompleteCallback(w http.ResponseWriter, r *http.Request) {
	var req completeCallback
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if err := s.sched.Complete(r.Context(), req.ExecutionID, req.Result); err != nil {
		s.noteStoreError(err)
		writeError(w, r, err)
		return
	}
	s.heartbeatFor(r, req.ExecutionID)
	writeJSON(w, r, http.StatusOK, map[string]any{"acknowledged": true})
}

// failCallback 是执行 Agent 上报失败的请求体。
type failCallback struct {
	ExecutionID string `json:"execution_id"`
	ErrorCode   string `json:"error_code,omitempty"`
	Message     string `json:"message"`
}

func (s *Server) handleFailCallback(w http.ResponseWriter, r *http.Request) {
	var req failCallback
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	code := xerrors.CodeExecutionFailed
	if req.ErrorCode != "" {
		code = xerrors.Code(req.ErrorCode)
	}
	if err := s.sched.Fail(r.Context(), req.ExecutionID, code, req.Message); err != nil {
		s.noteStoreError(err)
		writeError(w, r, err)
		return
	}
	s.heartbeatFor(r, req.ExecutionID)
	writeJSON(w, r, http.StatusOK, map[string]any{"acknowledged": true})
}

// agentRegisterRequest 是执行 Agent 的注册请求体。
type agentRegisterRequest struct {
	AgentID      string              `json:"agent_id"`
	Endpoint     string              `json:"endpoint"`
	Capabilities []string            `json:"capabilities"`
	SharedSecret string              `json:"shared_secret,omitempty"`
	Capacity     ledger.Requirements `json:"capacity"`
}

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var req agentRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if err := s.agents.Register(ledger.AgentRegistration{
		AgentID:      req.AgentID,
		Endpoint:     req.Endpoint,
		Capabilities: req.Capabilities,
		SharedSecret: req.SharedSecret,
	}); err != nil {
		writeError(w, r, err)
		return
	}
	if s.resources != nil {
		if err := s.resources.SetCapacity(req.AgentID, ledger.Capacity{
			MemoryMB: req.Capacity.MemoryMB,
			CPUCores: req.Capacity.CPUCores,
		}); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, r, http.StatusCreated, map[string]any{
		"agent_id":      req.AgentID,
		"health_status": ledger.HealthHealthy,
	})
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	var req struct {
		Status ledger.HealthStatus `json:"status,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
			return
		}
	}
	if err := s.agents.Heartbeat(agentID, req.Status); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"agent_id": agentID, "acknowledged": true})
}

// healthResponse 汇总守护进程的运行状态。
type healthResponse struct {
	Status        string              `json:"status"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Executions    task.ExecutionStats `json:"executions"`
	Timestamp     int64               `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Timestamp:     time.Now().Unix(),
	}
	stats, err := s.store.Stats(r.Context(), task.ListOptions{})
	if err != nil {
		s.noteStoreError(err)
		resp.Status = "degraded"
		writeJSON(w, r, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Executions = stats
	if s.degraded.Load() {
		resp.Status = "degraded"
		writeJSON(w, r, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// recordHeartbeat 在执行回调成功后刷新对应 Agent 的心跳。
// 回调方通过 HMAC 认证时优先取认证主体中的 Agent ID。
func (s *Server) recordHeartbeat(r *http.Request, fallbackAgentID string) {
	agentID := fallbackAgentID
	if principal := auth.PrincipalFromContext(r.Context()); principal != nil && principal.AgentID != "" {
		agentID = principal.AgentID
	}
	if agentID == "" {
		return
	}
	_ = s.agents.Heartbeat(agentID, ledger.HealthHealthy)
}

func (s *Server) heartbeatFor(r *http.Request, executionID string) {
	exec, err := s.store.Get(r.Context(), executionID)
	if err != nil {
		return
	}
	s.recordHeartbeat(r, exec.AgentID)
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
