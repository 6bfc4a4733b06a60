package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "TaskRelay/internal/errors"
	"TaskRelay/internal/ledger"
	"TaskRelay/internal/lifecycle"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录执行状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS execution_records (
        execution_id VARCHAR(64) PRIMARY KEY,
        task_id VARCHAR(128) NOT NULL,
        agent_id VARCHAR(128) DEFAULT '',
        task_type VARCHAR(64) NOT NULL,
        priority VARCHAR(16) NOT NULL DEFAULT 'normal',
        priority_band INT NOT NULL DEFAULT 2,
        timeout_seconds BIGINT NOT NULL DEFAULT 300,
        payload_schema VARCHAR(128) DEFAULT '',
        payload MEDIUMTEXT,
        orchestrator_id VARCHAR(128) DEFAULT '',
        notify_url VARCHAR(1024) NOT NULL DEFAULT '',
        notify_secret VARCHAR(255) DEFAULT '',
        notify_events TEXT,
        notify_retry TEXT,
        alloc_agent_id VARCHAR(128) DEFAULT '',
        alloc_memory_mb BIGINT NOT NULL DEFAULT 0,
        alloc_cpu_cores BIGINT NOT NULL DEFAULT 0,
        state VARCHAR(32) NOT NULL,
        progress INT NOT NULL DEFAULT 0,
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        result_output MEDIUMTEXT,
        result_metrics TEXT,
        queued_at BIGINT NOT NULL DEFAULT 0,
        started_at BIGINT NOT NULL DEFAULT 0,
        completed_at BIGINT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        UNIQUE KEY uniq_execution_task (task_id),
        INDEX idx_execution_state (state),
        INDEX idx_execution_updated (updated_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 execution_records 表失败")
	}
	return nil
}

// Create 插入新的执行记录。task_id 重复时返回 ErrTaskConflict。
func (s *MySQLStore) Create(ctx context.Context, exec *Execution) error {
	if exec == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "execution 不能为空")
	}
	if strings.TrimSpace(exec.ExecutionID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行 ID 不能为空")
	}
	if strings.TrimSpace(exec.TaskID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	if exec.CreatedAt == 0 {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now

	events, err := marshalJSONColumn(exec.Spec.Notification.Events)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 notify_events 失败")
	}
	retry, err := marshalJSONColumn(exec.Spec.Notification.Retry)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 notify_retry 失败")
	}

	const stmt = `INSERT INTO execution_records
        (execution_id, task_id, agent_id, task_type, priority, priority_band, timeout_seconds,
         payload_schema, payload, orchestrator_id, notify_url, notify_secret, notify_events, notify_retry,
         alloc_agent_id, alloc_memory_mb, alloc_cpu_cores, state, progress, last_error, error_code,
         queued_at, started_at, completed_at, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		exec.ExecutionID,
		exec.TaskID,
		exec.AgentID,
		exec.Spec.TaskType,
		string(exec.Spec.Priority),
		exec.PriorityBand,
		exec.Spec.TimeoutSeconds,
		exec.Spec.Payload.SchemaID,
		string(exec.Spec.Payload.Data),
		exec.Spec.OrchestratorID,
		exec.Spec.Notification.WebhookURL,
		exec.Spec.Notification.Secret,
		events,
		retry,
		exec.Allocation.AgentID,
		exec.Allocation.MemoryMB,
		exec.Allocation.CPUCores,
		string(exec.State),
		exec.Progress,
		exec.QueuedAt,
		exec.StartedAt,
		exec.CompletedAt,
		exec.CreatedAt,
		exec.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入执行记录失败")
	}
	return nil
}

const executionColumns = `execution_id, task_id, agent_id, task_type, priority, priority_band, timeout_seconds,
        payload_schema, payload, orchestrator_id, notify_url, notify_secret, notify_events, notify_retry,
        alloc_agent_id, alloc_memory_mb, alloc_cpu_cores, state, progress, last_error, error_code,
        result_output, result_metrics, queued_at, started_at, completed_at, created_at, updated_at`

// Get 查询指定执行。
func (s *MySQLStore) Get(ctx context.Context, executionID string) (*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM execution_records WHERE execution_id = ?`
	row := s.db.QueryRowContext(ctx, query, executionID)
	return scanExecution(row)
}

// GetByTaskID 按 task_id 查询执行。
func (s *MySQLStore) GetByTaskID(ctx context.Context, taskID string) (*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM execution_records WHERE task_id = ?`
	row := s.db.QueryRowContext(ctx, query, taskID)
	return scanExecution(row)
}

// SetState 以条件更新实现期望状态校验，并维护阶段时间戳。
func (s *MySQLStore) SetState(ctx context.Context, executionID string, expected, target lifecycle.State) error {
	now := time.Now().Unix()

	stmt := `UPDATE execution_records SET state = ?, updated_at = ?`
	args := []any{string(target), now}
	switch target {
	case lifecycle.StateQueued:
		stmt += `, queued_at = ?`
		args = append(args, now)
	case lifecycle.StateRunning:
		stmt += `, started_at = ?`
		args = append(args, now)
	default:
		if lifecycle.IsTerminalOutcome(target) {
			stmt += `, completed_at = ?`
			args = append(args, now)
		}
	}
	stmt += ` WHERE execution_id = ? AND state = ?`
	args = append(args, executionID, string(expected))

	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新执行状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, executionID); getErr != nil {
			return getErr
		}
		return ErrStaleState
	}
	return nil
}

// SetAllocation 记录调度时确定的资源分配与目标 Agent。
func (s *MySQLStore) SetAllocation(ctx context.Context, executionID string, alloc ledger.Allocation) error {
	const stmt = `UPDATE execution_records SET agent_id = ?, alloc_agent_id = ?, alloc_memory_mb = ?, alloc_cpu_cores = ?, updated_at = ? WHERE execution_id = ?`
	res, err := s.db.ExecContext(ctx, stmt, alloc.AgentID, alloc.AgentID, alloc.MemoryMB, alloc.CPUCores, time.Now().Unix(), executionID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新资源分配失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

// SetProgress 以条件更新保证进度单调不减。
func (s *MySQLStore) SetProgress(ctx context.Context, executionID string, percentage int) error {
	if percentage < 0 || percentage > 100 {
		return xerrors.New(xerrors.CodeInvalidArgument, "进度必须位于 0-100 区间")
	}
	const stmt = `UPDATE execution_records SET progress = ?, updated_at = ? WHERE execution_id = ? AND progress <= ?`
	res, err := s.db.ExecContext(ctx, stmt, percentage, time.Now().Unix(), executionID, percentage)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新进度失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, executionID); getErr != nil {
			return getErr
		}
		return ErrStaleProgress
	}
	return nil
}

// SetResult 记录执行结果。
func (s *MySQLStore) SetResult(ctx context.Context, executionID string, result Result) error {
	metrics, err := marshalJSONColumn(result.Metrics)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行指标失败")
	}
	const stmt = `UPDATE execution_records SET result_output = ?, result_metrics = ?, last_error = '', error_code = '', updated_at = ? WHERE execution_id = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(result.Output), metrics, time.Now().Unix(), executionID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录执行结果失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

// SetFailure 记录失败信息。
func (s *MySQLStore) SetFailure(ctx context.Context, executionID string, code xerrors.Code, message string) error {
	const stmt = `UPDATE execution_records SET last_error = ?, error_code = ?, updated_at = ? WHERE execution_id = ?`
	res, err := s.db.ExecContext(ctx, stmt, message, string(code), time.Now().Unix(), executionID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录失败信息失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

// Delete 物理删除执行记录。
func (s *MySQLStore) Delete(ctx context.Context, executionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM execution_records WHERE execution_id = ?`, executionID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除执行记录失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

// List 返回符合过滤条件的执行记录。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Execution, error) {
	opts.applyDefaults()

	query := `SELECT ` + executionColumns + ` FROM execution_records`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, execution_id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, execution_id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行列表失败")
	}
	defer rows.Close()

	executions := make([]*Execution, 0, opts.Limit)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行记录失败")
	}
	return executions, nil
}

// Stats 返回符合过滤条件的执行统计。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (ExecutionStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) AS queued,
        SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) AS running,
        SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) AS completed,
        SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) AS failed,
        SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) AS timeout,
        SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) AS cancelled,
        SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) AS archived,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM execution_records`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{
		string(lifecycle.StateQueued), string(lifecycle.StateRunning),
		string(lifecycle.StateCompleted), string(lifecycle.StateFailed),
		string(lifecycle.StateTimeout), string(lifecycle.StateCancelled),
		string(lifecycle.StateArchived),
	}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats ExecutionStats
	if err := row.Scan(
		&stats.Total,
		&stats.Queued,
		&stats.Running,
		&stats.Completed,
		&stats.Failed,
		&stats.Timeout,
		&stats.Cancelled,
		&stats.Archived,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return ExecutionStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var exec Execution
	var payload, events, retry, lastError, resultOutput, resultMetrics sql.NullString
	var priority string
	var state string

	if err := row.Scan(
		&exec.ExecutionID,
		&exec.TaskID,
		&exec.AgentID,
		&exec.Spec.TaskType,
		&priority,
		&exec.PriorityBand,
		&exec.Spec.TimeoutSeconds,
		&exec.Spec.Payload.SchemaID,
		&payload,
		&exec.Spec.OrchestratorID,
		&exec.Spec.Notification.WebhookURL,
		&exec.Spec.Notification.Secret,
		&events,
		&retry,
		&exec.Allocation.AgentID,
		&exec.Allocation.MemoryMB,
		&exec.Allocation.CPUCores,
		&state,
		&exec.Progress,
		&lastError,
		&exec.ErrorCode,
		&resultOutput,
		&resultMetrics,
		&exec.QueuedAt,
		&exec.StartedAt,
		&exec.CompletedAt,
		&exec.CreatedAt,
		&exec.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行记录失败")
	}

	exec.Spec.TaskID = exec.TaskID
	exec.Spec.Priority = Priority(priority)
	exec.State = lifecycle.State(state)
	exec.LastError = lastError.String
	if payload.Valid && payload.String != "" {
		exec.Spec.Payload.Data = json.RawMessage(payload.String)
	}
	if events.Valid && strings.TrimSpace(events.String) != "" {
		if err := json.Unmarshal([]byte(events.String), &exec.Spec.Notification.Events); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 notify_events 失败")
		}
	}
	if retry.Valid && strings.TrimSpace(retry.String) != "" {
		if err := json.Unmarshal([]byte(retry.String), &exec.Spec.Notification.Retry); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 notify_retry 失败")
		}
	}
	if (resultOutput.Valid && resultOutput.String != "") || (resultMetrics.Valid && strings.TrimSpace(resultMetrics.String) != "") {
		result := &Result{}
		if resultOutput.Valid && resultOutput.String != "" {
			result.Output = json.RawMessage(resultOutput.String)
		}
		if resultMetrics.Valid && strings.TrimSpace(resultMetrics.String) != "" {
			if err := json.Unmarshal([]byte(resultMetrics.String), &result.Metrics); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行指标失败")
			}
		}
		exec.Result = result
	}
	return &exec, nil
}

func marshalJSONColumn(value any) (sql.NullString, error) {
	switch v := value.(type) {
	case nil:
		return sql.NullString{}, nil
	case []string:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]float64:
		if len(v) == 0 {
			return sql.NullString{}, nil
		}
	case RetryPolicy:
		if v == (RetryPolicy{}) {
			return sql.NullString{}, nil
		}
	}
	bytes, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.States) > 0 {
		placeholders := make([]string, 0, len(opts.States))
		for range opts.States {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("state IN (%s)", strings.Join(placeholders, ",")))
		for _, state := range opts.States {
			args = append(args, string(state))
		}
	}
	if opts.TaskType != "" {
		conditions = append(conditions, "task_type = ?")
		args = append(args, opts.TaskType)
	}
	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	return strings.Join(conditions, " AND "), args
}

// ensure interface compliance at compile time
var _ Store = (*MySQLStore)(nil)
