package notify

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	xerrors "TaskRelay/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 将投递记录持久化到 MySQL，进程重启后重试可续。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于现有连接创建投递存储。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS webhook_deliveries (
        delivery_id VARCHAR(64) PRIMARY KEY,
        execution_id VARCHAR(64) NOT NULL,
        task_id VARCHAR(128) NOT NULL,
        event_type VARCHAR(64) NOT NULL,
        endpoint VARCHAR(1024) NOT NULL,
        secret VARCHAR(255) NOT NULL DEFAULT '',
        payload MEDIUMBLOB,
        payload_hash VARCHAR(64) NOT NULL DEFAULT '',
        signature VARCHAR(128) DEFAULT '',
        terminal TINYINT(1) NOT NULL DEFAULT 0,
        attempts INT NOT NULL DEFAULT 0,
        max_attempts INT NOT NULL DEFAULT 5,
        base_delay DOUBLE NOT NULL DEFAULT 1,
        multiplier DOUBLE NOT NULL DEFAULT 2,
        max_delay DOUBLE NOT NULL DEFAULT 60,
        jitter TINYINT(1) NOT NULL DEFAULT 0,
        next_retry_at BIGINT NOT NULL DEFAULT 0,
        status VARCHAR(16) NOT NULL DEFAULT 'pending',
        last_error TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_delivery_due (status, next_retry_at),
        INDEX idx_delivery_execution (execution_id)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 webhook_deliveries 表失败")
	}
	return nil
}

// Create 插入投递记录。
func (s *MySQLStore) Create(ctx context.Context, delivery *Delivery) error {
	if delivery == nil || delivery.DeliveryID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "投递记录不完整")
	}
	now := time.Now().Unix()
	if delivery.CreatedAt == 0 {
		delivery.CreatedAt = now
	}
	delivery.UpdatedAt = now

	const stmt = `INSERT INTO webhook_deliveries
        (delivery_id, execution_id, task_id, event_type, endpoint, secret, payload, payload_hash,
         signature, terminal, attempts, max_attempts, base_delay, multiplier, max_delay, jitter,
         next_retry_at, status, last_error, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		delivery.DeliveryID,
		delivery.ExecutionID,
		delivery.TaskID,
		delivery.EventType,
		delivery.Endpoint,
		delivery.Secret,
		delivery.Payload,
		delivery.PayloadHash,
		delivery.Signature,
		delivery.Terminal,
		delivery.Attempts,
		delivery.MaxAttempts,
		delivery.BaseDelay,
		delivery.Multiplier,
		delivery.MaxDelay,
		delivery.Jitter,
		delivery.NextRetryAt,
		string(delivery.Status),
		delivery.LastError,
		delivery.CreatedAt,
		delivery.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.New(xerrors.CodeConflict, "投递 ID 已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入投递记录失败")
	}
	return nil
}

const deliveryColumns = `delivery_id, execution_id, task_id, event_type, endpoint, secret, payload, payload_hash,
        signature, terminal, attempts, max_attempts, base_delay, multiplier, max_delay, jitter,
        next_retry_at, status, last_error, created_at, updated_at`

// Get 查询指定投递记录。
func (s *MySQLStore) Get(ctx context.Context, deliveryID string) (*Delivery, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE delivery_id = ?`, deliveryID)
	return scanDelivery(row)
}

// Due 返回已到期的待投递记录。
func (s *MySQLStore) Due(ctx context.Context, now int64, limit int) ([]*Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
         WHERE status = ? AND next_retry_at <= ?
         ORDER BY next_retry_at ASC, delivery_id ASC LIMIT ?`,
		string(StatusPending), now, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询到期投递失败")
	}
	defer rows.Close()

	deliveries := make([]*Delivery, 0, limit)
	for rows.Next() {
		delivery, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, delivery)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历投递记录失败")
	}
	return deliveries, nil
}

// Update 回写投递尝试后的可变字段。
func (s *MySQLStore) Update(ctx context.Context, delivery *Delivery) error {
	if delivery == nil || delivery.DeliveryID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "投递记录不完整")
	}
	const stmt = `UPDATE webhook_deliveries
        SET status = ?, attempts = ?, next_retry_at = ?, last_error = ?, signature = ?, updated_at = ?
        WHERE delivery_id = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		string(delivery.Status),
		delivery.Attempts,
		delivery.NextRetryAt,
		delivery.LastError,
		delivery.Signature,
		time.Now().Unix(),
		delivery.DeliveryID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新投递记录失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}

// ListByExecution 返回某次执行的全部投递记录。
func (s *MySQLStore) ListByExecution(ctx context.Context, executionID string) ([]*Delivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE execution_id = ? ORDER BY created_at ASC`,
		executionID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行的投递记录失败")
	}
	defer rows.Close()

	deliveries := make([]*Delivery, 0, 4)
	for rows.Next() {
		delivery, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, delivery)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历投递记录失败")
	}
	return deliveries, nil
}

// PurgeOlderThan 删除早于 cutoff 且已处于终态的投递记录。
func (s *MySQLStore) PurgeOlderThan(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_deliveries WHERE status <> ? AND updated_at < ?`,
		string(StatusPending), cutoff)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理投递记录失败")
	}
	purged, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取清理数量失败")
	}
	return purged, nil
}

// Close 实现 Store 接口。连接由调用方管理，这里不重复关闭。
func (s *MySQLStore) Close() error { return nil }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row rowScanner) (*Delivery, error) {
	var delivery Delivery
	var status string
	var lastError, signature sql.NullString

	if err := row.Scan(
		&delivery.DeliveryID,
		&delivery.ExecutionID,
		&delivery.TaskID,
		&delivery.EventType,
		&delivery.Endpoint,
		&delivery.Secret,
		&delivery.Payload,
		&delivery.PayloadHash,
		&signature,
		&delivery.Terminal,
		&delivery.Attempts,
		&delivery.MaxAttempts,
		&delivery.BaseDelay,
		&delivery.Multiplier,
		&delivery.MaxDelay,
		&delivery.Jitter,
		&delivery.NextRetryAt,
		&status,
		&lastError,
		&delivery.CreatedAt,
		&delivery.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeliveryNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析投递记录失败")
	}
	delivery.Status = DeliveryStatus(status)
	delivery.Signature = signature.String
	delivery.LastError = lastError.String
	return &delivery, nil
}

var _ Store = (*MySQLStore)(nil)
