package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditRecord 表示一条落库的审计事件，覆盖准入、拒绝与归档。
type AuditRecord struct {
	ID          int64  `json:"id,omitempty"`
	Event       string `json:"event"`
	TaskID      string `json:"task_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	State       string `json:"state,omitempty"`
	Detail      string `json:"detail,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// AuditTrail 抽象审计事件的持久化接口。
type AuditTrail interface {
	Record(ctx context.Context, record *AuditRecord) error
	Latest(ctx context.Context, limit int) ([]AuditRecord, error)
}

// FileAuditTrail 使用本地 JSONL 文件落审计事件，方便迭代开发与内存模式部署。
type FileAuditTrail struct {
	mu       sync.RWMutex
	dataFile string
	records  []AuditRecord
	nextID   int64
}

// NewFileAuditTrail 创建一个文件审计账本。
func NewFileAuditTrail(dataDir string) (*FileAuditTrail, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "audit.log")
	trail := &FileAuditTrail{dataFile: path, nextID: 1}
	if err := trail.loadFromDisk(); err != nil {
		return nil, err
	}
	return trail, nil
}

// Record 以追加写的方式记录审计事件。
func (f *FileAuditTrail) Record(_ context.Context, record *AuditRecord) error {
	if record == nil {
		return fmt.Errorf("审计事件不能为空")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}
	record.ID = f.nextID
	f.nextID++

	file, err := os.OpenFile(f.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开审计日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化审计事件失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入审计日志失败: %w", err)
	}

	f.records = append([]AuditRecord{*record}, f.records...)
	if len(f.records) > 512 {
		f.records = f.records[:512]
	}
	return nil
}

// Latest 返回最近的审计事件，按时间倒序排列。
func (f *FileAuditTrail) Latest(_ context.Context, limit int) ([]AuditRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if limit <= 0 || limit > len(f.records) {
		limit = len(f.records)
	}
	results := make([]AuditRecord, limit)
	copy(results, f.records[:limit])
	return results, nil
}

func (f *FileAuditTrail) loadFromDisk() error {
	file, err := os.OpenFile(f.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取审计日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []AuditRecord
	for scanner.Scan() {
		var record AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		if record.ID >= f.nextID {
			f.nextID = record.ID + 1
		}
		restored = append([]AuditRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析审计日志失败: %w", err)
	}

	if len(restored) > 512 {
		restored = restored[:512]
	}
	if len(restored) > 0 {
		f.records = restored
	}
	return nil
}

var _ AuditTrail = (*FileAuditTrail)(nil)

// SQLAuditTrail 将审计事件写入 MySQL。
type SQLAuditTrail struct {
	db *sql.DB
}

var _ AuditTrail = (*SQLAuditTrail)(nil)

// NewSQLAuditTrail 复用已有连接池。audit_events 表由迁移创建。
func NewSQLAuditTrail(db *sql.DB) *SQLAuditTrail {
	return &SQLAuditTrail{db: db}
}

// Record 将审计事件写入 MySQL。
func (s *SQLAuditTrail) Record(ctx context.Context, record *AuditRecord) error {
	if record == nil {
		return fmt.Errorf("审计事件不能为空")
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}
	const stmt = `INSERT INTO audit_events
        (event, task_id, execution_id, agent_id, state, detail, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	result, err := s.db.ExecContext(ctx, stmt,
		record.Event,
		record.TaskID,
		record.ExecutionID,
		record.AgentID,
		record.State,
		record.Detail,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("写入审计事件失败: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		record.ID = id
	}
	return nil
}

// Latest 查询最近的若干条审计事件。
func (s *SQLAuditTrail) Latest(ctx context.Context, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, event, task_id, execution_id, agent_id, state, detail, created_at
        FROM audit_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询审计事件失败: %w", err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var record AuditRecord
		if err := rows.Scan(&record.ID, &record.Event, &record.TaskID, &record.ExecutionID, &record.AgentID, &record.State, &record.Detail, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析审计事件失败: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历审计事件失败: %w", err)
	}
	return records, nil
}
