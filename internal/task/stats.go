package task

// ExecutionStats 聚合执行状态的统计信息，常用于健康检查接口。
type ExecutionStats struct {
	Total           int   `json:"total"`
	Queued          int   `json:"queued"`
	Running         int   `json:"running"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	Timeout         int   `json:"timeout"`
	Cancelled       int   `json:"cancelled"`
	Archived        int   `json:"archived"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}
