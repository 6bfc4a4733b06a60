package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "TaskRelay/internal/errors"
	"TaskRelay/internal/task"
)

// DefaultExecutorTimeout 限制单次派发调用的耗时，避免网络问题拖垮调度循环。
const DefaultExecutorTimeout = 10 * time.Second

// DispatchRequest 是发给执行 Agent 的任务描述。
type DispatchRequest struct {
	ExecutionID    string               `json:"execution_id"`
	TaskID         string               `json:"task_id"`
	TaskType       string               `json:"task_type"`
	TimeoutSeconds int64                `json:"timeout_seconds"`
	Payload        task.PayloadEnvelope `json:"payload"`
}

// Executor 抽象外部执行方：接收派发并响应取消请求。
// 执行结果通过回调接口异步上报，派发本身不阻塞等待执行完成。
type Executor interface {
	Execute(ctx context.Context, endpoint string, req DispatchRequest) error
	Cancel(ctx context.Context, endpoint, executionID string) (acknowledged bool, err error)
}

// HTTPExecutor 通过 HTTP 与执行 Agent 通信。
type HTTPExecutor struct {
	client *http.Client
}

// NewHTTPExecutor 创建 HTTP 执行客户端。client 为空时使用默认超时。
func NewHTTPExecutor(client *http.Client) *HTTPExecutor {
	if client == nil {
		client = &http.Client{Timeout: DefaultExecutorTimeout}
	}
	return &HTTPExecutor{client: client}
}

// Execute 将任务派发给 Agent。2xx 视为接受，其余视为派发失败。
func (e *HTTPExecutor) Execute(ctx context.Context, endpoint string, req DispatchRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码派发请求失败")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(endpoint, "/")+"/execute", bytes.NewReader(body))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeExecutionFailed, err, "构造派发请求失败")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeExecutionFailed, err, "派发任务失败")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return xerrors.New(xerrors.CodeExecutionFailed,
			fmt.Sprintf("Agent 拒绝派发: HTTP %d", resp.StatusCode))
	}
	return nil
}

// Cancel 请求 Agent 取消执行，返回其是否确认。
func (e *HTTPExecutor) Cancel(ctx context.Context, endpoint, executionID string) (bool, error) {
	body, err := json.Marshal(map[string]string{"execution_id": executionID})
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码取消请求失败")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(endpoint, "/")+"/cancel", bytes.NewReader(body))
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeExecutionFailed, err, "构造取消请求失败")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeExecutionFailed, err, "发送取消请求失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, nil
	}
	var ack struct {
		Acknowledged bool `json:"acknowledged"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		// 响应体不可解析时按已确认处理，2xx 本身即表示收到。
		return true, nil
	}
	return ack.Acknowledged, nil
}

var _ Executor = (*HTTPExecutor)(nil)
