package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	xerrors "TaskRelay/internal/errors"
	"TaskRelay/internal/task"
)

// HeaderRequestID 由调用方提供请求标识，缺省时服务端生成。
const HeaderRequestID = "X-Request-ID"

type requestIDKey struct{}

// RequestIDFromContext 返回当前请求的标识。
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

// errorEnvelope 是所有错误响应的统一外层结构。
type errorEnvelope struct {
	Error     errorBody `json:"error"`
	RequestID string    `json:"request_id"`
	Timestamp int64     `json:"timestamp"`
}

type errorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Category   string `json:"category"`
	RetryAfter int64  `json:"retry_after,omitempty"`
}

// httpStatusOf 将统一错误码映射为 HTTP 状态码。
func httpStatusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeAuthFailed:
		return http.StatusUnauthorized
	case xerrors.CodePermissionDenied:
		return http.StatusForbidden
	case xerrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case xerrors.CodeNotFound, task.CodeExecutionNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeTaskConflict:
		return http.StatusConflict
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation, task.CodeStaleProgress:
		return http.StatusBadRequest
	case xerrors.CodeInvalidTransition, task.CodeStaleState:
		return http.StatusConflict
	case xerrors.CodeResourceExhausted, xerrors.CodeStorageFailure, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError 以统一信封渲染错误响应，并在可重试时附带 Retry-After 头。
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatusOf(err)
	body := errorBody{
		Code:     string(xerrors.CodeOf(err)),
		Category: string(xerrors.CategoryServer),
		Message:  "internal error",
	}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
		body.Category = string(e.Category())
		body.RetryAfter = e.RetryAfter()
	} else if err != nil {
		body.Message = err.Error()
	}
	if body.RetryAfter == 0 && status == http.StatusServiceUnavailable {
		body.RetryAfter = defaultRetryAfterSeconds
	}
	if body.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(body.RetryAfter, 10))
	}
	writeJSON(w, r, status, errorEnvelope{
		Error:     body,
		RequestID: RequestIDFromContext(r.Context()),
		Timestamp: time.Now().Unix(),
	})
}

func writeJSON(w http.ResponseWriter, _ *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withRequestID 确保每个请求持有标识并回写响应头。
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
