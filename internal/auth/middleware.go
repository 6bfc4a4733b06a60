package auth

import (
	"net/http"
	"strconv"
	"time"

	xerrors "TaskRelay/internal/errors"
	loggerpkg "TaskRelay/pkg/logger"
)

// 限流响应头，所有经过闸口的响应都会携带。
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// MiddlewareConfig 配置认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredScopes 定义每个 HTTP 方法所需的作用域，键 * 为兜底。
	RequiredScopes map[string][]string
	// AuditEvent 指定审计日志使用的事件名称。
	AuditEvent string
	// ErrorWriter 负责渲染拒绝响应，缺省时输出纯文本状态。
	ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware 返回处理认证、授权与审计的 HTTP 中间件。
func (g *Gate) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	writeError := cfg.ErrorWriter
	if writeError == nil {
		writeError = func(w http.ResponseWriter, r *http.Request, err error) {
			status := StatusOf(err)
			http.Error(w, http.StatusText(status), status)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if g.Disabled() {
				next.ServeHTTP(w, r)
				return
			}
			principal, err := g.Authenticate(r.Context(), r)
			stampRateHeaders(w, principal)
			if err != nil {
				if retryAfter := retryAfterOf(err); retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
				}
				writeError(w, r, err)
				return
			}
			// 授权。
			scopes := cfg.RequiredScopes[r.Method]
			if len(scopes) == 0 {
				scopes = cfg.RequiredScopes["*"]
			}
			if len(scopes) > 0 {
				if err := principal.Authorize(scopes...); err != nil {
					g.audit.Warn("scope_denied",
						"path", r.URL.Path,
						"method", r.Method,
						"caller", principal.Name,
						"error", err.Error(),
					)
					writeError(w, r, err)
					return
				}
			}
			// 审计。
			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(aw, r.WithContext(ctx))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			audit := g.audit
			if audit == nil {
				audit = loggerpkg.Audit()
			}
			audit.Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"caller", principal.Name,
				"auth_method", string(principal.Method),
			)
		})
	}
}

// StatusOf 将认证相关错误映射为 HTTP 状态码。
func StatusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodePermissionDenied:
		return http.StatusForbidden
	case xerrors.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusUnauthorized
	}
}

func retryAfterOf(err error) int64 {
	if e, ok := xerrors.From(err); ok {
		return e.RetryAfter()
	}
	return 0
}

// RateUnlimited 是不受限流约束的调用方在响应头中看到的哨兵值。
const RateUnlimited = "unlimited"

// stampRateHeaders 将限流视图写入响应头。没有限流视图的调用方
// （JWT、回调签名或认证失败）统一标记为 unlimited。
func stampRateHeaders(w http.ResponseWriter, principal *Principal) {
	if principal == nil || principal.Rate == nil {
		w.Header().Set(HeaderRateLimitLimit, RateUnlimited)
		w.Header().Set(HeaderRateLimitRemaining, RateUnlimited)
		w.Header().Set(HeaderRateLimitReset, "0")
		return
	}
	w.Header().Set(HeaderRateLimitLimit, strconv.FormatInt(principal.Rate.Limit, 10))
	w.Header().Set(HeaderRateLimitRemaining, strconv.FormatInt(principal.Rate.Remaining, 10))
	w.Header().Set(HeaderRateLimitReset, strconv.FormatInt(principal.Rate.ResetAt, 10))
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层实现。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
