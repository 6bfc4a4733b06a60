package auth

import (
	"context"
	"log/slog"
	"net/http"

	"TaskRelay/pkg/logger"
)

// Gate 按请求头形态挑选认证器并完成准入校验。
// 同一请求只会命中一个认证器：Bearer 令牌、X-API-Key、回调签名头
// 互不重叠，顺序即优先级。
type Gate struct {
	disabled       bool
	authenticators []Authenticator
	audit          *slog.Logger
}

// NewGate 构造认证闸口。不传入任何认证器等价于关闭认证，
// 仅用于本地开发配置。
func NewGate(authenticators ...Authenticator) *Gate {
	active := make([]Authenticator, 0, len(authenticators))
	for _, candidate := range authenticators {
		if candidate != nil {
			active = append(active, candidate)
		}
	}
	return &Gate{
		disabled:       len(active) == 0,
		authenticators: active,
		audit:          logger.Audit(),
	}
}

// Disabled 返回认证是否关闭。
func (g *Gate) Disabled() bool {
	return g == nil || g.disabled
}

// Authenticate 对请求完成认证，返回调用方主体。
func (g *Gate) Authenticate(ctx context.Context, r *http.Request) (*Principal, error) {
	if g.Disabled() {
		return nil, nil
	}
	for _, authenticator := range g.authenticators {
		if !authenticator.Match(r) {
			continue
		}
		principal, err := authenticator.Authenticate(ctx, r)
		if err != nil {
			g.audit.Warn("auth_rejected",
				"method", string(authenticator.Method()),
				"path", r.URL.Path,
				"reason", ReasonOf(err),
			)
			return principal, err
		}
		return principal, nil
	}
	g.audit.Warn("auth_rejected",
		"method", "none",
		"path", r.URL.Path,
		"reason", ReasonMissingCredentials,
	)
	return nil, Rejection(ReasonMissingCredentials, "请求未携带任何受支持的凭证")
}
