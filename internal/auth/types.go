package auth

import (
	"context"
	"net/http"
	"strings"

	xerrors "TaskRelay/internal/errors"
)

// Method 标识凭证类型。
type Method string

const (
	MethodJWT    Method = "jwt"
	MethodAPIKey Method = "api_key"
	MethodHMAC   Method = "hmac"
)

// 拒绝原因，写入审计日志与错误元数据。
const (
	ReasonExpired            = "expired"
	ReasonBadSignature       = "bad_signature"
	ReasonUnknownKey         = "unknown_key"
	ReasonClockSkew          = "clock_skew"
	ReasonRevoked            = "revoked"
	ReasonMissingCredentials = "missing_credentials"
	ReasonRateLimited        = "rate_limited"
)

// Rejection 构造带拒绝原因的认证失败错误。
func Rejection(reason, message string) error {
	return xerrors.New(xerrors.CodeAuthFailed, message, xerrors.WithMetadata("reason", reason))
}

// ReasonOf 从认证错误中提取拒绝原因，未知时返回空串。
func ReasonOf(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Metadata()["reason"]
	}
	return ""
}

// RateInfo 记录限流判定结果，由中间件写回 X-RateLimit-* 响应头。
type RateInfo struct {
	Limit     int64
	Remaining int64
	ResetAt   int64
}

// Principal 表示通过认证的调用方身份。
type Principal struct {
	ID     string
	Name   string
	Method Method
	// Scopes 限定该主体可访问的操作集合。
	Scopes []string
	// AgentID 仅 HMAC 回调凭证携带，标识发起回调的执行 Agent。
	AgentID string
	// Rate 仅在认证方启用限流时填充。
	Rate *RateInfo

	scopeSet map[string]struct{}
}

func (p *Principal) normalise() {
	if p == nil {
		return
	}
	if p.scopeSet == nil {
		p.scopeSet = make(map[string]struct{}, len(p.Scopes))
		for _, scope := range p.Scopes {
			p.scopeSet[strings.ToLower(strings.TrimSpace(scope))] = struct{}{}
		}
	}
}

// HasScope 判断主体是否拥有指定作用域。通配符 * 允许一切。
func (p *Principal) HasScope(scope string) bool {
	if p == nil {
		return false
	}
	p.normalise()
	if _, ok := p.scopeSet["*"]; ok {
		return true
	}
	_, ok := p.scopeSet[strings.ToLower(strings.TrimSpace(scope))]
	return ok
}

// Authorize 校验主体拥有全部所需作用域。
func (p *Principal) Authorize(scopes ...string) error {
	if p == nil {
		return Rejection(ReasonMissingCredentials, "缺少调用方身份")
	}
	for _, scope := range scopes {
		if scope == "" {
			continue
		}
		if !p.HasScope(scope) {
			return xerrors.New(xerrors.CodePermissionDenied, "缺少作用域 "+scope,
				xerrors.WithMetadata("scope", scope))
		}
	}
	return nil
}

// Clone 返回主体的浅拷贝。
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	clone := &Principal{
		ID:      p.ID,
		Name:    p.Name,
		Method:  p.Method,
		Scopes:  append([]string(nil), p.Scopes...),
		AgentID: p.AgentID,
	}
	if p.Rate != nil {
		rate := *p.Rate
		clone.Rate = &rate
	}
	clone.normalise()
	return clone
}

// Authenticator 表示一种凭证校验方式。Match 只看请求头形态，
// 不做任何校验；Authenticate 完成实际验证。
type Authenticator interface {
	Method() Method
	Match(r *http.Request) bool
	Authenticate(ctx context.Context, r *http.Request) (*Principal, error)
}
