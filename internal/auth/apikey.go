package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	xerrors "TaskRelay/internal/errors"
)

// HeaderAPIKey 携带编排方的 API 密钥，格式为 "<key_id>.<secret>"。
const HeaderAPIKey = "X-API-Key"

// DefaultRatePerMinute 是未显式配置限流时每个密钥的默认额度。
const DefaultRatePerMinute = 120

// APIKey 是一条已登记的密钥记录。
type APIKey struct {
	KeyID  string
	Secret string
	Name   string
	Scopes []string
	// RatePerMinute 为 0 时使用默认额度，负数表示不限流。
	RatePerMinute int64
	Disabled      bool
}

// Clone 返回密钥记录的拷贝。
func (k *APIKey) Clone() *APIKey {
	if k == nil {
		return nil
	}
	clone := *k
	clone.Scopes = append([]string(nil), k.Scopes...)
	return &clone
}

// KeyStore 抽象密钥目录。实现必须并发安全。
type KeyStore interface {
	LookupKey(ctx context.Context, keyID string) (*APIKey, error)
}

// APIKeyAuthenticator 校验 X-API-Key 凭证并执行令牌桶限流。
type APIKeyAuthenticator struct {
	store   KeyStore
	limiter *rateLimiter
}

var _ Authenticator = (*APIKeyAuthenticator)(nil)

// NewAPIKeyAuthenticator 构造 API 密钥认证器。
func NewAPIKeyAuthenticator(store KeyStore) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{store: store, limiter: newRateLimiter()}
}

// Method 实现 Authenticator。
func (a *APIKeyAuthenticator) Method() Method { return MethodAPIKey }

// Match 命中携带 X-API-Key 的请求。
func (a *APIKeyAuthenticator) Match(r *http.Request) bool {
	return strings.TrimSpace(r.Header.Get(HeaderAPIKey)) != ""
}

// Authenticate 实现 Authenticator。
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*Principal, error) {
	raw := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	keyID, secret, found := strings.Cut(raw, ".")
	if !found || keyID == "" || secret == "" {
		return nil, Rejection(ReasonMissingCredentials, "API 密钥格式不合法")
	}
	record, err := a.store.LookupKey(ctx, keyID)
	if err != nil || record == nil {
		return nil, Rejection(ReasonUnknownKey, "未知的 API 密钥")
	}
	if record.Disabled {
		return nil, Rejection(ReasonRevoked, "API 密钥已停用")
	}
	if !secretEquals(record.Secret, secret) {
		return nil, Rejection(ReasonBadSignature, "API 密钥校验失败")
	}

	rate, allowed := a.limiter.allow(record.KeyID, record.RatePerMinute)
	principal := &Principal{
		ID:     record.KeyID,
		Name:   record.Name,
		Method: MethodAPIKey,
		Scopes: append([]string(nil), record.Scopes...),
		Rate:   rate,
	}
	principal.normalise()
	if !allowed {
		retryAfter := rate.ResetAt - time.Now().Unix()
		if retryAfter < 1 {
			retryAfter = 1
		}
		return principal, xerrors.New(xerrors.CodeRateLimited, "API 密钥请求超出限流额度",
			xerrors.WithMetadata("reason", ReasonRateLimited),
			xerrors.WithMetadata("key_id", record.KeyID),
			xerrors.WithRetryAfter(retryAfter))
	}
	return principal, nil
}

// secretEquals 以固定时间比较双方密钥摘要。
func secretEquals(expected, provided string) bool {
	want := sha256.Sum256([]byte(expected))
	got := sha256.Sum256([]byte(provided))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

// rateLimiter 按密钥维护令牌桶，额度以每分钟请求数表示。
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{buckets: make(map[string]*bucket), now: time.Now}
}

// allow 扣减一个令牌并返回限流视图。limit<0 表示不限流。
func (l *rateLimiter) allow(keyID string, limit int64) (*RateInfo, bool) {
	if limit < 0 {
		return nil, true
	}
	if limit == 0 {
		limit = DefaultRatePerMinute
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[keyID]
	if !ok {
		b = &bucket{tokens: float64(limit), last: now}
		l.buckets[keyID] = b
	}
	refill := now.Sub(b.last).Seconds() * float64(limit) / 60.0
	b.tokens += refill
	if b.tokens > float64(limit) {
		b.tokens = float64(limit)
	}
	b.last = now

	info := &RateInfo{Limit: limit}
	if b.tokens < 1 {
		// 桶空时给出补满一个令牌所需的时刻。
		wait := (1 - b.tokens) * 60.0 / float64(limit)
		info.Remaining = 0
		info.ResetAt = now.Add(time.Duration(wait * float64(time.Second))).Unix()
		return info, false
	}
	b.tokens--
	info.Remaining = int64(b.tokens)
	info.ResetAt = now.Add(time.Minute).Unix()
	return info, true
}
