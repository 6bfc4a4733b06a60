package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const jwtHeaderJSON = `{"alg":"HS256","typ":"JWT"}`

// encodedJWTHeader 是编码后的 JWT 头部。
var encodedJWTHeader = base64.RawURLEncoding.EncodeToString([]byte(jwtHeaderJSON))

// JWTOptions 配置编排方访问令牌的签发与校验。
type JWTOptions struct {
	Secret     string
	Issuer     string
	Audience   []string
	TTLSeconds int64
}

// jwtClaims 定义令牌声明结构。
type jwtClaims struct {
	Subject   string   `json:"sub"`
	Name      string   `json:"name,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
}

// JWTAuthenticator 校验 Authorization: Bearer 携带的 HS256 令牌。
type JWTAuthenticator struct {
	secret   []byte
	issuer   string
	audience []string
	ttl      time.Duration
}

var _ Authenticator = (*JWTAuthenticator)(nil)

// NewJWTAuthenticator 构造 JWT 认证器。
func NewJWTAuthenticator(opts JWTOptions) (*JWTAuthenticator, error) {
	if strings.TrimSpace(opts.Secret) == "" {
		return nil, stdErrors.New("jwt secret must be configured")
	}
	if opts.TTLSeconds <= 0 {
		opts.TTLSeconds = 3600
	}
	return &JWTAuthenticator{
		secret:   []byte(opts.Secret),
		issuer:   opts.Issuer,
		audience: append([]string(nil), opts.Audience...),
		ttl:      time.Duration(opts.TTLSeconds) * time.Second,
	}, nil
}

// Method 实现 Authenticator。
func (a *JWTAuthenticator) Method() Method { return MethodJWT }

// Match 命中携带 Bearer 令牌的请求。
func (a *JWTAuthenticator) Match(r *http.Request) bool {
	value := strings.TrimSpace(r.Header.Get("Authorization"))
	return len(value) > 7 && strings.EqualFold(value[:7], "bearer ")
}

// Authenticate 实现 Authenticator。
func (a *JWTAuthenticator) Authenticate(_ context.Context, r *http.Request) (*Principal, error) {
	parts := strings.SplitN(strings.TrimSpace(r.Header.Get("Authorization")), " ", 2)
	if len(parts) != 2 {
		return nil, Rejection(ReasonMissingCredentials, "缺少 Bearer 令牌")
	}
	claims, err := a.verify(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, err
	}
	principal := &Principal{
		ID:     claims.Subject,
		Name:   claims.Name,
		Method: MethodJWT,
		Scopes: append([]string(nil), claims.Scopes...),
	}
	principal.normalise()
	return principal, nil
}

// Issue 为指定主体签发访问令牌，供运维工具与测试使用。
func (a *JWTAuthenticator) Issue(subject, name string, scopes []string) (string, error) {
	now := time.Now().Unix()
	claims := jwtClaims{
		Subject:   subject,
		Name:      name,
		Scopes:    append([]string(nil), scopes...),
		Issuer:    a.issuer,
		Audience:  append([]string(nil), a.audience...),
		IssuedAt:  now,
		ExpiresAt: now + int64(a.ttl.Seconds()),
	}
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signature := a.signature(encodedJWTHeader, payload)
	return strings.Join([]string{
		encodedJWTHeader,
		payload,
		base64.RawURLEncoding.EncodeToString(signature),
	}, "."), nil
}

// signature 计算令牌的签名部分。
func (a *JWTAuthenticator) signature(header, payload string) []byte {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(header))
	mac.Write([]byte("."))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// verify 校验令牌签名、有效期与签发方。
func (a *JWTAuthenticator) verify(token string) (*jwtClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, Rejection(ReasonBadSignature, "令牌格式不合法")
	}
	expected := a.signature(parts[0], parts[1])
	actual, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, Rejection(ReasonBadSignature, "令牌签名不可解码")
	}
	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return nil, Rejection(ReasonBadSignature, "令牌签名校验失败")
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, Rejection(ReasonBadSignature, "令牌载荷不可解码")
	}
	var claims jwtClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, Rejection(ReasonBadSignature, "令牌载荷不可解析")
	}

	// exp 是必选声明，缺失视同过期，否则令牌永久有效。
	now := time.Now().Unix()
	if claims.ExpiresAt == 0 || now > claims.ExpiresAt {
		return nil, Rejection(ReasonExpired, "令牌缺少有效期或已过期")
	}
	if a.issuer != "" && !strings.EqualFold(a.issuer, claims.Issuer) {
		return nil, Rejection(ReasonBadSignature, "令牌签发方不匹配")
	}
	if len(a.audience) > 0 && !audienceMatches(a.audience, claims.Audience) {
		return nil, Rejection(ReasonBadSignature, "令牌受众不匹配")
	}
	return &claims, nil
}

func audienceMatches(expected, provided []string) bool {
	for _, want := range expected {
		for _, have := range provided {
			if strings.EqualFold(strings.TrimSpace(want), strings.TrimSpace(have)) {
				return true
			}
		}
	}
	return false
}
