package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "TaskRelay/internal/errors"
)

// 执行 Agent 回调请求携带的签名头部。签名为
// sha256=<hex(HMAC-SHA256(secret, timestamp+body))>，与出站 Webhook 同构。
const (
	HeaderCallbackAgentID   = "X-Relay-Agent-ID"
	HeaderCallbackTimestamp = "X-Relay-Timestamp"
	HeaderCallbackSignature = "X-Relay-Signature"

	callbackSignaturePrefix = "sha256="
)

// DefaultClockSkew 是签名时间戳允许的最大偏移。
const DefaultClockSkew = 300 * time.Second

// SecretResolver 解析指定 Agent 的共享密钥。
type SecretResolver func(ctx context.Context, agentID string) (string, error)

// HMACAuthenticator 校验执行 Agent 回调的请求签名。
type HMACAuthenticator struct {
	resolve SecretResolver
	skew    time.Duration
	now     func() time.Time
}

var _ Authenticator = (*HMACAuthenticator)(nil)

// NewHMACAuthenticator 构造回调签名认证器。
func NewHMACAuthenticator(resolver SecretResolver) *HMACAuthenticator {
	return &HMACAuthenticator{resolve: resolver, skew: DefaultClockSkew, now: time.Now}
}

// Method 实现 Authenticator。
func (a *HMACAuthenticator) Method() Method { return MethodHMAC }

// Match 命中携带回调签名头的请求。
func (a *HMACAuthenticator) Match(r *http.Request) bool {
	return strings.TrimSpace(r.Header.Get(HeaderCallbackSignature)) != ""
}

// Authenticate 实现 Authenticator。请求体读取后会原样放回，
// 供后续处理器继续解码。
func (a *HMACAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*Principal, error) {
	agentID := strings.TrimSpace(r.Header.Get(HeaderCallbackAgentID))
	signature := strings.TrimSpace(r.Header.Get(HeaderCallbackSignature))
	rawTimestamp := strings.TrimSpace(r.Header.Get(HeaderCallbackTimestamp))
	if agentID == "" || signature == "" || rawTimestamp == "" {
		return nil, Rejection(ReasonMissingCredentials, "回调签名头不完整")
	}
	timestamp, err := strconv.ParseInt(rawTimestamp, 10, 64)
	if err != nil {
		return nil, Rejection(ReasonBadSignature, "回调时间戳不合法")
	}
	drift := a.now().Unix() - timestamp
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(a.skew.Seconds()) {
		return nil, Rejection(ReasonClockSkew, "回调时间戳超出允许偏移")
	}

	secret, err := a.resolve(ctx, agentID)
	if err != nil || secret == "" {
		return nil, Rejection(ReasonUnknownKey, "未登记的 Agent 或缺少共享密钥")
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeAuthFailed, err, "读取回调请求体失败",
			xerrors.WithMetadata("reason", ReasonBadSignature))
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	if !verifyCallbackSignature(secret, timestamp, body, signature) {
		return nil, Rejection(ReasonBadSignature, "回调签名校验失败")
	}

	principal := &Principal{
		ID:      agentID,
		Name:    agentID,
		Method:  MethodHMAC,
		AgentID: agentID,
		Scopes:  []string{"callbacks:write"},
	}
	principal.normalise()
	return principal, nil
}

// SignCallback 为回调请求体生成签名，供 Agent 侧与测试使用。
func SignCallback(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write(body)
	return callbackSignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func verifyCallbackSignature(secret string, timestamp int64, body []byte, signature string) bool {
	expected := SignCallback(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
