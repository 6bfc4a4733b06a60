package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// 签名格式与携带头部。接收方按 timestamp+body 复算 HMAC-SHA256 并比对。
const (
	SignaturePrefix    = "sha256="
	HeaderSignature    = "X-Webhook-Signature"
	HeaderTimestamp    = "X-Webhook-Timestamp"
	HeaderDeliveryID   = "X-Delivery-ID"
	HeaderRelayAgentID = "X-TaskRelay-Agent-ID"
)

// Sign 计算 timestamp+body 的 HMAC-SHA256 签名。
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature 以常数时间比较校验签名。
func VerifySignature(secret string, timestamp int64, body []byte, signature string) bool {
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// PayloadHash 返回投递载荷的指纹，用于审计与排重。
func PayloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("%x", sum)
}
