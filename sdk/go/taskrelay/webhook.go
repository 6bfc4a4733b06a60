package taskrelay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Webhook headers attached by the TaskRelay notification dispatcher.
const (
	HeaderWebhookSignature = "X-Webhook-Signature"
	HeaderWebhookTimestamp = "X-Webhook-Timestamp"
	HeaderDeliveryID       = "X-Delivery-ID"

	signaturePrefix = "sha256="

	// DefaultTimestampWindow rejects webhooks whose timestamp drifts more
	// than this from the receiver's clock, guarding against replay.
	DefaultTimestampWindow = 300 * time.Second
)

// Event is the notification payload delivered to the orchestrator.
type Event struct {
	EventType   string             `json:"event_type"`
	TaskID      string             `json:"task_id"`
	ExecutionID string             `json:"execution_id"`
	Status      string             `json:"status"`
	Timestamp   int64              `json:"timestamp"`
	Progress    int                `json:"progress,omitempty"`
	Result      json.RawMessage    `json:"result,omitempty"`
	Error       *EventError        `json:"error,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

// EventError carries the failure details of an unsuccessful execution.
type EventError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Ack is the acknowledgement body the receiver returns. NextInstructions is
// an optional opaque payload the orchestrator can hand back to its caller.
type Ack struct {
	Acknowledged     bool            `json:"acknowledged"`
	NextInstructions json.RawMessage `json:"next_instructions,omitempty"`
}

// EventHandler processes one verified, deduplicated webhook event.
type EventHandler func(event Event) (Ack, error)

// Receiver verifies and deduplicates inbound TaskRelay webhooks.
// Delivery is at-least-once, so the receiver drops events it has already
// seen, keyed by (execution_id, event_type).
type Receiver struct {
	secret  string
	window  time.Duration
	handler EventHandler

	mu   sync.Mutex
	seen map[string]struct{}
}

// ReceiverOption customises the receiver.
type ReceiverOption func(*Receiver)

// WithTimestampWindow overrides the accepted clock drift.
func WithTimestampWindow(window time.Duration) ReceiverOption {
	return func(r *Receiver) {
		if window > 0 {
			r.window = window
		}
	}
}

// NewReceiver builds a webhook receiver that validates signatures with the
// given shared secret and forwards verified events to handler.
func NewReceiver(secret string, handler EventHandler, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		secret:  secret,
		window:  DefaultTimestampWindow,
		handler: handler,
		seen:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Sign computes the webhook signature over timestamp + body. Exposed so
// tests and alternative receivers can produce matching signatures.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature in constant time.
func VerifySignature(secret string, timestamp int64, body []byte, signature string) bool {
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ServeHTTP implements http.Handler so the receiver can be mounted directly
// on the orchestrator's webhook route.
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	timestamp, err := strconv.ParseInt(req.Header.Get(HeaderWebhookTimestamp), 10, 64)
	if err != nil {
		http.Error(w, "missing timestamp", http.StatusBadRequest)
		return
	}
	if drift := time.Since(time.Unix(timestamp, 0)); drift > r.window || drift < -r.window {
		http.Error(w, "timestamp outside accepted window", http.StatusUnauthorized)
		return
	}
	if !VerifySignature(r.secret, timestamp, body, req.Header.Get(HeaderWebhookSignature)) {
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "decode event", http.StatusBadRequest)
		return
	}

	// Duplicate deliveries are acknowledged without re-invoking the handler,
	// so retried webhooks stay side-effect free.
	if r.alreadySeen(event.ExecutionID, event.EventType) {
		writeAck(w, Ack{Acknowledged: true})
		return
	}

	ack, err := r.handler(event)
	if err != nil {
		r.forget(event.ExecutionID, event.EventType)
		http.Error(w, "handler failed", http.StatusInternalServerError)
		return
	}
	ack.Acknowledged = true
	writeAck(w, ack)
}

func (r *Receiver) alreadySeen(executionID, eventType string) bool {
	key := executionID + "\x00" + eventType
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[key]; ok {
		return true
	}
	r.seen[key] = struct{}{}
	return false
}

func (r *Receiver) forget(executionID, eventType string) {
	key := executionID + "\x00" + eventType
	r.mu.Lock()
	delete(r.seen, key)
	r.mu.Unlock()
}

func writeAck(w http.ResponseWriter, ack Ack) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ack)
}
