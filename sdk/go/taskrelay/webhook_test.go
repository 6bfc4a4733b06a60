package taskrelay

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func deliverEvent(t *testing.T, receiver *Receiver, secret string, timestamp int64, event Event) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(HeaderWebhookTimestamp, strconv.FormatInt(timestamp, 10))
	req.Header.Set(HeaderWebhookSignature, Sign(secret, timestamp, body))
	req.Header.Set(HeaderDeliveryID, "dlv-1")
	rec := httptest.NewRecorder()
	receiver.ServeHTTP(rec, req)
	return rec
}

func TestReceiverAcknowledgesVerifiedEvent(t *testing.T) {
	var handled []Event
	receiver := NewReceiver("hook-secret", func(event Event) (Ack, error) {
		handled = append(handled, event)
		return Ack{NextInstructions: json.RawMessage(`{"action":"noop"}`)}, nil
	})

	event := Event{
		EventType:   "task_completed",
		TaskID:      "task-1",
		ExecutionID: "exec-1",
		Status:      "completed",
		Timestamp:   time.Now().Unix(),
	}
	rec := deliverEvent(t, receiver, "hook-secret", time.Now().Unix(), event)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var ack Ack
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !ack.Acknowledged || string(ack.NextInstructions) != `{"action":"noop"}` {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if len(handled) != 1 || handled[0].ExecutionID != "exec-1" {
		t.Fatalf("handler events: %+v", handled)
	}
}

func TestReceiverDedupesRedelivery(t *testing.T) {
	calls := 0
	receiver := NewReceiver("hook-secret", func(Event) (Ack, error) {
		calls++
		return Ack{}, nil
	})

	event := Event{EventType: "task_completed", ExecutionID: "exec-dup"}
	now := time.Now().Unix()
	for i := 0; i < 3; i++ {
		rec := deliverEvent(t, receiver, "hook-secret", now, event)
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d status = %d", i, rec.Code)
		}
	}
	if calls != 1 {
		t.Fatalf("handler calls = %d, want 1", calls)
	}

	// A different event type for the same execution is not deduplicated.
	other := Event{EventType: "task_failed", ExecutionID: "exec-dup"}
	if rec := deliverEvent(t, receiver, "hook-secret", now, other); rec.Code != http.StatusOK {
		t.Fatalf("other event status = %d", rec.Code)
	}
	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2", calls)
	}
}

func TestReceiverRejectsBadSignature(t *testing.T) {
	receiver := NewReceiver("hook-secret", func(Event) (Ack, error) {
		t.Fatal("handler must not run for forged events")
		return Ack{}, nil
	})

	event := Event{EventType: "task_completed", ExecutionID: "exec-forged"}
	rec := deliverEvent(t, receiver, "wrong-secret", time.Now().Unix(), event)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestReceiverRejectsStaleTimestamp(t *testing.T) {
	receiver := NewReceiver("hook-secret", func(Event) (Ack, error) {
		t.Fatal("handler must not run for stale events")
		return Ack{}, nil
	})

	stale := time.Now().Add(-10 * time.Minute).Unix()
	event := Event{EventType: "task_completed", ExecutionID: "exec-stale"}
	rec := deliverEvent(t, receiver, "hook-secret", stale, event)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestReceiverRetriesAfterHandlerFailure(t *testing.T) {
	failures := 1
	calls := 0
	receiver := NewReceiver("hook-secret", func(Event) (Ack, error) {
		calls++
		if failures > 0 {
			failures--
			return Ack{}, errFailed
		}
		return Ack{}, nil
	})

	event := Event{EventType: "task_completed", ExecutionID: "exec-retry"}
	now := time.Now().Unix()

	if rec := deliverEvent(t, receiver, "hook-secret", now, event); rec.Code != http.StatusInternalServerError {
		t.Fatalf("first delivery status = %d, want 500", rec.Code)
	}
	// Failed deliveries do not count as seen, so a retry reaches the handler.
	if rec := deliverEvent(t, receiver, "hook-secret", now, event); rec.Code != http.StatusOK {
		t.Fatalf("second delivery status = %d, want 200", rec.Code)
	}
	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2", calls)
	}
}

var errFailed = &APIError{StatusCode: 500, Message: "handler failed"}
