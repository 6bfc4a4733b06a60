package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"TaskRelay/sdk/go/taskrelay"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/execute-task", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(taskrelay.Admission{
			Status:        "queued",
			TaskID:        "task-demo",
			ExecutionID:   "exec-demo",
			QueuePosition: 1,
		})
	})
	mux.HandleFunc("/api/v2/task-status/task-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(taskrelay.TaskStatus{
			TaskID:     "task-demo",
			State:      "completed",
			Percentage: 100,
			Result:     json.RawMessage(`{"artifact_uri":"s3://bucket/output.json"}`),
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := taskrelay.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	client.SetAPIKey("orch-main.s3cret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	admission, err := client.SubmitTask(ctx, taskrelay.TaskSubmission{
		TaskID:         "task-demo",
		TaskType:       "data_processing",
		TimeoutSeconds: 300,
		Payload: taskrelay.PayloadEnvelope{
			SchemaID: "v1",
			Data:     json.RawMessage(`{"rows":100}`),
		},
		Notification: taskrelay.NotificationConfig{
			WebhookURL: "http://orchestrator.internal/webhook",
			Secret:     "hook-secret",
		},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted task %s (execution=%s position=%d)\n",
		admission.TaskID, admission.ExecutionID, admission.QueuePosition)

	status, err := client.GetTaskStatus(ctx, admission.TaskID, false)
	if err != nil {
		panic(err)
	}
	fmt.Printf("task %s state=%s result=%s\n", status.TaskID, status.State, status.Result)

	// A webhook receiver verifies signatures and dedupes redeliveries.
	receiver := taskrelay.NewReceiver("hook-secret", func(event taskrelay.Event) (taskrelay.Ack, error) {
		fmt.Printf("webhook event %s for execution %s\n", event.EventType, event.ExecutionID)
		return taskrelay.Ack{}, nil
	})
	hookSrv := httptest.NewServer(receiver)
	defer hookSrv.Close()
	fmt.Printf("webhook receiver listening at %s\n", hookSrv.URL)
}
