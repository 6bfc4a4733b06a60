package payload

import (
	"encoding/json"
	"testing"
)

func TestJSONObjectValidator(t *testing.T) {
	cases := []struct {
		name     string
		schemas  []string
		schemaID string
		data     string
		wantErr  bool
	}{
		{name: "object passes", data: `{"rows": 10}`},
		{name: "nested object passes", data: `{"input": {"uri": "s3://bucket/key"}}`},
		{name: "empty payload rejected", data: "", wantErr: true},
		{name: "array rejected", data: `[1, 2, 3]`, wantErr: true},
		{name: "scalar rejected", data: `"hello"`, wantErr: true},
		{name: "malformed rejected", data: `{"rows":`, wantErr: true},
		{name: "allowed schema passes", schemas: []string{"v1", "v2"}, schemaID: "v2", data: `{}`},
		{name: "unknown schema rejected", schemas: []string{"v1"}, schemaID: "v9", data: `{}`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := JSONObjectValidator{Type: "data_processing", Schemas: tc.schemas}
			err := v.Validate(tc.schemaID, json.RawMessage(tc.data))
			if tc.wantErr && err == nil {
				t.Fatalf("expected validation error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(nil); err == nil {
		t.Fatal("expected error for nil validator")
	}
	if err := r.Register(JSONObjectValidator{Type: "  "}); err == nil {
		t.Fatal("expected error for blank task type")
	}
	if err := r.Register(JSONObjectValidator{Type: "report_generation"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if !r.Supports("report_generation") {
		t.Fatal("registered task type not supported")
	}
	if r.Supports("data_processing") {
		t.Fatal("unregistered task type reported as supported")
	}
}

func TestRegistryTaskTypesSorted(t *testing.T) {
	r := NewRegistry()
	for _, taskType := range []string{"report_generation", "data_processing", "batch_import"} {
		if err := r.Register(JSONObjectValidator{Type: taskType}); err != nil {
			t.Fatalf("register %s: %v", taskType, err)
		}
	}
	got := r.TaskTypes()
	want := []string{"batch_import", "data_processing", "report_generation"}
	if len(got) != len(want) {
		t.Fatalf("got %d task types, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("task types = %v, want %v", got, want)
		}
	}
}

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(JSONObjectValidator{Type: "data_processing", Schemas: []string{"v1"}}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := r.Validate("unknown_type", "v1", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for unknown task type")
	}
	if err := r.Validate("data_processing", "v1", json.RawMessage(`{"a": 1}`)); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}
	if err := r.Validate("data_processing", "v2", json.RawMessage(`{"a": 1}`)); err == nil {
		t.Fatal("expected error for disallowed schema")
	}

	// A second Register for the same type replaces the binding.
	if err := r.Register(JSONObjectValidator{Type: "data_processing"}); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	if err := r.Validate("data_processing", "v2", json.RawMessage(`{"a": 1}`)); err != nil {
		t.Fatalf("replacement validator should accept any schema: %v", err)
	}
}
