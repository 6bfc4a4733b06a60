// Package payload provides pluggable, task-type-specific validation for
// opaque task payload envelopes. The core pipeline never interprets payload
// internals; it only asks the registered validator whether the envelope is
// acceptable for its task type.
package payload

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Validator checks the shape of a payload envelope for one task type.
type Validator interface {
	// TaskType returns the task type this validator is bound to.
	TaskType() string
	// Validate inspects the envelope and returns an error when the payload
	// cannot be handed to an executor of this task type.
	Validate(schemaID string, data json.RawMessage) error
}

// Registry maps task types to their validators.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]Validator
}

// NewRegistry creates an empty validator registry.
func NewRegistry() *Registry {
	return &Registry{validators: make(map[string]Validator)}
}

// Register binds a validator to its task type, replacing any previous binding.
func (r *Registry) Register(v Validator) error {
	if v == nil {
		return fmt.Errorf("validator 不能为空")
	}
	taskType := strings.TrimSpace(v.TaskType())
	if taskType == "" {
		return fmt.Errorf("validator 的任务类型不能为空")
	}
	r.mu.Lock()
	r.validators[taskType] = v
	r.mu.Unlock()
	return nil
}

// Supports reports whether a validator is registered for the task type.
func (r *Registry) Supports(taskType string) bool {
	r.mu.RLock()
	_, ok := r.validators[taskType]
	r.mu.RUnlock()
	return ok
}

// TaskTypes returns the sorted list of registered task types.
func (r *Registry) TaskTypes() []string {
	r.mu.RLock()
	types := make([]string, 0, len(r.validators))
	for taskType := range r.validators {
		types = append(types, taskType)
	}
	r.mu.RUnlock()
	sort.Strings(types)
	return types
}

// Validate runs the task type's validator against the envelope.
func (r *Registry) Validate(taskType, schemaID string, data json.RawMessage) error {
	r.mu.RLock()
	v, ok := r.validators[taskType]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("不支持的任务类型: %s", taskType)
	}
	return v.Validate(schemaID, data)
}

// JSONObjectValidator accepts any well-formed JSON object payload, optionally
// restricted to a set of schema IDs. It is the default validator for task
// types without bespoke shape requirements.
type JSONObjectValidator struct {
	Type    string
	Schemas []string
}

// TaskType implements Validator.
func (v JSONObjectValidator) TaskType() string { return v.Type }

// Validate implements Validator.
func (v JSONObjectValidator) Validate(schemaID string, data json.RawMessage) error {
	if len(v.Schemas) > 0 {
		matched := false
		for _, allowed := range v.Schemas {
			if schemaID == allowed {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("任务类型 %s 不接受 schema %q", v.Type, schemaID)
		}
	}
	if len(data) == 0 {
		return fmt.Errorf("payload 不能为空")
	}
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(data, &shape); err != nil {
		return fmt.Errorf("payload 必须是 JSON 对象: %w", err)
	}
	return nil
}

var _ Validator = JSONObjectValidator{}
