package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type taskCollector struct {
	mu         sync.Mutex
	admissions map[string]uint64
	outcomes   map[string]uint64
	deliveries map[string]uint64
}

var taskMetrics = &taskCollector{
	admissions: make(map[string]uint64),
	outcomes:   make(map[string]uint64),
	deliveries: make(map[string]uint64),
}

// ObserveAdmission records the outcome of a task admission attempt
// (queued, rejected, conflict, validation_failed).
func ObserveAdmission(result string) {
	taskMetrics.mu.Lock()
	taskMetrics.admissions[result]++
	taskMetrics.mu.Unlock()
}

// ObserveExecutionOutcome records a terminal execution event
// (task_completed, task_failed, task_timeout, task_cancelled).
func ObserveExecutionOutcome(event string) {
	taskMetrics.mu.Lock()
	taskMetrics.outcomes[event]++
	taskMetrics.mu.Unlock()
}

// ObserveDelivery records the result of a webhook delivery attempt
// (delivered, retry, failed).
func ObserveDelivery(status string) {
	taskMetrics.mu.Lock()
	taskMetrics.deliveries[status]++
	taskMetrics.mu.Unlock()
}

func (c *taskCollector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var builder strings.Builder
	builder.Grow(512)

	writeCounter := func(name, help, label string, values map[string]uint64) {
		builder.WriteString("# HELP " + name + " " + help + "\n")
		builder.WriteString("# TYPE " + name + " counter\n")
		keys := make([]string, 0, len(values))
		for key := range values {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			builder.WriteString(fmt.Sprintf("%s{%s=\"%s\"} %d\n", name, label, escape(key), values[key]))
		}
	}

	writeCounter("taskrelay_admissions_total",
		"Total number of task admission attempts by outcome.",
		"result", c.admissions)
	writeCounter("taskrelay_execution_outcomes_total",
		"Total number of terminal execution events by type.",
		"event", c.outcomes)
	writeCounter("taskrelay_webhook_deliveries_total",
		"Total number of webhook delivery attempts by result.",
		"status", c.deliveries)

	return builder.String()
}
