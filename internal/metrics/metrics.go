// Package metrics provides in-process run metrics for scriptwatch.
//
// This package implements:
// - Operation timing (launch, reap, sidecar read)
// - Error tracking by type and code
// - Child lifecycle counters (launched, exited, signaled, poll errors)
// - Integration with structured logging
//
// Example usage:
//
//	monitor := metrics.NewMonitor()
//	err := monitor.TrackOperation(ctx, "launch", func() error {
//		return startChild()
//	})
//	monitor.RecordDisposition(signaled, exitCode, runtime)
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Monitor collects metrics for a single supervisor run. It is safe for
// concurrent use although the supervisor itself only touches it from one
// goroutine.
type Monitor struct {
	logger *slog.Logger
	mu     sync.RWMutex

	operations map[string]*OperationMetrics
	errors     map[string]*ErrorMetrics
	children   ChildMetrics
}

// OperationMetrics tracks metrics for specific operations
type OperationMetrics struct {
	Name            string        `json:"name"`
	Count           int64         `json:"count"`
	TotalDuration   time.Duration `json:"total_duration"`
	AverageDuration time.Duration `json:"average_duration"`
	MinDuration     time.Duration `json:"min_duration"`
	MaxDuration     time.Duration `json:"max_duration"`
	LastExecution   time.Time     `json:"last_execution"`
	Errors          int64         `json:"errors"`
	Successes       int64         `json:"successes"`
}

// ErrorMetrics tracks error occurrences and patterns
type ErrorMetrics struct {
	Type         string    `json:"type"`
	Code         string    `json:"code"`
	Count        int64     `json:"count"`
	LastOccurred time.Time `json:"last_occurred"`
	Component    string    `json:"component"`
	Message      string    `json:"message"`
}

// ChildMetrics tracks child lifecycle counters
type ChildMetrics struct {
	Launched       int64         `json:"launched"`
	Reaped         int64         `json:"reaped"`
	Exited         int64         `json:"exited"`
	Signaled       int64         `json:"signaled"`
	NonZeroExits   int64         `json:"non_zero_exits"`
	PollErrors     int64         `json:"poll_errors"`
	PollIterations int64         `json:"poll_iterations"`
	TotalRuntime   time.Duration `json:"total_runtime"`
	LongestRuntime time.Duration `json:"longest_runtime"`
}

// NewMonitor creates a new monitor
func NewMonitor() *Monitor {
	return &Monitor{
		operations: make(map[string]*OperationMetrics),
		errors:     make(map[string]*ErrorMetrics),
	}
}

// SetLogger sets the logger for metrics output
func (m *Monitor) SetLogger(logger *slog.Logger) {
	m.logger = logger.With(slog.String("component", "metrics"))
}

// TrackOperation times fn and records it under operation
func (m *Monitor) TrackOperation(ctx context.Context, operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	duration := time.Since(start)

	m.recordOperation(operation, duration, err == nil)

	if m.logger != nil {
		level := slog.LevelDebug
		status := "success"
		if err != nil {
			level = slog.LevelWarn
			status = "error"
		}

		m.logger.LogAttrs(ctx, level, "Operation completed",
			slog.String("operation", operation),
			slog.Duration("duration", duration),
			slog.String("status", status),
		)
	}

	return err
}

// recordOperation records operation metrics
func (m *Monitor) recordOperation(name string, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics, exists := m.operations[name]
	if !exists {
		metrics = &OperationMetrics{
			Name:        name,
			MinDuration: duration,
			MaxDuration: duration,
		}
		m.operations[name] = metrics
	}

	metrics.Count++
	metrics.TotalDuration += duration
	metrics.LastExecution = time.Now()

	if duration < metrics.MinDuration {
		metrics.MinDuration = duration
	}
	if duration > metrics.MaxDuration {
		metrics.MaxDuration = duration
	}

	metrics.AverageDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)

	if success {
		metrics.Successes++
	} else {
		metrics.Errors++
	}
}

// TrackError tracks error occurrences
func (m *Monitor) TrackError(ctx context.Context, errorType, code, component, message string) {
	key := errorType + ":" + code

	m.mu.Lock()
	errorMetrics, exists := m.errors[key]
	if !exists {
		errorMetrics = &ErrorMetrics{
			Type:      errorType,
			Code:      code,
			Component: component,
			Message:   message,
		}
		m.errors[key] = errorMetrics
	}

	errorMetrics.Count++
	errorMetrics.LastOccurred = time.Now()
	count := errorMetrics.Count
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.DebugContext(ctx, "Error tracked",
			slog.String("error_type", errorType),
			slog.String("error_code", code),
			slog.String("component", component),
			slog.Int64("count", count),
			slog.String("message", message),
		)
	}
}

// RecordLaunch counts a successfully spawned child
func (m *Monitor) RecordLaunch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.children.Launched++
}

// RecordPollIteration counts one walk over the registry
func (m *Monitor) RecordPollIteration() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.children.PollIterations++
}

// RecordPollError counts a transient status query failure
func (m *Monitor) RecordPollError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.children.PollErrors++
}

// RecordDisposition counts a reaped child. exitCode is the reported code,
// signaled tells whether the child was killed by a signal.
func (m *Monitor) RecordDisposition(signaled bool, exitCode int, runtime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.children.Reaped++
	if signaled {
		m.children.Signaled++
	} else {
		m.children.Exited++
	}
	if exitCode != 0 {
		m.children.NonZeroExits++
	}

	m.children.TotalRuntime += runtime
	if runtime > m.children.LongestRuntime {
		m.children.LongestRuntime = runtime
	}
}

// GetOperationMetrics returns metrics for a specific operation
func (m *Monitor) GetOperationMetrics(operation string) *OperationMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if metrics, exists := m.operations[operation]; exists {
		copy := *metrics
		return &copy
	}
	return nil
}

// GetErrorMetrics returns all error metrics
func (m *Monitor) GetErrorMetrics() map[string]*ErrorMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*ErrorMetrics)
	for key, metrics := range m.errors {
		copy := *metrics
		result[key] = &copy
	}
	return result
}

// GetChildMetrics returns a snapshot of the child counters
func (m *Monitor) GetChildMetrics() ChildMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.children
}

// LogMetricsSummary logs a summary of all collected metrics
func (m *Monitor) LogMetricsSummary(ctx context.Context) {
	if m.logger == nil {
		return
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for name, metrics := range m.operations {
		m.logger.DebugContext(ctx, "Operation metrics",
			slog.String("operation", name),
			slog.Int64("count", metrics.Count),
			slog.Duration("avg_duration", metrics.AverageDuration),
			slog.Duration("min_duration", metrics.MinDuration),
			slog.Duration("max_duration", metrics.MaxDuration),
			slog.Int64("errors", metrics.Errors),
		)
	}

	for _, metrics := range m.errors {
		m.logger.DebugContext(ctx, "Error metrics",
			slog.String("error_type", metrics.Type),
			slog.String("error_code", metrics.Code),
			slog.String("component", metrics.Component),
			slog.Int64("count", metrics.Count),
			slog.Time("last_occurred", metrics.LastOccurred),
		)
	}

	m.logger.InfoContext(ctx, "Run metrics",
		slog.Int64("launched", m.children.Launched),
		slog.Int64("reaped", m.children.Reaped),
		slog.Int64("exited", m.children.Exited),
		slog.Int64("signaled", m.children.Signaled),
		slog.Int64("non_zero_exits", m.children.NonZeroExits),
		slog.Int64("poll_errors", m.children.PollErrors),
		slog.Int64("poll_iterations", m.children.PollIterations),
		slog.Duration("longest_runtime", m.children.LongestRuntime),
	)
}

// Timer provides convenient timing functionality
type Timer struct {
	start     time.Time
	operation string
	monitor   *Monitor
}

// NewTimer creates a new timer for an operation
func NewTimer(operation string, monitor *Monitor) *Timer {
	return &Timer{
		start:     time.Now(),
		operation: operation,
		monitor:   monitor,
	}
}

// Stop stops the timer and records the outcome
func (t *Timer) Stop(err error) time.Duration {
	duration := time.Since(t.start)
	t.monitor.recordOperation(t.operation, duration, err == nil)
	return duration
}
