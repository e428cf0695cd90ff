// Package logger implements the Logger Core (LOG): it materializes
// LogRecords, pulls the current TraceContext from CC, runs metadata
// through SAN, and hands the record to a pluggable Sink.
package logger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"obscore/internal/metrics"
	"obscore/pkg/obserrors"
	"obscore/pkg/security"
	"obscore/pkg/tracecontext"
	"obscore/pkg/types"
)

// sinkBox lets every Logger produced by WithContext share one mutable
// sink slot, so SetSink on any family member takes effect everywhere.
type sinkBox struct {
	mu   sync.RWMutex
	sink Sink
}

func (b *sinkBox) get() Sink {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sink
}

func (b *sinkBox) set(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = s
}

// metricsBox mirrors sinkBox so SetMetrics also propagates across a
// WithContext family; metrics are optional and nil until set.
type metricsBox struct {
	mu sync.RWMutex
	m  *metrics.Metrics
}

func (b *metricsBox) get() *metrics.Metrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.m
}

func (b *metricsBox) set(m *metrics.Metrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m = m
}

// Logger is the Logger Core. The zero value is not usable; construct
// with New.
type Logger struct {
	contextName string
	sanitizer   *security.Sanitizer
	sinks       *sinkBox
	fallback    *fallbackSink
	opsLog      *logrus.Logger
	metrics     *metricsBox
}

// New builds a Logger. sanitizer defaults to the production default
// policy when nil; sink defaults to NewStdoutSink(nil) when nil.
// opsLog is this package's own ambient diagnostic logger (sink
// failures), separate from the LogRecords the Logger Core produces for
// its sink; a nil opsLog simply skips that diagnostic line.
func New(sanitizer *security.Sanitizer, sink Sink, opsLog *logrus.Logger) *Logger {
	if sanitizer == nil {
		sanitizer = security.NewSanitizer(nil)
	}
	if sink == nil {
		sink = NewStdoutSink(nil)
	}
	return &Logger{
		sanitizer: sanitizer,
		sinks:     &sinkBox{sink: sink},
		fallback:  newFallbackSink(),
		opsLog:    opsLog,
		metrics:   &metricsBox{},
	}
}

// SetMetrics attaches a Prometheus-backed Metrics instance; every Emit
// call increments EmitTotal, and strict_mode rejections / sink failures
// increment their respective counters. Nil disables metrics reporting.
// Applies to this logger and every logger derived from it via
// WithContext.
func (l *Logger) SetMetrics(m *metrics.Metrics) {
	l.metrics.set(m)
}

// WithContext returns a child logger whose records carry name as their
// context label. The child shares this logger's sanitizer, sink slot,
// and fallback.
func (l *Logger) WithContext(name string) *Logger {
	return &Logger{
		contextName: name,
		sanitizer:   l.sanitizer,
		sinks:       l.sinks,
		fallback:    l.fallback,
		opsLog:      l.opsLog,
		metrics:     l.metrics,
	}
}

// SetSink swaps the active sink for this logger and every logger
// derived from it via WithContext.
func (l *Logger) SetSink(sink Sink) {
	l.sinks.set(sink)
}

// Emit materializes and delivers one LogRecord. It returns a
// PolicyViolation error (and skips the sink) only when the active
// policy has strict_mode on and the merged trace+metadata contains
// PII; every other failure, including a failing sink, is swallowed.
func (l *Logger) Emit(ctx context.Context, level types.Level, message string, metadata map[string]interface{}) error {
	trace := tracecontext.Current(ctx)
	merged := mergeTraceAndMetadata(trace, metadata)

	policy := l.sanitizer.Policy()
	if policy.StrictMode && l.sanitizer.ContainsPII(merged) {
		if m := l.metrics.get(); m != nil {
			m.PolicyViolationsTotal.Inc()
		}
		return obserrors.PolicyViolation("emit", "strict_mode: metadata contains PII").
			WithMetadata("level", string(level))
	}

	sanitizedMeta, _ := l.sanitizer.Sanitize(merged).(map[string]interface{})
	record := types.LogRecord{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		Context:   l.contextName,
		Trace:     trace,
		Metadata:  sanitizedMeta,
	}

	if m := l.metrics.get(); m != nil {
		m.EmitTotal.WithLabelValues(string(level)).Inc()
	}

	if err := l.sinks.get().Accept(record); err != nil {
		l.handleSinkFailure(record, err)
	}
	return nil
}

func (l *Logger) handleSinkFailure(record types.LogRecord, cause error) {
	wrapped := obserrors.SinkErr("emit", "sink accept failed").WithCause(cause)
	if l.opsLog != nil {
		l.opsLog.WithError(wrapped).Warn("log sink failed, falling back to stderr")
	}
	if m := l.metrics.get(); m != nil {
		m.SinkFailuresTotal.Inc()
	}
	l.fallback.write(record, cause)
}

func mergeTraceAndMetadata(trace types.TraceContext, metadata map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(trace)+len(metadata))
	for k, v := range trace {
		out[k] = v
	}
	for k, v := range metadata {
		out[k] = v
	}
	return out
}

func withField(metadata map[string]interface{}, key string, value interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out[key] = value
	return out
}

// Debug, Info, Warn, Error, HTTP and Verbose are the plain per-level
// emitters; the specialized emitters below compose a canonical message
// and metadata sub-object over Emit, per spec.md §4.3.

func (l *Logger) Debug(ctx context.Context, message string, metadata map[string]interface{}) error {
	return l.Emit(ctx, types.LevelDebug, message, metadata)
}

func (l *Logger) Verbose(ctx context.Context, message string, metadata map[string]interface{}) error {
	return l.Emit(ctx, types.LevelVerbose, message, metadata)
}

func (l *Logger) Info(ctx context.Context, message string, metadata map[string]interface{}) error {
	return l.Emit(ctx, types.LevelInfo, message, metadata)
}

func (l *Logger) Warn(ctx context.Context, message string, metadata map[string]interface{}) error {
	return l.Emit(ctx, types.LevelWarn, message, metadata)
}

func (l *Logger) Error(ctx context.Context, message string, metadata map[string]interface{}) error {
	return l.Emit(ctx, types.LevelError, message, metadata)
}

func (l *Logger) HTTP(ctx context.Context, message string, metadata map[string]interface{}) error {
	return l.Emit(ctx, types.LevelHTTP, message, metadata)
}

// StepBegin, StepProgress, StepComplete and StepFailed log the phases of
// a long-running unit of work.

func (l *Logger) StepBegin(ctx context.Context, step string, metadata map[string]interface{}) error {
	return l.Emit(ctx, types.LevelInfo, fmt.Sprintf("step begin: %s", step), withField(metadata, "step", step))
}

func (l *Logger) StepProgress(ctx context.Context, step string, percent float64, metadata map[string]interface{}) error {
	md := withField(metadata, "step", step)
	md["percent"] = percent
	return l.Emit(ctx, types.LevelInfo, fmt.Sprintf("step progress: %s (%.0f%%)", step, percent), md)
}

func (l *Logger) StepComplete(ctx context.Context, step string, metadata map[string]interface{}) error {
	return l.Emit(ctx, types.LevelInfo, fmt.Sprintf("step complete: %s", step), withField(metadata, "step", step))
}

func (l *Logger) StepFailed(ctx context.Context, step string, cause error, metadata map[string]interface{}) error {
	md := withField(metadata, "step", step)
	if cause != nil {
		md["error"] = cause.Error()
	}
	return l.Emit(ctx, types.LevelError, fmt.Sprintf("step failed: %s", step), md)
}

// HTTPRequest and HTTPResponse log one HTTP exchange. HTTPResponse's
// severity is fixed by status code: 5xx is error, 4xx is warn, else info.
func (l *Logger) HTTPRequest(ctx context.Context, method, path string, metadata map[string]interface{}) error {
	md := withField(metadata, "method", method)
	md["path"] = path
	return l.Emit(ctx, types.LevelHTTP, fmt.Sprintf("%s %s", method, path), md)
}

func (l *Logger) HTTPResponse(ctx context.Context, method, path string, statusCode int, durationMs float64, metadata map[string]interface{}) error {
	md := withField(metadata, "method", method)
	md["path"] = path
	md["status_code"] = statusCode
	md["duration_ms"] = durationMs
	level := types.LevelInfo
	switch {
	case statusCode >= 500:
		level = types.LevelError
	case statusCode >= 400:
		level = types.LevelWarn
	}
	return l.Emit(ctx, level, fmt.Sprintf("%s %s -> %d", method, path, statusCode), md)
}

// Retry logs one retry attempt; the final attempt logs as error, all
// others as warn.
func (l *Logger) Retry(ctx context.Context, operation string, attempt, maxAttempts int, cause error, metadata map[string]interface{}) error {
	md := withField(metadata, "operation", operation)
	md["attempt"] = attempt
	md["max_attempts"] = maxAttempts
	if cause != nil {
		md["error"] = cause.Error()
	}
	level := types.LevelWarn
	if attempt >= maxAttempts {
		level = types.LevelError
	}
	return l.Emit(ctx, level, fmt.Sprintf("retry %d/%d: %s", attempt, maxAttempts, operation), md)
}

// Exception logs an unhandled error at error severity.
func (l *Logger) Exception(ctx context.Context, message string, cause error, metadata map[string]interface{}) error {
	md := withField(metadata, "error", cause.Error())
	md["error_type"] = fmt.Sprintf("%T", cause)
	return l.Emit(ctx, types.LevelError, message, md)
}

func (l *Logger) WebhookIn(ctx context.Context, source string, metadata map[string]interface{}) error {
	return l.Emit(ctx, types.LevelInfo, fmt.Sprintf("webhook in: %s", source), withField(metadata, "source", source))
}

func (l *Logger) WebhookOut(ctx context.Context, target string, metadata map[string]interface{}) error {
	return l.Emit(ctx, types.LevelInfo, fmt.Sprintf("webhook out: %s", target), withField(metadata, "target", target))
}

// WebsocketEvent's severity follows the event name: "error" is error,
// "disconnect" is warn, everything else (connect, message, ...) is info.
func (l *Logger) WebsocketEvent(ctx context.Context, event string, metadata map[string]interface{}) error {
	level := types.LevelInfo
	switch event {
	case "error":
		level = types.LevelError
	case "disconnect":
		level = types.LevelWarn
	}
	return l.Emit(ctx, level, fmt.Sprintf("websocket %s", event), withField(metadata, "event", event))
}

// DatabaseOp logs a database call; operations at or above one second
// log as warn, faster ones as debug.
func (l *Logger) DatabaseOp(ctx context.Context, operation string, durationMs float64, metadata map[string]interface{}) error {
	md := withField(metadata, "operation", operation)
	md["duration_ms"] = durationMs
	level := types.LevelDebug
	if durationMs >= 1000 {
		level = types.LevelWarn
	}
	return l.Emit(ctx, level, fmt.Sprintf("database op: %s (%.1fms)", operation, durationMs), md)
}

func (l *Logger) CacheOp(ctx context.Context, operation string, hit bool, metadata map[string]interface{}) error {
	md := withField(metadata, "operation", operation)
	md["hit"] = hit
	return l.Emit(ctx, types.LevelDebug, fmt.Sprintf("cache %s (hit=%v)", operation, hit), md)
}

func (l *Logger) QueueOp(ctx context.Context, operation, queue string, metadata map[string]interface{}) error {
	md := withField(metadata, "operation", operation)
	md["queue"] = queue
	return l.Emit(ctx, types.LevelDebug, fmt.Sprintf("queue %s: %s", operation, queue), md)
}

// ExternalAPI's severity follows statusCode the same way HTTPResponse's
// does.
func (l *Logger) ExternalAPI(ctx context.Context, service string, statusCode int, durationMs float64, metadata map[string]interface{}) error {
	md := withField(metadata, "service", service)
	md["status_code"] = statusCode
	md["duration_ms"] = durationMs
	level := types.LevelInfo
	switch {
	case statusCode >= 500:
		level = types.LevelError
	case statusCode >= 400:
		level = types.LevelWarn
	}
	return l.Emit(ctx, level, fmt.Sprintf("external api %s -> %d", service, statusCode), md)
}

func (l *Logger) AuthEvent(ctx context.Context, event string, success bool, metadata map[string]interface{}) error {
	md := withField(metadata, "event", event)
	md["success"] = success
	level := types.LevelInfo
	if !success {
		level = types.LevelWarn
	}
	return l.Emit(ctx, level, fmt.Sprintf("auth %s (success=%v)", event, success), md)
}

func (l *Logger) FileOp(ctx context.Context, operation, path string, metadata map[string]interface{}) error {
	md := withField(metadata, "operation", operation)
	md["path"] = path
	return l.Emit(ctx, types.LevelDebug, fmt.Sprintf("file %s: %s", operation, path), md)
}

// Payment logs a payment attempt at error severity on failure, info on
// success.
func (l *Logger) Payment(ctx context.Context, provider string, amountCents int64, currency string, success bool, metadata map[string]interface{}) error {
	md := withField(metadata, "provider", provider)
	md["amount_cents"] = amountCents
	md["currency"] = currency
	md["success"] = success
	level := types.LevelInfo
	if !success {
		level = types.LevelError
	}
	return l.Emit(ctx, level, fmt.Sprintf("payment via %s (success=%v)", provider, success), md)
}
