package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

// Observer records counters, histograms and structured log lines for named
// operations. Every component embeds one; a nil Observer is a no-op.
type Observer struct {
	prefix  string
	logger  Logger
	metrics MetricsRecorder
	clock   Clock
}

func NewObserver(prefix string, logger Logger, metrics MetricsRecorder, clock Clock) *Observer {
	prefix = normalizeOperation(prefix)
	if prefix == "" {
		prefix = "authcache"
	}
	if metrics == nil {
		metrics = NopMetricsRecorder{}
	}
	return &Observer{
		prefix:  prefix,
		logger:  glog.Ensure(logger),
		metrics: metrics,
		clock:   ResolveClock(clock),
	}
}

// ResolveLogger applies provider > logger > nop precedence and returns the
// named logger for component.
func ResolveLogger(component string, provider LoggerProvider, logger Logger) Logger {
	resolvedProvider, resolved := glog.Resolve(component, provider, logger)
	resolved = glog.Ensure(resolved)
	if resolvedProvider != nil {
		if named := resolvedProvider.GetLogger(component); named != nil {
			resolved = glog.Ensure(named)
		}
	}
	return resolved
}

func (o *Observer) Logger() Logger {
	if o == nil {
		return glog.Nop()
	}
	return o.logger
}

func (o *Observer) Metrics() MetricsRecorder {
	if o == nil {
		return NopMetricsRecorder{}
	}
	return o.metrics
}

// Observe records the outcome of an operation started at startedAt.
func (o *Observer) Observe(
	ctx context.Context,
	startedAt time.Time,
	operation string,
	err error,
	fields map[string]any,
) {
	if o == nil {
		return
	}
	operation = normalizeOperation(operation)
	if operation == "" {
		operation = "unknown"
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	elapsed := o.clock().Sub(startedAt)

	contextFields := cloneFields(fields)
	contextFields["event_type"] = operation
	contextFields["status"] = status
	contextFields["duration_ms"] = elapsed.Milliseconds()
	if err != nil {
		contextFields["error"] = err.Error()
		if kind := KindOf(err); kind != "" {
			contextFields["error_kind"] = string(kind)
		}
		if code := ErrorCode(err); code != "" {
			contextFields["error_code"] = code
		}
	}

	tags := map[string]string{
		"operation": operation,
		"status":    status,
	}
	for _, key := range []string{"cache_outcome", "error_kind", "source", "policy"} {
		if value := strings.TrimSpace(fmt.Sprint(contextFields[key])); value != "" && value != "<nil>" {
			tags[key] = value
		}
	}

	o.metrics.IncCounter(ctx, o.prefix+"."+operation+".total", 1, cloneTags(tags))
	o.metrics.ObserveHistogram(ctx, o.prefix+"."+operation+".duration_ms", float64(elapsed.Milliseconds()), cloneTags(tags))

	if err != nil {
		o.Error(ctx, operation+" failed", contextFields)
		return
	}
	o.Debug(ctx, operation+" succeeded", contextFields)
}

func (o *Observer) Count(ctx context.Context, name string, tags map[string]string) {
	if o == nil {
		return
	}
	o.metrics.IncCounter(ctx, o.prefix+"."+normalizeOperation(name), 1, cloneTags(tags))
}

func (o *Observer) Debug(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "debug", message, fields)
}

func (o *Observer) Info(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "info", message, fields)
}

func (o *Observer) Warn(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "warn", message, fields)
}

func (o *Observer) Error(ctx context.Context, message string, fields map[string]any) {
	o.logWithLevel(ctx, "error", message, fields)
}

func (o *Observer) logWithLevel(ctx context.Context, level string, message string, fields map[string]any) {
	if o == nil || o.logger == nil {
		return
	}
	logger := o.logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	safe := RedactSensitiveMap(fields)
	if fieldsLogger, ok := logger.(FieldsLogger); ok {
		logger = fieldsLogger.WithFields(cloneFields(safe))
	}
	args := flattenFields(safe)
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "error":
		logger.Error(message, args...)
	case "warn":
		logger.Warn(message, args...)
	case "debug":
		logger.Debug(message, args...)
	default:
		logger.Info(message, args...)
	}
}

// StartMeasurement implements PerformanceClient on top of Observe.
func (o *Observer) StartMeasurement(_ context.Context, name string, correlationID string) Measurement {
	m := &measurement{
		observer: o,
		name:     name,
		fields:   map[string]any{},
	}
	if o != nil {
		m.startedAt = o.clock()
	}
	if correlationID = strings.TrimSpace(correlationID); correlationID != "" {
		m.fields["correlation_id"] = correlationID
	}
	return m
}

type measurement struct {
	mu        sync.Mutex
	observer  *Observer
	name      string
	startedAt time.Time
	fields    map[string]any
	ended     bool
}

func (m *measurement) Add(fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, value := range fields {
		m.fields[key] = value
	}
}

func (m *measurement) End(ctx context.Context, err error) {
	m.mu.Lock()
	if m.ended {
		m.mu.Unlock()
		return
	}
	m.ended = true
	fields := cloneFields(m.fields)
	m.mu.Unlock()
	m.observer.Observe(ctx, m.startedAt, m.name, err, fields)
}

func cloneFields(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return map[string]any{}
	}
	copied := make(map[string]any, len(fields))
	for key, value := range fields {
		copied[key] = value
	}
	return copied
}

func flattenFields(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, key, fields[key])
	}
	return args
}

func normalizeOperation(operation string) string {
	operation = strings.TrimSpace(strings.ToLower(operation))
	operation = strings.ReplaceAll(operation, " ", "_")
	operation = strings.ReplaceAll(operation, "-", "_")
	return operation
}

var _ PerformanceClient = (*Observer)(nil)
