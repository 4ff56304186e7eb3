// Package trace provides the calculation trace sinks the pipeline reports
// through: structured logs, OpenTelemetry span events and an in-memory
// recorder used to persist the calculation log.
package trace

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/heron/internal/domain"
)

// Nop discards every event.
type Nop struct{}

// Record implements domain.TraceSink.
func (Nop) Record(context.Context, domain.TraceEvent) {}

// Logger writes events as structured log records.
type Logger struct {
	log   *slog.Logger
	level slog.Level
}

// NewLogger logs events at debug level. A nil logger uses slog.Default.
func NewLogger(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.Default()
	}
	return &Logger{log: l, level: slog.LevelDebug}
}

// Record implements domain.TraceSink.
func (l *Logger) Record(ctx context.Context, ev domain.TraceEvent) {
	if !l.log.Enabled(ctx, l.level) {
		return
	}
	attrs := []slog.Attr{
		slog.String("request_id", ev.RequestID),
		slog.String("stage", string(ev.Stage)),
	}
	for _, k := range sortedKeys(ev.Attrs) {
		attrs = append(attrs, slog.Any(k, ev.Attrs[k]))
	}
	l.log.LogAttrs(ctx, l.level, ev.Name, attrs...)
}

// Span adds events to the span carried by the context. Contexts without a
// recording span are ignored.
type Span struct{}

// Record implements domain.TraceSink.
func (Span) Record(ctx context.Context, ev domain.TraceEvent) {
	span := oteltrace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.AddEvent(ev.Name,
		oteltrace.WithTimestamp(ev.At),
		oteltrace.WithAttributes(spanAttributes(ev)...),
	)
}

func spanAttributes(ev domain.TraceEvent) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("request.id", ev.RequestID),
		attribute.String("stage", string(ev.Stage)),
	}
	for _, k := range sortedKeys(ev.Attrs) {
		attrs = append(attrs, toAttribute(k, ev.Attrs[k]))
	}
	return attrs
}

func toAttribute(k string, v any) attribute.KeyValue {
	switch x := v.(type) {
	case string:
		return attribute.String(k, x)
	case bool:
		return attribute.Bool(k, x)
	case int:
		return attribute.Int(k, x)
	case int64:
		return attribute.Int64(k, x)
	case float64:
		return attribute.Float64(k, x)
	case []string:
		return attribute.StringSlice(k, x)
	case fmt.Stringer:
		return attribute.String(k, x.String())
	}
	return attribute.String(k, fmt.Sprint(v))
}

// Recorder keeps events in memory so they can be saved with the analysis.
type Recorder struct {
	mu     sync.Mutex
	events []domain.TraceEvent
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record implements domain.TraceSink.
func (r *Recorder) Record(_ context.Context, ev domain.TraceEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events in order.
func (r *Recorder) Events() []domain.TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TraceEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Multi fans an event out to several sinks in order.
type Multi []domain.TraceSink

// Record implements domain.TraceSink.
func (m Multi) Record(ctx context.Context, ev domain.TraceEvent) {
	for _, s := range m {
		if s != nil {
			s.Record(ctx, ev)
		}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
