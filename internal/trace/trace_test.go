package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/heron/internal/domain"
)

func event(name string) domain.TraceEvent {
	return domain.TraceEvent{
		RequestID: "req-001",
		Stage:     domain.StageSearch,
		Name:      name,
		At:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Attrs:     map[string]any{"net_refund": int64(22_100_000), "mode": "exhaustive"},
	}
}

func TestRecorder(t *testing.T) {
	rec := NewRecorder()
	rec.Record(context.Background(), event(domain.EventStageStarted))
	rec.Record(context.Background(), event(domain.EventSelected))

	events := rec.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Name != domain.EventStageStarted || events[1].Name != domain.EventSelected {
		t.Errorf("expected events in order, got %s, %s", events[0].Name, events[1].Name)
	}

	events[0].Name = "mutated"
	if rec.Events()[0].Name != domain.EventStageStarted {
		t.Error("Events should return a copy")
	}
}

func TestMulti(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	sink := Multi{a, nil, b, Nop{}}

	sink.Record(context.Background(), event(domain.EventRefundComputed))

	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Errorf("expected fan-out to both recorders, got %d and %d", len(a.Events()), len(b.Events()))
	}
}

func TestLogger(t *testing.T) {
	t.Run("WritesStructuredRecord", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

		l.Record(context.Background(), event(domain.EventSelected))

		var rec map[string]any
		if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
			t.Fatalf("expected one JSON record, got %q: %v", buf.String(), err)
		}
		if rec["msg"] != domain.EventSelected || rec["request_id"] != "req-001" || rec["stage"] != "M5" {
			t.Errorf("unexpected record %v", rec)
		}
		if rec["mode"] != "exhaustive" {
			t.Errorf("expected event attributes, got %v", rec)
		}
	})

	t.Run("SkipsBelowLevel", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))

		l.Record(context.Background(), event(domain.EventSelected))
		if buf.Len() != 0 {
			t.Errorf("expected nothing at info level, got %q", buf.String())
		}
	})
}

func TestSpanWithoutRecordingSpan(t *testing.T) {
	// Must be a no-op on a bare context.
	Span{}.Record(context.Background(), event(domain.EventFixedPoint))
}

func TestToAttribute(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want attribute.Type
	}{
		{"string", "x", attribute.STRING},
		{"bool", true, attribute.BOOL},
		{"int", 5, attribute.INT64},
		{"int64", int64(5), attribute.INT64},
		{"float", 1.5, attribute.FLOAT64},
		{"strings", []string{"§24"}, attribute.STRINGSLICE},
		{"stringer", 2 * time.Second, attribute.STRING},
		{"other", map[string]int{"a": 1}, attribute.STRING},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toAttribute("k", tt.v).Value.Type(); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestSpanAttributesSorted(t *testing.T) {
	attrs := spanAttributes(event(domain.EventSelected))
	if len(attrs) != 4 {
		t.Fatalf("expected 4 attributes, got %d", len(attrs))
	}
	if attrs[2].Key != "mode" || attrs[3].Key != "net_refund" {
		t.Errorf("expected event attributes in key order, got %v", attrs)
	}
}
