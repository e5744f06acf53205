package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestLoggerWritesEventKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "inventory", "test", "1.2.3", "debug").With(slog.String("queue", "inventory.events"))
	logger.Warn(context.Background(), "unhandled_routing_key", "no handler registered", slog.String("routing_key", "x.y"))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if rec["event"] != "unhandled_routing_key" || rec["level"] != "WARN" {
		t.Fatalf("unexpected record: %#v", rec)
	}
	if rec["service"] != "inventory" || rec["version"] != "1.2.3" || rec["queue"] != "inventory.events" {
		t.Fatalf("missing base attrs: %#v", rec)
	}
	if rec["msg"] != "no handler registered" || rec["routing_key"] != "x.y" {
		t.Fatalf("missing call attrs: %#v", rec)
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "svc", "test", "", "warn")
	logger.Info(context.Background(), "ignored", "below threshold")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %s", buf.String())
	}
}

func TestLoggerAddsTraceContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "kardex", "test", "", "info")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10},
		SpanID:     trace.SpanID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	logger.Info(ctx, "credit_sale_registered", "credit sale registered")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if rec["trace_id"] != sc.TraceID().String() || rec["span_id"] != sc.SpanID().String() {
		t.Fatalf("missing trace attrs: %#v", rec)
	}

	buf.Reset()
	logger.Info(context.Background(), "no_span", "no span in context")
	var plain map[string]any
	if err := json.Unmarshal(buf.Bytes(), &plain); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := plain["trace_id"]; ok {
		t.Fatalf("trace_id without a span: %#v", plain)
	}
}
