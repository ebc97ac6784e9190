package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}
	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithRunID(ctx, "run-1")
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithDepth(ctx, 2)

	if GetTraceID(ctx) != "trace-1" {
		t.Error("trace ID not stored")
	}
	if GetRunID(ctx) != "run-1" {
		t.Error("run ID not stored")
	}
	if GetRequestID(ctx) != "req-1" {
		t.Error("request ID not stored")
	}
	if GetDepth(ctx) != 2 {
		t.Error("depth not stored")
	}
}

func TestGettersOnEmptyContext(t *testing.T) {
	ctx := context.Background()

	if GetTraceID(ctx) != "" {
		t.Error("expected empty trace ID")
	}
	if GetRunID(ctx) != "" {
		t.Error("expected empty run ID")
	}
	if GetRequestID(ctx) != "" {
		t.Error("expected empty request ID")
	}
	if GetDepth(ctx) != 0 {
		t.Error("expected zero depth")
	}
}

func TestFromContextAndNewContext(t *testing.T) {
	tc := &TraceContext{TraceID: "t", RunID: "r", RequestID: "q", Depth: 1}

	ctx := NewContext(context.Background(), tc)
	got := FromContext(ctx)

	if *got != *tc {
		t.Errorf("round trip mismatch: got %+v want %+v", got, tc)
	}
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background(), "req-9")

	if GetTraceID(ctx) == "" {
		t.Error("expected a fresh trace ID")
	}
	if GetRequestID(ctx) != "req-9" {
		t.Error("request ID not set")
	}
}
