package audit

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogSinkEmit(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	sink.Emit(context.Background(), &Event{
		Timestamp: time.Now(),
		RequestID: "req-1",
		API:       "orders/v1",
		Method:    "GET",
		Path:      "/orders/v1/orders/42",
		Status:    200,
		LatencyMS: 12,
	})

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != "req-1" {
		t.Errorf("expected request_id req-1, got %v", fields["request_id"])
	}
	if fields["api"] != "orders/v1" {
		t.Errorf("expected api orders/v1, got %v", fields["api"])
	}
	if fields["status"] != int64(200) {
		t.Errorf("expected status 200, got %v", fields["status"])
	}
}

func TestNopSink(t *testing.T) {
	var s Sink = NopSink{}
	s.Emit(context.Background(), &Event{RequestID: "x"})
	if err := s.Close(); err != nil {
		t.Errorf("unexpected close error: %v", err)
	}
}

func TestNewAMQPSinkRequiresURL(t *testing.T) {
	if _, err := NewAMQPSink("", "audit", "requests"); err == nil {
		t.Error("expected error for empty url")
	}
}
