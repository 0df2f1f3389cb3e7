// Package audit emits one structured event per gateway request to a
// configurable sink.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Event is the per-request audit record. Field names are stable; log
// pipelines key on them.
type Event struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
	API          string    `json:"api,omitempty"`
	EndpointID   string    `json:"endpoint_id,omitempty"`
	Protocol     string    `json:"protocol,omitempty"`
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	ClientIP     string    `json:"client_ip,omitempty"`
	Subject      string    `json:"subject,omitempty"`
	Status       int       `json:"status"`
	ErrorCode    string    `json:"error_code,omitempty"`
	LatencyMS    int64     `json:"latency_ms"`
	BytesIn      int64     `json:"bytes_in"`
	BytesOut     int64     `json:"bytes_out"`
	Retries      int       `json:"retries,omitempty"`
	UpstreamAddr string    `json:"upstream_addr,omitempty"`
}

// Sink receives audit events. Emit must not block the request path
// beyond a short publish timeout.
type Sink interface {
	Emit(ctx context.Context, ev *Event)
	Close() error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(context.Context, *Event) {}
func (NopSink) Close() error                 { return nil }

// LogSink writes events through a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps a logger. The caller keeps ownership of it.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, ev *Event) {
	s.logger.Info("request",
		zap.Time("timestamp", ev.Timestamp),
		zap.String("request_id", ev.RequestID),
		zap.String("api", ev.API),
		zap.String("endpoint_id", ev.EndpointID),
		zap.String("protocol", ev.Protocol),
		zap.String("method", ev.Method),
		zap.String("path", ev.Path),
		zap.String("client_ip", ev.ClientIP),
		zap.String("subject", ev.Subject),
		zap.Int("status", ev.Status),
		zap.String("error_code", ev.ErrorCode),
		zap.Int64("latency_ms", ev.LatencyMS),
		zap.Int64("bytes_in", ev.BytesIn),
		zap.Int64("bytes_out", ev.BytesOut),
		zap.Int("retries", ev.Retries),
		zap.String("upstream_addr", ev.UpstreamAddr),
	)
}

func (s *LogSink) Close() error {
	return s.logger.Sync()
}
