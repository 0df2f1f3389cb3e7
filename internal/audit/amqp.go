package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/wudi/tollgate/internal/logging"
)

// AMQPSink publishes audit events to a RabbitMQ exchange. Publish
// failures are counted and logged but never fail the request.
type AMQPSink struct {
	url        string
	exchange   string
	routingKey string
	conn       *amqp091.Connection
	ch         *amqp091.Channel
	mu         sync.RWMutex

	published atomic.Int64
	errors    atomic.Int64
}

// NewAMQPSink connects and opens a channel up front so a bad broker
// URL fails at startup, not on the first request.
func NewAMQPSink(url, exchange, routingKey string) (*AMQPSink, error) {
	if url == "" {
		return nil, fmt.Errorf("amqp audit: url is required")
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp audit: connect failed: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp audit: channel failed: %w", err)
	}

	return &AMQPSink{
		url:        url,
		exchange:   exchange,
		routingKey: routingKey,
		conn:       conn,
		ch:         ch,
	}, nil
}

func (s *AMQPSink) Emit(ctx context.Context, ev *Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		s.errors.Add(1)
		logging.Warn("audit event encode failed", zap.Error(err))
		return
	}

	s.mu.RLock()
	ch := s.ch
	s.mu.RUnlock()

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = ch.PublishWithContext(pubCtx,
		s.exchange,
		s.routingKey,
		false, false,
		amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   ev.Timestamp,
			Body:        body,
		},
	)
	if err != nil {
		s.errors.Add(1)
		logging.Warn("audit publish failed", zap.Error(err))
		return
	}
	s.published.Add(1)
}

// Close shuts down the channel and connection.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Stats reports publish counters.
func (s *AMQPSink) Stats() map[string]interface{} {
	return map[string]interface{}{
		"url":       s.url,
		"published": s.published.Load(),
		"errors":    s.errors.Load(),
	}
}
