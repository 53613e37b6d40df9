// Package events publishes workflow milestones to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Event types.
const (
	AnalysisCompleted = "analysis.completed"
	AnalysisFailed    = "analysis.failed"
	SessionConverted  = "session.converted"
)

// Event is one workflow milestone.
type Event struct {
	Type         string    `json:"type"`
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id,omitempty"`
	ReportID     string    `json:"report_id,omitempty"`
	OverallScore *int      `json:"overall_score,omitempty"`
	IsMock       bool      `json:"is_mock"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// RoutingKey appends the event type to base, e.g. "workflow.analysis.completed".
func (e Event) RoutingKey(base string) string {
	if base == "" {
		return e.Type
	}
	return base + "." + e.Type
}

// Publisher emits events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// AMQPConfig describes the exchange events are sent to.
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// AMQPPublisher sends events to a durable topic exchange.
type AMQPPublisher struct {
	cfg    AMQPConfig
	logger *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialAMQP connects and declares the exchange.
func DialAMQP(cfg AMQPConfig, logger *zap.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("events: dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("events: declare exchange: %w", err)
	}

	logger.Info("rabbitmq publisher ready", zap.String("exchange", cfg.Exchange))
	return &AMQPPublisher{cfg: cfg, logger: logger.Named("events"), conn: conn, ch: ch}, nil
}

// Publish implements Publisher.
func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	body, err := Encode(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return fmt.Errorf("events: publisher closed")
	}
	return p.ch.PublishWithContext(ctx,
		p.cfg.Exchange,                     // exchange
		event.RoutingKey(p.cfg.RoutingKey), // routing key
		false,                              // mandatory
		false,                              // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.OccurredAt,
			Type:         event.Type,
		},
	)
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

// Encode serialises an event, stamping the time if missing.
func Encode(event Event) ([]byte, error) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	return json.Marshal(event)
}
