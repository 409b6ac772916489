package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/streadway/amqp"

	"machinewatch/internal/logger"
	"machinewatch/internal/models"
)

// AMQPSink publishes alert events to a durable RabbitMQ queue
type AMQPSink struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPSink dials the broker and declares the queue
func NewAMQPSink(url, queue string) (*AMQPSink, error) {
	if queue == "" {
		return nil, errors.New("amqp queue is required")
	}
	s := &AMQPSink{url: url, queue: queue}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

// connect establishes a new connection and channel. Callers hold mu.
func (s *AMQPSink) connect() error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		s.queue, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("declare queue %s: %w", s.queue, err)
	}

	s.conn, s.ch = conn, ch
	return nil
}

// Publish sends one event, reconnecting once if the channel was lost
func (s *AMQPSink) Publish(ctx context.Context, ev *models.AlertEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.Alert.ID,
		Timestamp:    ev.PublishedAt,
		Type:         string(ev.Alert.Type),
		Headers: amqp.Table{
			"severity":     string(ev.Alert.Severity),
			"machine_code": ev.MachineCode,
		},
		Body: body,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if s.ch == nil {
		if err := s.connect(); err != nil {
			return err
		}
	}

	err = s.ch.Publish("", s.queue, false, false, msg)
	if err == nil {
		return nil
	}

	logger.WithComponent("notify").Warn().Err(err).Msg("amqp publish failed, reconnecting")
	s.closeLocked()
	if cerr := s.connect(); cerr != nil {
		return errors.Join(err, cerr)
	}
	return s.ch.Publish("", s.queue, false, false, msg)
}

func (s *AMQPSink) PublishBatch(ctx context.Context, events []*models.AlertEvent) error {
	for _, ev := range events {
		if err := s.Publish(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *AMQPSink) closeLocked() {
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn, s.ch = nil, nil
}

func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}
