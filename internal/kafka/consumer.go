package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"machinewatch/internal/ingest"
	"machinewatch/internal/logger"
	"machinewatch/internal/models"
	"machinewatch/internal/storage"
)

// Ingester commits one telemetry sample
type Ingester interface {
	Ingest(ctx context.Context, in models.SampleInput, source string) (*ingest.Result, error)
}

// ConsumerConfig holds telemetry consumer settings
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer reads telemetry samples from a topic and feeds them to the
// ingestion path. Messages are committed once handled, including ones that
// were rejected, so a bad sample never blocks its partition.
type Consumer struct {
	reader   *kafka.Reader
	ingester Ingester

	consumed atomic.Uint64
	rejected atomic.Uint64
	failed   atomic.Uint64
}

// NewConsumer creates a consumer group reader for the telemetry topic
func NewConsumer(cfg ConsumerConfig, ingester Ingester) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic is required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
	})

	return &Consumer{reader: reader, ingester: ingester}, nil
}

// Start consumes until ctx is done or the reader is closed
func (c *Consumer) Start(ctx context.Context) error {
	log := logger.WithComponent("kafka_consumer")
	cfg := c.reader.Config()
	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", cfg.Topic).
		Str("group_id", cfg.GroupID).
		Msg("starting telemetry consumer")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("fetch telemetry: %w", err)
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Int64("offset", msg.Offset).Msg("commit failed")
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	log := logger.WithComponent("kafka_consumer")
	c.consumed.Add(1)

	in, err := DecodeSample(msg)
	if err != nil {
		c.rejected.Add(1)
		log.Warn().Err(err).Int("partition", msg.Partition).Int64("offset", msg.Offset).Msg("undecodable telemetry message")
		return
	}

	if _, err := c.ingester.Ingest(ctx, in, "kafka"); err != nil {
		if models.IsValidation(err) || errors.Is(err, storage.ErrMachineNotFound) {
			c.rejected.Add(1)
			log.Warn().Err(err).Str("machine", in.MachineID).Msg("telemetry rejected")
			return
		}
		c.failed.Add(1)
		log.Error().Err(err).Str("machine", in.MachineID).Int64("offset", msg.Offset).Msg("telemetry ingest failed")
	}
}

// DecodeSample parses a telemetry message. The message key names the
// machine when the payload does not.
func DecodeSample(msg kafka.Message) (models.SampleInput, error) {
	var in models.SampleInput
	if err := json.Unmarshal(msg.Value, &in); err != nil {
		return in, fmt.Errorf("decode sample: %w", err)
	}
	if in.MachineID == "" {
		in.MachineID = string(msg.Key)
	}
	if in.Timestamp == "" && !msg.Time.IsZero() {
		in.Timestamp = msg.Time.UTC().Format(time.RFC3339Nano)
	}
	return in, nil
}

// Stop closes the reader
func (c *Consumer) Stop() error {
	return c.reader.Close()
}

// Stats returns consumer counters
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{
		Consumed: c.consumed.Load(),
		Rejected: c.rejected.Load(),
		Failed:   c.failed.Load(),
	}
}

// ConsumerStats holds consumer counters
type ConsumerStats struct {
	Consumed uint64 `json:"consumed"`
	Rejected uint64 `json:"rejected"`
	Failed   uint64 `json:"failed"`
}
