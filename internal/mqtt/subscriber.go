// Package mqtt subscribes to machine telemetry published over MQTT and
// feeds each message to the ingestion path.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	pmqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"machinewatch/internal/config"
	"machinewatch/internal/ingest"
	"machinewatch/internal/logger"
	"machinewatch/internal/models"
	"machinewatch/internal/storage"
)

// Ingester commits one telemetry sample
type Ingester interface {
	Ingest(ctx context.Context, in models.SampleInput, source string) (*ingest.Result, error)
}

// Subscriber owns one MQTT client subscribed to the telemetry topic
type Subscriber struct {
	cfg      config.MQTTConfig
	ingester Ingester
	client   pmqtt.Client

	// ctx bounds ingestion started from paho callbacks
	ctx context.Context

	received atomic.Uint64
	rejected atomic.Uint64
	failed   atomic.Uint64
}

// NewSubscriber prepares a subscriber. It connects on Start.
func NewSubscriber(cfg config.MQTTConfig, ingester Ingester) *Subscriber {
	if cfg.ClientID == "" {
		cfg.ClientID = "machinewatch"
	}
	return &Subscriber{cfg: cfg, ingester: ingester, ctx: context.Background()}
}

// Start connects, subscribes and blocks until ctx is done. The client
// reconnects on its own and resubscribes in the connect handler.
func (s *Subscriber) Start(ctx context.Context) error {
	log := logger.WithComponent("mqtt")
	s.ctx = ctx

	opts := pmqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID + "-" + uuid.NewString()[:8]).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c pmqtt.Client) {
			log.Info().Str("broker", s.cfg.Broker).Msg("connected to mqtt broker")
			if token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.onMessage); token.Wait() && token.Error() != nil {
				log.Error().Err(token.Error()).Str("topic", s.cfg.Topic).Msg("subscribe failed")
			}
		}).
		SetConnectionLostHandler(func(_ pmqtt.Client, err error) {
			log.Warn().Err(err).Msg("mqtt connection lost")
		})

	s.client = pmqtt.NewClient(opts)
	if token := s.client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return errors.Join(token.Error(), errors.New("error connecting to mqtt broker"))
	}

	log.Info().Str("topic", s.cfg.Topic).Uint8("qos", s.cfg.QoS).Msg("mqtt subscriber started")
	<-ctx.Done()

	s.client.Disconnect(250)
	log.Info().Msg("mqtt subscriber stopped")
	return nil
}

func (s *Subscriber) onMessage(_ pmqtt.Client, msg pmqtt.Message) {
	s.Handle(s.ctx, msg.Topic(), msg.Payload())
}

// Handle ingests one telemetry payload received on topic
func (s *Subscriber) Handle(ctx context.Context, topic string, payload []byte) {
	log := logger.WithComponent("mqtt")
	s.received.Add(1)

	in, err := DecodeSample(topic, payload)
	if err != nil {
		s.rejected.Add(1)
		log.Warn().Err(err).Str("topic", topic).Msg("undecodable telemetry message")
		return
	}

	if _, err := s.ingester.Ingest(ctx, in, "mqtt"); err != nil {
		if models.IsValidation(err) || errors.Is(err, storage.ErrMachineNotFound) {
			s.rejected.Add(1)
			log.Warn().Err(err).Str("machine", in.MachineID).Msg("telemetry rejected")
			return
		}
		s.failed.Add(1)
		log.Error().Err(err).Str("machine", in.MachineID).Msg("telemetry ingest failed")
	}
}

// DecodeSample parses a payload. For topics shaped machines/<code>/telemetry
// the code names the machine when the payload does not.
func DecodeSample(topic string, payload []byte) (models.SampleInput, error) {
	var in models.SampleInput
	if err := json.Unmarshal(payload, &in); err != nil {
		return in, fmt.Errorf("decode sample: %w", err)
	}
	if in.MachineID == "" {
		in.MachineID = machineFromTopic(topic)
	}
	return in, nil
}

func machineFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) == 3 && parts[0] == "machines" && parts[2] == "telemetry" {
		return parts[1]
	}
	return ""
}

// Stats returns subscriber counters
func (s *Subscriber) Stats() Stats {
	return Stats{
		Received: s.received.Load(),
		Rejected: s.rejected.Load(),
		Failed:   s.failed.Load(),
	}
}

// Stats holds subscriber counters
type Stats struct {
	Received uint64 `json:"received"`
	Rejected uint64 `json:"rejected"`
	Failed   uint64 `json:"failed"`
}
