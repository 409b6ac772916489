package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"machinewatch/internal/logger"
	"machinewatch/internal/models"
)

// NATSSink publishes alert events on <prefix>.<alert type>
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSSink connects to the server
func NewNATSSink(url, prefix string) (*NATSSink, error) {
	log := logger.WithComponent("notify")

	nc, err := nats.Connect(url,
		nats.Name("machinewatch-alerts"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}

	if prefix == "" {
		prefix = "alerts"
	}
	return &NATSSink{nc: nc, prefix: prefix}, nil
}

func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject an event is published on
func Subject(prefix string, ev *models.AlertEvent) string {
	return strings.TrimSuffix(prefix, ".") + "." + string(ev.Alert.Type)
}

func (s *NATSSink) Publish(ctx context.Context, ev *models.AlertEvent) error {
	if err := s.publish(ev); err != nil {
		return err
	}
	return s.flush(ctx)
}

func (s *NATSSink) PublishBatch(ctx context.Context, events []*models.AlertEvent) error {
	var errs []error
	for _, ev := range events {
		if err := s.publish(ev); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.flush(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *NATSSink) publish(ev *models.AlertEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(Subject(s.prefix, ev))
	msg.Data = data
	msg.Header.Set("Nats-Msg-Id", ev.Alert.ID)
	msg.Header.Set("Machine-Code", ev.MachineCode)
	msg.Header.Set("Severity", string(ev.Alert.Severity))
	return s.nc.PublishMsg(msg)
}

// flush waits for the server to acknowledge buffered messages. Flush
// refuses contexts without a deadline.
func (s *NATSSink) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return s.nc.FlushWithContext(ctx)
}

func (s *NATSSink) Close() error {
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return err
	}
	return nil
}
