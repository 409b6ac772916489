// Package notify delivers committed alert events to the configured sinks:
// Kafka, RabbitMQ, NATS, websocket clients and the log.
package notify

import (
	"context"
	"errors"
	"fmt"

	"machinewatch/internal/logger"
	"machinewatch/internal/metrics"
	"machinewatch/internal/models"
)

// Sink is one alert destination
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev *models.AlertEvent) error
	PublishBatch(ctx context.Context, events []*models.AlertEvent) error
	Close() error
}

// Fanout publishes every event to all sinks. A failing sink does not stop
// the others; the joined error makes the worker pool retry individually,
// so delivery is at least once per sink.
type Fanout struct {
	sinks []Sink
}

// NewFanout creates a fanout over sinks
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

// Sinks returns the configured sink names
func (f *Fanout) Sinks() []string {
	names := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Publish sends one event to every sink
func (f *Fanout) Publish(ctx context.Context, ev *models.AlertEvent) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, ev); err != nil {
			metrics.NotifyPublishTotal.WithLabelValues(s.Name(), "failed").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		metrics.NotifyPublishTotal.WithLabelValues(s.Name(), "success").Inc()
	}
	return errors.Join(errs...)
}

// PublishBatch sends a batch to every sink
func (f *Fanout) PublishBatch(ctx context.Context, events []*models.AlertEvent) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.PublishBatch(ctx, events); err != nil {
			metrics.NotifyPublishTotal.WithLabelValues(s.Name(), "failed").Add(float64(len(events)))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		metrics.NotifyPublishTotal.WithLabelValues(s.Name(), "success").Add(float64(len(events)))
	}
	return errors.Join(errs...)
}

// Close closes every sink
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogSink writes alerts to the structured log
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Publish(_ context.Context, ev *models.AlertEvent) error {
	log := logger.WithMachine("notify", ev.Alert.MachineID)

	e := log.Info()
	switch ev.Alert.Severity {
	case models.SeverityCritical:
		e = log.Error()
	case models.SeverityWarning:
		e = log.Warn()
	}
	e.Str("alert_id", ev.Alert.ID).
		Str("machine_code", ev.MachineCode).
		Str("type", string(ev.Alert.Type)).
		Str("source", ev.Source).
		Msg(ev.Alert.Message)
	return nil
}

func (s LogSink) PublishBatch(ctx context.Context, events []*models.AlertEvent) error {
	for _, ev := range events {
		_ = s.Publish(ctx, ev)
	}
	return nil
}

func (LogSink) Close() error { return nil }
