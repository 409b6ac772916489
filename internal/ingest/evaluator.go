// Package ingest is the synchronous telemetry path: it validates a sample,
// persists it, runs the threshold rules and commits the machine status and
// derived alerts as one unit.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"machinewatch/internal/alerts"
	"machinewatch/internal/logger"
	"machinewatch/internal/metrics"
	"machinewatch/internal/models"
	"machinewatch/internal/storage"
	"machinewatch/internal/worker"
)

const component = "ingest"

// Config holds the evaluator dependencies and rule settings
type Config struct {
	Store      storage.Store
	Dispatcher worker.Dispatcher

	// Defaults resolve thresholds a machine does not override
	Defaults     models.Limits
	Rules        alerts.ThresholdRules
	MaxClockSkew time.Duration
	Retry        storage.RetryPolicy

	// Now defaults to time.Now
	Now func() time.Time
}

// Evaluator runs the ingestion path
type Evaluator struct {
	store    storage.Store
	dispatch worker.Dispatcher
	defaults models.Limits
	rules    alerts.ThresholdRules
	skew     time.Duration
	retry    storage.RetryPolicy
	now      func() time.Time
}

// NewEvaluator creates an evaluator
func NewEvaluator(cfg Config) *Evaluator {
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = worker.Discard
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = storage.DefaultRetryPolicy
	}
	if cfg.Rules.WarningRunLength <= 0 {
		cfg.Rules.WarningRunLength = 3
	}

	return &Evaluator{
		store:    cfg.Store,
		dispatch: cfg.Dispatcher,
		defaults: cfg.Defaults,
		rules:    cfg.Rules,
		skew:     cfg.MaxClockSkew,
		retry:    cfg.Retry,
		now:      cfg.Now,
	}
}

// Result is returned for every committed sample
type Result struct {
	Sample models.Summary  `json:"sample"`
	Status models.Status   `json:"status"`
	Alerts []*models.Alert `json:"alerts"`
}

// Ingest validates and commits one sample. It fails with a validation error
// before anything is written, with storage.ErrMachineNotFound when the
// reference matches no live machine, or with the last store error once the
// commit retries are exhausted.
func (e *Evaluator) Ingest(ctx context.Context, in models.SampleInput, source string) (*Result, error) {
	start := time.Now()
	defer func() { metrics.IngestDuration.Observe(time.Since(start).Seconds()) }()

	in.Normalize()
	sample, err := in.ToSample(e.now(), e.skew)
	if err != nil {
		metrics.IngestSamplesTotal.WithLabelValues(source, "rejected").Inc()
		metrics.IngestValidationErrors.WithLabelValues(validationLabel(err)).Inc()
		return nil, err
	}

	machine, err := e.store.GetMachine(ctx, in.MachineID)
	if err != nil {
		if errors.Is(err, storage.ErrMachineNotFound) {
			metrics.IngestSamplesTotal.WithLabelValues(source, "not_found").Inc()
		} else {
			metrics.IngestSamplesTotal.WithLabelValues(source, "failed").Inc()
		}
		return nil, err
	}

	sample.ID = uuid.NewString()
	sample.MachineID = machine.ID

	var (
		result *Result
		code   string
		from   models.Status
	)
	err = storage.RetryTx(ctx, e.store, e.retry, component, func(tx storage.Tx) error {
		// Recomputed from scratch on every attempt
		m, err := tx.GetMachine(ctx, machine.ID)
		if err != nil {
			return err
		}
		code, from = m.Code, m.Status

		r, err := e.apply(ctx, tx, m, sample)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		metrics.IngestSamplesTotal.WithLabelValues(source, "failed").Inc()
		return nil, err
	}

	metrics.IngestSamplesTotal.WithLabelValues(source, "accepted").Inc()
	if from != result.Status {
		metrics.StatusTransitionsTotal.WithLabelValues(string(from), string(result.Status)).Inc()
	}

	events := make([]*models.AlertEvent, 0, len(result.Alerts))
	for _, a := range result.Alerts {
		metrics.AlertsRaisedTotal.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
		events = append(events, models.NewAlertEvent(a, code, component))
	}
	e.dispatch.Dispatch(events...)

	if len(result.Alerts) > 0 {
		logger.WithMachine(component, machine.ID).Info().
			Str("code", code).
			Str("status", string(result.Status)).
			Int("alerts", len(result.Alerts)).
			Msg("sample raised alerts")
	}

	return result, nil
}

// apply stages every write for one sample inside tx
func (e *Evaluator) apply(ctx context.Context, tx storage.Tx, m *models.Machine, sample *models.Sample) (*Result, error) {
	now := e.now().UTC()

	if err := tx.InsertSample(ctx, sample); err != nil {
		return nil, err
	}

	last := sample.Timestamp
	if m.LastTelemetryAt != nil && m.LastTelemetryAt.After(last) {
		last = *m.LastTelemetryAt
	}

	result := &Result{Sample: sample.Summarize(), Status: m.Status}

	// Unmonitored machines keep their samples and liveness but no rules run
	if !m.Monitored {
		if _, err := tx.UpdateMachineState(ctx, m.ID, m.Version, m.Status, &last, now); err != nil {
			return nil, err
		}
		return result, nil
	}

	findings, err := e.rules.Evaluate(sample, m.Thresholds.Resolve(e.defaults), func(threshold float64) (int, error) {
		return tx.CountTemperatureAbove(ctx, m.ID, threshold)
	})
	if err != nil {
		return nil, err
	}

	status := m.Status
	if status != models.StatusMaintenance {
		status = alerts.DeriveStatus(findings)

		if m.Status == models.StatusOffline {
			if _, err := tx.ResolveAlerts(ctx, m.ID, models.AlertMachineOffline, now); err != nil {
				return nil, err
			}
			findings = append(findings, alerts.OnlineFinding(m.Code))
		}
	}

	for _, f := range findings {
		a := f.Alert(uuid.NewString(), m.ID, now)
		if err := tx.InsertAlert(ctx, a); err != nil {
			return nil, err
		}
		result.Alerts = append(result.Alerts, a)
	}

	if _, err := tx.UpdateMachineState(ctx, m.ID, m.Version, status, &last, now); err != nil {
		return nil, err
	}
	result.Status = status
	return result, nil
}

// Acknowledge marks an alert acknowledged. Acknowledging an alert twice is
// a no-op that keeps the first timestamp and notes.
func (e *Evaluator) Acknowledge(ctx context.Context, alertID, notes string) (*models.Alert, error) {
	var out *models.Alert
	err := storage.RetryTx(ctx, e.store, e.retry, "acknowledge", func(tx storage.Tx) error {
		a, err := tx.GetAlert(ctx, alertID)
		if err != nil {
			return err
		}
		out = a
		if a.Acknowledged {
			return nil
		}

		at := e.now().UTC()
		a.Acknowledged = true
		a.AcknowledgedAt = &at
		a.AcknowledgementNotes = notes
		return tx.UpdateAlert(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Resolve marks an alert resolved. Resolving twice is a no-op.
func (e *Evaluator) Resolve(ctx context.Context, alertID string) (*models.Alert, error) {
	var out *models.Alert
	err := storage.RetryTx(ctx, e.store, e.retry, "resolve", func(tx storage.Tx) error {
		a, err := tx.GetAlert(ctx, alertID)
		if err != nil {
			return err
		}
		out = a
		if a.Resolved {
			return nil
		}

		at := e.now().UTC()
		a.Resolved = true
		a.ResolvedAt = &at
		return tx.UpdateAlert(ctx, a)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListAlerts passes the filter through to the ledger
func (e *Evaluator) ListAlerts(ctx context.Context, filter models.AlertFilter) ([]*models.Alert, error) {
	list, err := e.store.ListAlerts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return list, nil
}

// RecentSamples returns the newest samples of a machine by id or code
func (e *Evaluator) RecentSamples(ctx context.Context, ref string, limit int) ([]*models.Sample, error) {
	m, err := e.store.GetMachine(ctx, ref)
	if err != nil {
		return nil, err
	}
	return e.store.RecentSamples(ctx, m.ID, limit)
}

// SamplesBetween returns a machine's samples with from <= timestamp < to,
// oldest first
func (e *Evaluator) SamplesBetween(ctx context.Context, ref string, from, to time.Time) ([]*models.Sample, error) {
	m, err := e.store.GetMachine(ctx, ref)
	if err != nil {
		return nil, err
	}
	return e.store.SamplesBetween(ctx, m.ID, from, to)
}

func validationLabel(err error) string {
	switch {
	case errors.Is(err, models.ErrEmptyMachineRef):
		return "machine_ref"
	case errors.Is(err, models.ErrZeroTimestamp), errors.Is(err, models.ErrInvalidTimestamp),
		errors.Is(err, models.ErrFutureTimestamp):
		return "timestamp"
	case errors.Is(err, models.ErrNoReadings):
		return "no_readings"
	case errors.Is(err, models.ErrTooManyMetadata):
		return "metadata"
	default:
		return "range"
	}
}
