// Package analyzer runs the periodic predictive sweep: for every monitored
// machine it compares the newest temperature with the rolling mean and
// standard deviation of its recent window and raises predictive alerts on
// outliers. It never changes machine status.
package analyzer

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"machinewatch/internal/alerts"
	"machinewatch/internal/logger"
	"machinewatch/internal/metrics"
	"machinewatch/internal/models"
	"machinewatch/internal/storage"
	"machinewatch/internal/worker"
)

const component = "analyzer"

// Config holds analyzer settings
type Config struct {
	Store      storage.Store
	Dispatcher worker.Dispatcher

	Period time.Duration
	// Window is the number of recent temperature readings examined
	Window   int
	Detector alerts.Detector
	Retry    storage.RetryPolicy

	Now func() time.Time
}

// Analyzer raises predictive-anomaly alerts
type Analyzer struct {
	store    storage.Store
	dispatch worker.Dispatcher
	period   time.Duration
	window   int
	detector alerts.Detector
	retry    storage.RetryPolicy
	now      func() time.Time
}

// New creates an analyzer
func New(cfg Config) *Analyzer {
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = worker.Discard
	}
	if cfg.Period <= 0 {
		cfg.Period = time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = 50
	}
	if cfg.Detector.MinSamples <= 0 {
		cfg.Detector.MinSamples = 10
	}
	if cfg.Detector.Sigma <= 0 {
		cfg.Detector.Sigma = 3
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = storage.DefaultRetryPolicy
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Analyzer{
		store:    cfg.Store,
		dispatch: cfg.Dispatcher,
		period:   cfg.Period,
		window:   cfg.Window,
		detector: cfg.Detector,
		retry:    cfg.Retry,
		now:      cfg.Now,
	}
}

// SweepStats summarizes one sweep
type SweepStats struct {
	Machines int
	Alerted  int
	Failed   int
}

// Start sweeps immediately, then again one period after each sweep
// finishes, until ctx is done
func (a *Analyzer) Start(ctx context.Context) {
	log := logger.WithComponent(component)
	log.Info().
		Dur("period", a.period).
		Int("window", a.window).
		Int("min_samples", a.detector.MinSamples).
		Float64("sigma", a.detector.Sigma).
		Msg("starting anomaly analyzer")

	a.sweepAndLog(ctx)

	timer := time.NewTimer(a.period)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("anomaly analyzer stopping")
			return
		case <-timer.C:
			a.sweepAndLog(ctx)
			timer.Reset(a.period)
		}
	}
}

func (a *Analyzer) sweepAndLog(ctx context.Context) {
	stats := a.Sweep(ctx)
	log := logger.WithComponent(component)
	log.Debug().
		Int("machines", stats.Machines).
		Int("alerted", stats.Alerted).
		Int("failed", stats.Failed).
		Msg("analyzer sweep finished")
}

// Sweep analyzes every monitored machine once. A failure on one machine is
// logged and does not stop the others. Cancellation is observed between
// machines.
func (a *Analyzer) Sweep(ctx context.Context) SweepStats {
	log := logger.WithComponent(component)
	start := time.Now()
	defer func() { metrics.SweepDuration.WithLabelValues(component).Observe(time.Since(start).Seconds()) }()

	var stats SweepStats

	machines, err := a.store.ListMachines(ctx, storage.MachineFilter{MonitoredOnly: true})
	if err != nil {
		log.Error().Err(err).Msg("failed to list machines")
		return stats
	}

	for _, m := range machines {
		if ctx.Err() != nil {
			log.Info().Int("remaining", len(machines)-stats.Machines).Msg("sweep abandoned on shutdown")
			break
		}
		stats.Machines++

		alerted, err := a.analyze(ctx, m)
		switch {
		case err != nil:
			stats.Failed++
			metrics.SweepMachinesTotal.WithLabelValues(component, "failed").Inc()
			logger.WithMachine(component, m.ID).Error().Err(err).Str("code", m.Code).Msg("analysis failed")
		case alerted:
			stats.Alerted++
			metrics.SweepMachinesTotal.WithLabelValues(component, "alerted").Inc()
		default:
			metrics.SweepMachinesTotal.WithLabelValues(component, "ok").Inc()
		}
	}

	return stats
}

// analyze checks one machine. Panics are turned into errors so one bad
// machine cannot take the loop down.
func (a *Analyzer) analyze(ctx context.Context, m *models.Machine) (alerted bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues(component).Inc()
			logger.WithMachine(component, m.ID).Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("analysis panic recovered")
			err = fmt.Errorf("panic analyzing machine %s: %v", m.ID, r)
		}
	}()

	window, err := a.store.RecentTemperatures(ctx, m.ID, a.window)
	if err != nil {
		return false, fmt.Errorf("read window: %w", err)
	}

	anomaly, ok := a.detector.Detect(window)
	if !ok {
		return false, nil
	}

	var alert *models.Alert
	err = storage.RetryTx(ctx, a.store, a.retry, component, func(tx storage.Tx) error {
		alert = nil
		cur, err := tx.GetMachine(ctx, m.ID)
		if err != nil {
			return err
		}
		if !cur.Monitored {
			return nil
		}

		alert = anomaly.Finding().Alert(uuid.NewString(), m.ID, a.now())
		return tx.InsertAlert(ctx, alert)
	})
	if err != nil || alert == nil {
		return false, err
	}

	metrics.AlertsRaisedTotal.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()
	a.dispatch.Dispatch(models.NewAlertEvent(alert, m.Code, component))

	logger.WithMachine(component, m.ID).Info().
		Str("code", m.Code).
		Float64("value", anomaly.Value).
		Float64("mean", anomaly.Mean).
		Float64("stddev", anomaly.StdDev).
		Msg("predictive anomaly raised")
	return true, nil
}
