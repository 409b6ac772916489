// Package liveness detects machines that stopped reporting. Each sweep moves
// silent machines to Offline and raises one offline alert per silence
// timeout, deduplicated against the newest unresolved offline alert.
package liveness

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

const component = "liveness"

// Config holds monitor settings
type Config struct {
	Store      storage.Store
	Dispatcher worker.Dispatcher

	Period  time.Duration
	Timeout time.Duration
	Retry   storage.RetryPolicy

	Now func() time.Time
}

// Monitor is the silence detector
type Monitor struct {
	store    storage.Store
	dispatch worker.Dispatcher
	period   time.Duration
	timeout  time.Duration
	retry    storage.RetryPolicy
	now      func() time.Time
}

// New creates a monitor
func New(cfg Config) *Monitor {
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = worker.Discard
	}
	if cfg.Period <= 0 {
		cfg.Period = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = storage.DefaultRetryPolicy
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Monitor{
		store:    cfg.Store,
		dispatch: cfg.Dispatcher,
		period:   cfg.Period,
		timeout:  cfg.Timeout,
		retry:    cfg.Retry,
		now:      cfg.Now,
	}
}

// Outcome of checking one machine
type Outcome int

const (
	Unchanged Outcome = iota
	WentOffline
	StillOffline // offline alert suppressed by dedup
	CameOnline
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case WentOffline:
		return "offline"
	case StillOffline:
		return "deduplicated"
	case CameOnline:
		return "online"
	case Skipped:
		return "skipped"
	default:
		return "ok"
	}
}

// SweepStats summarizes one sweep
type SweepStats struct {
	Machines int
	Offline  int
	Deduped  int
	Online   int
	Failed   int
}

// Start sweeps immediately, then once per period measured from the end of
// the previous sweep, until ctx is done
func (mon *Monitor) Start(ctx context.Context) {
	log := logger.WithComponent(component)
	log.Info().
		Dur("period", mon.period).
		Dur("timeout", mon.timeout).
		Msg("starting liveness monitor")

	mon.sweepAndLog(ctx)

	timer := time.NewTimer(mon.period)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("liveness monitor stopping")
			return
		case <-timer.C:
			mon.sweepAndLog(ctx)
			timer.Reset(mon.period)
		}
	}
}

func (mon *Monitor) sweepAndLog(ctx context.Context) {
	stats := mon.Sweep(ctx)
	log := logger.WithComponent(component)
	log.Debug().
		Int("machines", stats.Machines).
		Int("offline", stats.Offline).
		Int("deduplicated", stats.Deduped).
		Int("online", stats.Online).
		Int("failed", stats.Failed).
		Msg("liveness sweep finished")
}

// Sweep checks every monitored machine once. Failures are isolated per
// machine and cancellation is observed between machines.
func (mon *Monitor) Sweep(ctx context.Context) SweepStats {
	log := logger.WithComponent(component)
	start := time.Now()
	defer func() { metrics.SweepDuration.WithLabelValues(component).Observe(time.Since(start).Seconds()) }()

	var stats SweepStats

	machines, err := mon.store.ListMachines(ctx, storage.MachineFilter{MonitoredOnly: true})
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

		outcome, err := mon.check(ctx, m)
		if err != nil {
			stats.Failed++
			metrics.SweepMachinesTotal.WithLabelValues(component, "failed").Inc()
			logger.WithMachine(component, m.ID).Error().Err(err).Str("code", m.Code).Msg("liveness check failed")
			continue
		}

		switch outcome {
		case WentOffline:
			stats.Offline++
		case StillOffline:
			stats.Deduped++
		case CameOnline:
			stats.Online++
		}
		metrics.SweepMachinesTotal.WithLabelValues(component, outcome.String()).Inc()
	}

	return stats
}

func (mon *Monitor) stale(m *models.Machine, now time.Time) bool {
	return m.LastTelemetryAt == nil || m.LastTelemetryAt.Before(now.Add(-mon.timeout))
}

// check evaluates one machine inside a versioned transaction
func (mon *Monitor) check(ctx context.Context, listed *models.Machine) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues(component).Inc()
			logger.WithMachine(component, listed.ID).Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("liveness panic recovered")
			err = fmt.Errorf("panic checking machine %s: %v", listed.ID, r)
		}
	}()

	now := mon.now().UTC()

	// Cheap pre-check on the listed snapshot; the transaction re-reads
	if listed.Status == models.StatusMaintenance {
		return Skipped, nil
	}
	if !mon.stale(listed, now) && listed.Status != models.StatusOffline {
		return Unchanged, nil
	}

	var (
		raised []*models.Alert
		from   models.Status
	)
	err = storage.RetryTx(ctx, mon.store, mon.retry, component, func(tx storage.Tx) error {
		raised, outcome = nil, Unchanged

		m, err := tx.GetMachine(ctx, listed.ID)
		if err != nil {
			return err
		}
		from = m.Status
		if !m.Monitored || m.Status == models.StatusMaintenance {
			outcome = Skipped
			return nil
		}

		if mon.stale(m, now) {
			return mon.markOffline(ctx, tx, m, now, &raised, &outcome)
		}
		if m.Status == models.StatusOffline {
			return mon.markOnline(ctx, tx, m, now, &raised, &outcome)
		}
		return nil
	})
	if err != nil {
		return Unchanged, err
	}

	to := from
	switch outcome {
	case WentOffline, StillOffline:
		to = models.StatusOffline
	case CameOnline:
		to = models.StatusOnline
	}
	if to != from {
		metrics.StatusTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	}

	for _, a := range raised {
		metrics.AlertsRaisedTotal.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
		mon.dispatch.Dispatch(models.NewAlertEvent(a, listed.Code, component))
	}

	if outcome == WentOffline || outcome == CameOnline {
		logger.WithMachine(component, listed.ID).Info().
			Str("code", listed.Code).
			Str("outcome", outcome.String()).
			Msg("machine liveness changed")
	}
	return outcome, nil
}

// markOffline raises an offline alert unless an unresolved one was raised
// within the timeout, and moves the machine to Offline.
func (mon *Monitor) markOffline(ctx context.Context, tx storage.Tx, m *models.Machine, now time.Time, raised *[]*models.Alert, outcome *Outcome) error {
	latest, err := tx.LatestAlert(ctx, m.ID, models.AlertMachineOffline, true)
	if err != nil {
		return err
	}

	if latest != nil && now.Sub(latest.CreatedAt) <= mon.timeout {
		*outcome = StillOffline
		if m.Status == models.StatusOffline {
			return nil
		}
	} else {
		a := alerts.OfflineFinding(m.Code, m.LastTelemetryAt).Alert(uuid.NewString(), m.ID, now)
		if err := tx.InsertAlert(ctx, a); err != nil {
			return err
		}
		*raised = append(*raised, a)
		*outcome = WentOffline
	}

	_, err = tx.UpdateMachineState(ctx, m.ID, m.Version, models.StatusOffline, m.LastTelemetryAt, now)
	return err
}

// markOnline handles an Offline machine whose telemetry is fresh again
func (mon *Monitor) markOnline(ctx context.Context, tx storage.Tx, m *models.Machine, now time.Time, raised *[]*models.Alert, outcome *Outcome) error {
	if _, err := tx.ResolveAlerts(ctx, m.ID, models.AlertMachineOffline, now); err != nil {
		return err
	}

	a := alerts.OnlineFinding(m.Code).Alert(uuid.NewString(), m.ID, now)
	if err := tx.InsertAlert(ctx, a); err != nil {
		return err
	}
	*raised = append(*raised, a)
	*outcome = CameOnline

	_, err := tx.UpdateMachineState(ctx, m.ID, m.Version, models.StatusOnline, m.LastTelemetryAt, now)
	return err
}
