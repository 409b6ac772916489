package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"machinewatch/internal/alerts"
	"machinewatch/internal/liveness"
	"machinewatch/internal/models"
	"machinewatch/internal/storage"
)

var (
	t0       = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	defaults = models.Limits{TemperatureWarning: 80, TemperatureCritical: 90, VibrationMax: 10}
)

type recorder struct {
	mu     sync.Mutex
	events []*models.AlertEvent
}

func (r *recorder) Dispatch(events ...*models.AlertEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func seedMachine(t *testing.T, store storage.Store, code string, status models.Status, last *time.Time) *models.Machine {
	t.Helper()
	m := &models.Machine{
		ID:              uuid.NewString(),
		Code:            code,
		Name:            code,
		Type:            models.MachineCNC,
		Monitored:       true,
		Status:          status,
		LastTelemetryAt: last,
		Version:         1,
		CreatedAt:       t0.Add(-time.Hour),
		UpdatedAt:       t0.Add(-time.Hour),
	}
	require.NoError(t, store.InTx(context.Background(), func(tx storage.Tx) error {
		return tx.CreateMachine(context.Background(), m)
	}))
	return m
}

func newEvaluator(store storage.Store, rec *recorder) *Evaluator {
	return NewEvaluator(Config{
		Store:        store,
		Dispatcher:   rec,
		Defaults:     defaults,
		Rules:        alerts.ThresholdRules{WarningRunLength: 3},
		MaxClockSkew: 5 * time.Minute,
		Retry:        storage.RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
		Now:          func() time.Time { return t0 },
	})
}

func input(ref string, at time.Time, temp, vib float64) models.SampleInput {
	return models.SampleInput{
		MachineID:   ref,
		Timestamp:   at.Format(time.RFC3339),
		Temperature: models.Float(temp),
		Vibration:   models.Float(vib),
	}
}

func onlineSince(d time.Duration) *time.Time {
	at := t0.Add(-d)
	return &at
}

func TestIngest_CriticalShortCircuits(t *testing.T) {
	store := storage.NewMemory()
	rec := &recorder{}
	m := seedMachine(t, store, "CNC-01", models.StatusOnline, onlineSince(time.Minute))
	e := newEvaluator(store, rec)

	res, err := e.Ingest(context.Background(), input("cnc-01", t0, 95, 50), "http")
	require.NoError(t, err)

	assert.Equal(t, models.StatusCritical, res.Status)
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, models.AlertThresholdTemperature, res.Alerts[0].Type)
	assert.Equal(t, models.SeverityCritical, res.Alerts[0].Severity)
	assert.Equal(t, 1, rec.count())

	got, err := store.GetMachine(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCritical, got.Status)
	assert.Equal(t, t0, *got.LastTelemetryAt)
	assert.Equal(t, int64(2), got.Version)
}

func TestIngest_VibrationOnly(t *testing.T) {
	store := storage.NewMemory()
	seedMachine(t, store, "PUMP-01", models.StatusOnline, onlineSince(time.Minute))
	e := newEvaluator(store, &recorder{})

	res, err := e.Ingest(context.Background(), input("PUMP-01", t0, 60, 12.5), "http")
	require.NoError(t, err)

	assert.Equal(t, models.StatusWarning, res.Status)
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, models.AlertThresholdVibration, res.Alerts[0].Type)
	assert.Equal(t, 12.5, *res.Alerts[0].TriggerValue)
}

func TestIngest_WarningAfterThreeReadings(t *testing.T) {
	store := storage.NewMemory()
	seedMachine(t, store, "CNC-02", models.StatusOnline, onlineSince(time.Minute))
	e := newEvaluator(store, &recorder{})
	ctx := context.Background()

	for i, want := range []int{0, 0, 1} {
		res, err := e.Ingest(ctx, input("CNC-02", t0.Add(time.Duration(i-3)*time.Second), 85, 1), "http")
		require.NoError(t, err)
		assert.Len(t, res.Alerts, want, "reading %d", i+1)
	}

	// A normal reading in between does not reset the cumulative count
	res, err := e.Ingest(ctx, input("CNC-02", t0, 70, 1), "http")
	require.NoError(t, err)
	assert.Empty(t, res.Alerts)
	assert.Equal(t, models.StatusOnline, res.Status)

	res, err = e.Ingest(ctx, input("CNC-02", t0, 85, 1), "http")
	require.NoError(t, err)
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, models.StatusWarning, res.Status)
}

func TestIngest_MachineOverridesThresholds(t *testing.T) {
	store := storage.NewMemory()
	m := &models.Machine{
		ID: uuid.NewString(), Code: "HOT", Name: "hot", Type: models.MachineWelder, Monitored: true,
		Status: models.StatusOnline, LastTelemetryAt: onlineSince(time.Minute), Version: 1,
		Thresholds: models.Thresholds{TemperatureCritical: models.Float(150)},
	}
	require.NoError(t, store.InTx(context.Background(), func(tx storage.Tx) error {
		return tx.CreateMachine(context.Background(), m)
	}))
	e := newEvaluator(store, &recorder{})

	res, err := e.Ingest(context.Background(), input("HOT", t0, 120, 1), "http")
	require.NoError(t, err)
	assert.Empty(t, res.Alerts, "first reading above the default warning")
	assert.Equal(t, models.StatusOnline, res.Status)
}

func TestIngest_OfflineMachineComesOnline(t *testing.T) {
	store := storage.NewMemory()
	rec := &recorder{}
	m := seedMachine(t, store, "ROBOT-01", models.StatusOffline, nil)
	ctx := context.Background()

	offline := alerts.OfflineFinding(m.Code, nil).Alert("off-1", m.ID, t0.Add(-time.Minute))
	require.NoError(t, store.InTx(ctx, func(tx storage.Tx) error { return tx.InsertAlert(ctx, offline) }))

	e := newEvaluator(store, rec)
	res, err := e.Ingest(ctx, input(m.ID, t0, 50, 1), "http")
	require.NoError(t, err)

	assert.Equal(t, models.StatusOnline, res.Status)
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, models.AlertMachineOnline, res.Alerts[0].Type)
	assert.Equal(t, models.SeverityInfo, res.Alerts[0].Severity)

	a, err := store.GetAlert(ctx, "off-1")
	require.NoError(t, err)
	assert.True(t, a.Resolved)
	assert.Equal(t, t0, *a.ResolvedAt)
}

func TestIngest_ResolvesMachineByID(t *testing.T) {
	store := storage.NewMemory()
	m := seedMachine(t, store, "PRESS-01", models.StatusOnline, onlineSince(time.Minute))
	e := newEvaluator(store, &recorder{})
	ctx := context.Background()

	for name, ref := range map[string]string{
		"lower case": m.ID,
		"upper case": strings.ToUpper(m.ID),
		"padded":     "  " + m.ID + " ",
	} {
		t.Run(name, func(t *testing.T) {
			res, err := e.Ingest(ctx, input(ref, t0, 50, 1), "http")
			require.NoError(t, err)
			assert.Equal(t, m.ID, res.Sample.MachineID)
		})
	}

	samples, err := store.RecentSamples(ctx, m.ID, 10)
	require.NoError(t, err)
	assert.Len(t, samples, 3)
}

func TestIngest_UnmonitoredStoresSampleOnly(t *testing.T) {
	store := storage.NewMemory()
	m := seedMachine(t, store, "CONV-01", models.StatusOffline, nil)
	ctx := context.Background()

	err := store.InTx(ctx, func(tx storage.Tx) error {
		cur, err := tx.GetMachine(ctx, m.ID)
		if err != nil {
			return err
		}
		cur.Monitored = false
		return tx.UpdateMachine(ctx, cur)
	})
	require.NoError(t, err)

	e := newEvaluator(store, &recorder{})
	res, err := e.Ingest(ctx, input("CONV-01", t0, 99, 99), "http")
	require.NoError(t, err)

	assert.Empty(t, res.Alerts)
	assert.Equal(t, models.StatusOffline, res.Status)

	got, err := store.GetMachine(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, t0, *got.LastTelemetryAt)

	samples, err := store.RecentSamples(ctx, m.ID, 10)
	require.NoError(t, err)
	assert.Len(t, samples, 1)
}

func TestIngest_MaintenanceHoldsStatus(t *testing.T) {
	store := storage.NewMemory()
	m := seedMachine(t, store, "PRESS-01", models.StatusMaintenance, onlineSince(time.Hour))
	e := newEvaluator(store, &recorder{})

	res, err := e.Ingest(context.Background(), input("PRESS-01", t0, 95, 1), "http")
	require.NoError(t, err)

	assert.Equal(t, models.StatusMaintenance, res.Status)
	require.Len(t, res.Alerts, 1)
	assert.Equal(t, models.SeverityCritical, res.Alerts[0].Severity)

	got, err := store.GetMachine(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusMaintenance, got.Status)
}

func TestIngest_LateSampleKeepsNewestLiveness(t *testing.T) {
	store := storage.NewMemory()
	m := seedMachine(t, store, "CNC-03", models.StatusOnline, onlineSince(0))
	e := newEvaluator(store, &recorder{})

	_, err := e.Ingest(context.Background(), input("CNC-03", t0.Add(-time.Minute), 50, 1), "http")
	require.NoError(t, err)

	got, err := store.GetMachine(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, t0, *got.LastTelemetryAt)
}

func TestIngest_UnknownMachine(t *testing.T) {
	e := newEvaluator(storage.NewMemory(), &recorder{})

	_, err := e.Ingest(context.Background(), input("NOPE", t0, 50, 1), "http")
	require.ErrorIs(t, err, storage.ErrMachineNotFound)
}

func TestIngest_ValidationWritesNothing(t *testing.T) {
	store := storage.NewMemory()
	m := seedMachine(t, store, "CNC-04", models.StatusOnline, onlineSince(time.Minute))
	e := newEvaluator(store, &recorder{})
	ctx := context.Background()

	cases := map[string]models.SampleInput{
		"empty ref":     {Timestamp: t0.Format(time.RFC3339), Temperature: models.Float(50)},
		"no readings":   {MachineID: "CNC-04", Timestamp: t0.Format(time.RFC3339)},
		"bad timestamp": {MachineID: "CNC-04", Timestamp: "yesterday", Temperature: models.Float(50)},
		"future":        {MachineID: "CNC-04", Timestamp: t0.Add(time.Hour).Format(time.RFC3339), Temperature: models.Float(50)},
		"negative vib":  {MachineID: "CNC-04", Timestamp: t0.Format(time.RFC3339), Vibration: models.Float(-1)},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.Ingest(ctx, in, "http")
			require.Error(t, err)
			assert.True(t, models.IsValidation(err))
		})
	}

	samples, err := store.RecentSamples(ctx, m.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestAcknowledgeAndResolve_Idempotent(t *testing.T) {
	store := storage.NewMemory()
	seedMachine(t, store, "CNC-05", models.StatusOnline, onlineSince(time.Minute))
	e := newEvaluator(store, &recorder{})
	ctx := context.Background()

	res, err := e.Ingest(ctx, input("CNC-05", t0, 95, 1), "http")
	require.NoError(t, err)
	id := res.Alerts[0].ID

	a, err := e.Acknowledge(ctx, id, "checked coolant")
	require.NoError(t, err)
	assert.True(t, a.Acknowledged)
	assert.Equal(t, t0, *a.AcknowledgedAt)

	e.now = func() time.Time { return t0.Add(time.Hour) }
	a, err = e.Acknowledge(ctx, id, "second")
	require.NoError(t, err)
	assert.Equal(t, "checked coolant", a.AcknowledgementNotes)
	assert.Equal(t, t0, *a.AcknowledgedAt)

	a, err = e.Resolve(ctx, id)
	require.NoError(t, err)
	assert.True(t, a.Resolved)
	a, err = e.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), *a.ResolvedAt)

	_, err = e.Acknowledge(ctx, "missing", "")
	require.ErrorIs(t, err, storage.ErrAlertNotFound)
}

type failingStore struct {
	*storage.Memory
	failures int
	calls    int
}

func (s *failingStore) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	s.calls++
	if s.calls <= s.failures {
		return storage.ErrTransient
	}
	return s.Memory.InTx(ctx, fn)
}

func TestIngest_RetriesTransientFailures(t *testing.T) {
	mem := storage.NewMemory()
	seedMachine(t, mem, "CNC-06", models.StatusOnline, onlineSince(time.Minute))

	store := &failingStore{Memory: mem, failures: 2}
	res, err := newEvaluator(store, &recorder{}).Ingest(context.Background(), input("CNC-06", t0, 50, 1), "http")
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, res.Status)
	assert.Equal(t, 3, store.calls)

	store = &failingStore{Memory: mem, failures: 100}
	_, err = newEvaluator(store, &recorder{}).Ingest(context.Background(), input("CNC-06", t0, 50, 1), "http")
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrTransient))
	assert.Equal(t, 5, store.calls)
}

func TestIngest_RacesLivenessWithoutLosingWrites(t *testing.T) {
	for i := 0; i < 20; i++ {
		store := storage.NewMemory()
		m := seedMachine(t, store, "CNC-07", models.StatusOnline, onlineSince(10*time.Minute))
		e := newEvaluator(store, &recorder{})
		mon := liveness.New(liveness.Config{
			Store:   store,
			Timeout: 5 * time.Minute,
			Retry:   storage.RetryPolicy{MaxAttempts: 10, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
			Now:     func() time.Time { return t0 },
		})

		var (
			wg        sync.WaitGroup
			ingestErr error
			stats     liveness.SweepStats
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, ingestErr = e.Ingest(context.Background(), input("CNC-07", t0, 50, 1), "http")
		}()
		go func() {
			defer wg.Done()
			stats = mon.Sweep(context.Background())
		}()
		wg.Wait()

		require.NoError(t, ingestErr)
		assert.Zero(t, stats.Failed)

		got, err := store.GetMachine(context.Background(), m.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusOnline, got.Status, "fresh sample wins either ordering")
		assert.Equal(t, t0, *got.LastTelemetryAt)
		assert.Equal(t, m.Thresholds, got.Thresholds)
		assert.Greater(t, got.Version, m.Version)

		samples, err := store.RecentSamples(context.Background(), m.ID, 10)
		require.NoError(t, err)
		assert.Len(t, samples, 1)
	}
}
