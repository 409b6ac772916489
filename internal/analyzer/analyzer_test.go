package analyzer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"machinewatch/internal/alerts"
	"machinewatch/internal/models"
	"machinewatch/internal/storage"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []*models.AlertEvent
}

func (r *recorder) Dispatch(events ...*models.AlertEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

// seed registers a machine and writes temps oldest first, one per second
func seed(t *testing.T, store storage.Store, code string, temps ...float64) *models.Machine {
	t.Helper()
	ctx := context.Background()
	m := &models.Machine{
		ID:        "id-" + code,
		Code:      code,
		Name:      code,
		Type:      models.MachineMotor,
		Monitored: true,
		Status:    models.StatusOnline,
		Version:   1,
	}
	require.NoError(t, store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.CreateMachine(ctx, m); err != nil {
			return err
		}
		for i, v := range temps {
			s := &models.Sample{
				ID:          fmt.Sprintf("%s-%d", code, i),
				MachineID:   m.ID,
				Timestamp:   t0.Add(time.Duration(i-len(temps)) * time.Second),
				Temperature: models.Float(v),
			}
			if err := tx.InsertSample(ctx, s); err != nil {
				return err
			}
		}
		return nil
	}))
	return m
}

func flat(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func newAnalyzer(store storage.Store, rec *recorder) *Analyzer {
	return New(Config{
		Store:      store,
		Dispatcher: rec,
		Window:     50,
		Detector:   alerts.Detector{MinSamples: 10, Sigma: 3},
		Now:        func() time.Time { return t0 },
	})
}

func TestSweep_RaisesPredictiveAlert(t *testing.T) {
	store := storage.NewMemory()
	rec := &recorder{}
	m := seed(t, store, "MOTOR-01", append(flat(19, 70), 95)...)

	stats := newAnalyzer(store, rec).Sweep(context.Background())
	assert.Equal(t, SweepStats{Machines: 1, Alerted: 1}, stats)

	list, err := store.ListAlerts(context.Background(), models.AlertFilter{MachineID: m.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)

	a := list[0]
	assert.Equal(t, models.AlertPredictiveAnomaly, a.Type)
	assert.Equal(t, models.SeverityWarning, a.Severity)
	assert.Equal(t, 95.0, *a.TriggerValue)
	assert.InDelta(t, 71.25+3*5.448623679, *a.ThresholdValue, 1e-6)
	assert.Equal(t, t0, a.CreatedAt)
	assert.Contains(t, a.Message, "deviates significantly")

	require.Len(t, rec.events, 1)
	assert.Equal(t, "MOTOR-01", rec.events[0].MachineCode)
	assert.Equal(t, "analyzer", rec.events[0].Source)

	got, err := store.GetMachine(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, got.Status, "predictive alerts never change status")
	assert.Equal(t, int64(1), got.Version)
}

func TestSweep_OutlierOnTheBandIsIgnored(t *testing.T) {
	store := storage.NewMemory()
	seed(t, store, "MOTOR-02", append(flat(9, 70), 95)...)

	stats := newAnalyzer(store, &recorder{}).Sweep(context.Background())
	assert.Equal(t, SweepStats{Machines: 1}, stats)
}

func TestSweep_TooFewSamples(t *testing.T) {
	store := storage.NewMemory()
	seed(t, store, "MOTOR-03", append(flat(8, 70), 500)...)

	stats := newAnalyzer(store, &recorder{}).Sweep(context.Background())
	assert.Zero(t, stats.Alerted)
}

func TestSweep_OnlyLatestWindowCounts(t *testing.T) {
	store := storage.NewMemory()
	// 95 sits outside the most recent window of 20
	seed(t, store, "MOTOR-04", append(append(flat(10, 70), 95), flat(20, 70)...)...)

	a := newAnalyzer(store, &recorder{})
	a.window = 20
	assert.Zero(t, a.Sweep(context.Background()).Alerted)
}

func TestSweep_RepeatsEveryTick(t *testing.T) {
	store := storage.NewMemory()
	m := seed(t, store, "MOTOR-05", append(flat(19, 70), 95)...)
	a := newAnalyzer(store, &recorder{})

	a.Sweep(context.Background())
	a.Sweep(context.Background())

	list, err := store.ListAlerts(context.Background(), models.AlertFilter{MachineID: m.ID})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

type flakyStore struct {
	*storage.Memory
	failFor string
}

func (s *flakyStore) RecentTemperatures(ctx context.Context, machineID string, limit int) ([]float64, error) {
	if machineID == s.failFor {
		return nil, errors.New("read timeout")
	}
	return s.Memory.RecentTemperatures(ctx, machineID, limit)
}

func TestSweep_IsolatesMachineFailures(t *testing.T) {
	mem := storage.NewMemory()
	bad := seed(t, mem, "A-BAD", append(flat(19, 70), 95)...)
	seed(t, mem, "B-GOOD", append(flat(19, 70), 95)...)

	stats := newAnalyzer(&flakyStore{Memory: mem, failFor: bad.ID}, &recorder{}).Sweep(context.Background())
	assert.Equal(t, SweepStats{Machines: 2, Alerted: 1, Failed: 1}, stats)
}

func TestSweep_ObservesCancellation(t *testing.T) {
	store := storage.NewMemory()
	seed(t, store, "MOTOR-06", append(flat(19, 70), 95)...)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats := newAnalyzer(store, &recorder{}).Sweep(ctx)
	assert.Zero(t, stats.Machines)
}

func TestStart_SweepsBeforeFirstPeriod(t *testing.T) {
	store := storage.NewMemory()
	rec := &recorder{}
	seed(t, store, "MOTOR-01", append(flat(19, 70), 95)...)

	a := New(Config{
		Store:      store,
		Dispatcher: rec,
		Period:     time.Hour,
		Window:     50,
		Detector:   alerts.Detector{MinSamples: 10, Sigma: 3},
		Now:        func() time.Time { return t0 },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.events) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("analyzer did not stop")
	}
}
