package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"machinewatch/internal/models"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func seedMachine(t *testing.T, s Store, code string) *models.Machine {
	t.Helper()
	m := &models.Machine{ID: "id-" + code, Code: code, Name: code, Type: models.MachineOther, Monitored: true, Status: models.StatusOnline, Version: 1}
	require.NoError(t, s.InTx(context.Background(), func(tx Tx) error {
		return tx.CreateMachine(context.Background(), m)
	}))
	return m
}

func TestMemory_StateUpdateVersionConflict(t *testing.T) {
	s := NewMemory()
	m := seedMachine(t, s, "CNC-01")
	ctx := context.Background()

	err := s.InTx(ctx, func(tx Tx) error {
		v, err := tx.UpdateMachineState(ctx, m.ID, 1, models.StatusWarning, nil, t0)
		assert.Equal(t, int64(2), v)
		return err
	})
	require.NoError(t, err)

	err = s.InTx(ctx, func(tx Tx) error {
		_, err := tx.UpdateMachineState(ctx, m.ID, 1, models.StatusCritical, nil, t0)
		return err
	})
	require.ErrorIs(t, err, ErrVersionConflict)
	assert.True(t, IsRetryable(err))

	got, err := s.GetMachine(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWarning, got.Status)
	assert.Equal(t, int64(2), got.Version)
}

func TestMemory_ConflictDetectedAtCommit(t *testing.T) {
	s := NewMemory()
	m := seedMachine(t, s, "CNC-02")
	ctx := context.Background()

	err := s.InTx(ctx, func(tx Tx) error {
		if _, err := tx.UpdateMachineState(ctx, m.ID, 1, models.StatusOffline, nil, t0); err != nil {
			return err
		}
		if err := tx.InsertAlert(ctx, &models.Alert{ID: "a-1", MachineID: m.ID, Type: models.AlertMachineOffline, CreatedAt: t0}); err != nil {
			return err
		}

		// A competing writer commits first
		return s.InTx(ctx, func(other Tx) error {
			_, err := other.UpdateMachineState(ctx, m.ID, 1, models.StatusOnline, nil, t0)
			return err
		})
	})
	require.ErrorIs(t, err, ErrVersionConflict)

	_, err = s.GetAlert(ctx, "a-1")
	require.ErrorIs(t, err, ErrAlertNotFound, "aborted transaction leaves no alert")

	got, err := s.GetMachine(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, got.Status)
}

func TestMemory_FailedCallbackWritesNothing(t *testing.T) {
	s := NewMemory()
	m := seedMachine(t, s, "CNC-03")
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.InsertSample(ctx, &models.Sample{ID: "s-1", MachineID: m.ID, Timestamp: t0, Temperature: models.Float(50)}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	samples, err := s.RecentSamples(ctx, m.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestMemory_SampleOrderingAndTemperatures(t *testing.T) {
	s := NewMemory()
	m := seedMachine(t, s, "CNC-04")
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		for i, temp := range []*float64{models.Float(3), nil, models.Float(1), models.Float(2)} {
			// inserted out of order: 3 at +3s, gap at +0s, 1 at +1s, 2 at +2s
			offsets := []int{3, 0, 1, 2}
			smp := &models.Sample{ID: string(rune('a' + i)), MachineID: m.ID, Timestamp: t0.Add(time.Duration(offsets[i]) * time.Second), Temperature: temp, Vibration: models.Float(1)}
			if err := tx.InsertSample(ctx, smp); err != nil {
				return err
			}
		}
		return nil
	}))

	temps, err := s.RecentTemperatures(ctx, m.ID, 50)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, temps)

	temps, err = s.RecentTemperatures(ctx, m.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 3}, temps)

	recent, err := s.RecentSamples(ctx, m.ID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, t0.Add(3*time.Second), recent[0].Timestamp)

	between, err := s.SamplesBetween(ctx, m.ID, t0.Add(time.Second), t0.Add(3*time.Second))
	require.NoError(t, err)
	assert.Len(t, between, 2)

	err = s.InTx(ctx, func(tx Tx) error {
		n, err := tx.CountTemperatureAbove(ctx, m.ID, 1.5)
		assert.Equal(t, 2, n)
		return err
	})
	require.NoError(t, err)
}

func TestMemory_SoftDelete(t *testing.T) {
	s := NewMemory()
	m := seedMachine(t, s, "CNC-05")
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		cur, err := tx.GetMachine(ctx, m.ID)
		if err != nil {
			return err
		}
		at := t0
		cur.DeletedAt = &at
		return tx.UpdateMachine(ctx, cur)
	}))

	_, err := s.GetMachine(ctx, "CNC-05")
	require.ErrorIs(t, err, ErrMachineNotFound)

	list, err := s.ListMachines(ctx, MachineFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.CreateMachine(ctx, &models.Machine{ID: "id-new", Code: "CNC-05", Name: "again", Version: 1})
	}))
}

func TestMemory_AlertMergeIsMonotonic(t *testing.T) {
	s := NewMemory()
	m := seedMachine(t, s, "CNC-06")
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.InsertAlert(ctx, &models.Alert{ID: "a-1", MachineID: m.ID, Type: models.AlertThresholdTemperature, CreatedAt: t0})
	}))

	at := t0.Add(time.Minute)
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.UpdateAlert(ctx, &models.Alert{ID: "a-1", Resolved: true, ResolvedAt: &at})
	}))
	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		return tx.UpdateAlert(ctx, &models.Alert{ID: "a-1", Acknowledged: true, AcknowledgedAt: &at, AcknowledgementNotes: "ok"})
	}))

	a, err := s.GetAlert(ctx, "a-1")
	require.NoError(t, err)
	assert.True(t, a.Resolved, "a stale copy without resolution does not undo it")
	assert.True(t, a.Acknowledged)
	assert.Equal(t, "ok", a.AcknowledgementNotes)
}

func TestMemory_LatestAlertAndResolve(t *testing.T) {
	s := NewMemory()
	m := seedMachine(t, s, "CNC-07")
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		for i, id := range []string{"old", "new"} {
			a := &models.Alert{ID: id, MachineID: m.ID, Type: models.AlertMachineOffline, CreatedAt: t0.Add(time.Duration(i) * time.Minute)}
			if err := tx.InsertAlert(ctx, a); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		latest, err := tx.LatestAlert(ctx, m.ID, models.AlertMachineOffline, true)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, "new", latest.ID)

		n, err := tx.ResolveAlerts(ctx, m.ID, models.AlertMachineOffline, t0)
		assert.Equal(t, 2, n)
		return err
	}))

	require.NoError(t, s.InTx(ctx, func(tx Tx) error {
		latest, err := tx.LatestAlert(ctx, m.ID, models.AlertMachineOffline, true)
		assert.Nil(t, latest)
		return err
	}))

	list, err := s.ListAlerts(ctx, models.AlertFilter{MachineID: m.ID})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID, "newest first")
}

type countingStore struct {
	*Memory
	errs  []error
	calls int
}

func (s *countingStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.calls++
	if s.calls <= len(s.errs) {
		return s.errs[s.calls-1]
	}
	return s.Memory.InTx(ctx, fn)
}

func TestRetryTx(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	noop := func(Tx) error { return nil }
	ctx := context.Background()

	s := &countingStore{Memory: NewMemory(), errs: []error{ErrVersionConflict, ErrTransient}}
	require.NoError(t, RetryTx(ctx, s, policy, "test", noop))
	assert.Equal(t, 3, s.calls)

	s = &countingStore{Memory: NewMemory(), errs: []error{ErrMachineNotFound}}
	require.ErrorIs(t, RetryTx(ctx, s, policy, "test", noop), ErrMachineNotFound)
	assert.Equal(t, 1, s.calls)

	s = &countingStore{Memory: NewMemory(), errs: []error{ErrTransient, ErrTransient, ErrTransient, ErrTransient}}
	err := RetryTx(ctx, s, policy, "test", noop)
	require.ErrorIs(t, err, ErrTransient)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, RetryTx(cancelled, NewMemory(), policy, "test", noop), context.Canceled)
}

func TestRetryPolicy_BackOff(t *testing.T) {
	p := RetryPolicy{BaseBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}
	bo := p.BackOff()

	for _, interval := range []time.Duration{10, 20, 40, 50, 50} {
		interval *= time.Millisecond
		d := bo.NextBackOff()
		assert.GreaterOrEqual(t, d, interval*8/10)
		assert.LessOrEqual(t, d, interval*12/10)
	}

	fallback := RetryPolicy{}.BackOff()
	assert.Equal(t, DefaultRetryPolicy.BaseBackoff, fallback.InitialInterval)
	assert.Equal(t, DefaultRetryPolicy.MaxBackoff, fallback.MaxInterval)
}

func TestRetryTx_SingleAttempt(t *testing.T) {
	s := &countingStore{Memory: NewMemory(), errs: []error{ErrVersionConflict}}
	err := RetryTx(context.Background(), s, RetryPolicy{}, "test", func(Tx) error { return nil })
	require.ErrorIs(t, err, ErrVersionConflict)
	assert.Contains(t, err.Error(), "giving up after 1 attempts")
	assert.Equal(t, 1, s.calls)
}

func TestRetryTx_CancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &countingStore{Memory: NewMemory(), errs: []error{ErrTransient, ErrTransient}}
	policy := RetryPolicy{MaxAttempts: 5, BaseBackoff: 10 * time.Second, MaxBackoff: 10 * time.Second}

	time.AfterFunc(20*time.Millisecond, cancel)
	err := RetryTx(ctx, s, policy, "test", func(Tx) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, s.calls)
}
