package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"machinewatch/internal/models"
)

// newTestPostgres connects to POSTGRES_TEST_DSN and skips without it
func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := NewPostgres(ctx, PostgresConfig{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func pgMachine(code string) *models.Machine {
	return &models.Machine{
		ID:        uuid.NewString(),
		Code:      code,
		Name:      code,
		Type:      models.MachinePump,
		Monitored: true,
		Status:    models.StatusOffline,
		Version:   1,
		CreatedAt: t0,
		UpdatedAt: t0,
	}
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(&pgconn.PgError{Code: "40001"}), ErrTransient)
	assert.ErrorIs(t, classify(&pgconn.PgError{Code: "40P01"}), ErrTransient)
	assert.ErrorIs(t, classify(&pgconn.PgError{Code: "23505"}), ErrDuplicateCode)
	assert.NotErrorIs(t, classify(&pgconn.PgError{Code: "42601"}), ErrTransient)
	assert.Nil(t, classify(nil))
}

func TestPostgres_VersionedWrites(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	m := pgMachine(fmt.Sprintf("PG-%d", time.Now().UnixNano()))

	require.NoError(t, p.InTx(ctx, func(tx Tx) error { return tx.CreateMachine(ctx, m) }))

	err := p.InTx(ctx, func(tx Tx) error {
		_, err := tx.UpdateMachineState(ctx, m.ID, 1, models.StatusOnline, &t0, t0)
		return err
	})
	require.NoError(t, err)

	err = p.InTx(ctx, func(tx Tx) error {
		_, err := tx.UpdateMachineState(ctx, m.ID, 1, models.StatusCritical, &t0, t0)
		return err
	})
	require.ErrorIs(t, err, ErrVersionConflict)

	got, err := p.GetMachine(ctx, m.Code)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnline, got.Status)
	assert.Equal(t, int64(2), got.Version)

	dup := pgMachine(m.Code)
	err = p.InTx(ctx, func(tx Tx) error { return tx.CreateMachine(ctx, dup) })
	require.ErrorIs(t, err, ErrDuplicateCode)
}

func TestPostgres_SamplesAndAlerts(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()
	m := pgMachine(fmt.Sprintf("PG-%d", time.Now().UnixNano()))

	require.NoError(t, p.InTx(ctx, func(tx Tx) error {
		if err := tx.CreateMachine(ctx, m); err != nil {
			return err
		}
		for i, temp := range []float64{70, 85, 91} {
			s := &models.Sample{
				ID:          uuid.NewString(),
				MachineID:   m.ID,
				Timestamp:   t0.Add(time.Duration(i) * time.Second),
				Temperature: models.Float(temp),
				ReceivedAt:  t0,
			}
			if err := tx.InsertSample(ctx, s); err != nil {
				return err
			}
		}
		n, err := tx.CountTemperatureAbove(ctx, m.ID, 80)
		if err != nil {
			return err
		}
		assert.Equal(t, 2, n, "counts samples written in the same transaction")

		return tx.InsertAlert(ctx, &models.Alert{
			ID:        uuid.NewString(),
			MachineID: m.ID,
			Type:      models.AlertMachineOffline,
			Severity:  models.SeverityWarning,
			Message:   "offline",
			CreatedAt: t0,
		})
	}))

	temps, err := p.RecentTemperatures(ctx, m.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{85, 91}, temps)

	require.NoError(t, p.InTx(ctx, func(tx Tx) error {
		latest, err := tx.LatestAlert(ctx, m.ID, models.AlertMachineOffline, true)
		if err != nil {
			return err
		}
		require.NotNil(t, latest)

		n, err := tx.ResolveAlerts(ctx, m.ID, models.AlertMachineOffline, t0)
		assert.Equal(t, 1, n)
		return err
	}))

	list, err := p.ListAlerts(ctx, models.AlertFilter{MachineID: m.ID, UnresolvedOnly: true})
	require.NoError(t, err)
	assert.Empty(t, list)
}
