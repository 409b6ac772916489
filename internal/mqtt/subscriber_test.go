package mqtt

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"machinewatch/internal/config"
	"machinewatch/internal/ingest"
	"machinewatch/internal/models"
	"machinewatch/internal/storage"
)

type fakeIngester struct {
	got []models.SampleInput
	err error
}

func (f *fakeIngester) Ingest(_ context.Context, in models.SampleInput, source string) (*ingest.Result, error) {
	f.got = append(f.got, in)
	if f.err != nil {
		return nil, f.err
	}
	return &ingest.Result{Status: models.StatusOnline}, nil
}

func TestDecodeSample_MachineFromTopic(t *testing.T) {
	in, err := DecodeSample("machines/CNC-01/telemetry", []byte(`{"timestamp":"2024-05-01T12:00:00Z","temperature":70}`))
	require.NoError(t, err)
	assert.Equal(t, "CNC-01", in.MachineID)

	in, err = DecodeSample("machines/CNC-01/telemetry", []byte(`{"machine_id":"PUMP-02","temperature":70}`))
	require.NoError(t, err)
	assert.Equal(t, "PUMP-02", in.MachineID)

	in, err = DecodeSample("factory/raw", []byte(`{"temperature":70}`))
	require.NoError(t, err)
	assert.Empty(t, in.MachineID)

	_, err = DecodeSample("machines/CNC-01/telemetry", []byte(`{`))
	require.Error(t, err)
}

func TestHandle_Counters(t *testing.T) {
	f := &fakeIngester{}
	s := NewSubscriber(config.MQTTConfig{Topic: "machines/+/telemetry"}, f)
	ctx := context.Background()

	s.Handle(ctx, "machines/CNC-01/telemetry", []byte(`{"temperature":70}`))
	s.Handle(ctx, "machines/CNC-01/telemetry", []byte(`garbage`))

	f.err = storage.ErrMachineNotFound
	s.Handle(ctx, "machines/NOPE/telemetry", []byte(`{"temperature":70}`))

	f.err = errors.New("store down")
	s.Handle(ctx, "machines/CNC-01/telemetry", []byte(`{"temperature":70}`))

	assert.Equal(t, Stats{Received: 4, Rejected: 2, Failed: 1}, s.Stats())
	require.Len(t, f.got, 3)
	assert.Equal(t, "NOPE", f.got[1].MachineID)
}
