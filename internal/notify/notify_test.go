package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"machinewatch/internal/models"
)

type fakeSink struct {
	name   string
	err    error
	single int
	batch  int
	closed bool
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Publish(context.Context, *models.AlertEvent) error {
	f.single++
	return f.err
}

func (f *fakeSink) PublishBatch(_ context.Context, events []*models.AlertEvent) error {
	f.batch += len(events)
	return f.err
}

func (f *fakeSink) Close() error {
	f.closed = true
	return nil
}

func event(id string) *models.AlertEvent {
	a := &models.Alert{ID: id, MachineID: "m-1", Type: models.AlertMachineOffline, Severity: models.SeverityWarning, Message: "Machine CNC-01 is offline"}
	return models.NewAlertEvent(a, "CNC-01", "liveness")
}

func TestFanout_PublishesToEverySink(t *testing.T) {
	ok := &fakeSink{name: "ok"}
	bad := &fakeSink{name: "bad", err: errors.New("down")}
	f := NewFanout(ok, bad, LogSink{})

	err := f.PublishBatch(context.Background(), []*models.AlertEvent{event("a-1"), event("a-2")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: down")
	assert.Equal(t, 2, ok.batch)
	assert.Equal(t, 2, bad.batch)

	require.NoError(t, NewFanout(ok).Publish(context.Background(), event("a-3")))
	assert.Equal(t, 1, ok.single)

	assert.Equal(t, []string{"ok", "bad", "log"}, f.Sinks())
	require.NoError(t, f.Close())
	assert.True(t, ok.closed)
	assert.True(t, bad.closed)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "alerts.machine-offline", Subject("alerts", event("a-1")))
	assert.Equal(t, "plant1.alerts.machine-offline", Subject("plant1.alerts.", event("a-1")))
}

func TestHub_BroadcastsAlerts(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Publish(context.Background(), event("a-1")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got struct {
		Type    string             `json:"type"`
		Payload *models.AlertEvent `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "alert", got.Type)
	assert.Equal(t, "a-1", got.Payload.Alert.ID)
	assert.Equal(t, "CNC-01", got.Payload.MachineCode)

	require.NoError(t, hub.Close())
	assert.Zero(t, hub.Clients())
	require.NoError(t, hub.Publish(context.Background(), event("a-2")))
}
