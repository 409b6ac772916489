package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := Logger
	InitWithWriter("debug", &buf)
	buf.Reset()
	t.Cleanup(func() {
		Logger = prev
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	})
	return &buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	return entry
}

func TestHelpers_ChainLevelsDirectly(t *testing.T) {
	buf := capture(t)

	WithComponent("worker").Warn().Msg("queue full")
	entry := lastLine(t, buf)
	assert.Equal(t, "worker", entry["component"])
	assert.Equal(t, "warn", entry["level"])

	WithRequestID("req-1").Error().Msg("boom")
	entry = lastLine(t, buf)
	assert.Equal(t, "req-1", entry["request_id"])

	WithMachine("liveness", "m-1").Info().Msg("offline")
	entry = lastLine(t, buf)
	assert.Equal(t, "liveness", entry["component"])
	assert.Equal(t, "m-1", entry["machine_id"])
	assert.Equal(t, "machinewatch", entry["service"])
}

func TestHelpers_DoNotMutateGlobal(t *testing.T) {
	buf := capture(t)

	WithComponent("worker").Info().Msg("scoped")
	Logger.Info().Msg("global")

	entry := lastLine(t, buf)
	assert.NotContains(t, entry, "component")
}

func TestNopUntilInit(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { Logger = prev })
	Logger = zerolog.Nop()

	assert.NotPanics(t, func() { WithComponent("x").Error().Msg("dropped") })
}
