package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFromString(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, levelFromString(" DEBUG "))
	assert.Equal(t, slog.LevelWarn, levelFromString("warning"))
	assert.Equal(t, slog.LevelError, levelFromString("error"))
	assert.Equal(t, slog.LevelInfo, levelFromString("verbose"))
}

func TestComponentLoggerEmitsJSON(t *testing.T) {
	var buf bytes.Buffer
	log := Component(newLogger(&buf, "info"), "dispatch")
	log.Debug("hidden")
	log.Info("ride requested", "booking_id", "b1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "dispatch", rec["component"])
	assert.Equal(t, "b1", rec["booking_id"])
	assert.Equal(t, "ride requested", rec["msg"])
	assert.Contains(t, rec, "source")
}
