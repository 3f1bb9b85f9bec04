package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithContextAddsRunFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, slog.LevelInfo, true)

	ctx := ContextWithRunID(context.Background(), "run-1")
	ctx = ContextWithService(ctx, "svc-a")

	log.WithContext(ctx).WithComponent("prober").WithError(errors.New("boom")).Info("step done")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "run-1", entry["run_id"])
	assert.Equal(t, "svc-a", entry["service"])
	assert.Equal(t, "prober", entry["component"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "step done", entry["msg"])
}

func TestRunIDFromContext(t *testing.T) {
	assert.Empty(t, RunIDFromContext(context.Background()))
	assert.Equal(t, "run-1", RunIDFromContext(ContextWithRunID(context.Background(), "run-1")))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, slog.LevelWarn, false)

	log.Info("hidden")
	assert.Empty(t, buf.String())

	log.Warn("shown")
	assert.Contains(t, buf.String(), "shown")
}
