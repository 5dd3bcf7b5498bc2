package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	return line
}

func TestContextFieldsPropagate(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "debug", Format: "json", Output: &buf, ServiceName: "test"})

	ctx := l.WithContext(context.Background())
	ctx = SetJobID(ctx, "job-1")
	ctx = SetTaskID(ctx, "task-1")
	ctx = SetProvider(ctx, "hibp")

	CtxInfo(ctx, "attempt %d", 2)

	line := decodeLine(t, &buf)
	assert.Equal(t, "attempt 2", line["message"])
	assert.Equal(t, "job-1", line[FieldJobID])
	assert.Equal(t, "task-1", line[FieldTaskID])
	assert.Equal(t, "hibp", line[FieldProvider])
	assert.Equal(t, "test", line["service"])
	assert.Equal(t, "job-1", GetJobID(ctx))
}

func TestEntryMetricFields(t *testing.T) {
	var buf bytes.Buffer
	ctx := New(&Config{Level: "info", Output: &buf}).WithContext(context.Background())

	With(Fields{FieldCount: 3}).WithAttempt(2).WithDuration(1500*time.Millisecond).Warn(ctx, "retrying")

	line := decodeLine(t, &buf)
	assert.Equal(t, "warning", line["level"])
	assert.EqualValues(t, 3, line[FieldCount])
	assert.EqualValues(t, 2, line[FieldAttempt])
	assert.EqualValues(t, 1500, line[FieldDurationMs])
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	assert.Same(t, GetDefault(), FromContext(context.Background()))
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_MAX_SIZE", "not-a-number")
	t.Setenv("LOG_COMPRESS", "false")

	cfg := LoadFromEnv()
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, 100, cfg.MaxSize)
	assert.False(t, cfg.Compress)
}
