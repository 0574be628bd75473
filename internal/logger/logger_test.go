package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogLevels(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{DebugLevel, "DEBUG"},
		{InfoLevel, "INFO"},
		{WarnLevel, "WARN"},
		{ErrorLevel, "ERROR"},
		{FatalLevel, "FATAL"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.level.String())
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLevel("debug"))
	assert.Equal(t, WarnLevel, ParseLevel("WARN"))
	assert.Equal(t, InfoLevel, ParseLevel("nonsense"))
}

func TestStructuredLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, WarnLevel)

	l.Info("should not appear")
	assert.Empty(t, buf.String())

	l.Warn("should appear")
	assert.Contains(t, buf.String(), "should appear")
}

func TestStructuredLoggerFieldsAndJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, DebugLevel)

	l.Info("hello", String("peer", "p1"), Err(errors.New("boom")))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["message"])
	assert.Equal(t, "p1", entry["peer"])
	assert.Equal(t, "boom", entry["error"])
}

func TestWithFieldsAccumulates(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, DebugLevel)
	child := base.WithFields(String("component", "mls"))

	child.Info("advanced epoch", Uint64("epoch", 3))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "mls", entry["component"])
	assert.Equal(t, float64(3), entry["epoch"])
}

func TestSetGetLevel(t *testing.T) {
	l := New(&bytes.Buffer{}, InfoLevel)
	assert.Equal(t, InfoLevel, l.GetLevel())
	l.SetLevel(ErrorLevel)
	assert.Equal(t, ErrorLevel, l.GetLevel())
}

func TestNopLogger(t *testing.T) {
	var n Logger = Nop{}
	n.Info("noop")
	assert.Equal(t, DebugLevel, n.GetLevel())
}
