package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildLoggersCarryAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, LevelDebug)

	l.WithTask("plan-1").WithStep(2).WithComponent("runtime").Info("step started", "tool", "write_file")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "plan-1", entry["task_id"])
	assert.Equal(t, float64(2), entry["step"])
	assert.Equal(t, "runtime", entry["component"])
	assert.Equal(t, "write_file", entry["tool"])
	assert.Equal(t, "step started", entry["msg"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, LevelWarn)

	l.Info("hidden")
	l.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Info("nothing")
	assert.Nil(t, l.WithTask("x"))
	assert.NoError(t, l.Close())
}

func TestNewLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir, "info")
	require.NoError(t, err)
	l.Info("hello")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(filepath.Join(dir, "airlock.log"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "hello"))
}
