package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestAdapt_WithCarriesAttributes(t *testing.T) {
	var buf bytes.Buffer
	l := Adapt(NewWithWriter("info", &buf)).With("queue", "email-queue")
	l.Warn("nack", "message_id", "m-1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "nack", entry["msg"])
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "email-queue", entry["queue"])
	assert.Equal(t, "m-1", entry["message_id"])
}

func TestAdapt_NilIsSafe(t *testing.T) {
	l := Adapt(nil)
	l.Info("dropped")
	l.With("k", "v").Error("dropped")
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pushpipe.log")
	logger, closer := New("info", FileOptions{Path: path, MaxSizeMB: 1})
	logger.Info("started", "port", 8080)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"started"`)
}
