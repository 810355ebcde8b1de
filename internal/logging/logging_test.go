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

	"github.com/soyunomas/topowarden/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("whatever"))
}

func TestNewHandler_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "json", slog.LevelInfo))
	logger.Debug("hidden")
	logger.Info("neighbor", "chassis", "00:11:22:33:44:55")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "neighbor", rec["msg"])
	assert.Equal(t, "00:11:22:33:44:55", rec["chassis"])
}

func TestInit_LogFile(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	path := filepath.Join(t.TempDir(), "tw.log")
	f, err := Init(&config.SystemConfig{LogFile: path, LogLevel: "info", LogFormat: "text"})
	require.NoError(t, err)
	require.NotNil(t, f)
	defer f.Close()

	Component("test").Info("hello")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "component=test")

	f2, err := Init(&config.SystemConfig{LogFile: "/dev/null"})
	require.NoError(t, err)
	assert.Nil(t, f2)
}
