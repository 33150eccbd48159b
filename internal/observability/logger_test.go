// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/scalpel-sast/internal/config"
)

// initBuffered initializes the global logger against an in-memory console.
func initBuffered(t *testing.T, cfg config.LoggerConfig) *bytes.Buffer {
	t.Helper()
	ResetForTest()
	t.Cleanup(ResetForTest)
	var buf bytes.Buffer
	Initialize(cfg, zapcore.AddSync(&buf))
	return &buf
}

func TestInitialize(t *testing.T) {
	t.Run("console logger with colors", func(t *testing.T) {
		buf := initBuffered(t, config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "TestService",
			Colors:      config.ColorConfig{Info: "blue"},
		})
		GetLogger().Named("engine").Info("Scan started.")
		Sync()

		out := buf.String()
		assert.Contains(t, out, "INFO")
		assert.Contains(t, out, "Scan started.")
		assert.Contains(t, out, "TestService.engine.")
		assert.Contains(t, out, colorBlue, "configured color wins")
		assert.Contains(t, out, colorReset)
	})

	t.Run("unset colors fall back to defaults", func(t *testing.T) {
		buf := initBuffered(t, config.LoggerConfig{Level: "info", Format: "console"})
		GetLogger().Warn("careful")
		assert.Contains(t, buf.String(), colorYellow)
	})

	t.Run("json logger", func(t *testing.T) {
		buf := initBuffered(t, config.LoggerConfig{Level: "info", Format: "json", ServiceName: "JSONTest"})
		GetLogger().Warn("Rejected rule.", zap.String("rule_id", "eval-call"))
		Sync()

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "JSONTest", entry["logger"])
		assert.Equal(t, "Rejected rule.", entry["msg"])
		assert.Equal(t, "eval-call", entry["rule_id"])
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		buf := initBuffered(t, config.LoggerConfig{Level: "chatty", Format: "json"})
		GetLogger().Debug("hidden")
		GetLogger().Info("shown")
		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("SetLevel applies to the running logger", func(t *testing.T) {
		buf := initBuffered(t, config.LoggerConfig{Level: "info", Format: "json"})
		GetLogger().Debug("before")
		SetLevel(zapcore.DebugLevel)
		GetLogger().Debug("after")
		assert.NotContains(t, buf.String(), "before")
		assert.Contains(t, buf.String(), "after")
	})

	t.Run("log file is written", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "scalpel.log")
		initBuffered(t, config.LoggerConfig{Level: "debug", Format: "console", LogFile: logFile, MaxSize: 1})
		GetLogger().Error("This should go to the file.")
		Sync()

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "This should go to the file.")
		assert.Contains(t, string(content), `"level":"ERROR"`, "the file core is always JSON")
	})

	t.Run("only the first call counts", func(t *testing.T) {
		buf := initBuffered(t, config.LoggerConfig{Level: "info", Format: "json", ServiceName: "First"})
		first := GetLogger()

		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "Second"}, zapcore.AddSync(&bytes.Buffer{}))
		second := GetLogger()

		assert.Same(t, first, second)
		second.Info("test")
		assert.Contains(t, buf.String(), "First")
		assert.NotContains(t, buf.String(), "Second")
	})
}

func TestGetLogger(t *testing.T) {
	t.Run("fallback before initialization", func(t *testing.T) {
		ResetForTest()
		require.NotNil(t, GetLogger())
	})

	t.Run("global logger after initialization", func(t *testing.T) {
		initBuffered(t, config.LoggerConfig{Level: "info", ServiceName: "GlobalTest"})
		assert.Same(t, globalLogger.Load(), GetLogger())
	})
}
