package logger

import (
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type testSink struct {
	buf []byte
}

func (s *testSink) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

func TestGetLevelFromEnv(t *testing.T) {
	old := os.Getenv("TIERCACHE_LOG_LEVEL")
	defer os.Setenv("TIERCACHE_LOG_LEVEL", old)

	os.Setenv("TIERCACHE_LOG_LEVEL", "trace")
	assert.Equal(t, LevelTrace, GetLevelFromEnv())
	os.Setenv("TIERCACHE_LOG_LEVEL", "DEBUG")
	assert.Equal(t, LevelDebug, GetLevelFromEnv())
	os.Setenv("TIERCACHE_LOG_LEVEL", "warn")
	assert.Equal(t, LevelWarn, GetLevelFromEnv())
	os.Setenv("TIERCACHE_LOG_LEVEL", "error")
	assert.Equal(t, LevelError, GetLevelFromEnv())
	os.Setenv("TIERCACHE_LOG_LEVEL", "none")
	assert.Equal(t, LevelNone, GetLevelFromEnv())
	os.Setenv("TIERCACHE_LOG_LEVEL", "bogus")
	assert.Equal(t, LevelInfo, GetLevelFromEnv())
}

func TestJSONLogEntryString(t *testing.T) {
	entry := JSONLogEntry{
		Message: "Test message",
	}
	var parsed map[string]interface{}
	err := json.Unmarshal([]byte(entry.String()), &parsed)
	assert.NoError(t, err)
	assert.Equal(t, "Test message", parsed["message"])
	assert.Equal(t, "INFO", parsed["severity"]) // Default severity

	entry = JSONLogEntry{
		Message:  "Test message",
		Severity: "ERROR",
		Metadata: map[string]interface{}{
			"key1": "value1",
			"key2": 42,
		},
	}
	err = json.Unmarshal([]byte(entry.String()), &parsed)
	assert.NoError(t, err)
	assert.Equal(t, "ERROR", parsed["severity"])
	metadata := parsed["metadata"].(map[string]interface{})
	assert.Equal(t, "value1", metadata["key1"])
	assert.Equal(t, float64(42), metadata["key2"]) // JSON numbers are float64
}

func TestJSONLoggerSink(t *testing.T) {
	sink := &testSink{}
	logger := NewJSONLoggerWithSink(sink, LevelTrace)

	logger.WithPrefix("cache").Info("hit %s", "user:1")

	var parsed map[string]interface{}
	err := json.Unmarshal(sink.buf, &parsed)
	assert.NoError(t, err)
	assert.Equal(t, "hit user:1", parsed["message"])
	assert.Equal(t, "INFO", parsed["severity"])
	assert.Equal(t, "cache", parsed["component"])
}

func TestJSONLoggerLevelFilter(t *testing.T) {
	sink := &testSink{}
	logger := NewJSONLoggerWithSink(sink, LevelWarn)

	logger.Debug("dropped")
	assert.Empty(t, sink.buf)

	logger.Warn("kept")
	assert.NotEmpty(t, sink.buf)
}

func TestJSONLoggerWith(t *testing.T) {
	sink := &testSink{}
	logger := NewJSONLoggerWithSink(sink, LevelTrace)

	logger.With(map[string]interface{}{"tier": "fast"}).Error("boom")

	var parsed map[string]interface{}
	err := json.Unmarshal(sink.buf, &parsed)
	assert.NoError(t, err)
	metadata := parsed["metadata"].(map[string]interface{})
	assert.Equal(t, "fast", metadata["tier"])
}

func TestConsoleLoggerSink(t *testing.T) {
	sink := &testSink{}
	logger := NewConsoleLogger(LevelNone)
	logger.SetSink(sink, LevelDebug)

	logger.Trace("dropped")
	assert.Empty(t, sink.buf)

	logger.Debug("entry %d", 1)
	assert.Contains(t, string(sink.buf), "[DEBUG]")
	assert.Contains(t, string(sink.buf), "entry 1")
}

func TestColorConstantsStrip(t *testing.T) {
	colors := map[string]string{
		"Reset": Reset, "Red": Red, "Green": Green, "Magenta": Magenta,
		"BlueBold": BlueBold, "MagentaBold": MagentaBold, "RedBold": RedBold,
		"YellowBold": YellowBold, "WhiteBold": WhiteBold, "CyanBold": CyanBold,
		"Gray": Gray, "Purple": Purple,
	}
	for name, c := range colors {
		assert.True(t, strings.HasPrefix(c, "\033["), "%s is not an escape sequence: %q", name, c)
		assert.Empty(t, ansiColorStripper.ReplaceAllString(c, ""), "%s survives stripping", name)
	}
}

func TestTestLoggerRecords(t *testing.T) {
	tl := NewTestLogger()
	tl.Warn("slow flush: %v", "500ms")
	tl.Error("flush failed")

	assert.Len(t, tl.Logs, 2)
	assert.Equal(t, "WARNING", tl.Logs[0].Severity)
	assert.Equal(t, "slow flush: %v", tl.Logs[0].Message)
	assert.Equal(t, "ERROR", tl.Logs[1].Severity)
}

func TestStack(t *testing.T) {
	a := NewTestLogger()
	b := NewTestLogger()
	stacked := a.Stack(b)

	stacked.Info("both")
	assert.Len(t, b.Logs, 1)
}
