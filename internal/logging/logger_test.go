package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLoggerDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf
	cfg.NoColor = true
	logger := NewLogger(cfg)
	require := assert.New(t)
	require.NotNil(logger)

	logger.Debug("should not appear")
	require.Empty(buf.String())

	logger.Info("hello")
	require.Contains(buf.String(), "hello")
}

func TestWithAddsStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf, NoColor: true})

	vmLogger := logger.With("vm", "prod.web.1")
	vmLogger.Info("created")
	assert.Contains(t, buf.String(), "vm=prod.web.1")

	buf.Reset()
	connLogger := vmLogger.With("conn", "c-1")
	connLogger.Debug("dispatch")
	out := buf.String()
	assert.Contains(t, out, "vm=prod.web.1")
	assert.Contains(t, out, "conn=c-1")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   LevelDebug,
		"":        LevelInfo,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		assert.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseLevel("bogus")
	assert.Error(t, err)
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf, NoColor: true}))

	Info("info message")
	assert.Contains(t, buf.String(), "info message")

	buf.Reset()
	Error("error message")
	assert.Contains(t, buf.String(), "error message")
}
