package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)

	logger, err := New(Config{Level: "warn"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestForIsolateTagsEntries(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	ForIsolate(zap.New(core), "iso_1", "worker").Info("hello")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "iso_1", fields["isolate"])
	assert.Equal(t, "worker", fields["isolate_name"])
	assert.Equal(t, "isolate", entries[0].LoggerName)
}

func TestForIsolateWithoutParent(t *testing.T) {
	assert.NotPanics(t, func() { ForIsolate(nil, "iso_1", "").Info("dropped") })
}

func TestConsoleLevel(t *testing.T) {
	assert.Equal(t, zapcore.InfoLevel, ConsoleLevel("log"))
	assert.Equal(t, zapcore.DebugLevel, ConsoleLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, ConsoleLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, ConsoleLevel("error"))
}
