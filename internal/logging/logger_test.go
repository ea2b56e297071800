package logging

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("bogus"))
}

func TestLevelCanChangeAtRuntime(t *testing.T) {
	logger, level := New("info", "json")
	ctx := context.Background()

	assert.False(t, logger.Enabled(ctx, slog.LevelDebug))
	assert.Equal(t, "info", level.String())

	level.Set("debug")
	assert.True(t, logger.Enabled(ctx, slog.LevelDebug))
	assert.Equal(t, "debug", level.String())
}

func TestDiscardDropsEverything(t *testing.T) {
	assert.False(t, Discard().Enabled(context.Background(), slog.LevelError))
}
