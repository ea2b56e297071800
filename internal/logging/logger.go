package logging

import (
	"log/slog"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

// Level is a log level shared by every logger built from it. It can be
// changed while the process runs.
type Level struct {
	atomic zap.AtomicLevel
}

// Set applies a textual level (debug, info, warn, error).
func (l *Level) Set(level string) {
	l.atomic.SetLevel(parseLevel(level))
}

// String returns the current level name.
func (l *Level) String() string {
	return l.atomic.Level().String()
}

// New creates a slog.Logger backed by a zap core writing to stderr, which
// keeps stdout free for the MCP stdio transport. format is "json" or
// "console"; anything else falls back to console output.
func New(level, format string) (*slog.Logger, *Level) {
	lvl := &Level{atomic: zap.NewAtomicLevelAt(parseLevel(level))}

	var encoder zapcore.Encoder
	if strings.EqualFold(format, "json") {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), lvl.atomic)
	return slog.New(zapslog.NewHandler(core)), lvl
}

// NewTest returns a logger that writes through the test's log output.
func NewTest(t zaptest.TestingT) *slog.Logger {
	core := zaptest.NewLogger(t, zaptest.Level(zap.DebugLevel)).Core()
	return slog.New(zapslog.NewHandler(core))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(zapslog.NewHandler(zapcore.NewNopCore()))
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
