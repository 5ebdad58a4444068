package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger. format is "json" (production) or "console"
// (development); unknown formats fall back to json.
func New(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.Set(strings.ToLower(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Encoding = "json"
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}

// Global logger instance. Replaced once at startup by SetGlobal.
var GlobalLogger = zap.Must(zap.NewProduction())

func SetGlobal(l *zap.Logger) {
	GlobalLogger = l
	zap.ReplaceGlobals(l)
}

// Convenience functions
func Info(format string, v ...interface{}) {
	GlobalLogger.Sugar().Infof(format, v...)
}

func Error(format string, v ...interface{}) {
	GlobalLogger.Sugar().Errorf(format, v...)
}

func Debug(format string, v ...interface{}) {
	GlobalLogger.Sugar().Debugf(format, v...)
}

func Fatal(format string, v ...interface{}) {
	GlobalLogger.Sugar().Fatalf(format, v...)
}
