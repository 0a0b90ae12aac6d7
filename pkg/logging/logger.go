// Package logging provides structured logging using Zap with an OpenTelemetry bridge
package logging

import (
	"fmt"
	"os"
	"strings"

	"etf_arb/internal/core"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements core.ILogger on top of zap.Logger
type ZapLogger struct {
	logger *zap.Logger
}

// ParseLevel maps a level name to a zap level
func ParseLevel(levelStr string) (zapcore.Level, error) {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return zap.DebugLevel, nil
	case "INFO", "":
		return zap.InfoLevel, nil
	case "WARN":
		return zap.WarnLevel, nil
	case "ERROR":
		return zap.ErrorLevel, nil
	case "FATAL":
		return zap.FatalLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("invalid log level: %s", levelStr)
	}
}

// NewZapLogger creates a console logger tee'd into the global OTel log provider
func NewZapLogger(levelStr string) (*ZapLogger, error) {
	zapLevel, err := ParseLevel(levelStr)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		zapLevel,
	)

	otelCore := otelzap.NewCore("etf_arb", otelzap.WithLoggerProvider(global.GetLoggerProvider()))
	combined := zapcore.NewTee(consoleCore, otelCore)

	return &ZapLogger{
		logger: zap.New(combined, zap.AddCaller(), zap.AddCallerSkip(1)),
	}, nil
}

// NewNop returns a logger that discards everything
func NewNop() *ZapLogger {
	return &ZapLogger{logger: zap.NewNop()}
}

func toZapFields(fields []interface{}) []zap.Field {
	zapFields := make([]zap.Field, 0, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", fields[i])
		}
		zapFields = append(zapFields, zap.Any(key, fields[i+1]))
	}
	return zapFields
}

func (l *ZapLogger) Debug(msg string, fields ...interface{}) {
	l.logger.Debug(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Info(msg string, fields ...interface{}) {
	l.logger.Info(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Warn(msg string, fields ...interface{}) {
	l.logger.Warn(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Error(msg string, fields ...interface{}) {
	l.logger.Error(msg, toZapFields(fields)...)
}

func (l *ZapLogger) Fatal(msg string, fields ...interface{}) {
	l.logger.Fatal(msg, toZapFields(fields)...)
}

func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{logger: l.logger.With(zap.Any(key, value))}
}

func (l *ZapLogger) WithFields(fields map[string]interface{}) core.ILogger {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	return &ZapLogger{logger: l.logger.With(zapFields...)}
}

// Sync flushes any buffered log entries
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}
