// Package logging provides the structured logger shared by every
// component of the controller.
package logging

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls where and how logs are emitted. Unlike the ambient
// global the teacher package carried, this is passed explicitly into
// New and never read from a package-level singleton.
type Config struct {
	Level  string // debug, info, warn, error
	Output string // console, file, both
	File   FileConfig
}

type FileConfig struct {
	Path string
}

// Logger wraps a zap logger with the trace-aware helpers the rest of
// the controller calls.
type Logger struct {
	log   *zap.Logger
	sugar *zap.SugaredLogger
}

const defaultTraceID = "0"

// New builds a development-mode logger with sane defaults, for use
// before a Config is available (the controller itself always builds
// its logger with Configure).
func New() *Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")

	zl, _ := cfg.Build(zap.AddCallerSkip(1))
	return &Logger{log: zl, sugar: zl.Sugar()}
}

// Configure rebuilds the logger from an explicit Config, mirroring the
// teacher's Init(): level, encoder, and console/file/both syncer.
func Configure(cfg Config) (*Logger, error) {
	atomicLevel := zap.NewAtomicLevel()
	switch cfg.Level {
	case "debug":
		atomicLevel.SetLevel(zapcore.DebugLevel)
	case "warn":
		atomicLevel.SetLevel(zapcore.WarnLevel)
	case "error":
		atomicLevel.SetLevel(zapcore.ErrorLevel)
	default:
		atomicLevel.SetLevel(zapcore.InfoLevel)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var syncer zapcore.WriteSyncer
	switch cfg.Output {
	case "file":
		f, err := openLogFile(cfg.File.Path)
		if err != nil {
			return nil, err
		}
		syncer = zapcore.AddSync(f)
	case "both":
		f, err := openLogFile(cfg.File.Path)
		if err != nil {
			return nil, err
		}
		syncer = zapcore.NewMultiWriteSyncer(zapcore.AddSync(os.Stdout), zapcore.AddSync(f))
	default:
		syncer = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), syncer, atomicLevel)
	zl := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &Logger{log: zl, sugar: zl.Sugar()}, nil
}

func openLogFile(path string) (*os.File, error) {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		if err := os.MkdirAll(path[:idx], 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

func defaultFields() []zap.Field {
	return []zap.Field{zap.String("trace_id", defaultTraceID)}
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.log.Debug(msg, append(defaultFields(), fields...)...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.log.Info(msg, append(defaultFields(), fields...)...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.log.Warn(msg, append(defaultFields(), fields...)...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.log.Error(msg, append(defaultFields(), fields...)...) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.sugar.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.sugar.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.sugar.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.sugar.Errorf(format, args...) }

func traceID(ctx context.Context) string {
	if ctx == nil {
		return defaultTraceID
	}
	if v := ctx.Value(traceIDKey{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultTraceID
}

type traceIDKey struct{}

// WithTraceID attaches a trace id to ctx for the *Ctx helpers to pick up.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

func (l *Logger) DebugCtx(ctx context.Context, format string, args ...interface{}) {
	l.sugar.Debugf(fmt.Sprintf("%s\t", traceID(ctx))+format, args...)
}

func (l *Logger) InfoCtx(ctx context.Context, format string, args ...interface{}) {
	l.sugar.Infof(fmt.Sprintf("%s\t", traceID(ctx))+format, args...)
}

func (l *Logger) WarnCtx(ctx context.Context, format string, args ...interface{}) {
	l.sugar.Warnf(fmt.Sprintf("%s\t", traceID(ctx))+format, args...)
}

func (l *Logger) ErrorCtx(ctx context.Context, format string, args ...interface{}) {
	l.sugar.Errorf(fmt.Sprintf("%s\t", traceID(ctx))+format, args...)
}

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error {
	return l.log.Sync()
}

// Nop returns a logger that discards everything, used as the default
// collaborator when a caller does not supply one.
func Nop() *Logger {
	zl := zap.NewNop()
	return &Logger{log: zl, sugar: zl.Sugar()}
}
