// Package logging provides the structured logger used by the actor.
// It wraps zap with JSON/console encoders, optional file rotation, and
// helpers that stamp run and rank identity onto every entry.
package logging

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ============================================================================
// Logger Interface
// ============================================================================

// Logger defines the unified logging interface
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	// With adds fields to logger context
	With(fields ...Field) Logger

	// WithContext adds run and rank identity carried by ctx
	WithContext(ctx context.Context) Logger

	// Sync flushes any buffered log entries
	Sync() error
}

// Field represents a log field
type Field = zapcore.Field

// ============================================================================
// ZapLogger Implementation
// ============================================================================

// ZapLogger wraps zap.Logger to implement Logger interface
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger creates a new ZapLogger instance
func NewZapLogger(cfg LogConfig) (*ZapLogger, error) {
	if cfg.Output == "file" && cfg.FilePath != "" {
		return NewZapLoggerWithRotation(cfg)
	}

	logger, err := buildZapConfig(cfg).Build(
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return &ZapLogger{logger: logger}, nil
}

// NewZapLoggerWithRotation creates logger with file rotation
func NewZapLoggerWithRotation(cfg LogConfig) (*ZapLogger, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("file path is required for rotating logger")
	}

	writer := &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize, // megabytes
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge, // days
		Compress:   cfg.Compress,
	}

	core := zapcore.NewCore(buildEncoder(cfg), zapcore.AddSync(writer), parseLogLevel(cfg.Level))
	logger := zap.New(core,
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)

	return &ZapLogger{logger: logger}, nil
}

// NewFromZap adapts an existing zap logger, e.g. zaptest or zap.NewNop
func NewFromZap(l *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: l}
}

func (l *ZapLogger) Debug(msg string, fields ...Field) { l.logger.Debug(msg, fields...) }
func (l *ZapLogger) Info(msg string, fields ...Field)  { l.logger.Info(msg, fields...) }
func (l *ZapLogger) Warn(msg string, fields ...Field)  { l.logger.Warn(msg, fields...) }
func (l *ZapLogger) Error(msg string, fields ...Field) { l.logger.Error(msg, fields...) }
func (l *ZapLogger) Fatal(msg string, fields ...Field) { l.logger.Fatal(msg, fields...) }

// With adds fields to logger context
func (l *ZapLogger) With(fields ...Field) Logger {
	return &ZapLogger{logger: l.logger.With(fields...)}
}

// WithContext adds run and rank identity from context
func (l *ZapLogger) WithContext(ctx context.Context) Logger {
	fields := extractContextFields(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// Sync flushes any buffered log entries
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

// ============================================================================
// Configuration
// ============================================================================

// LogConfig defines logging configuration
type LogConfig struct {
	// Log level (debug, info, warn, error, fatal)
	Level string

	// Log format (json, console)
	Format string

	// Output (stdout, stderr, file)
	Output string

	// File path (if output is file)
	FilePath string

	// Rotation settings
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool

	// Enable development mode
	Development bool
}

func buildZapConfig(cfg LogConfig) zap.Config {
	var zapConfig zap.Config
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(parseLogLevel(cfg.Level))
	zapConfig.Encoding = cfg.Format
	if zapConfig.Encoding == "" {
		zapConfig.Encoding = "json"
	}

	switch cfg.Output {
	case "stderr":
		zapConfig.OutputPaths = []string{"stderr"}
	default:
		zapConfig.OutputPaths = []string{"stdout"}
	}
	zapConfig.ErrorOutputPaths = []string{"stderr"}
	zapConfig.EncoderConfig = buildEncoderConfig(cfg)

	return zapConfig
}

func buildEncoder(cfg LogConfig) zapcore.Encoder {
	if cfg.Format == "console" {
		return zapcore.NewConsoleEncoder(buildEncoderConfig(cfg))
	}
	return zapcore.NewJSONEncoder(buildEncoderConfig(cfg))
}

func buildEncoderConfig(cfg LogConfig) zapcore.EncoderConfig {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if cfg.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	}

	return encoderConfig
}

func parseLogLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ============================================================================
// Context Integration
// ============================================================================

type contextKey string

const (
	runIDKey contextKey = "run_id"
	rankKey  contextKey = "rank"
)

// WithRunID adds the training run ID to context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// WithRank adds the sequence-parallel rank to context
func WithRank(ctx context.Context, rank int) context.Context {
	return context.WithValue(ctx, rankKey, rank)
}

// GetRunID retrieves the run ID from context
func GetRunID(ctx context.Context) string {
	if runID, ok := ctx.Value(runIDKey).(string); ok {
		return runID
	}
	return ""
}

// GetRank retrieves the rank from context, -1 when unset
func GetRank(ctx context.Context) int {
	if rank, ok := ctx.Value(rankKey).(int); ok {
		return rank
	}
	return -1
}

func extractContextFields(ctx context.Context) []Field {
	var fields []Field
	if runID := GetRunID(ctx); runID != "" {
		fields = append(fields, zap.String("run_id", runID))
	}
	if rank := GetRank(ctx); rank >= 0 {
		fields = append(fields, zap.Int("rank", rank))
	}
	return fields
}

// ============================================================================
// Field Constructors
// ============================================================================

func String(key, val string) Field                 { return zap.String(key, val) }
func Int(key string, val int) Field                { return zap.Int(key, val) }
func Int64(key string, val int64) Field            { return zap.Int64(key, val) }
func Float64(key string, val float64) Field        { return zap.Float64(key, val) }
func Bool(key string, val bool) Field              { return zap.Bool(key, val) }
func Error(err error) Field                        { return zap.Error(err) }
func Duration(key string, val time.Duration) Field { return zap.Duration(key, val) }
func Any(key string, val interface{}) Field        { return zap.Any(key, val) }
func Strings(key string, val []string) Field       { return zap.Strings(key, val) }

// ============================================================================
// Logger Factory
// ============================================================================

// NewLogger creates a new logger with default configuration
func NewLogger() (Logger, error) {
	return NewZapLogger(LogConfig{Level: "info", Format: "json", Output: "stdout"})
}

// NewDevelopmentLogger creates a logger for development
func NewDevelopmentLogger() (Logger, error) {
	return NewZapLogger(LogConfig{
		Level:       "debug",
		Format:      "console",
		Output:      "stdout",
		Development: true,
	})
}

// ============================================================================
// No-op Logger
// ============================================================================

// NoopLogger is a logger that does nothing
type NoopLogger struct{}

// NewNoopLogger creates a no-op logger
func NewNoopLogger() Logger {
	return &NoopLogger{}
}

func (l *NoopLogger) Debug(msg string, fields ...Field)      {}
func (l *NoopLogger) Info(msg string, fields ...Field)       {}
func (l *NoopLogger) Warn(msg string, fields ...Field)       {}
func (l *NoopLogger) Error(msg string, fields ...Field)      {}
func (l *NoopLogger) Fatal(msg string, fields ...Field)      { os.Exit(1) }
func (l *NoopLogger) With(fields ...Field) Logger            { return l }
func (l *NoopLogger) WithContext(ctx context.Context) Logger { return l }
func (l *NoopLogger) Sync() error                            { return nil }

//Personal.AI order the ending
