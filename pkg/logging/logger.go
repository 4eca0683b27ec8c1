// Package logging предоставляет структурированный логгер для всех компонентов
// ядра звонка. Интерфейс повторяет контекстный стиль: первым аргументом всегда
// идет context.Context, из которого извлекаются идентификаторы звонка.
package logging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level уровень логирования
type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "unknown"
}

// ParseLevel разбирает строковое имя уровня
func ParseLevel(s string) (Level, error) {
	for level, name := range levelNames {
		if strings.EqualFold(name, s) {
			return level, nil
		}
	}
	return LevelInfo, fmt.Errorf("неизвестный уровень логирования: %q", s)
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Field поле структурированной записи
type Field = zap.Field

// Helpers для создания полей
func String(key, value string) Field                 { return zap.String(key, value) }
func Int(key string, value int) Field                { return zap.Int(key, value) }
func Int64(key string, value int64) Field            { return zap.Int64(key, value) }
func Uint32(key string, value uint32) Field          { return zap.Uint32(key, value) }
func Uint32s(key string, value []uint32) Field       { return zap.Uint32s(key, value) }
func Bool(key string, value bool) Field              { return zap.Bool(key, value) }
func Float32(key string, value float32) Field        { return zap.Float32(key, value) }
func Duration(key string, value time.Duration) Field { return zap.Duration(key, value) }
func Any(key string, value interface{}) Field        { return zap.Any(key, value) }
func Err(err error) Field                            { return zap.Error(err) }

// StructuredLogger интерфейс структурированного логирования
type StructuredLogger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// LogError пишет ошибку на уровне Error вместе с полем error
	LogError(ctx context.Context, err error, msg string, fields ...Field)

	WithComponent(component string) StructuredLogger
	WithFields(fields ...Field) StructuredLogger

	IsEnabled(level Level) bool
}

// Config конфигурация логгера
type Config struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Level: "info",
		JSON:  true,
	}
}

type zapLogger struct {
	logger *zap.Logger
}

// New создает логгер поверх zap
func New(cfg Config) (StructuredLogger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	if !cfg.JSON {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level.zapLevel())
	zcfg.DisableStacktrace = true

	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("не удалось создать логгер: %w", err)
	}
	return FromZap(logger), nil
}

// FromZap оборачивает готовый *zap.Logger
func FromZap(logger *zap.Logger) StructuredLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &zapLogger{logger: logger}
}

// Nop возвращает логгер, который ничего не пишет
func Nop() StructuredLogger {
	return &zapLogger{logger: zap.NewNop()}
}

func (l *zapLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.withContext(ctx).Debug(msg, fields...)
}

func (l *zapLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.withContext(ctx).Info(msg, fields...)
}

func (l *zapLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.withContext(ctx).Warn(msg, fields...)
}

func (l *zapLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.withContext(ctx).Error(msg, fields...)
}

func (l *zapLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	l.withContext(ctx).Error(msg, append(fields, zap.Error(err))...)
}

func (l *zapLogger) WithComponent(component string) StructuredLogger {
	return &zapLogger{logger: l.logger.With(zap.String("component", component))}
}

func (l *zapLogger) WithFields(fields ...Field) StructuredLogger {
	return &zapLogger{logger: l.logger.With(fields...)}
}

func (l *zapLogger) IsEnabled(level Level) bool {
	return l.logger.Core().Enabled(level.zapLevel())
}

func (l *zapLogger) withContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return l.logger
	}
	fields := fieldsFromContext(ctx)
	if len(fields) == 0 {
		return l.logger
	}
	return l.logger.With(fields...)
}
