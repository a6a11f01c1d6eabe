// Package logger wraps go.uber.org/zap with the small, leveled API surface
// the rest of this module's call sites use, plus optional file rotation
// via lumberjack (size-based) or file-rotatelogs (time-based).
package logger

import (
	"os"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level re-exports zap's level type so callers don't need to import zap
// directly.
type Level = zapcore.Level

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
)

// Logger is a leveled, structured logger.
type Logger struct {
	z     *zap.SugaredLogger
	level zap.AtomicLevel
}

var std = New(os.Stdout, InfoLevel)

// New builds a Logger writing to w at the given initial level.
func New(w zapcore.WriteSyncer, level Level) *Logger {
	atomicLevel := zap.NewAtomicLevelAt(level)
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), w, atomicLevel)
	return &Logger{
		z:     zap.New(core).Sugar(),
		level: atomicLevel,
	}
}

// NewProductionRotateByTime builds a WriteSyncer that rotates path daily,
// keeping seven days of history, suitable for New.
func NewProductionRotateByTime(path string) zapcore.WriteSyncer {
	w, err := rotatelogs.New(
		path+".%Y%m%d",
		rotatelogs.WithLinkName(path),
		rotatelogs.WithRotationTime(24*time.Hour),
		rotatelogs.WithMaxAge(7*24*time.Hour),
	)
	if err != nil {
		return zapcore.AddSync(os.Stdout)
	}
	return zapcore.AddSync(w)
}

// NewProductionRotateBySize builds a WriteSyncer that rotates path once it
// exceeds maxSizeMB megabytes, keeping maxBackups old files.
func NewProductionRotateBySize(path string, maxSizeMB, maxBackups int) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	})
}

// SetLevel adjusts the minimum level l logs at.
func (l *Logger) SetLevel(level Level) { l.level.SetLevel(level) }

// Sync flushes any buffered log entries.
func (l *Logger) Sync() error { return l.z.Sync() }

func (l *Logger) Debugf(format string, args ...interface{}) { l.z.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.z.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.z.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.z.Errorf(format, args...) }

func (l *Logger) Debug(args ...interface{}) { l.z.Debug(args...) }
func (l *Logger) Info(args ...interface{})  { l.z.Info(args...) }
func (l *Logger) Warn(args ...interface{})  { l.z.Warn(args...) }
func (l *Logger) Error(args ...interface{}) { l.z.Error(args...) }

// GetError adapts a plain error into a loggable argument, mirroring the
// teacher's log.GetError(err) call sites.
func GetError(err error) interface{} { return err }

// Default returns the package-level logger used by the package-level
// convenience functions below.
func Default() *Logger { return std }

// ReplaceDefault swaps the package-level default logger, used once at
// startup after config has decided on rotation.
func ReplaceDefault(l *Logger) { std = l }

func SetLevel(level Level)                      { std.SetLevel(level) }
func Sync() error                               { return std.Sync() }
func Debugf(format string, args ...interface{}) { std.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { std.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { std.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { std.Errorf(format, args...) }
func Debug(args ...interface{})                 { std.Debug(args...) }
func Info(args ...interface{})                  { std.Info(args...) }
func Warn(args ...interface{})                  { std.Warn(args...) }
func Error(args ...interface{})                 { std.Error(args...) }
