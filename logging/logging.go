// Package logging contains the structured logging used by the reconstruction pipeline.
package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultTimeFormatStr is the time format used by the console encoder.
const DefaultTimeFormatStr = "2006-01-02T15:04:05.000Z0700"

// NewEncoderConfig returns the encoder config shared by console and file output.
func NewEncoderConfig(color bool) zapcore.EncoderConfig {
	encodeLevel := zapcore.CapitalLevelEncoder
	if color {
		encodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    encodeLevel,
		EncodeTime:     zapcore.TimeEncoderOfLayout(DefaultTimeFormatStr),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func consoleCore(level zap.AtomicLevel) zapcore.Core {
	return zapcore.NewCore(
		zapcore.NewConsoleEncoder(NewEncoderConfig(true)),
		zapcore.Lock(os.Stdout),
		level,
	)
}

// NewLogger returns a new logger that outputs Info+ logs to stdout.
func NewLogger(name string) Logger {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	return newImpl(name, level, consoleCore(level))
}

// NewDebugLogger returns a new logger that outputs Debug+ logs to stdout.
func NewDebugLogger(name string) Logger {
	level := zap.NewAtomicLevelAt(zapcore.DebugLevel)
	return newImpl(name, level, consoleCore(level))
}

// NewBlankLogger returns a logger that discards everything.
func NewBlankLogger(name string) Logger {
	return newImpl(name, zap.NewAtomicLevelAt(zapcore.DebugLevel), zapcore.NewNopCore())
}

// FileConfig describes the rotating log file written next to a run workspace.
type FileConfig struct {
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// DefaultFileConfig returns default file logging settings for the given path.
func DefaultFileConfig(path string) FileConfig {
	return FileConfig{
		Path:       path,
		MaxSizeMB:  50,
		MaxBackups: 3,
		MaxAgeDays: 7,
		Compress:   true,
	}
}

// NewFileLogger returns a logger that writes to stdout and to a rotating file. The returned
// closer flushes and closes the file.
func NewFileLogger(name string, level Level, fileCfg FileConfig) (Logger, func() error, error) {
	if err := os.MkdirAll(filepath.Dir(fileCfg.Path), 0o750); err != nil {
		return nil, nil, err
	}
	fileWriter := &lumberjack.Logger{
		Filename:   fileCfg.Path,
		MaxSize:    fileCfg.MaxSizeMB,
		MaxBackups: fileCfg.MaxBackups,
		MaxAge:     fileCfg.MaxAgeDays,
		Compress:   fileCfg.Compress,
		LocalTime:  true,
	}
	atomicLevel := zap.NewAtomicLevelAt(level.AsZap())
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(NewEncoderConfig(false)),
		zapcore.AddSync(fileWriter),
		atomicLevel,
	)
	logger := newImpl(name, atomicLevel, zapcore.NewTee(consoleCore(atomicLevel), fileCore))
	closer := func() error {
		//nolint:errcheck
		logger.Sync()
		return fileWriter.Close()
	}
	return logger, closer, nil
}
