// Package util holds the logging, difficulty and address helpers shared by
// the coordinator packages.
package util

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger *zap.SugaredLogger

// InitLogger builds the process-wide logger. format is "console" or "json";
// a non-empty file tees output into that file.
func InitLogger(level, format, file string) error {
	zapLevel, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		zapLevel = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if format == "json" {
		encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	writeSyncer := zapcore.AddSync(os.Stdout)
	if file != "" {
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		writeSyncer = zapcore.NewMultiWriteSyncer(writeSyncer, zapcore.AddSync(f))
	}

	core := zapcore.NewCore(encoder, writeSyncer, zapLevel)
	logger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
	return nil
}

// Log returns the global logger, falling back to a development logger when
// InitLogger has not run (tests, check-config).
func Log() *zap.SugaredLogger {
	if logger == nil {
		zapLogger, _ := zap.NewDevelopment()
		logger = zapLogger.Sugar()
	}
	return logger
}

// Named returns a child logger tagged with a component name.
func Named(component string) *zap.SugaredLogger {
	return Log().Desugar().WithOptions(zap.AddCallerSkip(-1)).Sugar().Named(component)
}

// Sync flushes buffered log entries.
func Sync() {
	if logger != nil {
		_ = logger.Sync()
	}
}

func Debugf(template string, args ...interface{}) {
	Log().Debugf(template, args...)
}

func Info(args ...interface{}) {
	Log().Info(args...)
}

func Infof(template string, args ...interface{}) {
	Log().Infof(template, args...)
}

func Warnf(template string, args ...interface{}) {
	Log().Warnf(template, args...)
}

func Error(args ...interface{}) {
	Log().Error(args...)
}

func Errorf(template string, args ...interface{}) {
	Log().Errorf(template, args...)
}

// Fatalf logs and exits the process.
func Fatalf(template string, args ...interface{}) {
	Log().Fatalf(template, args...)
}
