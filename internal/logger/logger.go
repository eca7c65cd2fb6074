// Package logger provides process-wide structured logging for the gateway.
package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu      sync.Mutex
	sugared *zap.SugaredLogger
)

// Initialize sets up the process-wide logger. It is safe to call more than
// once; later calls replace the active logger. When LOG_FORMAT=json is set
// in the environment, logs are emitted as JSON; otherwise a human-readable
// console encoder is used.
func Initialize() {
	mu.Lock()
	defer mu.Unlock()

	level := zapcore.InfoLevel
	if os.Getenv("DEBUG") == "true" || os.Getenv("DEBUG") == "1" {
		level = zapcore.DebugLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if os.Getenv("LOG_FORMAT") == "json" {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		consoleCfg := zap.NewDevelopmentEncoderConfig()
		consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(consoleCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	sugared = zap.New(core, zap.AddCaller()).Sugar()
}

func get() *zap.SugaredLogger {
	mu.Lock()
	l := sugared
	mu.Unlock()
	if l == nil {
		Initialize()
		mu.Lock()
		l = sugared
		mu.Unlock()
	}
	return l
}

// Debugf logs at debug level.
func Debugf(template string, args ...any) { get().Debugf(template, args...) }

// Infof logs at info level.
func Infof(template string, args ...any) { get().Infof(template, args...) }

// Info logs a plain info message.
func Info(args ...any) { get().Info(args...) }

// Warnf logs at warn level.
func Warnf(template string, args ...any) { get().Warnf(template, args...) }

// Errorf logs at error level.
func Errorf(template string, args ...any) { get().Errorf(template, args...) }

// Panicf logs at panic level and then panics.
func Panicf(template string, args ...any) { get().Panicf(template, args...) }

// Sync flushes any buffered log entries. Call before process exit.
func Sync() {
	if l := get(); l != nil {
		_ = l.Sync()
	}
}
