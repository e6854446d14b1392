package util

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu           sync.RWMutex
	currentLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger       = newLogger(currentLevel)
)

func newLogger(level zap.AtomicLevel) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}

// SetLevel changes the level of the process-wide logger.
func SetLevel(level LogLevel) {
	currentLevel.SetLevel(level.ZapLevel())
}

// SetLogger replaces the process-wide logger. Passing nil restores the default.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = newLogger(currentLevel)
	}
	logger = l
}

// Logger returns the process-wide structured logger.
func Logger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func sugar() *zap.SugaredLogger {
	return Logger().WithOptions(zap.AddCallerSkip(1)).Sugar()
}

func Debug(format string, v ...interface{}) {
	sugar().Debugf(format, v...)
}

func Info(format string, v ...interface{}) {
	sugar().Infof(format, v...)
}

func Warn(format string, v ...interface{}) {
	sugar().Warnf(format, v...)
}

func Error(format string, v ...interface{}) {
	sugar().Errorf(format, v...)
}

func Fatal(format string, v ...interface{}) {
	sugar().Fatalf(format, v...)
}
