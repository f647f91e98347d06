package logutil

import (
	"go.uber.org/zap"
)

// LogPanicAndExit logs a recovered panic with its stack, then exits the process.
// Should be used with a `defer` at the top of long-running goroutines.
func LogPanicAndExit(logger *zap.Logger) {
	if e := recover(); e != nil {
		logger.Fatal("panic and exit", zap.Reflect("recover", e), zap.Stack("stack"))
	}
}

// LogPanic logs a recovered panic and panics again with the same value.
// Should be used with a `defer`.
func LogPanic(logger *zap.Logger) {
	if e := recover(); e != nil {
		logger.Error("panic", zap.Reflect("recover", e))
		panic(e)
	}
}
