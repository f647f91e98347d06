package logutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogPanic(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	obsZapCore, obsLogs := observer.New(zap.InfoLevel)
	obsLogger := zap.New(obsZapCore)

	recovered := make(chan interface{})
	go func() {
		defer func() {
			recovered <- recover()
		}()
		defer LogPanic(obsLogger)
		panic("worker panic")
	}()
	re.Equal("worker panic", <-recovered)

	re.Equal([]observer.LoggedEntry{{
		Entry: zapcore.Entry{Level: zapcore.ErrorLevel, Message: "panic"},
		Context: []zapcore.Field{{
			Key:       "recover",
			Type:      zapcore.ReflectType,
			Interface: "worker panic",
		}},
	}}, obsLogs.AllUntimed())
}

func TestLogPanicAndExit(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	obsZapCore, obsLogs := observer.New(zap.InfoLevel)
	obsLogger := zap.New(obsZapCore, zap.WithFatalHook(zapcore.WriteThenPanic))

	recovered := make(chan interface{})
	go func() {
		defer func() {
			recovered <- recover()
		}()
		defer LogPanicAndExit(obsLogger)
		panic("loop panic")
	}()
	re.NotNil(<-recovered)

	entries := obsLogs.AllUntimed()
	re.Len(entries, 1)
	re.Equal(zapcore.FatalLevel, entries[0].Level)
	re.Equal("panic and exit", entries[0].Message)
	re.Equal("loop panic", entries[0].ContextMap()["recover"])
	re.Contains(entries[0].ContextMap(), "stack")
}

func TestNoPanic(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	obsZapCore, obsLogs := observer.New(zap.InfoLevel)
	obsLogger := zap.New(obsZapCore)

	func() {
		defer LogPanic(obsLogger)
		defer LogPanicAndExit(obsLogger)
	}()
	re.Zero(obsLogs.Len())
}
