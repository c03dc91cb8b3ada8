package jobrunner

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var (
	globalLogger atomic.Pointer[zerolog.Logger]
	loggerInit   sync.Once
)

func defaultLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

// SetLogger overrides the package-wide logger used by Registry, Runner,
// the blocking pool and GoroutineSpawner for structured lifecycle events. Safe to call before Builder.Build;
// callers that don't care get a sane ConsoleWriter default.
func SetLogger(l zerolog.Logger) {
	globalLogger.Store(&l)
}

func logger() *zerolog.Logger {
	loggerInit.Do(func() {
		if globalLogger.Load() == nil {
			l := defaultLogger()
			globalLogger.Store(&l)
		}
	})
	return globalLogger.Load()
}
