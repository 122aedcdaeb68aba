// Package log is the process-wide slog logger for go-follow. The flight core,
// vehicle link, relay and flight log all log through it, usually via a
// component logger from With.
package log

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
)

var (
	logger *slog.Logger
	once   sync.Once
)

// ParseLevel maps a configured level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// Init sets up the global logger. Only the first call takes effect, so it must
// run before anything logs. Unknown levels fall back to info.
//
// Output is text on stdout, or JSON when GO_ENV=production.
func Init(level string) {
	once.Do(func() {
		lvl, _ := ParseLevel(level)
		logger = newLogger(lvl, os.Getenv("GO_ENV") == "production")
		slog.SetDefault(logger)
	})
}

func newLogger(lvl slog.Level, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: lvl}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// L returns the global logger, initializing it at info level if Init has not
// run.
func L() *slog.Logger {
	Init("info")
	return logger
}

func Debug(msg string, args ...any) { L().Debug(msg, args...) }
func Info(msg string, args ...any)  { L().Info(msg, args...) }
func Warn(msg string, args ...any)  { L().Warn(msg, args...) }
func Error(msg string, args ...any) { L().Error(msg, args...) }

// With returns a component logger carrying args on every record.
func With(args ...any) *slog.Logger {
	return L().With(args...)
}
