// Package logging builds the ambient structured logger, go-kit/log
// over stdout or a rotated file, the same combination this proxy's
// config format has always driven its LoggingConfig with.
package logging

import (
	"io"
	"os"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-stack/stack"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// New builds a leveled, timestamped logger. format selects "json" or
// anything else for logfmt (the go-kit default). An empty file writes
// to stdout; a non-empty file is rotated through lumberjack.
func New(levelName, format, file string) log.Logger {
	var out io.Writer = log.NewSyncWriter(os.Stdout)
	if file != "" {
		out = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	var logger log.Logger
	if format == "json" {
		logger = log.NewJSONLogger(out)
	} else {
		logger = log.NewLogfmtLogger(out)
	}

	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", callerShim)
	return level.NewFilter(logger, parseLevel(levelName))
}

// callerShim reports the immediate caller of the logging call,
// matching the go-stack-based caller info this logging stack has
// always carried (go-kit's own log.Caller walks a fixed depth that
// doesn't account for the level.NewFilter/With wrapping here).
func callerShim() interface{} {
	cs := stack.Caller(3)
	return cs.String()
}

func parseLevel(name string) level.Option {
	switch name {
	case "debug":
		return level.AllowDebug()
	case "warn", "warning":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}
