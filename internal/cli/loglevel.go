package cli

import (
	"flag"
	"fmt"
	"log/slog"
)

// AddLogLevelFlag registers a log-level flag that sets the default logger's level.
// It accepts the slog level names case-insensitively, optionally with an offset such as WARN+2.
func AddLogLevelFlag(flags *flag.FlagSet) {
	flags.Var(&logLevel{level: slog.LevelInfo}, "log-level", "log level, one of DEBUG, INFO, WARN or ERROR")
}

type logLevel struct {
	level slog.Level
}

func (l *logLevel) Set(s string) error {
	var level slog.Level

	err := level.UnmarshalText([]byte(s))
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}

	l.level = level
	slog.SetLogLoggerLevel(level)

	return nil
}

func (l *logLevel) String() string {
	return l.level.String()
}
