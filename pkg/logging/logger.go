package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the structured logger. It writes JSON until InitLogging switches it
// to console output for debug mode.
var Log = zerolog.New(os.Stdout).With().Timestamp().Logger()

// InitLogging configures the global logger for the given gin mode and level.
func InitLogging(mode, level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	if mode == "release" {
		Log = zerolog.New(os.Stdout).With().Timestamp().Str("service", "lunawave-api").Logger()
		return
	}
	Log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}).
		With().Timestamp().Caller().Logger()
}

// Infof logs info level messages
func Infof(format string, v ...interface{}) {
	Log.Info().Msgf(format, v...)
}

// Warnf logs warn level messages
func Warnf(format string, v ...interface{}) {
	Log.Warn().Msgf(format, v...)
}

// Errorf logs error level messages
func Errorf(format string, v ...interface{}) {
	Log.Error().Msgf(format, v...)
}

// Debugf logs debug level messages
func Debugf(format string, v ...interface{}) {
	Log.Debug().Msgf(format, v...)
}
