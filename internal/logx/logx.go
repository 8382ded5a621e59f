package logx

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Environment selects the log format.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// ParseEnvironment falls back to Development for unknown values.
func ParseEnvironment(v string) Environment {
	if Environment(strings.ToLower(strings.TrimSpace(v))) == Production {
		return Production
	}
	return Development
}

type Options struct {
	Environment Environment
	// Level overrides the environment default when set ("debug", "info", ...).
	Level string
	// Output defaults to stderr.
	Output io.Writer
}

var DefaultOptions = Options{Environment: Development}

func safe(opts ...Options) Options {
	if len(opts) == 0 {
		return DefaultOptions
	}
	return opts[0]
}

// Init configures the global zerolog logger.
func Init(opts ...Options) {
	o := safe(opts...)
	out := o.Output
	if out == nil {
		out = os.Stderr
	}

	level := zerolog.DebugLevel
	if o.Environment == Production {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		level = zerolog.InfoLevel
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Caller().Logger()
	}

	if o.Level != "" {
		if parsed, err := zerolog.ParseLevel(o.Level); err == nil {
			level = parsed
		}
	}
	log.Logger = log.Logger.Level(level)
}

// Discard silences logging, used by tests and the TUI when no log file is available.
func Discard() {
	log.Logger = zerolog.Nop()
}

func Debug() *zerolog.Event {
	return log.Debug()
}

func Info() *zerolog.Event {
	return log.Info()
}

func Warn() *zerolog.Event {
	return log.Warn()
}

func Error() *zerolog.Event {
	return log.Error()
}

func Fatal() *zerolog.Event {
	return log.Fatal()
}
