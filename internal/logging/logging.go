// Package logging builds the zerolog logger shared by the relayhighlight
// binaries.
package logging

import (
	"io"
	"os"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
	zpkgerrors "github.com/rs/zerolog/pkgerrors"
)

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

// New returns a JSON logger on stdout tagged with service. Use .Stack() on
// error events to include a stack trace.
func New(service string) zerolog.Logger {
	return NewWithWriter(os.Stdout, service)
}

func NewWithWriter(w io.Writer, service string) zerolog.Logger {
	zerolog.ErrorStackMarshaler = func(err error) interface{} {
		if _, ok := err.(stackTracer); !ok {
			err = pkgerrors.WithStack(err)
		}
		return zpkgerrors.MarshalStack(err)
	}
	return zerolog.New(w).With().
		Str("service", service).
		Timestamp().
		Logger()
}

// ParseLevel maps a config value to a level, falling back to info.
func ParseLevel(raw string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
