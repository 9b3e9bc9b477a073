// Package observe bundles the structured logger and the tracer every
// component reports through.
package observe

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/felixgeelhaar/bolt/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of every span murmur starts.
const TracerName = "github.com/felixgeelhaar/murmur"

// Log formats accepted by Open.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

type Observer struct {
	log *bolt.Logger
}

// New returns a console Observer. Unless verbose, only warnings and
// errors are written.
func New(out io.Writer, verbose bool) *Observer {
	o := &Observer{log: bolt.New(bolt.NewConsoleHandler(out))}
	o.SetVerbose(verbose)
	return o
}

// Open returns an Observer writing format to out at the named level.
func Open(out io.Writer, format, level string) (*Observer, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	var log *bolt.Logger
	switch strings.ToLower(format) {
	case "", FormatConsole:
		log = bolt.New(bolt.NewConsoleHandler(out))
	case FormatJSON:
		log = bolt.New(bolt.NewJSONHandler(out))
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	log.SetLevel(lvl)
	o := &Observer{log: log}
	return o, nil
}

// ParseLevel maps a level name to a bolt level. Empty means info.
func ParseLevel(name string) (bolt.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return bolt.DEBUG, nil
	case "", "info":
		return bolt.INFO, nil
	case "warn", "warning":
		return bolt.WARN, nil
	case "error":
		return bolt.ERROR, nil
	}
	return bolt.INFO, fmt.Errorf("unknown log level %q", name)
}

// SetVerbose switches between debug output and warnings only.
func (o *Observer) SetVerbose(verbose bool) {
	lvl := bolt.WARN
	if verbose {
		lvl = bolt.DEBUG
	}
	o.log.SetLevel(lvl)
}

func (o *Observer) Log() *bolt.Logger {
	return o.log
}

// StartSpan starts a span on the global tracer provider, looked up per
// call so a provider installed after New is still used.
func (o *Observer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail marks span as failed with err. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
