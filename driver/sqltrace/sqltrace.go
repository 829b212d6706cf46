// Package sqltrace implements the driver sql trace.
//
// The trace is switched on by SetOn or by the command line flag -dbvirt.sqlTrace. Trace records are
// written with level Info to the logger of the connection executing the statement.
package sqltrace

import (
	"context"
	"flag"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"
)

// MaxArgs is the maximum number of traced arguments.
const MaxArgs = 20

var on atomic.Bool

type traceFlag struct{}

func (traceFlag) IsBoolFlag() bool { return true }
func (traceFlag) String() string   { return strconv.FormatBool(On()) }

func (traceFlag) Set(s string) error {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	SetOn(b)
	return nil
}

func init() {
	flag.Var(traceFlag{}, "dbvirt.sqlTrace", "enabling dbvirt sql trace")
}

// On returns if tracing is active.
func On() bool { return on.Load() }

// SetOn sets tracing active or inactive.
func SetOn(b bool) { on.Store(b) }

// Log writes a trace record of a sql execution.
func Log(ctx context.Context, logger *slog.Logger, query string, args []any, d time.Duration, err error) {
	attrs := []slog.Attr{slog.String("query", query), slog.Duration("duration", d)}
	if len(args) > 0 {
		if len(args) > MaxArgs {
			attrs = append(attrs, slog.Any("args", args[:MaxArgs]), slog.Int("numArgs", len(args)))
		} else {
			attrs = append(attrs, slog.Any("args", args))
		}
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "SQL", attrs...)
}
