// Package telemetry wraps goa.design/clue/log for structured logging and
// exposes the Prometheus collectors shared across agentwatch's components,
// following the logging/metrics split used throughout the domain stack.
package telemetry

import (
	"context"

	"goa.design/clue/log"
)

// NewContext returns a context configured for clue logging. format should be
// log.FormatJSON in production and log.FormatTerminal in a TTY.
func NewContext(ctx context.Context, debug bool) context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return ctx
}

// KV is a convenience alias so callers outside this package do not need to
// import goa.design/clue/log directly for simple field logging.
type KV = log.KV

// Info logs an info-level structured message.
func Info(ctx context.Context, msg string, kvs ...KV) {
	fielders := append([]log.Fielder{log.KV{K: "msg", V: msg}}, toFielders(kvs)...)
	log.Info(ctx, fielders...)
}

// Debug logs a debug-level structured message.
func Debug(ctx context.Context, msg string, kvs ...KV) {
	fielders := append([]log.Fielder{log.KV{K: "msg", V: msg}}, toFielders(kvs)...)
	log.Debug(ctx, fielders...)
}

// Warn logs a warning-level structured message.
func Warn(ctx context.Context, msg string, kvs ...KV) {
	fielders := append([]log.Fielder{log.KV{K: "msg", V: msg}, log.KV{K: "severity", V: "warning"}}, toFielders(kvs)...)
	log.Warn(ctx, fielders...)
}

// Error logs an error-level structured message with the triggering error.
func Error(ctx context.Context, err error, msg string, kvs ...KV) {
	fielders := append([]log.Fielder{log.KV{K: "msg", V: msg}}, toFielders(kvs)...)
	log.Error(ctx, err, fielders...)
}

func toFielders(kvs []KV) []log.Fielder {
	out := make([]log.Fielder, len(kvs))
	for i, kv := range kvs {
		out[i] = kv
	}
	return out
}
