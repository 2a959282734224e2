package telemetry

import (
	"context"

	"goa.design/clue/log"
)

// ClueLogger writes through goa.design/clue/log. Format and debug level are
// read from the context, set with log.Context and log.WithFormat/WithDebug.
type ClueLogger struct{}

// NewClueLogger returns a Logger backed by clue.
func NewClueLogger() Logger {
	return ClueLogger{}
}

func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fielders(msg, keyvals)...)
}

func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	var err error
	for i := 0; i+1 < len(keyvals); i += 2 {
		if e, ok := keyvals[i+1].(error); ok && keyvals[i] == "err" {
			err = e
			break
		}
	}
	log.Error(ctx, err, fielders(msg, keyvals)...)
}

// fielders turns msg and alternating key/values into clue fields. Non-string
// keys are dropped; a trailing key without a value is paired with nil.
func fielders(msg string, keyvals []any) []log.Fielder {
	fs := make([]log.Fielder, 0, 1+len(keyvals)/2)
	fs = append(fs, log.KV{K: "msg", V: msg})
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		fs = append(fs, log.KV{K: k, V: v})
	}
	return fs
}
