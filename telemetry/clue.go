package telemetry

import (
	"context"

	"goa.design/clue/log"
)

// ClueLogger is the Logger backing turn.Handler's diagnostics (spec §4.2
// steps 1, 2) and the turnengine-demo CLI, via ErrorfLogger. It delegates to
// goa.design/clue/log, which reads its formatting and debug settings from
// the context set up by log.Context/log.WithFormat/log.WithDebug during
// process startup.
type ClueLogger struct{}

// NewClueLogger constructs a ClueLogger.
func NewClueLogger() Logger { return ClueLogger{} }

func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvToClue(keyvals)...)...)
}

func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvToClue(keyvals)...)...)
}

func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	fielders := []log.Fielder{log.KV{K: "msg", V: msg}, log.KV{K: "severity", V: "warning"}}
	log.Warn(ctx, append(fielders, kvToClue(keyvals)...)...)
}

func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvToClue(keyvals)...)...)
}

// kvToClue converts the (key, value, key, value, ...) pairs every Logger
// method takes into clue's log.Fielder slice. Non-string keys are dropped
// rather than stringified, since a caller passing one is almost certainly
// passing mismatched arguments.
func kvToClue(keyvals []any) []log.Fielder {
	var fielders []log.Fielder
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		fielders = append(fielders, log.KV{K: k, V: v})
	}
	return fielders
}
