package obs

import (
	"runtime/debug"

	"github.com/rs/zerolog"
)

// RecoverPanic logs a recovered goroutine panic instead of letting it
// crash the process. Every worker and dispatcher goroutine in the skill
// server defers this first so one bad skill or malformed frame can't
// take down the whole process.
//
//	go func() {
//	    defer obs.RecoverPanic(logger, "worker", map[string]any{"worker_id": id})
//	    ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutine).
			Interface("panic", r).
			Str("stack", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("recovered goroutine panic")
	}
}
