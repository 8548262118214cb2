package observability

import (
	"runtime/debug"
)

// RecoverPanic recovers a panic and logs it with the stack attached. It
// must be called directly in a defer statement; the panic is swallowed so
// one broken event handler or hub subscriber cannot take the server down:
//
//	async.SafeGo(ctx, 0, "hub dispatch", func(ctx context.Context) error {
//	    defer observability.RecoverPanic(logger, "hub dispatch")
//	    ...
//	})
func RecoverPanic(logger *Logger, task string) {
	if r := recover(); r != nil {
		logger.WithFields(map[string]interface{}{
			"panic": r,
			"task":  task,
			"stack": string(debug.Stack()),
		}).Error("panic recovered")
	}
}
