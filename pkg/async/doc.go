// Package async provides safe concurrent execution primitives for
// background tasks: goroutine lifecycle management with panic recovery,
// optional timeout enforcement, context cancellation, and error collection.
//
// SafeGo runs a supervised goroutine:
//
//	async.SafeGo(ctx, 30*time.Second, "broker publish", func(ctx context.Context) error {
//		return broker.Publish(ctx, msg)
//	})
//
// A timeout of zero runs the task until its parent context is done, for
// long-lived loops like the realtime hub's dispatcher. WorkerPool manages a
// pool of concurrent workers; Batch processes a slice on a temporary pool.
package async
