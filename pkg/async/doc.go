// Package async provides safe concurrent execution primitives for background tasks.
//
// # Overview
//
// This package handles goroutine lifecycle management with panic recovery, timeout
// enforcement, context cancellation, and error collection. Every panic and error is
// logged through the logrus logger handed in by the caller.
//
// # Key Functions
//
// SafeGo: one-shot background task
//
//	async.SafeGo(ctx, logger, 5*time.Second, "expire session", func(ctx context.Context) error {
//		return store.Transition(ctx, id, impersonation.StatusExpired, "", now)
//	})
//
// Loop: periodic task that survives failing iterations
//
//	done := async.Loop(ctx, logger, 5*time.Second, "audit drainer", drainer.DrainOnce)
//
// Batch: concurrent batch processing over a worker pool
//
//	errs := async.Batch(ctx, logger, days, 4, "audit archive", time.Minute, archiveDay)
package async
