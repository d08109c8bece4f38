package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

func discardLogger(logger logrus.FieldLogger) logrus.FieldLogger {
	if logger != nil {
		return logger
	}
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// SafeGo executes a function in a goroutine with:
// - Context cancellation support
// - Panic recovery
// - Timeout enforcement
// - Error logging
//
// Use this instead of bare `go func()` to prevent goroutine leaks and crashes.
//
// Example:
//
//	SafeGo(ctx, logger, 5*time.Second, "impersonation expiry", func(ctx context.Context) error {
//	    return store.Transition(ctx, id, impersonation.StatusExpired, "", now)
//	})
func SafeGo(parentCtx context.Context, logger logrus.FieldLogger, timeout time.Duration, taskName string, fn func(context.Context) error) {
	logger = discardLogger(logger)
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(logrus.Fields{
					"task":  taskName,
					"panic": r,
					"stack": string(debug.Stack()),
				}).Error("PANIC in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).Warn("background task failed")
		}
	}()
}

// Loop runs fn every interval until ctx is cancelled. A panic or error in one
// iteration is logged and the loop carries on. The returned channel is closed
// once the loop has exited.
//
//	done := async.Loop(ctx, logger, 5*time.Second, "audit drainer", drainer.DrainOnce)
//	<-done
func Loop(ctx context.Context, logger logrus.FieldLogger, interval time.Duration, taskName string, fn func(context.Context) error) <-chan struct{} {
	logger = discardLogger(logger)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			func() {
				defer func() {
					if r := recover(); r != nil {
						logger.WithFields(logrus.Fields{
							"task":  taskName,
							"panic": r,
							"stack": string(debug.Stack()),
						}).Error("PANIC in background loop")
					}
				}()
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					logger.WithError(err).WithField("task", taskName).Warn("background loop iteration failed")
				}
			}()
		}
	}()
	return done
}

// WorkerPool manages a pool of workers that process tasks from a channel.
// Provides graceful shutdown and error collection.
type WorkerPool struct {
	workers      int
	taskName     string
	timeout      time.Duration
	logger       logrus.FieldLogger
	workCh       chan func(context.Context) error
	doneCh       chan struct{}
	errCh        chan error
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	shutdownOnce sync.Once
}

// NewWorkerPool creates a new worker pool.
//
//	pool := NewWorkerPool(ctx, logger, 4, "audit archive", 30*time.Second)
//	defer pool.Shutdown(5 * time.Second)
func NewWorkerPool(ctx context.Context, logger logrus.FieldLogger, workers int, taskName string, timeout time.Duration) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		logger:   discardLogger(logger),
		workCh:   make(chan func(context.Context) error, workers*2),
		doneCh:   make(chan struct{}),
		errCh:    make(chan error, workers*10),
		ctx:      ctx,
		cancel:   cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				pool.worker(id)
			}(i)
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit adds a task to the worker pool.
// Returns error if pool is shut down.
func (p *WorkerPool) Submit(fn func(context.Context) error) (err error) {
	select {
	case <-p.doneCh:
		return fmt.Errorf("worker pool shut down")
	default:
	}

	// send on a channel closed by a concurrent Shutdown
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker pool shut down")
		}
	}()

	select {
	case p.workCh <- fn:
		return nil
	case <-p.doneCh:
		return fmt.Errorf("worker pool shut down")
	}
}

func (p *WorkerPool) closeWork() {
	p.closeOnce.Do(func() { close(p.workCh) })
}

// Wait closes the pool to new work and blocks until queued tasks finish
func (p *WorkerPool) Wait() {
	p.closeWork()
	<-p.doneCh
	p.cancel()
}

// Shutdown gracefully shuts down the worker pool.
// Waits up to timeout for workers to finish current tasks.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var shutdownErr error

	p.shutdownOnce.Do(func() {
		p.closeWork()

		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			shutdownErr = fmt.Errorf("worker pool shutdown timed out after %v", timeout)
		}
	})

	return shutdownErr
}

// Errors returns a channel that receives worker errors.
// Non-blocking, use select to check for errors.
func (p *WorkerPool) Errors() <-chan error {
	return p.errCh
}

func (p *WorkerPool) report(err error) {
	select {
	case p.errCh <- err:
	default:
		p.logger.WithError(err).WithField("task", p.taskName).Warn("worker pool error channel full, dropping error")
	}
}

func (p *WorkerPool) worker(id int) {
	for {
		select {
		case <-p.ctx.Done():
			return

		case fn, ok := <-p.workCh:
			if !ok {
				return
			}

			ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
			func() {
				defer cancel()
				defer func() {
					if r := recover(); r != nil {
						p.logger.WithFields(logrus.Fields{
							"task":   p.taskName,
							"worker": id,
							"panic":  r,
							"stack":  string(debug.Stack()),
						}).Error("PANIC in worker")
						p.report(fmt.Errorf("panic: %v", r))
					}
				}()

				if err := fn(ctx); err != nil {
					p.report(err)
				}
			}()
		}
	}
}

// Batch processes a slice of items concurrently using a worker pool.
// Returns all errors encountered.
//
//	errs := Batch(ctx, logger, days, 4, "audit archive", time.Minute, func(ctx context.Context, day time.Time) error {
//	    return archiver.ArchiveDay(ctx, day)
//	})
func Batch[T any](ctx context.Context, logger logrus.FieldLogger, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	pool := NewWorkerPool(ctx, logger, workers, taskName, timeout)
	defer pool.Shutdown(5 * time.Second)

	for _, item := range items {
		item := item
		if err := pool.Submit(func(ctx context.Context) error {
			return fn(ctx, item)
		}); err != nil {
			return []error{err}
		}
	}

	pool.Wait()

	var errs []error
	for {
		select {
		case err := <-pool.errCh:
			errs = append(errs, err)
		default:
			return errs
		}
	}
}
