// ============================================================================
// DRM License Service Worker - Session Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that runs one session at a time, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the session's Job Manager (with optional timeout)
//   3. Send result to resultCh
//   4. Repeat above process until taskCh is closed
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task := range taskCh     │   │
//   │  │   ├─ Context from the pool   │   │
//   │  │   ├─ execute(task)           │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Cancellation:
//   The pool context is cancelled on Stop(). A session interrupted this way returns
//   ctx.Err() and keeps its remaining jobs in the store for the next startup.
//   User-level cancellation goes through the session registry instead and ends the
//   session normally.
//
// Panic Recovery:
//   A panic inside a session is recovered and reported as ErrSessionPanic so one bad
//   session does not take the whole process down.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrSessionPanic a session panicked while running
var ErrSessionPanic = errors.New("worker: session panicked")

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging and debugging
	taskCh   <-chan Task   // Task channel (read-only), receives sessions to run
	resultCh chan<- Result // Result channel (write-only), sends session results
	busy     *atomic.Int32 // Shared counter of workers currently running a session
	logger   *slog.Logger
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, busy *atomic.Int32, logger *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		busy:     busy,
		logger:   logger.With("worker", id),
	}
}

// Run is the main loop of Worker, receives sessions from task channel and runs them
// After each session, sends the result to result channel
func (w *Worker) Run(ctx context.Context) {
	for task := range w.taskCh {
		start := time.Now()

		w.busy.Add(1)
		err := w.execute(ctx, task)
		w.busy.Add(-1)

		result := Result{
			SessionID: task.Session.SessionID(),
			Success:   err == nil,
			Error:     err,
			Duration:  time.Since(start),
		}

		select {
		case w.resultCh <- result:
		default:
			w.logger.Warn("result channel full, dropping result", "session", result.SessionID, "error", err)
		}
	}
}

// execute runs one session, converting panics into errors
func (w *Worker) execute(ctx context.Context, task Task) (err error) {
	switch {
	case task.Timeout > 0 && task.OnTimeout != nil:
		timer := time.AfterFunc(task.Timeout, task.OnTimeout)
		defer timer.Stop()
	case task.Timeout > 0:
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("session panic", "session", task.Session.SessionID(), "panic", r)
			err = fmt.Errorf("%w: %v", ErrSessionPanic, r)
		}
	}()

	return task.Session.Run(ctx)
}
