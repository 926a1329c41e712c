// Copyright 2019 The Go Cloud Development Kit Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package asyncqueue provides the single logical operation queue that
// serializes all work of one client instance.
//
// Operations run one at a time, in the order they were enqueued, on a single
// worker goroutine. An operation runs start to finish before the next one
// begins. Delayed operations are enqueued when their timer fires and can be
// canceled until then. Shutdown either drains pending delayed operations
// (runs them immediately) or rejects them with a Canceled error.
package asyncqueue

import (
	"context"
	"sort"
	"sync"
	"time"

	"docsync.dev/internal/gcerr"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// TimerID identifies a kind of delayed operation.
type TimerID string

const (
	// TimerAll is only valid as the argument to RunDelayedOperationsEarly.
	TimerAll TimerID = "all"
	// TimerLeaseRefresh refreshes the owner lease of the persistence layer.
	TimerLeaseRefresh TimerID = "owner_lease_refresh"
	// TimerWriteBackoff retries a failed commit on the write pipeline.
	TimerWriteBackoff TimerID = "write_backoff"
	// TimerListenBackoff reopens the watch stream after it failed.
	TimerListenBackoff TimerID = "listen_backoff"
	// TimerTransactionRetry delays a transaction retry.
	TimerTransactionRetry TimerID = "transaction_retry"
)

// Op is a unit of work run on the queue. The context is canceled when the
// queue has shut down.
type Op func(ctx context.Context) error

// ErrShutdown is returned for operations enqueued after Shutdown and for
// delayed operations rejected by it.
var ErrShutdown = gcerr.Newf(gcerr.Canceled, nil, "asyncqueue: queue is shut down")

type task struct {
	fn   Op
	done chan error
}

// A Queue runs operations one at a time. The zero value is not usable; call New.
type Queue struct {
	logger log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	tasks    []*task
	delayed  []*DelayedOperation
	closing  bool
	wake     chan struct{}
	finished chan struct{}
}

// New starts a queue. A nil logger discards log output.
func New(logger log.Logger) *Queue {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		logger:   log.With(logger, "component", "asyncqueue"),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		finished: make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *Queue) loop() {
	defer close(q.finished)
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			<-q.wake
			continue
		}
		t := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		if t.fn == nil {
			// End-of-queue marker enqueued by Shutdown.
			close(t.done)
			return
		}
		t.done <- t.fn(q.ctx)
	}
}

func (q *Queue) push(fn Op) <-chan error {
	t := &task{fn: fn, done: make(chan error, 1)}
	q.tasks = append(q.tasks, t)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return t.done
}

// Enqueue adds fn to the end of the queue. The returned channel receives the
// result of fn once it has run.
func (q *Queue) Enqueue(fn Op) <-chan error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing {
		done := make(chan error, 1)
		done <- ErrShutdown
		return done
	}
	return q.push(fn)
}

// EnqueueAndForget adds fn to the queue and logs its error, if any.
func (q *Queue) EnqueueAndForget(op string, fn Op) {
	done := q.Enqueue(fn)
	go func() {
		if err := <-done; err != nil && err != ErrShutdown {
			level.Error(q.logger).Log("op", op, "msg", "operation failed", "err", err)
		}
	}()
}

// Run enqueues fn and waits for its result. If ctx is done first, Run returns
// ctx.Err(); fn still runs when its turn comes. Run must not be called from an
// operation running on the same queue.
func (q *Queue) Run(ctx context.Context, fn Op) error {
	select {
	case err := <-q.Enqueue(fn):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsShutdown reports whether Shutdown has been called.
func (q *Queue) IsShutdown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closing
}

// Shutdown stops the queue. Operations already enqueued still run. Pending
// delayed operations are run immediately if drain is true, and are rejected
// with ErrShutdown otherwise. Shutdown returns once the last operation has run
// or ctx is done.
func (q *Queue) Shutdown(ctx context.Context, drain bool) error {
	q.mu.Lock()
	if q.closing {
		q.mu.Unlock()
		return q.wait(ctx)
	}
	q.closing = true
	pending := q.delayed
	q.delayed = nil
	for _, op := range pending {
		op.timer.Stop()
	}
	sortByTarget(pending)
	if drain {
		q.push(func(ctx context.Context) error {
			for _, op := range pending {
				op.runIfPending(ctx)
			}
			return nil
		})
	} else {
		for _, op := range pending {
			op.reject(ErrShutdown)
		}
	}
	q.tasks = append(q.tasks, &task{done: make(chan error)})
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	level.Debug(q.logger).Log("op", "Shutdown", "msg", "shutting down", "drain", drain, "delayed", len(pending))
	return q.wait(ctx)
}

func (q *Queue) wait(ctx context.Context) error {
	select {
	case <-q.finished:
		q.cancel()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sortByTarget(ops []*DelayedOperation) {
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].target.Before(ops[j].target) })
}

// A DelayedOperation is an operation scheduled to run on the queue after a delay.
type DelayedOperation struct {
	ID TimerID

	q      *Queue
	fn     Op
	target time.Time
	timer  *time.Timer
	done   chan error

	// Guarded by q.mu.
	state opState
}

type opState int

const (
	opPending opState = iota
	opRunning
	opFinished
)

// EnqueueAfterDelay schedules fn to be enqueued after d.
func (q *Queue) EnqueueAfterDelay(id TimerID, d time.Duration, fn Op) *DelayedOperation {
	op := &DelayedOperation{
		ID:     id,
		q:      q,
		fn:     fn,
		target: time.Now().Add(d),
		done:   make(chan error, 1),
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closing {
		op.state = opFinished
		op.done <- ErrShutdown
		return op
	}
	q.delayed = append(q.delayed, op)
	op.timer = time.AfterFunc(d, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if op.state != opPending || q.closing {
			return
		}
		q.push(func(ctx context.Context) error {
			op.runIfPending(ctx)
			return nil
		})
	})
	return op
}

// Done returns a channel that receives the result of the operation, or
// ErrShutdown or a Canceled error if it never ran.
func (op *DelayedOperation) Done() <-chan error { return op.done }

// Cancel prevents the operation from running if it has not started yet.
func (op *DelayedOperation) Cancel() {
	op.q.mu.Lock()
	defer op.q.mu.Unlock()
	if op.state != opPending {
		return
	}
	if op.timer != nil {
		op.timer.Stop()
	}
	op.q.removeDelayedLocked(op)
	op.reject(gcerr.Newf(gcerr.Canceled, nil, "asyncqueue: %s canceled", op.ID))
}

// reject must be called with q.mu held.
func (op *DelayedOperation) reject(err error) {
	op.state = opFinished
	op.done <- err
}

// runIfPending runs on the queue.
func (op *DelayedOperation) runIfPending(ctx context.Context) {
	q := op.q
	q.mu.Lock()
	if op.state != opPending {
		q.mu.Unlock()
		return
	}
	op.state = opRunning
	q.removeDelayedLocked(op)
	q.mu.Unlock()

	err := op.fn(ctx)

	q.mu.Lock()
	op.state = opFinished
	q.mu.Unlock()
	op.done <- err
}

func (q *Queue) removeDelayedLocked(op *DelayedOperation) {
	for i, o := range q.delayed {
		if o == op {
			q.delayed = append(q.delayed[:i], q.delayed[i+1:]...)
			return
		}
	}
}

// ContainsDelayedOperation reports whether an operation with id is scheduled.
func (q *Queue) ContainsDelayedOperation(id TimerID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.delayed {
		if op.ID == id {
			return true
		}
	}
	return false
}

// RunDelayedOperationsEarly runs scheduled operations in target-time order,
// up to and including the first one with lastID, without waiting for their
// timers. Pass TimerAll to run every scheduled operation. It is meant for tests.
func (q *Queue) RunDelayedOperationsEarly(ctx context.Context, lastID TimerID) error {
	return q.Run(ctx, func(ctx context.Context) error {
		q.mu.Lock()
		ops := append([]*DelayedOperation(nil), q.delayed...)
		q.mu.Unlock()
		sortByTarget(ops)
		for _, op := range ops {
			if op.timer != nil {
				op.timer.Stop()
			}
			op.runIfPending(ctx)
			if lastID != TimerAll && op.ID == lastID {
				break
			}
		}
		return nil
	})
}
