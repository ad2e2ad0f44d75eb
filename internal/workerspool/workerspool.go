// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements the fork-join fan-out used by the GEMM engine, on top of a pool
// that keeps tabs on how many goroutines are doing work.
package workerspool

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Pool of workers. It doesn't own goroutines: it only accounts for the ones started through it.
type Pool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	// The actual number of goroutines is higher than that -- because of waits and such.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Should be signaled whenever numRunning is decreased.
	numRunning     int

	// extraParallelism is temporarily increased when a worked goes to sleep.
	extraParallelism atomic.Int32
}

// NewWithParallelism returns a new Pool with the given maxParallelism: the soft target on the number
// of tasks StartIfAvailable runs concurrently. If set to 0 parallelism is disabled, and if set to -1
// it is unlimited.
func NewWithParallelism(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

const goroutineToParallelismRatio = 2

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with workerPool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= goroutineToParallelismRatio*w.maxParallelism+int(w.extraParallelism.Load())
}

// lockedRunTaskInGoroutine and keep tabs on w.numRunning.
//
// It must be called with workerPool.mu acquired.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		defer w.taskFinished()
		task()
	}()
}

func (w *Pool) taskFinished() {
	w.mu.Lock()
	w.numRunning--
	w.cond.Signal()
	w.mu.Unlock()
}

// StartIfAvailable runs the task in a separate goroutine, if there are enough workers left.
// It returns true if it found workers to run the function, false otherwise.
//
// It's up to the client to synchronize the end of the function execution.
func (w *Pool) StartIfAvailable(task func()) bool {
	if w.maxParallelism < 0 {
		go task()
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockedIsFull() {
		return false
	}
	w.lockedRunTaskInGoroutine(task)
	return true
}

// ForkJoin runs fn(idx) for idx in [0, n) concurrently and returns once all of them returned.
// fn(0) runs in the calling goroutine.
//
// Unlike StartIfAvailable, all n participants are always started, regardless of how busy the pool
// is: participants may synchronize with each other (barriers, latches), so none of them can be
// deferred until another one finishes. They are still accounted in the pool, so concurrent users of
// StartIfAvailable back off.
//
// A panic in any of the participants is re-raised in the calling goroutine after all of them finished.
func (w *Pool) ForkJoin(n int, fn func(idx int)) {
	if n <= 0 {
		return
	}
	if n == 1 {
		fn(0)
		return
	}
	var (
		wg         sync.WaitGroup
		panicOnce  sync.Once
		firstPanic any
	)
	capture := func() {
		if r := recover(); r != nil {
			panicOnce.Do(func() { firstPanic = r })
		}
	}
	w.mu.Lock()
	w.numRunning += n - 1
	w.mu.Unlock()
	wg.Add(n - 1)
	for idx := 1; idx < n; idx++ {
		go func() {
			defer wg.Done()
			defer w.taskFinished()
			defer capture()
			fn(idx)
		}()
	}
	func() {
		defer capture()
		fn(0)
	}()
	wg.Wait()
	if firstPanic != nil {
		if err, ok := firstPanic.(error); ok {
			panic(errors.WithMessage(err, "panic in fork-join worker"))
		}
		panic(firstPanic)
	}
}

// WorkerIsAsleep indicates the worker (the one that called the method) is going to sleep waiting
// for other workers, and temporarily increases the available number of workers.
//
// Call WorkerRestarted when the worker is ready to run again.
func (w *Pool) WorkerIsAsleep() {
	w.extraParallelism.Add(1)
}

// WorkerRestarted indicates the worker (the one that called the method) is ready to run again.
// It should only be called after WorkerIsAsleep.
func (w *Pool) WorkerRestarted() {
	w.extraParallelism.Add(-1)
}
