// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"

	"github.com/pkg/errors"
)

// DynamicWaitGroup is a WaitGroup-like synchronization primitive that allows the count
// to be changed (new values added) while someone is waiting for it.
//
// It is used when the producer of tasks doesn't know upfront how many of them will be run in
// separate goroutines and how many inline.
type DynamicWaitGroup struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int64
}

// NewDynamicWaitGroup creates a new DynamicWaitGroup.
func NewDynamicWaitGroup() *DynamicWaitGroup {
	cwg := &DynamicWaitGroup{}
	cwg.cond = sync.NewCond(&cwg.mu)
	return cwg
}

// Add changes the DynamicWaitGroup counter by the given delta.
// If the counter becomes zero, it broadcasts to all waiting goroutines.
// It panics if the counter goes negative.
func (cwg *DynamicWaitGroup) Add(delta int) {
	cwg.mu.Lock()
	defer cwg.mu.Unlock()
	cwg.count += int64(delta)
	if cwg.count < 0 {
		panic(errors.Errorf("DynamicWaitGroup: negative counter"))
	}
	if cwg.count == 0 {
		cwg.cond.Broadcast()
	}
}

// Done decrements the DynamicWaitGroup counter by one.
func (cwg *DynamicWaitGroup) Done() {
	cwg.Add(-1)
}

// Wrap returns a task that runs fn and then marks one unit of work as done.
// The counter is incremented immediately.
func (cwg *DynamicWaitGroup) Wrap(fn func()) func() {
	cwg.Add(1)
	return func() {
		defer cwg.Done()
		fn()
	}
}

// Wait blocks until the DynamicWaitGroup counter is zero.
func (cwg *DynamicWaitGroup) Wait() {
	cwg.mu.Lock()
	defer cwg.mu.Unlock()
	// sync.Cond.Wait() can have spurious wakeups.
	for cwg.count > 0 {
		cwg.cond.Wait()
	}
}
