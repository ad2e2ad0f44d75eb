// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"

	"github.com/pkg/errors"
)

// Barrier is a cyclic barrier for a fixed number of parties: each call to Wait blocks until all
// parties have called it, and then the barrier resets for the next phase.
//
// It uses sync.Cond to coordinate, with a generation counter to tell phases apart.
type Barrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	parties    int
	waiting    int
	generation uint64
}

// NewBarrier creates a Barrier for the given number of parties. It panics if parties <= 0.
func NewBarrier(parties int) *Barrier {
	if parties <= 0 {
		panic(errors.Errorf("Barrier requires a positive number of parties, got %d", parties))
	}
	b := &Barrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Parties returns the number of parties the barrier waits for.
func (b *Barrier) Parties() int {
	return b.parties
}

// Wait blocks until all parties called Wait for the current phase.
// It returns true for exactly one of the parties of each phase (the last one to arrive).
func (b *Barrier) Wait() (last bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	generation := b.generation
	b.waiting++
	if b.waiting == b.parties {
		b.waiting = 0
		b.generation++
		b.cond.Broadcast()
		return true
	}
	for generation == b.generation {
		b.cond.Wait()
	}
	return false
}
