// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package partition divides a GEMM problem across threads.
//
// The M x N output plane is cut in a 2-D grid of rectangles, one per thread, aligned to the
// micro-kernel tiles. Each thread then walks its rectangle in steps (MStep x NStep, with KStep
// along the reduction axis) chosen so that its working tiles fit the fast-memory budget.
package partition

import (
	"github.com/gomlx/qgemm/internal/scratch"
	"github.com/gomlx/qgemm/pkg/engine/microkernel"
	"k8s.io/klog/v2"
)

// Problem holds everything the partition depends on. It is comparable, so it can be used to tell
// whether a cached partition is still valid.
type Problem struct {
	M, N, K int

	// BlockSize is the K granularity of the quantization blocks the reduction steps must not cross,
	// or 0 if there are none.
	BlockSize int

	Threads int
	Tiles   microkernel.Tiles

	// ASize, BSize and CSize are the element sizes, in bytes, of the activation, weight and
	// accumulator tiles. ExtraSize is the size of an extra per-output accumulator (the float32
	// accumulator of the quantized path), or 0. WideSize is the size of the accumulator that
	// collects the int32 partial sums of blocks too long to accumulate in int32, or 0.
	ASize, BSize, CSize, ExtraSize, WideSize int

	// InPlace is set when the activation and weight tiles are read in place from already laid out
	// buffers, and take no scratch.
	InPlace bool

	// KOuter is set when the launcher walks the K steps outside the row steps: the accumulators
	// then cover all the rows of the thread's rectangle, and not only one row step.
	KOuter bool

	// Budget is the fast-memory size, in bytes, one thread's tiles should fit in.
	Budget int
}

// ThreadConfig is the work assigned to one thread.
type ThreadConfig struct {
	// RowIdx, ColIdx is the top-left corner of the thread's rectangle of the output, and RowSize,
	// ColSize its size. A zero size means the thread has no work.
	RowIdx, ColIdx   int
	RowSize, ColSize int

	// MStep, NStep and KStep are the tile step sizes.
	MStep, NStep, KStep int

	// StackSize is the number of bytes of scratch the thread needs: the launchers carve their tiles
	// from a stack of this size, in the order given by StackSize.
	StackSize int
}

// Parallel2D is a 2-D partition of a Problem. It caches the last computed partition: see Update.
//
// It is not safe for concurrent use, but once updated GetIndex can be called concurrently.
type Parallel2D struct {
	problem Problem
	valid   bool

	// Rows and Cols of the grid, and the size of its rectangles.
	Rows, Cols       int
	RowSize, ColSize int

	MStep, NStep, KStep int
	StackSize           int
}

// Update recomputes the partition if problem differs from the one of the last call.
// It returns whether it was recomputed.
func (p *Parallel2D) Update(problem Problem) bool {
	if p.valid && p.problem == problem {
		return false
	}
	p.problem = problem
	p.valid = true
	p.Rows, p.Cols, p.RowSize, p.ColSize = Grid(problem)
	p.MStep, p.NStep, p.KStep = Steps(problem, p.RowSize, p.ColSize)
	p.StackSize = StackSize(problem, p.RowSize, p.MStep, p.NStep, p.KStep)
	if klog.V(2).Enabled() {
		klog.Infof("partition: M=%d N=%d K=%d block=%d threads=%d tiles=%s -> grid %dx%d of %dx%d, steps m=%d n=%d k=%d, stack=%d bytes",
			problem.M, problem.N, problem.K, problem.BlockSize, problem.Threads, problem.Tiles,
			p.Rows, p.Cols, p.RowSize, p.ColSize, p.MStep, p.NStep, p.KStep, p.StackSize)
	}
	return true
}

// Problem returns the problem the partition was last computed for.
func (p *Parallel2D) Problem() Problem {
	return p.problem
}

// GetIndex returns the configuration of thread tid. Threads beyond the grid, or whose rectangle
// falls outside the output, get a zero-area configuration.
func (p *Parallel2D) GetIndex(tid int) ThreadConfig {
	cfg := ThreadConfig{MStep: p.MStep, NStep: p.NStep, KStep: p.KStep, StackSize: p.StackSize}
	if tid < 0 || tid >= p.Rows*p.Cols {
		return cfg
	}
	rowIdx := (tid / p.Cols) * p.RowSize
	colIdx := (tid % p.Cols) * p.ColSize
	if rowIdx >= p.problem.M || colIdx >= p.problem.N {
		return cfg
	}
	cfg.RowIdx, cfg.ColIdx = rowIdx, colIdx
	cfg.RowSize = min(p.RowSize, p.problem.M-rowIdx)
	cfg.ColSize = min(p.ColSize, p.problem.N-colIdx)
	return cfg
}

// Grid chooses how many rows and columns of rectangles to cut the output in, and their sizes.
//
// It picks the grid with the smallest (largest) rectangle area, and among those the one that keeps
// more threads busy, and then the one with fewer rows.
func Grid(problem Problem) (rows, cols, rowSize, colSize int) {
	threads := max(1, problem.Threads)
	t := problem.Tiles
	bestArea, bestBusy := -1, 0
	for r := 1; r <= threads; r++ {
		c := threads / r
		rs := t.PadM((problem.M + r - 1) / r)
		cs := t.PadN((problem.N + c - 1) / c)
		area := rs * cs
		busy := ((problem.M + rs - 1) / rs) * ((problem.N + cs - 1) / cs)
		if bestArea < 0 || area < bestArea || (area == bestArea && busy > bestBusy) {
			bestArea, bestBusy = area, busy
			rows, cols, rowSize, colSize = r, c, rs, cs
		}
	}
	return
}

// Steps chooses the tile steps for a rectangle of rowSize x colSize: it starts with the whole
// rectangle (at most 16 rows) and the whole reduction axis (or quantization block), and halves the
// steps until the working set fits the budget: first K down to 256, then N, then M, then K again.
func Steps(problem Problem, rowSize, colSize int) (mStep, nStep, kStep int) {
	t := problem.Tiles
	kStep = t.PadK(problem.K)
	if problem.BlockSize > 0 {
		kStep = min(kStep, t.PadK(problem.BlockSize))
	}
	nStep = max(t.N, t.PadN(colSize))
	mStep = max(1, min(rowSize, microkernel.PadTo(16, t.M)))
	minK := min(kStep, microkernel.PadTo(256, t.K))
	for workingSet(problem, mStep, nStep, kStep) > problem.Budget {
		switch {
		case kStep > minK:
			kStep = max(minK, microkernel.PadToLE(kStep/2, t.K))
		case nStep > t.N:
			nStep = max(t.N, microkernel.PadToLE(nStep/2, t.N))
		case mStep > t.M:
			mStep = max(t.M, microkernel.PadToLE(mStep/2, t.M))
		case kStep > t.K:
			kStep = max(t.K, microkernel.PadToLE(kStep/2, t.K))
		default:
			return
		}
	}
	return
}

func workingSet(problem Problem, mStep, nStep, kStep int) int {
	return mStep*kStep*problem.ASize + kStep*nStep*problem.BSize + mStep*nStep*(problem.CSize+problem.ExtraSize)
}

// StackSize returns the scratch bytes of one thread with a rectangle of at most rowSize rows. The
// regions, each aligned to a cache line, are carved in this order:
//
//   - the activation tile (mStep x kStep) and the weight tile (kStep x nStep), unless InPlace;
//   - the accumulator tile: nStep columns of mStep rows, or of rowSize rows if KOuter;
//   - the extra and wide accumulators, mStep x nStep each, if their sizes are not 0.
func StackSize(problem Problem, rowSize, mStep, nStep, kStep int) int {
	var size int
	if !problem.InPlace {
		size += scratch.Align(mStep*kStep*problem.ASize) + scratch.Align(kStep*nStep*problem.BSize)
	}
	accRows := mStep
	if problem.KOuter {
		accRows = max(mStep, rowSize)
	}
	return size + scratch.Align(accRows*nStep*problem.CSize) +
		scratch.Align(mStep*nStep*problem.ExtraSize) + scratch.Align(mStep*nStep*problem.WideSize)
}
