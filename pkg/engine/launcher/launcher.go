// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package launcher implements the GEMM launcher: it composes a micro-kernel with an activation
// prologue, a weight prologue and an epilogue, and runs one thread's share of the problem (a
// partition.ThreadConfig) through the cache blocked loop.
//
// The reduction axis is walked in K steps: the part of each step that is a whole number of
// micro-kernel K tiles is computed in one kernel call, and any remainder (only at the very end of K)
// in one extra "tail" call over the zero-padded tile. The epilogue runs after all of K was
// accumulated.
//
// Scratch tiles are carved from the stack given to Run, of ThreadConfig.StackSize bytes, in the
// order documented by partition.StackSize.
package launcher

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/qgemm/internal/scratch"
	"github.com/gomlx/qgemm/pkg/core/quant"
	"github.com/gomlx/qgemm/pkg/engine/epilogue"
	"github.com/gomlx/qgemm/pkg/engine/microkernel"
	"github.com/gomlx/qgemm/pkg/engine/partition"
	"github.com/gomlx/qgemm/pkg/engine/prologue"
)

// Launcher runs a GEMM with a float (or any single accumulation stage) micro-kernel.
//
// For each column step it walks K steps, and within each K step all the row steps: every weight tile
// is fetched (and dequantized, if that is what the weight prologue does) once per thread. The
// accumulators cover all the rows of the thread's rectangle (see partition.Problem.KOuter).
type Launcher[A, B, C any] struct {
	Kernel     microkernel.Kernel[A, B, C]
	Activation prologue.Activation[A]
	Weight     prologue.Weight[B]
	Epilogue   epilogue.Epilogue[C]

	// K is the length of the reduction axis.
	K int
}

// Run computes the rectangle of the output assigned to cfg. Threads with an empty rectangle return
// immediately.
func (l *Launcher[A, B, C]) Run(cfg partition.ThreadConfig, stack []byte) {
	if cfg.RowSize <= 0 || cfg.ColSize <= 0 {
		return
	}
	checkStack(cfg, stack)
	t := l.Kernel.Tiles()
	alloc := scratch.NewAllocator(stack[:cfg.StackSize])
	aScratch := scratch.Next[A](alloc, l.Activation.ScratchSize(cfg.MStep, cfg.KStep))
	bScratch := scratch.Next[B](alloc, l.Weight.ScratchSize(cfg.KStep, cfg.NStep))
	cTile := scratch.Next[C](alloc, cfg.RowSize*t.PadN(cfg.NStep))

	colEnd, rowEnd := cfg.ColIdx+cfg.ColSize, cfg.RowIdx+cfg.RowSize
	for n0 := cfg.ColIdx; n0 < colEnd; n0 += cfg.NStep {
		nSize := min(cfg.NStep, colEnd-n0)
		nPad := t.PadN(nSize)
		for k0 := 0; k0 < l.K; k0 += cfg.KStep {
			kSize := min(cfg.KStep, l.K-k0)
			bTile, bStride := l.Weight.Get(bScratch, k0, kSize, n0, nPad)
			for m0 := cfg.RowIdx; m0 < rowEnd; m0 += cfg.MStep {
				mSize := min(cfg.MStep, rowEnd-m0)
				aTile, aStride := l.Activation.Get(aScratch, m0, mSize, k0, kSize)
				forward(l.Kernel, aTile, bTile, cTile[(m0-cfg.RowIdx)*nPad:], mSize, nPad, kSize, aStride, bStride, k0 > 0)
			}
		}
		l.Epilogue.Forward(cTile, nPad, cfg.RowIdx, n0, cfg.RowSize, nSize)
	}
}

// checkStack panics if the stack is smaller than what cfg was planned with.
func checkStack(cfg partition.ThreadConfig, stack []byte) {
	if len(stack) < cfg.StackSize {
		exceptions.Panicf("launcher: stack of %d bytes, the thread configuration needs %d", len(stack), cfg.StackSize)
	}
}

// forward runs the main part of kSize (whole K tiles) and then the tail, if any.
// The accumulator tile has nPad columns.
func forward[A, B, C any](kernel microkernel.Kernel[A, B, C], aTile []A, bTile []B, cTile []C,
	mSize, nPad, kSize, aStride, bStride int, accumulate bool) {
	t := kernel.Tiles()
	kMain := microkernel.PadToLE(kSize, t.K)
	if kMain > 0 {
		kernel.Forward(aTile, bTile, cTile, mSize, nPad, kMain, aStride, bStride, nPad, accumulate)
	}
	if kMain < kSize {
		kernel.Forward(aTile[kMain:], bTile[kMain*t.N:], cTile, mSize, nPad, t.K, aStride, bStride, nPad,
			accumulate || kMain > 0)
	}
}

// MaxInt32Reduction is the longest reduction of 8 bits products that is guaranteed to fit in an
// int32 accumulator: every product of an uint8 (or int8) by an int8 is at most 255*128 in magnitude.
const MaxInt32Reduction = math.MaxInt32 / (255 * 128)

// ReductionChunk returns the longest part of a quantization block BlockLauncher accumulates in
// int32 with kernels of the given tiles: MaxInt32Reduction rounded down to whole K tiles.
func ReductionChunk(tiles microkernel.Tiles) int {
	return microkernel.PadToLE(MaxInt32Reduction, tiles.K)
}

// BlockLauncher runs the integer GEMM of dynamically quantized activations: the reduction is
// accumulated in int32 within each quantization block, and dequantized into a float32 accumulator
// at the end of every block. The final epilogue writes the float32 accumulator.
//
// Blocks longer than the reduction chunk are accumulated one chunk at a time, each chunk's int32
// sums added into an int64 accumulator that is dequantized at the end of the block.
type BlockLauncher[Q quant.Integer] struct {
	Kernel     microkernel.Kernel[Q, int8, int32]
	Activation *prologue.QuantParam[Q]
	Weights    *prologue.QuantizedWeights
	Epilogue   epilogue.Epilogue[float32]

	// Chunk overrides ReductionChunk if > 0. It must be a multiple of the kernel's Tiles.K.
	Chunk int
}

func (l *BlockLauncher[Q]) chunk() int {
	if l.Chunk > 0 {
		return l.Chunk
	}
	return ReductionChunk(l.Kernel.Tiles())
}

// NeedsWide returns whether blocks of blockSize values need the wide (int64) accumulator, in which
// case the partition.Problem must have WideSize 8.
func (l *BlockLauncher[Q]) NeedsWide(blockSize int) bool {
	return blockSize > l.chunk()
}

// Run computes the rectangle of the output assigned to cfg.
func (l *BlockLauncher[Q]) Run(cfg partition.ThreadConfig, stack []byte) {
	if cfg.RowSize <= 0 || cfg.ColSize <= 0 {
		return
	}
	checkStack(cfg, stack)
	t := l.Kernel.Tiles()
	qa := l.Activation
	activation := prologue.QuantizedActivation[Q]{Param: qa}
	weights := l.Weights.View()
	dequant := &epilogue.BlockDequant[Q]{Activation: qa, Weights: l.Weights}
	chunk := l.chunk()
	nStepPad := t.PadN(cfg.NStep)
	alloc := scratch.NewAllocator(stack[:cfg.StackSize])
	cTile := scratch.Next[int32](alloc, cfg.MStep*nStepPad)
	fTile := scratch.Next[float32](alloc, cfg.MStep*nStepPad)
	var wide []int64
	if l.NeedsWide(qa.BlockSize) {
		wide = scratch.Next[int64](alloc, cfg.MStep*nStepPad)
	}

	colEnd, rowEnd := cfg.ColIdx+cfg.ColSize, cfg.RowIdx+cfg.RowSize
	for n0 := cfg.ColIdx; n0 < colEnd; n0 += cfg.NStep {
		nSize := min(cfg.NStep, colEnd-n0)
		nPad := t.PadN(nSize)
		for m0 := cfg.RowIdx; m0 < rowEnd; m0 += cfg.MStep {
			mSize := min(cfg.MStep, rowEnd-m0)
			clear(fTile[:mSize*nPad])
			for blk := range qa.NumBlocks {
				kb0 := blk * qa.BlockSize
				kb1 := min(qa.K, kb0+qa.BlockSize)
				for c0 := kb0; c0 < kb1; c0 += chunk {
					c1 := min(kb1, c0+chunk)
					for k0 := c0; k0 < c1; k0 += cfg.KStep {
						kSize := min(cfg.KStep, c1-k0)
						bTile, bStride := weights.Get(nil, k0, kSize, n0, nPad)
						aTile, aStride := activation.Get(nil, m0, mSize, k0, kSize)
						forward(l.Kernel, aTile, bTile, cTile, mSize, nPad, kSize, aStride, bStride, k0 > c0)
					}
					if wide != nil {
						widen(wide, cTile, mSize*nPad, c0 > kb0)
					}
				}
				if wide != nil {
					dequant.AccumulateWide(fTile, nPad, wide, nPad, m0, n0, mSize, nPad, blk)
				} else {
					dequant.Accumulate(fTile, nPad, cTile, nPad, m0, n0, mSize, nPad, blk)
				}
			}
			l.Epilogue.Forward(fTile, nPad, m0, n0, mSize, nSize)
		}
	}
}

// widen adds (or copies, if !accumulate) the first n int32 accumulators into the int64 ones.
func widen(wide []int64, acc []int32, n int, accumulate bool) {
	wide, acc = wide[:n], acc[:n]
	if !accumulate {
		for i, v := range acc {
			wide[i] = int64(v)
		}
		return
	}
	for i, v := range acc {
		wide[i] += int64(v)
	}
}
