// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package prologue implements the operand preparation stages of the GEMM launcher.
//
// Weight prologues hand out tiles of the weights (the B operand) in micro-kernel layout. The weights
// are packed once, when a kernel descriptor is built, so on the hot path a weight prologue either
// returns a view into the packed store or, for weight-only quantization, dequantizes the tile into
// the caller's scratch.
//
// Activation prologues hand out tiles of the activations (the A operand): either views into the
// caller's buffer, padded copies, or views into the dynamically quantized activations.
package prologue

import (
	"github.com/gomlx/qgemm/internal/workerspool"
	"github.com/gomlx/qgemm/pkg/core/quant"
	"github.com/gomlx/qgemm/pkg/engine/microkernel"
	"github.com/gomlx/qgemm/pkg/support/xsync"
)

// Weight is the interface of the weight prologues.
type Weight[B any] interface {
	// Get returns the packed tile for rows [k0, k0+kSize) and columns [n0, n0+nSize) of the weights,
	// and the stride between its panels.
	//
	// k0 is a multiple of the kernel's Tiles.K and n0, nSize multiples of Tiles.N. The tile covers
	// kSize rounded up to Tiles.K rows, zero-padded beyond the weights' K.
	//
	// scratch must have at least ScratchSize(kSize, nSize) values: it may or may not be used.
	Get(scratch []B, k0, kSize, n0, nSize int) (tile []B, stride int)

	// ScratchSize returns the number of values Get may need in its scratch.
	ScratchSize(kSize, nSize int) int
}

// Packed is a K x N matrix laid out in micro-kernel panels: see the microkernel package for the
// layout. It is immutable once packed.
type Packed[T any] struct {
	Tiles      microkernel.Tiles
	K, N       int
	KPad, NPad int
	Data       []T
}

// PanelStride is the number of values of one panel of Tiles.N columns.
func (p *Packed[T]) PanelStride() int {
	return p.KPad * p.Tiles.N
}

// Pack packs src, a K x N row-major matrix (or N x K if transposed), converting each value with
// convert. Padding is filled with the zero value of T.
//
// Panels are packed in parallel using the goroutines available in pool, which can be nil.
func Pack[S, T any](pool *workerspool.Pool, src []S, k, n int, transposed bool, tiles microkernel.Tiles,
	convert func(S) T) *Packed[T] {
	p := &Packed[T]{Tiles: tiles, K: k, N: n, KPad: tiles.PadK(k), NPad: tiles.PadN(n)}
	stride := p.PanelStride()
	p.Data = make([]T, p.NPad/tiles.N*stride)
	packPanel := func(panelIdx int) {
		panel := p.Data[panelIdx*stride : (panelIdx+1)*stride]
		col0 := panelIdx * tiles.N
		cols := min(tiles.N, n-col0)
		for kk := range k {
			for j := range cols {
				var v S
				if transposed {
					v = src[(col0+j)*k+kk]
				} else {
					v = src[kk*n+col0+j]
				}
				panel[tiles.PackedIndex(kk, j)] = convert(v)
			}
		}
	}
	forEachPanel(pool, p.NPad/tiles.N, packPanel)
	return p
}

// forEachPanel calls fn for every panel, in parallel if pool has goroutines available.
func forEachPanel(pool *workerspool.Pool, numPanels int, fn func(panelIdx int)) {
	if pool == nil || numPanels == 1 {
		for panelIdx := range numPanels {
			fn(panelIdx)
		}
		return
	}
	wg := xsync.NewDynamicWaitGroup()
	for panelIdx := range numPanels {
		task := wg.Wrap(func() { fn(panelIdx) })
		if !pool.StartIfAvailable(task) {
			task()
		}
	}
	wg.Wait()
}

// PackedView is the weight prologue of weights already in the kernel's type: tiles are views into
// the packed store.
type PackedView[T any] struct {
	Packed *Packed[T]
}

// Get implements Weight.
func (w PackedView[T]) Get(_ []T, k0, _, n0, _ int) (tile []T, stride int) {
	p := w.Packed
	stride = p.PanelStride()
	return p.Data[(n0/p.Tiles.N)*stride+k0*p.Tiles.N:], stride
}

// ScratchSize implements Weight.
func (w PackedView[T]) ScratchSize(int, int) int { return 0 }

// QuantizedWeights are block-quantized weights packed for the integer micro-kernels.
//
// Scales, ZeroPoints and ColumnSums are indexed [block][NPad]. ColumnSums holds the sum of the
// quantized values of each block and column, used to compensate the activation zero-point.
type QuantizedWeights struct {
	*Packed[int8]
	Scheme     quant.Scheme
	BlockSize  int
	NumBlocks  int
	Scales     []float32
	ZeroPoints []int32 // nil for symmetric schemes.
	ColumnSums []int32
}

// PackQuantized packs quantized weights for an integer micro-kernel with the given tiles.
func PackQuantized(pool *workerspool.Pool, w *quant.Weights, tiles microkernel.Tiles) *QuantizedWeights {
	identity := func(v int8) int8 { return v }
	qw := &QuantizedWeights{
		Packed:    Pack(pool, w.Values, w.K, w.N, false, tiles, identity),
		Scheme:    w.Scheme,
		BlockSize: w.BlockSize,
		NumBlocks: w.NumBlocks(),
	}
	nPad := qw.NPad
	qw.Scales = make([]float32, qw.NumBlocks*nPad)
	qw.ColumnSums = make([]int32, qw.NumBlocks*nPad)
	if w.ZeroPoints != nil {
		qw.ZeroPoints = make([]int32, qw.NumBlocks*nPad)
	}
	for blk := range qw.NumBlocks {
		for col := range w.N {
			qw.Scales[blk*nPad+col] = w.Scales[blk*w.N+col]
			if qw.ZeroPoints != nil {
				qw.ZeroPoints[blk*nPad+col] = w.ZeroPoint(blk, col)
			}
			var sum int32
			for kk := blk * w.BlockSize; kk < min(w.K, (blk+1)*w.BlockSize); kk++ {
				sum += int32(w.Values[kk*w.N+col])
			}
			qw.ColumnSums[blk*nPad+col] = sum
		}
	}
	return qw
}

// ZeroPoint of the given block and column, 0 for symmetric weights.
func (qw *QuantizedWeights) ZeroPoint(blk, col int) int32 {
	if qw.ZeroPoints == nil {
		return 0
	}
	return qw.ZeroPoints[blk*qw.NPad+col]
}

// View returns the weight prologue handing out the integer tiles.
func (qw *QuantizedWeights) View() PackedView[int8] {
	return PackedView[int8]{Packed: qw.Packed}
}

// Bytes returns the memory used by the packed weights and their parameters.
func (qw *QuantizedWeights) Bytes() int {
	n := len(qw.Data) + 4*(len(qw.Scales)+len(qw.ColumnSums)+len(qw.ZeroPoints))
	return n
}
