// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package microkernel defines the smallest compute primitive of the GEMM engine: a kernel that
// multiplies an activation tile by a packed weight tile, accumulating into a result tile.
//
// Each family of kernels is specialized for an instruction set, and works on fixed tiles of
// Tiles.M rows by Tiles.N columns, consuming the reduction (K) axis Tiles.K values at a time.
//
// # Packed weights layout
//
// Weights (the "B" operand) are packed in panels of Tiles.N columns. Within a panel, the reduction
// axis is grouped in Tiles.K consecutive values, and each group stores the Tiles.K values of one
// column contiguously (the VNNI layout). With Tiles.K == 1 it is simply a row-major [k][Tiles.N] panel.
// Use Tiles.PackedIndex to locate an element.
//
// Panels are zero-padded to a multiple of Tiles.N columns and Tiles.K rows.
package microkernel

import (
	"fmt"

	"github.com/gomlx/qgemm/internal/hwinfo"
)

// Tiles are the fixed sizes a micro-kernel works with.
type Tiles struct {
	// M is the number of rows of the activation tile kept in registers.
	M int
	// N is the number of columns of a packed weight panel.
	N int
	// K is the reduction granularity: K values are consumed at a time, so the reduction length
	// passed to Kernel.Forward must be a multiple of it.
	K int
}

// PackedIndex returns the position of element (kk, j) of the weights, relative to the start of
// its panel, where kk is the index along the reduction axis and j the column within the panel.
func (t Tiles) PackedIndex(kk, j int) int {
	return (kk/t.K)*t.N*t.K + j*t.K + kk%t.K
}

// PadM rounds m up to a multiple of t.M.
func (t Tiles) PadM(m int) int { return PadTo(m, t.M) }

// PadN rounds n up to a multiple of t.N.
func (t Tiles) PadN(n int) int { return PadTo(n, t.N) }

// PadK rounds k up to a multiple of t.K.
func (t Tiles) PadK(k int) int { return PadTo(k, t.K) }

// String implements fmt.Stringer.
func (t Tiles) String() string {
	return fmt.Sprintf("%dx%dx%d", t.M, t.N, t.K)
}

// PadTo rounds v up to a multiple of tile.
func PadTo(v, tile int) int {
	return (v + tile - 1) / tile * tile
}

// PadToLE rounds v down to a multiple of tile.
func PadToLE(v, tile int) int {
	return v / tile * tile
}

// Kernel multiplies tiles: C[m x n] (+)= A[m x k] * B[k x n].
//
// A is the activation type, B the packed weight type and C the accumulator type.
type Kernel[A, B, C any] interface {
	// Name of the kernel family, used in logs and by the kernel registry.
	Name() string

	// Requires returns the instruction sets the kernel needs to run.
	Requires() hwinfo.ISA

	// Tiles returns the fixed tile sizes of the kernel.
	Tiles() Tiles

	// Forward computes the product of an m x k activation block by a k x n packed weight block.
	//
	//   - a: row i starts at a[i*aStride], with k values.
	//   - b: packed panels (see package documentation), panel p starts at b[p*bStride].
	//   - c: row i starts at c[i*cStride], with n values.
	//
	// n must be a multiple of Tiles().N and k a multiple of Tiles().K; m is arbitrary.
	// If accumulate is false, c is overwritten, otherwise the product is added to it.
	//
	// For float kernels the reduction is accumulated element by element in order of k, so
	// splitting k in consecutive calls with accumulate=true gives bit-identical results.
	Forward(a []A, b []B, c []C, m, n, k, aStride, bStride, cStride int, accumulate bool)
}

// Float32 is a kernel working with float32 operands and accumulators.
type Float32 = Kernel[float32, float32, float32]

// U8S8 is an integer kernel for unsigned activations (asymmetric quantization) and signed weights.
type U8S8 = Kernel[uint8, int8, int32]

// S8S8 is an integer kernel for signed activations (symmetric quantization) and signed weights.
type S8S8 = Kernel[int8, int8, int32]

// maxTileElements bounds Tiles.M * Tiles.N for the portable kernels, so their accumulators can live
// in fixed size arrays.
const maxTileElements = 16 * 48

// family is the common descriptive part of all kernels.
type family struct {
	name  string
	isa   hwinfo.ISA
	tiles Tiles
}

func (f *family) Name() string        { return f.name }
func (f *family) Requires() hwinfo.ISA { return f.isa }
func (f *family) Tiles() Tiles         { return f.tiles }
