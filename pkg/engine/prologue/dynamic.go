// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package prologue

import (
	"github.com/gomlx/qgemm/internal/scratch"
	"github.com/gomlx/qgemm/pkg/core/dtypes"
	"github.com/gomlx/qgemm/pkg/core/quant"
)

// QuantParam holds the quantized activations of one execution, with their per block parameters.
//
// Blocks run along K with BlockSize values. Scales, ZeroPoints and RowSums are indexed
// [row*NumBlocks+block]: their stride is the number of blocks, unrelated to the GEMM K tiles.
type QuantParam[Q quant.Integer] struct {
	M, K, KPad           int
	BlockSize, NumBlocks int

	// Data holds M rows of KPad quantized values, zero-padded beyond K.
	Data []Q

	Scales     []float32
	ZeroPoints []int32 // nil for symmetric quantization.
	RowSums    []int32 // Sum of the quantized values of each row and block.
}

// QuantParamBytes returns the workspace bytes NewQuantParam carves.
func QuantParamBytes[Q quant.Integer](m, kPad, numBlocks int, asymmetric bool) int {
	n := scratch.SizeOf[Q](m*kPad) + scratch.SizeOf[float32](m*numBlocks) + scratch.SizeOf[int32](m*numBlocks)
	if asymmetric {
		n += scratch.SizeOf[int32](m * numBlocks)
	}
	return n
}

// NewQuantParam carves a QuantParam out of workspace, which must have at least QuantParamBytes bytes.
func NewQuantParam[Q quant.Integer](workspace []byte, m, k, kPad, blockSize int, asymmetric bool) *QuantParam[Q] {
	qp := &QuantParam[Q]{M: m, K: k, KPad: kPad, BlockSize: blockSize, NumBlocks: (k + blockSize - 1) / blockSize}
	alloc := scratch.NewAllocator(workspace)
	qp.Data = scratch.Next[Q](alloc, m*kPad)
	qp.Scales = scratch.Next[float32](alloc, m*qp.NumBlocks)
	qp.RowSums = scratch.Next[int32](alloc, m*qp.NumBlocks)
	if asymmetric {
		qp.ZeroPoints = scratch.Next[int32](alloc, m*qp.NumBlocks)
	}
	return qp
}

// RowOffset returns the offset of the quantized data of row within Data. Quantized values take one
// byte, so it is also the byte offset relative to the start of the QuantParam region.
func (qp *QuantParam[Q]) RowOffset(row int) int {
	return row * qp.KPad
}

// row returns the KPad quantized values of row.
func (qp *QuantParam[Q]) row(row int) []Q {
	offset := qp.RowOffset(row)
	return qp.Data[offset : offset+qp.KPad]
}

// ZeroPoint of the given row and block, 0 for symmetric quantization.
func (qp *QuantParam[Q]) ZeroPoint(row, blk int) int32 {
	if qp.ZeroPoints == nil {
		return 0
	}
	return qp.ZeroPoints[row*qp.NumBlocks+blk]
}

// QuantizeRows dynamically quantizes rows [row0, row1) of the activations src (with lda values
// between rows): for each block it computes the scale (and zero-point if asymmetric) with
// quant.BlockParams, and then the quantized values and their sum with quant.Block.
//
// Different rows can be quantized concurrently.
func QuantizeRows[S dtypes.Float, Q quant.Integer](qp *QuantParam[Q], src []S, lda, row0, row1 int, scaleDType dtypes.DType) {
	asymmetric := qp.ZeroPoints != nil
	qmin, qmax := quant.ActivationRange(asymmetric)
	for row := row0; row < row1; row++ {
		srcRow := src[row*lda : row*lda+qp.K]
		dstRow := qp.row(row)
		for blk := range qp.NumBlocks {
			k0 := blk * qp.BlockSize
			k1 := min(qp.K, k0+qp.BlockSize)
			scale, zp := quant.BlockParams(srcRow[k0:k1], asymmetric, scaleDType)
			idx := row*qp.NumBlocks + blk
			qp.Scales[idx] = scale
			qp.RowSums[idx] = quant.Block(dstRow[k0:k1], srcRow[k0:k1], scale, zp, qmin, qmax)
			if asymmetric {
				qp.ZeroPoints[idx] = zp
			}
		}
		clear(dstRow[qp.K:])
	}
}

// CopyQuantizedRows copies rows [row0, row1) of already quantized activations, all sharing one
// scale and zero-point, and computes their per block sums.
func CopyQuantizedRows[Q quant.Integer](qp *QuantParam[Q], src []Q, lda, row0, row1 int, scale float32, zeroPoint int32) {
	for row := row0; row < row1; row++ {
		dstRow := qp.row(row)
		copy(dstRow, src[row*lda:row*lda+qp.K])
		clear(dstRow[qp.K:])
		for blk := range qp.NumBlocks {
			var sum int32
			for _, q := range dstRow[blk*qp.BlockSize : min(qp.K, (blk+1)*qp.BlockSize)] {
				sum += int32(q)
			}
			idx := row*qp.NumBlocks + blk
			qp.Scales[idx] = scale
			qp.RowSums[idx] = sum
			if qp.ZeroPoints != nil {
				qp.ZeroPoints[idx] = zeroPoint
			}
		}
	}
}

// QuantizedActivation is the activation prologue of the integer kernels: tiles are views into the
// quantized activations.
type QuantizedActivation[Q quant.Integer] struct {
	Param *QuantParam[Q]
}

// Get implements Activation.
func (qa QuantizedActivation[Q]) Get(_ []Q, m0, _, k0, _ int) (tile []Q, stride int) {
	return qa.Param.Data[qa.Param.RowOffset(m0)+k0:], qa.Param.KPad
}

// ScratchSize implements Activation.
func (qa QuantizedActivation[Q]) ScratchSize(int, int) int { return 0 }
