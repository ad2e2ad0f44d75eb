// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package epilogue implements the result finishing stages of the GEMM launcher: they take an
// accumulator tile and write the final values in place into the output buffer.
// Epilogues never allocate.
package epilogue

import (
	"github.com/gomlx/qgemm/pkg/core/dtypes"
	"github.com/gomlx/qgemm/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/qgemm/pkg/core/quant"
	"github.com/gomlx/qgemm/pkg/engine/prologue"
)

// Epilogue finishes an accumulator tile.
type Epilogue[C any] interface {
	// Forward finishes the mSize x nSize accumulator tile acc (with accStride values between rows)
	// whose top-left element corresponds to the output position (m0, n0).
	Forward(acc []C, accStride, m0, n0, mSize, nSize int)
}

// Output writes alpha*acc + beta*C + bias into the output matrix C.
//
// If Beta is 0, C is not read. Bias, if set, has one value per output column.
type Output[T dtypes.Float] struct {
	C     []T
	LDC   int
	Alpha float32
	Beta  float32
	Bias  []float32
}

// NewOutput returns the epilogue that stores acc + bias into c.
func NewOutput[T dtypes.Float](c []T, ldc int, bias []float32) *Output[T] {
	return &Output[T]{C: c, LDC: ldc, Alpha: 1, Bias: bias}
}

// NewBFloat16WriteBack returns the epilogue that rounds float32 results (plus bias) into a
// bfloat16 output.
func NewBFloat16WriteBack(c []bfloat16.BFloat16, ldc int, bias []float32) *Output[bfloat16.BFloat16] {
	return NewOutput(c, ldc, bias)
}

// Forward implements Epilogue.
func (o *Output[T]) Forward(acc []float32, accStride, m0, n0, mSize, nSize int) {
	for i := range mSize {
		accRow := acc[i*accStride : i*accStride+nSize]
		cRow := o.C[(m0+i)*o.LDC+n0 : (m0+i)*o.LDC+n0+nSize]
		for j, v := range accRow {
			if o.Alpha != 1 {
				v *= o.Alpha
			}
			if o.Beta != 0 {
				v += o.Beta * dtypes.ToFloat32(cRow[j])
			}
			if o.Bias != nil {
				v += o.Bias[n0+j]
			}
			cRow[j] = dtypes.FromFloat32[T](v)
		}
	}
}

// BlockDequant dequantizes the integer accumulators of one quantization block and adds them to a
// float32 accumulator:
//
//	dst += sa * sw * (acc - zw*rowSum(A) - za*colSum(W) + count*za*zw)
//
// where sa, za are the activation scale and zero-point of the row and block, sw, zw the weight scale
// and zero-point of the column and block, and count the number of values in the block.
type BlockDequant[Q quant.Integer] struct {
	Activation *prologue.QuantParam[Q]
	Weights    *prologue.QuantizedWeights
}

// Accumulate adds the dequantized acc tile of block blk to dst.
func (bd *BlockDequant[Q]) Accumulate(dst []float32, dstStride int, acc []int32, accStride, m0, n0, mSize, nSize, blk int) {
	accumulateBlock(bd, dst, dstStride, acc, accStride, m0, n0, mSize, nSize, blk)
}

// AccumulateWide is like Accumulate, for the int64 accumulators of blocks too long to be summed
// in int32.
func (bd *BlockDequant[Q]) AccumulateWide(dst []float32, dstStride int, acc []int64, accStride, m0, n0, mSize, nSize, blk int) {
	accumulateBlock(bd, dst, dstStride, acc, accStride, m0, n0, mSize, nSize, blk)
}

func accumulateBlock[Q quant.Integer, T int32 | int64](bd *BlockDequant[Q], dst []float32, dstStride int, acc []T,
	accStride, m0, n0, mSize, nSize, blk int) {
	qa, qw := bd.Activation, bd.Weights
	count := int64(min(qa.K, (blk+1)*qa.BlockSize) - blk*qa.BlockSize)
	for i := range mSize {
		row := m0 + i
		paramIdx := row*qa.NumBlocks + blk
		sa := qa.Scales[paramIdx]
		za := int64(qa.ZeroPoint(row, blk))
		rowSum := int64(qa.RowSums[paramIdx])
		dstRow := dst[i*dstStride : i*dstStride+nSize]
		accRow := acc[i*accStride : i*accStride+nSize]
		for j, a := range accRow {
			col := n0 + j
			sw := qw.Scales[blk*qw.NPad+col]
			zw := int64(qw.ZeroPoint(blk, col))
			colSum := int64(qw.ColumnSums[blk*qw.NPad+col])
			v := int64(a) - zw*rowSum - za*colSum + count*za*zw
			dstRow[j] += sa * sw * float32(v)
		}
	}
}
