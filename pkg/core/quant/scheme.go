// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package quant implements the integer quantization schemes used by the GEMM engine: block-wise
// symmetric and asymmetric quantization of weights, dynamic quantization of activation blocks, and
// the packing of 4 bits values.
//
// The mapping between a float value x and its quantized value q is always affine:
//
//	x ≈ scale * (q - zeroPoint)
//
// where zeroPoint is 0 for symmetric schemes. Scales are stored in float32, but are rounded to the
// precision of the scheme's ScaleDType when computed, so that a scale saved as Float16 or BFloat16
// dequantizes exactly the same way.
package quant

import (
	"fmt"

	"github.com/gomlx/qgemm/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// PerChannel is the BlockSize value for schemes that use one scale for the whole reduction axis.
const PerChannel = -1

// Scheme describes how a tensor is quantized along its reduction (K) axis.
type Scheme struct {
	// Bits per quantized value: 4 or 8.
	Bits int

	// Asymmetric schemes carry a zero-point per block.
	Asymmetric bool

	// BlockSize is the number of consecutive values along K that share one scale.
	// Use PerChannel for one scale per output channel.
	BlockSize int

	// ScaleDType is the precision the scales are stored in: Float32 (the default if left as
	// InvalidDType), Float16 or BFloat16.
	ScaleDType dtypes.DType
}

// Validate returns an error if the scheme is not supported.
func (s Scheme) Validate() error {
	if s.Bits != 4 && s.Bits != 8 {
		return errors.Errorf("quantization with %d bits not supported, only 4 or 8 bits", s.Bits)
	}
	if s.BlockSize != PerChannel && s.BlockSize <= 0 {
		return errors.Errorf("invalid quantization block size %d, it must be positive or PerChannel (%d)",
			s.BlockSize, PerChannel)
	}
	switch s.ScaleDType {
	case dtypes.InvalidDType, dtypes.Float32, dtypes.Float16, dtypes.BFloat16:
	default:
		return errors.Errorf("quantization scales of dtype %s not supported", s.ScaleDType)
	}
	return nil
}

// ScaleType returns the dtype of the scales, with the default resolved to Float32.
func (s Scheme) ScaleType() dtypes.DType {
	if s.ScaleDType == dtypes.InvalidDType {
		return dtypes.Float32
	}
	return s.ScaleDType
}

// StorageDType is the dtype of the stored weight values: Int4 or Int8.
func (s Scheme) StorageDType() dtypes.DType {
	if s.Bits == 4 {
		return dtypes.Int4
	}
	return dtypes.Int8
}

// Range returns the signed range of the quantized values.
func (s Scheme) Range() (qmin, qmax int32) {
	return s.StorageDType().IntRange()
}

// Block returns the block size resolved for a reduction axis of length k.
func (s Scheme) Block(k int) int {
	if s.BlockSize == PerChannel || s.BlockSize > k {
		return k
	}
	return s.BlockSize
}

// NumBlocks returns the number of blocks along a reduction axis of length k.
func (s Scheme) NumBlocks(k int) int {
	bs := s.Block(k)
	if bs <= 0 {
		return 0
	}
	return (k + bs - 1) / bs
}

// String implements fmt.Stringer.
func (s Scheme) String() string {
	kind := "sym"
	if s.Asymmetric {
		kind = "asym"
	}
	block := fmt.Sprintf("block=%d", s.BlockSize)
	if s.BlockSize == PerChannel {
		block = "per-channel"
	}
	return fmt.Sprintf("int%d-%s-%s-scale=%s", s.Bits, kind, block, s.ScaleType())
}

// roundScale rounds a scale to the precision it is stored in.
func roundScale(s Scheme, scale float32) float32 {
	return dtypes.RoundThrough(s.ScaleType(), scale)
}
