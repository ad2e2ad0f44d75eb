// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quant

import (
	"math"

	"github.com/gomlx/qgemm/pkg/core/dtypes"
)

// Integer is the set of storage types of quantized values.
type Integer interface {
	int8 | uint8
}

// MinMax returns the minimum and maximum of values. It returns (0, 0) for an empty slice.
func MinMax[S dtypes.Float](values []S) (minV, maxV float32) {
	if len(values) == 0 {
		return 0, 0
	}
	minV = dtypes.ToFloat32(values[0])
	maxV = minV
	for _, v := range values[1:] {
		f := dtypes.ToFloat32(v)
		minV = min(minV, f)
		maxV = max(maxV, f)
	}
	return
}

// AbsMax returns the largest absolute value in values.
func AbsMax[S dtypes.Float](values []S) float32 {
	var amax float32
	for _, v := range values {
		f := dtypes.ToFloat32(v)
		amax = max(amax, f, -f)
	}
	return amax
}

// SymmetricScale returns the scale that maps [-amax, amax] to [-qmax, qmax], rounded up to the
// precision of scaleDType.
func SymmetricScale(amax float32, qmax int32, scaleDType dtypes.DType) float32 {
	return dtypes.RoundUpThrough(scaleDType, amax/float32(qmax))
}

// AffineParams returns the scale (rounded up to the precision of scaleDType) and zero-point that map
// [minV, maxV] to [qmin, qmax].
//
// The interval is first extended to include 0, so that 0 is always exactly representable: this
// means zero padding always dequantizes back to 0.
func AffineParams(minV, maxV float32, qmin, qmax int32, scaleDType dtypes.DType) (scale float32, zeroPoint int32) {
	minV = min(minV, 0)
	maxV = max(maxV, 0)
	scale = dtypes.RoundUpThrough(scaleDType, (maxV-minV)/float32(qmax-qmin))
	if scale == 0 {
		return 0, 0
	}
	zp := math.Round(float64(qmin) - float64(minV/scale))
	zeroPoint = int32(max(float64(qmin), min(float64(qmax), zp)))
	return
}

// Inverse returns 1/scale, or 0 for a zero scale, in which case all values quantize to the
// zero-point.
func Inverse(scale float32) float32 {
	if scale == 0 {
		return 0
	}
	return 1 / scale
}

// Value quantizes one value given the inverse of the scale and the zero-point, rounding half away
// from zero and clamping to [qmin, qmax].
func Value(v, invScale float32, zeroPoint, qmin, qmax int32) int32 {
	q := int32(math.Round(float64(v*invScale))) + zeroPoint
	return max(qmin, min(qmax, q))
}

// Block quantizes src into dst and returns the sum of the quantized values.
// dst must have at least len(src) elements.
//
// The sum is used by the dequantization of integer accumulators of asymmetric schemes.
func Block[Q Integer, S dtypes.Float](dst []Q, src []S, scale float32, zeroPoint, qmin, qmax int32) (sum int32) {
	invScale := Inverse(scale)
	dst = dst[:len(src)]
	for i, v := range src {
		q := Value(dtypes.ToFloat32(v), invScale, zeroPoint, qmin, qmax)
		dst[i] = Q(q)
		sum += q
	}
	return
}

// Dequantize returns the float value of a quantized value.
func Dequantize(q int32, scale float32, zeroPoint int32) float32 {
	return float32(q-zeroPoint) * scale
}

// ActivationRange returns the range of dynamically quantized activations: uint8 for asymmetric
// quantization and int8 (excluding -128, so the range is symmetric) otherwise.
func ActivationRange(asymmetric bool) (qmin, qmax int32) {
	if asymmetric {
		return 0, math.MaxUint8
	}
	return -math.MaxInt8, math.MaxInt8
}

// BlockParams computes the scale (rounded up to the precision of scaleDType) and zero-point of one
// activation block: from its absolute maximum if symmetric, or from its minimum and maximum.
func BlockParams[S dtypes.Float](src []S, asymmetric bool, scaleDType dtypes.DType) (scale float32, zeroPoint int32) {
	qmin, qmax := ActivationRange(asymmetric)
	if asymmetric {
		minV, maxV := MinMax(src)
		return AffineParams(minV, maxV, qmin, qmax, scaleDType)
	}
	return SymmetricScale(AbsMax(src), qmax, scaleDType), 0
}
