// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the element types handled by the GEMM engine: operand
// types, accumulator types and quantization scale types.
//
// It is a trimmed fork of GoMLX's dtypes: it only keeps the types a quantized matrix multiplication
// can see, and adds the sub-byte integer types used by packed 4 bits weights.
package dtypes

import (
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/qgemm/pkg/core/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

func init() {
	// Add a mapping to the lower-case version of dtypes.
	keys := slices.Collect(maps.Keys(MapOfNames))
	for _, key := range keys {
		lowerKey := strings.ToLower(key)
		if lowerKey == key {
			continue
		}
		if _, found := MapOfNames[lowerKey]; found {
			continue
		}
		MapOfNames[lowerKey] = MapOfNames[key]
	}
}

// Supported lists the Go types that have a DType.
type Supported interface {
	int8 | int16 | int32 | uint8 | float16.Float16 | bfloat16.BFloat16 | float32 | float64
}

// Float lists the floating-point types that can be used as activations, weights or scales.
type Float interface {
	float32 | float16.Float16 | bfloat16.BFloat16
}

// FromGenericsType returns the DType enum for the given type that this package knows about.
func FromGenericsType[T Supported]() DType {
	var t T
	switch (any(t)).(type) {
	case float64:
		return Float64
	case float32:
		return Float32
	case float16.Float16:
		return Float16
	case bfloat16.BFloat16:
		return BFloat16
	case int32:
		return Int32
	case int16:
		return Int16
	case int8:
		return Int8
	case uint8:
		return Uint8
	}
	return InvalidDType
}

// FromAny returns the DType of a flat slice, or InvalidDType if the slice type is not known.
func FromAny(flat any) DType {
	switch flat.(type) {
	case []float64:
		return Float64
	case []float32:
		return Float32
	case []float16.Float16:
		return Float16
	case []bfloat16.BFloat16:
		return BFloat16
	case []int32:
		return Int32
	case []int16:
		return Int16
	case []int8:
		return Int8
	case []uint8:
		return Uint8
	}
	return InvalidDType
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return fmt.Sprintf("DType(%d)", int32(dtype))
}

// IsValid returns whether the dtype is one of the known values (and not InvalidDType).
func (dtype DType) IsValid() bool {
	_, found := dtypeNames[dtype]
	return found && dtype != InvalidDType
}

// IsFloat returns whether dtype is a supported float.
func (dtype DType) IsFloat() bool {
	return dtype == Float32 || dtype == Float64 || dtype == Float16 || dtype == BFloat16
}

// IsInt returns whether dtype is an integer, including the sub-byte ones.
func (dtype DType) IsInt() bool {
	switch dtype {
	case Int4, Uint4, Int8, Uint8, Int16, Int32:
		return true
	}
	return false
}

// IsUnsigned returns whether dtype is an unsigned integer.
func (dtype DType) IsUnsigned() bool {
	return dtype == Uint8 || dtype == Uint4
}

// Bits returns the number of bits for the given DType.
func (dtype DType) Bits() int {
	switch dtype {
	case Int4, Uint4:
		return 4
	case Int8, Uint8:
		return 8
	case Int16, Float16, BFloat16:
		return 16
	case Int32, Float32:
		return 32
	case Float64:
		return 64
	}
	return 0
}

// Size returns the number of bytes for the given DType, or 0 if the dtype uses fraction(s) of bytes.
// If the size is 0 (like a 4-bits quantity), consider the Bits or SizeForDimensions method.
func (dtype DType) Size() int {
	return dtype.Bits() / 8
}

// SizeForDimensions returns the size in bytes used for the given dimensions.
// Sub-byte dtypes are packed, and an odd number of 4-bit values is rounded up to a whole byte.
//
// It works also for scalar (one element) shapes where the list of dimensions is empty.
func (dtype DType) SizeForDimensions(dimensions ...int) int {
	numElements := 1
	for _, dim := range dimensions {
		if dim < 0 {
			panic(errors.Errorf("dim cannot be negative for SizeForDimensions, got %v", dimensions))
		}
		numElements *= dim
	}
	bits := dtype.Bits()
	if bits < 8 {
		return (numElements*bits + 7) / 8
	}
	return numElements * (bits / 8)
}

// IntRange returns the lowest and highest value representable by an integer dtype.
// It returns (0, 0) for non-integer dtypes.
func (dtype DType) IntRange() (lowest, highest int32) {
	switch dtype {
	case Int4:
		return -8, 7
	case Uint4:
		return 0, 15
	case Int8:
		return math.MinInt8, math.MaxInt8
	case Uint8:
		return 0, math.MaxUint8
	case Int16:
		return math.MinInt16, math.MaxInt16
	case Int32:
		return math.MinInt32, math.MaxInt32
	}
	return 0, 0
}

// ToFloat32 converts a value of one of the Float types to float32.
func ToFloat32[T Float](v T) float32 {
	switch x := any(v).(type) {
	case float32:
		return x
	case float16.Float16:
		return x.Float32()
	case bfloat16.BFloat16:
		return x.Float32()
	}
	return 0
}

// FromFloat32 converts a float32 to one of the Float types, rounding to the nearest representable value.
func FromFloat32[T Float](v float32) T {
	var t T
	switch any(t).(type) {
	case float32:
		return any(v).(T)
	case float16.Float16:
		return any(float16.Fromfloat32(v)).(T)
	case bfloat16.BFloat16:
		return any(bfloat16.FromFloat32(v)).(T)
	}
	return t
}

// RoundThrough rounds v to the precision of the float dtype and returns it back as a float32.
// It is used to make scales computed in float32 match exactly what is stored in a lower precision.
func RoundThrough(dtype DType, v float32) float32 {
	switch dtype {
	case Float16:
		return float16.Fromfloat32(v).Float32()
	case BFloat16:
		return bfloat16.FromFloat32(v).Float32()
	}
	return v
}

// RoundUpThrough is like RoundThrough, but for a non-negative v it returns the smallest value
// representable in dtype that is >= v. Scales rounded this way never shrink the quantized range.
func RoundUpThrough(dtype DType, v float32) float32 {
	r := RoundThrough(dtype, v)
	if r >= v || v <= 0 {
		return r
	}
	switch dtype {
	case Float16:
		return float16.Frombits(float16.Fromfloat32(r).Bits() + 1).Float32()
	case BFloat16:
		return bfloat16.FromBits(bfloat16.FromFloat32(r).Bits() + 1).Float32()
	}
	return r
}
