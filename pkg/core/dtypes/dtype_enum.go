// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

// DType is an enum that represents the element type of an operand buffer, an accumulator or a
// quantization scale.
//
// Values keep the numbering used by XLA's PJRT buffer types, so they can be exchanged with
// graph-level code that uses those numbers.
type DType int32

const (
	// InvalidDType is the zero value, used to signal "not set".
	InvalidDType DType = 0

	// Int8 is the signed 8 bits integer, the storage type of quantized weights and symmetric
	// quantized activations.
	Int8 DType = 2

	// Int16 is used only as an intermediate for unpacked sub-byte values.
	Int16 DType = 3

	// Int32 is the accumulator type of the integer micro-kernels.
	Int32 DType = 4

	// Uint8 is the storage type of asymmetric quantized activations.
	Uint8 DType = 6

	// Float16 is the IEEE half-precision float.
	Float16 DType = 10

	// Float32 is the default compute type.
	Float32 DType = 11

	// Float64 is only used by reference computations in tests and tools.
	Float64 DType = 12

	// BFloat16 is the truncated 16 bits floating-point format: 1 bit sign, 8 bits exponent and
	// 7 bits mantissa.
	BFloat16 DType = 13

	// Int4 is a signed 4 bits integer, stored two per byte (S4 in XLA).
	Int4 DType = 21

	// Uint4 is an unsigned 4 bits integer, stored two per byte (U4 in XLA).
	Uint4 DType = 22
)

// MapOfNames to DType. It is extended with lower-case versions of the names at init().
var MapOfNames = map[string]DType{
	"InvalidDType": InvalidDType,
	"Int8":         Int8,
	"S8":           Int8,
	"Int16":        Int16,
	"S16":          Int16,
	"Int32":        Int32,
	"S32":          Int32,
	"Uint8":        Uint8,
	"U8":           Uint8,
	"Float16":      Float16,
	"F16":          Float16,
	"Float32":      Float32,
	"F32":          Float32,
	"Float64":      Float64,
	"F64":          Float64,
	"BFloat16":     BFloat16,
	"BF16":         BFloat16,
	"Int4":         Int4,
	"S4":           Int4,
	"Uint4":        Uint4,
	"U4":           Uint4,
}

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Int8:         "Int8",
	Int16:        "Int16",
	Int32:        "Int32",
	Uint8:        "Uint8",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
	BFloat16:     "BFloat16",
	Int4:         "Int4",
	Uint4:        "Uint4",
}
