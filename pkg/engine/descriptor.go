// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"

	"github.com/gomlx/qgemm/internal/hwinfo"
	"github.com/gomlx/qgemm/pkg/core/dtypes"
	"github.com/gomlx/qgemm/pkg/core/quant"
	"github.com/pkg/errors"
)

// OpKind is the kind of computation an operator requests. Each kind has its own list of candidate
// implementations.
type OpKind int

const (
	// OpMatMul is a floating point matrix multiplication: C = A x B (+ beta*C + bias).
	OpMatMul OpKind = iota

	// OpMatMulWeightQuant multiplies float activations by block-quantized weights, dequantized
	// when fetched, accumulating in float32.
	OpMatMulWeightQuant

	// OpMatMulDynamicQuant quantizes the activations per block at execution time and multiplies
	// them by block-quantized weights in integer arithmetic, dequantizing each block's result.
	OpMatMulDynamicQuant
)

var opKindNames = map[OpKind]string{
	OpMatMul:             "OpMatMul",
	OpMatMulWeightQuant:  "OpMatMulWeightQuant",
	OpMatMulDynamicQuant: "OpMatMulDynamicQuant",
}

// String implements fmt.Stringer.
func (k OpKind) String() string {
	if name, found := opKindNames[k]; found {
		return name
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// Mode is the execution mode requested for an operator.
type Mode int

const (
	// ModeAuto lets the builder pick the mode from the operator kind and the configuration.
	ModeAuto Mode = iota
	// ModePlain is the mode of the float kinds.
	ModePlain
	// ModeDynamicQuant quantizes activations in a stage synchronized by a barrier across all threads.
	ModeDynamicQuant
	// ModeSplit quantizes activations in a separate group of cores, see package split.
	ModeSplit
)

var modeNames = []string{"auto", "plain", "dynamic", "split"}

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m >= 0 && int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// DynamicDim is the value of OperatorDescriptor.M when the number of rows is only known at execution.
const DynamicDim = -1

// OperatorDescriptor describes a requested matrix multiplication:
//
//	C[M x N] = A[M x K] x B[K x N] + Beta*C + bias
//
// It is a value type: the builder keeps its own copy.
type OperatorDescriptor struct {
	Kind OpKind

	// M is the number of rows of A and C, or DynamicDim. N and K must be positive.
	M, N, K int

	// ADType, BDType and CDType are the element types of the operands. InvalidDType defaults to
	// Float32. Quantized kinds take B as float32 (quantized when packed) or as *quant.Weights, and
	// ignore BDType. Dynamically quantized kinds take Int8 or Uint8 activations already quantized with a
	// single scale (see Buffers.AScale).
	ADType, BDType, CDType dtypes.DType

	// WeightQuant is the quantization scheme of the weights, required by the quantized kinds.
	WeightQuant *quant.Scheme

	// ActivationQuant configures the dynamic quantization of the activations: Asymmetric selects
	// uint8 (asymmetric) or int8 (symmetric) activations and ScaleDType the precision of their scales.
	// Bits must be 8 and BlockSize either 0 or equal to the weights' block size. If nil, activations
	// are quantized asymmetrically with float32 scales.
	ActivationQuant *quant.Scheme

	// ISA is the set of instruction set extensions the implementation may use. The zero value
	// (hwinfo.Reference) selects the portable reference implementation; use hwinfo.All to let the
	// selector use anything the host and the configuration allow.
	ISA hwinfo.ISA

	Mode Mode

	// BTransposed indicates the weights are given as N x K instead of K x N.
	BTransposed bool

	// Beta scales the previous contents of C, added to the result. If 0, C is not read.
	Beta float32
}

// String implements fmt.Stringer.
func (op OperatorDescriptor) String() string {
	m := fmt.Sprint(op.M)
	if op.M == DynamicDim {
		m = "?"
	}
	s := fmt.Sprintf("%s[M=%s, N=%d, K=%d, A=%s, B=%s, C=%s", op.Kind, m, op.N, op.K,
		op.aDType(), op.bDType(), op.cDType())
	if op.WeightQuant != nil {
		s += ", weights=" + op.WeightQuant.String()
	}
	if op.ActivationQuant != nil {
		s += ", activations=" + op.ActivationQuant.String()
	}
	return s + fmt.Sprintf(", isa=%s, mode=%s]", op.ISA, op.Mode)
}

func defaultDType(dtype dtypes.DType) dtypes.DType {
	if dtype == dtypes.InvalidDType {
		return dtypes.Float32
	}
	return dtype
}

func (op *OperatorDescriptor) aDType() dtypes.DType { return defaultDType(op.ADType) }
func (op *OperatorDescriptor) bDType() dtypes.DType { return defaultDType(op.BDType) }
func (op *OperatorDescriptor) cDType() dtypes.DType { return defaultDType(op.CDType) }

// validateShape returns an error wrapping ErrInvalidShape if the dimensions are not valid.
func (op *OperatorDescriptor) validateShape() error {
	if op.N <= 0 || op.K <= 0 || (op.M <= 0 && op.M != DynamicDim) {
		return errors.Wrapf(ErrInvalidShape, "dimensions must be positive (or M=DynamicDim), got M=%d, N=%d, K=%d",
			op.M, op.N, op.K)
	}
	return nil
}

// activationScheme returns the resolved dynamic quantization scheme of the activations.
func (op *OperatorDescriptor) activationScheme() quant.Scheme {
	s := quant.Scheme{Bits: 8, Asymmetric: true, ScaleDType: dtypes.Float32}
	if op.ActivationQuant != nil {
		s = *op.ActivationQuant
	}
	if op.WeightQuant != nil {
		s.BlockSize = op.WeightQuant.BlockSize
	}
	return s
}

// isHalfOrFloat returns whether dtype is one of the float types operands can have.
func isHalfOrFloat(dtype dtypes.DType) bool {
	return dtype == dtypes.Float32 || dtype == dtypes.Float16 || dtype == dtypes.BFloat16
}

// validateFloatOperands checks the operand types of the float kinds.
func (op *OperatorDescriptor) validateFloatOperands() error {
	if !isHalfOrFloat(op.aDType()) || !isHalfOrFloat(op.bDType()) || !isHalfOrFloat(op.cDType()) {
		return errors.Errorf("operand types A=%s, B=%s, C=%s not supported, they must be Float32, Float16 or BFloat16",
			op.aDType(), op.bDType(), op.cDType())
	}
	if op.Mode != ModeAuto && op.Mode != ModePlain {
		return errors.Errorf("mode %s not supported by %s", op.Mode, op.Kind)
	}
	return nil
}

// validateWeightQuant checks the weights quantization scheme.
func (op *OperatorDescriptor) validateWeightQuant() error {
	if op.WeightQuant == nil {
		return errors.Errorf("%s requires a weights quantization scheme", op.Kind)
	}
	return op.WeightQuant.Validate()
}

// validateDynamicQuant checks the operand types and schemes of the dynamically quantized kind.
func (op *OperatorDescriptor) validateDynamicQuant() error {
	if err := op.validateWeightQuant(); err != nil {
		return err
	}
	if op.Mode == ModePlain {
		return errors.Errorf("mode %s not supported by %s", op.Mode, op.Kind)
	}
	if op.ActivationQuant != nil {
		aq := op.ActivationQuant
		if aq.Bits != 8 {
			return errors.Errorf("activations can only be dynamically quantized to 8 bits, got %d bits", aq.Bits)
		}
		if aq.BlockSize != 0 && aq.BlockSize != op.WeightQuant.BlockSize {
			return errors.Errorf("activation quantization block size %d must match the weights' block size %d",
				aq.BlockSize, op.WeightQuant.BlockSize)
		}
		withBlock := *aq
		withBlock.BlockSize = op.WeightQuant.BlockSize
		if err := withBlock.Validate(); err != nil {
			return err
		}
	}
	asymmetric := op.activationScheme().Asymmetric
	switch a := op.aDType(); a {
	case dtypes.Float32, dtypes.Float16, dtypes.BFloat16:
	case dtypes.Uint8, dtypes.Int8:
		if asymmetric != (a == dtypes.Uint8) {
			return errors.Errorf("pre-quantized activations of type %s don't match the activation scheme %s",
				a, op.activationScheme())
		}
	default:
		return errors.Errorf("activations of type %s not supported by %s", a, op.Kind)
	}
	if !isHalfOrFloat(op.cDType()) {
		return errors.Errorf("output type %s not supported", op.cDType())
	}
	return nil
}
