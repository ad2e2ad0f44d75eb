// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"slices"

	"github.com/gomlx/qgemm/internal/hwinfo"
	"github.com/gomlx/qgemm/pkg/core/quant"
	"github.com/gomlx/qgemm/pkg/engine/microkernel"
	"github.com/pkg/errors"
)

// Candidate is one registered implementation of an operator kind.
type Candidate struct {
	// Name of the implementation, usually the name of its micro-kernel family.
	Name string

	Kind OpKind

	// Priority orders the candidates of a kind: higher priorities are tried first. The reference
	// implementation has priority 0 and is always the last one.
	Priority int

	// Requires is the set of instruction set extensions the implementation needs.
	Requires hwinfo.ISA

	// Tiles of the implementation's micro-kernel.
	Tiles microkernel.Tiles

	// validate returns an error if the implementation doesn't support the operator.
	validate func(op *OperatorDescriptor) error

	// newPath creates the execution path bound to a kernel descriptor.
	newPath func(kd *KernelDescriptor) path
}

// registry of candidates per operator kind, sorted by decreasing priority.
// It is populated by init functions only, and read-only afterwards.
var registry = make(map[OpKind][]*Candidate)

// register a candidate implementation. It must only be called during initialization.
func register(c *Candidate) {
	list := append(registry[c.Kind], c)
	slices.SortStableFunc(list, func(a, b *Candidate) int { return b.Priority - a.Priority })
	registry[c.Kind] = list
}

// Candidates returns the candidate implementations of an operator kind, in the order they are
// tried: most specialized first, the reference implementation last.
//
// It returns an error wrapping ErrConfiguration if no implementation is registered for kind.
func Candidates(kind OpKind) ([]Candidate, error) {
	list := registry[kind]
	if len(list) == 0 {
		return nil, errors.Wrapf(ErrConfiguration, "no implementation registered for operator kind %s", kind)
	}
	candidates := make([]Candidate, len(list))
	for i, c := range list {
		candidates[i] = *c
	}
	return candidates, nil
}

// blockAligned checks that the quantization blocks of the weights are made of whole K tiles, unless
// a single block covers the whole reduction axis.
func blockAligned(op *OperatorDescriptor, tiles microkernel.Tiles) error {
	blockSize := op.WeightQuant.Block(op.K)
	if blockSize != op.K && blockSize%tiles.K != 0 {
		return errors.Errorf("quantization block size %d is not a multiple of the K tile %d", blockSize, tiles.K)
	}
	return nil
}

// integerCandidate returns the validation of an integer kernel family: the operator must be valid, its
// blocks aligned to the kernel's K tile, and its activation quantization symmetric (int8 activations)
// or asymmetric (uint8 activations) as the family requires.
func integerCandidate(tiles microkernel.Tiles, asymmetric bool) func(op *OperatorDescriptor) error {
	return func(op *OperatorDescriptor) error {
		if err := op.validateDynamicQuant(); err != nil {
			return err
		}
		if op.activationScheme().Asymmetric != asymmetric {
			return errors.Errorf("activation scheme %s not supported", op.activationScheme())
		}
		return blockAligned(op, tiles)
	}
}

func validateWeightOnly(op *OperatorDescriptor) error {
	if err := op.validateWeightQuant(); err != nil {
		return err
	}
	if op.ActivationQuant != nil {
		return errors.Errorf("%s doesn't quantize activations, see OpMatMulDynamicQuant", op.Kind)
	}
	return op.validateFloatOperands()
}

func validateFloat(op *OperatorDescriptor) error {
	if op.WeightQuant != nil || op.ActivationQuant != nil {
		return errors.Errorf("%s doesn't take quantization schemes, see OpMatMulWeightQuant and OpMatMulDynamicQuant", op.Kind)
	}
	return op.validateFloatOperands()
}

func init() {
	refFloatTiles := microkernel.Tiles{M: 4, N: 16, K: 1}
	hwyTiles := microkernel.NewHighwayFloat32().Tiles()
	newRefFloat := func() microkernel.Float32 { return microkernel.NewReferenceFloat32(refFloatTiles) }

	// Float.
	register(&Candidate{
		Name: "hwy_f32", Kind: OpMatMul, Priority: 20, Requires: hwinfo.HWY, Tiles: hwyTiles,
		validate: validateFloat,
		newPath: func(kd *KernelDescriptor) path {
			return &floatPath{kd: kd, newKernel: microkernel.NewHighwayFloat32}
		},
	})
	register(&Candidate{
		Name: "ref_f32", Kind: OpMatMul, Priority: 0, Requires: hwinfo.Reference, Tiles: refFloatTiles,
		validate: validateFloat,
		newPath: func(kd *KernelDescriptor) path {
			return &floatPath{kd: kd, newKernel: newRefFloat}
		},
	})

	// Weight-only quantization.
	register(&Candidate{
		Name: "hwy_f32_dequant", Kind: OpMatMulWeightQuant, Priority: 20, Requires: hwinfo.HWY, Tiles: hwyTiles,
		validate: validateWeightOnly,
		newPath: func(kd *KernelDescriptor) path {
			return &floatPath{kd: kd, newKernel: microkernel.NewHighwayFloat32, dequant: true}
		},
	})
	register(&Candidate{
		Name: "ref_f32_dequant", Kind: OpMatMulWeightQuant, Priority: 0, Requires: hwinfo.Reference, Tiles: refFloatTiles,
		validate: validateWeightOnly,
		newPath: func(kd *KernelDescriptor) path {
			return &floatPath{kd: kd, newKernel: newRefFloat, dequant: true}
		},
	})

	// Dynamic quantization.
	registerInteger := func(priority int, newS8S8 func() microkernel.S8S8, newU8S8 func() microkernel.U8S8) {
		if newS8S8 != nil {
			k := newS8S8()
			register(&Candidate{
				Name: k.Name(), Kind: OpMatMulDynamicQuant, Priority: priority, Requires: k.Requires(), Tiles: k.Tiles(),
				validate: integerCandidate(k.Tiles(), false),
				newPath: func(kd *KernelDescriptor) path {
					return &dynamicPath[int8]{kd: kd, newKernel: newS8S8}
				},
			})
		}
		if newU8S8 != nil {
			k := newU8S8()
			register(&Candidate{
				Name: k.Name(), Kind: OpMatMulDynamicQuant, Priority: priority, Requires: k.Requires(), Tiles: k.Tiles(),
				validate: integerCandidate(k.Tiles(), true),
				newPath: func(kd *KernelDescriptor) path {
					return &dynamicPath[uint8]{kd: kd, newKernel: newU8S8}
				},
			})
		}
	}
	registerInteger(50, microkernel.NewAMXS8S8, nil)
	registerInteger(40, nil, microkernel.NewVNNIU8S8)
	registerInteger(35, nil, microkernel.NewAVXVNNIU8S8)
	registerInteger(30, microkernel.NewDotProdS8S8, nil)

	// The reference integer implementation serves both activation schemes.
	refIntTiles := microkernel.NewReferenceU8S8().Tiles()
	register(&Candidate{
		Name: "ref_int8", Kind: OpMatMulDynamicQuant, Priority: 0, Requires: hwinfo.Reference, Tiles: refIntTiles,
		validate: func(op *OperatorDescriptor) error {
			if err := op.validateDynamicQuant(); err != nil {
				return err
			}
			return blockAligned(op, refIntTiles)
		},
		newPath: func(kd *KernelDescriptor) path {
			if kd.Op.activationScheme().Asymmetric {
				return &dynamicPath[uint8]{kd: kd, newKernel: microkernel.NewReferenceU8S8}
			}
			return &dynamicPath[int8]{kd: kd, newKernel: microkernel.NewReferenceS8S8}
		},
	})
}

// quantizedWeights returns the quantized weights for op from either float32 weights (quantized with
// op's scheme) or already quantized ones.
func quantizedWeights(op *OperatorDescriptor, b any) (*quant.Weights, error) {
	switch w := b.(type) {
	case *quant.Weights:
		if w.K != op.K || w.N != op.N {
			return nil, errors.Wrapf(ErrInvalidShape, "quantized weights are %dx%d, operator needs K=%d x N=%d", w.K, w.N, op.K, op.N)
		}
		if w.Scheme != *op.WeightQuant {
			return nil, errors.Wrapf(ErrUnsupportedConfiguration, "weights quantized with %s, operator uses %s", w.Scheme, *op.WeightQuant)
		}
		return w, nil
	case []float32:
		if len(w) < op.K*op.N {
			return nil, errors.Wrapf(ErrInvalidShape, "weights have %d values, operator needs K=%d x N=%d", len(w), op.K, op.N)
		}
		qw, err := quant.QuantizeWeights(w, op.K, op.N, op.BTransposed, *op.WeightQuant)
		if err != nil {
			return nil, errors.Wrap(ErrUnsupportedConfiguration, err.Error())
		}
		return qw, nil
	}
	return nil, errors.Wrapf(ErrUnsupportedConfiguration, "weights of type %T not supported by %s, use []float32 or *quant.Weights",
		b, op.Kind)
}
