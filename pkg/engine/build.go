// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package engine is a CPU GEMM engine with quantization support.
//
// An OperatorDescriptor describes the requested product; Build selects the most specialized
// registered implementation the host, the configuration and the descriptor allow (falling back to
// the portable reference one) and plans its execution in a KernelDescriptor. Weights are packed
// once with KernelDescriptor.PackWeights, and each Kernel created by Instantiate runs any number of
// executions, fanning out to the configured number of threads.
//
// Three kinds of operators are supported: float GEMMs, GEMMs with block-quantized weights
// dequantized on the fly, and GEMMs with dynamically quantized activations computed in integer
// arithmetic, optionally split between quantization and compute cores (see package split).
package engine

import (
	"fmt"
	"strings"

	"github.com/gomlx/qgemm/internal/hwinfo"
	"github.com/gomlx/qgemm/internal/workerspool"
	"github.com/gomlx/qgemm/pkg/core/dtypes"
	"github.com/gomlx/qgemm/pkg/engine/launcher"
	"github.com/gomlx/qgemm/pkg/engine/microkernel"
	"github.com/gomlx/qgemm/pkg/engine/partition"
	"github.com/gomlx/qgemm/pkg/engine/prologue"
	"github.com/gomlx/qgemm/pkg/engine/split"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// KernelDescriptor is the immutable result of Build: the implementation selected for an operator
// and its execution plan. It can be shared by any number of kernels (see Instantiate) and goroutines.
type KernelDescriptor struct {
	// Op is the builder's copy of the operator.
	Op OperatorDescriptor

	// Config the plan was made with.
	Config Config

	// Candidate selected.
	Candidate Candidate

	// Tiles of the selected micro-kernel, and KPad, NPad the problem dimensions padded to them.
	Tiles      microkernel.Tiles
	KPad, NPad int

	// Steps is the planned partition for a static M, or the zero value for a dynamic M.
	Steps partition.ThreadConfig

	// Split tells whether dynamically quantized executions run split between QuantCores
	// quantizing activations and ComputeCores computing the output.
	Split                    bool
	QuantCores, ComputeCores int

	// Layout of the split execution's workspace, for a static M.
	Layout *split.Layout

	pool *workerspool.Pool
	path path
}

// path implements the execution of one family of candidates.
type path interface {
	// packWeights packs the weights for the execution, returning the store and its size in bytes.
	packWeights(b any) (store any, bytes int, err error)

	// newSubKernel returns a new micro-kernel instance, owned by one Kernel.
	newSubKernel() any

	// workspaceBytes returns the workspace an execution with m rows requires.
	workspaceBytes(m int) int

	// execute runs the GEMM. Failures are reported by panicking.
	execute(k *Kernel, ex *execution)
}

// String implements fmt.Stringer.
func (kd *KernelDescriptor) String() string {
	s := fmt.Sprintf("%s using %s (tiles %s, isa %s)", kd.Op, kd.Candidate.Name, kd.Tiles, kd.Candidate.Requires)
	if kd.Split {
		s += fmt.Sprintf(", split %d quantization + %d compute cores", kd.QuantCores, kd.ComputeCores)
	}
	return s
}

// Build selects the implementation for op using DefaultConfig. See BuildWithConfig.
func Build(op OperatorDescriptor) (*KernelDescriptor, error) {
	return BuildWithConfig(op, DefaultConfig())
}

// BuildWithConfig selects the implementation for op: the first candidate of its kind (in priority
// order) whose instruction sets are available in the host, allowed by cfg and by op.ISA, and that
// supports op. It then plans the execution.
//
// Errors wrap:
//
//   - ErrConfiguration if no implementation is registered for op.Kind, or cfg is not valid.
//   - ErrInvalidShape if the dimensions are not valid.
//   - ErrUnsupportedConfiguration if no candidate, including the reference one, supports op.
func BuildWithConfig(op OperatorDescriptor, cfg Config) (*KernelDescriptor, error) {
	candidates := registry[op.Kind]
	if len(candidates) == 0 {
		return nil, errors.Wrapf(ErrConfiguration, "no implementation registered for operator kind %s", op.Kind)
	}
	if err := op.validateShape(); err != nil {
		return nil, err
	}
	if cfg.Threads <= 0 || cfg.FastMemoryBytes <= 0 {
		return nil, errors.Wrapf(ErrConfiguration, "invalid engine configuration %s", cfg)
	}

	// Keep our own copy of the schemes.
	if op.WeightQuant != nil {
		s := *op.WeightQuant
		op.WeightQuant = &s
	}
	if op.ActivationQuant != nil {
		s := *op.ActivationQuant
		op.ActivationQuant = &s
	}

	available := hwinfo.Get().ISAs & cfg.ISAs & op.ISA
	var rejected []string
	for _, c := range candidates {
		if !available.Has(c.Requires) {
			rejected = append(rejected, fmt.Sprintf("%s: requires %s", c.Name, c.Requires))
			continue
		}
		if err := c.validate(&op); err != nil {
			rejected = append(rejected, fmt.Sprintf("%s: %v", c.Name, err))
			continue
		}
		kd := newKernelDescriptor(op, cfg, c)
		klog.V(1).Infof("engine: built %s", kd)
		return kd, nil
	}
	return nil, errors.Wrapf(ErrUnsupportedConfiguration, "no implementation supports %s: %s",
		op, strings.Join(rejected, "; "))
}

func newKernelDescriptor(op OperatorDescriptor, cfg Config, c *Candidate) *KernelDescriptor {
	kd := &KernelDescriptor{
		Op:        op,
		Config:    cfg,
		Candidate: *c,
		Tiles:     c.Tiles,
		KPad:      c.Tiles.PadK(op.K),
		NPad:      c.Tiles.PadN(op.N),
		pool:      workerspool.NewWithParallelism(cfg.Threads),
	}
	kd.path = c.newPath(kd)
	if op.M != DynamicDim {
		var p partition.Parallel2D
		p.Update(kd.problem(op.M, cfg.Threads))
		kd.Steps = p.GetIndex(0)
	}
	if op.Kind == OpMatMulDynamicQuant {
		kd.planSplit()
	}
	return kd
}

// blockSize returns the quantization block size along K, or 0 for the float kinds.
func (kd *KernelDescriptor) blockSize() int {
	if kd.Op.Kind != OpMatMulDynamicQuant {
		return 0
	}
	return kd.Op.WeightQuant.Block(kd.Op.K)
}

// problem returns the partition problem of an execution with m rows.
func (kd *KernelDescriptor) problem(m, threads int) partition.Problem {
	p := partition.Problem{
		M:         m,
		N:         kd.Op.N,
		K:         kd.Op.K,
		BlockSize: kd.blockSize(),
		Threads:   threads,
		Tiles:     kd.Tiles,
		ASize:     4,
		BSize:     4,
		CSize:     4,
		KOuter:    true,
		Budget:    kd.Config.FastMemoryBytes,
	}
	if kd.Op.Kind == OpMatMulDynamicQuant {
		p.ASize, p.BSize, p.ExtraSize = 1, 1, 4
		p.InPlace, p.KOuter = true, false
		if p.BlockSize > launcher.ReductionChunk(kd.Tiles) {
			p.WideSize = 8
		}
	}
	return p
}

// planSplit decides whether dynamically quantized executions are split, and how many cores each
// stage gets.
func (kd *KernelDescriptor) planSplit() {
	op := &kd.Op
	if op.Mode == ModeDynamicQuant || kd.Config.Split == SplitNever {
		return
	}
	m := op.M
	if m == DynamicDim {
		m = kd.Tiles.M
	}
	numBlocks := op.WeightQuant.NumBlocks(op.K)
	steps := kd.Steps
	if op.M == DynamicDim {
		var p partition.Parallel2D
		p.Update(kd.problem(m, kd.Config.Threads))
		steps = p.GetIndex(0)
	}
	ws := split.WorkingSet{
		PackedWeightBytes:   kd.KPad*kd.NPad + 12*numBlocks*kd.NPad,
		QuantScratchBytes:   prologue.QuantParamBytes[uint8](m, kd.KPad, numBlocks, op.activationScheme().Asymmetric),
		DequantScratchBytes: kd.Config.Threads * steps.StackSize,
	}
	required := op.Mode == ModeSplit || kd.Config.Split == SplitAlways || split.Required(ws, kd.Config.FastMemoryBytes)
	if !required {
		return
	}
	quantCores, computeCores, ok := split.AssignCores(kd.Config.Threads, float64(4*op.K), float64(op.K*op.N))
	if !ok {
		klog.V(1).Infof("engine: split execution of %s needs at least 2 threads, got %d: using the barrier synchronized mode",
			op, kd.Config.Threads)
		return
	}
	kd.Split = true
	kd.QuantCores, kd.ComputeCores = quantCores, computeCores
	if op.M != DynamicDim {
		kd.Layout = kd.splitLayout(op.M)
	}
}

// splitLayout returns the layout of the split execution with m rows.
func (kd *KernelDescriptor) splitLayout(m int) *split.Layout {
	if kd.Layout != nil && kd.Layout.MOffsets[len(kd.Layout.MOffsets)-1] == m {
		return kd.Layout
	}
	op := &kd.Op
	quantBytes := prologue.QuantParamBytes[uint8](m, kd.KPad, op.WeightQuant.NumBlocks(op.K), op.activationScheme().Asymmetric)
	return must.M1(split.NewLayout(m, op.N, kd.KPad, quantBytes, kd.Tiles.M, kd.Tiles.N, kd.ComputeCores,
		op.cDType() != dtypes.Float32))
}

// PackedWeight holds weights packed for the kernels of one KernelDescriptor. It is immutable and
// can be shared by all of them, concurrently.
type PackedWeight struct {
	kd    *KernelDescriptor
	store any
	bytes int
}

// Bytes returns the memory used by the packed weights.
func (pw *PackedWeight) Bytes() int {
	return pw.bytes
}

// PackWeights packs the weights b (K x N, or N x K if Op.BTransposed) into the layout of the selected
// micro-kernel, padding to whole tiles with zeros. Packing runs in parallel.
//
// The float kinds take a flat slice of Op.BDType. The quantized kinds take either []float32 weights,
// quantized here with Op.WeightQuant, or already quantized *quant.Weights.
//
// Errors wrap ErrInvalidShape if b has the wrong size, and ErrUnsupportedConfiguration if it has the
// wrong type.
func (kd *KernelDescriptor) PackWeights(b any) (*PackedWeight, error) {
	store, bytes, err := kd.path.packWeights(b)
	if err != nil {
		return nil, err
	}
	return &PackedWeight{kd: kd, store: store, bytes: bytes}, nil
}
