// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/qgemm/internal/scratch"
	"github.com/gomlx/qgemm/pkg/core/dtypes"
	"github.com/gomlx/qgemm/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/qgemm/pkg/core/quant"
	"github.com/gomlx/qgemm/pkg/engine/epilogue"
	"github.com/gomlx/qgemm/pkg/engine/launcher"
	"github.com/gomlx/qgemm/pkg/engine/microkernel"
	"github.com/gomlx/qgemm/pkg/engine/partition"
	"github.com/gomlx/qgemm/pkg/engine/prologue"
	"github.com/gomlx/qgemm/pkg/engine/split"
	"github.com/gomlx/qgemm/pkg/support/xsync"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// floatPath runs the float kinds: OpMatMul with packed float32 weights, and OpMatMulWeightQuant with
// quantized weights dequantized by the weight prologue.
type floatPath struct {
	kd        *KernelDescriptor
	newKernel func() microkernel.Float32
	dequant   bool
}

func (p *floatPath) newSubKernel() any { return p.newKernel() }

func (p *floatPath) workspaceBytes(int) int { return 0 }

func (p *floatPath) packWeights(b any) (any, int, error) {
	op, pool, tiles := &p.kd.Op, p.kd.pool, p.kd.Tiles
	if p.dequant {
		w, err := quantizedWeights(op, b)
		if err != nil {
			return nil, 0, err
		}
		dw := prologue.PackDequant(pool, w, tiles)
		return dw, dw.Bytes(), nil
	}
	if dtype := dtypes.FromAny(b); dtype != op.bDType() {
		return nil, 0, errors.Wrapf(ErrUnsupportedConfiguration, "weights of type %T, the operator takes %s", b, op.bDType())
	}
	if n := flatLen(b); n < op.K*op.N {
		return nil, 0, errors.Wrapf(ErrInvalidShape, "weights have %d values, operator needs K=%d x N=%d", n, op.K, op.N)
	}
	var packed *prologue.Packed[float32]
	switch src := b.(type) {
	case []float32:
		packed = prologue.Pack(pool, src, op.K, op.N, op.BTransposed, tiles, func(v float32) float32 { return v })
	case []float16.Float16:
		packed = prologue.Pack(pool, src, op.K, op.N, op.BTransposed, tiles, dtypes.ToFloat32[float16.Float16])
	case []bfloat16.BFloat16:
		packed = prologue.Pack(pool, src, op.K, op.N, op.BTransposed, tiles, dtypes.ToFloat32[bfloat16.BFloat16])
	}
	return prologue.PackedView[float32]{Packed: packed}, scratch.SizeOf[float32](len(packed.Data)), nil
}

func (p *floatPath) execute(k *Kernel, ex *execution) {
	op := &p.kd.Op
	var weight prologue.Weight[float32]
	switch store := ex.weights.(type) {
	case prologue.PackedView[float32]:
		weight = store
	case *prologue.DequantWeight:
		weight = store
	default:
		exceptions.Panicf("unexpected packed weights %T", ex.weights)
	}
	l := &launcher.Launcher[float32, float32, float32]{
		Kernel:     ex.subKernel.(microkernel.Float32),
		Activation: floatActivation(p.kd.Tiles, ex.bufs.A, ex.lda),
		Weight:     weight,
		Epilogue:   outputEpilogue(ex.bufs.C, ex.ldc, op.Beta, ex.bufs.Bias),
		K:          op.K,
	}
	part := k.parallel2D(p.kd.problem(ex.m, ex.threads))
	defer k.partitions.Put(part)
	p.kd.pool.ForkJoin(min(ex.threads, part.Rows*part.Cols), func(tid int) {
		cfg := part.GetIndex(tid)
		if cfg.RowSize == 0 || cfg.ColSize == 0 {
			return
		}
		stack := stacks.Get(cfg.StackSize)
		defer stacks.Put(stack)
		l.Run(cfg, stack.Bytes)
	})
}

// floatActivation returns the prologue of float activations of any of the supported types.
func floatActivation(tiles microkernel.Tiles, a any, lda int) prologue.Activation[float32] {
	switch v := a.(type) {
	case []float32:
		return &prologue.Float32Activation{Tiles: tiles, A: v, LDA: lda}
	case []float16.Float16:
		return &prologue.ConvertActivation[float16.Float16]{Tiles: tiles, A: v, LDA: lda}
	case []bfloat16.BFloat16:
		return &prologue.ConvertActivation[bfloat16.BFloat16]{Tiles: tiles, A: v, LDA: lda}
	}
	exceptions.Panicf("activations of type %T not supported", a)
	return nil
}

// outputEpilogue returns the epilogue writing float32 results into an output of any of the
// supported types.
func outputEpilogue(c any, ldc int, beta float32, bias []float32) epilogue.Epilogue[float32] {
	switch v := c.(type) {
	case []float32:
		o := epilogue.NewOutput(v, ldc, bias)
		o.Beta = beta
		return o
	case []float16.Float16:
		o := epilogue.NewOutput(v, ldc, bias)
		o.Beta = beta
		return o
	case []bfloat16.BFloat16:
		o := epilogue.NewBFloat16WriteBack(v, ldc, bias)
		o.Beta = beta
		return o
	}
	exceptions.Panicf("output of type %T not supported", c)
	return nil
}

// dynamicPath runs OpMatMulDynamicQuant with activations quantized to Q.
type dynamicPath[Q quant.Integer] struct {
	kd        *KernelDescriptor
	newKernel func() microkernel.Kernel[Q, int8, int32]
}

func (p *dynamicPath[Q]) newSubKernel() any { return p.newKernel() }

func (p *dynamicPath[Q]) packWeights(b any) (any, int, error) {
	w, err := quantizedWeights(&p.kd.Op, b)
	if err != nil {
		return nil, 0, err
	}
	qw := prologue.PackQuantized(p.kd.pool, w, p.kd.Tiles)
	return qw, qw.Bytes(), nil
}

func (p *dynamicPath[Q]) workspaceBytes(m int) int {
	kd := p.kd
	if kd.Split {
		return kd.splitLayout(m).Size
	}
	op := &kd.Op
	return prologue.QuantParamBytes[Q](m, kd.KPad, op.WeightQuant.NumBlocks(op.K), op.activationScheme().Asymmetric)
}

// quantizer returns the function that quantizes (or copies, if already quantized) rows [row0, row1)
// of the activations into qp.
func (p *dynamicPath[Q]) quantizer(ex *execution, qp *prologue.QuantParam[Q]) func(row0, row1 int) {
	scaleDType := p.kd.Op.activationScheme().ScaleDType
	switch a := ex.bufs.A.(type) {
	case []float32:
		return func(row0, row1 int) { prologue.QuantizeRows(qp, a, ex.lda, row0, row1, scaleDType) }
	case []float16.Float16:
		return func(row0, row1 int) { prologue.QuantizeRows(qp, a, ex.lda, row0, row1, scaleDType) }
	case []bfloat16.BFloat16:
		return func(row0, row1 int) { prologue.QuantizeRows(qp, a, ex.lda, row0, row1, scaleDType) }
	case []Q:
		scale, zeroPoint := ex.bufs.AScale, ex.bufs.AZeroPoint
		return func(row0, row1 int) { prologue.CopyQuantizedRows(qp, a, ex.lda, row0, row1, scale, zeroPoint) }
	}
	exceptions.Panicf("activations of type %T not supported", ex.bufs.A)
	return nil
}

func (p *dynamicPath[Q]) execute(k *Kernel, ex *execution) {
	kd := p.kd
	op := &kd.Op
	qw, ok := ex.weights.(*prologue.QuantizedWeights)
	if !ok {
		exceptions.Panicf("unexpected packed weights %T", ex.weights)
	}
	qp := prologue.NewQuantParam[Q](ex.workspace, ex.m, op.K, kd.KPad, qw.BlockSize, op.activationScheme().Asymmetric)
	quantize := p.quantizer(ex, qp)
	out := outputEpilogue(ex.bufs.C, ex.ldc, op.Beta, ex.bufs.Bias)
	kernel := ex.subKernel.(microkernel.Kernel[Q, int8, int32])
	if kd.Split {
		p.executeSplit(ex, qp, qw, kernel, quantize, out)
		return
	}

	// All threads quantize their share of the rows, and wait for each other before computing.
	part := k.parallel2D(kd.problem(ex.m, ex.threads))
	defer k.partitions.Put(part)
	l := &launcher.BlockLauncher[Q]{Kernel: kernel, Activation: qp, Weights: qw, Epilogue: out}
	barrier := xsync.NewBarrier(ex.threads)
	kd.pool.ForkJoin(ex.threads, func(tid int) {
		row0, row1 := tid*ex.m/ex.threads, (tid+1)*ex.m/ex.threads
		// A failed quantization still reaches the barrier, or the other threads would wait forever.
		exception := exceptions.Try(func() { quantize(row0, row1) })
		barrier.Wait()
		if exception != nil {
			panic(exception)
		}
		cfg := part.GetIndex(tid)
		if cfg.RowSize == 0 || cfg.ColSize == 0 {
			return
		}
		stack := stacks.Get(cfg.StackSize)
		defer stacks.Put(stack)
		l.Run(cfg, stack.Bytes)
	})
}

// executeSplit runs the quantization and the computation in separate groups of cores. Each compute
// core owns a range of columns and walks all row tiles in order, as they become ready.
//
// Reduced-precision outputs are computed in a float32 staging buffer in the workspace, and converted
// by the compute core one row tile at a time.
func (p *dynamicPath[Q]) executeSplit(ex *execution, qp *prologue.QuantParam[Q], qw *prologue.QuantizedWeights,
	kernel microkernel.Kernel[Q, int8, int32], quantize func(row0, row1 int), out epilogue.Epilogue[float32]) {
	kd := p.kd
	n := kd.Op.N
	layout := kd.splitLayout(ex.m)
	checkQuantLayout(layout, qp)
	computeOut := out
	var staging []float32
	if layout.BF16Offset >= 0 {
		staging = scratch.Carve[float32](ex.workspace, layout.BF16Offset, ex.m*n)
		computeOut = &epilogue.Output[float32]{C: staging, LDC: n, Alpha: 1}
	}
	l := &launcher.BlockLauncher[Q]{Kernel: kernel, Activation: qp, Weights: qw, Epilogue: computeOut}
	problem := kd.problem(ex.m, 1)
	ctrl := &split.Controller{QuantCores: kd.QuantCores, ComputeCores: kd.ComputeCores, Layout: layout}
	ctrl.Run(kd.pool,
		func(rowTile int) {
			quantize(layout.MOffsets[rowTile], layout.MOffsets[rowTile+1])
		},
		func(rangeIdx int, ready func(rowTile int)) {
			col0, col1 := layout.NOffsets[rangeIdx], layout.NOffsets[rangeIdx+1]
			cfg := partition.ThreadConfig{ColIdx: col0, ColSize: col1 - col0}
			cfg.MStep, cfg.NStep, cfg.KStep = partition.Steps(problem, layout.RowTile, cfg.ColSize)
			cfg.StackSize = partition.StackSize(problem, layout.RowTile, cfg.MStep, cfg.NStep, cfg.KStep)
			stack := stacks.Get(cfg.StackSize)
			defer stacks.Put(stack)
			for rowTile := range layout.NumRowTiles() {
				ready(rowTile)
				cfg.RowIdx = layout.MOffsets[rowTile]
				cfg.RowSize = layout.MOffsets[rowTile+1] - cfg.RowIdx
				l.Run(cfg, stack.Bytes)
				if staging != nil {
					out.Forward(staging[cfg.RowIdx*n+col0:], n, cfg.RowIdx, col0, cfg.RowSize, cfg.ColSize)
				}
			}
		})
}

// checkQuantLayout panics if the quantized rows of qp are not where the split layout placed each row
// tile, or overflow the quantized region.
func checkQuantLayout[Q quant.Integer](layout *split.Layout, qp *prologue.QuantParam[Q]) {
	for rowTile := range layout.NumRowTiles() {
		row := layout.MOffsets[rowTile]
		if want, got := layout.QuantChannelOffsets[rowTile], qp.RowOffset(row); want != got {
			exceptions.Panicf("split layout places the quantized row tile %d (row %d) at offset %d, but it is at %d",
				rowTile, row, want, got)
		}
	}
	if end := qp.RowOffset(qp.M); end > layout.QuantBytes {
		exceptions.Panicf("quantized activations take %d bytes, the split layout reserves %d", end, layout.QuantBytes)
	}
}
