// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/gomlx/qgemm/internal/hwinfo"
	"github.com/gomlx/qgemm/internal/scratch"
	"github.com/gomlx/qgemm/pkg/core/dtypes"
	"github.com/gomlx/qgemm/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/qgemm/pkg/core/quant"
	"github.com/gomlx/qgemm/pkg/engine/prologue"
	"github.com/gomlx/qgemm/pkg/support/xslices"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func testConfig(threads int) Config {
	return Config{Threads: threads, FastMemoryBytes: 2 << 20, ISAs: hwinfo.All, Split: SplitNever}
}

func randomValues(seed uint64, n int) []float32 {
	rng := rand.New(rand.NewPCG(seed, 17))
	values := make([]float32, n)
	for i := range values {
		values[i] = rng.Float32()*2 - 1
	}
	return values
}

// naiveMatMul multiplies a (m x k) by b (k x n) accumulating in float64.
func naiveMatMul(a, b []float32, m, n, k int) []float32 {
	c := make([]float32, m*n)
	for i := range m {
		for j := range n {
			var sum float64
			for kk := range k {
				sum += float64(a[i*k+kk]) * float64(b[kk*n+j])
			}
			c[i*n+j] = float32(sum)
		}
	}
	return c
}

func transpose(b []float32, k, n int) []float32 {
	t := make([]float32, len(b))
	for kk := range k {
		for j := range n {
			t[j*k+kk] = b[kk*n+j]
		}
	}
	return t
}

// quantizedReference computes the product of quantized activations (m x k, with per row and block
// scales and zero-points) with quantized weights, in float64.
func quantizedReference(qa []int32, aScales []float32, aZeroPoints []int32, w *quant.Weights, m int) []float32 {
	k, n, bs, numBlocks := w.K, w.N, w.BlockSize, w.NumBlocks()
	out := make([]float32, m*n)
	for i := range m {
		for j := range n {
			var sum float64
			for blk := range numBlocks {
				var dot int64
				za, zw := aZeroPoints[i*numBlocks+blk], w.ZeroPoint(blk, j)
				for kk := blk * bs; kk < min(k, (blk+1)*bs); kk++ {
					dot += int64(qa[i*k+kk]-za) * int64(int32(w.Values[kk*n+j])-zw)
				}
				sum += float64(aScales[i*numBlocks+blk]) * float64(w.Scales[blk*n+j]) * float64(dot)
			}
			out[i*n+j] = float32(sum)
		}
	}
	return out
}

// dynamicReference quantizes a per block, the same way executions do, and returns its product with w.
func dynamicReference(a []float32, w *quant.Weights, m int, asymmetric bool) []float32 {
	k, bs, numBlocks := w.K, w.BlockSize, w.NumBlocks()
	qmin, qmax := quant.ActivationRange(asymmetric)
	qa := make([]int32, m*k)
	scales := make([]float32, m*numBlocks)
	zeroPoints := make([]int32, m*numBlocks)
	for i := range m {
		for blk := range numBlocks {
			k0, k1 := blk*bs, min(k, (blk+1)*bs)
			scale, zp := quant.BlockParams(a[i*k+k0:i*k+k1], asymmetric, dtypes.Float32)
			invScale := quant.Inverse(scale)
			for kk := k0; kk < k1; kk++ {
				qa[i*k+kk] = quant.Value(a[i*k+kk], invScale, zp, qmin, qmax)
			}
			scales[i*numBlocks+blk], zeroPoints[i*numBlocks+blk] = scale, zp
		}
	}
	return quantizedReference(qa, scales, zeroPoints, w, m)
}

// execute packs b, and runs one execution of a fresh kernel of kd with bufs.
func execute(t *testing.T, kd *KernelDescriptor, b any, bufs Buffers) {
	t.Helper()
	pw, err := kd.PackWeights(b)
	require.NoError(t, err)
	k := Instantiate(kd)
	defer k.Close()
	bufs.B = pw
	require.NoError(t, k.Execute(bufs))
}

func TestBuildErrors(t *testing.T) {
	cfg := testConfig(1)
	_, err := BuildWithConfig(OperatorDescriptor{Kind: OpMatMul, M: 4, N: 4, K: 0}, cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidShape), "got %v", err)
	for _, op := range []OperatorDescriptor{
		{Kind: OpMatMul, M: 0, N: 4, K: 4},
		{Kind: OpMatMul, M: 4, N: -1, K: 4},
		{Kind: OpMatMulDynamicQuant, M: -2, N: 4, K: 4, WeightQuant: &quant.Scheme{Bits: 8, BlockSize: 4}},
	} {
		_, err = BuildWithConfig(op, cfg)
		assert.True(t, errors.Is(err, ErrInvalidShape), "%s: got %v", op, err)
	}

	_, err = BuildWithConfig(OperatorDescriptor{Kind: OpKind(99), M: 4, N: 4, K: 4}, cfg)
	assert.True(t, errors.Is(err, ErrConfiguration), "got %v", err)
	_, err = Candidates(OpKind(99))
	assert.True(t, errors.Is(err, ErrConfiguration), "got %v", err)

	for _, op := range []OperatorDescriptor{
		{Kind: OpMatMul, M: 4, N: 4, K: 4, ADType: dtypes.Int8},
		{Kind: OpMatMul, M: 4, N: 4, K: 4, WeightQuant: &quant.Scheme{Bits: 4, BlockSize: 32}},
		{Kind: OpMatMul, M: 4, N: 4, K: 4, Mode: ModeSplit},
		{Kind: OpMatMulWeightQuant, M: 4, N: 4, K: 4},
		{Kind: OpMatMulWeightQuant, M: 4, N: 4, K: 4, WeightQuant: &quant.Scheme{Bits: 3, BlockSize: 32}},
		{Kind: OpMatMulDynamicQuant, M: 4, N: 4, K: 4, WeightQuant: &quant.Scheme{Bits: 8, BlockSize: 4},
			ActivationQuant: &quant.Scheme{Bits: 4}},
		{Kind: OpMatMulDynamicQuant, M: 4, N: 4, K: 4, WeightQuant: &quant.Scheme{Bits: 8, BlockSize: 4},
			ADType: dtypes.Int8}, // Default activation scheme is asymmetric: uint8.
		{Kind: OpMatMulDynamicQuant, M: 4, N: 4, K: 4, WeightQuant: &quant.Scheme{Bits: 8, BlockSize: 4}, Mode: ModePlain},
	} {
		_, err = BuildWithConfig(op, cfg)
		assert.True(t, errors.Is(err, ErrUnsupportedConfiguration), "%s: got %v", op, err)
	}

	_, err = BuildWithConfig(OperatorDescriptor{Kind: OpMatMul, M: 4, N: 4, K: 4}, Config{})
	assert.True(t, errors.Is(err, ErrConfiguration), "got %v", err)
}

func TestCandidates(t *testing.T) {
	for _, kind := range []OpKind{OpMatMul, OpMatMulWeightQuant, OpMatMulDynamicQuant} {
		candidates, err := Candidates(kind)
		require.NoError(t, err)
		require.NotEmpty(t, candidates)
		for i := 1; i < len(candidates); i++ {
			assert.GreaterOrEqual(t, candidates[i-1].Priority, candidates[i].Priority, "%s candidates out of order", kind)
		}
		last := candidates[len(candidates)-1]
		assert.Equal(t, 0, last.Priority)
		assert.Equal(t, hwinfo.Reference, last.Requires, "%s must fall back to a reference implementation", kind)
	}

	// Reference ISA always selects the reference implementation.
	op := OperatorDescriptor{Kind: OpMatMulDynamicQuant, M: 4, N: 64, K: 64, WeightQuant: &quant.Scheme{Bits: 4, BlockSize: 32}}
	kd, err := BuildWithConfig(op, testConfig(1))
	require.NoError(t, err)
	assert.Equal(t, "ref_int8", kd.Candidate.Name)
	assert.Equal(t, hwinfo.Reference, kd.Candidate.Requires)

	// Configuration restricting the ISAs.
	op.ISA = hwinfo.All
	cfg := testConfig(1)
	cfg.ISAs = hwinfo.Reference
	kd, err = BuildWithConfig(op, cfg)
	require.NoError(t, err)
	assert.Equal(t, "ref_int8", kd.Candidate.Name)

	// The descriptor keeps its own copy of the schemes.
	op.WeightQuant.Bits = 8
	assert.Equal(t, 4, kd.Op.WeightQuant.Bits)
}

// TestGEMVWeightQuant4Bits multiplies a vector by 4 bits symmetric weights with blocks of 32, using
// the reference implementation.
func TestGEMVWeightQuant4Bits(t *testing.T) {
	const m, n, k = 1, 4096, 4096
	scheme := quant.Scheme{Bits: 4, BlockSize: 32}
	op := OperatorDescriptor{Kind: OpMatMulWeightQuant, M: m, N: n, K: k, WeightQuant: &scheme, ISA: hwinfo.Reference}
	kd, err := BuildWithConfig(op, testConfig(4))
	require.NoError(t, err)
	assert.Equal(t, "ref_f32_dequant", kd.Candidate.Name)

	a := randomValues(1, m*k)
	w, err := quant.QuantizeWeights(randomValues(2, k*n), k, n, false, scheme)
	require.NoError(t, err)
	c := make([]float32, m*n)
	execute(t, kd, w, Buffers{A: a, C: c})
	want := naiveMatMul(a, w.Dequantize(), m, n, k)
	assert.Less(t, xslices.MaxRelError(c, want, 1.0), 1e-2)
}

// TestThreadDeterminism checks that results don't depend on the number of threads.
func TestThreadDeterminism(t *testing.T) {
	const m, n, k = 32, 128, 64
	a := randomValues(3, m*k)
	b := randomValues(4, k*n)
	for _, isa := range []hwinfo.ISA{hwinfo.Reference, hwinfo.All} {
		t.Run(isa.String(), func(t *testing.T) {
			op := OperatorDescriptor{Kind: OpMatMul, M: m, N: n, K: k, ISA: isa}
			results := make(map[int][]float32)
			for _, threads := range []int{1, 4} {
				kd, err := BuildWithConfig(op, testConfig(threads))
				require.NoError(t, err)
				c := make([]float32, m*n)
				execute(t, kd, b, Buffers{A: a, C: c})
				results[threads] = c
			}
			require.Equal(t, results[1], results[4])
			assert.Less(t, xslices.MaxRelError(results[1], naiveMatMul(a, b, m, n, k), 1.0), 1e-4)
		})
	}
}

func TestMatMul(t *testing.T) {
	for _, shape := range [][3]int{{1, 1, 1}, {7, 33, 19}, {17, 100, 130}, {64, 48, 512}} {
		m, n, k := shape[0], shape[1], shape[2]
		a := randomValues(5, m*k)
		b := randomValues(6, k*n)
		bias := randomValues(7, n)
		want := naiveMatMul(a, b, m, n, k)
		for _, isa := range []hwinfo.ISA{hwinfo.Reference, hwinfo.All} {
			for _, threads := range []int{1, 3} {
				t.Run(fmt.Sprintf("%dx%dx%d-%s-%d", m, n, k, isa, threads), func(t *testing.T) {
					op := OperatorDescriptor{Kind: OpMatMul, M: m, N: n, K: k, ISA: isa}
					kd, err := BuildWithConfig(op, testConfig(threads))
					require.NoError(t, err)
					c := make([]float32, m*n)
					execute(t, kd, b, Buffers{A: a, C: c})
					assert.Less(t, xslices.MaxRelError(c, want, 1.0), 1e-4)

					// Transposed weights, bias and beta=1 over a previous result.
					op.BTransposed = true
					op.Beta = 1
					kd, err = BuildWithConfig(op, testConfig(threads))
					require.NoError(t, err)
					execute(t, kd, transpose(b, k, n), Buffers{A: a, C: c, Bias: bias})
					want2 := make([]float32, m*n)
					for i := range want2 {
						want2[i] = 2*want[i] + bias[i%n]
					}
					assert.Less(t, xslices.MaxRelError(c, want2, 1.0), 1e-4)
				})
			}
		}
	}
}

func TestLeadingDimensions(t *testing.T) {
	const m, n, k, lda, ldc = 5, 20, 12, 16, 24
	a := randomValues(8, m*lda)
	b := randomValues(9, k*n)
	dense := make([]float32, m*k)
	for i := range m {
		copy(dense[i*k:(i+1)*k], a[i*lda:i*lda+k])
	}
	want := naiveMatMul(dense, b, m, n, k)
	kd, err := BuildWithConfig(OperatorDescriptor{Kind: OpMatMul, M: m, N: n, K: k, ISA: hwinfo.All}, testConfig(2))
	require.NoError(t, err)
	c := xslices.SliceWithValue(m*ldc, float32(-7))
	execute(t, kd, b, Buffers{A: a, LDA: lda, C: c, LDC: ldc})
	for i := range m {
		assert.Less(t, xslices.MaxRelError(c[i*ldc:i*ldc+n], want[i*n:(i+1)*n], 1.0), 1e-4)
		for _, v := range c[i*ldc+n : (i+1)*ldc] {
			require.Equal(t, float32(-7), v, "values beyond N must not be touched")
		}
	}
}

func TestHalfPrecision(t *testing.T) {
	const m, n, k = 9, 40, 70
	a32 := randomValues(10, m*k)
	b32 := randomValues(11, k*n)
	a := make([]float16.Float16, len(a32))
	for i, v := range a32 {
		a[i] = float16.Fromfloat32(v)
		a32[i] = a[i].Float32()
	}
	b := make([]bfloat16.BFloat16, len(b32))
	for i, v := range b32 {
		b[i] = bfloat16.FromFloat32(v)
		b32[i] = b[i].Float32()
	}
	want := naiveMatMul(a32, b32, m, n, k)
	op := OperatorDescriptor{Kind: OpMatMul, M: m, N: n, K: k, ADType: dtypes.Float16, BDType: dtypes.BFloat16,
		CDType: dtypes.BFloat16, ISA: hwinfo.All}
	kd, err := BuildWithConfig(op, testConfig(2))
	require.NoError(t, err)
	c := make([]bfloat16.BFloat16, m*n)
	execute(t, kd, b, Buffers{A: a, C: c})
	got := make([]float32, len(c))
	for i, v := range c {
		got[i] = v.Float32()
	}
	assert.Less(t, xslices.MaxRelError(got, want, 1.0), 1e-2)
}

func TestWeightQuant(t *testing.T) {
	const m, n, k = 6, 70, 100
	a := randomValues(12, m*k)
	b := randomValues(13, k*n)
	for _, scheme := range []quant.Scheme{
		{Bits: 4, BlockSize: 32},
		{Bits: 4, Asymmetric: true, BlockSize: 16, ScaleDType: dtypes.BFloat16},
		{Bits: 8, BlockSize: quant.PerChannel},
		{Bits: 8, Asymmetric: true, BlockSize: 64, ScaleDType: dtypes.Float16},
	} {
		w, err := quant.QuantizeWeights(b, k, n, false, scheme)
		require.NoError(t, err)
		want := naiveMatMul(a, w.Dequantize(), m, n, k)
		for _, isa := range []hwinfo.ISA{hwinfo.Reference, hwinfo.All} {
			t.Run(fmt.Sprintf("%s-%s", scheme, isa), func(t *testing.T) {
				op := OperatorDescriptor{Kind: OpMatMulWeightQuant, M: m, N: n, K: k, WeightQuant: &scheme, ISA: isa}
				kd, err := BuildWithConfig(op, testConfig(3))
				require.NoError(t, err)

				// From float weights, quantized when packed.
				c := make([]float32, m*n)
				execute(t, kd, b, Buffers{A: a, C: c})
				assert.Less(t, xslices.MaxRelError(c, want, 1.0), 1e-4)

				// From already quantized weights.
				clear(c)
				execute(t, kd, w, Buffers{A: a, C: c})
				assert.Less(t, xslices.MaxRelError(c, want, 1.0), 1e-4)
			})
		}
	}
}

func TestDynamicQuant(t *testing.T) {
	const m, n, k = 13, 100, 160
	a := randomValues(14, m*k)
	b := randomValues(15, k*n)
	for _, scheme := range []quant.Scheme{
		{Bits: 4, BlockSize: 32},
		{Bits: 4, Asymmetric: true, BlockSize: 64},
		{Bits: 8, BlockSize: quant.PerChannel},
		{Bits: 8, BlockSize: 128},
	} {
		w, err := quant.QuantizeWeights(b, k, n, false, scheme)
		require.NoError(t, err)
		for _, asymmetric := range []bool{true, false} {
			want := dynamicReference(a, w, m, asymmetric)
			for _, isa := range []hwinfo.ISA{hwinfo.Reference, hwinfo.All} {
				t.Run(fmt.Sprintf("%s-asym=%v-%s", scheme, asymmetric, isa), func(t *testing.T) {
					op := OperatorDescriptor{Kind: OpMatMulDynamicQuant, M: m, N: n, K: k, WeightQuant: &scheme, ISA: isa,
						ActivationQuant: &quant.Scheme{Bits: 8, Asymmetric: asymmetric}}
					kd, err := BuildWithConfig(op, testConfig(3))
					require.NoError(t, err)
					require.False(t, kd.Split)
					c := make([]float32, m*n)
					execute(t, kd, w, Buffers{A: a, C: c})
					assert.Less(t, xslices.MaxRelError(c, want, 1.0), 1e-4)
				})
			}
		}
	}
}

// TestDynamicQuantLongReduction checks per-channel blocks too long for int32 accumulators.
func TestDynamicQuantLongReduction(t *testing.T) {
	const m, n, k = 1, 16, 140000
	a := xslices.SliceWithValue(m*k, float32(1))
	b := xslices.SliceWithValue(k*n, float32(-1))
	scheme := quant.Scheme{Bits: 8, BlockSize: quant.PerChannel}
	w, err := quant.QuantizeWeights(b, k, n, false, scheme)
	require.NoError(t, err)
	for _, isa := range []hwinfo.ISA{hwinfo.Reference, hwinfo.All} {
		t.Run(isa.String(), func(t *testing.T) {
			op := OperatorDescriptor{Kind: OpMatMulDynamicQuant, M: m, N: n, K: k, WeightQuant: &scheme, ISA: isa}
			kd, err := BuildWithConfig(op, testConfig(1))
			require.NoError(t, err)
			assert.Equal(t, 8, kd.problem(m, 1).WideSize)
			c := make([]float32, m*n)
			execute(t, kd, w, Buffers{A: a, C: c})
			for j, v := range c {
				require.InDelta(t, -float64(k), v, 1, "column %d", j)
			}
		})
	}
}

// TestSplitExecution checks that split executions produce exactly the same results as the barrier
// synchronized ones.
func TestSplitExecution(t *testing.T) {
	const m, n, k = 37, 200, 96
	a := randomValues(16, m*k)
	b := randomValues(17, k*n)
	bias := randomValues(18, n)
	scheme := quant.Scheme{Bits: 4, Asymmetric: true, BlockSize: 32}
	w, err := quant.QuantizeWeights(b, k, n, false, scheme)
	require.NoError(t, err)
	want := dynamicReference(a, w, m, true)

	for _, cDType := range []dtypes.DType{dtypes.Float32, dtypes.BFloat16} {
		t.Run(cDType.String(), func(t *testing.T) {
			op := OperatorDescriptor{Kind: OpMatMulDynamicQuant, M: m, N: n, K: k, WeightQuant: &scheme, CDType: cDType,
				ISA: hwinfo.All}
			results := make(map[SplitPolicy][]float32)
			for _, policy := range []SplitPolicy{SplitNever, SplitAlways} {
				cfg := testConfig(4)
				cfg.Split = policy
				kd, err := BuildWithConfig(op, cfg)
				require.NoError(t, err)
				require.Equal(t, policy == SplitAlways, kd.Split)
				var got []float32
				if cDType == dtypes.Float32 {
					got = make([]float32, m*n)
					execute(t, kd, w, Buffers{A: a, C: got, Bias: bias})
				} else {
					c := make([]bfloat16.BFloat16, m*n)
					execute(t, kd, w, Buffers{A: a, C: c, Bias: bias})
					got = make([]float32, m*n)
					for i, v := range c {
						got[i] = v.Float32()
					}
				}
				results[policy] = got
			}
			require.Equal(t, results[SplitNever], results[SplitAlways])
			withBias := make([]float32, m*n)
			for i := range withBias {
				withBias[i] = want[i] + bias[i%n]
			}
			assert.Less(t, xslices.MaxRelError(results[SplitAlways], withBias, 1.0), 1e-2)
		})
	}
}

func TestSplitPlan(t *testing.T) {
	op := OperatorDescriptor{Kind: OpMatMulDynamicQuant, M: 64, N: 256, K: 128, WeightQuant: &quant.Scheme{Bits: 8, BlockSize: 32},
		Mode: ModeSplit}
	cfg := testConfig(4)
	cfg.Split = SplitAuto
	kd, err := BuildWithConfig(op, cfg)
	require.NoError(t, err)
	require.True(t, kd.Split)
	assert.Equal(t, 4, kd.QuantCores+kd.ComputeCores)
	assert.GreaterOrEqual(t, kd.QuantCores, 1)
	assert.GreaterOrEqual(t, kd.ComputeCores, 1)
	require.NotNil(t, kd.Layout)
	assert.Equal(t, -1, kd.Layout.BF16Offset)
	assert.Equal(t, kd.Layout.Size, Instantiate(kd).WorkspaceRequirement())

	// Disabled by the configuration.
	kd, err = BuildWithConfig(op, testConfig(4))
	require.NoError(t, err)
	assert.False(t, kd.Split)

	// Not enough threads: falls back to the barrier synchronized mode.
	cfg1 := testConfig(1)
	cfg1.Split = SplitAlways
	kd, err = BuildWithConfig(op, cfg1)
	require.NoError(t, err)
	assert.False(t, kd.Split)

	// Auto: split only if the working set exceeds the budget.
	op.Mode = ModeAuto
	kd, err = BuildWithConfig(op, cfg)
	require.NoError(t, err)
	assert.False(t, kd.Split)
	cfg.FastMemoryBytes = 1024
	kd, err = BuildWithConfig(op, cfg)
	require.NoError(t, err)
	assert.True(t, kd.Split)

	// ModeDynamicQuant never splits.
	op.Mode = ModeDynamicQuant
	kd, err = BuildWithConfig(op, cfg)
	require.NoError(t, err)
	assert.False(t, kd.Split)
}

// TestSplitQuantLayout checks that the quantized row tiles are where the split layout places them.
func TestSplitQuantLayout(t *testing.T) {
	const m, k = 50, 100
	op := OperatorDescriptor{Kind: OpMatMulDynamicQuant, M: m, N: 96, K: k, WeightQuant: &quant.Scheme{Bits: 8, BlockSize: 32},
		Mode: ModeSplit}
	cfg := testConfig(3)
	cfg.Split = SplitAuto
	kd, err := BuildWithConfig(op, cfg)
	require.NoError(t, err)
	require.True(t, kd.Split)
	layout := kd.Layout
	require.Greater(t, layout.NumRowTiles(), 1)
	workspace := scratch.Make(layout.Size)
	qp := prologue.NewQuantParam[uint8](workspace, m, k, kd.KPad, 32, true)
	require.NotPanics(t, func() { checkQuantLayout(layout, qp) })
	for rowTile, offset := range layout.QuantChannelOffsets {
		row := layout.MOffsets[rowTile]
		assert.Equal(t, offset, qp.RowOffset(row), "row tile %d", rowTile)
		// The offset addresses the tile's first quantized value in the workspace.
		assert.Same(t, &qp.Data[qp.RowOffset(row)], &workspace[offset])
	}

	// A layout planned for a different row length is rejected.
	other := *layout
	other.QuantChannelOffsets = slices.Clone(layout.QuantChannelOffsets)
	other.QuantChannelOffsets[1]++
	require.Panics(t, func() { checkQuantLayout(&other, qp) })
	other = *layout
	other.QuantBytes = m*kd.KPad - 1
	require.Panics(t, func() { checkQuantLayout(&other, qp) })
}

func TestDynamicM(t *testing.T) {
	const n, k = 50, 64
	scheme := quant.Scheme{Bits: 8, BlockSize: 32}
	b := randomValues(19, k*n)
	for _, policy := range []SplitPolicy{SplitNever, SplitAlways} {
		cfg := testConfig(2)
		cfg.Split = policy
		op := OperatorDescriptor{Kind: OpMatMulDynamicQuant, M: DynamicDim, N: n, K: k, WeightQuant: &scheme, ISA: hwinfo.All}
		kd, err := BuildWithConfig(op, cfg)
		require.NoError(t, err)
		pw, err := kd.PackWeights(b)
		require.NoError(t, err)
		kernel := Instantiate(kd)
		assert.Equal(t, 0, kernel.WorkspaceRequirement())
		for _, m := range []int{1, 5, 19} {
			a := randomValues(uint64(20+m), m*k)
			workspace := make([]byte, kernel.WorkspaceRequirementFor(m)+8)[8:]
			c := make([]float32, m*n)
			require.NoError(t, kernel.Execute(Buffers{A: a, M: m, B: pw, C: c, Workspace: workspace}))

			// Same result as a static M.
			op.M = m
			static, err := BuildWithConfig(op, cfg)
			require.NoError(t, err)
			want := make([]float32, m*n)
			execute(t, static, b, Buffers{A: a, C: want})
			require.Equal(t, want, c, "M=%d", m)
		}
		kernel.Close()
	}
}

func TestPreQuantizedActivations(t *testing.T) {
	const m, n, k = 8, 40, 64
	scheme := quant.Scheme{Bits: 8, BlockSize: 32}
	w, err := quant.QuantizeWeights(randomValues(21, k*n), k, n, false, scheme)
	require.NoError(t, err)
	rng := rand.New(rand.NewPCG(22, 1))
	const scale = float32(0.05)

	t.Run("uint8", func(t *testing.T) {
		const zeroPoint = 128
		a := make([]uint8, m*k)
		qa := make([]int32, m*k)
		for i := range a {
			a[i] = uint8(rng.IntN(256))
			qa[i] = int32(a[i])
		}
		op := OperatorDescriptor{Kind: OpMatMulDynamicQuant, M: m, N: n, K: k, WeightQuant: &scheme, ADType: dtypes.Uint8}
		kd, err := BuildWithConfig(op, testConfig(2))
		require.NoError(t, err)
		c := make([]float32, m*n)
		execute(t, kd, w, Buffers{A: a, C: c, AScale: scale, AZeroPoint: zeroPoint})
		numBlocks := w.NumBlocks()
		want := quantizedReference(qa, xslices.SliceWithValue(m*numBlocks, scale),
			xslices.SliceWithValue(m*numBlocks, int32(zeroPoint)), w, m)
		assert.Less(t, xslices.MaxRelError(c, want, 1.0), 1e-4)
	})

	t.Run("int8", func(t *testing.T) {
		a := make([]int8, m*k)
		qa := make([]int32, m*k)
		for i := range a {
			a[i] = int8(rng.IntN(255) - 127)
			qa[i] = int32(a[i])
		}
		op := OperatorDescriptor{Kind: OpMatMulDynamicQuant, M: m, N: n, K: k, WeightQuant: &scheme, ADType: dtypes.Int8,
			ActivationQuant: &quant.Scheme{Bits: 8}}
		kd, err := BuildWithConfig(op, testConfig(2))
		require.NoError(t, err)
		c := make([]float32, m*n)
		execute(t, kd, w, Buffers{A: a, C: c, AScale: scale})
		numBlocks := w.NumBlocks()
		want := quantizedReference(qa, xslices.SliceWithValue(m*numBlocks, scale), make([]int32, m*numBlocks), w, m)
		assert.Less(t, xslices.MaxRelError(c, want, 1.0), 1e-4)
	})
}

func TestExecuteErrors(t *testing.T) {
	const m, n, k = 4, 16, 8
	op := OperatorDescriptor{Kind: OpMatMulDynamicQuant, M: m, N: n, K: k, WeightQuant: &quant.Scheme{Bits: 8, BlockSize: 8}}
	kd, err := BuildWithConfig(op, testConfig(2))
	require.NoError(t, err)
	b := randomValues(23, k*n)

	_, err = kd.PackWeights(b[:10])
	assert.True(t, errors.Is(err, ErrInvalidShape), "got %v", err)
	_, err = kd.PackWeights([]int32{1, 2, 3})
	assert.True(t, errors.Is(err, ErrUnsupportedConfiguration), "got %v", err)
	other, err := quant.QuantizeWeights(b, k, n, false, quant.Scheme{Bits: 4, BlockSize: 8})
	require.NoError(t, err)
	_, err = kd.PackWeights(other)
	assert.True(t, errors.Is(err, ErrUnsupportedConfiguration), "got %v", err)

	pw, err := kd.PackWeights(b)
	require.NoError(t, err)
	assert.Greater(t, pw.Bytes(), 0)
	kdOther, err := BuildWithConfig(op, testConfig(2))
	require.NoError(t, err)
	pwOther, err := kdOther.PackWeights(b)
	require.NoError(t, err)

	kernel := Instantiate(kd)
	a := randomValues(24, m*k)
	c := make([]float32, m*n)
	require.NoError(t, kernel.Execute(Buffers{A: a, B: pw, C: c, Workspace: kernel.NewWorkspace()}))

	for name, bufs := range map[string]Buffers{
		"wrong activations type": {A: make([]int32, m*k), B: pw, C: c},
		"short activations":      {A: a[:m*k-1], B: pw, C: c},
		"short output":           {A: a, B: pw, C: c[:10]},
		"wrong output type":      {A: a, B: pw, C: make([]int8, m*n)},
		"foreign weights":        {A: a, B: pwOther, C: c},
		"missing weights":        {A: a, C: c},
		"small workspace":        {A: a, B: pw, C: c, Workspace: make([]byte, 8)},
		"wrong M":                {A: a, B: pw, C: c, M: m + 1},
		"small LDA":              {A: a, B: pw, C: c, LDA: k - 1},
		"short bias":             {A: a, B: pw, C: c, Bias: make([]float32, n-1)},
	} {
		err := kernel.Execute(bufs)
		assert.True(t, errors.Is(err, ErrExecutionFailed), "%s: got %v", name, err)
	}

	kernel.Close()
	err = kernel.Execute(Buffers{A: a, B: pw, C: c})
	assert.True(t, errors.Is(err, ErrExecutionFailed), "closed kernel: got %v", err)
}

// TestConcurrentExecutions runs the same kernel from several goroutines, with pooled workspaces.
func TestConcurrentExecutions(t *testing.T) {
	const m, n, k = 16, 64, 96
	op := OperatorDescriptor{Kind: OpMatMulDynamicQuant, M: m, N: n, K: k, WeightQuant: &quant.Scheme{Bits: 4, BlockSize: 32},
		ISA: hwinfo.All}
	kd, err := BuildWithConfig(op, testConfig(2))
	require.NoError(t, err)
	pw, err := kd.PackWeights(randomValues(25, k*n))
	require.NoError(t, err)
	kernel := Instantiate(kd)
	defer kernel.Close()
	a := randomValues(26, m*k)
	want := make([]float32, m*n)
	require.NoError(t, kernel.Execute(Buffers{A: a, B: pw, C: want}))

	const numGoroutines = 8
	results := make([][]float32, numGoroutines)
	errs := make([]error, numGoroutines)
	done := make(chan int)
	for g := range numGoroutines {
		go func() {
			results[g] = make([]float32, m*n)
			errs[g] = kernel.Execute(Buffers{A: a, B: pw, C: results[g]})
			done <- g
		}()
	}
	for range numGoroutines {
		<-done
	}
	for g := range numGoroutines {
		require.NoError(t, errs[g])
		require.Equal(t, want, results[g])
	}
}
