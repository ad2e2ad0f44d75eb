// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quant

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/qgemm/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemeValidate(t *testing.T) {
	require.NoError(t, Scheme{Bits: 4, BlockSize: 32}.Validate())
	require.NoError(t, Scheme{Bits: 8, Asymmetric: true, BlockSize: PerChannel, ScaleDType: dtypes.BFloat16}.Validate())
	require.Error(t, Scheme{Bits: 3, BlockSize: 32}.Validate())
	require.Error(t, Scheme{Bits: 8, BlockSize: 0}.Validate())
	require.Error(t, Scheme{Bits: 8, BlockSize: 32, ScaleDType: dtypes.Int8}.Validate())

	s := Scheme{Bits: 4, BlockSize: 32}
	assert.Equal(t, 32, s.Block(100))
	assert.Equal(t, 4, s.NumBlocks(100))
	assert.Equal(t, 10, s.Block(10))
	assert.Equal(t, 1, Scheme{Bits: 8, BlockSize: PerChannel}.NumBlocks(100))
	assert.Equal(t, "int4-sym-block=32-scale=Float32", s.String())
}

// TestActivationRoundTrip checks that dequantize(quantize(x)) is within one quantization step of x.
func TestActivationRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 0))
	for _, asymmetric := range []bool{false, true} {
		for _, scaleDType := range []dtypes.DType{dtypes.Float32, dtypes.Float16, dtypes.BFloat16} {
			t.Run(fmt.Sprintf("asym=%v/%s", asymmetric, scaleDType), func(t *testing.T) {
				src := make([]float32, 64)
				for i := range src {
					src[i] = float32(rng.NormFloat64()*3 + 0.5)
				}
				scale, zp := BlockParams(src, asymmetric, scaleDType)
				require.Greater(t, scale, float32(0))
				qmin, qmax := ActivationRange(asymmetric)
				if asymmetric {
					q := make([]uint8, len(src))
					sum := Block(q, src, scale, zp, qmin, qmax)
					var want int32
					for i, v := range src {
						want += int32(q[i])
						assert.InDelta(t, v, Dequantize(int32(q[i]), scale, zp), float64(scale))
					}
					assert.Equal(t, want, sum)
				} else {
					q := make([]int8, len(src))
					Block(q, src, scale, zp, qmin, qmax)
					for i, v := range src {
						assert.InDelta(t, v, Dequantize(int32(q[i]), scale, zp), float64(scale))
					}
				}
			})
		}
	}
}

func TestAffineParamsIncludesZero(t *testing.T) {
	// All positive values: the interval is extended to 0, and 0 maps exactly to the zero-point.
	scale, zp := AffineParams(2, 10, 0, 255, dtypes.Float32)
	assert.InDelta(t, 10.0/255.0, scale, 1e-7)
	assert.Equal(t, int32(0), zp)
	assert.Equal(t, float32(0), Dequantize(Value(0, Inverse(scale), zp, 0, 255), scale, zp))

	// Constant zero block: scale 0, everything quantizes to the zero-point.
	scale, zp = AffineParams(0, 0, -8, 7, dtypes.Float32)
	assert.Equal(t, float32(0), scale)
	assert.Equal(t, int32(0), Value(123, Inverse(scale), zp, -8, 7))
}

func TestQuantizeWeights(t *testing.T) {
	const k, n = 70, 5
	rng := rand.New(rand.NewPCG(7, 1))
	b := make([]float32, k*n)
	for i := range b {
		b[i] = float32(rng.Float64()*2 - 0.7)
	}
	for _, s := range []Scheme{
		{Bits: 4, BlockSize: 32},
		{Bits: 4, Asymmetric: true, BlockSize: 16, ScaleDType: dtypes.Float16},
		{Bits: 8, BlockSize: PerChannel, ScaleDType: dtypes.BFloat16},
		{Bits: 8, Asymmetric: true, BlockSize: 64},
	} {
		t.Run(s.String(), func(t *testing.T) {
			w, err := QuantizeWeights(b, k, n, false, s)
			require.NoError(t, err)
			assert.Equal(t, s.NumBlocks(k)*n, len(w.Scales))
			qmin, qmax := s.Range()
			for _, v := range w.Values {
				require.GreaterOrEqual(t, int32(v), qmin)
				require.LessOrEqual(t, int32(v), qmax)
			}
			deq := w.Dequantize()
			for kk := range k {
				for col := range n {
					step := w.Scales[(kk/w.BlockSize)*n+col]
					assert.InDelta(t, b[kk*n+col], deq[kk*n+col], float64(step)*1.01)
				}
			}

			// Transposed input gives the same result.
			bt := make([]float32, k*n)
			for kk := range k {
				for col := range n {
					bt[col*k+kk] = b[kk*n+col]
				}
			}
			wt, err := QuantizeWeights(bt, k, n, true, s)
			require.NoError(t, err)
			assert.Equal(t, w.Values, wt.Values)
			assert.Equal(t, w.Scales, wt.Scales)

			// Rebuilding from the quantized values is lossless.
			w2, err := NewWeights(w.Values, w.Scales, w.ZeroPoints, k, n, s)
			require.NoError(t, err)
			assert.Equal(t, deq, w2.Dequantize())
		})
	}

	_, err := QuantizeWeights(b, k, n, false, Scheme{Bits: 2, BlockSize: 32})
	require.Error(t, err)
	_, err = QuantizeWeights(b[:10], k, n, false, Scheme{Bits: 4, BlockSize: 32})
	require.Error(t, err)
	_, err = NewWeights([]int8{8}, []float32{1}, nil, 1, 1, Scheme{Bits: 4, BlockSize: 1})
	require.Error(t, err, "value 8 is out of range for 4 bits")
}

func TestNibbles(t *testing.T) {
	values := []int8{-8, 7, 0, -1, 3}
	packed := PackNibbles(values)
	require.Len(t, packed, 3)
	assert.Equal(t, byte(0xF0), packed[0])
	got := make([]int8, len(values))
	UnpackNibbles(packed, got)
	assert.Equal(t, values, got)
}

func TestAbsMax(t *testing.T) {
	assert.Equal(t, float32(3), AbsMax([]float32{1, -3, 2}))
	minV, maxV := MinMax([]float32{1, -3, 2})
	assert.Equal(t, float32(-3), minV)
	assert.Equal(t, float32(2), maxV)
	assert.Equal(t, float32(0), AbsMax[float32](nil))
	assert.False(t, math.IsNaN(float64(Inverse(0))))
}
