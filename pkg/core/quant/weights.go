// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package quant

import (
	"github.com/pkg/errors"
)

// Weights is a block-quantized K x N weight matrix.
//
// Blocks run along K: the values Values[kk*N+col] for kk in [blk*BlockSize, (blk+1)*BlockSize)
// share the scale Scales[blk*N+col] (and the zero-point ZeroPoints[blk*N+col] for asymmetric schemes).
type Weights struct {
	Scheme    Scheme
	K, N      int
	BlockSize int

	// Values holds the quantized values, one per int8 even for 4 bits schemes.
	// Use PackNibbles to get the compact storage form.
	Values []int8

	// Scales has shape [NumBlocks, N]. Values are already rounded to Scheme.ScaleDType.
	Scales []float32

	// ZeroPoints has shape [NumBlocks, N], nil for symmetric schemes.
	ZeroPoints []int8
}

// NumBlocks returns the number of quantization blocks along K.
func (w *Weights) NumBlocks() int {
	return (w.K + w.BlockSize - 1) / w.BlockSize
}

// ZeroPoint of the given block and column, 0 for symmetric schemes.
func (w *Weights) ZeroPoint(blk, col int) int32 {
	if w.ZeroPoints == nil {
		return 0
	}
	return int32(w.ZeroPoints[blk*w.N+col])
}

// At returns the dequantized value at row kk (along K) and column col.
func (w *Weights) At(kk, col int) float32 {
	blk := kk / w.BlockSize
	return Dequantize(int32(w.Values[kk*w.N+col]), w.Scales[blk*w.N+col], w.ZeroPoint(blk, col))
}

// Dequantize returns the K x N float32 matrix represented by the quantized weights.
func (w *Weights) Dequantize() []float32 {
	out := make([]float32, w.K*w.N)
	for kk := range w.K {
		for col := range w.N {
			out[kk*w.N+col] = w.At(kk, col)
		}
	}
	return out
}

// QuantizeWeights quantizes a float32 weight matrix with the given scheme.
//
// The matrix is K x N in row-major order, or N x K if transposed is set.
func QuantizeWeights(b []float32, k, n int, transposed bool, s Scheme) (*Weights, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if k <= 0 || n <= 0 {
		return nil, errors.Errorf("invalid weights shape K=%d, N=%d", k, n)
	}
	if len(b) < k*n {
		return nil, errors.Errorf("weights buffer has %d elements, K=%d x N=%d requires %d", len(b), k, n, k*n)
	}
	w := &Weights{
		Scheme:    s,
		K:         k,
		N:         n,
		BlockSize: s.Block(k),
		Values:    make([]int8, k*n),
	}
	numBlocks := w.NumBlocks()
	w.Scales = make([]float32, numBlocks*n)
	if s.Asymmetric {
		w.ZeroPoints = make([]int8, numBlocks*n)
	}
	qmin, qmax := s.Range()
	scaleDType := s.ScaleType()
	column := make([]float32, w.BlockSize)
	for col := range n {
		for blk := range numBlocks {
			k0 := blk * w.BlockSize
			k1 := min(k, k0+w.BlockSize)
			block := column[:k1-k0]
			for kk := k0; kk < k1; kk++ {
				if transposed {
					block[kk-k0] = b[col*k+kk]
				} else {
					block[kk-k0] = b[kk*n+col]
				}
			}
			var scale float32
			var zp int32
			if s.Asymmetric {
				minV, maxV := MinMax(block)
				scale, zp = AffineParams(minV, maxV, qmin, qmax, scaleDType)
				w.ZeroPoints[blk*n+col] = int8(zp)
			} else {
				scale = SymmetricScale(AbsMax(block), qmax, scaleDType)
			}
			w.Scales[blk*n+col] = scale
			invScale := Inverse(scale)
			for kk := k0; kk < k1; kk++ {
				w.Values[kk*n+col] = int8(Value(block[kk-k0], invScale, zp, qmin, qmax))
			}
		}
	}
	return w, nil
}

// NewWeights creates Weights from already quantized values.
// Values must be within the range of the scheme, and zeroPoints must be nil for symmetric schemes.
func NewWeights(values []int8, scales []float32, zeroPoints []int8, k, n int, s Scheme) (*Weights, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	w := &Weights{Scheme: s, K: k, N: n, BlockSize: s.Block(k), Values: values, ZeroPoints: zeroPoints}
	numBlocks := w.NumBlocks()
	if len(values) != k*n {
		return nil, errors.Errorf("quantized weights have %d values, wanted K=%d x N=%d", len(values), k, n)
	}
	if len(scales) != numBlocks*n {
		return nil, errors.Errorf("quantized weights have %d scales, wanted %d blocks x N=%d", len(scales), numBlocks, n)
	}
	if s.Asymmetric != (zeroPoints != nil) {
		return nil, errors.Errorf("zero-points must be given if and only if the scheme is asymmetric (%s)", s)
	}
	if zeroPoints != nil && len(zeroPoints) != numBlocks*n {
		return nil, errors.Errorf("quantized weights have %d zero-points, wanted %d", len(zeroPoints), numBlocks*n)
	}
	qmin, qmax := s.Range()
	for i, v := range values {
		if int32(v) < qmin || int32(v) > qmax {
			return nil, errors.Errorf("quantized value %d at position %d out of range [%d, %d]", v, i, qmin, qmax)
		}
	}
	w.Scales = make([]float32, len(scales))
	for i, scale := range scales {
		w.Scales[i] = roundScale(s, scale)
	}
	return w, nil
}

// PackNibbles packs 4 bits values (in the range [-8, 7]) two per byte, low nibble first.
// Each nibble stores the value offset by 8.
func PackNibbles(values []int8) []byte {
	packed := make([]byte, (len(values)+1)/2)
	for i, v := range values {
		nibble := byte(v+8) & 0x0F
		if i%2 == 0 {
			packed[i/2] |= nibble
		} else {
			packed[i/2] |= nibble << 4
		}
	}
	return packed
}

// UnpackNibbles reverts PackNibbles, writing len(dst) values.
func UnpackNibbles(packed []byte, dst []int8) {
	for i := range dst {
		b := packed[i/2]
		if i%2 == 1 {
			b >>= 4
		}
		dst[i] = int8(b&0x0F) - 8
	}
}
