// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package prologue

import (
	"github.com/gomlx/qgemm/internal/workerspool"
	"github.com/gomlx/qgemm/pkg/core/quant"
	"github.com/gomlx/qgemm/pkg/engine/microkernel"
)

// DequantWeight is the weight prologue of weight-only quantization: the weights are stored packed
// as 4 or 8 bits integers, and dequantized to float32 when a tile is fetched.
//
// 4 bits values are stored two per byte (see quant.PackNibbles), in packed (panel) order.
type DequantWeight struct {
	Tiles      microkernel.Tiles
	K, N       int
	KPad, NPad int
	Bits       int
	BlockSize  int

	// Data holds the packed values: one int8 per value for 8 bits, nibbles for 4 bits.
	Data []byte

	// Scales and ZeroPoints are indexed [block][NPad]. ZeroPoints is nil for symmetric weights.
	Scales     []float32
	ZeroPoints []int32
}

// PackDequant packs quantized weights for a float32 micro-kernel with the given tiles.
func PackDequant(pool *workerspool.Pool, w *quant.Weights, tiles microkernel.Tiles) *DequantWeight {
	qw := PackQuantized(pool, w, tiles)
	dw := &DequantWeight{
		Tiles:      tiles,
		K:          w.K,
		N:          w.N,
		KPad:       qw.KPad,
		NPad:       qw.NPad,
		Bits:       w.Scheme.Bits,
		BlockSize:  w.BlockSize,
		Scales:     qw.Scales,
		ZeroPoints: qw.ZeroPoints,
	}
	if dw.Bits == 4 {
		dw.Data = quant.PackNibbles(qw.Data)
	} else {
		dw.Data = make([]byte, len(qw.Data))
		for i, v := range qw.Data {
			dw.Data[i] = byte(v)
		}
	}
	return dw
}

// value returns the quantized value at the given position of the packed order.
func (dw *DequantWeight) value(idx int) int32 {
	if dw.Bits == 4 {
		b := dw.Data[idx/2]
		if idx%2 == 1 {
			b >>= 4
		}
		return int32(b&0x0F) - 8
	}
	return int32(int8(dw.Data[idx]))
}

// Get implements Weight. The tile is written in scratch with panels of PadK(kSize) rows.
func (dw *DequantWeight) Get(scratch []float32, k0, kSize, n0, nSize int) (tile []float32, stride int) {
	t := dw.Tiles
	kPad := t.PadK(kSize)
	stride = kPad * t.N
	srcStride := dw.KPad * t.N
	for p := range nSize / t.N {
		panelIdx := n0/t.N + p
		dst := scratch[p*stride : (p+1)*stride]
		src := panelIdx * srcStride
		for kk := range kPad {
			row := k0 + kk
			if row >= dw.K {
				for j := range t.N {
					dst[t.PackedIndex(kk, j)] = 0
				}
				continue
			}
			blk := row / dw.BlockSize
			for j := range t.N {
				col := panelIdx*t.N + j
				pos := src + t.PackedIndex(row, j)
				scale := dw.Scales[blk*dw.NPad+col]
				var zp int32
				if dw.ZeroPoints != nil {
					zp = dw.ZeroPoints[blk*dw.NPad+col]
				}
				dst[t.PackedIndex(kk, j)] = quant.Dequantize(dw.value(pos), scale, zp)
			}
		}
	}
	return scratch, stride
}

// ScratchSize implements Weight.
func (dw *DequantWeight) ScratchSize(kSize, nSize int) int {
	return dw.Tiles.PadK(kSize) * dw.Tiles.PadN(nSize)
}

// Bytes returns the memory used by the packed weights and their parameters.
func (dw *DequantWeight) Bytes() int {
	return len(dw.Data) + 4*(len(dw.Scales)+len(dw.ZeroPoints))
}
