// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package microkernel

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/qgemm/internal/hwinfo"
)

// Portable kernel bodies: plain Go loops over the register-tile of each family.
//
// The instruction-set specific families share these bodies but keep their own tile geometry, so
// that packing, padding and tail handling are exercised with the same layouts their native
// counterparts use.

type floatKernel struct{ family }

// NewReferenceFloat32 returns the portable float32 kernel with the given tiles.
// The reference kernel is available on every platform.
func NewReferenceFloat32(tiles Tiles) Float32 {
	checkTiles(tiles)
	return &floatKernel{family{name: "ref_f32", isa: hwinfo.Reference, tiles: tiles}}
}

// Forward implements Kernel.
func (f *floatKernel) Forward(a, b, c []float32, m, n, k, aStride, bStride, cStride int, accumulate bool) {
	forwardFloat32(f.tiles, a, b, c, m, n, k, aStride, bStride, cStride, accumulate)
}

type intKernel[A int8 | uint8] struct{ family }

// Forward implements Kernel.
func (f *intKernel[A]) Forward(a []A, b []int8, c []int32, m, n, k, aStride, bStride, cStride int, accumulate bool) {
	forwardInt(f.tiles, a, b, c, m, n, k, aStride, bStride, cStride, accumulate)
}

// NewReferenceU8S8 returns the portable kernel for uint8 activations and int8 weights.
func NewReferenceU8S8() U8S8 {
	return &intKernel[uint8]{family{name: "ref_u8s8", isa: hwinfo.Reference, tiles: Tiles{M: 4, N: 16, K: 1}}}
}

// NewReferenceS8S8 returns the portable kernel for int8 activations and int8 weights.
func NewReferenceS8S8() S8S8 {
	return &intKernel[int8]{family{name: "ref_s8s8", isa: hwinfo.Reference, tiles: Tiles{M: 4, N: 16, K: 1}}}
}

// NewVNNIU8S8 returns the kernel geometry for AVX512-VNNI: 8 rows by 3 zmm registers of int32
// accumulators, consuming 4 bytes of K per dot-product instruction.
func NewVNNIU8S8() U8S8 {
	return &intKernel[uint8]{family{name: "vnni_u8s8", isa: hwinfo.AVX512VNNI, tiles: Tiles{M: 8, N: 48, K: 4}}}
}

// NewAVXVNNIU8S8 returns the kernel geometry for AVX-VNNI (256 bits registers).
func NewAVXVNNIU8S8() U8S8 {
	return &intKernel[uint8]{family{name: "avxvnni_u8s8", isa: hwinfo.AVXVNNI, tiles: Tiles{M: 8, N: 24, K: 4}}}
}

// NewAMXS8S8 returns the kernel geometry for AMX-INT8 tiles: 16 rows by 64 bytes of K per tile,
// with 3 accumulator tiles of 16 columns.
func NewAMXS8S8() S8S8 {
	return &intKernel[int8]{family{name: "amx_s8s8", isa: hwinfo.AMXINT8, tiles: Tiles{M: 16, N: 48, K: 64}}}
}

// NewDotProdS8S8 returns the kernel geometry for the ARM dot-product extension (SDOT).
func NewDotProdS8S8() S8S8 {
	return &intKernel[int8]{family{name: "dot_s8s8", isa: hwinfo.DotProd, tiles: Tiles{M: 8, N: 16, K: 4}}}
}

func checkTiles(tiles Tiles) {
	if tiles.M <= 0 || tiles.N <= 0 || tiles.K <= 0 || tiles.M*tiles.N > maxTileElements {
		exceptions.Panicf("invalid micro-kernel tiles %s: M*N must be in (0, %d]", tiles, maxTileElements)
	}
}

// forwardFloat32 is the float32 micro-kernel body.
//
// Each accumulator is updated with one rounded product at a time, in order of k: the explicit
// float32 conversion keeps the compiler from fusing the multiply-add.
func forwardFloat32(t Tiles, a, b, c []float32, m, n, k, aStride, bStride, cStride int, accumulate bool) {
	var accum [maxTileElements]float32
	for i0 := 0; i0 < m; i0 += t.M {
		rows := min(t.M, m-i0)
		for col0 := 0; col0 < n; col0 += t.N {
			panel := b[(col0/t.N)*bStride:]
			acc := accum[:rows*t.N]
			for i := range rows {
				accRow := acc[i*t.N : (i+1)*t.N]
				if accumulate {
					copy(accRow, c[(i0+i)*cStride+col0:])
				} else {
					clear(accRow)
				}
			}
			for kk := range k {
				bBase := (kk/t.K)*t.N*t.K + kk%t.K
				for i := range rows {
					av := a[(i0+i)*aStride+kk]
					accRow := acc[i*t.N : (i+1)*t.N]
					for j := range accRow {
						accRow[j] += float32(av * panel[bBase+j*t.K])
					}
				}
			}
			for i := range rows {
				copy(c[(i0+i)*cStride+col0:(i0+i)*cStride+col0+t.N], acc[i*t.N:(i+1)*t.N])
			}
		}
	}
}

// forwardInt is the integer micro-kernel body: products of 8 bits values accumulated in int32.
func forwardInt[A int8 | uint8](t Tiles, a []A, b []int8, c []int32, m, n, k, aStride, bStride, cStride int, accumulate bool) {
	var accum [maxTileElements]int32
	for i0 := 0; i0 < m; i0 += t.M {
		rows := min(t.M, m-i0)
		for col0 := 0; col0 < n; col0 += t.N {
			panel := b[(col0/t.N)*bStride:]
			acc := accum[:rows*t.N]
			for i := range rows {
				accRow := acc[i*t.N : (i+1)*t.N]
				if accumulate {
					copy(accRow, c[(i0+i)*cStride+col0:])
				} else {
					clear(accRow)
				}
			}
			// One group of t.K reduction values at a time, as the dot-product instructions do.
			for kg := 0; kg < k; kg += t.K {
				group := panel[(kg/t.K)*t.N*t.K:]
				for i := range rows {
					aGroup := a[(i0+i)*aStride+kg : (i0+i)*aStride+kg+t.K]
					accRow := acc[i*t.N : (i+1)*t.N]
					for j := range accRow {
						bGroup := group[j*t.K : (j+1)*t.K]
						var dot int32
						for kk, av := range aGroup {
							dot += int32(av) * int32(bGroup[kk])
						}
						accRow[j] += dot
					}
				}
			}
			for i := range rows {
				copy(c[(i0+i)*cStride+col0:(i0+i)*cStride+col0+t.N], acc[i*t.N:(i+1)*t.N])
			}
		}
	}
}
