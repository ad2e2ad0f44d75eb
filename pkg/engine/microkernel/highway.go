// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package microkernel

import (
	"sync"

	"github.com/ajroetker/go-highway/hwy"
	"github.com/gomlx/qgemm/internal/hwinfo"
)

// highwayFloat32 is the float32 kernel written with go-highway vectors: each row of the register
// tile is held in Tiles.N / lanes vectors, updated with one broadcast activation value per k.
type highwayFloat32 struct {
	family
	lanes, chunks int

	// registers pools the per-call vectors: see highwayRegisters.
	registers sync.Pool
}

// highwayRegisters are the vectors one call of the kernel works on: the accumulators of the
// register tile (M*chunks) and the broadcast activation values of the current k (M).
type highwayRegisters struct {
	acc, broadcast []hwy.Vec[float32]
}

// NewHighwayFloat32 returns the go-highway float32 kernel: 8 rows by 48 columns.
func NewHighwayFloat32() Float32 {
	tiles := Tiles{M: 8, N: 48, K: 1}
	lanes := max(1, hwy.MaxLanes[float32]())
	h := &highwayFloat32{
		family: family{name: "hwy_f32", isa: hwinfo.HWY, tiles: tiles},
		lanes:  lanes,
		chunks: (tiles.N + lanes - 1) / lanes,
	}
	h.registers.New = func() any {
		return &highwayRegisters{
			acc:       make([]hwy.Vec[float32], tiles.M*h.chunks),
			broadcast: make([]hwy.Vec[float32], tiles.M),
		}
	}
	return h
}

// Forward implements Kernel.
//
// The multiplication and addition are separate operations, so every accumulator goes through the
// same rounding steps as the reference kernel.
func (h *highwayFloat32) Forward(a, b, c []float32, m, n, k, aStride, bStride, cStride int, accumulate bool) {
	t := h.tiles
	regs := h.registers.Get().(*highwayRegisters)
	defer h.registers.Put(regs)
	acc, broadcast := regs.acc, regs.broadcast
	for i0 := 0; i0 < m; i0 += t.M {
		rows := min(t.M, m-i0)
		for col0 := 0; col0 < n; col0 += t.N {
			panel := b[(col0/t.N)*bStride:]
			for i := range rows {
				cRow := c[(i0+i)*cStride+col0 : (i0+i)*cStride+col0+t.N]
				for chunk := range h.chunks {
					if accumulate {
						acc[i*h.chunks+chunk] = hwy.Load(cRow[chunk*h.lanes:])
					} else {
						acc[i*h.chunks+chunk] = hwy.Zero[float32]()
					}
				}
			}
			for kk := range k {
				bRow := panel[kk*t.N : (kk+1)*t.N]
				for i := range rows {
					broadcast[i] = hwy.Set(a[(i0+i)*aStride+kk])
				}
				for chunk := range h.chunks {
					bv := hwy.Load(bRow[chunk*h.lanes:])
					for i := range rows {
						idx := i*h.chunks + chunk
						acc[idx] = hwy.Add(acc[idx], hwy.Mul(broadcast[i], bv))
					}
				}
			}
			for i := range rows {
				cRow := c[(i0+i)*cStride+col0 : (i0+i)*cStride+col0+t.N]
				for chunk := range h.chunks {
					hwy.Store(acc[i*h.chunks+chunk], cRow[chunk*h.lanes:])
				}
			}
		}
	}
}
