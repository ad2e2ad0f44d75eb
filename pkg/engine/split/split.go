// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package split implements split execution of dynamically quantized GEMMs whose working set does not
// fit the fast-memory budget: the available cores are divided in two groups, one quantizing the
// activations, row tile by row tile, into a shared intermediate buffer, and the other computing and
// dequantizing the output as soon as each row tile is ready.
//
// The hand-off is ordered per row tile by latches: a compute core never reads a row tile before the
// quantization core that owns it has written it completely.
package split

import (
	"github.com/gomlx/qgemm/internal/scratch"
	"github.com/gomlx/qgemm/internal/workerspool"
	"github.com/gomlx/qgemm/pkg/support/xsync"
	"github.com/pkg/errors"
)

// WorkingSet is the memory split execution is triggered by.
type WorkingSet struct {
	// PackedWeightBytes of the packed weights and their quantization parameters.
	PackedWeightBytes int
	// QuantScratchBytes of the quantized activations and their parameters.
	QuantScratchBytes int
	// DequantScratchBytes of the per-thread integer and float accumulators.
	DequantScratchBytes int
}

// Total returns the sum of all parts.
func (ws WorkingSet) Total() int {
	return ws.PackedWeightBytes + ws.QuantScratchBytes + ws.DequantScratchBytes
}

// Required returns whether the working set exceeds the fast-memory budget.
func Required(ws WorkingSet, budget int) bool {
	return ws.Total() > budget
}

// AssignCores divides total cores between the quantization and the compute stages, proportionally
// to their estimated work, but with at least one core each.
//
// It returns ok=false if either group would be left with zero cores, in which case split execution
// must not be used.
func AssignCores(total int, quantWork, computeWork float64) (quantCores, computeCores int, ok bool) {
	if total < 2 || quantWork < 0 || computeWork <= 0 {
		return 0, 0, false
	}
	share := quantWork / (quantWork + computeWork)
	quantCores = int(float64(total)*share + 0.999999)
	quantCores = min(max(quantCores, 1), total-1)
	computeCores = total - quantCores
	return quantCores, computeCores, quantCores > 0 && computeCores > 0
}

// Layout of the intermediate buffers of a split execution, computed once at plan time.
//
// The workspace holds, in order: the quantized activations with their per block parameters (the
// region the quantization stage writes and the compute stage reads), and, for reduced-precision
// outputs, a float32 staging buffer for the results.
type Layout struct {
	// RowTile is the number of rows quantized and handed off as one unit.
	RowTile int

	// MOffsets holds the first row of each row tile, plus M at the end.
	MOffsets []int

	// NOffsets holds the first column of each compute core, plus N at the end. Boundaries are
	// aligned to the micro-kernel panel width.
	NOffsets []int

	// QuantChannelOffsets holds, for each row tile, the byte offset of its quantized data within the
	// workspace.
	QuantChannelOffsets []int

	// QuantBytes is the size of the quantized activations region, at offset 0.
	QuantBytes int

	// BF16Offset is the byte offset of the float32 staging buffer of reduced-precision outputs, or
	// -1 if the output is float32.
	BF16Offset int

	// Size is the total workspace size in bytes.
	Size int
}

// NewLayout computes the layout for an M x N output, with kPad quantized values per row.
//
// quantBytes is the size of the quantized activations region (see prologue.QuantParamBytes), rowTile
// the number of rows per hand-off unit and panel the column alignment of the compute cores' ranges.
func NewLayout(m, n, kPad, quantBytes, rowTile, panel, computeCores int, reducedPrecision bool) (*Layout, error) {
	if m <= 0 || n <= 0 || rowTile <= 0 || panel <= 0 || computeCores <= 0 {
		return nil, errors.Errorf("invalid split layout parameters M=%d, N=%d, rowTile=%d, panel=%d, computeCores=%d",
			m, n, rowTile, panel, computeCores)
	}
	l := &Layout{RowTile: rowTile, QuantBytes: scratch.Align(quantBytes), BF16Offset: -1}
	for row := 0; row < m; row += rowTile {
		l.MOffsets = append(l.MOffsets, row)
		l.QuantChannelOffsets = append(l.QuantChannelOffsets, row*kPad)
	}
	l.MOffsets = append(l.MOffsets, m)

	numPanels := (n + panel - 1) / panel
	cores := min(computeCores, numPanels)
	l.NOffsets = make([]int, 0, cores+1)
	for core := range cores {
		l.NOffsets = append(l.NOffsets, core*numPanels/cores*panel)
	}
	l.NOffsets = append(l.NOffsets, n)

	l.Size = l.QuantBytes
	if reducedPrecision {
		l.BF16Offset = l.Size
		l.Size += scratch.SizeOf[float32](m * n)
	}
	return l, nil
}

// NumRowTiles returns the number of hand-off units.
func (l *Layout) NumRowTiles() int {
	return len(l.MOffsets) - 1
}

// NumComputeRanges returns the number of column ranges, at most the number of compute cores.
func (l *Layout) NumComputeRanges() int {
	return len(l.NOffsets) - 1
}

// Controller runs a split execution.
type Controller struct {
	QuantCores, ComputeCores int
	Layout                   *Layout
}

// Run executes both stages concurrently in pool, and returns when both are done.
//
//   - quantize(rowTile) is called exactly once for each row tile, by the quantization cores.
//   - compute(rangeIdx, ready) is called once for each column range by a compute core; it must call
//     ready(rowTile) before reading the quantized data of a row tile.
func (c *Controller) Run(pool *workerspool.Pool, quantize func(rowTile int), compute func(rangeIdx int, ready func(rowTile int))) {
	numRowTiles := c.Layout.NumRowTiles()
	latches := xsync.NewLatches(numRowTiles)
	numRanges := c.Layout.NumComputeRanges()
	pool.ForkJoin(c.QuantCores+c.ComputeCores, func(idx int) {
		if idx < c.QuantCores {
			defer func() {
				if r := recover(); r != nil {
					// Release the compute cores: the panic is re-raised by ForkJoin once all return.
					for _, latch := range latches {
						latch.Trigger()
					}
					panic(r)
				}
			}()
			for rowTile := idx; rowTile < numRowTiles; rowTile += c.QuantCores {
				quantize(rowTile)
				latches[rowTile].Trigger()
			}
			return
		}
		ready := func(rowTile int) {
			if latches[rowTile].Test() {
				return
			}
			pool.WorkerIsAsleep()
			latches[rowTile].Wait()
			pool.WorkerRestarted()
		}
		for rangeIdx := idx - c.QuantCores; rangeIdx < numRanges; rangeIdx += c.ComputeCores {
			compute(rangeIdx, ready)
		}
	})
}
