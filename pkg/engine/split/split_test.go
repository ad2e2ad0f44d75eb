// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package split

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/gomlx/qgemm/internal/workerspool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignCores(t *testing.T) {
	testCases := []struct {
		total                  int
		quantWork, computeWork float64
		quant, compute         int
		ok                     bool
	}{
		{total: 8, quantWork: 1, computeWork: 100, quant: 1, compute: 7, ok: true},
		{total: 8, quantWork: 1, computeWork: 1, quant: 4, compute: 4, ok: true},
		{total: 8, quantWork: 100, computeWork: 1, quant: 7, compute: 1, ok: true},
		{total: 2, quantWork: 1, computeWork: 1000, quant: 1, compute: 1, ok: true},
		{total: 1, quantWork: 1, computeWork: 1000},
		{total: 0, quantWork: 1, computeWork: 1},
		{total: 4, quantWork: 1, computeWork: 0},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%d/%g/%g", tc.total, tc.quantWork, tc.computeWork), func(t *testing.T) {
			q, c, ok := AssignCores(tc.total, tc.quantWork, tc.computeWork)
			require.Equal(t, tc.ok, ok)
			if ok {
				assert.Equal(t, tc.quant, q)
				assert.Equal(t, tc.compute, c)
			}
		})
	}
}

func TestRequired(t *testing.T) {
	ws := WorkingSet{PackedWeightBytes: 1000, QuantScratchBytes: 200, DequantScratchBytes: 48}
	assert.Equal(t, 1248, ws.Total())
	assert.True(t, Required(ws, 1024))
	assert.False(t, Required(ws, 2048))
}

func TestLayout(t *testing.T) {
	l, err := NewLayout(10, 100, 36, 1000, 4, 16, 3, true)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 4, 8, 10}, l.MOffsets)
	assert.Equal(t, []int{0, 4 * 36, 8 * 36}, l.QuantChannelOffsets)
	// 7 panels over 3 cores: 2, 2 and 3 panels.
	assert.Equal(t, []int{0, 32, 64, 100}, l.NOffsets)
	assert.Equal(t, 1024, l.QuantBytes)
	assert.Equal(t, 1024, l.BF16Offset)
	assert.Equal(t, 1024+4032, l.Size)
	assert.Equal(t, 3, l.NumRowTiles())
	assert.Equal(t, 3, l.NumComputeRanges())

	// More cores than panels, float32 output.
	l, err = NewLayout(1, 20, 4, 10, 8, 16, 5, false)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 16, 20}, l.NOffsets)
	assert.Equal(t, -1, l.BF16Offset)
	assert.Equal(t, 64, l.Size)

	_, err = NewLayout(0, 20, 4, 10, 8, 16, 5, false)
	require.Error(t, err)
}

func TestControllerHandOff(t *testing.T) {
	l, err := NewLayout(64, 64, 16, 1024, 8, 16, 3, false)
	require.NoError(t, err)
	c := &Controller{QuantCores: 2, ComputeCores: 3, Layout: l}
	done := make([]atomic.Bool, l.NumRowTiles())
	var computed atomic.Int32
	c.Run(workerspool.NewWithParallelism(5), func(rowTile int) {
		assert.False(t, done[rowTile].Load(), "row tile %d quantized twice", rowTile)
		done[rowTile].Store(true)
	}, func(rangeIdx int, ready func(rowTile int)) {
		for rowTile := range l.NumRowTiles() {
			ready(rowTile)
			if !done[rowTile].Load() {
				panic(errors.Errorf("row tile %d read before it was quantized", rowTile))
			}
			computed.Add(1)
		}
	})
	assert.Equal(t, int32(3*l.NumRowTiles()), computed.Load())
}

func TestControllerPanic(t *testing.T) {
	l, err := NewLayout(16, 32, 16, 1024, 4, 16, 2, false)
	require.NoError(t, err)
	c := &Controller{QuantCores: 1, ComputeCores: 2, Layout: l}
	require.Panics(t, func() {
		c.Run(workerspool.NewWithParallelism(3), func(rowTile int) {
			if rowTile == 1 {
				panic(errors.New("quantization failed"))
			}
		}, func(_ int, ready func(rowTile int)) {
			for rowTile := range l.NumRowTiles() {
				ready(rowTile)
			}
		})
	})
}
