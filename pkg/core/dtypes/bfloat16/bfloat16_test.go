// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package bfloat16

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromFloat32(t *testing.T) {
	assert.Equal(t, BFloat16(0x3f80), FromFloat32(1))
	assert.Equal(t, float32(1), FromFloat32(1).Float32())

	// Exactly half-way between 0x3f80 and 0x3f81: rounds to even.
	half := math.Float32frombits(0x3f808000)
	assert.Equal(t, BFloat16(0x3f80), FromFloat32(half))
	// Half-way between 0x3f81 and 0x3f82: rounds to even, upwards.
	half = math.Float32frombits(0x3f818000)
	assert.Equal(t, BFloat16(0x3f82), FromFloat32(half))
	// Above half-way rounds up, truncation doesn't.
	above := math.Float32frombits(0x3f80c000)
	assert.Equal(t, BFloat16(0x3f81), FromFloat32(above))
	assert.Equal(t, BFloat16(0x3f80), FromFloat32Truncated(above))

	assert.True(t, math.IsNaN(float64(FromFloat32(float32(math.NaN())).Float32())))
	assert.True(t, math.IsInf(float64(Inf(-1).Float32()), -1))
	assert.Equal(t, "1.5", FromFloat32(1.5).String())
	assert.Equal(t, []BFloat16{0x3f80, 0x4000}, Convert([]float32{1, 2}))
}
