// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package prologue

import (
	"github.com/gomlx/qgemm/pkg/core/dtypes"
	"github.com/gomlx/qgemm/pkg/engine/microkernel"
)

// Activation is the interface of the activation prologues.
type Activation[A any] interface {
	// Get returns the tile of rows [m0, m0+mSize) and reduction columns [k0, k0+kSize) of the
	// activations, and the stride between its rows.
	//
	// Each row of the tile has kSize values rounded up to the kernel's Tiles.K, zero-padded.
	// scratch must have at least ScratchSize(mSize, kSize) values: it may or may not be used.
	Get(scratch []A, m0, mSize, k0, kSize int) (tile []A, stride int)

	// ScratchSize returns the number of values Get may need in its scratch.
	ScratchSize(mSize, kSize int) int
}

// Float32Activation hands out tiles of a row-major float32 activation matrix: views when no padding
// is needed, padded copies otherwise.
type Float32Activation struct {
	Tiles microkernel.Tiles
	A     []float32
	LDA   int
}

// Get implements Activation.
func (fa *Float32Activation) Get(scratch []float32, m0, mSize, k0, kSize int) (tile []float32, stride int) {
	kPad := fa.Tiles.PadK(kSize)
	if kPad == kSize {
		return fa.A[m0*fa.LDA+k0:], fa.LDA
	}
	for i := range mSize {
		row := scratch[i*kPad : (i+1)*kPad]
		n := copy(row, fa.A[(m0+i)*fa.LDA+k0:(m0+i)*fa.LDA+k0+kSize])
		clear(row[n:])
	}
	return scratch, kPad
}

// ScratchSize implements Activation.
func (fa *Float32Activation) ScratchSize(mSize, kSize int) int {
	return mSize * fa.Tiles.PadK(kSize)
}

// ConvertActivation hands out float32 tiles of half-precision activations, converting them into the
// scratch on every fetch.
type ConvertActivation[S dtypes.Float] struct {
	Tiles microkernel.Tiles
	A     []S
	LDA   int
}

// Get implements Activation.
func (ca *ConvertActivation[S]) Get(scratch []float32, m0, mSize, k0, kSize int) (tile []float32, stride int) {
	kPad := ca.Tiles.PadK(kSize)
	for i := range mSize {
		row := scratch[i*kPad : (i+1)*kPad]
		src := ca.A[(m0+i)*ca.LDA+k0 : (m0+i)*ca.LDA+k0+kSize]
		for kk, v := range src {
			row[kk] = dtypes.ToFloat32(v)
		}
		clear(row[kSize:])
	}
	return scratch, kPad
}

// ScratchSize implements Activation.
func (ca *ConvertActivation[S]) ScratchSize(mSize, kSize int) int {
	return mSize * ca.Tiles.PadK(kSize)
}
