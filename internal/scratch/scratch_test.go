// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scratch

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool(t *testing.T) {
	var p Pool
	buf := p.Get(100)
	require.Len(t, buf.Bytes, 4096)
	p.Put(buf)
	big := p.Get(1<<26 + 1)
	require.Len(t, big.Bytes, 1<<26+1)
	p.Put(big)
	p.Put(nil)
}

func TestAllocator(t *testing.T) {
	buf := Make(1024)
	require.Zero(t, uintptr(unsafe.Pointer(&buf[0]))%8)
	a := NewAllocator(buf)
	f := Next[float32](a, 3)
	i := Next[int32](a, 20)
	b := Next[int8](a, 5)
	assert.Len(t, f, 3)
	assert.Len(t, i, 20)
	assert.Len(t, b, 5)
	assert.Equal(t, 64+128+64, a.Used())
	assert.Equal(t, 128, SizeOf[int32](20))

	// Views share the underlying bytes.
	f[0] = 1
	assert.Equal(t, float32(1), Carve[float32](buf, 0, 1)[0])
	assert.Nil(t, Carve[float32](buf, 0, 0))
	require.Panics(t, func() { Carve[float32](buf, 1020, 2) })
	require.Panics(t, func() { Carve[float32](buf, 2, 1) })
}
