// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scratch manages the raw byte regions the GEMM engine carves its per-thread stacks and
// workspaces from: a pool of reusable, size-classed byte buffers, and the typed views into them.
package scratch

import (
	"sync"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/qgemm/pkg/support/xsync"
)

// Alignment of every region carved from a buffer, in bytes: one cache line.
const Alignment = 64

// Align rounds n up to a multiple of Alignment.
func Align(n int) int {
	return (n + Alignment - 1) / Alignment * Alignment
}

// Size class boundaries (in bytes) for buffer pooling.
// Buffers larger than the last class are pooled by exact size.
var sizeClasses = []int{
	1 << 12,  // 4KiB
	1 << 14,  // 16KiB
	1 << 16,  // 64KiB
	1 << 18,  // 256KiB
	1 << 20,  // 1MiB
	1 << 22,  // 4MiB
	1 << 24,  // 16MiB
	1 << 26,  // 64MiB
}

// getSizeClass returns the index of the smallest size class that holds size, or -1 if size is larger
// than all size classes.
func getSizeClass(size int) int {
	for i, classSize := range sizeClasses {
		if size <= classSize {
			return i
		}
	}
	return -1
}

type poolKey struct {
	sizeClass int // index into sizeClasses, or -1 for exact size
	exactSize int
}

// Pool of byte buffers. The zero value is ready to use.
type Pool struct {
	pools xsync.SyncMap[poolKey, *sync.Pool]
}

// Buffer is a byte buffer taken from a Pool. Its Bytes are aligned to 8 bytes.
type Buffer struct {
	Bytes []byte
	key   poolKey
}

// getPool retrieves or creates the pool for the given key.
func (p *Pool) getPool(key poolKey) *sync.Pool {
	pool, ok := p.pools.Load(key)
	if !ok {
		capacity := key.exactSize
		if key.sizeClass >= 0 {
			capacity = sizeClasses[key.sizeClass]
		}
		pool, _ = p.pools.LoadOrStore(key, &sync.Pool{
			New: func() any {
				return &Buffer{Bytes: Make(capacity), key: key}
			},
		})
	}
	return pool
}

// Get returns a buffer of at least size bytes. Its contents are undefined.
func (p *Pool) Get(size int) *Buffer {
	key := poolKey{sizeClass: getSizeClass(size)}
	if key.sizeClass < 0 {
		key.exactSize = size
	}
	return p.getPool(key).Get().(*Buffer)
}

// Put returns a buffer to the pool. It is a no-op for a nil buffer.
func (p *Pool) Put(buf *Buffer) {
	if buf == nil {
		return
	}
	p.getPool(buf.key).Put(buf)
}

// Make allocates size bytes aligned to 8 bytes, so that any numeric type can be carved from it.
func Make(size int) []byte {
	if size <= 0 {
		return nil
	}
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

// Carve returns a view of n values of type T starting at byte offset of buf.
//
// The offset must keep the alignment of T, which is always the case for offsets multiple of
// Alignment into a buffer created by Make.
func Carve[T any](buf []byte, offset, n int) []T {
	if n == 0 {
		return nil
	}
	var t T
	size := int(unsafe.Sizeof(t))
	if offset < 0 || offset+n*size > len(buf) {
		exceptions.Panicf("scratch: carving %d values of %d bytes at offset %d out of a buffer of %d bytes",
			n, size, offset, len(buf))
	}
	if uintptr(unsafe.Pointer(&buf[offset]))%unsafe.Alignof(t) != 0 {
		exceptions.Panicf("scratch: offset %d is not aligned for values of %d bytes", offset, size)
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&buf[offset])), n)
}

// Allocator hands out consecutive aligned regions of a buffer.
type Allocator struct {
	buf    []byte
	offset int
}

// NewAllocator returns an Allocator over buf.
func NewAllocator(buf []byte) *Allocator {
	return &Allocator{buf: buf}
}

// Next carves the next region of n values of type T.
func Next[T any](a *Allocator, n int) []T {
	view := Carve[T](a.buf, a.offset, n)
	var t T
	a.offset += Align(n * int(unsafe.Sizeof(t)))
	return view
}

// Used returns the number of bytes handed out so far, including alignment.
func (a *Allocator) Used() int {
	return a.offset
}

// SizeOf returns the bytes an Allocator uses for a region of n values of type T.
func SizeOf[T any](n int) int {
	var t T
	return Align(n * int(unsafe.Sizeof(t)))
}
