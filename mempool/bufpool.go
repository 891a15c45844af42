// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package mempool provides pools of reusable buffers for encoding outbound
// datagrams.
package mempool

import (
	"bytes"
	"sync"
)

// DatagramCap is the largest buffer capacity kept by the default pool. Larger
// buffers are left to the garbage collector.
const DatagramCap = 0xFFFF

var bufPool = NewBuffer(DatagramCap)

// GetBuffer takes a Buffer from the default buffer pool.
func GetBuffer() *bytes.Buffer { return bufPool.Get() }

// PutBuffer returns a Buffer to the default buffer pool.
func PutBuffer(x *bytes.Buffer) { bufPool.Put(x) }

// BufferPool hands out reset buffers.
type BufferPool interface {
	Get() *bytes.Buffer
	Put(x *bytes.Buffer)
}

// NewBuffer returns a buffer pool which drops buffers grown beyond max. If
// max <= 0 every buffer is returned to the pool.
func NewBuffer(max int) BufferPool {
	return &Buffer{
		max: max,
		pool: sync.Pool{
			New: func() any { return new(bytes.Buffer) },
		},
	}
}

// Buffer is a pool of bytes.Buffer.
type Buffer struct {
	pool sync.Pool
	max  int
}

// Get a Buffer from the pool.
func (b *Buffer) Get() *bytes.Buffer {
	return b.pool.Get().(*bytes.Buffer)
}

// Put resets the Buffer and returns it to the pool, unless it has outgrown
// the pool limit.
func (b *Buffer) Put(x *bytes.Buffer) {
	if b.max > 0 && x.Cap() > b.max {
		return
	}
	x.Reset()
	b.pool.Put(x)
}
