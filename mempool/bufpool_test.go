// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mempool

import (
	"bytes"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewBuffer(t *testing.T) {
	bp := NewBuffer(1000)
	require.Equal(t, 1000, bp.(*Buffer).max)

	bp = NewBuffer(0)
	require.Equal(t, 0, bp.(*Buffer).max)
}

func TestBufferReset(t *testing.T) {
	defer debug.SetGCPercent(debug.SetGCPercent(-1))
	bp := NewBuffer(0)
	buf := bp.Get()
	buf.WriteString("datagram")

	bp.Put(buf)
	buf = bp.Get()
	require.Equal(t, 0, buf.Len())
}

func TestBufferWithCap(t *testing.T) {
	defer debug.SetGCPercent(debug.SetGCPercent(-1))
	bp := NewBuffer(100)
	buf := bp.Get()
	buf.Write(bytes.Repeat([]byte{'a'}, 101))
	big := buf

	bp.Put(buf)
	buf = bp.Get()
	require.NotSame(t, big, buf)
	require.Equal(t, 0, buf.Len())
}

func TestDefaultPool(t *testing.T) {
	defer debug.SetGCPercent(debug.SetGCPercent(-1))
	buf := GetBuffer()
	buf.WriteByte(2)
	PutBuffer(buf)
	require.Equal(t, 0, GetBuffer().Len())
}
