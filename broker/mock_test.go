// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package broker

import (
	"context"
	"testing"

	mqttpk "github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/require"
)

func TestMockOpenWriteDeliver(t *testing.T) {
	m := NewMock()

	var got mqttpk.ControlPacket
	closed := false
	require.NoError(t, m.Open(context.Background(), "a", func(pk mqttpk.ControlPacket) {
		got = pk
	}, func(err error) {
		closed = true
	}))
	require.True(t, m.Has("a"))
	require.Equal(t, 1, m.Len())
	require.Equal(t, 1, m.Opened)

	require.NoError(t, m.Write("a", mqttpk.NewControlPacket(mqttpk.Pingreq)))
	w := <-m.Written
	require.Equal(t, "a", w.Key)

	require.True(t, m.Deliver("a", mqttpk.NewControlPacket(mqttpk.Pingresp)))
	_, ok := got.(*mqttpk.PingrespPacket)
	require.True(t, ok)

	require.False(t, m.Deliver("b", mqttpk.NewControlPacket(mqttpk.Pingresp)))

	m.CloseAll()
	require.True(t, closed)
	require.Equal(t, 0, m.Len())
}

func TestMockWriteNotOpen(t *testing.T) {
	m := NewMock()
	err := m.Write("a", mqttpk.NewControlPacket(mqttpk.Pingreq))
	require.ErrorIs(t, err, ErrSessionNotOpen)
}

func TestMockFailOpen(t *testing.T) {
	m := NewMock()
	m.FailOpen = true
	err := m.Open(context.Background(), "a", nil, nil)
	require.ErrorIs(t, err, ErrMockOpen)
	require.False(t, m.Close("a"))
}
