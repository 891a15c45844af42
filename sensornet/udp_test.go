// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package sensornet

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

func freePort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func TestOpenZeroPort(t *testing.T) {
	_, err := Open(Config{MulticastIP: "225.1.1.1", MulticastPort: 0, GatewayPort: 10000}, logger)
	require.ErrorIs(t, err, ErrTransportFault)
	require.ErrorIs(t, err, ErrInvalidPort)

	_, err = Open(Config{MulticastIP: "225.1.1.1", MulticastPort: 1883, GatewayPort: 0}, logger)
	require.ErrorIs(t, err, ErrInvalidPort)
}

func TestOpenInvalidMulticastIP(t *testing.T) {
	for _, ip := range []string{"", "not-an-ip", "10.0.0.1", "ff02::1"} {
		_, err := Open(Config{MulticastIP: ip, MulticastPort: 1, GatewayPort: 2}, logger)
		require.ErrorIs(t, err, ErrTransportFault)
		require.ErrorIs(t, err, ErrInvalidMulticastIP)
	}
}

func TestOpenPortInUse(t *testing.T) {
	busy, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	require.NoError(t, err)
	defer busy.Close()

	_, err = Open(Config{
		MulticastIP:   "225.1.1.1",
		MulticastPort: freePort(t),
		GatewayPort:   busy.LocalAddr().(*net.UDPAddr).Port,
	}, logger)
	require.ErrorIs(t, err, ErrTransportFault)
}

func openUDP(t *testing.T) *UDP {
	t.Helper()
	u, err := Open(Config{
		MulticastIP:   "225.1.1.1",
		MulticastPort: freePort(t),
		GatewayPort:   freePort(t),
	}, logger)
	if err != nil {
		t.Skipf("multicast unavailable in this environment: %v", err)
	}
	return u
}

func TestUDPReceiveUnicast(t *testing.T) {
	u := openUDP(t)
	defer u.Close()

	client, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: u.config.GatewayPort})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte{0x03, 0x01, 0x00})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*2)
	defer cancel()

	buf := make([]byte, 64)
	n, addr, err := u.Receive(ctx, buf)
	require.NoError(t, err)
	require.Equal(t, []byte{0x03, 0x01, 0x00}, buf[:n])

	local := client.LocalAddr().(*net.UDPAddr)
	require.Equal(t, uint16(local.Port), addr.Port())
	require.True(t, addr.Addr().Is4())
}

func TestUDPUnicast(t *testing.T) {
	u := openUDP(t)
	defer u.Close()

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()

	n, err := u.Unicast([]byte{0x02, 0x17}, peer.LocalAddr().(*net.UDPAddr).AddrPort())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_ = peer.SetReadDeadline(time.Now().Add(time.Second * 2))
	buf := make([]byte, 16)
	n, _, err = peer.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, []byte{0x02, 0x17}, buf[:n])
}

func TestUDPReceiveContextCancelled(t *testing.T) {
	u := openUDP(t)
	defer u.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := u.Receive(ctx, make([]byte, 8))
	require.ErrorIs(t, err, context.Canceled)
}

func TestUDPCloseUnblocksReceive(t *testing.T) {
	u := openUDP(t)

	errs := make(chan error)
	go func() {
		_, _, err := u.Receive(context.Background(), make([]byte, 8))
		errs <- err
	}()

	time.Sleep(time.Millisecond * 10)
	require.NoError(t, u.Close())
	require.ErrorIs(t, <-errs, ErrTransportClosed)
	require.NoError(t, u.Close())
}

func TestUDPGroup(t *testing.T) {
	u := openUDP(t)
	defer u.Close()
	require.Equal(t, netip.MustParseAddr("225.1.1.1"), u.Group().Addr())
	require.Equal(t, uint16(u.config.MulticastPort), u.Group().Port())
}
