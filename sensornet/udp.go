// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package sensornet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/net/ipv4"
)

// UDP is a dual socket transport: a unicast socket bound to the gateway port and
// a second socket bound to the multicast port, both joined to the multicast group.
// Broadcasts leave through the unicast socket addressed to the group.
type UDP struct {
	config    Config
	log       *slog.Logger
	group     netip.AddrPort
	unicast   *net.UDPConn
	multicast *net.UDPConn
	datagrams chan Datagram
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	bufs      sync.Pool
}

// Open binds both sockets and joins the multicast group. Any failure closes
// whatever was opened and returns an error wrapping ErrTransportFault.
func Open(config Config, log *slog.Logger) (*UDP, error) {
	if config.GatewayPort <= 0 || config.MulticastPort <= 0 {
		return nil, fmt.Errorf("%w: %w", ErrTransportFault, ErrInvalidPort)
	}

	group, err := netip.ParseAddr(config.MulticastIP)
	if err != nil || !group.Is4() || !group.IsMulticast() {
		return nil, fmt.Errorf("%w: %w: %q", ErrTransportFault, ErrInvalidMulticastIP, config.MulticastIP)
	}

	if config.MulticastTTL == 0 {
		config.MulticastTTL = 1
	}

	if log == nil {
		log = slog.Default()
	}

	u := &UDP{
		config:    config,
		log:       log,
		group:     netip.AddrPortFrom(group, uint16(config.MulticastPort)),
		datagrams: make(chan Datagram, 64),
		done:      make(chan struct{}),
		bufs: sync.Pool{
			New: func() any {
				b := make([]byte, MaxDatagramSize)
				return &b
			},
		},
	}

	var ifi *net.Interface
	if config.Interface != "" {
		ifi, err = net.InterfaceByName(config.Interface)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransportFault, err)
		}
	}

	u.unicast, err = u.bind(config.GatewayPort, ifi)
	if err != nil {
		return nil, fmt.Errorf("%w: unicast socket: %w", ErrTransportFault, err)
	}

	u.multicast, err = u.bind(config.MulticastPort, ifi)
	if err != nil {
		_ = u.unicast.Close()
		return nil, fmt.Errorf("%w: multicast socket: %w", ErrTransportFault, err)
	}

	if err := ipv4.NewPacketConn(u.unicast).SetMulticastTTL(config.MulticastTTL); err != nil {
		_ = u.unicast.Close()
		_ = u.multicast.Close()
		return nil, fmt.Errorf("%w: multicast ttl: %w", ErrTransportFault, err)
	}

	u.wg.Add(2)
	go u.read(u.unicast, false)
	go u.read(u.multicast, true)

	u.log.Info("sensor network opened",
		"gateway_port", config.GatewayPort,
		"multicast", u.group.String())

	return u, nil
}

// bind opens a socket on the wildcard address, joins the group and disables loopback.
func (u *UDP) bind(port int, ifi *net.Interface) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, err
	}

	p := ipv4.NewPacketConn(conn)
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: net.IP(u.group.Addr().AsSlice())}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("join group: %w", err)
	}

	if err := p.SetMulticastLoopback(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("multicast loopback: %w", err)
	}

	return conn, nil
}

// read moves datagrams from a socket to the shared channel until the socket closes.
func (u *UDP) read(conn *net.UDPConn, multicast bool) {
	defer u.wg.Done()

	for {
		bp := u.bufs.Get().(*[]byte)
		n, addr, err := conn.ReadFromUDPAddrPort(*bp)
		if err != nil {
			u.bufs.Put(bp)
			if errors.Is(err, net.ErrClosed) {
				return
			}
			u.log.Warn("sensor network read failed", "error", err, "multicast", multicast)
			continue
		}

		data := make([]byte, n)
		copy(data, (*bp)[:n])
		u.bufs.Put(bp)

		select {
		case u.datagrams <- Datagram{
			Data:      data,
			Addr:      netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port()),
			Multicast: multicast,
		}:
		case <-u.done:
			return
		}
	}
}

// Receive blocks until a datagram is available on either socket.
func (u *UDP) Receive(ctx context.Context, buf []byte) (int, netip.AddrPort, error) {
	select {
	case <-ctx.Done():
		return 0, netip.AddrPort{}, ctx.Err()
	case <-u.done:
		return 0, netip.AddrPort{}, ErrTransportClosed
	case d := <-u.datagrams:
		return copy(buf, d.Data), d.Addr, nil
	}
}

// Unicast sends one datagram to addr through the unicast socket.
func (u *UDP) Unicast(payload []byte, addr netip.AddrPort) (int, error) {
	return u.unicast.WriteToUDPAddrPort(payload, addr)
}

// Broadcast sends one datagram to the multicast group.
func (u *UDP) Broadcast(payload []byte) (int, error) {
	return u.unicast.WriteToUDPAddrPort(payload, u.group)
}

// Group returns the multicast group address and port.
func (u *UDP) Group() netip.AddrPort {
	return u.group
}

// Close closes both sockets and waits for the readers to exit.
func (u *UDP) Close() error {
	var err error
	u.closeOnce.Do(func() {
		close(u.done)
		err = errors.Join(u.unicast.Close(), u.multicast.Close())
		u.wg.Wait()
		u.log.Info("sensor network closed")
	})
	return err
}
