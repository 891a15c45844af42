// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package sensornet

import (
	"context"
	"errors"
	"net/netip"
	"sync"
)

// ErrMockSend is returned by a Mock configured to fail sends.
var ErrMockSend = errors.New("mock send failure")

// Mock is an in-memory Transport for testing. Datagrams passed to Inject are
// returned by Receive, and every send is recorded and published on Sent.
type Mock struct {
	sync.Mutex
	inbound   chan Datagram
	Sent      chan Datagram // receives a copy of every datagram sent
	history   []Datagram
	done      chan struct{}
	closeOnce sync.Once
	FailSend  bool // return ErrMockSend from Unicast and Broadcast
}

// NewMock returns a new Mock transport.
func NewMock() *Mock {
	return &Mock{
		inbound: make(chan Datagram, 256),
		Sent:    make(chan Datagram, 256),
		done:    make(chan struct{}),
	}
}

// Inject queues a datagram as if it had arrived from addr.
func (m *Mock) Inject(data []byte, addr netip.AddrPort) {
	m.inbound <- Datagram{Data: append([]byte{}, data...), Addr: addr}
}

// Receive returns the next injected datagram.
func (m *Mock) Receive(ctx context.Context, buf []byte) (int, netip.AddrPort, error) {
	select {
	case <-ctx.Done():
		return 0, netip.AddrPort{}, ctx.Err()
	case <-m.done:
		return 0, netip.AddrPort{}, ErrTransportClosed
	case d := <-m.inbound:
		return copy(buf, d.Data), d.Addr, nil
	}
}

// Unicast records a datagram addressed to addr.
func (m *Mock) Unicast(payload []byte, addr netip.AddrPort) (int, error) {
	return m.record(Datagram{Data: append([]byte{}, payload...), Addr: addr})
}

// Broadcast records a datagram addressed to the multicast group.
func (m *Mock) Broadcast(payload []byte) (int, error) {
	return m.record(Datagram{Data: append([]byte{}, payload...), Multicast: true})
}

func (m *Mock) record(d Datagram) (int, error) {
	if m.FailSend {
		return 0, ErrMockSend
	}

	m.Lock()
	m.history = append(m.history, d)
	m.Unlock()

	select {
	case m.Sent <- d:
	default:
	}

	return len(d.Data), nil
}

// Sends returns every datagram sent so far.
func (m *Mock) Sends() []Datagram {
	m.Lock()
	defer m.Unlock()
	return append([]Datagram{}, m.history...)
}

// Close unblocks Receive.
func (m *Mock) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	return nil
}
